package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sitewatch/internal/models"
	"sitewatch/internal/storage"
)

// PostgresStore implements the storage.Storer interface for PostgreSQL.
type PostgresStore struct {
	db  *pgxpool.Pool
	now func() time.Time
}

// New creates a new PostgresStore and establishes a connection to the database.
// It also runs migrations to ensure the schema is up to date.
func New(ctx context.Context, connString string, maxConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	store := &PostgresStore{db: pool, now: time.Now}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

// migrate ensures the database schema is created.
func (s *PostgresStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sites (
		id                     BIGSERIAL PRIMARY KEY,
		url                    TEXT NOT NULL UNIQUE,
		selector               TEXT NULL,
		check_interval_seconds BIGINT NOT NULL CHECK (check_interval_seconds >= 1),
		created_at             TEXT NOT NULL,
		last_checked_at        TEXT NULL,
		last_snapshot_id       BIGINT NULL
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		id           BIGSERIAL PRIMARY KEY,
		site_id      BIGINT NOT NULL REFERENCES sites(id),
		created_at   TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		content      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_site_id ON snapshots (site_id, id);

	DO $$
	BEGIN
		IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'sites_last_snapshot_fk') THEN
			ALTER TABLE sites ADD CONSTRAINT sites_last_snapshot_fk
				FOREIGN KEY (last_snapshot_id) REFERENCES snapshots(id);
		END IF;
	END $$;

	CREATE TABLE IF NOT EXISTS changes (
		id              BIGSERIAL PRIMARY KEY,
		site_id         BIGINT NOT NULL REFERENCES sites(id),
		old_snapshot_id BIGINT NULL REFERENCES snapshots(id),
		new_snapshot_id BIGINT NOT NULL REFERENCES snapshots(id),
		created_at      TEXT NOT NULL,
		summary         TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_changes_site_id ON changes (site_id, id);
	`
	_, err := s.db.Exec(ctx, schema)
	return err
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", storage.ErrStorageFailure, op, err)
}

// limitArg maps a non-positive limit to NULL, which Postgres treats as no limit.
func limitArg(n int) *int {
	if n <= 0 {
		return nil
	}
	return &n
}

const siteColumns = `id, url, selector, check_interval_seconds, created_at, last_checked_at, last_snapshot_id`

func scanSite(row pgx.Row) (*models.Site, error) {
	var (
		site          models.Site
		createdAt     string
		lastCheckedAt *string
	)
	if err := row.Scan(&site.ID, &site.URL, &site.Selector, &site.CheckIntervalSeconds, &createdAt, &lastCheckedAt, &site.LastSnapshotID); err != nil {
		return nil, err
	}
	site.CreatedAt, _ = storage.ParseTime(createdAt)
	if lastCheckedAt != nil {
		if t, err := storage.ParseTime(*lastCheckedAt); err == nil {
			site.LastCheckedAt = &t
		}
	}
	return &site, nil
}

// CreateSite implements the Storer interface.
func (s *PostgresStore) CreateSite(ctx context.Context, params storage.CreateSiteParams) (*models.Site, error) {
	query := `
	INSERT INTO sites (url, selector, check_interval_seconds, created_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (url) DO NOTHING
	RETURNING ` + siteColumns
	site, err := scanSite(s.db.QueryRow(ctx, query, params.URL, params.Selector, params.CheckIntervalSeconds, storage.FormatTime(s.now())))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrDuplicateURL
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create site: %w", err)
	}
	return site, nil
}

// GetSite implements the Storer interface.
func (s *PostgresStore) GetSite(ctx context.Context, id int64) (*models.Site, error) {
	site, err := scanSite(s.db.QueryRow(ctx, `SELECT `+siteColumns+` FROM sites WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get site by id: %w", err)
	}
	return site, nil
}

// ListSites implements the Storer interface.
func (s *PostgresStore) ListSites(ctx context.Context) ([]models.Site, error) {
	rows, err := s.db.Query(ctx, `SELECT `+siteColumns+` FROM sites ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sites: %w", err)
	}
	defer rows.Close()

	sites := []models.Site{}
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan site row: %w", err)
		}
		sites = append(sites, *site)
	}
	return sites, rows.Err()
}

// RecordPollResult implements the Storer interface. The site row is locked
// for the duration of the transaction so concurrent writers serialize.
func (s *PostgresStore) RecordPollResult(ctx context.Context, result storage.PollResult) (*models.Change, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, storageErr("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	var head *int64
	err = tx.QueryRow(ctx, `SELECT last_snapshot_id FROM sites WHERE id = $1 FOR UPDATE`, result.SiteID).Scan(&head)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, storageErr("load site", err)
	}

	checkedAt := storage.FormatTime(result.CheckedAt)

	if head != nil {
		var headHash string
		query := `SELECT content_hash FROM snapshots WHERE id = $1 AND site_id = $2`
		if err := tx.QueryRow(ctx, query, *head, result.SiteID).Scan(&headHash); err != nil {
			return nil, storageErr("load current snapshot", err)
		}
		if headHash == result.Fingerprint {
			if _, err := tx.Exec(ctx, `UPDATE sites SET last_checked_at = $1 WHERE id = $2`, checkedAt, result.SiteID); err != nil {
				return nil, storageErr("update site", err)
			}
			if err := tx.Commit(ctx); err != nil {
				return nil, storageErr("commit", err)
			}
			return nil, nil
		}
	}
	if !storage.SameSnapshot(head, result.PreviousSnapshotID) {
		return nil, storage.ErrHeadMoved
	}

	var snapshotID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO snapshots (site_id, created_at, content_hash, content) VALUES ($1, $2, $3, $4) RETURNING id`,
		result.SiteID, checkedAt, result.Fingerprint, result.Content).Scan(&snapshotID)
	if err != nil {
		return nil, storageErr("insert snapshot", err)
	}

	var changeID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO changes (site_id, old_snapshot_id, new_snapshot_id, created_at, summary) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		result.SiteID, head, snapshotID, checkedAt, result.Summary).Scan(&changeID)
	if err != nil {
		return nil, storageErr("insert change", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE sites SET last_snapshot_id = $1, last_checked_at = $2 WHERE id = $3`,
		snapshotID, checkedAt, result.SiteID); err != nil {
		return nil, storageErr("update site", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storageErr("commit", err)
	}

	createdAt, _ := storage.ParseTime(checkedAt)
	return &models.Change{
		ID:            changeID,
		SiteID:        result.SiteID,
		OldSnapshotID: head,
		NewSnapshotID: snapshotID,
		CreatedAt:     createdAt,
		Summary:       result.Summary,
	}, nil
}

// MarkChecked implements the Storer interface.
func (s *PostgresStore) MarkChecked(ctx context.Context, siteID int64, at time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE sites SET last_checked_at = $1 WHERE id = $2`, storage.FormatTime(at), siteID)
	if err != nil {
		return storageErr("mark checked", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetSnapshot implements the Storer interface.
func (s *PostgresStore) GetSnapshot(ctx context.Context, id int64) (*models.Snapshot, error) {
	query := `SELECT id, site_id, created_at, content_hash, content FROM snapshots WHERE id = $1`
	var snap models.Snapshot
	var createdAt string
	err := s.db.QueryRow(ctx, query, id).Scan(&snap.ID, &snap.SiteID, &createdAt, &snap.ContentHash, &snap.Content)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot by id: %w", err)
	}
	snap.CreatedAt, _ = storage.ParseTime(createdAt)
	return &snap, nil
}

// ListSnapshots implements the Storer interface.
func (s *PostgresStore) ListSnapshots(ctx context.Context, params storage.ListSnapshotsParams) ([]models.Snapshot, error) {
	query := `SELECT id, site_id, created_at, content_hash FROM snapshots WHERE site_id = $1 ORDER BY id DESC LIMIT $2`
	rows, err := s.db.Query(ctx, query, params.SiteID, limitArg(params.Limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	snapshots := []models.Snapshot{}
	for rows.Next() {
		var snap models.Snapshot
		var createdAt string
		if err := rows.Scan(&snap.ID, &snap.SiteID, &createdAt, &snap.ContentHash); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap.CreatedAt, _ = storage.ParseTime(createdAt)
		snapshots = append(snapshots, snap)
	}
	return snapshots, rows.Err()
}

// ListChanges implements the Storer interface.
func (s *PostgresStore) ListChanges(ctx context.Context, params storage.ListChangesParams) ([]models.Change, error) {
	args := []any{params.SiteID}
	qb := strings.Builder{}
	qb.WriteString("SELECT id, site_id, old_snapshot_id, new_snapshot_id, created_at, summary FROM changes WHERE site_id = $1")
	if params.Since != nil {
		args = append(args, storage.FormatTime(*params.Since))
		qb.WriteString(fmt.Sprintf(" AND created_at > $%d", len(args)))
	}
	args = append(args, limitArg(params.Limit))
	qb.WriteString(fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args)))

	rows, err := s.db.Query(ctx, qb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	defer rows.Close()

	changes := []models.Change{}
	for rows.Next() {
		var c models.Change
		var createdAt string
		if err := rows.Scan(&c.ID, &c.SiteID, &c.OldSnapshotID, &c.NewSnapshotID, &createdAt, &c.Summary); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		c.CreatedAt, _ = storage.ParseTime(createdAt)
		changes = append(changes, c)
	}
	return changes, rows.Err()
}
