package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"sitewatch/internal/models"
	"sitewatch/internal/storage"
)

// DefaultMaxConns is the default connection pool size.
const DefaultMaxConns = 5

// SQLiteStore implements the storage.Storer interface for SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// Option customises a SQLiteStore.
type Option func(*SQLiteStore)

// WithMaxConns bounds the connection pool.
func WithMaxConns(n int) Option {
	return func(s *SQLiteStore) {
		if n > 0 {
			s.db.SetMaxOpenConns(n)
			s.db.SetMaxIdleConns(n)
		}
	}
}

// WithClock overrides the clock used to stamp created_at on new sites.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

// New creates a new SQLiteStore and establishes a connection to the database file.
// It also runs migrations to ensure the schema is up to date.
func New(ctx context.Context, dataSourceName string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn(dataSourceName))
	if err != nil {
		return nil, fmt.Errorf("unable to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(DefaultMaxConns)
	db.SetMaxIdleConns(DefaultMaxConns)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db, now: time.Now}
	for _, o := range opts {
		o(store)
	}
	// Every connection to :memory: is a separate database.
	if dataSourceName == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// dsn appends the pragmas every connection needs. Writers take the lock up
// front so two poll transactions never deadlock on a lock upgrade.
func dsn(name string) string {
	params := "_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_txlock=immediate"
	if strings.Contains(name, "?") {
		return name + "&" + params
	}
	return name + "?" + params
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// migrate ensures the database schema is created.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS sites (
	id                     INTEGER PRIMARY KEY AUTOINCREMENT,
	url                    TEXT NOT NULL UNIQUE,
	selector               TEXT NULL,
	check_interval_seconds INTEGER NOT NULL CHECK (check_interval_seconds >= 1),
	created_at             TEXT NOT NULL,
	last_checked_at        TEXT NULL,
	last_snapshot_id       INTEGER NULL REFERENCES snapshots(id)
);

CREATE TABLE IF NOT EXISTS snapshots (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	site_id      INTEGER NOT NULL,
	created_at   TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	content      TEXT NOT NULL,
	FOREIGN KEY(site_id) REFERENCES sites(id)
);
CREATE INDEX IF NOT EXISTS idx_snapshots_site_id ON snapshots (site_id, id);

CREATE TABLE IF NOT EXISTS changes (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	site_id         INTEGER NOT NULL,
	old_snapshot_id INTEGER NULL,
	new_snapshot_id INTEGER NOT NULL,
	created_at      TEXT NOT NULL,
	summary         TEXT NOT NULL,
	FOREIGN KEY(site_id) REFERENCES sites(id),
	FOREIGN KEY(old_snapshot_id) REFERENCES snapshots(id),
	FOREIGN KEY(new_snapshot_id) REFERENCES snapshots(id)
);
CREATE INDEX IF NOT EXISTS idx_changes_site_id ON changes (site_id, id);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", storage.ErrStorageFailure, op, err)
}

// limitArg maps a non-positive limit to SQLite's "no limit".
func limitArg(n int) int {
	if n <= 0 {
		return -1
	}
	return n
}

type rowScanner interface {
	Scan(dest ...any) error
}

const siteColumns = `id, url, selector, check_interval_seconds, created_at, last_checked_at, last_snapshot_id`

func scanSite(row rowScanner) (*models.Site, error) {
	var (
		site          models.Site
		selector      sql.NullString
		createdAt     string
		lastCheckedAt sql.NullString
		lastSnapshot  sql.NullInt64
	)
	if err := row.Scan(&site.ID, &site.URL, &selector, &site.CheckIntervalSeconds, &createdAt, &lastCheckedAt, &lastSnapshot); err != nil {
		return nil, err
	}
	site.CreatedAt, _ = storage.ParseTime(createdAt)
	if selector.Valid {
		v := selector.String
		site.Selector = &v
	}
	if lastCheckedAt.Valid {
		if t, err := storage.ParseTime(lastCheckedAt.String); err == nil {
			site.LastCheckedAt = &t
		}
	}
	if lastSnapshot.Valid {
		v := lastSnapshot.Int64
		site.LastSnapshotID = &v
	}
	return &site, nil
}

// CreateSite registers a new site. It fails with storage.ErrDuplicateURL if the URL is already tracked.
func (s *SQLiteStore) CreateSite(ctx context.Context, params storage.CreateSiteParams) (*models.Site, error) {
	query := `
INSERT INTO sites (url, selector, check_interval_seconds, created_at, last_checked_at, last_snapshot_id)
VALUES (?, ?, ?, ?, NULL, NULL)
ON CONFLICT(url) DO NOTHING`
	res, err := s.db.ExecContext(ctx, query, params.URL, params.Selector, params.CheckIntervalSeconds, storage.FormatTime(s.now()))
	if err != nil {
		return nil, fmt.Errorf("failed to insert site: %w", err)
	}
	rowsAffected, _ := res.RowsAffected()
	if rowsAffected == 0 {
		return nil, storage.ErrDuplicateURL
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read site id: %w", err)
	}
	return s.GetSite(ctx, id)
}

// GetSite retrieves a single site by its ID.
func (s *SQLiteStore) GetSite(ctx context.Context, id int64) (*models.Site, error) {
	site, err := scanSite(s.db.QueryRowContext(ctx, `SELECT `+siteColumns+` FROM sites WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get site by id: %w", err)
	}
	return site, nil
}

// ListSites retrieves all sites ordered by ID.
func (s *SQLiteStore) ListSites(ctx context.Context) ([]models.Site, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+siteColumns+` FROM sites ORDER BY id`)
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

// RecordPollResult stores a new snapshot and change for a site and moves the
// site's pointers, all in a single transaction.
func (s *SQLiteStore) RecordPollResult(ctx context.Context, result storage.PollResult) (*models.Change, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin transaction", err)
	}
	defer tx.Rollback()

	var head sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT last_snapshot_id FROM sites WHERE id = ?`, result.SiteID).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, storageErr("load site", err)
	}

	checkedAt := storage.FormatTime(result.CheckedAt)

	var oldSnapshotID *int64
	if head.Valid {
		var headHash string
		query := `SELECT content_hash FROM snapshots WHERE id = ? AND site_id = ?`
		if err := tx.QueryRowContext(ctx, query, head.Int64, result.SiteID).Scan(&headHash); err != nil {
			return nil, storageErr("load current snapshot", err)
		}
		if headHash == result.Fingerprint {
			if _, err := tx.ExecContext(ctx, `UPDATE sites SET last_checked_at = ? WHERE id = ?`, checkedAt, result.SiteID); err != nil {
				return nil, storageErr("update site", err)
			}
			if err := tx.Commit(); err != nil {
				return nil, storageErr("commit", err)
			}
			return nil, nil
		}
		v := head.Int64
		oldSnapshotID = &v
	}
	if !storage.SameSnapshot(oldSnapshotID, result.PreviousSnapshotID) {
		return nil, storage.ErrHeadMoved
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (site_id, created_at, content_hash, content) VALUES (?, ?, ?, ?)`,
		result.SiteID, checkedAt, result.Fingerprint, result.Content)
	if err != nil {
		return nil, storageErr("insert snapshot", err)
	}
	snapshotID, err := res.LastInsertId()
	if err != nil {
		return nil, storageErr("read snapshot id", err)
	}

	res, err = tx.ExecContext(ctx,
		`INSERT INTO changes (site_id, old_snapshot_id, new_snapshot_id, created_at, summary) VALUES (?, ?, ?, ?, ?)`,
		result.SiteID, oldSnapshotID, snapshotID, checkedAt, result.Summary)
	if err != nil {
		return nil, storageErr("insert change", err)
	}
	changeID, err := res.LastInsertId()
	if err != nil {
		return nil, storageErr("read change id", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sites SET last_snapshot_id = ?, last_checked_at = ? WHERE id = ?`,
		snapshotID, checkedAt, result.SiteID); err != nil {
		return nil, storageErr("update site", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit", err)
	}

	createdAt, _ := storage.ParseTime(checkedAt)
	return &models.Change{
		ID:            changeID,
		SiteID:        result.SiteID,
		OldSnapshotID: oldSnapshotID,
		NewSnapshotID: snapshotID,
		CreatedAt:     createdAt,
		Summary:       result.Summary,
	}, nil
}

// MarkChecked refreshes a site's last_checked_at.
func (s *SQLiteStore) MarkChecked(ctx context.Context, siteID int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sites SET last_checked_at = ? WHERE id = ?`, storage.FormatTime(at), siteID)
	if err != nil {
		return storageErr("mark checked", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetSnapshot retrieves a snapshot, content included.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, id int64) (*models.Snapshot, error) {
	query := `SELECT id, site_id, created_at, content_hash, content FROM snapshots WHERE id = ?`
	var snap models.Snapshot
	var createdAt string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&snap.ID, &snap.SiteID, &createdAt, &snap.ContentHash, &snap.Content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot by id: %w", err)
	}
	snap.CreatedAt, _ = storage.ParseTime(createdAt)
	return &snap, nil
}

// ListSnapshots retrieves a site's snapshots, newest first, without their content.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, params storage.ListSnapshotsParams) ([]models.Snapshot, error) {
	query := `SELECT id, site_id, created_at, content_hash FROM snapshots WHERE site_id = ? ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, params.SiteID, limitArg(params.Limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()
	snapshots := []models.Snapshot{}
	for rows.Next() {
		var snap models.Snapshot
		var createdAt string
		if err := rows.Scan(&snap.ID, &snap.SiteID, &createdAt, &snap.ContentHash); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		snap.CreatedAt, _ = storage.ParseTime(createdAt)
		snapshots = append(snapshots, snap)
	}
	return snapshots, rows.Err()
}

// ListChanges retrieves a site's changes, newest first.
func (s *SQLiteStore) ListChanges(ctx context.Context, params storage.ListChangesParams) ([]models.Change, error) {
	args := []any{params.SiteID}
	qb := strings.Builder{}
	qb.WriteString("SELECT id, site_id, old_snapshot_id, new_snapshot_id, created_at, summary FROM changes WHERE site_id = ?")
	if params.Since != nil {
		args = append(args, storage.FormatTime(*params.Since))
		qb.WriteString(" AND created_at > ?")
	}
	qb.WriteString(" ORDER BY id DESC LIMIT ?")
	args = append(args, limitArg(params.Limit))

	rows, err := s.db.QueryContext(ctx, qb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	defer rows.Close()
	changes := []models.Change{}
	for rows.Next() {
		var c models.Change
		var old sql.NullInt64
		var createdAt string
		if err := rows.Scan(&c.ID, &c.SiteID, &old, &c.NewSnapshotID, &createdAt, &c.Summary); err != nil {
			return nil, fmt.Errorf("failed to scan change row: %w", err)
		}
		if old.Valid {
			v := old.Int64
			c.OldSnapshotID = &v
		}
		c.CreatedAt, _ = storage.ParseTime(createdAt)
		changes = append(changes, c)
	}
	return changes, rows.Err()
}
