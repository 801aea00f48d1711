package storage

import (
	"context"
	"errors"
	"time"

	"sitewatch/internal/models"
)

var (
	// ErrDuplicateURL is returned when a site with the same URL is already tracked
	ErrDuplicateURL = errors.New("duplicate url")
	// ErrNotFound is returned when a requested resource is not found
	ErrNotFound = errors.New("not found")
	// ErrStorageFailure wraps any failure to begin, write or commit a transaction
	ErrStorageFailure = errors.New("storage failure")
	// ErrHeadMoved is returned by RecordPollResult when the site's current
	// snapshot is no longer the one the result was compared against
	ErrHeadMoved = errors.New("current snapshot changed")
)

// TimeFormat is the layout used for every persisted timestamp. It is
// RFC 3339 with a fixed-width fraction so stored values sort as strings.
const TimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// CreateSiteParams contains the fields needed to register a site
type CreateSiteParams struct {
	URL                  string
	Selector             *string
	CheckIntervalSeconds int64
}

// PollResult carries the outcome of one poll cycle that observed new content.
// PreviousSnapshotID is the snapshot Summary was computed against, nil for a
// baseline.
type PollResult struct {
	SiteID             int64
	PreviousSnapshotID *int64
	Content            string
	Fingerprint        string
	Summary            string
	CheckedAt          time.Time
}

// ListSnapshotsParams contains parameters for listing a site's snapshots
type ListSnapshotsParams struct {
	SiteID int64
	Limit  int
}

// ListChangesParams contains parameters for listing a site's changes
type ListChangesParams struct {
	SiteID int64
	Since  *time.Time
	Limit  int
}

// Storer defines the interface for storage operations on sites, snapshots and changes
type Storer interface {
	CreateSite(ctx context.Context, params CreateSiteParams) (*models.Site, error)
	GetSite(ctx context.Context, id int64) (*models.Site, error)
	ListSites(ctx context.Context) ([]models.Site, error)

	// RecordPollResult writes a new snapshot and change and advances the site's
	// pointers in one transaction. When the site's current snapshot already has
	// the given fingerprint only last_checked_at is refreshed and the returned
	// change is nil. Otherwise, if the current snapshot is not
	// result.PreviousSnapshotID, nothing is written and ErrHeadMoved is returned.
	RecordPollResult(ctx context.Context, result PollResult) (*models.Change, error)
	// MarkChecked refreshes last_checked_at without touching snapshots.
	MarkChecked(ctx context.Context, siteID int64, at time.Time) error

	GetSnapshot(ctx context.Context, id int64) (*models.Snapshot, error)
	ListSnapshots(ctx context.Context, params ListSnapshotsParams) ([]models.Snapshot, error)
	ListChanges(ctx context.Context, params ListChangesParams) ([]models.Change, error)
}

// FormatTime renders t the way timestamps are persisted.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a persisted timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeFormat, s)
}

// SameSnapshot reports whether two optional snapshot IDs refer to the same
// snapshot, treating two nils as equal.
func SameSnapshot(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
