package models

import "time"

// Site represents a tracked URL.
// LastCheckedAt and LastSnapshotID stay nil until the first poll cycle.
type Site struct {
	ID                   int64      `json:"id"`
	URL                  string     `json:"url"`
	Selector             *string    `json:"selector"`
	CheckIntervalSeconds int64      `json:"check_interval_seconds"`
	CreatedAt            time.Time  `json:"created_at"`
	LastCheckedAt        *time.Time `json:"last_checked_at"`
	LastSnapshotID       *int64     `json:"last_snapshot_id"`
}

// Interval returns the site's poll interval as a duration.
func (s Site) Interval() time.Duration {
	return time.Duration(s.CheckIntervalSeconds) * time.Second
}

// IsDue reports whether the site should be polled at now.
// A site that has never been checked is always due.
func (s Site) IsDue(now time.Time) bool {
	if s.LastCheckedAt == nil {
		return true
	}
	return now.Sub(*s.LastCheckedAt) >= s.Interval()
}

// Snapshot is an immutable capture of a site's canonical content.
type Snapshot struct {
	ID          int64     `json:"id"`
	SiteID      int64     `json:"site_id"`
	CreatedAt   time.Time `json:"created_at"`
	ContentHash string    `json:"content_hash"`
	Content     string    `json:"content"`
}

// Change records that a site's content differed between two snapshots.
// OldSnapshotID is nil for the baseline capture.
type Change struct {
	ID            int64     `json:"id"`
	SiteID        int64     `json:"site_id"`
	OldSnapshotID *int64    `json:"old_snapshot_id"`
	NewSnapshotID int64     `json:"new_snapshot_id"`
	CreatedAt     time.Time `json:"created_at"`
	Summary       string    `json:"summary"`
}
