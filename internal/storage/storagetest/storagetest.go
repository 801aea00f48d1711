// Package storagetest holds behavior tests shared by every storage.Storer
// implementation.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitewatch/internal/storage"
)

// Run executes the shared suite. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) storage.Storer) {
	t.Run("CreateAndGetSite", func(t *testing.T) { testCreateAndGetSite(t, newStore(t)) })
	t.Run("DuplicateURL", func(t *testing.T) { testDuplicateURL(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("ListSitesOrdered", func(t *testing.T) { testListSitesOrdered(t, newStore(t)) })
	t.Run("BaselineThenChange", func(t *testing.T) { testBaselineThenChange(t, newStore(t)) })
	t.Run("SameFingerprintOnlyTouchesCheckTime", func(t *testing.T) { testSameFingerprint(t, newStore(t)) })
	t.Run("MarkChecked", func(t *testing.T) { testMarkChecked(t, newStore(t)) })
	t.Run("ListChangesSinceAndLimit", func(t *testing.T) { testListChanges(t, newStore(t)) })
	t.Run("StalePreviousSnapshot", func(t *testing.T) { testStalePreviousSnapshot(t, newStore(t)) })
}

func strPtr(s string) *string { return &s }

func testCreateAndGetSite(t *testing.T, s storage.Storer) {
	ctx := context.Background()

	site, err := s.CreateSite(ctx, storage.CreateSiteParams{
		URL:                  "https://example.com/a",
		Selector:             strPtr("#main"),
		CheckIntervalSeconds: 60,
	})
	require.NoError(t, err)
	assert.NotZero(t, site.ID)
	assert.Equal(t, "https://example.com/a", site.URL)
	require.NotNil(t, site.Selector)
	assert.Equal(t, "#main", *site.Selector)
	assert.Equal(t, int64(60), site.CheckIntervalSeconds)
	assert.Nil(t, site.LastCheckedAt)
	assert.Nil(t, site.LastSnapshotID)
	assert.False(t, site.CreatedAt.IsZero())

	got, err := s.GetSite(ctx, site.ID)
	require.NoError(t, err)
	assert.Equal(t, site, got)
}

func testDuplicateURL(t *testing.T, s storage.Storer) {
	ctx := context.Background()
	params := storage.CreateSiteParams{URL: "https://example.com/", CheckIntervalSeconds: 10}

	_, err := s.CreateSite(ctx, params)
	require.NoError(t, err)

	_, err = s.CreateSite(ctx, params)
	assert.ErrorIs(t, err, storage.ErrDuplicateURL)

	sites, err := s.ListSites(ctx)
	require.NoError(t, err)
	assert.Len(t, sites, 1)
}

func testNotFound(t *testing.T, s storage.Storer) {
	ctx := context.Background()

	_, err := s.GetSite(ctx, 4242)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.GetSnapshot(ctx, 4242)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = s.MarkChecked(ctx, 4242, time.Now())
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.RecordPollResult(ctx, storage.PollResult{SiteID: 4242, Content: "x", Fingerprint: "f", CheckedAt: time.Now()})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testListSitesOrdered(t *testing.T, s storage.Storer) {
	ctx := context.Background()

	empty, err := s.ListSites(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)

	for _, u := range []string{"https://c.example", "https://a.example", "https://b.example"} {
		_, err := s.CreateSite(ctx, storage.CreateSiteParams{URL: u, CheckIntervalSeconds: 1})
		require.NoError(t, err)
	}

	sites, err := s.ListSites(ctx)
	require.NoError(t, err)
	require.Len(t, sites, 3)
	assert.Equal(t, "https://c.example", sites[0].URL)
	assert.Less(t, sites[0].ID, sites[1].ID)
	assert.Less(t, sites[1].ID, sites[2].ID)
}

func testBaselineThenChange(t *testing.T, s storage.Storer) {
	ctx := context.Background()
	site, err := s.CreateSite(ctx, storage.CreateSiteParams{URL: "https://example.com/p", CheckIntervalSeconds: 30})
	require.NoError(t, err)

	t1 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	baseline, err := s.RecordPollResult(ctx, storage.PollResult{
		SiteID: site.ID, Content: "v1", Fingerprint: "fp1", Summary: "baseline captured", CheckedAt: t1,
	})
	require.NoError(t, err)
	require.NotNil(t, baseline)
	assert.Nil(t, baseline.OldSnapshotID)
	assert.Equal(t, "baseline captured", baseline.Summary)
	assert.True(t, t1.Equal(baseline.CreatedAt))

	site, err = s.GetSite(ctx, site.ID)
	require.NoError(t, err)
	require.NotNil(t, site.LastSnapshotID)
	assert.Equal(t, baseline.NewSnapshotID, *site.LastSnapshotID)
	require.NotNil(t, site.LastCheckedAt)
	assert.True(t, t1.Equal(*site.LastCheckedAt))

	t2 := t1.Add(time.Minute)
	change, err := s.RecordPollResult(ctx, storage.PollResult{
		SiteID: site.ID, PreviousSnapshotID: &baseline.NewSnapshotID,
		Content: "v2", Fingerprint: "fp2", Summary: "1 line added", CheckedAt: t2,
	})
	require.NoError(t, err)
	require.NotNil(t, change)
	require.NotNil(t, change.OldSnapshotID)
	assert.Equal(t, baseline.NewSnapshotID, *change.OldSnapshotID)
	assert.Greater(t, change.NewSnapshotID, baseline.NewSnapshotID)

	snap, err := s.GetSnapshot(ctx, change.NewSnapshotID)
	require.NoError(t, err)
	assert.Equal(t, site.ID, snap.SiteID)
	assert.Equal(t, "v2", snap.Content)
	assert.Equal(t, "fp2", snap.ContentHash)

	snapshots, err := s.ListSnapshots(ctx, storage.ListSnapshotsParams{SiteID: site.ID, Limit: 10})
	require.NoError(t, err)
	require.Len(t, snapshots, 2)
	assert.Equal(t, change.NewSnapshotID, snapshots[0].ID)
	assert.Empty(t, snapshots[0].Content)
}

func testSameFingerprint(t *testing.T, s storage.Storer) {
	ctx := context.Background()
	site, err := s.CreateSite(ctx, storage.CreateSiteParams{URL: "https://example.com/same", CheckIntervalSeconds: 30})
	require.NoError(t, err)

	t1 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	first, err := s.RecordPollResult(ctx, storage.PollResult{SiteID: site.ID, Content: "v1", Fingerprint: "fp1", CheckedAt: t1})
	require.NoError(t, err)
	require.NotNil(t, first)

	t2 := t1.Add(time.Hour)
	again, err := s.RecordPollResult(ctx, storage.PollResult{SiteID: site.ID, Content: "v1", Fingerprint: "fp1", CheckedAt: t2})
	require.NoError(t, err)
	assert.Nil(t, again)

	site, err = s.GetSite(ctx, site.ID)
	require.NoError(t, err)
	assert.Equal(t, first.NewSnapshotID, *site.LastSnapshotID)
	assert.True(t, t2.Equal(*site.LastCheckedAt))

	snapshots, err := s.ListSnapshots(ctx, storage.ListSnapshotsParams{SiteID: site.ID})
	require.NoError(t, err)
	assert.Len(t, snapshots, 1)
}

func testMarkChecked(t *testing.T, s storage.Storer) {
	ctx := context.Background()
	site, err := s.CreateSite(ctx, storage.CreateSiteParams{URL: "https://example.com/mark", CheckIntervalSeconds: 30})
	require.NoError(t, err)

	at := time.Date(2024, 5, 6, 7, 8, 9, 123, time.UTC)
	require.NoError(t, s.MarkChecked(ctx, site.ID, at))

	site, err = s.GetSite(ctx, site.ID)
	require.NoError(t, err)
	require.NotNil(t, site.LastCheckedAt)
	assert.True(t, at.Equal(*site.LastCheckedAt))
	assert.Nil(t, site.LastSnapshotID)
}

func testListChanges(t *testing.T, s storage.Storer) {
	ctx := context.Background()
	site, err := s.CreateSite(ctx, storage.CreateSiteParams{URL: "https://example.com/list", CheckIntervalSeconds: 30})
	require.NoError(t, err)
	other, err := s.CreateSite(ctx, storage.CreateSiteParams{URL: "https://example.com/other", CheckIntervalSeconds: 30})
	require.NoError(t, err)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var head *int64
	for i, content := range []string{"a", "b", "c"} {
		change, err := s.RecordPollResult(ctx, storage.PollResult{
			SiteID: site.ID, PreviousSnapshotID: head, Content: content, Fingerprint: "fp-" + content, Summary: content,
			CheckedAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		head = &change.NewSnapshotID
	}
	_, err = s.RecordPollResult(ctx, storage.PollResult{SiteID: other.ID, Content: "z", Fingerprint: "fp-z", CheckedAt: base})
	require.NoError(t, err)

	all, err := s.ListChanges(ctx, storage.ListChangesParams{SiteID: site.ID, Limit: 10})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].Summary)
	assert.Equal(t, "a", all[2].Summary)

	// Sub-second precision must survive the round trip for since to be exact.
	since := base.Add(500 * time.Millisecond)
	recent, err := s.ListChanges(ctx, storage.ListChangesParams{SiteID: site.ID, Since: &since, Limit: 10})
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].Summary)
	assert.Equal(t, "b", recent[1].Summary)

	limited, err := s.ListChanges(ctx, storage.ListChangesParams{SiteID: site.ID, Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "c", limited[0].Summary)
}

func testStalePreviousSnapshot(t *testing.T, s storage.Storer) {
	ctx := context.Background()
	site, err := s.CreateSite(ctx, storage.CreateSiteParams{URL: "https://example.com/stale", CheckIntervalSeconds: 30})
	require.NoError(t, err)

	t1 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	first, err := s.RecordPollResult(ctx, storage.PollResult{SiteID: site.ID, Content: "v1", Fingerprint: "fp1", Summary: "baseline captured", CheckedAt: t1})
	require.NoError(t, err)
	second, err := s.RecordPollResult(ctx, storage.PollResult{
		SiteID: site.ID, PreviousSnapshotID: &first.NewSnapshotID,
		Content: "v2", Fingerprint: "fp2", Summary: "changed", CheckedAt: t1.Add(time.Minute),
	})
	require.NoError(t, err)

	// A writer that still believes first is current must not chain off it.
	_, err = s.RecordPollResult(ctx, storage.PollResult{
		SiteID: site.ID, PreviousSnapshotID: &first.NewSnapshotID,
		Content: "v3", Fingerprint: "fp3", Summary: "computed against v1", CheckedAt: t1.Add(2 * time.Minute),
	})
	assert.ErrorIs(t, err, storage.ErrHeadMoved)

	// A baseline attempt against a site that already has one is stale too.
	_, err = s.RecordPollResult(ctx, storage.PollResult{SiteID: site.ID, Content: "v4", Fingerprint: "fp4", CheckedAt: t1.Add(3 * time.Minute)})
	assert.ErrorIs(t, err, storage.ErrHeadMoved)

	site, err = s.GetSite(ctx, site.ID)
	require.NoError(t, err)
	assert.Equal(t, second.NewSnapshotID, *site.LastSnapshotID)
	assert.True(t, t1.Add(time.Minute).Equal(*site.LastCheckedAt))

	snapshots, err := s.ListSnapshots(ctx, storage.ListSnapshotsParams{SiteID: site.ID})
	require.NoError(t, err)
	assert.Len(t, snapshots, 2)
	changes, err := s.ListChanges(ctx, storage.ListChangesParams{SiteID: site.ID})
	require.NoError(t, err)
	assert.Len(t, changes, 2)
}
