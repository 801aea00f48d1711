package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitewatch/internal/checker"
	"sitewatch/internal/differ"
	"sitewatch/internal/models"
	"sitewatch/internal/storage"
	"sitewatch/internal/storage/sqlite"
)

type stubPoller struct {
	mu      sync.Mutex
	outcome differ.Outcome
	err     error
	calls   []int64
}

func (p *stubPoller) PollNow(_ context.Context, siteID int64) (differ.Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, siteID)
	return p.outcome, p.err
}

func (p *stubPoller) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *stubPoller) polled() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.calls...)
}

type testEnv struct {
	store  *sqlite.SQLiteStore
	poller *stubPoller
	server *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	poller := &stubPoller{outcome: differ.Outcome{Kind: differ.Baseline, Summary: differ.BaselineSummary}}
	srv := httptest.NewServer(NewRouter(store, poller, logger))
	t.Cleanup(srv.Close)
	return &testEnv{store: store, poller: poller, server: srv}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			reader = bytes.NewBufferString(b)
		default:
			data, err := json.Marshal(b)
			require.NoError(t, err)
			reader = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func errorMessage(t *testing.T, data []byte) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(data, &body))
	return body["error"]
}

func TestCreateSite(t *testing.T) {
	env := newTestEnv(t)

	resp, data := env.do(t, http.MethodPost, "/sites", map[string]any{
		"url":                    "HTTPS://Example.com:443/pricing/#plans",
		"selector":               "#plans",
		"check_interval_seconds": 300,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var site models.Site
	require.NoError(t, json.Unmarshal(data, &site))
	assert.NotZero(t, site.ID)
	assert.Equal(t, "https://example.com/pricing", site.URL)
	require.NotNil(t, site.Selector)
	assert.Equal(t, "#plans", *site.Selector)
	assert.Equal(t, int64(300), site.CheckIntervalSeconds)
	assert.Nil(t, site.LastCheckedAt)
	assert.Nil(t, site.LastSnapshotID)
}

func TestCreateSiteDuplicate(t *testing.T) {
	env := newTestEnv(t)
	body := map[string]any{"url": "https://example.com/a", "check_interval_seconds": 60}

	resp, _ := env.do(t, http.MethodPost, "/sites", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Same page spelled differently.
	body["url"] = "https://EXAMPLE.com/a/"
	resp, data := env.do(t, http.MethodPost, "/sites", body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.NotEmpty(t, errorMessage(t, data))
}

func TestCreateSiteValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body any
	}{
		{"malformed json", `{"url":`},
		{"relative url", map[string]any{"url": "/pricing", "check_interval_seconds": 60}},
		{"ftp url", map[string]any{"url": "ftp://example.com", "check_interval_seconds": 60}},
		{"zero interval", map[string]any{"url": "https://example.com", "check_interval_seconds": 0}},
		{"missing interval", map[string]any{"url": "https://example.com"}},
		{"bad selector", map[string]any{"url": "https://example.com", "check_interval_seconds": 60, "selector": "div[["}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := env.do(t, http.MethodPost, "/sites", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, errorMessage(t, data))
		})
	}

	sites, err := env.store.ListSites(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sites)
}

func TestCreateSiteBlankSelector(t *testing.T) {
	env := newTestEnv(t)

	resp, data := env.do(t, http.MethodPost, "/sites", map[string]any{
		"url": "https://example.com", "check_interval_seconds": 5, "selector": "  ",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var site models.Site
	require.NoError(t, json.Unmarshal(data, &site))
	assert.Nil(t, site.Selector)
}

func TestListSites(t *testing.T) {
	env := newTestEnv(t)

	resp, data := env.do(t, http.MethodGet, "/sites", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(data))

	for _, u := range []string{"https://b.example", "https://a.example"} {
		resp, _ := env.do(t, http.MethodPost, "/sites", map[string]any{"url": u, "check_interval_seconds": 60})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, data = env.do(t, http.MethodGet, "/sites", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sites []models.Site
	require.NoError(t, json.Unmarshal(data, &sites))
	require.Len(t, sites, 2)
	assert.Equal(t, "https://b.example", sites[0].URL)
	assert.Less(t, sites[0].ID, sites[1].ID)
}

func TestGetSite(t *testing.T) {
	env := newTestEnv(t)
	site, err := env.store.CreateSite(context.Background(), storage.CreateSiteParams{URL: "https://example.com", CheckIntervalSeconds: 60})
	require.NoError(t, err)

	resp, data := env.do(t, http.MethodGet, fmt.Sprintf("/sites/%d", site.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got models.Site
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, site.ID, got.ID)

	resp, _ = env.do(t, http.MethodGet, "/sites/9999", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/sites/abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp, data := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))
}

func TestChangesAndSnapshots(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	site, err := env.store.CreateSite(ctx, storage.CreateSiteParams{URL: "https://example.com/h", CheckIntervalSeconds: 60})
	require.NoError(t, err)
	other, err := env.store.CreateSite(ctx, storage.CreateSiteParams{URL: "https://example.com/o", CheckIntervalSeconds: 60})
	require.NoError(t, err)

	t1 := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	baseline, err := env.store.RecordPollResult(ctx, storage.PollResult{SiteID: site.ID, Content: "v1", Fingerprint: "f1", Summary: differ.BaselineSummary, CheckedAt: t1})
	require.NoError(t, err)
	latest, err := env.store.RecordPollResult(ctx, storage.PollResult{
		SiteID: site.ID, PreviousSnapshotID: &baseline.NewSnapshotID,
		Content: "v2", Fingerprint: "f2", Summary: "1 line added", CheckedAt: t1.Add(time.Hour),
	})
	require.NoError(t, err)
	foreign, err := env.store.RecordPollResult(ctx, storage.PollResult{SiteID: other.ID, Content: "o", Fingerprint: "fo", Summary: differ.BaselineSummary, CheckedAt: t1})
	require.NoError(t, err)

	resp, data := env.do(t, http.MethodGet, fmt.Sprintf("/sites/%d/changes", site.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var changes []models.Change
	require.NoError(t, json.Unmarshal(data, &changes))
	require.Len(t, changes, 2)
	assert.Equal(t, latest.ID, changes[0].ID)

	since := t1.Add(time.Minute).Format(time.RFC3339)
	resp, data = env.do(t, http.MethodGet, fmt.Sprintf("/sites/%d/changes?since=%s&limit=5", site.ID, since), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(data, &changes))
	require.Len(t, changes, 1)
	assert.Equal(t, "1 line added", changes[0].Summary)

	resp, _ = env.do(t, http.MethodGet, fmt.Sprintf("/sites/%d/changes?since=yesterday", site.ID), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, data = env.do(t, http.MethodGet, fmt.Sprintf("/sites/%d/snapshots?limit=1", site.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snapshots []models.Snapshot
	require.NoError(t, json.Unmarshal(data, &snapshots))
	require.Len(t, snapshots, 1)
	assert.Equal(t, latest.NewSnapshotID, snapshots[0].ID)
	assert.Empty(t, snapshots[0].Content)

	resp, data = env.do(t, http.MethodGet, fmt.Sprintf("/sites/%d/snapshots/%d", site.ID, latest.NewSnapshotID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap models.Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, "v2", snap.Content)

	resp, _ = env.do(t, http.MethodGet, fmt.Sprintf("/sites/%d/snapshots/%d", site.ID, foreign.NewSnapshotID), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/sites/9999/changes", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSnapshotContentField(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	site, err := env.store.CreateSite(ctx, storage.CreateSiteParams{URL: "https://example.com/blank", CheckIntervalSeconds: 60})
	require.NoError(t, err)
	blank, err := env.store.RecordPollResult(ctx, storage.PollResult{SiteID: site.ID, Content: "", Fingerprint: "empty", Summary: differ.BaselineSummary, CheckedAt: time.Now()})
	require.NoError(t, err)

	// Listings never carry content.
	resp, data := env.do(t, http.MethodGet, fmt.Sprintf("/sites/%d/snapshots", site.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed []map[string]any
	require.NoError(t, json.Unmarshal(data, &listed))
	require.Len(t, listed, 1)
	assert.NotContains(t, listed[0], "content")
	assert.Contains(t, listed[0], "content_hash")

	// The detail view always does, even when the page rendered to nothing.
	resp, data = env.do(t, http.MethodGet, fmt.Sprintf("/sites/%d/snapshots/%d", site.ID, blank.NewSnapshotID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var detail map[string]any
	require.NoError(t, json.Unmarshal(data, &detail))
	require.Contains(t, detail, "content")
	assert.Equal(t, "", detail["content"])
}

func TestPollSite(t *testing.T) {
	env := newTestEnv(t)
	site, err := env.store.CreateSite(context.Background(), storage.CreateSiteParams{URL: "https://example.com", CheckIntervalSeconds: 60})
	require.NoError(t, err)
	path := fmt.Sprintf("/sites/%d/poll", site.ID)

	resp, data := env.do(t, http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"outcome":"baseline","summary":"baseline captured"}`, string(data))
	assert.Equal(t, []int64{site.ID}, env.poller.polled())

	env.poller.setErr(checker.ErrPollInProgress)
	resp, _ = env.do(t, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/sites/9999/poll", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNormalizeSite(t *testing.T) {
	sel := " div.content > p "
	params, err := NormalizeSite(" https://Example.com/x/ ", &sel, 10)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/x", params.URL)
	require.NotNil(t, params.Selector)
	assert.Equal(t, "div.content > p", *params.Selector)

	_, err = NormalizeSite("https://example.com", nil, 0)
	assert.ErrorIs(t, err, ErrInvalidSite)
}
