package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/cascadia"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"sitewatch/internal/checker"
	"sitewatch/internal/differ"
	"sitewatch/internal/models"
	"sitewatch/internal/storage"
	"sitewatch/internal/urlutil"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ErrInvalidSite is returned by NormalizeSite for unacceptable input.
var ErrInvalidSite = errors.New("invalid site")

// NormalizeSite validates a site registration and returns the parameters to
// store: the canonical URL, the trimmed selector (nil when blank) and the
// interval, which must be at least one second.
func NormalizeSite(rawURL string, selector *string, intervalSeconds int64) (storage.CreateSiteParams, error) {
	canonicalURL, err := urlutil.Canonicalize(strings.TrimSpace(rawURL))
	if err != nil {
		return storage.CreateSiteParams{}, fmt.Errorf("%w: %w", ErrInvalidSite, err)
	}
	if intervalSeconds < 1 {
		return storage.CreateSiteParams{}, fmt.Errorf("%w: check_interval_seconds must be at least 1", ErrInvalidSite)
	}

	var sel *string
	if selector != nil {
		if s := strings.TrimSpace(*selector); s != "" {
			if _, err := cascadia.Compile(s); err != nil {
				return storage.CreateSiteParams{}, fmt.Errorf("%w: selector: %w", ErrInvalidSite, err)
			}
			sel = &s
		}
	}

	return storage.CreateSiteParams{
		URL:                  canonicalURL,
		Selector:             sel,
		CheckIntervalSeconds: intervalSeconds,
	}, nil
}

// PollRunner runs an immediate poll cycle for a site.
type PollRunner interface {
	PollNow(ctx context.Context, siteID int64) (differ.Outcome, error)
}

// Handlers holds dependencies for the API handlers.
type Handlers struct {
	store  storage.Storer
	poller PollRunner
	logger logrus.FieldLogger
}

// NewHandlers creates a new Handlers struct. poller may be nil, in which
// case manual polling is unavailable.
func NewHandlers(store storage.Storer, poller PollRunner, logger logrus.FieldLogger) *Handlers {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handlers{store: store, poller: poller, logger: logger}
}

type createSiteRequest struct {
	URL                  string  `json:"url"`
	Selector             *string `json:"selector"`
	CheckIntervalSeconds int64   `json:"check_interval_seconds"`
}

// CreateSite registers a new site.
func (h *Handlers) CreateSite(w http.ResponseWriter, r *http.Request) {
	var req createSiteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	params, err := NormalizeSite(req.URL, req.Selector, req.CheckIntervalSeconds)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	site, err := h.store.CreateSite(r.Context(), params)
	if errors.Is(err, storage.ErrDuplicateURL) {
		writeError(w, http.StatusConflict, "site already exists")
		return
	}
	if err != nil {
		h.internalError(w, r, "create site", err)
		return
	}

	writeJSON(w, http.StatusCreated, site)
}

// ListSites returns every site ordered by id.
func (h *Handlers) ListSites(w http.ResponseWriter, r *http.Request) {
	sites, err := h.store.ListSites(r.Context())
	if err != nil {
		h.internalError(w, r, "list sites", err)
		return
	}
	if sites == nil {
		sites = []models.Site{}
	}
	writeJSON(w, http.StatusOK, sites)
}

// GetSite returns a single site.
func (h *Handlers) GetSite(w http.ResponseWriter, r *http.Request) {
	site, ok := h.loadSite(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, site)
}

// ListChanges returns a site's changes, newest first.
func (h *Handlers) ListChanges(w http.ResponseWriter, r *http.Request) {
	site, ok := h.loadSite(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	var since *time.Time
	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		utc := t.UTC()
		since = &utc
	}

	changes, err := h.store.ListChanges(r.Context(), storage.ListChangesParams{
		SiteID: site.ID,
		Since:  since,
		Limit:  parseLimit(q.Get("limit")),
	})
	if err != nil {
		h.internalError(w, r, "list changes", err)
		return
	}
	if changes == nil {
		changes = []models.Change{}
	}
	writeJSON(w, http.StatusOK, changes)
}

// ListSnapshots returns a site's snapshots, newest first, without content.
func (h *Handlers) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	site, ok := h.loadSite(w, r)
	if !ok {
		return
	}

	snapshots, err := h.store.ListSnapshots(r.Context(), storage.ListSnapshotsParams{
		SiteID: site.ID,
		Limit:  parseLimit(r.URL.Query().Get("limit")),
	})
	if err != nil {
		h.internalError(w, r, "list snapshots", err)
		return
	}
	items := make([]snapshotListItem, 0, len(snapshots))
	for _, snap := range snapshots {
		items = append(items, snapshotListItem{
			ID:          snap.ID,
			SiteID:      snap.SiteID,
			CreatedAt:   snap.CreatedAt,
			ContentHash: snap.ContentHash,
		})
	}
	writeJSON(w, http.StatusOK, items)
}

// snapshotListItem is a snapshot without its content, as returned by listings.
type snapshotListItem struct {
	ID          int64     `json:"id"`
	SiteID      int64     `json:"site_id"`
	CreatedAt   time.Time `json:"created_at"`
	ContentHash string    `json:"content_hash"`
}

// GetSnapshot returns one snapshot with its content.
func (h *Handlers) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	site, ok := h.loadSite(w, r)
	if !ok {
		return
	}
	snapshotID, err := strconv.ParseInt(chi.URLParam(r, "snapshotID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid snapshot id")
		return
	}

	snapshot, err := h.store.GetSnapshot(r.Context(), snapshotID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && snapshot.SiteID != site.ID) {
		writeError(w, http.StatusNotFound, "snapshot not found")
		return
	}
	if err != nil {
		h.internalError(w, r, "get snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// PollSite runs a poll cycle for the site immediately.
func (h *Handlers) PollSite(w http.ResponseWriter, r *http.Request) {
	site, ok := h.loadSite(w, r)
	if !ok {
		return
	}

	outcome, err := h.poller.PollNow(r.Context(), site.ID)
	if errors.Is(err, checker.ErrPollInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// Health is a simple health check endpoint.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// loadSite resolves the {id} path parameter, writing the error response itself
// when the site cannot be returned.
func (h *Handlers) loadSite(w http.ResponseWriter, r *http.Request) (*models.Site, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid site id")
		return nil, false
	}

	site, err := h.store.GetSite(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "site not found")
		return nil, false
	}
	if err != nil {
		h.internalError(w, r, "get site", err)
		return nil, false
	}
	return site, true
}

func (h *Handlers) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.WithFields(logrus.Fields{
		"op":   op,
		"path": r.URL.Path,
	}).WithError(err).Error("request failed")
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func parseLimit(s string) int {
	if v, err := strconv.Atoi(s); err == nil && v > 0 {
		return min(v, maxListLimit)
	}
	return defaultListLimit
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
