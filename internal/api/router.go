package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"sitewatch/internal/storage"
)

// NewRouter creates a chi router and registers the API handlers.
func NewRouter(store storage.Storer, poller PollRunner, logger logrus.FieldLogger) http.Handler {
	h := NewHandlers(store, poller, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(h.logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", h.Health)
	r.Route("/sites", func(r chi.Router) {
		r.Post("/", h.CreateSite)
		r.Get("/", h.ListSites)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetSite)
			r.Get("/changes", h.ListChanges)
			r.Get("/snapshots", h.ListSnapshots)
			r.Get("/snapshots/{snapshotID}", h.GetSnapshot)
			if poller != nil {
				r.Post("/poll", h.PollSite)
			}
		})
	})

	return r
}

// accessLog emits one entry per request.
func accessLog(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.WithFields(logrus.Fields{
					"method":     r.Method,
					"path":       r.URL.Path,
					"status":     ww.Status(),
					"bytes":      ww.BytesWritten(),
					"duration":   time.Since(start),
					"request_id": middleware.GetReqID(r.Context()),
				}).Info("http request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
