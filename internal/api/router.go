package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

type ctxKey struct{}

// NewRouter mounts every endpoint of h.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(withRequestID, logRequests)

	r.Get("/healthz", h.Health)
	r.Route("/v1", func(api chi.Router) {
		api.Post("/quotes", h.Submit)
		api.Post("/quotes/{run_id}/answers", h.Answer)
		api.Get("/quotes/{run_id}/review", h.ReviewStatus)
		api.Post("/quotes/{run_id}/approve", h.Approve)

		api.Get("/runs", h.ListRuns)
		api.Get("/runs/{run_id}", h.GetRun)
		api.Get("/runs/{run_id}/audit", h.Audit)
		api.Get("/runs/{run_id}/pack", h.Pack)

		api.Get("/stats", h.Stats)
		api.Get("/reviews/overdue", h.Overdue)
	})
	return r
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = newRequestID()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func requestID(r *http.Request) string {
	if id, ok := r.Context().Value(ctxKey{}).(string); ok {
		return id
	}
	return newRequestID()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Printf("http method=%s path=%s status=%d duration_ms=%d request_id=%s", r.Method, r.URL.Path, rec.status, time.Since(start).Milliseconds(), requestID(r))
	})
}
