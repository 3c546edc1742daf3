package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/twistermc/attach-images/internal/auth"
	"github.com/twistermc/attach-images/internal/scan"
	"github.com/twistermc/attach-images/internal/storage"
)

const maxBodyBytes = 1 << 20

// BatchRunner runs one batch
type BatchRunner interface {
	RunBatch(ctx context.Context, req scan.Request) (*scan.Result, error)
}

// CacheClearer drops every cached match result
type CacheClearer interface {
	InvalidateAll(ctx context.Context) (int, error)
}

// StatsSource reports repository counts for the health endpoint
type StatsSource interface {
	Stats(ctx context.Context) (*storage.Stats, error)
}

// IndexCounter reports the number of documents in the search index
type IndexCounter interface {
	Count() (uint64, error)
}

type Server struct {
	runner   BatchRunner
	cache    CacheClearer
	stats    StatsSource
	index    IndexCounter
	guard    *auth.Guard
	gatherer prometheus.Gatherer
}

// Deps are the collaborators of a Server. Index and Gatherer are optional.
type Deps struct {
	Runner   BatchRunner
	Cache    CacheClearer
	Stats    StatsSource
	Index    IndexCounter
	Guard    *auth.Guard
	Gatherer prometheus.Gatherer
}

func NewServer(deps Deps) (*Server, error) {
	if deps.Runner == nil || deps.Cache == nil || deps.Stats == nil || deps.Guard == nil {
		return nil, errors.New("web: runner, cache, stats and guard are required")
	}
	return &Server{
		runner:   deps.Runner,
		cache:    deps.Cache,
		stats:    deps.Stats,
		index:    deps.Index,
		guard:    deps.Guard,
		gatherer: deps.Gatherer,
	}, nil
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(s.guard.Require(auth.CapManageMedia, RespondError))
		r.Post("/batch", s.handleBatch)
		r.Post("/cache/clear", s.handleClearCache)
	})

	return r
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// RespondJSON writes data as a JSON response
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Error().Err(err).Msg("Failed to encode JSON response")
		}
	}
}

// RespondError sends an error response
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorResponse{Error: message})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req scan.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	res, err := s.runner.RunBatch(r.Context(), req)
	if err != nil {
		var validation *scan.ValidationError
		if errors.As(err, &validation) {
			RespondJSON(w, http.StatusBadRequest, ErrorResponse{Error: validation.Error(), Field: validation.Field})
			return
		}
		log.Error().Err(err).Bool("dryRun", req.DryRun).Int("offset", req.Offset).Msg("web: batch failed")
		RespondError(w, http.StatusInternalServerError, "Batch failed")
		return
	}

	RespondJSON(w, http.StatusOK, res)
}

// ClearCacheResponse reports how many cached results were dropped
type ClearCacheResponse struct {
	Removed int    `json:"removed"`
	Message string `json:"message"`
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	removed, err := s.cache.InvalidateAll(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("web: cache clear failed")
		RespondError(w, http.StatusServiceUnavailable, "Cache unavailable")
		return
	}

	RespondJSON(w, http.StatusOK, ClearCacheResponse{
		Removed: removed,
		Message: fmt.Sprintf("Cleared %d cached entries", removed),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.Stats(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("web: health stats failed")
		RespondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "error"})
		return
	}

	body := map[string]any{
		"status":               "ok",
		"documents":            stats.Documents,
		"attachments":          stats.Attachments,
		"orphaned_attachments": stats.Orphaned,
		"cached_match_results": stats.CacheKeys,
	}
	if s.index != nil {
		if n, err := s.index.Count(); err == nil {
			body["documents_in_index"] = n
		}
	}
	RespondJSON(w, http.StatusOK, body)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("requestID", middleware.GetReqID(r.Context())).
			Msg("web: request")
	})
}
