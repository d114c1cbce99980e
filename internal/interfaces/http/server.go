// Package http serves a read-only JSON view of trials, candidates, versions
// and runs, plus the Prometheus metrics of the process.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/retune/internal/metrics"
	"github.com/sawpanic/retune/internal/persistence"
	"github.com/sawpanic/retune/internal/rollout"
	"github.com/sawpanic/retune/internal/versions"
)

type ctxKey int

const requestIDKey ctxKey = iota

const (
	defaultLimit = 50
	maxLimit     = 500
)

// ServerConfig holds server configuration
type ServerConfig struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

// DefaultServerConfig returns local-only defaults
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:           "127.0.0.1:8090",
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 5 * time.Second,
	}
}

// Deps are the stores the API reads from. Metrics and Health are optional.
type Deps struct {
	Repo       *persistence.Repository
	Versions   *versions.Store
	Supervisor *rollout.Supervisor
	Metrics    *metrics.Registry
	Health     persistence.RepositoryHealth
}

// Server is the read-only query API
type Server struct {
	router  *mux.Router
	server  *http.Server
	deps    Deps
	config  ServerConfig
	started time.Time
}

// NewServer builds the router; call Start to listen
func NewServer(config ServerConfig, deps Deps) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		deps:    deps,
		config:  config,
		started: time.Now(),
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         config.Addr,
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)
	s.router.Use(s.timeoutMiddleware)

	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(jsonContentTypeMiddleware)

	api.HandleFunc("/health", s.health).Methods(http.MethodGet)

	// /versions/current and /versions/history must win over /versions/{id}
	api.HandleFunc("/versions", s.listVersions).Methods(http.MethodGet)
	api.HandleFunc("/versions/current", s.currentVersion).Methods(http.MethodGet)
	api.HandleFunc("/current", s.currentVersion).Methods(http.MethodGet)
	api.HandleFunc("/versions/history", s.versionHistory).Methods(http.MethodGet)
	api.HandleFunc("/versions/{id}", s.getVersion).Methods(http.MethodGet)

	api.HandleFunc("/trials", s.listTrials).Methods(http.MethodGet)

	api.HandleFunc("/candidates", s.listCandidates).Methods(http.MethodGet)
	api.HandleFunc("/candidates/{id}", s.getCandidate).Methods(http.MethodGet)

	api.HandleFunc("/runs", s.listRuns).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}", s.getRun).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		writeError(w, r, http.StatusNotFound, "endpoint_not_found", "The requested endpoint does not exist")
	})
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		log.Debug().
			Str("request_id", requestID(r)).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("HTTP request")
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.RequestTimeout <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Start listens until Shutdown; http.ErrServerClosed is not an error
func (s *Server) Start() error {
	log.Info().Str("addr", s.config.Addr).Msg("Starting query API (read-only)")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down query API")
	return s.server.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
	}
	status := http.StatusOK
	if s.deps.Health != nil {
		hc := s.deps.Health.Health(r.Context())
		resp.Database = &hc
		if !hc.Healthy {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

func (s *Server) listVersions(w http.ResponseWriter, r *http.Request) {
	vs, err := s.deps.Versions.ListVersions()
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	resp := VersionsResponse{Versions: vs, Count: len(vs)}
	if ptr, err := s.deps.Versions.Current(); err == nil {
		resp.Current = ptr.VersionID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) currentVersion(w http.ResponseWriter, r *http.Request) {
	ptr, err := s.deps.Versions.Current()
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	v, err := s.deps.Versions.Get(ptr.VersionID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CurrentResponse{Pointer: ptr, Version: v})
}

func (s *Server) versionHistory(w http.ResponseWriter, r *http.Request) {
	updates, err := s.deps.Versions.History()
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if updates == nil {
		updates = []versions.PointerUpdate{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Updates: updates, Count: len(updates)})
}

func (s *Server) getVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Versions.Get(mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) listTrials(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	segmentID, spaceHash := q.Get("segment"), q.Get("space")

	var (
		trials []persistence.Trial
		err    error
	)
	switch {
	case segmentID != "":
		trials, err = s.deps.Repo.Trials.ListBySegment(r.Context(), segmentID)
	case spaceHash != "":
		var statuses []persistence.TrialStatus
		if st := q.Get("status"); st != "" {
			status := persistence.TrialStatus(st)
			if !status.Valid() {
				writeError(w, r, http.StatusBadRequest, "invalid_status", "status must be pending, scored or failed")
				return
			}
			statuses = append(statuses, status)
		}
		trials, err = s.deps.Repo.Trials.ListBySpace(r.Context(), spaceHash, statuses...)
	default:
		writeError(w, r, http.StatusBadRequest, "missing_filter", "one of segment or space is required")
		return
	}
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if trials == nil {
		trials = []persistence.Trial{}
	}
	writeJSON(w, http.StatusOK, TrialsResponse{SegmentID: segmentID, SpaceHash: spaceHash, Trials: trials, Count: len(trials)})
}

func (s *Server) listCandidates(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	cs, err := s.deps.Supervisor.List(r.Context(), limit)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CandidatesResponse{Candidates: cs, Count: len(cs)})
}

func (s *Server) getCandidate(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Supervisor.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	runs, err := s.deps.Repo.Runs.ListRuns(r.Context(), limit)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if runs == nil {
		runs = []persistence.RunRecord{}
	}
	writeJSON(w, http.StatusOK, RunsResponse{Runs: runs, Count: len(runs)})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Repo.Runs.GetRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxLimit {
		writeError(w, r, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and "+strconv.Itoa(maxLimit))
		return 0, false
	}
	return n, true
}

func requestID(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey).(string); ok {
		return id
	}
	return "unknown"
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: requestID(r),
		Timestamp: time.Now().UTC(),
	})
}

// writeStoreError maps store sentinels to status codes
func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, persistence.ErrNotFound), errors.Is(err, versions.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, versions.ErrNoCurrent):
		writeError(w, r, http.StatusNotFound, "no_current_version", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, "timeout", "request timed out")
	default:
		log.Error().Err(err).Str("request_id", requestID(r)).Str("path", r.URL.Path).Msg("Query failed")
		writeError(w, r, http.StatusInternalServerError, "internal_error", strings.TrimSpace(err.Error()))
	}
}

// responseWrapper captures HTTP status codes for logging
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
