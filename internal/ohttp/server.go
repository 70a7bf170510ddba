// Package ohttp is oceand's HTTP poke surface: a thin REST front end over
// the substrate's public API, in the corpus's bare net/http.ServeMux style
// (no router dependency; the only wrappers are a trace/log middleware and
// an optional bearer token check).
package ohttp

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	ocean "github.com/erhathaway/ocean-clog"
	"github.com/erhathaway/ocean-clog/internal/shared"
)

// Config configures a Server.
type Config struct {
	Ocean *ocean.Ocean

	// AuthToken, if set, is required as a Bearer token on every request
	// except /healthz. Empty disables auth (the default for local/embedded
	// use).
	AuthToken string

	// Logger receives one line per request, tagged with a fresh trace_id.
	// Defaults to slog.Default().
	Logger *slog.Logger
}

// Server wires the substrate onto an http.Handler.
type Server struct {
	cfg Config
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/runs", s.handleRuns)
	mux.HandleFunc("/runs/", s.handleRunByID)
	mux.HandleFunc("/advance", s.handleAdvance)
	mux.HandleFunc("/events", s.handleEvents)
	return s.withTrace(s.withAuth(mux))
}

// withTrace tags every request with a fresh trace_id (threaded through the
// request context for handlers to log alongside) and logs method, path,
// status, and duration once the request completes.
func (s *Server) withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := shared.NewTraceID()
		ctx := shared.WithTraceID(r.Context(), traceID)
		ctx = shared.WithInstanceID(ctx, s.cfg.Ocean.InstanceID())
		if runID, ok := runIDFromPath(r.URL.Path); ok {
			ctx = shared.WithRunID(ctx, runID)
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		s.cfg.Logger.Info("request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"trace_id", traceID, "instance_id", shared.InstanceID(ctx), "run_id", shared.RunID(ctx),
		)
	})
}

// runIDFromPath extracts the run id from /runs/{id} and /runs/{id}/signal.
func runIDFromPath(path string) (string, bool) {
	rest := strings.TrimPrefix(path, "/runs/")
	if rest == path || rest == "" {
		return "", false
	}
	rest = strings.TrimSuffix(rest, "/signal")
	return rest, true
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	if s.cfg.AuthToken == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AuthToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	err := s.cfg.Ocean.Ping(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{"healthy": false, "error": err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"healthy": true})
}

type createRunRequest struct {
	SessionID    string          `json:"session_id"`
	ClogID       string          `json:"clog_id"`
	Input        json.RawMessage `json:"input,omitempty"`
	HasInput     bool            `json:"has_input,omitempty"`
	InitialState json.RawMessage `json:"initial_state,omitempty"`
	MaxAttempts  int             `json:"max_attempts,omitempty"`
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.SessionID == "" || req.ClogID == "" {
		writeError(w, http.StatusBadRequest, "session_id and clog_id are required")
		return
	}
	ctx := shared.WithSessionID(r.Context(), req.SessionID)
	runID, err := s.cfg.Ocean.CreateRun(ctx, req.SessionID, req.ClogID, ocean.CreateRunOptions{
		Input: req.Input, HasInput: req.HasInput,
		InitialState: req.InitialState, MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.cfg.Logger.Info("run created", "run_id", runID, "session_id", shared.SessionID(ctx), "clog_id", req.ClogID)
	writeJSON(w, http.StatusCreated, map[string]any{"run_id": runID})
}

// handleRunByID dispatches /runs/{id} and /runs/{id}/signal.
func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/runs/")
	if rest == "" {
		writeError(w, http.StatusBadRequest, "run id required")
		return
	}
	if runID, ok := strings.CutSuffix(rest, "/signal"); ok {
		s.handleSignal(w, r, runID)
		return
	}
	s.handleGetRun(w, r, rest)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	row, err := s.cfg.Ocean.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if row == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, row)
}

type signalRequest struct {
	Input json.RawMessage `json:"input"`
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req signalRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
	}
	if err := s.cfg.Ocean.Signal(r.Context(), runID, req.Input); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	report, err := s.cfg.Ocean.Advance(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	scope := q.Get("scope")
	if scope == "" {
		scope = ocean.ScopeGlobal
	}
	var afterSeq int64
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after must be an integer")
			return
		}
		afterSeq = n
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	events, err := s.cfg.Ocean.ReadEvents(r.Context(), ocean.ReadEventsOptions{
		Scope: scope, ID: q.Get("id"), AfterSeq: afterSeq, Limit: limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
