package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kazuki-shin/ambi/internal/logging"
	"github.com/kazuki-shin/ambi/internal/memory"
	"github.com/kazuki-shin/ambi/internal/observability"
)

const maxBodyBytes = 1 << 20

// MemoryService is the conversation-facing memory API.
type MemoryService interface {
	Record(ctx context.Context, sessionID, human, assistant string)
	Recent(ctx context.Context, sessionID string) []memory.Message
	Relevant(ctx context.Context, sessionID, query string) []memory.Message
	BuildContext(ctx context.Context, sessionID, query string) []memory.Message
	Forget(ctx context.Context, sessionID string)
}

// LongTermAdmin exposes namespace-wide maintenance.
type LongTermAdmin interface {
	Enabled() bool
	Namespace() string
	Clear(ctx context.Context) error
}

// Status describes which backends currently serve each tier.
type Status struct {
	ShortTermMode       string `json:"short_term_mode"`
	ShortTermPersistent bool   `json:"short_term_persistent"`
	LongTermBackend     string `json:"long_term_backend"`
	EmbeddingMode       string `json:"embedding_mode"`
	TrackedSessions     int    `json:"tracked_sessions"`
}

type Server struct {
	memory  MemoryService
	admin   LongTermAdmin
	status  func() Status
	metrics *observability.Metrics
	logger  *slog.Logger
}

func New(mem MemoryService, admin LongTermAdmin, status func() Status, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if status == nil {
		status = func() Status { return Status{} }
	}
	return &Server{
		memory:  mem,
		admin:   admin,
		status:  status,
		metrics: metrics,
		logger:  logging.OrDefault(logger),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/memory", s.handlePerfMemory)

	r.Route("/v1/memory/{sessionID}", func(r chi.Router) {
		r.Post("/exchanges", s.handleRecord)
		r.Get("/recent", s.handleRecent)
		r.Post("/relevant", s.handleRelevant)
		r.Post("/context", s.handleContext)
		r.Delete("/", s.handleForget)
	})
	r.Delete("/v1/admin/long-term", s.handleClearLongTerm)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"memory": s.status(),
	})
}

type exchangeRequest struct {
	Human     string `json:"human"`
	Assistant string `json:"assistant"`
}

type queryRequest struct {
	Query string `json:"query"`
}

type messagesResponse struct {
	SessionID string           `json:"session_id"`
	Messages  []memory.Message `json:"messages"`
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}
	var req exchangeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Human) == "" && strings.TrimSpace(req.Assistant) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "human or assistant content is required")
		return
	}

	s.memory.Record(r.Context(), sessionID, req.Human, req.Assistant)
	respondJSON(w, http.StatusCreated, map[string]any{
		"session_id": sessionID,
		"recorded":   true,
	})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, messagesResponse{
		SessionID: sessionID,
		Messages:  s.memory.Recent(r.Context(), sessionID),
	})
}

func (s *Server) handleRelevant(w http.ResponseWriter, r *http.Request) {
	s.handleQuery(w, r, s.memory.Relevant)
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	s.handleQuery(w, r, s.memory.BuildContext)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request, fn func(context.Context, string, string) []memory.Message) {
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}
	var req queryRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, messagesResponse{
		SessionID: sessionID,
		Messages:  fn(r.Context(), sessionID, req.Query),
	})
}

func (s *Server) handleForget(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}
	s.memory.Forget(r.Context(), sessionID)
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"forgotten":  true,
	})
}

func (s *Server) handleClearLongTerm(w http.ResponseWriter, r *http.Request) {
	if s.admin == nil || !s.admin.Enabled() {
		respondError(w, http.StatusServiceUnavailable, "long_term_disabled", "long-term memory is not configured")
		return
	}
	if err := s.admin.Clear(r.Context()); err != nil {
		s.logger.Error("clear long-term namespace failed", slog.Any("error", err))
		respondError(w, http.StatusBadGateway, "clear_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"namespace": s.admin.Namespace(),
		"cleared":   true,
	})
}

func sessionParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return "", false
	}
	return id, true
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
