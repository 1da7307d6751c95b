// Package gateway is the HTTP ingress adapter. It authenticates tenant API
// keys, shapes HTTP bodies into skill requests, and hands them to the
// dispatcher. Platform-facing transports (chat bridges, bots) sit on the
// other side of this surface; the core never sees them.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/castelmind/castellan/internal/registry"
	"github.com/castelmind/castellan/internal/skill"
	"github.com/castelmind/castellan/internal/store"
	"github.com/castelmind/castellan/internal/tenant"
)

const maxRequestBody = 1 << 20

// Dispatcher routes one request to its skill.
type Dispatcher interface {
	Dispatch(ctx context.Context, req skill.Request) skill.Response
}

// StatusSource reports per-skill lifecycle state for /healthz.
type StatusSource interface {
	Statuses() []registry.StatusReport
}

// Presence marks users active. May be nil when Redis is not configured.
type Presence interface {
	Touch(ctx context.Context, userID string) error
}

// TenantService authenticates API keys and persists session transcripts.
type TenantService interface {
	Authenticate(ctx context.Context, apiKey string) (*store.Tenant, error)
	CreateSession(ctx context.Context, tenantID, userID string) (*store.Session, error)
	AddMessage(ctx context.Context, sessionID, tenantID, role, content string, metadata map[string]any) error
	GetMessages(ctx context.Context, sessionID, tenantID string, limit int, before time.Time) ([]store.Message, error)
}

// Server is the gateway HTTP surface.
type Server struct {
	disp     Dispatcher
	statuses StatusSource
	tenants  TenantService
	presence Presence
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	router   *mux.Router
}

// NewServer wires the gateway routes. presence and gatherer may be nil.
func NewServer(disp Dispatcher, statuses StatusSource, tenants TenantService, presence Presence, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		disp:     disp,
		statuses: statuses,
		tenants:  tenants,
		presence: presence,
		gatherer: gatherer,
		logger:   logger,
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/v1/dispatch", s.requireTenant(s.handleDispatch)).Methods(http.MethodPost)
	r.HandleFunc("/v1/sessions", s.requireTenant(s.handleCreateSession)).Methods(http.MethodPost)
	r.HandleFunc("/v1/sessions/{id}/messages", s.requireTenant(s.handleMessages)).Methods(http.MethodGet)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	s.router = r
	return s
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("gateway listening", zap.String("addr", addr))

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type tenantKey struct{}

// requireTenant authenticates the X-API-Key header and stashes the tenant
// in the request context.
func (s *Server) requireTenant(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := s.tenants.Authenticate(r.Context(), r.Header.Get("X-API-Key"))
		if err != nil {
			if !errors.Is(err, tenant.ErrInvalidKey) {
				s.logger.Error("tenant authentication failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "authentication unavailable")
				return
			}
			s.logger.Warn("rejected api key", zap.String("remote", r.RemoteAddr))
			writeError(w, http.StatusUnauthorized, "invalid or missing api key")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), tenantKey{}, t)))
	}
}

func tenantFrom(ctx context.Context) *store.Tenant {
	t, _ := ctx.Value(tenantKey{}).(*store.Tenant)
	return t
}

type dispatchRequest struct {
	CorrelationID string         `json:"correlation_id,omitempty"`
	UserID        string         `json:"user_id"`
	Intent        string         `json:"intent,omitempty"`
	Message       string         `json:"message,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
}

// handleDispatch turns one HTTP call into one dispatched request. The
// response is always the full envelope with HTTP 200; transport-level
// statuses are reserved for auth and malformed bodies.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var body dispatchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if body.CorrelationID == "" {
		body.CorrelationID = uuid.NewString()
	}

	t := tenantFrom(r.Context())
	req := skill.Request{
		CorrelationID: body.CorrelationID,
		UserID:        body.UserID,
		Intent:        body.Intent,
		Message:       body.Message,
		Context:       body.Context,
	}

	if s.presence != nil {
		if err := s.presence.Touch(r.Context(), req.UserID); err != nil {
			s.logger.Warn("presence touch failed",
				zap.String("user_id", req.UserID),
				zap.Error(err))
		}
	}

	s.record(r.Context(), t, body.SessionID, "user", userContent(body), map[string]any{
		"correlation_id": req.CorrelationID,
		"intent":         req.Intent,
	})

	resp := s.disp.Dispatch(r.Context(), req)

	meta := map[string]any{
		"correlation_id": req.CorrelationID,
		"success":        resp.Success,
	}
	if resp.Error != nil {
		meta["error_kind"] = string(resp.Error.Kind)
	}
	s.record(r.Context(), t, body.SessionID, "assistant", resp.Message, meta)

	writeJSON(w, http.StatusOK, resp)
}

func userContent(body dispatchRequest) string {
	if body.Message != "" {
		return body.Message
	}
	return body.Intent
}

// record appends a transcript row when a session id was supplied. Failures
// are logged, not surfaced; transcripts never block dispatch.
func (s *Server) record(ctx context.Context, t *store.Tenant, sessionID, role, content string, metadata map[string]any) {
	if sessionID == "" || t == nil || content == "" {
		return
	}
	if err := s.tenants.AddMessage(ctx, sessionID, t.ID, role, content, metadata); err != nil {
		s.logger.Warn("transcript write failed",
			zap.String("session_id", sessionID),
			zap.String("role", role),
			zap.Error(err))
	}
}

type createSessionRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	t := tenantFrom(r.Context())
	sess, err := s.tenants.CreateSession(r.Context(), t.ID, body.UserID)
	if err != nil {
		s.logger.Error("create session failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not create session")
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	var before time.Time
	if v := r.URL.Query().Get("before"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "before must be RFC 3339")
			return
		}
		before = ts
	}

	t := tenantFrom(r.Context())
	msgs, err := s.tenants.GetMessages(r.Context(), sessionID, t.ID, limit, before)
	if err != nil {
		s.logger.Error("read messages failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not read messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// handleHealthz reports per-skill lifecycle state. The endpoint returns 200
// whenever the process serves traffic; a skill stuck in ERROR degrades the
// body, not the status code, so rolling updates do not roll back over one
// bad skill.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	reports := s.statuses.Statuses()
	status := "ok"
	for _, rep := range reports {
		if rep.State != skill.StateReady.String() {
			status = "degraded"
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": status,
		"skills": reports,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
