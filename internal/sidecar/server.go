package sidecar

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/castelmind/castellan/internal/update"
)

// Updater is the slice of the update executor the server exposes.
type Updater interface {
	Apply(ctx context.Context, tag, version string) (update.Result, error)
	Rollback(ctx context.Context, targetSHA string) (update.Result, error)
	Status() update.StatusInfo
	History() []update.Result
}

// Server is the sidecar's HTTP surface. Every endpoint except /health
// requires the shared bearer token.
type Server struct {
	updater Updater
	diag    DiagnosticsSource
	secret  string
	logger  *zap.Logger
	router  *mux.Router
}

// NewServer wires the sidecar routes.
func NewServer(updater Updater, diag DiagnosticsSource, secret string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{updater: updater, diag: diag, secret: secret, logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.requireAuth(s.handleStatus)).Methods(http.MethodGet)
	r.HandleFunc("/update/apply", s.requireAuth(s.handleApply)).Methods(http.MethodPost)
	r.HandleFunc("/update/rollback", s.requireAuth(s.handleRollback)).Methods(http.MethodPost)
	r.HandleFunc("/update/history", s.requireAuth(s.handleHistory)).Methods(http.MethodGet)
	r.HandleFunc("/diagnostics", s.requireAuth(s.handleDiagnostics)).Methods(http.MethodGet)
	s.router = r
	return s
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down
// gracefully.
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
	s.logger.Info("sidecar listening", zap.String("addr", addr))

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

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" || !SecretsEqual(token, s.secret) {
			s.logger.Warn("unauthorized sidecar request",
				zap.String("path", r.URL.Path),
				zap.String("remote", r.RemoteAddr))
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, prefix) {
		return h[len(prefix):]
	}
	return ""
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.updater.Status())
}

type applyRequest struct {
	Tag     string `json:"tag"`
	Version string `json:"version"`
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body: "+err.Error())
		return
	}
	if req.Tag == "" {
		writeError(w, http.StatusBadRequest, "tag is required")
		return
	}
	version := req.Version
	if version == "" {
		version = strings.TrimPrefix(req.Tag, "v")
	}

	res, err := s.updater.Apply(r.Context(), req.Tag, version)
	if errors.Is(err, update.ErrBusy) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type rollbackRequest struct {
	PreviousSHA string `json:"previous_sha"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body: "+err.Error())
		return
	}

	res, err := s.updater.Rollback(r.Context(), req.PreviousSHA)
	if errors.Is(err, update.ErrBusy) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type historyResponse struct {
	History []update.Result `json:"history"`
	Count   int             `json:"count"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	results := s.updater.History()
	writeJSON(w, http.StatusOK, historyResponse{History: results, Count: len(results)})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.diag.Collect(r.Context()))
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
