// Package control serves the gateway's HTTP surfaces: the liveness
// endpoint and the authenticated control API under /control/v1.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/drostlabs/drost/internal/config"
	"github.com/drostlabs/drost/internal/sessions"
	"github.com/drostlabs/drost/pkg/control"
)

// Gateway is the slice of the supervisor the control surfaces call into.
type Gateway interface {
	Status() control.StatusResponse
	Sessions(limit int) ([]control.SessionSummary, error)
	SessionRecord(id string) (*sessions.Record, error)
	ProvidersStatus() []control.ProviderStatus
	CreateSession(req control.CreateSessionRequest) (control.CreateSessionResponse, error)
	SwitchProvider(sessionID, providerID string) error
	ChatSend(ctx context.Context, req control.ChatSendRequest) (control.ChatSendResponse, error)
	RequestRestart(ctx context.Context, req control.RestartRequest) control.RestartResponse
	EventsSnapshot() []control.RuntimeEvent
	SubscribeEvents(fn func(control.RuntimeEvent)) (cancel func())
}

// Server is the control API listener.
type Server struct {
	cfg    config.ControlAPIConfig
	gw     Gateway
	logger *slog.Logger

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter

	srv *http.Server
}

// NewServer builds the control API server. It does not listen until Start.
func NewServer(cfg config.ControlAPIConfig, gw Gateway, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, gw: gw, logger: logger, limiters: map[string]*rate.Limiter{}}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	host := s.cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(s.cfg.Port))
}

// Start binds the listener and serves until Stop. The returned error
// channel reports a listener failure after a successful bind.
func (s *Server) Start() (<-chan error, error) {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return nil, fmt.Errorf("control api listen on %s: %w", s.Addr(), err)
	}
	s.srv = &http.Server{
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	s.logger.Info("control.api.listening", "addr", ln.Addr().String())
	return errc, nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// BuildMux wires the control routes. Exposed for tests.
func (s *Server) BuildMux() *http.ServeMux {
	mux := http.NewServeMux()
	p := control.APIPrefix

	mux.HandleFunc("GET "+p+"/status", s.auth(roleReadOnly, s.handleStatus))
	mux.HandleFunc("GET "+p+"/sessions", s.auth(roleReadOnly, s.handleListSessions))
	mux.HandleFunc("GET "+p+"/sessions/{id}", s.auth(roleReadOnly, s.handleGetSession))
	mux.HandleFunc("GET "+p+"/providers/status", s.auth(roleReadOnly, s.handleProvidersStatus))
	mux.HandleFunc("GET "+p+"/events", s.auth(roleReadOnly, s.handleEventsSSE))
	mux.HandleFunc("GET "+p+"/events/ws", s.auth(roleReadOnly, s.handleEventsWS))

	mux.HandleFunc("POST "+p+"/sessions", s.auth(roleFull, s.handleCreateSession))
	mux.HandleFunc("POST "+p+"/sessions/{id}/switch", s.auth(roleFull, s.handleSwitchProvider))
	mux.HandleFunc("POST "+p+"/chat/send", s.auth(roleFull, s.handleChatSend))
	mux.HandleFunc("POST "+p+"/runtime/restart", s.auth(roleFull, s.handleRestart))

	return mux
}

type role int

const (
	roleReadOnly role = iota
	roleFull
)

// auth enforces bearer tokens. The read-only token grants GET endpoints
// only; loopback callers skip auth when the config allows it. Mutations
// additionally pass the per-caller rate limiter.
func (s *Server) auth(need role, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, granted, ok := s.identify(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "")
			return
		}
		if need == roleFull && granted != roleFull {
			writeError(w, http.StatusForbidden, "read-only token cannot mutate", "")
			return
		}
		if need == roleFull && !s.allowMutation(key) {
			writeError(w, http.StatusTooManyRequests, "mutation rate limit exceeded", "rate_limited")
			return
		}
		if r.Method == http.MethodPost {
			r.Body = http.MaxBytesReader(w, r.Body, control.MaxBodyBytes)
		}
		next(w, r)
	}
}

// identify resolves the caller's role and rate-limit key.
func (s *Server) identify(r *http.Request) (key string, granted role, ok bool) {
	token := bearerToken(r)
	switch {
	case s.cfg.AuthToken != "" && token == s.cfg.AuthToken:
		return "token:full", roleFull, true
	case s.cfg.ReadOnlyToken != "" && token == s.cfg.ReadOnlyToken:
		return "token:ro", roleReadOnly, true
	}
	if s.cfg.AllowLoopbackUnauthenticated && isLoopback(r.RemoteAddr) {
		return "loopback:" + remoteHost(r.RemoteAddr), roleFull, true
	}
	// No tokens configured means the operator opted out of auth.
	if s.cfg.AuthToken == "" && s.cfg.ReadOnlyToken == "" {
		return "anon:" + remoteHost(r.RemoteAddr), roleFull, true
	}
	return "", roleReadOnly, false
}

func (s *Server) allowMutation(key string) bool {
	perMin := s.cfg.MutationRateLimitPerMin
	if perMin <= 0 {
		return true
	}
	s.limitMu.Lock()
	lim, ok := s.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin)
		s.limiters[key] = lim
	}
	s.limitMu.Unlock()
	return lim.Allow()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.Status())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", "")
			return
		}
		limit = n
	}
	rows, err := s.gw.Sessions(limit)
	if err != nil {
		s.logger.Error("control.sessions.list", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": rows})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	rec, err := s.gw.SessionRecord(r.PathValue("id"))
	if err != nil {
		if sessions.CodeOf(err) == sessions.CodeNotFound {
			writeError(w, http.StatusNotFound, "session not found", sessions.CodeNotFound)
			return
		}
		s.logger.Error("control.sessions.get", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load session", "")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleProvidersStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"providers": s.gw.ProvidersStatus()})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req control.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "")
		return
	}
	resp, err := s.gw.CreateSession(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleSwitchProvider(w http.ResponseWriter, r *http.Request) {
	var req control.SwitchProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "")
		return
	}
	if req.ProviderID == "" {
		writeError(w, http.StatusBadRequest, "providerId is required", "")
		return
	}
	if err := s.gw.SwitchProvider(r.PathValue("id"), req.ProviderID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	var req control.ChatSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "")
		return
	}
	if req.SessionID == "" || req.Input == "" {
		writeError(w, http.StatusBadRequest, "sessionId and input are required", "")
		return
	}
	resp, err := s.gw.ChatSend(r.Context(), req)
	if err != nil {
		s.logger.Error("control.chat.send", "session", req.SessionID, "error", err)
		writeError(w, http.StatusBadGateway, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	var req control.RestartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "")
		return
	}
	resp := s.gw.RequestRestart(r.Context(), req)
	status := http.StatusOK
	if !resp.OK {
		status = http.StatusConflict
	}
	writeJSON(w, status, resp)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func isLoopback(addr string) bool {
	ip := net.ParseIP(remoteHost(addr))
	return ip != nil && ip.IsLoopback()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, control.ErrorResponse{Error: msg, Code: code})
}
