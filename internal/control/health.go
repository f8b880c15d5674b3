package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/drostlabs/drost/internal/config"
	"github.com/drostlabs/drost/pkg/control"
)

// HealthServer is the unauthenticated liveness endpoint. It answers 200
// while the gateway runs cleanly and 503 while degraded; every other
// path is 404.
type HealthServer struct {
	cfg    config.HealthConfig
	status func() control.StatusResponse
	logger *slog.Logger
	srv    *http.Server
	url    string
}

// NewHealthServer builds the health endpoint around a status source.
func NewHealthServer(cfg config.HealthConfig, status func() control.StatusResponse, logger *slog.Logger) *HealthServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthServer{cfg: cfg, status: status, logger: logger}
}

// URL returns the full health URL once Start succeeded.
func (h *HealthServer) URL() string { return h.url }

func (h *HealthServer) path() string {
	if h.cfg.Path != "" {
		return h.cfg.Path
	}
	return "/healthz"
}

// Start binds the listener. The error channel reports serve failures.
func (h *HealthServer) Start() (<-chan error, error) {
	host := h.cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(h.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("health listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+h.path(), h.handle)
	h.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	h.url = fmt.Sprintf("http://%s%s", ln.Addr().String(), h.path())

	errc := make(chan error, 1)
	go func() {
		if err := h.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	h.logger.Info("health.listening", "url", h.url)
	return errc, nil
}

// Stop shuts the listener down.
func (h *HealthServer) Stop(ctx context.Context) error {
	if h.srv == nil {
		return nil
	}
	return h.srv.Shutdown(ctx)
}

func (h *HealthServer) handle(w http.ResponseWriter, r *http.Request) {
	st := h.status()
	status := http.StatusOK
	if !st.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, st)
}
