// Package mcp connects to configured MCP servers, bridges their tools
// into the tool registry as a per-server discovery source, and keeps the
// connections healthy with periodic pings and bounded reconnects.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/drostlabs/drost/internal/config"
	"github.com/drostlabs/drost/internal/tools"
)

const (
	healthCheckInterval  = 30 * time.Second
	initialBackoff       = 2 * time.Second
	maxBackoff           = 60 * time.Second
	maxReconnectAttempts = 10
)

// ServerStatus reports the connection state of one MCP server.
type ServerStatus struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Connected bool   `json:"connected"`
	ToolCount int    `json:"toolCount"`
	Error     string `json:"error,omitempty"`
}

// serverState tracks one server connection.
type serverState struct {
	name      string
	transport string
	cfg       config.MCPServerConfig
	client    *mcpclient.Client
	connected atomic.Bool
	cancel    context.CancelFunc

	mu             sync.Mutex
	toolCount      int
	reconnAttempts int
	lastErr        string
}

func (ss *serverState) source() string { return "mcp:" + ss.name }

// Manager owns all MCP server connections. Each server's tools land in
// the registry under the source "mcp:<server>", so a server going down
// unregisters exactly its own tools.
type Manager struct {
	registry *tools.Registry
	configs  map[string]config.MCPServerConfig
	logger   *slog.Logger

	mu      sync.RWMutex
	servers map[string]*serverState
}

// NewManager builds a manager over the configured servers.
func NewManager(registry *tools.Registry, configs map[string]config.MCPServerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry: registry,
		configs:  configs,
		logger:   logger,
		servers:  map[string]*serverState{},
	}
}

// Start connects every configured server. Connection failures are not
// fatal to startup: the server's source carries an import_error
// diagnostic and the aggregated error is returned for degraded-state
// reporting.
func (m *Manager) Start(ctx context.Context) error {
	names := make([]string, 0, len(m.configs))
	for name := range m.configs {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []string
	for _, name := range names {
		cfg := m.configs[name]
		if err := m.connect(ctx, name, cfg); err != nil {
			m.logger.Warn("mcp.server.connect_failed", "server", name, "error", err)
			m.registry.ReplaceSource("mcp:"+name, nil, []tools.Diagnostic{{
				Code:    tools.DiagImportError,
				Name:    name,
				Message: fmt.Sprintf("mcp server %q: %v", name, err),
			}})
			errs = append(errs, fmt.Sprintf("mcp:%s: %v", name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// connect creates the client, runs the handshake, discovers tools, and
// starts the health loop.
func (m *Manager) connect(ctx context.Context, name string, cfg config.MCPServerConfig) error {
	client, err := createClient(cfg)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	// SSE and streamable-http need an explicit transport start; stdio
	// starts on creation.
	if cfg.Transport != "stdio" {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "drost-gateway", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	ss := &serverState{name: name, transport: cfg.Transport, cfg: cfg, client: client}
	ss.connected.Store(true)

	if err := m.discover(ctx, ss); err != nil {
		_ = client.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	hctx, hcancel := context.WithCancel(context.Background())
	ss.cancel = hcancel
	go m.healthLoop(hctx, ss)

	m.mu.Lock()
	m.servers[name] = ss
	m.mu.Unlock()

	m.logger.Info("mcp.server.connected", "server", name, "transport", cfg.Transport, "tools", ss.toolCount)
	return nil
}

// discover lists the server's tools, applies the allow/deny filter on
// original names, and replaces the server's registry source.
func (m *Manager) discover(ctx context.Context, ss *serverState) error {
	result, err := ss.client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		return err
	}

	defs, diags := bridgeDefinitions(ss.name, filterAllowed(result.Tools, ss.cfg.Allow, ss.cfg.Deny), ss.client, &ss.connected)
	m.registry.ReplaceSource(ss.source(), defs, diags)

	ss.mu.Lock()
	ss.toolCount = len(defs)
	ss.mu.Unlock()
	return nil
}

// createClient builds the transport-appropriate client.
func createClient(cfg config.MCPServerConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case "stdio":
		return mcpclient.NewStdioMCPClient(cfg.Command, mapToEnvSlice(cfg.Env), cfg.Args...)
	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, mcpclient.WithHeaders(cfg.Headers))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)
	case "streamable-http":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}

// healthLoop pings the server every healthCheckInterval. A server that
// does not implement ping is still alive; real failures unregister the
// server's tools and enter the reconnect path.
func (m *Manager) healthLoop(ctx context.Context, ss *serverState) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := ss.client.Ping(ctx)
			if err == nil || strings.Contains(strings.ToLower(err.Error()), "method not found") {
				m.markHealthy(ss)
				continue
			}
			wasConnected := ss.connected.Swap(false)
			ss.mu.Lock()
			ss.lastErr = err.Error()
			ss.mu.Unlock()
			if wasConnected {
				m.logger.Warn("mcp.server.health_failed", "server", ss.name, "error", err)
				m.registry.ReplaceSource(ss.source(), nil, nil)
			}
			m.tryReconnect(ctx, ss)
		}
	}
}

func (m *Manager) markHealthy(ss *serverState) {
	ss.connected.Store(true)
	ss.mu.Lock()
	ss.reconnAttempts = 0
	ss.lastErr = ""
	ss.mu.Unlock()
}

// tryReconnect waits out the exponential backoff, then probes with a
// ping. Stdio and the HTTP transports both auto-reconnect underneath, so
// a successful ping means the session is back; tools are re-discovered
// to pick up any changes.
func (m *Manager) tryReconnect(ctx context.Context, ss *serverState) {
	ss.mu.Lock()
	if ss.reconnAttempts >= maxReconnectAttempts {
		ss.lastErr = fmt.Sprintf("max reconnect attempts (%d) reached", maxReconnectAttempts)
		ss.mu.Unlock()
		m.logger.Error("mcp.server.reconnect_exhausted", "server", ss.name)
		return
	}
	ss.reconnAttempts++
	attempt := ss.reconnAttempts
	ss.mu.Unlock()

	backoff := initialBackoff * time.Duration(1<<(attempt-1))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	m.logger.Info("mcp.server.reconnecting", "server", ss.name, "attempt", attempt, "backoff", backoff)

	select {
	case <-ctx.Done():
		return
	case <-time.After(backoff):
	}

	err := ss.client.Ping(ctx)
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "method not found") {
		return
	}
	m.markHealthy(ss)
	if err := m.discover(ctx, ss); err != nil {
		m.logger.Warn("mcp.server.rediscover_failed", "server", ss.name, "error", err)
		return
	}
	m.logger.Info("mcp.server.reconnected", "server", ss.name)
}

// Stop closes every connection and unregisters every server's tools.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, ss := range m.servers {
		if ss.cancel != nil {
			ss.cancel()
		}
		if err := ss.client.Close(); err != nil {
			m.logger.Debug("mcp.server.close_error", "server", name, "error", err)
		}
		m.registry.ReplaceSource(ss.source(), nil, nil)
	}
	m.servers = map[string]*serverState{}
}

// Status reports every tracked server sorted by name.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ServerStatus, 0, len(m.servers))
	for _, ss := range m.servers {
		ss.mu.Lock()
		out = append(out, ServerStatus{
			Name:      ss.name,
			Transport: ss.transport,
			Connected: ss.connected.Load(),
			ToolCount: ss.toolCount,
			Error:     ss.lastErr,
		})
		ss.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func mapToEnvSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	s := make([]string, 0, len(env))
	for k, v := range env {
		s = append(s, k+"="+v)
	}
	sort.Strings(s)
	return s
}
