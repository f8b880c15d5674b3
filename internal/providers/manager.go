package providers

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drostlabs/drost/internal/config"
	"github.com/drostlabs/drost/internal/events"
)

// Manager selects adapters by profile, runs startup probes, and applies
// route failover. It performs no provider-specific logic.
type Manager struct {
	adapters map[string]Adapter
	profiles map[string]config.ProviderProfile
	resolve  TokenResolver

	mu       sync.RWMutex
	routes   map[string]config.ProviderRoute // primary provider id -> route
	failover bool
	probes   map[string]ProbeResult // last probe per provider
}

// NewManager builds a manager over the configured profiles.
func NewManager(cfg config.ProvidersConfig, router config.RouterConfig, failover bool, resolve TokenResolver) *Manager {
	m := &Manager{
		adapters: map[string]Adapter{},
		profiles: map[string]config.ProviderProfile{},
		routes:   map[string]config.ProviderRoute{},
		failover: failover,
		resolve:  resolve,
		probes:   map[string]ProbeResult{},
	}
	for _, p := range cfg.Profiles {
		m.profiles[p.ID] = p
	}
	for _, r := range router.Routes {
		m.routes[r.Primary] = r
	}
	return m
}

// Register installs an adapter under its id. Later registrations replace
// earlier ones.
func (m *Manager) Register(a Adapter) {
	m.adapters[a.ID()] = a
}

// Profile looks up a configured provider profile.
func (m *Manager) Profile(providerID string) (config.ProviderProfile, bool) {
	p, ok := m.profiles[providerID]
	return p, ok
}

// ProviderIDs lists configured providers in stable order.
func (m *Manager) ProviderIDs() []string {
	ids := make([]string, 0, len(m.profiles))
	for id := range m.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetRouter swaps the failover routes. Hot-reloadable.
func (m *Manager) SetRouter(router config.RouterConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes = map[string]config.ProviderRoute{}
	for _, r := range router.Routes {
		m.routes[r.Primary] = r
	}
}

func (m *Manager) routeFor(providerID string) (config.ProviderRoute, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routes[providerID]
	return r, ok
}

// ProbeAll concurrently probes every configured profile. Failures come back
// as results, never as an error: startup proceeds degraded.
func (m *Manager) ProbeAll(ctx context.Context, timeout time.Duration) []ProbeResult {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	results := make([]ProbeResult, 0, len(m.profiles))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range m.ProviderIDs() {
		profile := m.profiles[id]
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()
			res := m.probeOne(pctx, profile)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].ProviderID < results[j].ProviderID })
	m.mu.Lock()
	for _, r := range results {
		m.probes[r.ProviderID] = r
	}
	m.mu.Unlock()
	return results
}

func (m *Manager) probeOne(ctx context.Context, profile config.ProviderProfile) ProbeResult {
	adapter, ok := m.adapters[profile.AdapterID]
	if !ok {
		return ProbeResult{
			ProviderID: profile.ID,
			Code:       CodeIncompatibleTransport,
			Message:    fmt.Sprintf("no adapter registered for %q", profile.AdapterID),
		}
	}
	res := adapter.Probe(ctx, ProbeRequest{Profile: profile, ResolveBearerToken: m.resolve})
	res.ProviderID = profile.ID
	if !res.OK {
		slog.Warn("provider.probe.failed", "provider", profile.ID, "code", res.Code, "message", res.Message)
	}
	return res
}

// ProbeStatus returns the last probe result per provider, defaulting to an
// unprobed ok for providers never probed.
func (m *Manager) ProbeStatus() []ProbeResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ProbeResult, 0, len(m.profiles))
	for _, id := range m.ProviderIDs() {
		if r, ok := m.probes[id]; ok {
			out = append(out, r)
		} else {
			out = append(out, ProbeResult{ProviderID: id, OK: true, Code: CodeOK, Message: "not probed"})
		}
	}
	return out
}

// RunTurn routes the request to the adapter for req.ProviderID. With
// failover enabled and a route declared, transport-class failures retry once
// per fallback in route order; each failed attempt emits provider.error
// before the next try. A provider.error the adapter already put on the
// stream is terminal, as is missing_auth.
func (m *Manager) RunTurn(ctx context.Context, req TurnRequest) error {
	attempts := []string{req.ProviderID}
	if m.failover {
		if route, ok := m.routeFor(req.ProviderID); ok {
			attempts = append(attempts, route.Fallbacks...)
		}
	}

	var lastErr error
	for i, providerID := range attempts {
		profile, ok := m.profiles[providerID]
		if !ok {
			return &Error{Code: CodeProviderError, Message: fmt.Sprintf("unknown provider %q", providerID)}
		}
		adapter, ok := m.adapters[profile.AdapterID]
		if !ok {
			return &Error{Code: CodeIncompatibleTransport, Message: fmt.Sprintf("no adapter registered for %q", profile.AdapterID)}
		}

		attempt := req
		attempt.Profile = profile
		attempt.ProviderID = providerID
		if attempt.ResolveBearerToken == nil {
			attempt.ResolveBearerToken = m.resolve
		}

		// A provider.error event on the stream marks the turn terminal even
		// when the adapter also returns a transport-class error.
		streamErrored := false
		emit := attempt.Emit
		attempt.Emit = func(ev events.Event) {
			if ev.Type == events.ProviderError {
				streamErrored = true
			}
			if emit != nil {
				emit(ev)
			}
		}

		err := adapter.RunTurn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		code := CodeOf(err)
		if ctx.Err() != nil || streamErrored || !TransportClass(code) || i == len(attempts)-1 {
			return err
		}
		slog.Warn("provider.failover", "from", providerID, "to", attempts[i+1], "code", code)
		if emit != nil {
			emit(events.New(events.ProviderError, req.SessionID, providerID, events.ErrorPayload{
				Code:    code,
				Message: err.Error(),
			}))
		}
	}
	return lastErr
}
