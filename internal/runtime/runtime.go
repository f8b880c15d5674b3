// Package runtime owns session lifecycle and the turn executor: it resolves
// sessions, serializes turns through orchestration lanes, drives provider
// adapters, and persists the outcome.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/drostlabs/drost/internal/agent"
	"github.com/drostlabs/drost/internal/config"
	"github.com/drostlabs/drost/internal/lanes"
	"github.com/drostlabs/drost/internal/media"
	"github.com/drostlabs/drost/internal/observability"
	"github.com/drostlabs/drost/internal/providers"
	"github.com/drostlabs/drost/internal/sessions"
	"github.com/drostlabs/drost/internal/tools"
)

// Options wires the runtime's collaborators.
type Options struct {
	Config    *config.Config
	Store     *sessions.Store
	Providers *providers.Manager
	Tools     *tools.Registry
	Agent     *agent.Definition
	Media     *media.Store
	Sinks     *observability.Sinks
	Tracer    *observability.Tracer
	Logger    *slog.Logger

	// Notify feeds the gateway runtime event hub. Optional.
	Notify func(eventType string, attrs map[string]interface{})
	// Degrade records a degraded reason on the supervisor. Optional.
	Degrade func(reason string)
	// Gateway backs /status and /restart. Optional; set by the supervisor
	// after construction via SetGateway.
	Gateway tools.GatewayController
}

// Runtime is the session runtime and turn executor.
type Runtime struct {
	cfg       *config.Config
	store     *sessions.Store
	providers *providers.Manager
	tools     *tools.Registry
	agent     *agent.Definition
	media     *media.Store
	sinks     *observability.Sinks
	tracer    *observability.Tracer
	logger    *slog.Logger
	notify    func(eventType string, attrs map[string]interface{})
	degrade   func(reason string)
	gateway   tools.GatewayController

	lanes *lanes.Manager // nil when orchestration is disabled

	continuity sync.Map // "<from>→<to>" -> struct{}, at-most-once guard

	imageMu       sync.Mutex
	pendingImages map[string][]string // session id -> refs awaiting lane admission
}

func (r *Runtime) stashImages(sessionID string, refs []string) {
	r.imageMu.Lock()
	defer r.imageMu.Unlock()
	if r.pendingImages == nil {
		r.pendingImages = map[string][]string{}
	}
	r.pendingImages[sessionID] = append(r.pendingImages[sessionID], refs...)
}

func (r *Runtime) takeImages(sessionID string) []string {
	r.imageMu.Lock()
	defer r.imageMu.Unlock()
	refs := r.pendingImages[sessionID]
	delete(r.pendingImages, sessionID)
	return refs
}

// New builds the runtime and, when orchestration is enabled, its lane
// manager with the persisted lane configs.
func New(opts Options) (*Runtime, error) {
	r := &Runtime{
		cfg:       opts.Config,
		store:     opts.Store,
		providers: opts.Providers,
		tools:     opts.Tools,
		agent:     opts.Agent,
		media:     opts.Media,
		sinks:     opts.Sinks,
		tracer:    opts.Tracer,
		logger:    opts.Logger,
		notify:    opts.Notify,
		degrade:   opts.Degrade,
		gateway:   opts.Gateway,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.notify == nil {
		r.notify = func(string, map[string]interface{}) {}
	}
	if r.degrade == nil {
		r.degrade = func(string) {}
	}
	if r.tracer == nil {
		t, err := observability.NewTracer(context.Background(), config.OTLPConfig{})
		if err != nil {
			return nil, err
		}
		r.tracer = t
	}

	if opts.Config.Orchestration.Enabled {
		defaults := lanes.Policy{
			Mode:            lanes.Mode(opts.Config.Orchestration.DefaultMode),
			Cap:             opts.Config.Orchestration.Cap,
			DropPolicy:      lanes.DropPolicy(opts.Config.Orchestration.DropPolicy),
			CollectDebounce: time.Duration(opts.Config.Orchestration.CollectDebounceMs) * time.Millisecond,
		}
		persistPath := filepath.Join(opts.Config.DataDir(), "orchestration-lanes.json")
		lm, err := lanes.NewManager(defaults, r.runTurn, persistPath, func(eventType, sessionID string, attrs map[string]interface{}) {
			if attrs == nil {
				attrs = map[string]interface{}{}
			}
			attrs["sessionId"] = sessionID
			r.notify(eventType, attrs)
		})
		if err != nil {
			return nil, fmt.Errorf("lane manager: %w", err)
		}
		r.lanes = lm
	}
	return r, nil
}

// Lanes exposes the lane manager; nil when orchestration is disabled.
func (r *Runtime) Lanes() *lanes.Manager { return r.lanes }

// SetGateway installs the controller backing /status and /restart. The
// supervisor calls this once both sides exist.
func (r *Runtime) SetGateway(g tools.GatewayController) { r.gateway = g }

// ApplyOrchestration hot-applies new lane defaults. Toggling the feature
// itself needs a restart because the lane manager is built at startup.
func (r *Runtime) ApplyOrchestration(cfg config.OrchestrationConfig) error {
	if r.lanes == nil {
		if cfg.Enabled {
			return fmt.Errorf("orchestration was disabled at startup; restart to enable")
		}
		return nil
	}
	r.lanes.SetDefaults(lanes.Policy{
		Mode:            lanes.Mode(cfg.DefaultMode),
		Cap:             cfg.Cap,
		DropPolicy:      lanes.DropPolicy(cfg.DropPolicy),
		CollectDebounce: time.Duration(cfg.CollectDebounceMs) * time.Millisecond,
	})
	return nil
}

// Stop cancels lanes; queued waiters are rejected.
func (r *Runtime) Stop() {
	if r.lanes != nil {
		r.lanes.Stop()
	}
}

// EnsureOptions are the mergeable metadata for EnsureSession.
type EnsureOptions struct {
	Title  string
	Origin *sessions.Origin
}

// EnsureSession creates the session with the default provider when absent,
// otherwise loads it and merges missing metadata. Persists immediately.
func (r *Runtime) EnsureSession(id string, opts EnsureOptions) (*sessions.Record, error) {
	if id == "" {
		return nil, fmt.Errorf("ensure session: empty id")
	}
	rec, diags, err := r.store.Load(id)
	if sessions.CodeOf(err) == sessions.CodeNotFound {
		rec = sessions.NewRecord(id, r.cfg.Providers.DefaultSessionProvider, time.Now().UTC())
		rec.Metadata.Title = opts.Title
		rec.Metadata.Origin = opts.Origin
		if _, err := r.store.Save(rec); err != nil {
			return nil, err
		}
		return rec, nil
	}
	if err != nil {
		return nil, err
	}
	for _, d := range diags {
		r.logger.Warn("session.load.diagnostic", "session", id, "code", d.Code, "message", d.Message)
	}
	changed := false
	if rec.Metadata.Title == "" && opts.Title != "" {
		rec.Metadata.Title = opts.Title
		changed = true
	}
	if rec.Metadata.Origin == nil && opts.Origin != nil {
		rec.Metadata.Origin = opts.Origin
		changed = true
	}
	if changed {
		if _, err := r.store.Save(rec); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// CreateOptions parameterize CreateSession.
type CreateOptions struct {
	Channel       string
	Title         string
	FromSessionID string
	Origin        *sessions.Origin
}

// CreateSession mints a timestamped id and optionally schedules a
// best-effort continuity message copied from the source session.
func (r *Runtime) CreateSession(opts CreateOptions) (string, error) {
	slug := opts.Channel
	if slug == "" {
		slug = "local"
	}
	now := time.Now().UTC()
	base := fmt.Sprintf("%s-%s-%03d", slug, now.Format("20060102-150405"), now.Nanosecond()/1e6)
	id := base
	for n := 2; r.store.Exists(id); n++ {
		id = fmt.Sprintf("%s-%d", base, n)
	}
	if _, err := r.EnsureSession(id, EnsureOptions{Title: opts.Title, Origin: opts.Origin}); err != nil {
		return "", err
	}
	if opts.FromSessionID != "" && opts.FromSessionID != id && r.store.Exists(opts.FromSessionID) {
		key := opts.FromSessionID + "→" + id
		if _, loaded := r.continuity.LoadOrStore(key, struct{}{}); !loaded {
			go r.continuityJob(opts.FromSessionID, id)
		}
	}
	return id, nil
}

// continuityJob appends a short carry-over summary of the source session to
// the new one. Best effort; failures only log.
func (r *Runtime) continuityJob(fromID, toID string) {
	src, _, err := r.store.Load(fromID)
	if err != nil {
		r.logger.Warn("session.continuity.failed", "from", fromID, "to", toID, "error", err)
		return
	}
	summary := src.LastAssistantText()
	if summary == "" {
		return
	}
	const maxSummaryChars = 600
	if len(summary) > maxSummaryChars {
		cut := maxSummaryChars
		for cut > 0 && !utf8.RuneStart(summary[cut]) {
			cut--
		}
		summary = summary[:cut] + "…"
	}
	msg := sessions.Message{
		Role:    sessions.RoleSystem,
		Content: fmt.Sprintf("Continued from session %s. Last assistant message:\n%s", fromID, summary),
	}
	rec, _, err := r.store.Load(toID)
	if err != nil {
		r.logger.Warn("session.continuity.failed", "from", fromID, "to", toID, "error", err)
		return
	}
	rec.History = append(rec.History, msg)
	if _, err := r.store.Save(rec); err != nil {
		r.logger.Warn("session.continuity.failed", "from", fromID, "to", toID, "error", err)
	}
}

// QueueProviderSwitch stages a provider change applied at the next turn
// start.
func (r *Runtime) QueueProviderSwitch(sessionID, providerID string) error {
	if _, ok := r.providers.Profile(providerID); !ok {
		return fmt.Errorf("unknown provider %q (have %s)", providerID, strings.Join(r.providers.ProviderIDs(), ", "))
	}
	rec, _, err := r.store.Load(sessionID)
	if err != nil {
		return err
	}
	rec.PendingProviderID = providerID
	_, err = r.store.Save(rec)
	return err
}
