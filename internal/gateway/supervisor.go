// Package gateway is the supervisor: it assembles every subsystem in
// dependency order, tracks the running/degraded state, brokers restarts
// through the restart policy, and serves as the backend of the control
// API and the agent tool.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/drostlabs/drost/internal/agent"
	"github.com/drostlabs/drost/internal/auth"
	"github.com/drostlabs/drost/internal/channels"
	"github.com/drostlabs/drost/internal/channels/discord"
	"github.com/drostlabs/drost/internal/channels/telegram"
	"github.com/drostlabs/drost/internal/config"
	controlsrv "github.com/drostlabs/drost/internal/control"
	"github.com/drostlabs/drost/internal/events"
	"github.com/drostlabs/drost/internal/mcp"
	"github.com/drostlabs/drost/internal/media"
	"github.com/drostlabs/drost/internal/observability"
	"github.com/drostlabs/drost/internal/providers"
	"github.com/drostlabs/drost/internal/runtime"
	"github.com/drostlabs/drost/internal/sessions"
	"github.com/drostlabs/drost/internal/tools"
	"github.com/drostlabs/drost/pkg/control"
)

// Supervisor states.
const (
	StateStopped  = "stopped"
	StateRunning  = "running"
	StateDegraded = "degraded"
)

// Options tune supervisor construction. Everything is optional.
type Options struct {
	Logger *slog.Logger
	// Exit terminates the process after a restart decision executes.
	// Defaults to os.Exit; tests inject a recorder.
	Exit func(code int)
	// Gate overrides the restart approval gate.
	Gate ApprovalGate
	// Resolver overrides the auth token resolver built from config.
	Resolver auth.TokenResolver
	// AgentHooks are host-provided turn and lifecycle callbacks.
	AgentHooks agent.Hooks
	// Adapters registers extra provider adapters beyond the bundled set.
	Adapters []providers.Adapter
}

// Supervisor owns the gateway lifecycle.
type Supervisor struct {
	cfg    *config.Config
	logger *slog.Logger
	exit   func(int)
	gate   ApprovalGate
	hooks  agent.Hooks
	extra  []providers.Adapter

	hub      *Hub
	policy   *restartPolicy
	evo      *evolutions
	resolver auth.TokenResolver

	store     *sessions.Store
	registry  *tools.Registry
	provider  *providers.Manager
	agentDef  *agent.Definition
	mediaSt   *media.Store
	sinks     *observability.Sinks
	tracer    *observability.Tracer
	rt        *runtime.Runtime
	mcpMgr    *mcp.Manager
	chans     *channels.Manager
	health    *controlsrv.HealthServer
	api       *controlsrv.Server
	bgCancel  context.CancelFunc
	startedAt time.Time

	mu          sync.Mutex
	state       string
	degraded    []string
	restartOnce sync.Once
}

// New builds an idle supervisor.
func New(cfg *config.Config, opts Options) *Supervisor {
	s := &Supervisor{
		cfg:    cfg,
		logger: opts.Logger,
		exit:   opts.Exit,
		gate:   opts.Gate,
		hooks:  opts.AgentHooks,
		extra:  opts.Adapters,
		hub:    NewHub(),
		state:  StateStopped,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.exit == nil {
		s.exit = os.Exit
	}
	s.resolver = opts.Resolver
	return s
}

// Runtime exposes the session runtime once Start succeeded.
func (s *Supervisor) Runtime() *runtime.Runtime { return s.rt }

// Start brings the gateway up. Subsystem failures that leave a usable
// core (channels, probes, MCP servers) degrade instead of failing;
// failures of the core itself abort.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return fmt.Errorf("gateway already %s", s.state)
	}
	s.state = StateRunning
	s.degraded = nil
	s.mu.Unlock()
	s.startedAt = time.Now().UTC()

	if err := s.cfg.Validate(); err != nil {
		s.setStopped()
		return fmt.Errorf("config: %w", err)
	}
	dataDir := s.cfg.DataDir()
	for _, dir := range []string{dataDir, s.cfg.SessionDirOrDefault()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			s.setStopped()
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	s.bgCancel = bgCancel

	s.policy = newRestartPolicy(s.cfg.RestartPolicy, config.ExpandHome(s.cfg.WorkspaceDir), dataDir, s.gate)
	s.policy.load()
	s.evo = &evolutions{
		enabled: s.cfg.Evolution.Enabled,
		publish: s.publish,
		restart: s.executeRestart,
	}

	if s.resolver == nil {
		if s.cfg.AuthStorePath != "" {
			fs, err := auth.NewFileStore(config.ExpandHome(s.cfg.AuthStorePath))
			if err != nil {
				s.setStopped()
				return fmt.Errorf("auth store: %w", err)
			}
			s.resolver = fs
		} else {
			s.resolver = auth.Static{}
		}
	}

	var err error
	s.sinks, err = observability.NewSinks(dataDir, s.cfg.Observability.JSONL.Enabled)
	if err != nil {
		s.setStopped()
		return err
	}
	s.tracer, err = observability.NewTracer(ctx, s.cfg.Observability.OTLP)
	if err != nil {
		s.addDegraded(fmt.Sprintf("otlp: %v", err))
		s.tracer = nil
	}

	s.agentDef = agent.Load(s.cfg.Agent, config.ExpandHome(s.cfg.WorkspaceDir), s.hooks, s.logger)
	s.mediaSt = media.NewStore(dataDir, s.logger)

	s.registry = tools.NewRegistry()
	s.registerBuiltIns()
	if dir := s.cfg.ToolDirectory; dir != "" {
		defs, diags := tools.Discover(config.ExpandHome(dir))
		s.registry.ReplaceDiscovered(defs, diags)
		go func() {
			if err := tools.Watch(bgCtx, config.ExpandHome(dir), s.registry); err != nil {
				s.logger.Warn("tools.watch_failed", "dir", dir, "error", err)
			}
		}()
	}

	s.provider = providers.NewManager(s.cfg.Providers, s.cfg.ProviderRouter, s.cfg.Failover.Enabled, s.resolver.Resolve)
	s.provider.Register(providers.NewAnthropicAdapter())
	s.provider.Register(providers.NewOpenAIAdapter())
	s.provider.Register(providers.NewEchoAdapter())
	for _, a := range s.extra {
		s.provider.Register(a)
	}
	if s.cfg.Providers.StartupProbe.Enabled {
		timeout := time.Duration(s.cfg.Providers.StartupProbe.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		for _, res := range s.provider.ProbeAll(ctx, timeout) {
			if !res.OK {
				s.addDegraded(fmt.Sprintf("provider %s: %s", res.ProviderID, res.Code))
			}
		}
	}

	s.store, err = sessions.New(sessions.Options{
		Dir:         s.cfg.SessionDirOrDefault(),
		LockTimeout: time.Duration(s.cfg.SessionStore.Lock.TimeoutMs) * time.Millisecond,
		LockStale:   time.Duration(s.cfg.SessionStore.Lock.StaleMs) * time.Millisecond,
		History: sessions.HistoryPolicy{
			MaxMessages:   s.cfg.SessionStore.History.MaxMessages,
			MaxCharacters: s.cfg.SessionStore.History.MaxCharacters,
		},
	})
	if err != nil {
		s.setStopped()
		return fmt.Errorf("session store: %w", err)
	}
	go sessions.NewSweeper(s.store, sessions.RetentionPolicy{
		MaxAgeDays:       s.cfg.SessionStore.Retention.MaxAgeDays,
		MaxSessions:      s.cfg.SessionStore.Retention.MaxSessions,
		MaxTotalBytes:    s.cfg.SessionStore.Retention.MaxTotalBytes,
		ArchiveAfterIdle: time.Duration(s.cfg.SessionStore.Retention.ArchiveAfterIdleMs) * time.Millisecond,
		ArchiveFirst:     s.cfg.SessionStore.Retention.ArchiveFirst,
		SweepSchedule:    s.cfg.SessionStore.Retention.SweepSchedule,
		SweepInterval:    time.Duration(s.cfg.SessionStore.Retention.SweepIntervalMs) * time.Millisecond,
	}).Run(bgCtx)

	s.mcpMgr = mcp.NewManager(s.registry, s.cfg.MCPServers, s.logger)
	if err := s.mcpMgr.Start(ctx); err != nil {
		s.addDegraded(err.Error())
	}

	s.rt, err = runtime.New(runtime.Options{
		Config:    s.cfg,
		Store:     s.store,
		Providers: s.provider,
		Tools:     s.registry,
		Agent:     s.agentDef,
		Media:     s.mediaSt,
		Sinks:     s.sinks,
		Tracer:    s.tracer,
		Logger:    s.logger,
		Notify:    s.notify,
		Degrade:   s.addDegraded,
		Gateway:   s,
	})
	if err != nil {
		s.setStopped()
		return fmt.Errorf("runtime: %w", err)
	}

	if s.cfg.Health.Enabled {
		s.health = controlsrv.NewHealthServer(s.cfg.Health, s.Status, s.logger)
		if err := s.serve("health", s.health.Start); err != nil {
			s.setStopped()
			return err
		}
	}
	if s.cfg.ControlAPI.Enabled {
		s.api = controlsrv.NewServer(s.cfg.ControlAPI, s, s.logger)
		if err := s.serve("control api", s.api.Start); err != nil {
			s.setStopped()
			return err
		}
	}

	if err := s.agentDef.OnStart(ctx); err != nil {
		s.addDegraded(fmt.Sprintf("agent onStart: %v", err))
	}

	s.chans = channels.NewManager(s.logger, s.publishNotify)
	s.registerChannels(ctx)
	for _, reason := range s.chans.ConnectAll(ctx, channels.Context{
		Gateway: s.rt,
		Media:   s.mediaSt,
		Logger:  s.logger,
	}) {
		s.addDegraded(reason)
	}

	if s.cfg.Hooks.OnStart != nil {
		if err := s.cfg.Hooks.OnStart(ctx); err != nil {
			s.addDegraded(fmt.Sprintf("onStart hook: %v", err))
		}
	}

	st := s.Status()
	s.publish(control.EventGatewayStarted, map[string]interface{}{"state": st.State})
	if st.State == StateDegraded {
		s.publish(control.EventGatewayDegraded, map[string]interface{}{"reasons": st.DegradedReasons})
	}
	s.logger.Info("gateway.started", "state", st.State, "degradedReasons", len(st.DegradedReasons))
	return nil
}

func (s *Supervisor) serve(name string, start func() (<-chan error, error)) error {
	errc, err := start()
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	go func() {
		if serveErr, ok := <-errc; ok && serveErr != nil {
			s.addDegraded(fmt.Sprintf("%s: %v", name, serveErr))
		}
	}()
	return nil
}

func (s *Supervisor) registerBuiltIns() {
	tools.RegisterBuiltIns(s.registry, tools.BuiltInOptions{
		Shell:         s.cfg.Shell,
		ToolPolicy:    s.cfg.ToolPolicy,
		Web:           s.cfg.Web,
		Enabled:       s.cfg.BuiltInTools.Enabled,
		ResolveBearer: s.resolver.Resolve,
		Gateway:       s,
	})
}

// registerChannels builds the configured adapters, resolving tokens
// through the auth store when the config names a profile.
func (s *Supervisor) registerChannels(ctx context.Context) {
	if tc := s.cfg.Channels.Telegram; tc.Enabled {
		if token, err := s.channelToken(ctx, tc.Token, tc.AuthProfileID); err != nil {
			s.addDegraded(fmt.Sprintf("channel telegram: %v", err))
		} else {
			tc.Token = token
			if ch, err := telegram.New(tc); err != nil {
				s.addDegraded(fmt.Sprintf("channel telegram: %v", err))
			} else {
				s.chans.Register(ch)
			}
		}
	}
	if dc := s.cfg.Channels.Discord; dc.Enabled {
		if token, err := s.channelToken(ctx, dc.Token, dc.AuthProfileID); err != nil {
			s.addDegraded(fmt.Sprintf("channel discord: %v", err))
		} else {
			dc.Token = token
			if ch, err := discord.New(dc); err != nil {
				s.addDegraded(fmt.Sprintf("channel discord: %v", err))
			} else {
				s.chans.Register(ch)
			}
		}
	}
}

func (s *Supervisor) channelToken(ctx context.Context, token, authProfileID string) (string, error) {
	if token != "" {
		return token, nil
	}
	if authProfileID == "" {
		return "", fmt.Errorf("no token and no authProfileId")
	}
	return s.resolver.Resolve(ctx, authProfileID)
}

// Stop tears the gateway down in reverse start order. Idempotent.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopped
	s.mu.Unlock()

	if s.cfg.Hooks.OnStop != nil {
		if err := s.cfg.Hooks.OnStop(ctx); err != nil {
			s.logger.Warn("gateway.onstop_hook_failed", "error", err)
		}
	}
	if s.chans != nil {
		s.chans.DisconnectAll(ctx)
	}
	if s.agentDef != nil {
		if err := s.agentDef.OnStop(ctx); err != nil {
			s.logger.Warn("agent.onstop_failed", "error", err)
		}
	}
	if s.api != nil {
		if err := s.api.Stop(ctx); err != nil {
			s.logger.Warn("control.api.stop_failed", "error", err)
		}
	}
	if s.health != nil {
		if err := s.health.Stop(ctx); err != nil {
			s.logger.Warn("health.stop_failed", "error", err)
		}
	}
	if s.rt != nil {
		s.rt.Stop()
	}
	if s.mcpMgr != nil {
		s.mcpMgr.Stop()
	}
	if s.bgCancel != nil {
		s.bgCancel()
	}
	if s.tracer != nil {
		if err := s.tracer.Shutdown(ctx); err != nil {
			s.logger.Warn("otlp.shutdown_failed", "error", err)
		}
	}
	s.publish(control.EventGatewayStopped, nil)
	s.logger.Info("gateway.stopped")
	return nil
}

func (s *Supervisor) setStopped() {
	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
}

func (s *Supervisor) addDegraded(reason string) {
	s.mu.Lock()
	seen := false
	for _, r := range s.degraded {
		if r == reason {
			seen = true
			break
		}
	}
	if !seen {
		s.degraded = append(s.degraded, reason)
	}
	if s.state == StateRunning {
		s.state = StateDegraded
	}
	s.mu.Unlock()
	if !seen {
		s.logger.Warn("gateway.degraded", "reason", reason)
	}
}

// publish stamps an event into the hub and mirrors it to the JSONL sink.
func (s *Supervisor) publish(eventType string, attrs map[string]interface{}) control.RuntimeEvent {
	ev := s.hub.Publish(eventType, attrs)
	s.sinks.RuntimeEvent(ev)
	return ev
}

// notify is the runtime's event feed; publishNotify adapts it for the
// channel manager.
func (s *Supervisor) notify(eventType string, attrs map[string]interface{}) {
	s.publish(eventType, attrs)
}

func (s *Supervisor) publishNotify(eventType string, attrs map[string]interface{}) {
	s.publish(eventType, attrs)
}

// Evolutions exposes the self-modification transaction surface.
func (s *Supervisor) Evolutions() *evolutions { return s.evo }

// BeginEvolution opens a self-modification transaction.
func (s *Supervisor) BeginEvolution(reason string) (*Evolution, error) { return s.evo.Begin(reason) }

// CommitEvolution restarts the gateway for an open transaction.
func (s *Supervisor) CommitEvolution(ctx context.Context, id string) error {
	return s.evo.Commit(ctx, id)
}

// AbortEvolution discards an open transaction.
func (s *Supervisor) AbortEvolution(id string) error { return s.evo.Abort(id) }

// --- restart path ---

// RequestRestart is the control API restart entry point.
func (s *Supervisor) RequestRestart(ctx context.Context, req control.RestartRequest) control.RestartResponse {
	dec := s.executeRestart(ctx, RestartRequest{Intent: req.Intent, Reason: req.Reason, DryRun: req.DryRun})
	return control.RestartResponse{OK: dec.OK, Code: dec.Code, Reason: dec.Reason, DryRun: dec.DryRun}
}

// RequestSelfRestart implements the agent tool's restart action with the
// self_mod intent.
func (s *Supervisor) RequestSelfRestart(ctx context.Context, reason string) (bool, string, error) {
	dec := s.executeRestart(ctx, RestartRequest{Intent: IntentSelfMod, Reason: reason})
	return dec.OK, dec.Code, nil
}

// executeRestart runs the decision chain and, on approval, stops the
// gateway and exits with the restart sentinel.
func (s *Supervisor) executeRestart(ctx context.Context, req RestartRequest) RestartDecision {
	if req.Intent == "" {
		req.Intent = IntentManual
	}
	s.publish(control.EventRestartRequested, map[string]interface{}{
		"intent": req.Intent, "reason": req.Reason, "dryRun": req.DryRun,
	})

	dec := s.policy.evaluate(req)
	if !dec.OK {
		s.publish(control.EventRestartBlocked, map[string]interface{}{"intent": req.Intent, "code": dec.Code})
		return dec
	}
	if req.DryRun {
		return dec
	}

	if err := s.policy.checkpoint(ctx, req.Reason); err != nil {
		dec = RestartDecision{OK: false, Code: BlockGitCheckpointFailed, Reason: err.Error()}
		s.publish(control.EventRestartBlocked, map[string]interface{}{"intent": req.Intent, "code": dec.Code})
		return dec
	}
	if err := s.policy.record(req); err != nil {
		s.logger.Warn("restart.history_write_failed", "error", err)
	}
	s.publish(control.EventRestartExecuting, map[string]interface{}{"intent": req.Intent, "reason": req.Reason})

	s.restartOnce.Do(func() {
		go func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.Stop(shutdownCtx); err != nil {
				s.logger.Error("gateway.restart_stop_failed", "error", err)
			}
			s.exit(RestartExitCode)
		}()
	})
	return dec
}

// --- config reload ---

// ReloadConfig applies a config patch live. Hot paths apply immediately;
// everything else is rejected with restart_required.
func (s *Supervisor) ReloadConfig(ctx context.Context, patch map[string]json.RawMessage) ReloadResult {
	res := classifyPatch(patch)

	for _, path := range res.Applied {
		if err := s.applyPatch(ctx, path, patch); err != nil {
			s.logger.Warn("gateway.reload_apply_failed", "path", path, "error", err)
		}
	}
	s.publish(control.EventConfigReloaded, map[string]interface{}{
		"applied": res.Applied, "rejected": len(res.Rejected),
	})
	return res
}

func (s *Supervisor) applyPatch(ctx context.Context, path string, patch map[string]json.RawMessage) error {
	switch path {
	case "health":
		if err := json.Unmarshal(patch["health"], &s.cfg.Health); err != nil {
			return err
		}
		if s.health != nil {
			if err := s.health.Stop(ctx); err != nil {
				return err
			}
			s.health = nil
		}
		if s.cfg.Health.Enabled {
			s.health = controlsrv.NewHealthServer(s.cfg.Health, s.Status, s.logger)
			return s.serve("health", s.health.Start)
		}
		return nil
	case "controlApi":
		if err := json.Unmarshal(patch["controlApi"], &s.cfg.ControlAPI); err != nil {
			return err
		}
		if s.api != nil {
			if err := s.api.Stop(ctx); err != nil {
				return err
			}
			s.api = nil
		}
		if s.cfg.ControlAPI.Enabled {
			s.api = controlsrv.NewServer(s.cfg.ControlAPI, s, s.logger)
			return s.serve("control api", s.api.Start)
		}
		return nil
	case "observability":
		if err := json.Unmarshal(patch["observability"], &s.cfg.Observability); err != nil {
			return err
		}
		// OTLP endpoint changes still need a restart; the JSONL toggle
		// applies live.
		s.sinks.SetEnabled(s.cfg.Observability.JSONL.Enabled)
		return nil
	case "restartPolicy":
		if err := json.Unmarshal(patch["restartPolicy"], &s.cfg.RestartPolicy); err != nil {
			return err
		}
		s.policy = newRestartPolicy(s.cfg.RestartPolicy, config.ExpandHome(s.cfg.WorkspaceDir), s.cfg.DataDir(), s.gate)
		s.policy.load()
		return nil
	case "toolPolicy":
		if err := json.Unmarshal(patch["toolPolicy"], &s.cfg.ToolPolicy); err != nil {
			return err
		}
		s.registry.ResetBuiltIns()
		s.registerBuiltIns()
		return nil
	case "providerRouter":
		if err := json.Unmarshal(patch["providerRouter"], &s.cfg.ProviderRouter); err != nil {
			return err
		}
		s.provider.SetRouter(s.cfg.ProviderRouter)
		return nil
	case "orchestration":
		if err := json.Unmarshal(patch["orchestration"], &s.cfg.Orchestration); err != nil {
			return err
		}
		return s.rt.ApplyOrchestration(s.cfg.Orchestration)
	case "providers.startupProbe":
		var sub struct {
			StartupProbe config.StartupProbe `json:"startupProbe"`
		}
		if err := json.Unmarshal(patch["providers"], &sub); err != nil {
			return err
		}
		s.cfg.Providers.StartupProbe = sub.StartupProbe
		return nil
	}
	return fmt.Errorf("no applier for %s", path)
}

// --- control.Gateway ---

// Status reports the supervisor state for the health endpoint and the
// control API.
func (s *Supervisor) Status() control.StatusResponse {
	s.mu.Lock()
	state := s.state
	reasons := append([]string(nil), s.degraded...)
	s.mu.Unlock()

	st := control.StatusResponse{
		OK:              state == StateRunning,
		State:           state,
		DegradedReasons: reasons,
	}
	if state != StateStopped {
		st.StartedAt = s.startedAt
		st.UptimeSec = int64(time.Since(s.startedAt).Seconds())
	}
	if s.health != nil {
		st.HealthURL = s.health.URL()
	}
	return st
}

// Sessions lists stored sessions, newest activity first.
func (s *Supervisor) Sessions(limit int) ([]control.SessionSummary, error) {
	entries, err := s.store.ListIndex()
	if err != nil {
		return nil, err
	}
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	out := make([]control.SessionSummary, 0, len(entries))
	for _, e := range entries {
		out = append(out, control.SessionSummary{
			SessionID:        e.SessionID,
			Title:            e.Title,
			ActiveProviderID: e.ActiveProviderID,
			CreatedAt:        e.CreatedAt,
			LastActivityAt:   e.LastActivityAt,
			Messages:         e.Messages,
			SizeBytes:        e.SizeBytes,
		})
	}
	return out, nil
}

// SessionRecord loads one full session record.
func (s *Supervisor) SessionRecord(id string) (*sessions.Record, error) {
	return s.store.Export(id)
}

// ProvidersStatus reports the last probe outcome per configured profile.
func (s *Supervisor) ProvidersStatus() []control.ProviderStatus {
	results := s.provider.ProbeStatus()
	out := make([]control.ProviderStatus, 0, len(results))
	for _, res := range results {
		row := control.ProviderStatus{
			ProviderID: res.ProviderID,
			OK:         res.OK,
			Code:       res.Code,
			Message:    res.Message,
		}
		if profile, ok := s.provider.Profile(res.ProviderID); ok {
			row.AdapterID = profile.AdapterID
			row.Model = profile.Model
		}
		out = append(out, row)
	}
	return out
}

// CreateSession mints a session through the runtime.
func (s *Supervisor) CreateSession(req control.CreateSessionRequest) (control.CreateSessionResponse, error) {
	id, err := s.rt.CreateSession(runtime.CreateOptions{
		Channel:       req.Channel,
		Title:         req.Title,
		FromSessionID: req.FromSessionID,
	})
	if err != nil {
		return control.CreateSessionResponse{}, err
	}
	return control.CreateSessionResponse{SessionID: id}, nil
}

// SwitchProvider queues a provider switch for a session's next turn.
func (s *Supervisor) SwitchProvider(sessionID, providerID string) error {
	return s.rt.QueueProviderSwitch(sessionID, providerID)
}

// ChatSend runs one turn for the control API.
func (s *Supervisor) ChatSend(ctx context.Context, req control.ChatSendRequest) (control.ChatSendResponse, error) {
	var mu sync.Mutex
	var collected []control.StreamEvent
	var onEvent func(events.Event)
	if req.IncludeEvents {
		onEvent = func(ev events.Event) {
			mu.Lock()
			collected = append(collected, control.StreamEvent{
				Type:      ev.Type,
				Timestamp: ev.Timestamp,
				Payload:   ev.Payload,
			})
			mu.Unlock()
		}
	}

	res, err := s.rt.RunSessionTurn(ctx, runtime.TurnInput{
		SessionID: req.SessionID,
		Input:     req.Input,
		OnEvent:   onEvent,
	})
	if err != nil {
		return control.ChatSendResponse{}, err
	}
	mu.Lock()
	defer mu.Unlock()
	return control.ChatSendResponse{
		SessionID:  res.SessionID,
		ProviderID: res.ProviderID,
		Response:   res.Response,
		Events:     collected,
	}, nil
}

// EventsSnapshot returns the retained runtime events oldest-first.
func (s *Supervisor) EventsSnapshot() []control.RuntimeEvent { return s.hub.Snapshot() }

// SubscribeEvents registers a live event callback.
func (s *Supervisor) SubscribeEvents(fn func(control.RuntimeEvent)) func() {
	return s.hub.Subscribe(fn)
}

// StatusSnapshot backs the agent tool's status action and /status.
func (s *Supervisor) StatusSnapshot() map[string]interface{} {
	st := s.Status()
	builtIn, custom := 0, 0
	if s.registry != nil {
		builtIn, custom = s.registry.Counts()
	}
	snap := map[string]interface{}{
		"state":     st.State,
		"uptimeSec": st.UptimeSec,
		"tools":     fmt.Sprintf("%d built-in, %d custom", builtIn, custom),
	}
	if len(st.DegradedReasons) > 0 {
		snap["degradedReasons"] = st.DegradedReasons
	}
	if s.chans != nil {
		snap["channels"] = s.chans.Status()
	}
	if s.mcpMgr != nil {
		if servers := s.mcpMgr.Status(); len(servers) > 0 {
			snap["mcpServers"] = servers
		}
	}
	if active := s.evo.Active(); active != nil {
		snap["evolution"] = active.ID
	}
	return snap
}
