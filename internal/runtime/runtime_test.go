package runtime

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/drostlabs/drost/internal/agent"
	"github.com/drostlabs/drost/internal/config"
	"github.com/drostlabs/drost/internal/events"
	"github.com/drostlabs/drost/internal/providers"
	"github.com/drostlabs/drost/internal/sessions"
	"github.com/drostlabs/drost/internal/tools"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.WorkspaceDir = t.TempDir()
	cfg.Providers.Profiles = []config.ProviderProfile{
		{ID: "echo-1", Kind: "echo", AdapterID: "echo"},
		{ID: "echo-2", Kind: "echo", AdapterID: "echo"},
	}
	cfg.Providers.DefaultSessionProvider = "echo-1"
	cfg.Orchestration.Enabled = false
	return cfg
}

func testRuntime(t *testing.T, cfg *config.Config) *Runtime {
	t.Helper()
	store, err := sessions.New(sessions.Options{Dir: cfg.SessionDirOrDefault()})
	if err != nil {
		t.Fatal(err)
	}
	pm := providers.NewManager(cfg.Providers, cfg.ProviderRouter, cfg.Failover.Enabled, nil)
	pm.Register(providers.NewEchoAdapter())

	reg := tools.NewRegistry()
	rt, err := New(Options{
		Config:    cfg,
		Store:     store,
		Providers: pm,
		Tools:     reg,
		Agent:     agent.Load(cfg.Agent, cfg.WorkspaceDir, agent.Hooks{}, slog.Default()),
		Logger:    slog.Default(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(rt.Stop)
	return rt
}

func TestEchoTurnRoundTrip(t *testing.T) {
	rt := testRuntime(t, testConfig(t))

	var got []events.Event
	res, err := rt.RunSessionTurn(context.Background(), TurnInput{
		SessionID: "s1",
		Input:     "ping",
		OnEvent:   func(ev events.Event) { got = append(got, ev) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Response != "echo: ping" {
		t.Errorf("response = %q, want %q", res.Response, "echo: ping")
	}
	if res.ProviderID != "echo-1" {
		t.Errorf("providerId = %q, want echo-1", res.ProviderID)
	}

	var types []string
	var text string
	for _, ev := range got {
		types = append(types, ev.Type)
		if d, ok := ev.Delta(); ok {
			text += d.Text
		}
	}
	if text != "echo: ping" {
		t.Errorf("accumulated deltas = %q, want %q", text, "echo: ping")
	}
	if types[len(types)-1] != events.ResponseCompleted {
		t.Errorf("event types = %v, want trailing response.completed", types)
	}

	rec, _, err := rt.store.Load("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.History) != 2 || rec.History[0].Role != sessions.RoleUser || rec.History[1].Content != "echo: ping" {
		t.Errorf("history = %+v", rec.History)
	}
	if rt.store.TurnInProgress("s1") {
		t.Error("turnInProgress still set after turn")
	}
}

// snapshotAdapter re-sends cumulative text the way some providers do.
type snapshotAdapter struct{}

func (snapshotAdapter) ID() string { return "snapshot" }
func (snapshotAdapter) Probe(context.Context, providers.ProbeRequest) providers.ProbeResult {
	return providers.ProbeResult{OK: true, Code: providers.CodeOK}
}
func (snapshotAdapter) RunTurn(ctx context.Context, req providers.TurnRequest) error {
	req.Emit(events.New(events.ResponseDelta, req.SessionID, req.ProviderID, events.DeltaPayload{Text: "Hello"}))
	req.Emit(events.New(events.ResponseDelta, req.SessionID, req.ProviderID, events.DeltaPayload{Text: "Hello world"}))
	req.Emit(events.New(events.ResponseCompleted, req.SessionID, req.ProviderID, events.CompletedPayload{Text: "Hello world"}))
	return nil
}

func TestCumulativeDeltasFoldToSuffixes(t *testing.T) {
	cfg := testConfig(t)
	cfg.Providers.Profiles = []config.ProviderProfile{{ID: "p1", Kind: "snapshot", AdapterID: "snapshot"}}
	cfg.Providers.DefaultSessionProvider = "p1"
	rt := testRuntime(t, cfg)
	rt.providers.Register(snapshotAdapter{})

	var deltas []string
	res, err := rt.RunSessionTurn(context.Background(), TurnInput{
		SessionID: "s1",
		Input:     "hi",
		OnEvent: func(ev events.Event) {
			if d, ok := ev.Delta(); ok {
				deltas = append(deltas, d.Text)
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(deltas) != 2 || deltas[0] != "Hello" || deltas[1] != " world" {
		t.Errorf("deltas = %q, want [Hello,  world]", deltas)
	}
	if res.Response != "Hello world" {
		t.Errorf("response = %q", res.Response)
	}
}

func TestPendingProviderPromotion(t *testing.T) {
	rt := testRuntime(t, testConfig(t))

	if _, err := rt.RunSessionTurn(context.Background(), TurnInput{SessionID: "s1", Input: "one"}); err != nil {
		t.Fatal(err)
	}
	if err := rt.QueueProviderSwitch("s1", "echo-2"); err != nil {
		t.Fatal(err)
	}

	rec, _, _ := rt.store.Load("s1")
	if rec.ActiveProviderID != "echo-1" || rec.PendingProviderID != "echo-2" {
		t.Fatalf("pre-turn providers = %q/%q", rec.ActiveProviderID, rec.PendingProviderID)
	}

	var firstEventProvider string
	res, err := rt.RunSessionTurn(context.Background(), TurnInput{
		SessionID: "s1",
		Input:     "two",
		OnEvent: func(ev events.Event) {
			if firstEventProvider == "" {
				firstEventProvider = ev.ProviderID
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ProviderID != "echo-2" || firstEventProvider != "echo-2" {
		t.Errorf("turn provider = %q, first event provider = %q, want echo-2", res.ProviderID, firstEventProvider)
	}

	rec, _, _ = rt.store.Load("s1")
	if rec.ActiveProviderID != "echo-2" || rec.PendingProviderID != "" {
		t.Errorf("post-turn providers = %q/%q, want echo-2/", rec.ActiveProviderID, rec.PendingProviderID)
	}
}

func TestQueueProviderSwitchRejectsUnknown(t *testing.T) {
	rt := testRuntime(t, testConfig(t))
	if _, err := rt.EnsureSession("s1", EnsureOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := rt.QueueProviderSwitch("s1", "nope"); err == nil {
		t.Error("unknown provider accepted")
	}
}

func TestEnsureSessionIdempotent(t *testing.T) {
	rt := testRuntime(t, testConfig(t))
	origin := &sessions.Origin{Channel: "telegram", ChatID: "42"}

	first, err := rt.EnsureSession("tg-42", EnsureOptions{Title: "chat", Origin: origin})
	if err != nil {
		t.Fatal(err)
	}
	second, err := rt.EnsureSession("tg-42", EnsureOptions{Title: "other title"})
	if err != nil {
		t.Fatal(err)
	}
	if second.Metadata.Title != "chat" {
		t.Errorf("title = %q, want original kept", second.Metadata.Title)
	}
	if second.Metadata.Origin == nil || second.Metadata.Origin.ChatID != "42" {
		t.Errorf("origin = %+v", second.Metadata.Origin)
	}
	if first.ActiveProviderID != second.ActiveProviderID {
		t.Errorf("provider changed across ensures: %q vs %q", first.ActiveProviderID, second.ActiveProviderID)
	}
}

func TestCreateSessionMintsUniqueIDs(t *testing.T) {
	rt := testRuntime(t, testConfig(t))
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		id, err := rt.CreateSession(CreateOptions{Channel: "telegram"})
		if err != nil {
			t.Fatal(err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
		if got := id[:9]; got != "telegram-" {
			t.Errorf("id prefix = %q", got)
		}
	}
}

func TestContinuityAppendsSummaryOnce(t *testing.T) {
	rt := testRuntime(t, testConfig(t))
	if _, err := rt.RunSessionTurn(context.Background(), TurnInput{SessionID: "old", Input: "remember me"}); err != nil {
		t.Fatal(err)
	}

	id, err := rt.CreateSession(CreateOptions{Channel: "local", FromSessionID: "old"})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, _, err := rt.store.Load(id)
		if err != nil {
			t.Fatal(err)
		}
		if len(rec.History) == 1 {
			if rec.History[0].Role != sessions.RoleSystem {
				t.Fatalf("continuity role = %q", rec.History[0].Role)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("continuity message never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestChannelTurnSticksToSlugSession(t *testing.T) {
	rt := testRuntime(t, testConfig(t))
	identity := Identity{Channel: "Telegram", ChatID: "100", UserID: "u1"}

	res1, err := rt.RunChannelTurn(context.Background(), identity, "first", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	res2, err := rt.RunChannelTurn(context.Background(), identity, "second", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res1.SessionID != res2.SessionID {
		t.Errorf("sessions differ: %q vs %q", res1.SessionID, res2.SessionID)
	}
	if res1.SessionID != "telegram-100-u1" {
		t.Errorf("slug = %q, want telegram-100-u1", res1.SessionID)
	}

	rec, _, err := rt.store.Load(res1.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Metadata.Origin == nil || rec.Metadata.Origin.Channel != "Telegram" {
		t.Errorf("origin = %+v", rec.Metadata.Origin)
	}
}

func TestContinuitySummaryTrimsOnRuneBoundary(t *testing.T) {
	rt := testRuntime(t, testConfig(t))
	long := "x" + strings.Repeat("世", 250)
	if _, err := rt.RunSessionTurn(context.Background(), TurnInput{SessionID: "old", Input: long}); err != nil {
		t.Fatal(err)
	}

	id, err := rt.CreateSession(CreateOptions{Channel: "local", FromSessionID: "old"})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, _, err := rt.store.Load(id)
		if err != nil {
			t.Fatal(err)
		}
		if len(rec.History) == 1 {
			content := rec.History[0].Content
			if !utf8.ValidString(content) {
				t.Fatalf("continuity message is not valid UTF-8: %q", content)
			}
			if !strings.HasSuffix(content, "…") {
				t.Errorf("long summary not marked truncated: %q", content)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("continuity message never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
