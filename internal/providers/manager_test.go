package providers

import (
	"context"
	"testing"
	"time"

	"github.com/drostlabs/drost/internal/config"
	"github.com/drostlabs/drost/internal/events"
)

type fakeAdapter struct {
	id        string
	probe     ProbeResult
	runErr    error
	streamErr bool
	ran       int
}

func (f *fakeAdapter) ID() string { return f.id }

func (f *fakeAdapter) Probe(context.Context, ProbeRequest) ProbeResult { return f.probe }

func (f *fakeAdapter) RunTurn(_ context.Context, req TurnRequest) error {
	f.ran++
	if f.streamErr {
		req.Emit(events.New(events.ProviderError, req.SessionID, req.ProviderID, events.ErrorPayload{
			Code: CodeProviderError, Message: "boom",
		}))
	}
	if f.runErr != nil {
		return f.runErr
	}
	req.Emit(events.New(events.ResponseCompleted, req.SessionID, req.ProviderID, events.CompletedPayload{Text: "ok"}))
	return nil
}

func managerWith(t *testing.T, failover bool, adapters ...Adapter) *Manager {
	t.Helper()
	cfg := config.ProvidersConfig{Profiles: []config.ProviderProfile{
		{ID: "p1", Kind: "test", AdapterID: "a1"},
		{ID: "p2", Kind: "test", AdapterID: "a2"},
	}}
	router := config.RouterConfig{Routes: []config.ProviderRoute{
		{ID: "r1", Primary: "p1", Fallbacks: []string{"p2"}},
	}}
	m := NewManager(cfg, router, failover, func(context.Context, string) (string, error) { return "tok", nil })
	for _, a := range adapters {
		m.Register(a)
	}
	return m
}

func TestRunTurnFailoverOnTransportError(t *testing.T) {
	primary := &fakeAdapter{id: "a1", runErr: &Error{Code: CodeUnreachable, Message: "down"}}
	fallback := &fakeAdapter{id: "a2"}
	m := managerWith(t, true, primary, fallback)

	var got []events.Event
	err := m.RunTurn(context.Background(), TurnRequest{
		ProviderID: "p1",
		SessionID:  "s1",
		Emit:       func(ev events.Event) { got = append(got, ev) },
	})
	if err != nil {
		t.Fatalf("RunTurn() error = %v, want fallback success", err)
	}
	if primary.ran != 1 || fallback.ran != 1 {
		t.Errorf("ran primary=%d fallback=%d, want 1 and 1", primary.ran, fallback.ran)
	}
	// provider.error for the failed attempt, then the fallback's completion
	if len(got) != 2 || got[0].Type != events.ProviderError || got[1].Type != events.ResponseCompleted {
		t.Fatalf("events = %+v, want [provider.error, response.completed]", got)
	}
	if got[1].ProviderID != "p2" {
		t.Errorf("completion provider = %q, want p2", got[1].ProviderID)
	}
}

func TestRunTurnMissingAuthIsTerminal(t *testing.T) {
	primary := &fakeAdapter{id: "a1", runErr: &Error{Code: CodeMissingAuth, Message: "no token"}}
	fallback := &fakeAdapter{id: "a2"}
	m := managerWith(t, true, primary, fallback)

	err := m.RunTurn(context.Background(), TurnRequest{ProviderID: "p1", Emit: func(events.Event) {}})
	if CodeOf(err) != CodeMissingAuth {
		t.Fatalf("CodeOf(err) = %q, want missing_auth", CodeOf(err))
	}
	if fallback.ran != 0 {
		t.Errorf("fallback ran %d times, want 0", fallback.ran)
	}
}

func TestRunTurnStreamErrorIsTerminal(t *testing.T) {
	primary := &fakeAdapter{id: "a1", streamErr: true, runErr: &Error{Code: CodeProviderError, Message: "boom"}}
	fallback := &fakeAdapter{id: "a2"}
	m := managerWith(t, true, primary, fallback)

	err := m.RunTurn(context.Background(), TurnRequest{ProviderID: "p1", Emit: func(events.Event) {}})
	if err == nil {
		t.Fatal("RunTurn() = nil, want terminal error")
	}
	if fallback.ran != 0 {
		t.Errorf("fallback ran %d times, want 0", fallback.ran)
	}
}

func TestRunTurnNoFailoverWhenDisabled(t *testing.T) {
	primary := &fakeAdapter{id: "a1", runErr: &Error{Code: CodeUnreachable, Message: "down"}}
	fallback := &fakeAdapter{id: "a2"}
	m := managerWith(t, false, primary, fallback)

	err := m.RunTurn(context.Background(), TurnRequest{ProviderID: "p1", Emit: func(events.Event) {}})
	if CodeOf(err) != CodeUnreachable {
		t.Fatalf("CodeOf(err) = %q, want unreachable", CodeOf(err))
	}
	if fallback.ran != 0 {
		t.Errorf("fallback ran %d times, want 0", fallback.ran)
	}
}

func TestProbeAllAggregates(t *testing.T) {
	ok := &fakeAdapter{id: "a1", probe: ProbeResult{OK: true, Code: CodeOK}}
	bad := &fakeAdapter{id: "a2", probe: ProbeResult{Code: CodeMissingAuth, Message: "no token"}}
	m := managerWith(t, false, ok, bad)

	results := m.ProbeAll(context.Background(), time.Second)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].ProviderID != "p1" || !results[0].OK {
		t.Errorf("p1 probe = %+v, want ok", results[0])
	}
	if results[1].ProviderID != "p2" || results[1].Code != CodeMissingAuth {
		t.Errorf("p2 probe = %+v, want missing_auth", results[1])
	}
}

func TestEchoAdapterEmitsDeterministicStream(t *testing.T) {
	a := NewEchoAdapter()
	var got []events.Event
	err := a.RunTurn(context.Background(), TurnRequest{
		ProviderID: "p1",
		SessionID:  "s1",
		Messages:   []Message{{Role: "user", Content: "ping"}},
		Emit:       func(ev events.Event) { got = append(got, ev) },
	})
	if err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}
	wantTypes := []string{events.ResponseDelta, events.ResponseDelta, events.UsageUpdated, events.ResponseCompleted}
	if len(got) != len(wantTypes) {
		t.Fatalf("got %d events, want %d", len(got), len(wantTypes))
	}
	for i, w := range wantTypes {
		if got[i].Type != w {
			t.Errorf("event[%d].Type = %q, want %q", i, got[i].Type, w)
		}
	}
	if p, _ := got[0].Delta(); p.Text != "echo:" {
		t.Errorf("first delta = %q, want %q", p.Text, "echo:")
	}
	if p, _ := got[1].Delta(); p.Text != " ping" {
		t.Errorf("second delta = %q, want %q", p.Text, " ping")
	}
	if p, _ := got[3].Completed(); p.Text != "echo: ping" {
		t.Errorf("completed text = %q, want %q", p.Text, "echo: ping")
	}
}
