package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/drostlabs/drost/internal/config"
	"github.com/drostlabs/drost/internal/events"
)

func anthropicSSE(w http.ResponseWriter, frames []string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, f := range frames {
		_, _ = w.Write([]byte(f))
	}
}

func TestAnthropicRunTurnStreamsDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		anthropicSSE(w, []string{
			"event: message_start\ndata: {\"message\":{\"usage\":{\"input_tokens\":7}}}\n\n",
			"event: content_block_start\ndata: {\"index\":0,\"content_block\":{\"type\":\"text\"}}\n\n",
			"event: content_block_delta\ndata: {\"delta\":{\"type\":\"text_delta\",\"text\":\"Hello\"}}\n\n",
			"event: content_block_delta\ndata: {\"delta\":{\"type\":\"text_delta\",\"text\":\" world\"}}\n\n",
			"event: message_delta\ndata: {\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":2}}\n\n",
			"event: message_stop\ndata: {}\n\n",
		})
	}))
	defer srv.Close()

	a := NewAnthropicAdapter()
	var got []events.Event
	err := a.RunTurn(context.Background(), TurnRequest{
		Profile:    config.ProviderProfile{ID: "p1", AdapterID: "anthropic", BaseURL: srv.URL, AuthProfileID: "main"},
		ProviderID: "p1",
		SessionID:  "s1",
		Messages:   []Message{{Role: "user", Content: "hi"}},
		Emit:       func(ev events.Event) { got = append(got, ev) },
		ResolveBearerToken: func(context.Context, string) (string, error) {
			return "tok", nil
		},
	})
	if err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}

	var deltas []string
	var completed string
	for _, ev := range got {
		if p, ok := ev.Delta(); ok {
			deltas = append(deltas, p.Text)
		}
		if p, ok := ev.Completed(); ok {
			completed = p.Text
		}
	}
	if len(deltas) != 2 || deltas[0] != "Hello" || deltas[1] != " world" {
		t.Errorf("deltas = %v, want [Hello,  world]", deltas)
	}
	if completed != "Hello world" {
		t.Errorf("completed = %q, want %q", completed, "Hello world")
	}
}

func TestAnthropicErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantCode string
	}{
		{"unauthorized", http.StatusUnauthorized, CodeMissingAuth},
		{"forbidden", http.StatusForbidden, CodeMissingAuth},
		{"server error", http.StatusInternalServerError, CodeProviderError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			a := NewAnthropicAdapter()
			err := a.RunTurn(context.Background(), TurnRequest{
				Profile:            config.ProviderProfile{ID: "p1", BaseURL: srv.URL},
				ProviderID:         "p1",
				Messages:           []Message{{Role: "user", Content: "hi"}},
				Emit:               func(events.Event) {},
				ResolveBearerToken: func(context.Context, string) (string, error) { return "tok", nil },
			})
			if CodeOf(err) != tt.wantCode {
				t.Errorf("CodeOf(err) = %q, want %q", CodeOf(err), tt.wantCode)
			}
		})
	}
}

func TestAnthropicIncompatibleTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content":[]}`))
	}))
	defer srv.Close()

	a := NewAnthropicAdapter()
	err := a.RunTurn(context.Background(), TurnRequest{
		Profile:            config.ProviderProfile{ID: "p1", BaseURL: srv.URL},
		ProviderID:         "p1",
		Messages:           []Message{{Role: "user", Content: "hi"}},
		Emit:               func(events.Event) {},
		ResolveBearerToken: func(context.Context, string) (string, error) { return "tok", nil },
	})
	if CodeOf(err) != CodeIncompatibleTransport {
		t.Errorf("CodeOf(err) = %q, want incompatible_transport", CodeOf(err))
	}
}
