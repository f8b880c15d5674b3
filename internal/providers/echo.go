package providers

import (
	"context"
	"strings"

	"github.com/drostlabs/drost/internal/events"
)

// EchoAdapter answers every turn with "echo: <last user input>". It exists
// for smoke runs and tests that need a deterministic offline provider.
type EchoAdapter struct{}

func NewEchoAdapter() *EchoAdapter { return &EchoAdapter{} }

func (a *EchoAdapter) ID() string { return "echo" }

func (a *EchoAdapter) Probe(context.Context, ProbeRequest) ProbeResult {
	return ProbeResult{OK: true, Code: CodeOK}
}

func (a *EchoAdapter) RunTurn(ctx context.Context, req TurnRequest) error {
	input := lastUserContent(req.Messages)

	chunks := []string{"echo:", " " + input}
	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		req.Emit(events.New(events.ResponseDelta, req.SessionID, req.ProviderID, events.DeltaPayload{Text: c}))
	}
	req.Emit(events.New(events.UsageUpdated, req.SessionID, req.ProviderID, events.UsagePayload{
		PromptTokens:     approxTokens(input),
		CompletionTokens: approxTokens("echo: " + input),
		TotalTokens:      approxTokens(input) + approxTokens("echo: "+input),
	}))
	req.Emit(events.New(events.ResponseCompleted, req.SessionID, req.ProviderID, events.CompletedPayload{
		Text:       strings.Join(chunks, ""),
		StopReason: "stop",
	}))
	return nil
}

func lastUserContent(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

func approxTokens(s string) int { return len(s)/4 + 1 }
