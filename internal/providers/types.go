// Package providers routes turns to pluggable LLM back-ends. The manager
// owns the adapter registry, startup probes, and route failover; adapters
// translate the normalized turn request into provider wire protocols and
// emit only normalized stream events.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/drostlabs/drost/internal/config"
	"github.com/drostlabs/drost/internal/events"
)

// Probe and turn error codes.
const (
	CodeOK                    = "ok"
	CodeMissingAuth           = "missing_auth"
	CodeUnreachable           = "unreachable"
	CodeIncompatibleTransport = "incompatible_transport"
	CodeProviderError         = "provider_error"
)

// Error is a coded provider failure. Transport-class codes (unreachable,
// incompatible_transport, provider_error) are eligible for route failover;
// missing_auth is terminal.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// CodeOf extracts the provider error code, defaulting foreign errors to
// provider_error and context cancellation to "".
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ""
	}
	return CodeProviderError
}

// TransportClass reports whether the error code may trigger failover.
func TransportClass(code string) bool {
	switch code {
	case CodeUnreachable, CodeIncompatibleTransport, CodeProviderError:
		return true
	}
	return false
}

// Message is one conversation entry handed to an adapter.
type Message struct {
	Role    string         `json:"role"` // system | user | assistant
	Content string         `json:"content"`
	Images  []ImageContent `json:"images,omitempty"`
}

// ImageContent is a base64 image for vision-capable back-ends. Adapters that
// do not support images ignore them without failing the turn.
type ImageContent struct {
	MimeType   string `json:"mimeType"`
	DataBase64 string `json:"dataBase64"`
}

// ToolSpec advertises one callable tool to the model.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult feeds a tool outcome back to the model.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"isError,omitempty"`
}

// TokenResolver resolves an auth profile id to a bearer token.
type TokenResolver func(ctx context.Context, authProfileID string) (string, error)

// ImageResolver resolves a persisted image reference to inline content.
type ImageResolver func(ctx context.Context, ref string) (ImageContent, error)

// TurnRequest is the complete input for one provider turn. Cancellation
// travels on the context.
type TurnRequest struct {
	Profile    config.ProviderProfile
	ProviderID string
	SessionID  string
	Messages   []Message
	// InputImages are media-store refs attached to the latest user message.
	InputImages    []string
	AvailableTools []ToolSpec

	// RunTool executes a model-requested tool call and returns its outcome.
	RunTool func(ctx context.Context, call ToolCall) ToolResult
	// Emit delivers one normalized stream event downstream.
	Emit func(events.Event)

	ResolveBearerToken   TokenResolver
	ResolveInputImageRef ImageResolver
}

// ProbeRequest is the input for a startup probe.
type ProbeRequest struct {
	Profile            config.ProviderProfile
	ResolveBearerToken TokenResolver
}

// ProbeResult is the outcome of one adapter probe.
type ProbeResult struct {
	ProviderID string `json:"providerId"`
	OK         bool   `json:"ok"`
	Code       string `json:"code"`
	Message    string `json:"message,omitempty"`
}

// Adapter is the provider back-end contract. Implementations must emit only
// normalized events and honour context cancellation best-effort.
type Adapter interface {
	ID() string
	Probe(ctx context.Context, req ProbeRequest) ProbeResult
	RunTurn(ctx context.Context, req TurnRequest) error
}
