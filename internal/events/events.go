// Package events defines the normalized stream-event model shared by all
// provider adapters, plus the delta-merge primitives used to deliver
// incremental text safely to channels.
package events

import (
	"encoding/json"
	"time"
)

// Stream event types. Provider adapters must emit these and nothing else.
const (
	ResponseDelta     = "response.delta"
	ResponseCompleted = "response.completed"
	UsageUpdated      = "usage.updated"
	ToolCallStarted   = "tool.call.started"
	ToolCallCompleted = "tool.call.completed"
	ProviderError     = "provider.error"
)

// Event is the single normalized shape flowing from provider adapters to the
// turn executor and onward to channels. Payload shape is fixed per Type.
type Event struct {
	Type       string      `json:"type"`
	SessionID  string      `json:"sessionId"`
	ProviderID string      `json:"providerId"`
	Timestamp  time.Time   `json:"timestamp"`
	Payload    interface{} `json:"payload,omitempty"`
}

// DeltaPayload carries a partial text chunk. Chunks may be incremental,
// duplicated, or cumulative snapshots; the folder reconciles them.
type DeltaPayload struct {
	Text string `json:"text"`
}

// CompletedPayload closes a turn with the final assistant text.
type CompletedPayload struct {
	Text       string `json:"text"`
	StopReason string `json:"stopReason,omitempty"`
}

// UsagePayload reports token counts. Counts grow monotonically within a turn.
type UsagePayload struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// ToolCallPayload describes a tool invocation. Started events carry the
// serialized input; completed events add outcome and duration.
type ToolCallPayload struct {
	CallID     string          `json:"callId"`
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input,omitempty"`
	OK         *bool           `json:"ok,omitempty"`
	Code       string          `json:"code,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"durationMs,omitempty"`
}

// ErrorPayload terminates a turn with a provider-side failure.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// New builds an event stamped with the current time.
func New(eventType, sessionID, providerID string, payload interface{}) Event {
	return Event{
		Type:       eventType,
		SessionID:  sessionID,
		ProviderID: providerID,
		Timestamp:  time.Now().UTC(),
		Payload:    payload,
	}
}

// Delta returns the delta payload when the event is a response.delta.
func (e Event) Delta() (DeltaPayload, bool) {
	p, ok := e.Payload.(DeltaPayload)
	return p, ok && e.Type == ResponseDelta
}

// Completed returns the completion payload when the event is a response.completed.
func (e Event) Completed() (CompletedPayload, bool) {
	p, ok := e.Payload.(CompletedPayload)
	return p, ok && e.Type == ResponseCompleted
}

// Usage returns the usage payload when the event is a usage.updated.
func (e Event) Usage() (UsagePayload, bool) {
	p, ok := e.Payload.(UsagePayload)
	return p, ok && e.Type == UsageUpdated
}

// Err returns the error payload when the event is a provider.error.
func (e Event) Err() (ErrorPayload, bool) {
	p, ok := e.Payload.(ErrorPayload)
	return p, ok && e.Type == ProviderError
}

// ToolCall returns the tool payload for tool.call.started/completed events.
func (e Event) ToolCall() (ToolCallPayload, bool) {
	p, ok := e.Payload.(ToolCallPayload)
	return p, ok && (e.Type == ToolCallStarted || e.Type == ToolCallCompleted)
}
