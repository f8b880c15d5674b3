// Package control holds the wire types of the drost control API. The chat
// client and other external callers share these with the server.
package control

import "time"

// APIPrefix is the path prefix of every control endpoint.
const APIPrefix = "/control/v1"

// MaxBodyBytes caps control API request bodies.
const MaxBodyBytes = 512 * 1024

// StatusResponse answers GET /control/v1/status and the health endpoint.
type StatusResponse struct {
	OK              bool      `json:"ok"`
	State           string    `json:"state"` // stopped | running | degraded
	StartedAt       time.Time `json:"startedAt,omitempty"`
	UptimeSec       int64     `json:"uptimeSec"`
	DegradedReasons []string  `json:"degradedReasons,omitempty"`
	HealthURL       string    `json:"healthUrl,omitempty"`
}

// SessionSummary is one row of GET /control/v1/sessions.
type SessionSummary struct {
	SessionID        string    `json:"sessionId"`
	Title            string    `json:"title,omitempty"`
	ActiveProviderID string    `json:"activeProviderId"`
	CreatedAt        time.Time `json:"createdAt"`
	LastActivityAt   time.Time `json:"lastActivityAt"`
	Messages         int       `json:"messages"`
	SizeBytes        int64     `json:"sizeBytes"`
}

// ProviderStatus is one row of GET /control/v1/providers/status.
type ProviderStatus struct {
	ProviderID string `json:"providerId"`
	AdapterID  string `json:"adapterId"`
	Model      string `json:"model,omitempty"`
	OK         bool   `json:"ok"`
	Code       string `json:"code"`
	Message    string `json:"message,omitempty"`
}

// CreateSessionRequest opens a new session, optionally continuing another.
type CreateSessionRequest struct {
	Channel       string `json:"channel,omitempty"`
	Title         string `json:"title,omitempty"`
	FromSessionID string `json:"fromSessionId,omitempty"`
}

// CreateSessionResponse returns the minted id.
type CreateSessionResponse struct {
	SessionID string `json:"sessionId"`
}

// SwitchProviderRequest queues a provider switch for a session.
type SwitchProviderRequest struct {
	ProviderID string `json:"providerId"`
}

// ChatSendRequest runs one turn through POST /control/v1/chat/send.
type ChatSendRequest struct {
	SessionID     string `json:"sessionId"`
	Input         string `json:"input"`
	IncludeEvents bool   `json:"includeEvents,omitempty"`
}

// ChatSendResponse carries the turn result. Events is populated only when
// the request set includeEvents.
type ChatSendResponse struct {
	SessionID  string        `json:"sessionId"`
	ProviderID string        `json:"providerId"`
	Response   string        `json:"response"`
	Events     []StreamEvent `json:"events,omitempty"`
}

// StreamEvent mirrors one normalized stream event for API consumers.
type StreamEvent struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// RestartRequest asks the supervisor to restart the gateway.
type RestartRequest struct {
	Intent string `json:"intent,omitempty"` // manual | self_mod | config_change | signal
	Reason string `json:"reason,omitempty"`
	DryRun bool   `json:"dryRun,omitempty"`
}

// RestartResponse reports the policy decision.
type RestartResponse struct {
	OK     bool   `json:"ok"`
	Code   string `json:"code,omitempty"` // approval_required | approval_denied | budget_exceeded | git_checkpoint_failed
	Reason string `json:"reason,omitempty"`
	DryRun bool   `json:"dryRun,omitempty"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
