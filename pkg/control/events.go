package control

import "time"

// Runtime event types broadcast by the supervisor. The control API event
// stream, the on-disk observability sink, and in-process subscribers all see
// the same records.
const (
	EventGatewayStarted     = "gateway.started"
	EventGatewayStopped     = "gateway.stopped"
	EventGatewayDegraded    = "gateway.degraded"
	EventRestartRequested   = "gateway.restart.requested"
	EventRestartBlocked     = "gateway.restart.blocked"
	EventRestartExecuting   = "gateway.restart.executing"
	EventConfigReloaded     = "gateway.config.reloaded"
	EventChannelConnected   = "channel.connected"
	EventChannelDisconnect  = "channel.disconnected"
	EventLaneAdmitted       = "lane.turn.admitted"
	EventLaneStarted        = "lane.turn.started"
	EventLaneCompleted      = "lane.turn.completed"
	EventLaneDropped        = "lane.turn.dropped"
	EventSessionTurn        = "session.turn"
	EventEvolutionStarted   = "evolution.started"
	EventEvolutionCommitted = "evolution.committed"
	EventEvolutionAborted   = "evolution.aborted"
	EventEvolutionFailed    = "evolution.failed"
)

// RuntimeEvent is one operator-visible occurrence inside the gateway.
type RuntimeEvent struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Attrs     map[string]interface{} `json:"attrs,omitempty"`
}
