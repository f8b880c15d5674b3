// Package sessions is the durable per-session store: a JSON snapshot per
// session plus an append-only JSONL event log, guarded by a per-session
// advisory file lock.
//
// On-disk layout under the session directory (ids are urlencoded):
//
//	<id>.json        snapshot {sessionId, activeProviderId, pendingProviderId?,
//	                           history, metadata, revision, updatedAt}
//	<id>.jsonl       event log tail since the last snapshot, one record per line
//	<id>.full.jsonl  full event history, never truncated
//	<id>.lock        advisory lock holding "<pid>\n"
//	archive/         archived sessions, same layout
//
// A reader reconstructs the live record by replaying the log tail onto the
// snapshot. Log records carry the snapshot revision they extend, so a tail
// that predates the snapshot (crash between snapshot write and tail reset)
// replays as a no-op.
package sessions

import (
	"time"
)

// Roles recorded in history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one history entry. Images are persisted as media-store
// references, never inline.
type Message struct {
	Role      string   `json:"role"`
	Content   string   `json:"content"`
	ImageRefs []string `json:"imageRefs,omitempty"`
}

// Origin identifies the channel conversation a session was created for.
type Origin struct {
	Channel     string `json:"channel"`
	WorkspaceID string `json:"workspaceId,omitempty"`
	ChatID      string `json:"chatId,omitempty"`
	UserID      string `json:"userId,omitempty"`
	ThreadID    string `json:"threadId,omitempty"`
}

// Metadata travels with the record.
type Metadata struct {
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	Title          string    `json:"title,omitempty"`
	Origin         *Origin   `json:"origin,omitempty"`
}

// Record is the live session state. Revision counts snapshot writes and
// increases monotonically; UpdatedAt is set on every save.
type Record struct {
	SessionID         string    `json:"sessionId"`
	ActiveProviderID  string    `json:"activeProviderId"`
	PendingProviderID string    `json:"pendingProviderId,omitempty"`
	History           []Message `json:"history"`
	Metadata          Metadata  `json:"metadata"`
	Revision          int64     `json:"revision"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.History = make([]Message, len(r.History))
	copy(cp.History, r.History)
	for i := range cp.History {
		if len(r.History[i].ImageRefs) > 0 {
			cp.History[i].ImageRefs = append([]string(nil), r.History[i].ImageRefs...)
		}
	}
	if r.Metadata.Origin != nil {
		origin := *r.Metadata.Origin
		cp.Metadata.Origin = &origin
	}
	return &cp
}

// LastAssistantText returns the content of the most recent assistant message.
func (r *Record) LastAssistantText() string {
	for i := len(r.History) - 1; i >= 0; i-- {
		if r.History[i].Role == RoleAssistant {
			return r.History[i].Content
		}
	}
	return ""
}

// NewRecord builds an empty session with metadata stamped at now.
func NewRecord(sessionID, providerID string, now time.Time) *Record {
	return &Record{
		SessionID:        sessionID,
		ActiveProviderID: providerID,
		History:          []Message{},
		Metadata: Metadata{
			CreatedAt:      now,
			LastActivityAt: now,
		},
	}
}

// IndexEntry summarizes one stored session for listings.
type IndexEntry struct {
	SessionID        string    `json:"sessionId"`
	Title            string    `json:"title,omitempty"`
	ActiveProviderID string    `json:"activeProviderId"`
	CreatedAt        time.Time `json:"createdAt"`
	LastActivityAt   time.Time `json:"lastActivityAt"`
	Revision         int64     `json:"revision"`
	Messages         int       `json:"messages"`
	SizeBytes        int64     `json:"sizeBytes"`
}

// Diagnostic flags a recoverable defect observed while loading.
type Diagnostic struct {
	Code    string `json:"code"` // malformed_snapshot | truncated_log
	Message string `json:"message"`
}

// Diagnostic codes.
const (
	DiagMalformedSnapshot = "malformed_snapshot"
	DiagTruncatedLog      = "truncated_log"
)
