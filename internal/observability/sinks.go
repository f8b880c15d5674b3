// Package observability appends operator-facing JSONL records and exports
// optional OTLP spans for turns and tool calls.
package observability

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drostlabs/drost/pkg/control"
)

// ToolTrace is one tool invocation record.
type ToolTrace struct {
	Timestamp   time.Time `json:"timestamp"`
	SessionID   string    `json:"sessionId"`
	ProviderID  string    `json:"providerId,omitempty"`
	Tool        string    `json:"tool"`
	OK          bool      `json:"ok"`
	Code        string    `json:"code,omitempty"`
	DurationMs  int64     `json:"durationMs"`
	InputBytes  int       `json:"inputBytes"`
	OutputBytes int       `json:"outputBytes"`
}

// UsageEvent is one token usage record.
type UsageEvent struct {
	Timestamp        time.Time `json:"timestamp"`
	SessionID        string    `json:"sessionId"`
	ProviderID       string    `json:"providerId"`
	PromptTokens     int       `json:"promptTokens"`
	CompletionTokens int       `json:"completionTokens"`
	TotalTokens      int       `json:"totalTokens"`
}

// Sinks owns the JSONL files under <dataDir>/observability. A nil *Sinks is
// a valid no-op, so callers never guard. The enabled flag can flip at
// runtime through a config reload.
type Sinks struct {
	dir     string
	enabled atomic.Bool

	mu sync.Mutex
}

// NewSinks roots the sinks at <dataDir>/observability.
func NewSinks(dataDir string, enabled bool) (*Sinks, error) {
	dir := filepath.Join(dataDir, "observability")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("observability dir: %w", err)
	}
	s := &Sinks{dir: dir}
	s.enabled.Store(enabled)
	return s, nil
}

// SetEnabled toggles all JSONL appends.
func (s *Sinks) SetEnabled(enabled bool) {
	if s == nil {
		return
	}
	s.enabled.Store(enabled)
}

// RuntimeEvent appends to runtime-events.jsonl. Synchronous: the runtime
// event hub calls this inline so the record hits disk before broadcast
// returns.
func (s *Sinks) RuntimeEvent(ev control.RuntimeEvent) {
	s.append("runtime-events.jsonl", ev)
}

// ToolTrace appends to tool-traces.jsonl.
func (s *Sinks) ToolTrace(t ToolTrace) {
	s.append("tool-traces.jsonl", t)
}

// Usage appends to usage-events.jsonl.
func (s *Sinks) Usage(u UsageEvent) {
	s.append("usage-events.jsonl", u)
}

func (s *Sinks) append(name string, v interface{}) {
	if s == nil || !s.enabled.Load() {
		return
	}
	line, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	f.Write(append(line, '\n'))
}
