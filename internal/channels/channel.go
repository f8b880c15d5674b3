// Package channels is the adapter layer between external chat platforms
// and the gateway runtime. Each adapter maps platform messages onto the
// deterministic channel identity, forwards slash commands to the command
// dispatcher, and renders streamed responses the way its platform allows.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/drostlabs/drost/internal/events"
	"github.com/drostlabs/drost/internal/lanes"
	"github.com/drostlabs/drost/internal/media"
	"github.com/drostlabs/drost/internal/runtime"
	"github.com/drostlabs/drost/pkg/control"
)

// Gateway is the slice of the runtime channels drive.
type Gateway interface {
	RunChannelTurn(ctx context.Context, identity runtime.Identity, input string, imageRefs []string, onEvent func(events.Event)) (lanes.Result, error)
	DispatchCommand(ctx context.Context, req runtime.CommandRequest) runtime.CommandResult
}

// Context carries the shared runtime surfaces into every adapter.
type Context struct {
	Gateway Gateway
	Media   *media.Store
	Logger  *slog.Logger
}

// Channel is one platform adapter. Connect must return once the adapter
// is receiving; message handling runs in adapter-owned goroutines.
type Channel interface {
	Name() string
	Connect(ctx context.Context, cc Context) error
	Disconnect(ctx context.Context) error
}

// Manager owns adapter lifecycles and reports per-channel state.
type Manager struct {
	logger *slog.Logger
	notify func(eventType string, attrs map[string]interface{})

	mu       sync.RWMutex
	channels []Channel
	running  map[string]bool
}

// NewManager builds an empty manager. notify may be nil.
func NewManager(logger *slog.Logger, notify func(eventType string, attrs map[string]interface{})) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if notify == nil {
		notify = func(string, map[string]interface{}) {}
	}
	return &Manager{logger: logger, notify: notify, running: map[string]bool{}}
}

// Register adds an adapter. Call before ConnectAll.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
}

// ConnectAll connects every registered adapter. A failing adapter does
// not stop the others; its failure comes back as a degraded reason.
func (m *Manager) ConnectAll(ctx context.Context, cc Context) []string {
	m.mu.Lock()
	chs := append([]Channel(nil), m.channels...)
	m.mu.Unlock()

	var degraded []string
	for _, ch := range chs {
		if err := ch.Connect(ctx, cc); err != nil {
			m.logger.Error("channel.connect_failed", "channel", ch.Name(), "error", err)
			degraded = append(degraded, fmt.Sprintf("channel %s: %v", ch.Name(), err))
			continue
		}
		m.mu.Lock()
		m.running[ch.Name()] = true
		m.mu.Unlock()
		m.logger.Info("channel.connected", "channel", ch.Name())
		m.notify(control.EventChannelConnected, map[string]interface{}{"channel": ch.Name()})
	}
	return degraded
}

// DisconnectAll stops every connected adapter.
func (m *Manager) DisconnectAll(ctx context.Context) {
	m.mu.Lock()
	chs := append([]Channel(nil), m.channels...)
	m.mu.Unlock()

	for _, ch := range chs {
		m.mu.Lock()
		wasRunning := m.running[ch.Name()]
		m.running[ch.Name()] = false
		m.mu.Unlock()
		if !wasRunning {
			continue
		}
		if err := ch.Disconnect(ctx); err != nil {
			m.logger.Warn("channel.disconnect_failed", "channel", ch.Name(), "error", err)
		}
		m.notify(control.EventChannelDisconnect, map[string]interface{}{"channel": ch.Name()})
	}
}

// Status reports per-channel running state.
func (m *Manager) Status() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[string]interface{}{}
	for _, ch := range m.channels {
		out[ch.Name()] = map[string]interface{}{"running": m.running[ch.Name()]}
	}
	return out
}

// Allowed checks a sender against an allow list. The list may hold
// numeric ids or usernames with an optional leading "@"; an empty list
// admits everyone.
func Allowed(allow []string, id, username string) bool {
	if len(allow) == 0 {
		return true
	}
	for _, entry := range allow {
		trimmed := strings.TrimPrefix(entry, "@")
		if entry == id || trimmed == id {
			return true
		}
		if username != "" && strings.EqualFold(trimmed, username) {
			return true
		}
	}
	return false
}

// Truncate shortens a string for log previews.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// SplitMessage breaks text into platform-sized chunks, preferring to cut
// at a newline past the halfway point.
func SplitMessage(text string, maxLen int) []string {
	var out []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			out = append(out, text)
			break
		}
		cutAt := maxLen
		if idx := strings.LastIndexByte(text[:maxLen], '\n'); idx > maxLen/2 {
			cutAt = idx + 1
		}
		out = append(out, text[:cutAt])
		text = text[cutAt:]
	}
	return out
}
