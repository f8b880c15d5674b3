package channels

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"testing"

	"github.com/drostlabs/drost/pkg/control"
)

type fakeChannel struct {
	name         string
	connectErr   error
	connected    bool
	disconnected bool
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Connect(ctx context.Context, cc Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeChannel) Disconnect(ctx context.Context) error {
	f.disconnected = true
	return nil
}

func TestConnectAllCollectsDegradedReasons(t *testing.T) {
	var published []string
	notify := func(eventType string, attrs map[string]interface{}) {
		published = append(published, eventType)
	}
	m := NewManager(slog.Default(), notify)

	good := &fakeChannel{name: "telegram"}
	bad := &fakeChannel{name: "discord", connectErr: errors.New("invalid token")}
	m.Register(good)
	m.Register(bad)

	degraded := m.ConnectAll(context.Background(), Context{})
	if len(degraded) != 1 {
		t.Fatalf("got %d degraded reasons, want 1: %v", len(degraded), degraded)
	}
	if !strings.Contains(degraded[0], "discord") || !strings.Contains(degraded[0], "invalid token") {
		t.Errorf("degraded reason = %q, want channel name and cause", degraded[0])
	}
	if !good.connected {
		t.Error("good channel should still connect when a sibling fails")
	}
	if len(published) != 1 || published[0] != control.EventChannelConnected {
		t.Errorf("published = %v, want one %s", published, control.EventChannelConnected)
	}

	status := m.Status()
	tg := status["telegram"].(map[string]interface{})
	dc := status["discord"].(map[string]interface{})
	if tg["running"] != true || dc["running"] != false {
		t.Errorf("status = %v, want telegram running and discord down", status)
	}
}

func TestDisconnectAllSkipsNeverConnected(t *testing.T) {
	m := NewManager(slog.Default(), nil)
	good := &fakeChannel{name: "telegram"}
	bad := &fakeChannel{name: "discord", connectErr: errors.New("nope")}
	m.Register(good)
	m.Register(bad)
	m.ConnectAll(context.Background(), Context{})

	m.DisconnectAll(context.Background())
	if !good.disconnected {
		t.Error("connected channel should disconnect")
	}
	if bad.disconnected {
		t.Error("never-connected channel should not get a Disconnect call")
	}
}

func TestAllowed(t *testing.T) {
	tests := []struct {
		name     string
		allow    []string
		id       string
		username string
		want     bool
	}{
		{name: "empty list admits all", id: "42", want: true},
		{name: "id match", allow: []string{"42"}, id: "42", want: true},
		{name: "id mismatch", allow: []string{"42"}, id: "7", want: false},
		{name: "username match", allow: []string{"alice"}, id: "7", username: "alice", want: true},
		{name: "at-prefixed username", allow: []string{"@Alice"}, id: "7", username: "alice", want: true},
		{name: "username mismatch", allow: []string{"@alice"}, id: "7", username: "bob", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Allowed(tt.allow, tt.id, tt.username); got != tt.want {
				t.Errorf("Allowed(%v, %q, %q) = %v, want %v", tt.allow, tt.id, tt.username, got, tt.want)
			}
		})
	}
}

func TestSplitMessage(t *testing.T) {
	short := SplitMessage("hello", 10)
	if !reflect.DeepEqual(short, []string{"hello"}) {
		t.Fatalf("short = %v", short)
	}

	text := strings.Repeat("x", 8) + "\n" + strings.Repeat("y", 8)
	chunks := SplitMessage(text, 12)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2: %v", len(chunks), chunks)
	}
	if chunks[0] != strings.Repeat("x", 8)+"\n" {
		t.Errorf("first chunk = %q, want newline-aligned cut", chunks[0])
	}
	for i, chunk := range chunks {
		if len(chunk) > 12 {
			t.Errorf("chunk %d exceeds limit: %d chars", i, len(chunk))
		}
	}
}
