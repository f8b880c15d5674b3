package control

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drostlabs/drost/pkg/control"
)

// keepaliveInterval paces SSE comments and websocket pings so idle
// proxies do not reap the stream.
const keepaliveInterval = 15 * time.Second

// subscriberBuffer bounds the per-subscriber queue. The hub delivers
// synchronously, so a stalled consumer drops events rather than blocking
// every publisher.
const subscriberBuffer = 64

// handleEventsSSE streams the retained event ring followed by live
// events as server-sent events.
func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	events := make(chan control.RuntimeEvent, subscriberBuffer)
	cancel := s.gw.SubscribeEvents(func(ev control.RuntimeEvent) {
		select {
		case events <- ev:
		default:
		}
	})
	defer cancel()

	for _, ev := range s.gw.EventsSnapshot() {
		writeSSE(w, ev)
	}
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			writeSSE(w, ev)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev control.RuntimeEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The bearer token is the trust boundary; browser origins are not.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEventsWS streams the same feed over a websocket for clients that
// cannot consume SSE.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("control.events.ws_upgrade_failed", "error", err)
		return
	}
	defer conn.Close()

	events := make(chan control.RuntimeEvent, subscriberBuffer)
	cancel := s.gw.SubscribeEvents(func(ev control.RuntimeEvent) {
		select {
		case events <- ev:
		default:
		}
	})
	defer cancel()

	// Drain client frames so close handshakes are noticed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, ev := range s.gw.EventsSnapshot() {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev := <-events:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-keepalive.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
