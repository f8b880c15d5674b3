package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/drostlabs/drost/internal/config"
	"github.com/drostlabs/drost/internal/sessions"
	"github.com/drostlabs/drost/pkg/control"
)

type fakeGateway struct {
	restartReq control.RestartRequest
	switched   map[string]string
}

func (f *fakeGateway) Status() control.StatusResponse {
	return control.StatusResponse{OK: true, State: "running", UptimeSec: 7}
}

func (f *fakeGateway) Sessions(limit int) ([]control.SessionSummary, error) {
	rows := []control.SessionSummary{
		{SessionID: "s-1", ActiveProviderID: "echo-1"},
		{SessionID: "s-2", ActiveProviderID: "echo-1"},
	}
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows, nil
}

func (f *fakeGateway) SessionRecord(id string) (*sessions.Record, error) {
	if id != "s-1" {
		return nil, &sessions.StoreError{Code: sessions.CodeNotFound, Session: id}
	}
	return sessions.NewRecord("s-1", "echo-1", time.Now()), nil
}

func (f *fakeGateway) ProvidersStatus() []control.ProviderStatus {
	return []control.ProviderStatus{{ProviderID: "echo-1", AdapterID: "echo", OK: true, Code: "ok"}}
}

func (f *fakeGateway) CreateSession(req control.CreateSessionRequest) (control.CreateSessionResponse, error) {
	return control.CreateSessionResponse{SessionID: "minted-1"}, nil
}

func (f *fakeGateway) SwitchProvider(sessionID, providerID string) error {
	if f.switched == nil {
		f.switched = map[string]string{}
	}
	f.switched[sessionID] = providerID
	return nil
}

func (f *fakeGateway) ChatSend(ctx context.Context, req control.ChatSendRequest) (control.ChatSendResponse, error) {
	return control.ChatSendResponse{SessionID: req.SessionID, ProviderID: "echo-1", Response: "echo: " + req.Input}, nil
}

func (f *fakeGateway) RequestRestart(ctx context.Context, req control.RestartRequest) control.RestartResponse {
	f.restartReq = req
	return control.RestartResponse{OK: false, Code: "budget_exceeded", DryRun: req.DryRun}
}

func (f *fakeGateway) EventsSnapshot() []control.RuntimeEvent {
	return []control.RuntimeEvent{{ID: "e-1", Type: "gateway.started", Timestamp: time.Now().UTC()}}
}

func (f *fakeGateway) SubscribeEvents(fn func(control.RuntimeEvent)) func() {
	return func() {}
}

func newTestServer(t *testing.T, cfg config.ControlAPIConfig) (*Server, *fakeGateway, *httptest.Server) {
	t.Helper()
	gw := &fakeGateway{}
	s := NewServer(cfg, gw, slog.Default())
	ts := httptest.NewServer(s.BuildMux())
	t.Cleanup(ts.Close)
	return s, gw, ts
}

func get(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	return resp
}

func post(t *testing.T, url, token string, body interface{}) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func TestAuthRoles(t *testing.T) {
	cfg := config.ControlAPIConfig{Enabled: true, AuthToken: "full-token", ReadOnlyToken: "ro-token"}
	_, _, ts := newTestServer(t, cfg)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{name: "no token rejected", method: "GET", path: "/control/v1/status", token: "", want: http.StatusUnauthorized},
		{name: "wrong token rejected", method: "GET", path: "/control/v1/status", token: "nope", want: http.StatusUnauthorized},
		{name: "readonly token reads", method: "GET", path: "/control/v1/status", token: "ro-token", want: http.StatusOK},
		{name: "readonly token cannot mutate", method: "POST", path: "/control/v1/sessions", token: "ro-token", want: http.StatusForbidden},
		{name: "full token reads", method: "GET", path: "/control/v1/providers/status", token: "full-token", want: http.StatusOK},
		{name: "full token mutates", method: "POST", path: "/control/v1/sessions", token: "full-token", want: http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp *http.Response
			if tt.method == "GET" {
				resp = get(t, ts.URL+tt.path, tt.token)
			} else {
				resp = post(t, ts.URL+tt.path, tt.token, control.CreateSessionRequest{})
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("%s %s: status = %d, want %d", tt.method, tt.path, resp.StatusCode, tt.want)
			}
		})
	}
}

func TestLoopbackExemption(t *testing.T) {
	cfg := config.ControlAPIConfig{Enabled: true, AuthToken: "secret", AllowLoopbackUnauthenticated: true}
	_, _, ts := newTestServer(t, cfg)

	// httptest serves on 127.0.0.1, so the unauthenticated call is loopback.
	resp := get(t, ts.URL+"/control/v1/status", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("loopback status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestSessionsLimitAndNotFound(t *testing.T) {
	_, _, ts := newTestServer(t, config.ControlAPIConfig{Enabled: true})

	resp := get(t, ts.URL+"/control/v1/sessions?limit=1", "")
	defer resp.Body.Close()
	var body struct {
		Sessions []control.SessionSummary `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Sessions) != 1 {
		t.Errorf("got %d sessions, want 1", len(body.Sessions))
	}

	missing := get(t, ts.URL+"/control/v1/sessions/nope", "")
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("missing session status = %d, want %d", missing.StatusCode, http.StatusNotFound)
	}
}

func TestChatSendValidation(t *testing.T) {
	_, _, ts := newTestServer(t, config.ControlAPIConfig{Enabled: true})

	resp := post(t, ts.URL+"/control/v1/chat/send", "", control.ChatSendRequest{SessionID: "s-1"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing input status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}

	ok := post(t, ts.URL+"/control/v1/chat/send", "", control.ChatSendRequest{SessionID: "s-1", Input: "ping"})
	defer ok.Body.Close()
	var out control.ChatSendResponse
	if err := json.NewDecoder(ok.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got, want := out.Response, "echo: ping"; got != want {
		t.Errorf("response = %q, want %q", got, want)
	}
}

func TestRestartBlockedMapsToConflict(t *testing.T) {
	_, gw, ts := newTestServer(t, config.ControlAPIConfig{Enabled: true})

	resp := post(t, ts.URL+"/control/v1/runtime/restart", "", control.RestartRequest{Intent: "manual", DryRun: true})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}
	var out control.RestartResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.OK || out.Code != "budget_exceeded" || !out.DryRun {
		t.Errorf("restart response = %+v, want blocked budget_exceeded dry-run", out)
	}
	if gw.restartReq.Intent != "manual" {
		t.Errorf("gateway saw intent %q, want manual", gw.restartReq.Intent)
	}
}

func TestMutationRateLimit(t *testing.T) {
	cfg := config.ControlAPIConfig{Enabled: true, AuthToken: "full-token", MutationRateLimitPerMin: 2}
	_, _, ts := newTestServer(t, cfg)

	var last int
	for i := 0; i < 3; i++ {
		resp := post(t, ts.URL+"/control/v1/sessions", "full-token", control.CreateSessionRequest{Title: fmt.Sprintf("t%d", i)})
		last = resp.StatusCode
		resp.Body.Close()
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("third mutation status = %d, want %d", last, http.StatusTooManyRequests)
	}
}

func TestHealthEndpoint(t *testing.T) {
	degraded := false
	status := func() control.StatusResponse {
		if degraded {
			return control.StatusResponse{OK: false, State: "degraded", DegradedReasons: []string{"channel telegram down"}}
		}
		return control.StatusResponse{OK: true, State: "running"}
	}
	h := NewHealthServer(config.HealthConfig{Enabled: true, Path: "/healthz"}, status, slog.Default())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handle)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	resp := get(t, ts.URL+"/healthz", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("running status = %d, want 200", resp.StatusCode)
	}

	degraded = true
	resp = get(t, ts.URL+"/healthz", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("degraded status = %d, want 503", resp.StatusCode)
	}
	var st control.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.State != "degraded" || len(st.DegradedReasons) != 1 {
		t.Errorf("degraded body = %+v", st)
	}

	other := get(t, ts.URL+"/other", "")
	other.Body.Close()
	if other.StatusCode != http.StatusNotFound {
		t.Errorf("other path status = %d, want 404", other.StatusCode)
	}
}
