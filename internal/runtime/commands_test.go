package runtime

import (
	"context"
	"strings"
	"testing"
)

func TestDispatchCommandPassthrough(t *testing.T) {
	rt := testRuntime(t, testConfig(t))
	res := rt.DispatchCommand(context.Background(), CommandRequest{SessionID: "s1", Command: "hello there"})
	if res.Handled {
		t.Error("plain input reported as handled")
	}
}

func TestDispatchCommandUnknown(t *testing.T) {
	rt := testRuntime(t, testConfig(t))
	res := rt.DispatchCommand(context.Background(), CommandRequest{SessionID: "s1", Command: "/frobnicate"})
	if !res.Handled || res.OK {
		t.Errorf("unknown command = %+v, want handled not ok", res)
	}
	if !strings.Contains(res.Text, "/help") {
		t.Errorf("text = %q, want /help hint", res.Text)
	}
}

func TestDispatchProviderSwitch(t *testing.T) {
	rt := testRuntime(t, testConfig(t))
	if _, err := rt.EnsureSession("s1", EnsureOptions{}); err != nil {
		t.Fatal(err)
	}

	res := rt.DispatchCommand(context.Background(), CommandRequest{SessionID: "s1", Command: "/provider echo-2"})
	if !res.Handled || !res.OK {
		t.Fatalf("switch = %+v", res)
	}
	rec, _, _ := rt.store.Load("s1")
	if rec.PendingProviderID != "echo-2" {
		t.Errorf("pending = %q, want echo-2", rec.PendingProviderID)
	}

	res = rt.DispatchCommand(context.Background(), CommandRequest{SessionID: "s1", Command: "/provider bogus"})
	if res.OK {
		t.Error("switch to unknown provider reported ok")
	}
}

func TestDispatchProviderList(t *testing.T) {
	rt := testRuntime(t, testConfig(t))
	if _, err := rt.EnsureSession("s1", EnsureOptions{}); err != nil {
		t.Fatal(err)
	}
	res := rt.DispatchCommand(context.Background(), CommandRequest{SessionID: "s1", Command: "/provider"})
	if !res.OK || !strings.Contains(res.Text, "* echo-1") || !strings.Contains(res.Text, "echo-2") {
		t.Errorf("provider list = %+v", res)
	}
}

func TestDispatchNewCreatesSession(t *testing.T) {
	rt := testRuntime(t, testConfig(t))
	if _, err := rt.RunSessionTurn(context.Background(), TurnInput{SessionID: "s1", Input: "hi"}); err != nil {
		t.Fatal(err)
	}

	res := rt.DispatchCommand(context.Background(), CommandRequest{SessionID: "s1", Command: "/new fresh start"})
	if !res.OK || res.Action != ActionSwitchSession || res.SessionID == "" {
		t.Fatalf("new = %+v", res)
	}
	if !rt.store.Exists(res.SessionID) {
		t.Error("new session not persisted")
	}
}

func TestDispatchSessionsAndStatus(t *testing.T) {
	rt := testRuntime(t, testConfig(t))
	if _, err := rt.RunSessionTurn(context.Background(), TurnInput{SessionID: "s1", Input: "hi"}); err != nil {
		t.Fatal(err)
	}

	res := rt.DispatchCommand(context.Background(), CommandRequest{Command: "/sessions"})
	if !res.OK || !strings.Contains(res.Text, "s1") {
		t.Errorf("sessions = %+v", res)
	}

	res = rt.DispatchCommand(context.Background(), CommandRequest{SessionID: "s1", Command: "/status"})
	if !res.OK || !strings.Contains(res.Text, "session: s1") {
		t.Errorf("status = %+v", res)
	}
}

func TestDispatchRestartWithoutGateway(t *testing.T) {
	rt := testRuntime(t, testConfig(t))
	res := rt.DispatchCommand(context.Background(), CommandRequest{Command: "/restart"})
	if res.OK {
		t.Errorf("restart without gateway = %+v, want not ok", res)
	}
}
