package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/drostlabs/drost/internal/config"
)

func shellRegistry(t *testing.T, policy config.ToolPolicyConfig) (*Registry, *Context) {
	t.Helper()
	r := NewRegistry()
	r.RegisterBuiltIn(NewShellTool(config.ShellConfig{TimeoutMs: 5000, MaxBufferBytes: 1024}, policy))
	return r, &Context{WorkspaceDir: t.TempDir()}
}

func TestShellCapturesExit(t *testing.T) {
	r, tc := shellRegistry(t, config.ToolPolicyConfig{})

	out := r.Execute(context.Background(), "shell", json.RawMessage(`{"command":"echo hi; exit 3"}`), tc)
	if !out.OK {
		t.Fatalf("shell outcome not ok: %+v", out)
	}
	res := out.Result.(shellResult)
	if res.OK || res.ExitCode != 3 {
		t.Errorf("result = %+v, want exitCode 3", res)
	}
	if strings.TrimSpace(res.Stdout) != "hi" {
		t.Errorf("stdout = %q, want hi", res.Stdout)
	}
}

func TestShellZeroExit(t *testing.T) {
	r, tc := shellRegistry(t, config.ToolPolicyConfig{})
	out := r.Execute(context.Background(), "shell", json.RawMessage(`{"command":"true"}`), tc)
	res := out.Result.(shellResult)
	if !res.OK || res.ExitCode != 0 {
		t.Errorf("result = %+v, want ok exit 0", res)
	}
}

func TestShellDenyPrefixWins(t *testing.T) {
	r, tc := shellRegistry(t, config.ToolPolicyConfig{
		AllowPrefixes: []string{"rm"},
		DenyPrefixes:  []string{"rm -rf"},
	})
	out := r.Execute(context.Background(), "shell", json.RawMessage(`{"command":"rm -rf /"}`), tc)
	if out.OK || out.Code != CodeExecutionError {
		t.Errorf("denied command = %+v, want execution_error", out)
	}
}

func TestShellAllowListRestricts(t *testing.T) {
	r, tc := shellRegistry(t, config.ToolPolicyConfig{AllowPrefixes: []string{"echo"}})
	if out := r.Execute(context.Background(), "shell", json.RawMessage(`{"command":"echo ok"}`), tc); !out.OK {
		t.Errorf("allowed command rejected: %+v", out)
	}
	if out := r.Execute(context.Background(), "shell", json.RawMessage(`{"command":"ls"}`), tc); out.OK {
		t.Error("command outside allow list accepted")
	}
}

func TestShellBufferCap(t *testing.T) {
	r, tc := shellRegistry(t, config.ToolPolicyConfig{})
	out := r.Execute(context.Background(), "shell", json.RawMessage(`{"command":"yes x | head -c 4096"}`), tc)
	res := out.Result.(shellResult)
	if len(res.Stdout) > 1024 {
		t.Errorf("stdout length = %d, want <= 1024", len(res.Stdout))
	}
}
