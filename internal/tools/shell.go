package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/drostlabs/drost/internal/config"
)

const (
	defaultShellTimeout = 60 * time.Second
	defaultShellBuffer  = 256 * 1024
)

// NewShellTool runs a command through a POSIX shell inside the workspace.
// It reports non-zero exits as data, not as errors; only spawn failures and
// policy rejections error.
func NewShellTool(shellCfg config.ShellConfig, policy config.ToolPolicyConfig) *Definition {
	timeout := defaultShellTimeout
	if shellCfg.TimeoutMs > 0 {
		timeout = time.Duration(shellCfg.TimeoutMs) * time.Millisecond
	}
	maxBuffer := defaultShellBuffer
	if shellCfg.MaxBufferBytes > 0 {
		maxBuffer = shellCfg.MaxBufferBytes
	}

	return &Definition{
		Name:        "shell",
		Description: "Run a shell command in the workspace. Returns exit code, stdout and stderr.",
		Parameters: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"command"},
			"properties": map[string]interface{}{
				"command": map[string]interface{}{"type": "string", "minLength": 1},
				"cwd":     map[string]interface{}{"type": "string"},
			},
		},
		Execute: func(ctx context.Context, input map[string]interface{}, tc *Context) (interface{}, error) {
			command, _ := input["command"].(string)
			if err := checkCommandPolicy(command, policy); err != nil {
				return nil, err
			}
			cwd := tc.WorkspaceDir
			if c, _ := input["cwd"].(string); c != "" {
				resolved, err := resolvePath(tc, c)
				if err != nil {
					return nil, err
				}
				cwd = resolved
			}
			return runShell(ctx, command, cwd, timeout, maxBuffer)
		},
	}
}

// checkCommandPolicy applies the allow/deny command-prefix lists. Deny wins;
// a non-empty allow list restricts to its prefixes.
func checkCommandPolicy(command string, policy config.ToolPolicyConfig) error {
	trimmed := strings.TrimSpace(command)
	for _, deny := range policy.DenyPrefixes {
		if strings.HasPrefix(trimmed, deny) {
			return fmt.Errorf("command prefix %q is denied by policy", deny)
		}
	}
	if len(policy.AllowPrefixes) == 0 {
		return nil
	}
	for _, allow := range policy.AllowPrefixes {
		if strings.HasPrefix(trimmed, allow) {
			return nil
		}
	}
	return fmt.Errorf("command is not in the allow list")
}

type shellResult struct {
	OK       bool   `json:"ok"`
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	TimedOut bool   `json:"timedOut,omitempty"`
}

func runShell(ctx context.Context, command, cwd string, timeout time.Duration, maxBuffer int) (interface{}, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "sh", "-c", command)
	cmd.Dir = cwd
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{buf: &stdout, max: maxBuffer}
	cmd.Stderr = &limitedWriter{buf: &stderr, max: maxBuffer}

	err := cmd.Run()
	result := shellResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	switch {
	case cctx.Err() == context.DeadlineExceeded:
		result.ExitCode = -1
		result.TimedOut = true
	case err == nil:
		result.OK = true
	default:
		if ee, ok := err.(*exec.ExitError); ok {
			result.ExitCode = ee.ExitCode()
		} else {
			return nil, fmt.Errorf("spawn: %w", err)
		}
	}
	return result, nil
}

// limitedWriter keeps the first max bytes and drops the rest.
type limitedWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	remaining := w.max - w.buf.Len()
	if remaining > 0 {
		if len(p) > remaining {
			w.buf.Write(p[:remaining])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}
