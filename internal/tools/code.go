package tools

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const codeToolTimeout = 30 * time.Second

// NewCodeTools returns the code.* built-ins. They shell out to ripgrep
// (grep fallback) and git inside the workspace; code.patch verifies the
// expected git head before applying.
func NewCodeTools() []*Definition {
	return []*Definition{
		newCodeSearchTool(),
		newCodeReadContextTool(),
		newCodeStatusTool(),
		newCodeDiffTool(),
		newCodePatchTool(),
	}
}

func newCodeSearchTool() *Definition {
	return &Definition{
		Name:        "code.search",
		Description: "Search the workspace with ripgrep (grep fallback).",
		Parameters: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"query"},
			"properties": map[string]interface{}{
				"query":      map[string]interface{}{"type": "string", "minLength": 1},
				"path":       map[string]interface{}{"type": "string"},
				"maxResults": map[string]interface{}{"type": "integer", "minimum": 1},
			},
		},
		Execute: func(ctx context.Context, input map[string]interface{}, tc *Context) (interface{}, error) {
			query, _ := input["query"].(string)
			searchPath := tc.WorkspaceDir
			if p, _ := input["path"].(string); p != "" {
				resolved, err := resolvePath(tc, p)
				if err != nil {
					return nil, err
				}
				searchPath = resolved
			}
			maxResults := intArg(input, "maxResults", 50)

			var out []byte
			var err error
			if _, lookErr := exec.LookPath("rg"); lookErr == nil {
				out, err = runCodeCommand(ctx, tc.WorkspaceDir, "rg", "--line-number", "--no-heading", "--max-count", strconv.Itoa(maxResults), query, searchPath)
			} else {
				out, err = runCodeCommand(ctx, tc.WorkspaceDir, "grep", "-rn", query, searchPath)
			}
			if err != nil {
				// exit 1 means no matches for both tools
				if ee, ok := err.(*exec.ExitError); ok && ee.ExitCode() == 1 {
					return map[string]interface{}{"query": query, "matches": []string{}, "truncated": false}, nil
				}
				return nil, err
			}
			matches, truncated := splitLines(out, maxResults)
			return map[string]interface{}{"query": query, "matches": matches, "truncated": truncated}, nil
		},
	}
}

func newCodeReadContextTool() *Definition {
	return &Definition{
		Name:        "code.read_context",
		Description: "Read a file region around a line.",
		Parameters: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"path", "line"},
			"properties": map[string]interface{}{
				"path":   map[string]interface{}{"type": "string"},
				"line":   map[string]interface{}{"type": "integer", "minimum": 1},
				"before": map[string]interface{}{"type": "integer", "minimum": 0},
				"after":  map[string]interface{}{"type": "integer", "minimum": 0},
			},
		},
		Execute: func(_ context.Context, input map[string]interface{}, tc *Context) (interface{}, error) {
			path, _ := input["path"].(string)
			resolved, err := resolvePath(tc, path)
			if err != nil {
				return nil, err
			}
			line := intArg(input, "line", 1)
			before := intArg(input, "before", 10)
			after := intArg(input, "after", 10)

			f, err := os.Open(resolved)
			if err != nil {
				return nil, err
			}
			defer f.Close()

			start := line - before
			if start < 1 {
				start = 1
			}
			end := line + after
			var lines []string
			scanner := bufio.NewScanner(f)
			scanner.Buffer(make([]byte, 64*1024), 1024*1024)
			n := 0
			for scanner.Scan() {
				n++
				if n < start {
					continue
				}
				if n > end {
					break
				}
				lines = append(lines, fmt.Sprintf("%d\t%s", n, scanner.Text()))
			}
			if err := scanner.Err(); err != nil {
				return nil, err
			}
			return map[string]interface{}{"path": path, "startLine": start, "lines": lines}, nil
		},
	}
}

func newCodeStatusTool() *Definition {
	return &Definition{
		Name:        "code.status",
		Description: "Report git status and head of the workspace.",
		Execute: func(ctx context.Context, _ map[string]interface{}, tc *Context) (interface{}, error) {
			head, err := gitHead(ctx, tc.WorkspaceDir)
			if err != nil {
				return nil, err
			}
			out, err := runCodeCommand(ctx, tc.WorkspaceDir, "git", "status", "--porcelain")
			if err != nil {
				return nil, fmt.Errorf("git status: %w", err)
			}
			changes, _ := splitLines(out, 200)
			return map[string]interface{}{"gitHead": head, "changes": changes, "clean": len(changes) == 0}, nil
		},
	}
}

func newCodeDiffTool() *Definition {
	return &Definition{
		Name:        "code.diff",
		Description: "Show the uncommitted git diff, optionally scoped to a path.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path": map[string]interface{}{"type": "string"},
			},
		},
		Execute: func(ctx context.Context, input map[string]interface{}, tc *Context) (interface{}, error) {
			args := []string{"diff"}
			if p, _ := input["path"].(string); p != "" {
				resolved, err := resolvePath(tc, p)
				if err != nil {
					return nil, err
				}
				args = append(args, "--", resolved)
			}
			out, err := runCodeCommand(ctx, tc.WorkspaceDir, "git", args...)
			if err != nil {
				return nil, fmt.Errorf("git diff: %w", err)
			}
			return map[string]interface{}{"diff": string(out)}, nil
		},
	}
}

func newCodePatchTool() *Definition {
	return &Definition{
		Name:        "code.patch",
		Description: "Apply a unified diff to the workspace. Verifies expectedBase.git_head first; supports dryRun.",
		Parameters: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"patch"},
			"properties": map[string]interface{}{
				"patch": map[string]interface{}{"type": "string", "minLength": 1},
				"expectedBase": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"git_head": map[string]interface{}{"type": "string"},
					},
				},
				"dryRun": map[string]interface{}{"type": "boolean"},
			},
		},
		Execute: func(ctx context.Context, input map[string]interface{}, tc *Context) (interface{}, error) {
			patch, _ := input["patch"].(string)
			dryRun := boolArg(input, "dryRun")

			if base, ok := input["expectedBase"].(map[string]interface{}); ok {
				if want, _ := base["git_head"].(string); want != "" {
					head, err := gitHead(ctx, tc.WorkspaceDir)
					if err != nil {
						return nil, err
					}
					if !strings.HasPrefix(head, want) {
						return nil, fmt.Errorf("workspace head %s does not match expected base %s", head, want)
					}
				}
			}

			args := []string{"apply", "--whitespace=nowarn"}
			if dryRun {
				args = append(args, "--check")
			}
			cmd := exec.CommandContext(ctx, "git", args...)
			cmd.Dir = tc.WorkspaceDir
			cmd.Stdin = strings.NewReader(patch)
			var stderr bytes.Buffer
			cmd.Stderr = &stderr
			if err := cmd.Run(); err != nil {
				return nil, fmt.Errorf("git apply: %s", strings.TrimSpace(stderr.String()))
			}
			return map[string]interface{}{"applied": !dryRun, "dryRun": dryRun}, nil
		},
	}
}

func gitHead(ctx context.Context, dir string) (string, error) {
	out, err := runCodeCommand(ctx, dir, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func runCodeCommand(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, codeToolTimeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, name, args...)
	cmd.Dir = dir
	return cmd.Output()
}

func splitLines(out []byte, limit int) ([]string, bool) {
	var lines []string
	truncated := false
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if line == "" {
			continue
		}
		if len(lines) >= limit {
			truncated = true
			break
		}
		lines = append(lines, line)
	}
	return lines, truncated
}
