package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const defaultManifestTimeout = 60 * time.Second

// manifest is one discovered tool: <name>.json in the tool directory. The
// command runs with the JSON input on stdin inside the workspace; stdout
// becomes the result.
type manifest struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Command     string                 `json:"command"`
	Args        []string               `json:"args,omitempty"`
	TimeoutMs   int                    `json:"timeoutMs,omitempty"`
}

// Discover loads tool manifests from dir. Unreadable or unparseable files
// come back as import_error diagnostics; structurally invalid manifests as
// invalid_shape. A missing directory is not an error.
func Discover(dir string) ([]*Definition, []Diagnostic) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []Diagnostic{{Code: DiagImportError, Message: fmt.Sprintf("read tool directory: %v", err)}}
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var defs []*Definition
	var diags []Diagnostic
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			diags = append(diags, Diagnostic{Code: DiagImportError, Name: name, Message: err.Error()})
			continue
		}
		var m manifest
		if err := json.Unmarshal(data, &m); err != nil {
			diags = append(diags, Diagnostic{Code: DiagImportError, Name: name, Message: fmt.Sprintf("parse manifest: %v", err)})
			continue
		}
		if m.Name == "" || m.Command == "" {
			diags = append(diags, Diagnostic{Code: DiagInvalidShape, Name: strings.TrimSuffix(name, ".json"), Message: "manifest requires name and command"})
			continue
		}
		defs = append(defs, manifestDefinition(m))
	}
	return defs, diags
}

func manifestDefinition(m manifest) *Definition {
	timeout := defaultManifestTimeout
	if m.TimeoutMs > 0 {
		timeout = time.Duration(m.TimeoutMs) * time.Millisecond
	}
	return &Definition{
		Name:        m.Name,
		Description: m.Description,
		Parameters:  m.Parameters,
		Execute: func(ctx context.Context, input map[string]interface{}, tc *Context) (interface{}, error) {
			stdin, err := json.Marshal(input)
			if err != nil {
				return nil, err
			}
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			cmd := exec.CommandContext(cctx, m.Command, m.Args...)
			cmd.Dir = tc.WorkspaceDir
			cmd.Stdin = bytes.NewReader(stdin)
			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr
			if err := cmd.Run(); err != nil {
				if cctx.Err() == context.DeadlineExceeded {
					return nil, fmt.Errorf("tool %q timed out after %s", m.Name, timeout)
				}
				return nil, fmt.Errorf("tool %q: %v: %s", m.Name, err, strings.TrimSpace(stderr.String()))
			}

			// JSON stdout passes through structured; anything else is text.
			out := bytes.TrimSpace(stdout.Bytes())
			var structured interface{}
			if len(out) > 0 && json.Unmarshal(out, &structured) == nil {
				return structured, nil
			}
			return map[string]interface{}{"output": string(out)}, nil
		},
	}
}
