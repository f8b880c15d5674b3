// Package agent holds the agent definition: the system prompt assembled at
// startup plus host-provided lifecycle and turn hooks.
package agent

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/drostlabs/drost/internal/config"
)

// ContextFile is one loaded context file injected into the system prompt.
type ContextFile struct {
	Path    string
	Content string
}

// Hooks are optional callbacks around the gateway and turn lifecycle.
// BeforeTurn may rewrite the input; AfterTurn failures degrade the gateway
// but never fail the turn.
type Hooks struct {
	BeforeTurn func(ctx context.Context, sessionID, input string) (string, error)
	AfterTurn  func(ctx context.Context, sessionID, response string) error
	OnStart    func(ctx context.Context) error
	OnStop     func(ctx context.Context) error
}

// Definition is the agent loaded at supervisor start. Immutable for the
// life of a supervisor generation; changing it requires a restart.
type Definition struct {
	ID           string
	SystemPrompt string
	ContextFiles []ContextFile
	Hooks        Hooks
}

// Load builds the definition from config. Context file paths resolve
// relative to the workspace; a missing or unreadable file is logged and
// skipped, never fatal.
func Load(cfg config.AgentConfig, workspaceDir string, hooks Hooks, logger *slog.Logger) *Definition {
	def := &Definition{
		ID:           cfg.ID,
		SystemPrompt: cfg.SystemPrompt,
		Hooks:        hooks,
	}
	if def.ID == "" {
		def.ID = "default"
	}
	for _, p := range cfg.ContextFiles {
		path := p
		if !filepath.IsAbs(path) {
			path = filepath.Join(workspaceDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("agent.context_file.skipped", "path", p, "error", err)
			continue
		}
		def.ContextFiles = append(def.ContextFiles, ContextFile{Path: p, Content: string(data)})
	}
	return def
}

// Prompt assembles the full system prompt: the configured prompt followed
// by each context file under a path header.
func (d *Definition) Prompt() string {
	parts := make([]string, 0, 1+len(d.ContextFiles))
	if d.SystemPrompt != "" {
		parts = append(parts, d.SystemPrompt)
	}
	for _, f := range d.ContextFiles {
		parts = append(parts, "## "+f.Path+"\n\n"+strings.TrimRight(f.Content, "\n"))
	}
	return strings.Join(parts, "\n\n")
}

// BeforeTurn applies the hook when present, returning the possibly
// rewritten input.
func (d *Definition) BeforeTurn(ctx context.Context, sessionID, input string) (string, error) {
	if d.Hooks.BeforeTurn == nil {
		return input, nil
	}
	return d.Hooks.BeforeTurn(ctx, sessionID, input)
}

// AfterTurn applies the hook when present.
func (d *Definition) AfterTurn(ctx context.Context, sessionID, response string) error {
	if d.Hooks.AfterTurn == nil {
		return nil
	}
	return d.Hooks.AfterTurn(ctx, sessionID, response)
}

// OnStart applies the hook when present.
func (d *Definition) OnStart(ctx context.Context) error {
	if d.Hooks.OnStart == nil {
		return nil
	}
	return d.Hooks.OnStart(ctx)
}

// OnStop applies the hook when present.
func (d *Definition) OnStop(ctx context.Context) error {
	if d.Hooks.OnStop == nil {
		return nil
	}
	return d.Hooks.OnStop(ctx)
}
