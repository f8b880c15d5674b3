package agent

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/drostlabs/drost/internal/config"
)

func TestLoadAssemblesPrompt(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "SOUL.md"), []byte("Be kind.\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	def := Load(config.AgentConfig{
		ID:           "helper",
		SystemPrompt: "You are a helper.",
		ContextFiles: []string{"SOUL.md", "missing.md"},
	}, ws, Hooks{}, slog.Default())

	if len(def.ContextFiles) != 1 {
		t.Fatalf("context files = %d, want 1 (missing file skipped)", len(def.ContextFiles))
	}
	want := "You are a helper.\n\n## SOUL.md\n\nBe kind."
	if got := def.Prompt(); got != want {
		t.Errorf("Prompt() = %q, want %q", got, want)
	}
}

func TestLoadDefaultsID(t *testing.T) {
	def := Load(config.AgentConfig{}, t.TempDir(), Hooks{}, slog.Default())
	if def.ID != "default" {
		t.Errorf("ID = %q, want default", def.ID)
	}
}

func TestHooksAreOptional(t *testing.T) {
	def := Load(config.AgentConfig{}, t.TempDir(), Hooks{}, slog.Default())
	ctx := context.Background()

	in, err := def.BeforeTurn(ctx, "s1", "hi")
	if err != nil || in != "hi" {
		t.Errorf("BeforeTurn = %q, %v, want passthrough", in, err)
	}
	if err := def.AfterTurn(ctx, "s1", "resp"); err != nil {
		t.Errorf("AfterTurn = %v", err)
	}
	if err := def.OnStart(ctx); err != nil {
		t.Errorf("OnStart = %v", err)
	}
	if err := def.OnStop(ctx); err != nil {
		t.Errorf("OnStop = %v", err)
	}
}

func TestBeforeTurnRewritesInput(t *testing.T) {
	def := Load(config.AgentConfig{}, t.TempDir(), Hooks{
		BeforeTurn: func(ctx context.Context, sessionID, input string) (string, error) {
			return "[" + sessionID + "] " + input, nil
		},
	}, slog.Default())

	got, err := def.BeforeTurn(context.Background(), "s1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if got != "[s1] hello" {
		t.Errorf("rewritten input = %q", got)
	}
}
