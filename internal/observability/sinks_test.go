package observability

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/drostlabs/drost/pkg/control"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

func TestSinksAppendJSONL(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSinks(dir, true)
	if err != nil {
		t.Fatal(err)
	}

	s.RuntimeEvent(control.RuntimeEvent{ID: "e1", Type: control.EventGatewayStarted, Timestamp: time.Now().UTC()})
	s.ToolTrace(ToolTrace{Timestamp: time.Now().UTC(), SessionID: "s1", Tool: "file", OK: true, DurationMs: 12})
	s.Usage(UsageEvent{Timestamp: time.Now().UTC(), SessionID: "s1", ProviderID: "echo", PromptTokens: 3, CompletionTokens: 5, TotalTokens: 8})
	s.ToolTrace(ToolTrace{Timestamp: time.Now().UTC(), SessionID: "s1", Tool: "shell", OK: false, Code: "execution_error"})

	traces := readLines(t, filepath.Join(dir, "observability", "tool-traces.jsonl"))
	if len(traces) != 2 {
		t.Fatalf("tool traces = %d lines, want 2", len(traces))
	}
	var tr ToolTrace
	if err := json.Unmarshal([]byte(traces[1]), &tr); err != nil {
		t.Fatal(err)
	}
	if tr.Tool != "shell" || tr.OK || tr.Code != "execution_error" {
		t.Errorf("trace = %+v", tr)
	}

	usage := readLines(t, filepath.Join(dir, "observability", "usage-events.jsonl"))
	if len(usage) != 1 {
		t.Fatalf("usage = %d lines, want 1", len(usage))
	}
	var u UsageEvent
	if err := json.Unmarshal([]byte(usage[0]), &u); err != nil {
		t.Fatal(err)
	}
	if u.TotalTokens != 8 {
		t.Errorf("totalTokens = %d, want 8", u.TotalTokens)
	}

	if got := readLines(t, filepath.Join(dir, "observability", "runtime-events.jsonl")); len(got) != 1 {
		t.Errorf("runtime events = %d lines, want 1", len(got))
	}
}

func TestNilSinksAreNoOps(t *testing.T) {
	var s *Sinks
	s.RuntimeEvent(control.RuntimeEvent{})
	s.ToolTrace(ToolTrace{})
	s.Usage(UsageEvent{})
	s.SetEnabled(true)
}

func TestDisabledSinksWriteNothing(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSinks(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	s.Usage(UsageEvent{Timestamp: time.Now().UTC(), SessionID: "s1"})
	if _, err := os.Stat(filepath.Join(dir, "observability", "usage-events.jsonl")); !os.IsNotExist(err) {
		t.Fatal("disabled sink should not create files")
	}

	s.SetEnabled(true)
	s.Usage(UsageEvent{Timestamp: time.Now().UTC(), SessionID: "s1"})
	if got := readLines(t, filepath.Join(dir, "observability", "usage-events.jsonl")); len(got) != 1 {
		t.Fatalf("after enable: %d lines, want 1", len(got))
	}
}
