package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDiscoverManifests(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "upper.json", `{"name":"upper","description":"uppercase stdin","command":"tr","args":["a-z","A-Z"]}`)
	writeManifest(t, dir, "broken.json", `{not json`)
	writeManifest(t, dir, "shapeless.json", `{"description":"no name or command"}`)
	writeManifest(t, dir, "notes.txt", `ignored`)

	defs, diags := Discover(dir)
	if len(defs) != 1 || defs[0].Name != "upper" {
		t.Fatalf("defs = %+v, want one tool named upper", defs)
	}
	var codes []string
	for _, d := range diags {
		codes = append(codes, d.Code)
	}
	want := map[string]bool{DiagImportError: false, DiagInvalidShape: false}
	for _, c := range codes {
		want[c] = true
	}
	if !want[DiagImportError] || !want[DiagInvalidShape] {
		t.Errorf("diagnostic codes = %v, want import_error and invalid_shape", codes)
	}
}

func TestDiscoverMissingDirIsEmpty(t *testing.T) {
	defs, diags := Discover(filepath.Join(t.TempDir(), "nope"))
	if len(defs) != 0 || len(diags) != 0 {
		t.Errorf("Discover(missing) = %v, %v, want empty", defs, diags)
	}
}

func TestManifestToolRunsSubprocess(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "stamp.json", `{"name":"stamp","command":"sh","args":["-c","cat >/dev/null; echo '{\"stamped\":true}'"]}`)

	defs, diags := Discover(dir)
	if len(diags) != 0 || len(defs) != 1 {
		t.Fatalf("Discover() = %v defs, %v diags", len(defs), diags)
	}

	r := NewRegistry()
	r.ReplaceDiscovered(defs, nil)
	out := r.Execute(context.Background(), "stamp", json.RawMessage(`{"x":1}`), &Context{WorkspaceDir: t.TempDir()})
	if !out.OK {
		t.Fatalf("execute: %+v", out)
	}
	res := out.Result.(map[string]interface{})
	if res["stamped"] != true {
		t.Errorf("result = %+v, want stamped true", res)
	}
}

func TestManifestToolTextOutput(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "hello.json", `{"name":"hello","command":"sh","args":["-c","cat >/dev/null; echo plain text"]}`)
	defs, _ := Discover(dir)

	r := NewRegistry()
	r.ReplaceDiscovered(defs, nil)
	out := r.Execute(context.Background(), "hello", nil, &Context{WorkspaceDir: t.TempDir()})
	if !out.OK {
		t.Fatalf("execute: %+v", out)
	}
	res := out.Result.(map[string]interface{})
	if res["output"] != "plain text" {
		t.Errorf("output = %q, want %q", res["output"], "plain text")
	}
}
