package tools

import (
	"os"
	"path/filepath"
	"testing"
)

func sandboxContext(t *testing.T) *Context {
	t.Helper()
	ws := t.TempDir()
	if err := os.MkdirAll(filepath.Join(ws, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	return &Context{WorkspaceDir: ws, MutableRoots: []string{"src"}}
}

func TestResolvePathRejectsEscapes(t *testing.T) {
	tc := sandboxContext(t)
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"relative inside", "src/main.go", false},
		{"dot", ".", false},
		{"parent escape", "../outside", true},
		{"absolute escape", "/etc/passwd", true},
		{"sneaky traversal", "src/../../outside", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resolvePath(tc, tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("resolvePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestResolveMutablePathEnforcesRoots(t *testing.T) {
	tc := sandboxContext(t)
	if _, err := resolveMutablePath(tc, "src/new.go"); err != nil {
		t.Errorf("mutable root write rejected: %v", err)
	}
	if _, err := resolveMutablePath(tc, "readme.md"); err == nil {
		t.Error("write outside mutable roots accepted")
	}
}

func TestResolvePathThroughSymlink(t *testing.T) {
	tc := sandboxContext(t)
	real := filepath.Join(tc.WorkspaceDir, "src")
	link := filepath.Join(tc.WorkspaceDir, "link")
	if err := os.Symlink(real, link); err != nil {
		t.Skipf("symlink not supported: %v", err)
	}
	resolved, err := resolvePath(tc, "link/file.go")
	if err != nil {
		t.Fatalf("resolvePath through symlink: %v", err)
	}
	canonReal, _ := canonicalize(real)
	if want := filepath.Join(canonReal, "file.go"); resolved != want {
		t.Errorf("resolved = %q, want %q", resolved, want)
	}
}

func TestResolvePathSymlinkEscape(t *testing.T) {
	tc := sandboxContext(t)
	outside := t.TempDir()
	link := filepath.Join(tc.WorkspaceDir, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlink not supported: %v", err)
	}
	if _, err := resolvePath(tc, "escape/secret"); err == nil {
		t.Error("symlink escaping the workspace accepted")
	}
}
