package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// resolvePath resolves a tool-supplied path against the workspace and
// canonicalizes it, resolving symlinks on the deepest existing ancestor.
// Paths that escape the workspace are rejected, absolute ones included.
func resolvePath(tc *Context, p string) (string, error) {
	if p == "" || p == "." {
		p = "."
	}
	workspace, err := canonicalize(tc.WorkspaceDir)
	if err != nil {
		return "", fmt.Errorf("workspace dir: %w", err)
	}
	var candidate string
	if filepath.IsAbs(p) {
		candidate = filepath.Clean(p)
	} else {
		candidate = filepath.Join(workspace, p)
	}
	resolved, err := canonicalize(candidate)
	if err != nil {
		return "", err
	}
	if !within(resolved, workspace) {
		return "", fmt.Errorf("path %q escapes the workspace", p)
	}
	return resolved, nil
}

// resolveMutablePath additionally requires the target to sit inside one of
// the mutable roots.
func resolveMutablePath(tc *Context, p string) (string, error) {
	resolved, err := resolvePath(tc, p)
	if err != nil {
		return "", err
	}
	roots := tc.MutableRoots
	if len(roots) == 0 {
		roots = []string{tc.WorkspaceDir}
	}
	for _, root := range roots {
		canonRoot, err := canonicalize(absAgainst(tc.WorkspaceDir, root))
		if err != nil {
			continue
		}
		if within(resolved, canonRoot) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("path %q is outside the mutable roots", p)
}

// canonicalize resolves symlinks for the deepest existing ancestor of path
// and rejoins the non-existing tail, so new files under a symlinked dir
// still canonicalize.
func canonicalize(path string) (string, error) {
	path = filepath.Clean(path)
	existing := path
	var tail []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		tail = append([]string{filepath.Base(existing)}, tail...)
		existing = parent
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", existing, err)
	}
	return filepath.Join(append([]string{resolved}, tail...)...), nil
}

func absAgainst(base, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func within(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
