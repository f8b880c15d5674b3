package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	fileReadMaxBytes   = 512 * 1024
	fileListMaxEntries = 500
)

// NewFileTool is the path-scoped filesystem built-in: read, write, list,
// edit. Mutations must land inside the mutable roots.
func NewFileTool() *Definition {
	return &Definition{
		Name:        "file",
		Description: "Read, write, list and edit files inside the workspace.",
		Parameters: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"action"},
			"properties": map[string]interface{}{
				"action":        map[string]interface{}{"type": "string", "enum": []interface{}{"read", "write", "list", "edit"}},
				"path":          map[string]interface{}{"type": "string"},
				"content":       map[string]interface{}{"type": "string"},
				"oldText":       map[string]interface{}{"type": "string"},
				"newText":       map[string]interface{}{"type": "string"},
				"all":           map[string]interface{}{"type": "boolean"},
				"recursive":     map[string]interface{}{"type": "boolean"},
				"includeHidden": map[string]interface{}{"type": "boolean"},
				"maxEntries":    map[string]interface{}{"type": "integer", "minimum": 1},
			},
		},
		Execute: executeFile,
	}
}

func executeFile(_ context.Context, input map[string]interface{}, tc *Context) (interface{}, error) {
	action, _ := input["action"].(string)
	path, _ := input["path"].(string)
	switch action {
	case "read":
		return fileRead(tc, path)
	case "write":
		content, _ := input["content"].(string)
		return fileWrite(tc, path, content)
	case "list":
		return fileList(tc, path, boolArg(input, "recursive"), boolArg(input, "includeHidden"), intArg(input, "maxEntries", fileListMaxEntries))
	case "edit":
		oldText, _ := input["oldText"].(string)
		newText, _ := input["newText"].(string)
		return fileEdit(tc, path, oldText, newText, boolArg(input, "all"))
	}
	return nil, fmt.Errorf("unknown file action %q", action)
}

func fileRead(tc *Context, path string) (interface{}, error) {
	resolved, err := resolvePath(tc, path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, err
	}
	if info.Size() > fileReadMaxBytes {
		return nil, fmt.Errorf("file %q is %d bytes, read cap is %d", path, info.Size(), fileReadMaxBytes)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"path": path, "content": string(data), "size": info.Size()}, nil
}

func fileWrite(tc *Context, path, content string) (interface{}, error) {
	resolved, err := resolveMutablePath(tc, path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return nil, err
	}
	return map[string]interface{}{"path": path, "bytesWritten": len(content)}, nil
}

type listEntry struct {
	Path string `json:"path"`
	Type string `json:"type"` // file | dir
	Size *int64 `json:"size,omitempty"`
}

func fileList(tc *Context, path string, recursive, includeHidden bool, maxEntries int) (interface{}, error) {
	root, err := resolvePath(tc, path)
	if err != nil {
		return nil, err
	}
	var entries []listEntry
	truncated := false

	add := func(rel string, d fs.DirEntry) bool {
		if len(entries) >= maxEntries {
			truncated = true
			return false
		}
		entry := listEntry{Path: rel, Type: "file"}
		if d.IsDir() {
			entry.Type = "dir"
		} else if info, err := d.Info(); err == nil {
			size := info.Size()
			entry.Size = &size
		}
		entries = append(entries, entry)
		return true
	}

	if recursive {
		err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // skip unreadable subtrees
			}
			if p == root {
				return nil
			}
			rel, _ := filepath.Rel(root, p)
			hidden := strings.HasPrefix(filepath.Base(p), ".")
			if hidden && !includeHidden {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !add(rel, d) {
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	} else {
		dirents, err := os.ReadDir(root)
		if err != nil {
			return nil, err
		}
		for _, d := range dirents {
			if strings.HasPrefix(d.Name(), ".") && !includeHidden {
				continue
			}
			if !add(d.Name(), d) {
				break
			}
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return map[string]interface{}{"path": path, "entries": entries, "truncated": truncated}, nil
}

func fileEdit(tc *Context, path, oldText, newText string, all bool) (interface{}, error) {
	if oldText == "" {
		return nil, fmt.Errorf("edit requires a non-empty oldText")
	}
	resolved, err := resolveMutablePath(tc, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, err
	}
	content := string(data)
	count := strings.Count(content, oldText)
	if count == 0 {
		return nil, fmt.Errorf("oldText not found in %q", path)
	}
	replaced := 1
	if all {
		content = strings.ReplaceAll(content, oldText, newText)
		replaced = count
	} else {
		content = strings.Replace(content, oldText, newText, 1)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return nil, err
	}
	return map[string]interface{}{"path": path, "replacedCount": replaced}, nil
}

func boolArg(input map[string]interface{}, key string) bool {
	v, _ := input[key].(bool)
	return v
}

func intArg(input map[string]interface{}, key string, fallback int) int {
	switch v := input[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}
