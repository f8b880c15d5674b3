// Package tools is the registry and sandboxed executor for built-in and
// discovered tools. Execution validates inputs against the tool's JSON
// schema, resolves path arguments inside the workspace, and reports coded
// outcomes instead of raw panics.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Outcome and diagnostic codes.
const (
	CodeValidationError = "validation_error"
	CodeToolNotFound    = "tool_not_found"
	CodeExecutionError  = "execution_error"

	DiagNameCollision       = "name_collision"
	DiagDuplicateCustomName = "duplicate_custom_name"
	DiagInvalidShape        = "invalid_shape"
	DiagImportError         = "import_error"
)

// Definition is one callable tool. Parameters, when present, is a JSON
// schema object validated before Execute runs.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
	Execute     func(ctx context.Context, input map[string]interface{}, tc *Context) (interface{}, error)

	compiled *compiledSchema
}

// Context is the per-invocation execution environment.
type Context struct {
	WorkspaceDir string
	MutableRoots []string
	SessionID    string
	ProviderID   string
}

// Issue is one validation failure.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Outcome is the uniform result of one tool execution.
type Outcome struct {
	OK         bool        `json:"ok"`
	Code       string      `json:"code,omitempty"`
	Error      string      `json:"error,omitempty"`
	Issues     []Issue     `json:"issues,omitempty"`
	Result     interface{} `json:"result,omitempty"`
	DurationMs int64       `json:"durationMs"`
}

// Content renders the outcome for the model: the JSON result on success,
// the coded error otherwise.
func (o Outcome) Content() string {
	if o.OK {
		data, err := json.Marshal(o.Result)
		if err != nil {
			return fmt.Sprintf("%v", o.Result)
		}
		return string(data)
	}
	if len(o.Issues) > 0 {
		data, _ := json.Marshal(o.Issues)
		return fmt.Sprintf("%s: %s %s", o.Code, o.Error, data)
	}
	return fmt.Sprintf("%s: %s", o.Code, o.Error)
}

// Diagnostic records one skipped or rejected discovered tool.
type Diagnostic struct {
	Code    string `json:"code"`
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
}

// Registry holds built-ins and discovered tools. Built-ins never change
// after construction. Discovered tools arrive from named sources (manifest
// directory, MCP servers); each source replaces its own set wholesale on a
// discovery pass and the flattened view is rebuilt with the collision
// rules.
type Registry struct {
	mu          sync.RWMutex
	builtIns    map[string]*Definition
	sources     map[string][]*Definition
	sourceDiags map[string][]Diagnostic
	discovered  map[string]*Definition
	diagnostics []Diagnostic
	now         func() time.Time
}

// sourceManifests is the discovery source of the toolDirectory watcher.
const sourceManifests = "manifests"

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		builtIns:    map[string]*Definition{},
		sources:     map[string][]*Definition{},
		sourceDiags: map[string][]Diagnostic{},
		discovered:  map[string]*Definition{},
		now:         func() time.Time { return time.Now() },
	}
}

// RegisterBuiltIn installs a built-in tool. Collisions between built-ins are
// programmer errors and panic.
func (r *Registry) RegisterBuiltIn(def *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if def.Name == "" || def.Execute == nil {
		panic("tools: built-in definition requires name and execute")
	}
	if _, exists := r.builtIns[def.Name]; exists {
		panic(fmt.Sprintf("tools: duplicate built-in %q", def.Name))
	}
	if def.Parameters != nil {
		cs, err := compileSchema(def.Name, def.Parameters)
		if err != nil {
			panic(fmt.Sprintf("tools: built-in %q schema: %v", def.Name, err))
		}
		def.compiled = cs
	}
	r.builtIns[def.Name] = def
}

// ResetBuiltIns clears the built-in set so a policy change can
// re-register it. Discovered sources survive and are reflattened.
func (r *Registry) ResetBuiltIns() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builtIns = map[string]*Definition{}
	r.rebuild()
}

// ReplaceDiscovered swaps the manifest-directory tool set.
func (r *Registry) ReplaceDiscovered(defs []*Definition, loadDiags []Diagnostic) {
	r.ReplaceSource(sourceManifests, defs, loadDiags)
}

// ReplaceSource swaps one discovery source's tool set and rebuilds the
// flattened view. Collision rules: a discovered tool shadowed by a built-in
// is skipped with name_collision; a second discovered tool with the same
// name (across sources, sources flattened in name order) is skipped with
// duplicate_custom_name. Load diagnostics from the caller are carried over.
func (r *Registry) ReplaceSource(source string, defs []*Definition, loadDiags []Diagnostic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(defs) == 0 && len(loadDiags) == 0 {
		delete(r.sources, source)
		delete(r.sourceDiags, source)
	} else {
		r.sources[source] = append([]*Definition(nil), defs...)
		r.sourceDiags[source] = append([]Diagnostic(nil), loadDiags...)
	}
	r.rebuild()
	slog.Info("tools.discovered.replaced", "source", source, "builtIn", len(r.builtIns), "custom", len(r.discovered), "diagnostics", len(r.diagnostics))
}

// rebuild flattens all sources. Caller holds the write lock.
func (r *Registry) rebuild() {
	r.discovered = map[string]*Definition{}
	r.diagnostics = nil

	names := make([]string, 0, len(r.sources))
	for s := range r.sources {
		names = append(names, s)
	}
	sort.Strings(names)

	for _, s := range names {
		r.diagnostics = append(r.diagnostics, r.sourceDiags[s]...)
	}
	for _, s := range names {
		for _, def := range r.sources[s] {
			if _, shadowed := r.builtIns[def.Name]; shadowed {
				r.diagnostics = append(r.diagnostics, Diagnostic{
					Code: DiagNameCollision, Name: def.Name,
					Message: fmt.Sprintf("discovered tool %q shadows a built-in", def.Name),
				})
				continue
			}
			if _, dup := r.discovered[def.Name]; dup {
				r.diagnostics = append(r.diagnostics, Diagnostic{
					Code: DiagDuplicateCustomName, Name: def.Name,
					Message: fmt.Sprintf("discovered tool %q already registered", def.Name),
				})
				continue
			}
			if def.Parameters != nil && def.compiled == nil {
				cs, err := compileSchema(def.Name, def.Parameters)
				if err != nil {
					r.diagnostics = append(r.diagnostics, Diagnostic{
						Code: DiagInvalidShape, Name: def.Name,
						Message: fmt.Sprintf("parameters schema does not compile: %v", err),
					})
					continue
				}
				def.compiled = cs
			}
			r.discovered[def.Name] = def
		}
	}
}

// Get looks a tool up by name, built-ins first.
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if def, ok := r.builtIns[name]; ok {
		return def, true
	}
	def, ok := r.discovered[name]
	return def, ok
}

// Names lists all registered tool names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.builtIns)+len(r.discovered))
	for n := range r.builtIns {
		names = append(names, n)
	}
	for n := range r.discovered {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Counts reports built-in and custom tool counts.
func (r *Registry) Counts() (builtIn, custom int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.builtIns), len(r.discovered)
}

// Diagnostics returns the diagnostics from the last discovery pass.
func (r *Registry) Diagnostics() []Diagnostic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Diagnostic(nil), r.diagnostics...)
}

// Execute runs one tool call through the validation pipeline. It never
// panics outward; every failure maps to a coded outcome.
func (r *Registry) Execute(ctx context.Context, name string, rawInput json.RawMessage, tc *Context) Outcome {
	start := r.now()
	outcome := r.execute(ctx, name, rawInput, tc)
	outcome.DurationMs = r.now().Sub(start).Milliseconds()
	return outcome
}

func (r *Registry) execute(ctx context.Context, name string, rawInput json.RawMessage, tc *Context) (outcome Outcome) {
	def, ok := r.Get(name)
	if !ok {
		return Outcome{Code: CodeToolNotFound, Error: fmt.Sprintf("unknown tool %q", name)}
	}

	input := map[string]interface{}{}
	if len(rawInput) > 0 {
		if err := json.Unmarshal(rawInput, &input); err != nil {
			return Outcome{
				Code:   CodeValidationError,
				Error:  "input is not a JSON object",
				Issues: []Issue{{Path: "/", Message: err.Error()}},
			}
		}
	}

	if def.compiled != nil {
		if issues := def.compiled.validate(input); len(issues) > 0 {
			return Outcome{Code: CodeValidationError, Error: "input does not match the tool schema", Issues: issues}
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tool.panic", "tool", name, "panic", rec)
			outcome = Outcome{Code: CodeExecutionError, Error: fmt.Sprintf("panic: %v", rec)}
		}
	}()

	result, err := def.Execute(ctx, input, tc)
	if err != nil {
		return Outcome{Code: CodeExecutionError, Error: err.Error()}
	}
	return Outcome{OK: true, Result: result}
}
