package tools

import (
	"context"

	"github.com/drostlabs/drost/internal/config"
)

// BuiltInOptions wires the built-in tools to the rest of the gateway.
type BuiltInOptions struct {
	Shell         config.ShellConfig
	ToolPolicy    config.ToolPolicyConfig
	Web           config.WebConfig
	Enabled       []string // empty = all
	ResolveBearer func(ctx context.Context, authProfileID string) (string, error)
	Gateway       GatewayController
}

// RegisterBuiltIns installs the built-in tool set, honoring the enabled
// filter. The agent tool registers only when a controller is provided.
func RegisterBuiltIns(registry *Registry, opts BuiltInOptions) {
	defs := []*Definition{
		NewFileTool(),
		NewShellTool(opts.Shell, opts.ToolPolicy),
		NewWebTool(WebOptions{
			FetchMaxBytes: opts.Web.Fetch.MaxBytes,
			SearchBaseURL: opts.Web.Search.BaseURL,
			SearchAuthID:  opts.Web.Search.AuthProfileID,
			SearchMaxHits: opts.Web.Search.MaxResults,
			ResolveBearer: opts.ResolveBearer,
		}),
	}
	defs = append(defs, NewCodeTools()...)
	if opts.Gateway != nil {
		defs = append(defs, NewAgentTool(opts.Gateway))
	}

	allow := map[string]bool{}
	for _, name := range opts.Enabled {
		allow[name] = true
	}
	for _, def := range defs {
		if len(allow) > 0 && !allow[def.Name] {
			continue
		}
		registry.RegisterBuiltIn(def)
	}
}

// Specs exports the registered tools in provider-request shape.
func (r *Registry) Specs() []Spec {
	var specs []Spec
	for _, name := range r.Names() {
		def, _ := r.Get(name)
		specs = append(specs, Spec{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}
	return specs
}

// Spec is the provider-facing description of one tool.
type Spec struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}
