package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/drostlabs/drost/internal/tools"
)

// callTimeout bounds one bridged tool invocation.
const callTimeout = 60 * time.Second

// filterAllowed applies the server's allow/deny lists to the discovered
// tools, matching on the server-side names. Deny wins over allow; an
// empty allow list admits everything not denied.
func filterAllowed(discovered []mcpgo.Tool, allow, deny []string) []mcpgo.Tool {
	allowSet := toSet(allow)
	denySet := toSet(deny)

	kept := make([]mcpgo.Tool, 0, len(discovered))
	for _, t := range discovered {
		if _, denied := denySet[t.Name]; denied {
			continue
		}
		if len(allowSet) > 0 {
			if _, ok := allowSet[t.Name]; !ok {
				continue
			}
		}
		kept = append(kept, t)
	}
	return kept
}

// bridgeDefinitions turns a server's tools into registry definitions
// named mcp_<server>_<tool>. A tool whose input schema does not convert
// is skipped with an invalid_shape diagnostic.
func bridgeDefinitions(server string, discovered []mcpgo.Tool, client *mcpclient.Client, connected *atomic.Bool) ([]*tools.Definition, []tools.Diagnostic) {
	var defs []*tools.Definition
	var diags []tools.Diagnostic
	for _, t := range discovered {
		bridged := fmt.Sprintf("mcp_%s_%s", server, t.Name)
		params, err := schemaToMap(t.InputSchema)
		if err != nil {
			diags = append(diags, tools.Diagnostic{
				Code:    tools.DiagInvalidShape,
				Name:    bridged,
				Message: fmt.Sprintf("input schema does not convert: %v", err),
			})
			continue
		}
		original := t.Name
		defs = append(defs, &tools.Definition{
			Name:        bridged,
			Description: t.Description,
			Parameters:  params,
			Execute: func(ctx context.Context, input map[string]interface{}, _ *tools.Context) (interface{}, error) {
				return callServerTool(ctx, client, connected, server, original, input)
			},
		})
	}
	return defs, diags
}

// schemaToMap converts the wire-form input schema into the plain map the
// registry compiles and validates against.
func schemaToMap(schema mcpgo.ToolInputSchema) (map[string]interface{}, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// callServerTool forwards one invocation to the server and renders the
// result as text. A tool-level error result becomes an execution error.
func callServerTool(ctx context.Context, client *mcpclient.Client, connected *atomic.Bool, server, tool string, input map[string]interface{}) (interface{}, error) {
	if connected != nil && !connected.Load() {
		return nil, fmt.Errorf("mcp server %q is disconnected", server)
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = input

	result, err := client.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", tool, server, err)
	}

	text := contentText(result.Content)
	if result.IsError {
		if text == "" {
			text = "tool reported an error without content"
		}
		return nil, errors.New(text)
	}
	return text, nil
}

// contentText joins the text parts of a tool result. Non-text content is
// summarized by type rather than dropped silently.
func contentText(content []mcpgo.Content) string {
	var parts []string
	for _, c := range content {
		switch v := c.(type) {
		case mcpgo.TextContent:
			parts = append(parts, v.Text)
		case mcpgo.ImageContent:
			parts = append(parts, fmt.Sprintf("[image %s, %d bytes base64]", v.MIMEType, len(v.Data)))
		case mcpgo.EmbeddedResource:
			parts = append(parts, "[embedded resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%T]", c))
		}
	}
	return strings.Join(parts, "\n")
}

func toSet(items []string) map[string]struct{} {
	if len(items) == 0 {
		return nil
	}
	s := make(map[string]struct{}, len(items))
	for _, item := range items {
		s[item] = struct{}{}
	}
	return s
}
