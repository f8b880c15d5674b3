package mcp

import (
	"reflect"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

func namedTools(names ...string) []mcpgo.Tool {
	out := make([]mcpgo.Tool, 0, len(names))
	for _, n := range names {
		out = append(out, mcpgo.Tool{Name: n})
	}
	return out
}

func toolNames(ts []mcpgo.Tool) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.Name)
	}
	return out
}

func TestFilterAllowed(t *testing.T) {
	discovered := namedTools("search", "fetch", "delete")

	tests := []struct {
		name  string
		allow []string
		deny  []string
		want  []string
	}{
		{name: "no lists keeps all", want: []string{"search", "fetch", "delete"}},
		{name: "allow restricts", allow: []string{"search"}, want: []string{"search"}},
		{name: "deny removes", deny: []string{"delete"}, want: []string{"search", "fetch"}},
		{name: "deny wins over allow", allow: []string{"search", "delete"}, deny: []string{"delete"}, want: []string{"search"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := toolNames(filterAllowed(discovered, tt.allow, tt.deny))
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("filterAllowed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBridgeDefinitionsNamesAndSchemas(t *testing.T) {
	discovered := []mcpgo.Tool{
		{
			Name:        "search",
			Description: "full text search",
			InputSchema: mcpgo.ToolInputSchema{
				Type:       "object",
				Properties: map[string]interface{}{"query": map[string]interface{}{"type": "string"}},
				Required:   []string{"query"},
			},
		},
	}

	defs, diags := bridgeDefinitions("docs", discovered, nil, nil)
	if len(diags) != 0 {
		t.Fatalf("diags = %v, want none", diags)
	}
	if len(defs) != 1 {
		t.Fatalf("got %d definitions, want 1", len(defs))
	}
	if got, want := defs[0].Name, "mcp_docs_search"; got != want {
		t.Errorf("name = %q, want %q", got, want)
	}
	if defs[0].Parameters["type"] != "object" {
		t.Errorf("schema type = %v, want object", defs[0].Parameters["type"])
	}
	props, ok := defs[0].Parameters["properties"].(map[string]interface{})
	if !ok || props["query"] == nil {
		t.Errorf("schema properties missing query: %v", defs[0].Parameters)
	}
}

func TestContentText(t *testing.T) {
	got := contentText([]mcpgo.Content{
		mcpgo.TextContent{Type: "text", Text: "first"},
		mcpgo.TextContent{Type: "text", Text: "second"},
		mcpgo.ImageContent{Type: "image", MIMEType: "image/png", Data: "aaaa"},
	})
	want := "first\nsecond\n[image image/png, 4 bytes base64]"
	if got != want {
		t.Fatalf("contentText() = %q, want %q", got, want)
	}
}

func TestMapToEnvSliceSorted(t *testing.T) {
	got := mapToEnvSlice(map[string]string{"B": "2", "A": "1"})
	want := []string{"A=1", "B=2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("mapToEnvSlice() = %v, want %v", got, want)
	}
	if mapToEnvSlice(nil) != nil {
		t.Fatal("empty env should map to nil slice")
	}
}
