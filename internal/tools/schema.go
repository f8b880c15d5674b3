package tools

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// compiledSchema wraps a compiled JSON schema for input validation.
type compiledSchema struct {
	schema *jsonschema.Schema
}

// compileSchema compiles a parameters object into a reusable validator.
func compileSchema(name string, doc map[string]interface{}) (*compiledSchema, error) {
	c := jsonschema.NewCompiler()
	url := fmt.Sprintf("tool://%s/parameters.json", name)
	if err := c.AddResource(url, any(doc)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &compiledSchema{schema: schema}, nil
}

// validate checks the input and flattens validation failures into issues.
func (c *compiledSchema) validate(input map[string]interface{}) []Issue {
	err := c.schema.Validate(any(input))
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []Issue{{Path: "/", Message: err.Error()}}
	}
	var issues []Issue
	collectIssues(ve, &issues)
	if len(issues) == 0 {
		issues = []Issue{{Path: "/", Message: ve.Error()}}
	}
	return issues
}

// collectIssues walks to the leaf causes, which carry the concrete failures.
func collectIssues(ve *jsonschema.ValidationError, out *[]Issue) {
	if len(ve.Causes) == 0 {
		path := "/"
		for _, seg := range ve.InstanceLocation {
			path += seg + "/"
		}
		if len(ve.InstanceLocation) > 0 {
			path = path[:len(path)-1]
		}
		*out = append(*out, Issue{Path: path, Message: ve.Error()})
		return
	}
	for _, cause := range ve.Causes {
		collectIssues(cause, out)
	}
}
