package tool

import (
	"context"
	"encoding/json"
	"fmt"
)

// Collection dispatches a named tool_use block to the matching Tool,
// advertising every member's params to the provider handler.
type Collection struct {
	tools map[string]Tool
	order []string
}

// NewCollection builds a Collection from the given tools, preserving
// advertisement order.
func NewCollection(tools ...Tool) *Collection {
	c := &Collection{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		c.tools[t.Name()] = t
		c.order = append(c.order, t.Name())
	}
	return c
}

// Params returns every tool's {name, input_schema} pair, in advertisement order.
func (c *Collection) Params() []map[string]any {
	out := make([]map[string]any, 0, len(c.order))
	for _, name := range c.order {
		t := c.tools[name]
		out = append(out, map[string]any{
			"name":         t.Name(),
			"input_schema": t.InputSchema(),
		})
	}
	return out
}

// InternalSpecs returns every tool's provider-agnostic spec.
func (c *Collection) InternalSpecs() []map[string]any {
	out := make([]map[string]any, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.tools[name].InternalSpec())
	}
	return out
}

// Run dispatches name's tool_use against input. An unknown tool name
// returns a failed Result rather than an error, since it must be routed
// back to the model like any other tool failure.
func (c *Collection) Run(ctx context.Context, name string, input json.RawMessage) (Result, error) {
	t, ok := c.tools[name]
	if !ok {
		return Result{Error: fmt.Sprintf("tool %q is invalid", name)}, nil
	}
	return t.Execute(ctx, input)
}
