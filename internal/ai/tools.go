package ai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flitsinc/storyforge/internal/schema"
)

// Tool is a capability the model may call during a session.
type Tool interface {
	Name() string
	Description() string
	Schema() *schema.Schema
	Execute(ctx context.Context, args json.RawMessage) (any, error)
}

type funcTool[P any] struct {
	name        string
	description string
	schema      *schema.Schema
	fn          func(ctx context.Context, params P) (any, error)
	writes      bool
}

// Writer is implemented by tools that report whether they change stored
// state. Tools that do not implement it are treated as read-only.
type Writer interface {
	Writes() bool
}

// Writes reports whether t changes stored state.
func Writes(t Tool) bool {
	w, ok := t.(Writer)
	return ok && w.Writes()
}

// NewTool builds a tool whose parameter schema is reflected from P. Arguments
// are validated against that schema before fn runs.
func NewTool[P any](name, description string, fn func(ctx context.Context, params P) (any, error)) Tool {
	var zero P
	return &funcTool[P]{name: name, description: description, schema: schema.For(zero), fn: fn}
}

// NewWriteTool is NewTool for tools that change stored state. A session runs
// a step's calls one at a time, in call order, when any of them writes.
func NewWriteTool[P any](name, description string, fn func(ctx context.Context, params P) (any, error)) Tool {
	var zero P
	return &funcTool[P]{name: name, description: description, schema: schema.For(zero), fn: fn, writes: true}
}

func (t *funcTool[P]) Name() string           { return t.name }
func (t *funcTool[P]) Description() string    { return t.description }
func (t *funcTool[P]) Schema() *schema.Schema { return t.schema }
func (t *funcTool[P]) Writes() bool           { return t.writes }

func (t *funcTool[P]) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	validated, err := t.schema.Validate(args)
	if err != nil {
		return nil, fmt.Errorf("invalid arguments for %s: %w", t.name, err)
	}
	params, err := schema.Decode[P](validated)
	if err != nil {
		return nil, err
	}
	return t.fn(ctx, params)
}

// FilterTools drops every tool whose name is in disabled. Order is preserved.
func FilterTools(tools []Tool, disabled []string) []Tool {
	if len(disabled) == 0 {
		return tools
	}
	skip := make(map[string]bool, len(disabled))
	for _, name := range disabled {
		skip[name] = true
	}
	out := make([]Tool, 0, len(tools))
	for _, tool := range tools {
		if skip[tool.Name()] {
			continue
		}
		out = append(out, tool)
	}
	return out
}

// ToolNames lists tool names in order.
func ToolNames(tools []Tool) []string {
	out := make([]string, 0, len(tools))
	for _, tool := range tools {
		out = append(out, tool.Name())
	}
	return out
}

func toolSpecs(tools []Tool) []ToolSpec {
	out := make([]ToolSpec, 0, len(tools))
	for _, tool := range tools {
		out = append(out, ToolSpec{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Schema().Map(),
		})
	}
	return out
}
