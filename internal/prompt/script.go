package prompt

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/expr-lang/expr"
)

const (
	defaultScriptTimeout  = 2 * time.Second
	defaultScriptMaxNodes = 2000
)

// ScriptEvaluator evaluates script block expressions against a read-only
// view of the story.
type ScriptEvaluator struct {
	Timeout  time.Duration
	MaxNodes uint
}

// Evaluate runs src and converts its result to block content. The expression
// sees story, agent and extra values plus fragment(id) and fragments(type)
// lookups. An evaluation that outlives the timeout is abandoned.
func (e *ScriptEvaluator) Evaluate(ctx context.Context, src string, bctx BlockContext, source StorySource) (string, error) {
	timeout := defaultScriptTimeout
	maxNodes := uint(defaultScriptMaxNodes)
	if e != nil && e.Timeout > 0 {
		timeout = e.Timeout
	}
	if e != nil && e.MaxNodes > 0 {
		maxNodes = e.MaxNodes
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	env := scriptEnv(ctx, bctx, source)
	program, err := expr.Compile(src, expr.Env(env), expr.MaxNodes(maxNodes), expr.DisableBuiltin("now"))
	if err != nil {
		return "", err
	}

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := expr.Run(program, env)
		done <- outcome{value: v, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return "", res.err
		}
		return scriptString(res.value), nil
	case <-ctx.Done():
		return "", fmt.Errorf("script timed out after %s", timeout)
	}
}

func scriptEnv(ctx context.Context, bctx BlockContext, source StorySource) map[string]any {
	story := map[string]any{"id": bctx.StoryID}
	if bctx.Story != nil {
		story["name"] = bctx.Story.Story.Name
		story["description"] = bctx.Story.Story.Description
		story["summary"] = bctx.Story.Story.Summary
	}
	extra := bctx.Extra
	if extra == nil {
		extra = map[string]any{}
	}
	return map[string]any{
		"story": story,
		"agent": bctx.Agent,
		"extra": extra,
		"fragment": func(id string) map[string]any {
			if source == nil {
				return nil
			}
			frag, err := source.GetFragment(ctx, bctx.StoryID, id)
			if err != nil {
				return nil
			}
			return fragmentMap(frag.ID, frag.Type, frag.Name, frag.Description, frag.Content, frag.Tags)
		},
		"fragments": func(fragType string) []any {
			if source == nil {
				return nil
			}
			frags, err := source.ListFragments(ctx, bctx.StoryID, fragType)
			if err != nil {
				return nil
			}
			out := make([]any, 0, len(frags))
			for _, frag := range frags {
				out = append(out, fragmentMap(frag.ID, frag.Type, frag.Name, frag.Description, frag.Content, frag.Tags))
			}
			return out
		},
	}
}

func fragmentMap(id, fragType, name, description, content string, tags []string) map[string]any {
	tagList := make([]any, 0, len(tags))
	for _, t := range tags {
		tagList = append(tagList, t)
	}
	return map[string]any{
		"id":          id,
		"type":        fragType,
		"name":        name,
		"description": description,
		"content":     content,
		"tags":        tagList,
	}
}

func scriptString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, scriptString(item))
		}
		return strings.Join(parts, "\n")
	case []string:
		return strings.Join(val, "\n")
	default:
		return fmt.Sprint(val)
	}
}

func scriptPlaceholder(blockID string, err error) string {
	return fmt.Sprintf("[script error in block %q: %v]", blockID, err)
}
