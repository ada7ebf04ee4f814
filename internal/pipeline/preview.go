package pipeline

import (
	"context"

	"github.com/flitsinc/storyforge/internal/agenttools"
	"github.com/flitsinc/storyforge/internal/ai"
	"github.com/flitsinc/storyforge/internal/prompt"
)

func (r *Runner) tools(call Call) []ai.Tool {
	var tools []ai.Tool
	switch r.cfg.Tools {
	case ToolsReadOnly:
		tools = agenttools.ReadOnly(r.deps.Store, call.StoryID)
	case ToolsReadWrite:
		tools = agenttools.ReadWrite(r.deps.Store, call.StoryID)
	}
	if r.cfg.ExtraTools != nil {
		tools = append(tools, r.cfg.ExtraTools(call)...)
	}
	return tools
}

// BlockContext runs the context stages of a call without resolving a model
// and returns the block context and tool set the compiler would see.
func (r *Runner) BlockContext(ctx context.Context, storyID string, input any) (prompt.BlockContext, []ai.Tool, error) {
	call := Call{StoryID: storyID, Agent: r.cfg.Agent, Input: input}
	if _, err := r.deps.Store.GetStory(ctx, storyID); err != nil {
		return prompt.BlockContext{}, nil, &StageError{Stage: StageValidateStory, Err: err}
	}
	if r.cfg.Validate != nil {
		parsed, err := r.cfg.Validate(input)
		if err != nil {
			return prompt.BlockContext{}, nil, &StageError{Stage: StageValidateInput, Err: err}
		}
		call.Input = parsed
	}
	if r.cfg.BaseContext {
		sc, err := prompt.BuildStoryContext(ctx, r.deps.Store, storyID)
		if err != nil {
			return prompt.BlockContext{}, nil, &StageError{Stage: StageBaseContext, Err: err}
		}
		call.Story = &sc
	}
	bctx := prompt.BlockContext{StoryID: storyID, Agent: r.cfg.Agent, Story: call.Story}
	if r.cfg.ExtendContext != nil {
		extra, err := r.cfg.ExtendContext(ctx, call)
		if err != nil {
			return prompt.BlockContext{}, nil, &StageError{Stage: StageExtendContext, Err: err}
		}
		bctx.Extra = extra
	}
	return bctx, r.tools(call), nil
}

// Preview compiles the prompt a call would send, without calling a model.
func (r *Runner) Preview(ctx context.Context, storyID string, input any) (prompt.Preview, error) {
	bctx, tools, err := r.BlockContext(ctx, storyID, input)
	if err != nil {
		return prompt.Preview{}, err
	}
	return r.deps.Compiler.Preview(ctx, storyID, r.cfg.Agent, bctx, tools)
}

// Catalogue lists the blocks an editor can customize for the call's context.
func (r *Runner) Catalogue(ctx context.Context, storyID string, input any) ([]prompt.CatalogueEntry, error) {
	bctx, _, err := r.BlockContext(ctx, storyID, input)
	if err != nil {
		return nil, err
	}
	return r.deps.Compiler.Catalogue(ctx, storyID, r.cfg.Agent, bctx)
}
