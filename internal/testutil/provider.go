package testutil

import (
	"context"
	"sync"

	"github.com/flitsinc/storyforge/internal/ai"
)

// ScriptStep is one canned model step.
type ScriptStep struct {
	Reasoning    []string
	Text         []string
	ToolCalls    []ai.ToolCall
	FinishReason string
	Usage        *ai.Usage
	Err          error
	// Block, when set, holds the step until it is closed or the context ends.
	Block <-chan struct{}
}

// ScriptedProvider replays steps in order. Requests are recorded so tests can
// inspect what the model was sent.
type ScriptedProvider struct {
	ID    string
	Steps []ScriptStep

	mu       sync.Mutex
	requests []ai.Request
}

func NewScriptedProvider(steps ...ScriptStep) *ScriptedProvider {
	return &ScriptedProvider{ID: "scripted", Steps: steps}
}

func (p *ScriptedProvider) Name() string { return p.ID }

func (p *ScriptedProvider) Stream(ctx context.Context, req ai.Request, emit func(ai.Chunk)) (ai.StepResult, error) {
	p.mu.Lock()
	idx := len(p.requests)
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if idx >= len(p.Steps) {
		return ai.StepResult{FinishReason: ai.FinishStop}, nil
	}
	step := p.Steps[idx]
	if step.Block != nil {
		select {
		case <-step.Block:
		case <-ctx.Done():
			return ai.StepResult{}, ctx.Err()
		}
	}
	if step.Err != nil {
		return ai.StepResult{}, step.Err
	}
	for _, r := range step.Reasoning {
		emit(ai.Chunk{Type: ai.ChunkReasoning, Text: r})
	}
	for _, t := range step.Text {
		emit(ai.Chunk{Type: ai.ChunkText, Text: t})
	}
	finish := step.FinishReason
	if finish == "" {
		finish = ai.FinishStop
		if len(step.ToolCalls) > 0 {
			finish = ai.FinishToolCalls
		}
	}
	return ai.StepResult{FinishReason: finish, ToolCalls: step.ToolCalls, Usage: step.Usage}, nil
}

// Requests returns the requests received so far.
func (p *ScriptedProvider) Requests() []ai.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ai.Request(nil), p.requests...)
}
