package ai

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ToolChoice is "auto", "required", "none", or the name of one tool the
// model must call.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceRequired ToolChoice = "required"
	ToolChoiceNone     ToolChoice = "none"
)

// ToolSpec is the provider-facing description of a tool.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is one model step.
type Request struct {
	Model      string
	System     string
	Messages   []Message
	Tools      []ToolSpec
	ToolChoice ToolChoice
	MaxTokens  int
}

type ChunkType int

const (
	ChunkText ChunkType = iota
	ChunkReasoning
)

// Chunk is an incremental piece of model output within one step.
type Chunk struct {
	Type ChunkType
	Text string
}

// StepResult is the settled outcome of one model step.
type StepResult struct {
	FinishReason string
	ToolCalls    []ToolCall
	Usage        *Usage
}

// Provider streams one model step. Implementations call emit for each text
// or reasoning delta in order and return the collected tool calls.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request, emit func(Chunk)) (StepResult, error)
}

// Providers maps provider ids to configured providers.
type Providers struct {
	mu       sync.RWMutex
	entries  map[string]Provider
	defaults map[string]string
}

func NewProviders() *Providers {
	return &Providers{entries: map[string]Provider{}, defaults: map[string]string{}}
}

// Register adds p under id with the model used when a role names only the
// provider.
func (ps *Providers) Register(id string, p Provider, defaultModel string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.entries[id] = p
	ps.defaults[id] = defaultModel
}

func (ps *Providers) Get(id string) (Provider, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, ok := ps.entries[id]
	return p, ok
}

func (ps *Providers) DefaultModel(id string) string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.defaults[id]
}

func (ps *Providers) Names() []string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]string, 0, len(ps.entries))
	for id := range ps.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Select returns the provider and concrete model for a resolved choice.
func (ps *Providers) Select(choice ModelChoice) (Provider, string, error) {
	p, ok := ps.Get(choice.Provider)
	if !ok {
		return nil, "", fmt.Errorf("provider %q is not configured", choice.Provider)
	}
	model := choice.Model
	if model == "" {
		model = ps.DefaultModel(choice.Provider)
	}
	if model == "" {
		return nil, "", fmt.Errorf("provider %q has no model configured", choice.Provider)
	}
	return p, model, nil
}
