// Package agents defines the concrete story agents: the streaming agents as
// pipeline configs, and the agent registry entries that expose every agent
// to the runner.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/flitsinc/storyforge/internal/engine"
	"github.com/flitsinc/storyforge/internal/pipeline"
	"github.com/flitsinc/storyforge/internal/prompt"
	"github.com/flitsinc/storyforge/internal/schema"
)

var (
	defaultBlocks     = prompt.NewRegistry()
	defaultBlocksOnce sync.Once
)

// Blocks returns the process-wide block registry with every agent's default
// blocks registered.
func Blocks() *prompt.Registry {
	defaultBlocksOnce.Do(func() {
		RegisterBlocks(defaultBlocks)
	})
	return defaultBlocks
}

func RegisterBlocks(reg *prompt.Registry) {
	reg.MustRegister(
		prompt.Definition{Agent: WriterGenerate, CreateDefaultBlocks: writerBlocks},
		prompt.Definition{Agent: LibrarianChat, CreateDefaultBlocks: librarianChatBlocks},
		prompt.Definition{Agent: LibrarianRefine, CreateDefaultBlocks: refineBlocks},
		prompt.Definition{Agent: CharacterChat, CreateDefaultBlocks: characterBlocks},
		prompt.Definition{Agent: DirectionsSuggest, CreateDefaultBlocks: directionsBlocks},
	)
}

// Suite holds the streaming runners and the agent registry built over them.
type Suite struct {
	Registry *engine.Registry
	Streams  map[string]*pipeline.Runner
	Deps     pipeline.Deps

	store pipeline.Store
}

func NewSuite(deps pipeline.Deps) *Suite {
	s := &Suite{
		Registry: engine.NewRegistry(),
		Streams:  map[string]*pipeline.Runner{},
		Deps:     deps,
		store:    deps.Store,
	}
	for _, cfg := range []pipeline.Config{
		writerConfig(),
		librarianChatConfig(),
		s.refineConfig(),
		s.characterConfig(),
		directionsConfig(),
	} {
		s.Streams[cfg.Agent] = pipeline.New(cfg, deps)
	}

	for name, in := range map[string]*schema.Schema{
		WriterGenerate:  writerInputSchema,
		LibrarianChat:   librarianInputSchema,
		LibrarianRefine: refineInputSchema,
		CharacterChat:   characterInputSchema,
	} {
		s.Registry.MustRegister(engine.Definition{Name: name, InputSchema: in, Run: s.streamRun(name)})
	}
	s.Registry.MustRegister(engine.Definition{
		Name:         DirectionsSuggest,
		OutputSchema: schema.For(DirectionsOutput{}),
		Run:          s.suggestDirections,
	})
	s.Registry.MustRegister(engine.Definition{
		Name:         LibrarianSummarize,
		InputSchema:  schema.For(SummarizeInput{}),
		OutputSchema: schema.For(SummarizeOutput{}),
		AllowedCalls: []string{},
		Run:          summarize,
	})
	s.Registry.MustRegister(engine.Definition{
		Name:         LibrarianAnalyze,
		InputSchema:  schema.For(AnalyzeInput{}),
		OutputSchema: schema.For(AnalyzeOutput{}),
		AllowedCalls: []string{LibrarianSummarize},
		Run:          s.analyze,
	})
	return s
}

// Stream returns the streaming runner for agent.
func (s *Suite) Stream(agent string) (*pipeline.Runner, bool) {
	r, ok := s.Streams[agent]
	return r, ok
}

// Flush waits for background work of every streaming runner.
func (s *Suite) Flush() {
	for _, r := range s.Streams {
		r.Flush()
	}
}

// streamRun exposes a streaming agent to the runner. Its output is the live
// *pipeline.Result.
func (s *Suite) streamRun(agent string) engine.RunFunc {
	return func(ctx context.Context, inv *engine.Invocation, input any) (any, error) {
		res, err := s.Streams[agent].Run(ctx, inv.StoryID, input, pipeline.Options{})
		if err != nil {
			return nil, err
		}
		return res, nil
	}
}

type Direction struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type DirectionsOutput struct {
	Suggestions []Direction `json:"suggestions"`
}

// suggestDirections drains the directions stream and parses the JSON array
// the model replies with.
func (s *Suite) suggestDirections(ctx context.Context, inv *engine.Invocation, input any) (any, error) {
	res, err := s.Streams[DirectionsSuggest].Run(ctx, inv.StoryID, input, pipeline.Options{})
	if err != nil {
		return nil, err
	}
	for range res.Events() {
	}
	outcome, err := res.Wait()
	if err != nil {
		return nil, err
	}
	suggestions, err := ParseDirections(outcome.Text)
	if err != nil {
		return nil, err
	}
	return DirectionsOutput{Suggestions: suggestions}, nil
}

// ParseDirections extracts the JSON array from a model reply, ignoring any
// surrounding prose or code fences.
func ParseDirections(text string) ([]Direction, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end < start {
		return nil, fmt.Errorf("reply contains no JSON array")
	}
	var out []Direction
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("decode directions: %w", err)
	}
	filtered := out[:0]
	for _, d := range out {
		if strings.TrimSpace(d.Title) != "" {
			filtered = append(filtered, d)
		}
	}
	if len(filtered) == 0 {
		return nil, fmt.Errorf("reply contains no directions")
	}
	return filtered, nil
}

var _ engine.Opaque = (*pipeline.Result)(nil)
