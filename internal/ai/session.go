package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Session drives a tool-calling conversation with one model for up to
// MaxSteps steps.
type Session struct {
	Provider   Provider
	Model      string
	System     string
	Tools      []Tool
	MaxSteps   int
	ToolChoice ToolChoice
	MaxTokens  int
	Logger     *slog.Logger
}

// Outcome summarizes a settled stream.
type Outcome struct {
	Text         string `json:"text"`
	FinishReason string `json:"finishReason"`
	Steps        int    `json:"steps"`
	Usage        *Usage `json:"usage,omitempty"`
}

// Stream is a running session. Events must be drained (or the context
// cancelled) for the stream to settle.
type Stream struct {
	events  chan Event
	done    chan struct{}
	outcome Outcome
	err     error
}

func (st *Stream) Events() <-chan Event {
	return st.events
}

// Wait blocks until the stream settles. A successful stream has emitted
// exactly one finish event; a failed stream emits none.
func (st *Stream) Wait() (Outcome, error) {
	<-st.done
	return st.outcome, st.err
}

func (s *Session) Stream(ctx context.Context, messages []Message) *Stream {
	st := &Stream{events: make(chan Event, 32), done: make(chan struct{})}
	go s.run(ctx, st, messages)
	return st
}

const maxParallelTools = 4

func (s *Session) run(ctx context.Context, st *Stream, messages []Message) {
	defer close(st.done)
	defer close(st.events)

	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxSteps := s.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 1
	}
	if s.Provider == nil {
		st.err = fmt.Errorf("session has no provider")
		return
	}

	byName := make(map[string]Tool, len(s.Tools))
	for _, tool := range s.Tools {
		byName[tool.Name()] = tool
	}
	specs := toolSpecs(s.Tools)
	history := append([]Message(nil), messages...)

	var text strings.Builder
	var usage *Usage
	var res StepResult
	step := 0
	for step < maxSteps {
		step++
		var stepText strings.Builder
		var emitErr error
		req := Request{
			Model:      s.Model,
			System:     s.System,
			Messages:   history,
			Tools:      specs,
			ToolChoice: s.ToolChoice,
			MaxTokens:  s.MaxTokens,
		}
		var err error
		res, err = s.Provider.Stream(ctx, req, func(c Chunk) {
			if emitErr != nil || c.Text == "" {
				return
			}
			ev := Event{Type: EventReasoning, Text: c.Text}
			if c.Type == ChunkText {
				ev.Type = EventText
				stepText.WriteString(c.Text)
			}
			emitErr = st.send(ctx, ev)
		})
		if err == nil {
			err = emitErr
		}
		if err != nil {
			st.err = fmt.Errorf("step %d: %w", step, err)
			return
		}
		usage = addUsage(usage, res.Usage)
		text.WriteString(stepText.String())
		logger.Debug("model step finished", "provider", s.Provider.Name(), "model", s.Model,
			"step", step, "finish_reason", res.FinishReason, "tool_calls", len(res.ToolCalls))

		if len(res.ToolCalls) == 0 {
			break
		}
		calls := make([]ToolCall, len(res.ToolCalls))
		for i, call := range res.ToolCalls {
			call.Args = normalizeArgs(call.Args)
			calls[i] = call
			if err := st.send(ctx, Event{Type: EventToolCall, ID: call.ID, ToolName: call.Name, Args: call.Args}); err != nil {
				st.err = err
				return
			}
		}
		results := s.executeTools(ctx, byName, calls, logger)
		history = append(history, Message{Role: RoleAssistant, Content: stepText.String(), ToolCalls: calls})
		for i, call := range calls {
			if err := st.send(ctx, Event{Type: EventToolResult, ID: call.ID, ToolName: call.Name, Result: results[i].value}); err != nil {
				st.err = err
				return
			}
			history = append(history, Message{
				Role:       RoleTool,
				Content:    encodeResult(results[i].value),
				ToolCallID: call.ID,
				ToolName:   call.Name,
				IsError:    results[i].failed,
			})
		}
	}

	finishReason := res.FinishReason
	if finishReason == "" {
		finishReason = FinishOther
	}
	st.outcome = Outcome{Text: text.String(), FinishReason: finishReason, Steps: step, Usage: usage}
	if err := st.send(ctx, Event{Type: EventFinish, FinishReason: finishReason, StepCount: step}); err != nil {
		st.err = err
	}
}

type toolResult struct {
	value  any
	failed bool
}

// executeTools runs one step's tool calls. Read-only steps run concurrently;
// a step with any writing call runs sequentially in call order. Failures
// become error results and never abort the session.
func (s *Session) executeTools(ctx context.Context, byName map[string]Tool, calls []ToolCall, logger *slog.Logger) []toolResult {
	results := make([]toolResult, len(calls))
	run := func(i int, call ToolCall) {
		tool, ok := byName[call.Name]
		if !ok {
			results[i] = toolResult{value: map[string]any{"error": fmt.Sprintf("unknown tool %q", call.Name)}, failed: true}
			return
		}
		value, err := tool.Execute(ctx, call.Args)
		if err != nil {
			logger.Debug("tool call failed", "tool", call.Name, "error", err)
			results[i] = toolResult{value: map[string]any{"error": err.Error()}, failed: true}
			return
		}
		results[i] = toolResult{value: value}
	}

	sequential := false
	for _, call := range calls {
		if tool, ok := byName[call.Name]; ok && Writes(tool) {
			sequential = true
			break
		}
	}
	if sequential {
		for i, call := range calls {
			run(i, call)
		}
		return results
	}

	var g errgroup.Group
	g.SetLimit(maxParallelTools)
	for i, call := range calls {
		g.Go(func() error {
			run(i, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (st *Stream) send(ctx context.Context, ev Event) error {
	select {
	case st.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func normalizeArgs(args json.RawMessage) json.RawMessage {
	if len(strings.TrimSpace(string(args))) == 0 {
		return json.RawMessage(`{}`)
	}
	if !json.Valid(args) {
		quoted, _ := json.Marshal(string(args))
		return quoted
	}
	return args
}

func encodeResult(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}
