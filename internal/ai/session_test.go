package ai_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
	"testing"

	"go.uber.org/goleak"

	"github.com/flitsinc/storyforge/internal/ai"
	"github.com/flitsinc/storyforge/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type echoParams struct {
	Value string `json:"value"`
}

func echoTool() ai.Tool {
	return ai.NewTool("echo", "Echo a value", func(ctx context.Context, p echoParams) (any, error) {
		if p.Value == "fail" {
			return nil, errors.New("echo refused")
		}
		return map[string]any{"echo": p.Value}, nil
	})
}

func collect(t *testing.T, st *ai.Stream) []ai.Event {
	t.Helper()
	var events []ai.Event
	for ev := range st.Events() {
		events = append(events, ev)
	}
	return events
}

func TestSessionToolLoopEmitsSingleFinish(t *testing.T) {
	provider := testutil.NewScriptedProvider(
		testutil.ScriptStep{
			Reasoning: []string{"thinking"},
			Text:      []string{"Let me look. "},
			ToolCalls: []ai.ToolCall{
				{ID: "c1", Name: "echo", Args: json.RawMessage(`{"value":"a"}`)},
				{ID: "c2", Name: "echo", Args: json.RawMessage(`{"value":"fail"}`)},
			},
			Usage: &ai.Usage{InputTokens: 10, OutputTokens: 5},
		},
		testutil.ScriptStep{
			Text:  []string{"Done."},
			Usage: &ai.Usage{InputTokens: 20, OutputTokens: 3},
		},
	)
	session := &ai.Session{Provider: provider, Model: "m", Tools: []ai.Tool{echoTool()}, MaxSteps: 5}
	st := session.Stream(context.Background(), []ai.Message{{Role: ai.RoleUser, Content: "hi"}})
	events := collect(t, st)

	outcome, err := st.Wait()
	if err != nil {
		t.Fatalf("wait: %v", err)
	}

	var types []ai.EventType
	finishes := 0
	for _, ev := range events {
		types = append(types, ev.Type)
		if ev.Type == ai.EventFinish {
			finishes++
		}
	}
	want := []ai.EventType{ai.EventReasoning, ai.EventText, ai.EventToolCall, ai.EventToolCall,
		ai.EventToolResult, ai.EventToolResult, ai.EventText, ai.EventFinish}
	if len(types) != len(want) {
		t.Fatalf("expected %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s (%v)", i, want[i], types[i], types)
		}
	}
	if finishes != 1 {
		t.Fatalf("expected exactly one finish, got %d", finishes)
	}
	last := events[len(events)-1]
	if last.StepCount != 2 || last.FinishReason != ai.FinishStop {
		t.Fatalf("unexpected finish %+v", last)
	}

	failed, _ := events[5].Result.(map[string]any)
	if failed["error"] != "echo refused" {
		t.Fatalf("expected tool error as result, got %#v", events[5].Result)
	}
	if outcome.Text != "Let me look. Done." {
		t.Fatalf("unexpected text %q", outcome.Text)
	}
	if outcome.Usage == nil || outcome.Usage.InputTokens != 30 || outcome.Usage.OutputTokens != 8 {
		t.Fatalf("unexpected usage %+v", outcome.Usage)
	}

	reqs := provider.Requests()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(reqs))
	}
	second := reqs[1].Messages
	if len(second) != 4 || second[1].Role != ai.RoleAssistant || second[2].Role != ai.RoleTool || !second[3].IsError {
		t.Fatalf("unexpected history %+v", second)
	}
}

// appendTool reads the shared text, pauses, then writes it back with its
// value appended, so overlapping calls would lose updates.
func appendTool(mu *sync.Mutex, text *string, write bool) ai.Tool {
	fn := func(ctx context.Context, p echoParams) (any, error) {
		mu.Lock()
		current := *text
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		*text = current + p.Value
		mu.Unlock()
		return map[string]any{"status": "ok"}, nil
	}
	if write {
		return ai.NewWriteTool("append", "Append a value", fn)
	}
	return ai.NewTool("append", "Append a value", fn)
}

func TestSessionRunsWritingCallsInOrder(t *testing.T) {
	var calls []ai.ToolCall
	for i, v := range []string{"A", "B", "G", "D"} {
		calls = append(calls, ai.ToolCall{ID: string(rune('1' + i)), Name: "append", Args: json.RawMessage(`{"value":"` + v + `"}`)})
	}
	provider := testutil.NewScriptedProvider(
		testutil.ScriptStep{ToolCalls: calls},
		testutil.ScriptStep{Text: []string{"Done."}},
	)
	var mu sync.Mutex
	var text string
	session := &ai.Session{Provider: provider, Model: "m", Tools: []ai.Tool{echoTool(), appendTool(&mu, &text, true)}, MaxSteps: 3}
	st := session.Stream(context.Background(), []ai.Message{{Role: ai.RoleUser, Content: "hi"}})
	collect(t, st)
	if _, err := st.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if text != "ABGD" {
		t.Fatalf("expected writes applied in call order, got %q", text)
	}
}

func TestWritesDefaultsToReadOnly(t *testing.T) {
	var mu sync.Mutex
	var text string
	if ai.Writes(echoTool()) || ai.Writes(appendTool(&mu, &text, false)) {
		t.Fatalf("expected NewTool tools to be read-only")
	}
	if !ai.Writes(appendTool(&mu, &text, true)) {
		t.Fatalf("expected NewWriteTool tool to write")
	}
}

func TestSessionStopsAtMaxSteps(t *testing.T) {
	call := ai.ToolCall{ID: "c", Name: "echo", Args: json.RawMessage(`{"value":"x"}`)}
	provider := testutil.NewScriptedProvider(
		testutil.ScriptStep{ToolCalls: []ai.ToolCall{call}},
		testutil.ScriptStep{ToolCalls: []ai.ToolCall{call}},
		testutil.ScriptStep{Text: []string{"never"}},
	)
	session := &ai.Session{Provider: provider, Tools: []ai.Tool{echoTool()}, MaxSteps: 2}
	st := session.Stream(context.Background(), nil)
	events := collect(t, st)
	outcome, err := st.Wait()
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if outcome.Steps != 2 || outcome.FinishReason != ai.FinishToolCalls {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if events[len(events)-1].Type != ai.EventFinish {
		t.Fatalf("expected finish last")
	}
	if outcome.Usage != nil {
		t.Fatalf("expected nil usage when provider omits it, got %+v", outcome.Usage)
	}
}

func TestSessionFailureHasNoFinish(t *testing.T) {
	provider := testutil.NewScriptedProvider(
		testutil.ScriptStep{Text: []string{"partial"}, ToolCalls: []ai.ToolCall{{ID: "c", Name: "missing"}}},
		testutil.ScriptStep{Err: errors.New("upstream down")},
	)
	session := &ai.Session{Provider: provider, MaxSteps: 3}
	st := session.Stream(context.Background(), nil)
	events := collect(t, st)
	if _, err := st.Wait(); err == nil {
		t.Fatalf("expected error")
	}
	for _, ev := range events {
		if ev.Type == ai.EventFinish {
			t.Fatalf("failed stream must not emit finish")
		}
	}
	result, _ := events[2].Result.(map[string]any)
	if result["error"] == nil {
		t.Fatalf("expected unknown tool error result, got %+v", events[2])
	}
}

func TestSessionCancelledConsumerDoesNotLeak(t *testing.T) {
	block := make(chan struct{})
	provider := testutil.NewScriptedProvider(testutil.ScriptStep{Block: block})
	ctx, cancel := context.WithCancel(context.Background())
	st := (&ai.Session{Provider: provider}).Stream(ctx, nil)
	cancel()
	if _, err := st.Wait(); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestFilterTools(t *testing.T) {
	var tools []ai.Tool
	for _, name := range []string{"getFragment", "listFragments", "searchFragments", "listFragmentTypes", "createFragment"} {
		tools = append(tools, ai.NewTool(name, name, func(ctx context.Context, p echoParams) (any, error) { return nil, nil }))
	}
	got := ai.FilterTools(tools, []string{"searchFragments"})
	if len(got) != 4 {
		t.Fatalf("expected 4 tools, got %v", ai.ToolNames(got))
	}
	for _, tool := range got {
		if tool.Name() == "searchFragments" {
			t.Fatalf("searchFragments should be filtered")
		}
	}
}
