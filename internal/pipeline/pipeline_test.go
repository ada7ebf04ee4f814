package pipeline_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/flitsinc/storyforge/internal/ai"
	"github.com/flitsinc/storyforge/internal/eventbus"
	"github.com/flitsinc/storyforge/internal/pipeline"
	"github.com/flitsinc/storyforge/internal/prompt"
	"github.com/flitsinc/storyforge/internal/state"
	"github.com/flitsinc/storyforge/internal/telemetry"
	"github.com/flitsinc/storyforge/internal/testutil"
)

type fixture struct {
	store    *state.Store
	bus      *eventbus.Bus
	provider *testutil.ScriptedProvider
	metrics  *telemetry.Metrics
	deps     pipeline.Deps
	storyID  string
}

func newFixture(t *testing.T, steps ...testutil.ScriptStep) *fixture {
	t.Helper()
	db, closeFn := testutil.OpenTestDB(t)
	t.Cleanup(closeFn)
	store := state.NewStore(db)
	bus := eventbus.NewBus(db)

	story, err := store.PutStory(context.Background(), state.Story{Name: "The Lighthouse", Summary: "A keeper waits."})
	if err != nil {
		t.Fatalf("put story: %v", err)
	}
	if _, err := store.PutFragment(context.Background(), state.Fragment{StoryID: story.ID, Type: "character", Name: "Mara", Description: "the keeper", Content: "Mara keeps the light."}); err != nil {
		t.Fatalf("put fragment: %v", err)
	}

	blocks := prompt.NewRegistry()
	blocks.MustRegister(prompt.Definition{Agent: "librarian.chat", CreateDefaultBlocks: func(bctx prompt.BlockContext) []prompt.Block {
		out := []prompt.Block{
			{ID: "instructions", Role: state.BlockRoleSystem, Content: "You are the librarian."},
			{ID: "question", Role: state.BlockRoleUser, Order: 10, Content: bctx.String("question")},
		}
		if bctx.Story != nil {
			out = append(out, prompt.Block{ID: "story", Role: state.BlockRoleUser, Content: "Story: " + bctx.Story.Story.Name})
		}
		return out
	}})

	provider := testutil.NewScriptedProvider(steps...)
	providers := ai.NewProviders()
	providers.Register(provider.Name(), provider, "scripted-1")

	roles := ai.NewRoles()
	roles.MustRegister(
		ai.RoleDefinition{Key: ai.RootRole, Label: "Generation"},
		ai.RoleDefinition{Key: "librarian", Label: "Librarian"},
		ai.RoleDefinition{Key: "librarian.chat", Label: "Librarian chat"},
	)

	metrics := telemetry.NewMetrics()
	return &fixture{
		store:    store,
		bus:      bus,
		provider: provider,
		metrics:  metrics,
		storyID:  story.ID,
		deps: pipeline.Deps{
			Store:     store,
			Compiler:  &prompt.Compiler{Registry: blocks, Configs: store, Source: store},
			Roles:     roles,
			Providers: providers,
			Default:   ai.ModelChoice{Provider: provider.Name()},
			Bus:       bus,
			Metrics:   metrics,
		},
	}
}

func librarianChat() pipeline.Config {
	return pipeline.Config{
		Agent:       "librarian.chat",
		BaseContext: true,
		Validate: func(input any) (any, error) {
			m, _ := input.(map[string]any)
			q, _ := m["question"].(string)
			if strings.TrimSpace(q) == "" {
				return nil, errors.New("question is required")
			}
			return q, nil
		},
		ExtendContext: func(_ context.Context, call pipeline.Call) (map[string]any, error) {
			return map[string]any{"question": call.Input.(string)}, nil
		},
	}
}

func drain(res *pipeline.Result) []ai.Event {
	var out []ai.Event
	for ev := range res.Events() {
		out = append(out, ev)
	}
	return out
}

func eventTypes(events []ai.Event) []ai.EventType {
	var out []ai.EventType
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func TestRunStreamsWithToolsAndSingleFinish(t *testing.T) {
	f := newFixture(t,
		testutil.ScriptStep{
			Reasoning: []string{"look up Mara"},
			ToolCalls: []ai.ToolCall{{ID: "c1", Name: "listFragments", Args: json.RawMessage(`{"type":"character"}`)}},
			Usage:     &ai.Usage{InputTokens: 10, OutputTokens: 2},
		},
		testutil.ScriptStep{
			Text:  []string{"Mara is ", "the keeper."},
			Usage: &ai.Usage{InputTokens: 20, OutputTokens: 5},
		},
	)
	runner := pipeline.New(librarianChat(), f.deps)

	res, err := runner.Run(context.Background(), f.storyID, map[string]any{"question": "Who is Mara?"}, pipeline.Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if diff := cmp.Diff(pipeline.Stages, res.Stages); diff != "" {
		t.Fatalf("stages (-want +got):\n%s", diff)
	}
	if res.Model.Provider != "scripted" || res.Model.Model != "scripted-1" || res.Model.Source != "" {
		t.Fatalf("unexpected model resolution %+v", res.Model)
	}

	events := drain(res)
	wantTypes := []ai.EventType{ai.EventReasoning, ai.EventToolCall, ai.EventToolResult, ai.EventText, ai.EventText, ai.EventFinish}
	if diff := cmp.Diff(wantTypes, eventTypes(events)); diff != "" {
		t.Fatalf("event types (-want +got):\n%s", diff)
	}
	if last := events[len(events)-1]; last.StepCount != 2 || last.FinishReason != ai.FinishStop {
		t.Fatalf("unexpected finish %+v", last)
	}

	outcome, err := res.Wait()
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if outcome.Text != "Mara is the keeper." {
		t.Fatalf("unexpected text %q", outcome.Text)
	}

	req := f.provider.Requests()[0]
	if req.System != "You are the librarian." {
		t.Fatalf("unexpected system %q", req.System)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "Story: The Lighthouse\n\nWho is Mara?" {
		t.Fatalf("unexpected messages %+v", req.Messages)
	}

	recs, err := f.store.ListRunRecords(context.Background(), f.storyID, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(recs) != 1 || recs[0].RootRunID != res.RunID || recs[0].Status != state.RunStatusSuccess {
		t.Fatalf("unexpected run records %+v", recs)
	}
	if !strings.Contains(string(recs[0].Trace[0].Output.Value), "Mara is the keeper.") {
		t.Fatalf("expected final text in trace, got %s", recs[0].Trace[0].Output.Value)
	}

	runner.Flush()
	usage, err := f.bus.List(context.Background(), "usage", eventbus.ListOptions{StoryID: f.storyID})
	if err != nil {
		t.Fatalf("list usage: %v", err)
	}
	if len(usage) != 1 || usage[0].Body != "37 tokens" {
		t.Fatalf("unexpected usage events %+v", usage)
	}
}

func TestRunHonorsDisabledTools(t *testing.T) {
	f := newFixture(t, testutil.ScriptStep{Text: []string{"ok"}})
	cfg := state.BlockConfig{DisabledTools: []string{"searchFragments"}}
	if err := f.store.SaveBlockConfig(context.Background(), f.storyID, "librarian.chat", cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}
	runner := pipeline.New(librarianChat(), f.deps)

	res, err := runner.Run(context.Background(), f.storyID, map[string]any{"question": "?"}, pipeline.Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	drain(res)
	if _, err := res.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	var names []string
	for _, spec := range f.provider.Requests()[0].Tools {
		names = append(names, spec.Name)
	}
	want := []string{"getFragment", "listFragments", "listFragmentTypes"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("tools (-want +got):\n%s", diff)
	}
}

func TestRunFailsAtStage(t *testing.T) {
	f := newFixture(t)
	runner := pipeline.New(librarianChat(), f.deps)
	ctx := context.Background()

	_, err := runner.Run(ctx, "missing-story", map[string]any{"question": "?"}, pipeline.Options{})
	var stageErr *pipeline.StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != pipeline.StageValidateStory || !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected validate-story failure, got %v", err)
	}

	_, err = runner.Run(ctx, f.storyID, map[string]any{}, pipeline.Options{})
	if !errors.As(err, &stageErr) || stageErr.Stage != pipeline.StageValidateInput {
		t.Fatalf("expected validate-input failure, got %v", err)
	}

	recs, err := f.store.ListRunRecords(ctx, f.storyID, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(recs) != 1 || recs[0].Status != state.RunStatusError || !strings.Contains(recs[0].Error, "question is required") {
		t.Fatalf("unexpected records %+v", recs)
	}
}

func TestRunUnconfiguredProvider(t *testing.T) {
	f := newFixture(t)
	if _, err := f.store.SetRoleOverride(context.Background(), state.RoleOverride{Role: "librarian", Provider: "openai"}); err != nil {
		t.Fatalf("set override: %v", err)
	}
	runner := pipeline.New(librarianChat(), f.deps)

	_, err := runner.Run(context.Background(), f.storyID, map[string]any{"question": "?"}, pipeline.Options{})
	var stageErr *pipeline.StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != pipeline.StageResolveModel {
		t.Fatalf("expected resolve-model failure, got %v", err)
	}
}

func TestRunRoleOverrideFromChain(t *testing.T) {
	f := newFixture(t)
	other := testutil.NewScriptedProvider(testutil.ScriptStep{Text: []string{"from other"}})
	other.ID = "other"
	f.deps.Providers.Register("other", other, "other-large")
	if _, err := f.store.SetRoleOverride(context.Background(), state.RoleOverride{Role: "librarian", Provider: "other"}); err != nil {
		t.Fatalf("set override: %v", err)
	}
	runner := pipeline.New(librarianChat(), f.deps)

	res, err := runner.Run(context.Background(), f.storyID, map[string]any{"question": "?"}, pipeline.Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	drain(res)
	outcome, err := res.Wait()
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.Model.Source != "librarian" || res.Model.Model != "other-large" || outcome.Text != "from other" {
		t.Fatalf("unexpected resolution %+v / %q", res.Model, outcome.Text)
	}
	if len(f.provider.Requests()) != 0 {
		t.Fatalf("default provider should not be called")
	}
}

func TestRunStreamFailureHasNoFinish(t *testing.T) {
	f := newFixture(t,
		testutil.ScriptStep{Text: []string{"partial"}, ToolCalls: []ai.ToolCall{{ID: "c1", Name: "getFragment", Args: json.RawMessage(`{"id":"nope"}`)}}},
		testutil.ScriptStep{Err: errors.New("provider unavailable")},
	)
	runner := pipeline.New(librarianChat(), f.deps)

	res, err := runner.Run(context.Background(), f.storyID, map[string]any{"question": "?"}, pipeline.Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	events := drain(res)
	for _, ev := range events {
		if ev.Type == ai.EventFinish {
			t.Fatalf("failed stream must not finish: %+v", events)
		}
	}
	if _, err := res.Wait(); err == nil || !strings.Contains(err.Error(), "provider unavailable") {
		t.Fatalf("expected provider error, got %v", err)
	}
	runner.Flush()

	recs, err := f.store.ListRunRecords(context.Background(), f.storyID, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(recs) != 1 || recs[0].Status != state.RunStatusError {
		t.Fatalf("unexpected records %+v", recs)
	}
	usage, err := f.bus.List(context.Background(), "usage", eventbus.ListOptions{StoryID: f.storyID})
	if err != nil {
		t.Fatalf("list usage: %v", err)
	}
	if len(usage) != 0 {
		t.Fatalf("expected no usage without provider totals, got %+v", usage)
	}
}

func TestRunWithoutBaseContextSkipsStage(t *testing.T) {
	f := newFixture(t, testutil.ScriptStep{Text: []string{"ok"}})
	cfg := librarianChat()
	cfg.BaseContext = false
	cfg.Tools = pipeline.ToolsNone
	runner := pipeline.New(cfg, f.deps)

	res, err := runner.Run(context.Background(), f.storyID, map[string]any{"question": "?"}, pipeline.Options{MaxSteps: 1})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var want []string
	for _, s := range pipeline.Stages {
		if s != pipeline.StageBaseContext {
			want = append(want, s)
		}
	}
	if diff := cmp.Diff(want, res.Stages); diff != "" {
		t.Fatalf("stages (-want +got):\n%s", diff)
	}
	drain(res)
	if _, err := res.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if n := len(f.provider.Requests()[0].Tools); n != 0 {
		t.Fatalf("expected no tools, got %d", n)
	}
}

func TestWriteNDJSON(t *testing.T) {
	f := newFixture(t, testutil.ScriptStep{Text: []string{"a", "b"}})
	runner := pipeline.New(librarianChat(), f.deps)

	res, err := runner.Run(context.Background(), f.storyID, map[string]any{"question": "?"}, pipeline.Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var buf bytes.Buffer
	if _, err := pipeline.WriteNDJSON(&buf, res); err != nil {
		t.Fatalf("write: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %q", buf.String())
	}
	if lines[2] != `{"type":"finish","finishReason":"stop","stepCount":1}` {
		t.Fatalf("unexpected finish line %s", lines[2])
	}
}

func TestRunCancelled(t *testing.T) {
	block := make(chan struct{})
	f := newFixture(t, testutil.ScriptStep{Block: block})
	runner := pipeline.New(librarianChat(), f.deps)
	ctx, cancel := context.WithCancel(context.Background())

	res, err := runner.Run(ctx, f.storyID, map[string]any{"question": "?"}, pipeline.Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	cancel()
	done := make(chan error, 1)
	go func() {
		drain(res)
		_, err := res.Wait()
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("stream did not settle after cancel")
	}
}

func TestPreviewSkipsModel(t *testing.T) {
	f := newFixture(t)
	if err := f.store.SaveBlockConfig(context.Background(), f.storyID, "librarian.chat", state.BlockConfig{DisabledTools: []string{"searchFragments"}}); err != nil {
		t.Fatalf("save config: %v", err)
	}
	runner := pipeline.New(librarianChat(), f.deps)

	preview, err := runner.Preview(context.Background(), f.storyID, map[string]any{"question": "Who is Mara?"})
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if diff := cmp.Diff([]string{"getFragment", "listFragments", "listFragmentTypes"}, preview.Tools); diff != "" {
		t.Fatalf("tools (-want +got):\n%s", diff)
	}
	if preview.Messages[len(preview.Messages)-1].Content != "Story: The Lighthouse\n\nWho is Mara?" {
		t.Fatalf("unexpected user message %q", preview.Messages[len(preview.Messages)-1].Content)
	}
	if n := len(f.provider.Requests()); n != 0 {
		t.Fatalf("expected no model requests, got %d", n)
	}

	_, err = runner.Preview(context.Background(), f.storyID, map[string]any{})
	var stageErr *pipeline.StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != pipeline.StageValidateInput {
		t.Fatalf("expected validate-input failure, got %v", err)
	}
}

func TestFlushWaitsForUnsettledRuns(t *testing.T) {
	f := newFixture(t, testutil.ScriptStep{Text: []string{"ok"}, Usage: &ai.Usage{InputTokens: 4, OutputTokens: 1}})
	runner := pipeline.New(librarianChat(), f.deps)

	res, err := runner.Run(context.Background(), f.storyID, map[string]any{"question": "?"}, pipeline.Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	drain(res)
	// Flush before Wait must still cover this run's settle and usage report.
	runner.Flush()

	usage, err := f.bus.List(context.Background(), "usage", eventbus.ListOptions{StoryID: f.storyID})
	if err != nil {
		t.Fatalf("list usage: %v", err)
	}
	if len(usage) != 1 || usage[0].Body != "5 tokens" {
		t.Fatalf("expected usage reported before Flush returned, got %+v", usage)
	}
	recs, _ := f.store.ListRunRecords(context.Background(), f.storyID, 10)
	if len(recs) != 1 {
		t.Fatalf("expected run record before Flush returned, got %+v", recs)
	}
}
