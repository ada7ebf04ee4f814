package agents_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/flitsinc/storyforge/internal/agents"
	"github.com/flitsinc/storyforge/internal/ai"
	"github.com/flitsinc/storyforge/internal/engine"
	"github.com/flitsinc/storyforge/internal/pipeline"
	"github.com/flitsinc/storyforge/internal/prompt"
	"github.com/flitsinc/storyforge/internal/state"
	"github.com/flitsinc/storyforge/internal/testutil"
)

type fixture struct {
	store    *state.Store
	suite    *agents.Suite
	runner   *engine.Runner
	provider *testutil.ScriptedProvider
	storyID  string
	mara     state.Fragment
	tone     state.Fragment
}

func newFixture(t *testing.T, steps ...testutil.ScriptStep) *fixture {
	t.Helper()
	store := testutil.OpenTestStore(t)
	ctx := context.Background()

	story, err := store.PutStory(ctx, state.Story{Name: "The Lighthouse", Summary: "A keeper waits for a ship."})
	if err != nil {
		t.Fatalf("put story: %v", err)
	}
	put := func(frag state.Fragment) state.Fragment {
		frag.StoryID = story.ID
		out, err := store.PutFragment(ctx, frag)
		if err != nil {
			t.Fatalf("put fragment: %v", err)
		}
		return out
	}
	mara := put(state.Fragment{Type: "character", Name: "Mara", Description: "the keeper", Content: "Mara keeps the light."})
	tone := put(state.Fragment{Type: "guideline", Name: "Tone", Content: "Quiet and cold.", Sticky: true})
	put(state.Fragment{Type: "prose", Name: "Opening", Order: 1, Content: "Mara lit the lamp. The fog came in! Mara waited."})
	put(state.Fragment{Type: "prose", Name: "Night", Order: 2, Content: "No ship came. Was it lost?"})

	provider := testutil.NewScriptedProvider(steps...)
	providers := ai.NewProviders()
	providers.Register(provider.Name(), provider, "scripted-1")

	suite := agents.NewSuite(pipeline.Deps{
		Store:     store,
		Compiler:  &prompt.Compiler{Registry: agents.Blocks(), Configs: store, Source: store},
		Roles:     ai.DefaultRoles(),
		Providers: providers,
		Default:   ai.ModelChoice{Provider: provider.Name()},
	})
	return &fixture{
		store:    store,
		suite:    suite,
		runner:   engine.NewRunner(suite.Registry, store, nil),
		provider: provider,
		storyID:  story.ID,
		mara:     mara,
		tone:     tone,
	}
}

func TestAnalyzeDelegatesToSummarize(t *testing.T) {
	f := newFixture(t)

	res, err := f.runner.Invoke(context.Background(), engine.InvokeArgs{StoryID: f.storyID, AgentName: agents.LibrarianAnalyze, Input: map[string]any{}})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	out := res.Output.(agents.AnalyzeOutput)
	if out.Summary != "Mara lit the lamp. The fog came in! Mara waited." {
		t.Fatalf("unexpected summary %q", out.Summary)
	}
	if out.Fragments != 2 || out.Words != 16 {
		t.Fatalf("unexpected counts %+v", out)
	}
	want := []agents.CharacterMention{{ID: f.mara.ID, Name: "Mara", Mentions: 2}}
	if diff := cmp.Diff(want, out.Characters); diff != "" {
		t.Fatalf("characters (-want +got):\n%s", diff)
	}

	var names []string
	for _, entry := range res.Trace {
		names = append(names, entry.AgentName)
	}
	if diff := cmp.Diff([]string{agents.LibrarianAnalyze, agents.LibrarianSummarize}, names); diff != "" {
		t.Fatalf("trace (-want +got):\n%s", diff)
	}
}

func TestSummarizeMayNotCallOtherAgents(t *testing.T) {
	def, ok := newFixture(t).suite.Registry.Get(agents.LibrarianSummarize)
	if !ok {
		t.Fatalf("summarize not registered")
	}
	if def.AllowedCalls == nil || len(def.AllowedCalls) != 0 {
		t.Fatalf("expected an empty allow list, got %v", def.AllowedCalls)
	}
}

func TestSummarizeValidatesInput(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner.Invoke(context.Background(), engine.InvokeArgs{AgentName: agents.LibrarianSummarize, Input: map[string]any{"maxSentences": 0}})
	if !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestStreamingAgentsValidateInput(t *testing.T) {
	f := newFixture(t)
	for _, tc := range []struct {
		agent string
		input map[string]any
	}{
		{agents.WriterGenerate, map[string]any{"instruction": 5}},
		{agents.LibrarianChat, map[string]any{"message": []string{"hi"}}},
		{agents.CharacterChat, map[string]any{"characterId": 7}},
	} {
		_, err := f.runner.Invoke(context.Background(), engine.InvokeArgs{StoryID: f.storyID, AgentName: tc.agent, Input: tc.input})
		if !errors.Is(err, engine.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", tc.agent, err)
		}
	}
	if n := len(f.provider.Requests()); n != 0 {
		t.Fatalf("expected no model requests, got %d", n)
	}
}

func TestSuggestDirections(t *testing.T) {
	f := newFixture(t, testutil.ScriptStep{Text: []string{
		"Here you go:\n```json\n[{\"title\":\"A ship\",\"description\":\"Lights on the horizon.\"},",
		"{\"title\":\"\",\"description\":\"dropped\"},{\"title\":\"Storm\",\"description\":\"The lamp fails.\"}]\n```",
	}})

	res, err := f.runner.Invoke(context.Background(), engine.InvokeArgs{StoryID: f.storyID, AgentName: agents.DirectionsSuggest, Input: map[string]any{"count": 2}})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	want := agents.DirectionsOutput{Suggestions: []agents.Direction{
		{Title: "A ship", Description: "Lights on the horizon."},
		{Title: "Storm", Description: "The lamp fails."},
	}}
	if diff := cmp.Diff(want, res.Output); diff != "" {
		t.Fatalf("output (-want +got):\n%s", diff)
	}
	system := f.provider.Requests()[0].System
	if !strings.Contains(system, "JSON array of 2 objects") || !strings.Contains(system, "Quiet and cold.") {
		t.Fatalf("unexpected system prompt %q", system)
	}
}

func TestParseDirectionsErrors(t *testing.T) {
	if _, err := agents.ParseDirections("no idea"); err == nil {
		t.Fatalf("expected error without array")
	}
	if _, err := agents.ParseDirections(`[{"title":""}]`); err == nil {
		t.Fatalf("expected error without titled directions")
	}
}

func TestStreamingAgentThroughRunner(t *testing.T) {
	f := newFixture(t, testutil.ScriptStep{Text: []string{"The fog thinned."}})

	res, err := f.runner.Invoke(context.Background(), engine.InvokeArgs{StoryID: f.storyID, AgentName: agents.WriterGenerate, Input: map[string]any{"instruction": "Let the fog lift."}})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	stream, ok := res.Output.(*pipeline.Result)
	if !ok {
		t.Fatalf("expected a live stream, got %T", res.Output)
	}
	for range stream.Events() {
	}
	outcome, err := stream.Wait()
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if outcome.Text != "The fog thinned." {
		t.Fatalf("unexpected text %q", outcome.Text)
	}
	if snap := res.Trace[0].Output; snap == nil || snap.Kind != state.SnapshotOpaque || snap.Type != "*pipeline.Result" {
		t.Fatalf("expected opaque snapshot, got %+v", snap)
	}

	recs, err := f.store.ListRunRecords(context.Background(), f.storyID, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	var streamRec *state.RunRecord
	for i := range recs {
		if recs[i].RootRunID == stream.RunID {
			streamRec = &recs[i]
		}
	}
	if streamRec == nil || streamRec.Trace[0].ParentRunID != res.RunID {
		t.Fatalf("expected stream record linked to runner run %s, got %+v", res.RunID, recs)
	}

	msgs := f.provider.Requests()[0].Messages
	last := msgs[len(msgs)-1].Content
	if !strings.Contains(last, "Mara lit the lamp.") || !strings.HasSuffix(last, "Let the fog lift.") {
		t.Fatalf("unexpected user message %q", last)
	}
}

func TestEveryStreamingAgentSharesStages(t *testing.T) {
	f := newFixture(t)
	inputs := map[string]any{
		agents.WriterGenerate:    map[string]any{"instruction": "Continue."},
		agents.LibrarianChat:     map[string]any{"message": "Who is Mara?", "history": []any{map[string]any{"role": "user", "content": "hi"}}},
		agents.LibrarianRefine:   map[string]any{"fragmentId": f.mara.ID, "instructions": "Make her older."},
		agents.CharacterChat:     map[string]any{"characterId": f.mara.ID, "message": "Any ships?"},
		agents.DirectionsSuggest: map[string]any{},
	}
	for agent, input := range inputs {
		runner, ok := f.suite.Stream(agent)
		if !ok {
			t.Fatalf("no stream for %s", agent)
		}
		res, err := runner.Run(context.Background(), f.storyID, input, pipeline.Options{})
		if err != nil {
			t.Fatalf("%s: run: %v", agent, err)
		}
		for range res.Events() {
		}
		if _, err := res.Wait(); err != nil {
			t.Fatalf("%s: wait: %v", agent, err)
		}
		if diff := cmp.Diff(pipeline.Stages, res.Stages); diff != "" {
			t.Fatalf("%s: stages (-want +got):\n%s", agent, diff)
		}
	}
	f.suite.Flush()
}

func TestCharacterChatNeedsCharacter(t *testing.T) {
	f := newFixture(t)
	runner, _ := f.suite.Stream(agents.CharacterChat)

	_, err := runner.Run(context.Background(), f.storyID, map[string]any{"characterId": f.tone.ID, "message": "hi"}, pipeline.Options{})
	var stageErr *pipeline.StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != pipeline.StageExtendContext {
		t.Fatalf("expected extend-context failure, got %v", err)
	}
}

func TestRefineUsesReadWriteTools(t *testing.T) {
	f := newFixture(t)
	runner, _ := f.suite.Stream(agents.LibrarianRefine)

	res, err := runner.Run(context.Background(), f.storyID, map[string]any{"fragmentId": f.mara.ID, "instructions": "Make her older."}, pipeline.Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for range res.Events() {
	}
	if _, err := res.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	req := f.provider.Requests()[0]
	if len(req.Tools) != 8 {
		t.Fatalf("expected 8 tools, got %d", len(req.Tools))
	}
	if !strings.Contains(req.Messages[len(req.Messages)-1].Content, "Mara keeps the light.") {
		t.Fatalf("expected target fragment in prompt")
	}
}
