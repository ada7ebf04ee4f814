package prompt_test

import (
	"context"
	"testing"

	"github.com/flitsinc/storyforge/internal/prompt"
	"github.com/flitsinc/storyforge/internal/state"
	"github.com/flitsinc/storyforge/internal/testutil"
)

func TestBuildStoryContext(t *testing.T) {
	store := testutil.OpenTestStore(t)
	ctx := context.Background()
	story, _ := store.PutStory(ctx, state.Story{Name: "Harbor", Summary: "Boats."})
	for _, f := range []state.Fragment{
		{StoryID: story.ID, Type: "prose", Name: "Two", Content: "Second.", Order: 2},
		{StoryID: story.ID, Type: "prose", Name: "One", Content: "First.", Order: 1},
		{StoryID: story.ID, Type: "character", Name: "Mara", Description: "keeper", Content: "Full bio.", Sticky: true},
		{StoryID: story.ID, Type: "knowledge", Name: "Tides", Description: "tide tables", Content: "Long table."},
	} {
		if _, err := store.PutFragment(ctx, f); err != nil {
			t.Fatalf("put fragment: %v", err)
		}
	}

	sc, err := prompt.BuildStoryContext(ctx, store, story.ID)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if sc.Story.Summary != "Boats." {
		t.Fatalf("unexpected story %+v", sc.Story)
	}
	if len(sc.Prose) != 2 || sc.Prose[0].Name != "One" {
		t.Fatalf("expected ordered prose, got %+v", sc.Prose)
	}
	if len(sc.Sticky) != 1 || sc.Sticky[0].Content != "Full bio." {
		t.Fatalf("unexpected sticky %+v", sc.Sticky)
	}
	if len(sc.Shortlist) != 1 || sc.Shortlist[0].Description != "tide tables" {
		t.Fatalf("unexpected shortlist %+v", sc.Shortlist)
	}
}

func TestBuildStoryContextMissingStory(t *testing.T) {
	store := testutil.OpenTestStore(t)
	if _, err := prompt.BuildStoryContext(context.Background(), store, "missing"); err == nil {
		t.Fatalf("expected error")
	}
}
