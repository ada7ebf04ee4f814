package prompt

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestScriptEvaluatorResultConversion(t *testing.T) {
	e := &ScriptEvaluator{Timeout: time.Second}
	bctx := BlockContext{StoryID: "s1", Agent: "writer.generate", Extra: map[string]any{"mood": "grim"}}
	cases := []struct{ src, want string }{
		{`"Mood: " + extra.mood`, "Mood: grim"},
		{`agent`, "writer.generate"},
		{`nil`, ""},
		{`["a", "b"]`, "a\nb"},
		{`1 + 2`, "3"},
		{`len(fragments("prose"))`, "0"},
	}
	for _, tc := range cases {
		got, err := e.Evaluate(context.Background(), tc.src, bctx, nil)
		if err != nil {
			t.Fatalf("%s: %v", tc.src, err)
		}
		if got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.src, tc.want, got)
		}
	}
}

func TestScriptEvaluatorRejectsNow(t *testing.T) {
	e := &ScriptEvaluator{}
	if _, err := e.Evaluate(context.Background(), `now()`, BlockContext{}, nil); err == nil {
		t.Fatalf("expected now() to be unavailable")
	}
}

func TestScriptEvaluatorNodeBudget(t *testing.T) {
	e := &ScriptEvaluator{MaxNodes: 5}
	src := strings.Repeat("1 + ", 20) + "1"
	if _, err := e.Evaluate(context.Background(), src, BlockContext{}, nil); err == nil {
		t.Fatalf("expected node budget error")
	}
}

func TestScriptPlaceholder(t *testing.T) {
	got := scriptPlaceholder("cast", context.DeadlineExceeded)
	if got != `[script error in block "cast": context deadline exceeded]` {
		t.Fatalf("unexpected placeholder %q", got)
	}
}
