package ai

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFallbackChain(t *testing.T) {
	cases := map[string][]string{
		"librarian.chat.summarize": {"librarian.chat.summarize", "librarian.chat", "librarian", "generation"},
		"librarian":                {"librarian", "generation"},
		"generation":               {"generation"},
		"generation.fast":          {"generation.fast", "generation"},
		"":                         {"generation"},
	}
	for key, want := range cases {
		if diff := cmp.Diff(want, FallbackChain(key)); diff != "" {
			t.Fatalf("chain for %q (-want +got):\n%s", key, diff)
		}
	}
}

func TestResolveProviderWalksChain(t *testing.T) {
	global := ModelChoice{Provider: "anthropic", Model: "claude"}
	overrides := map[string]ModelChoice{
		"librarian": {Provider: "openai", Model: "gpt-4o"},
	}

	got := ResolveProvider("librarian.chat", overrides, global)
	if got.Provider != "openai" || got.Source != "librarian" {
		t.Fatalf("expected librarian override, got %+v", got)
	}

	overrides["librarian.chat"] = ModelChoice{Provider: "google"}
	got = ResolveProvider("librarian.chat", overrides, global)
	if got.Provider != "google" || got.Source != "librarian.chat" {
		t.Fatalf("expected nearest override to win, got %+v", got)
	}

	got = ResolveProvider("writer", overrides, global)
	if got.ModelChoice != global || got.Source != "" {
		t.Fatalf("expected global default, got %+v", got)
	}

	overrides["generation"] = ModelChoice{Provider: "openai"}
	got = ResolveProvider("writer", overrides, global)
	if got.Source != "generation" {
		t.Fatalf("expected generation override, got %+v", got)
	}
}

func TestResolveIgnoresOverrideWithoutProvider(t *testing.T) {
	global := ModelChoice{Provider: "anthropic"}
	got := ResolveProvider("librarian", map[string]ModelChoice{"librarian": {Model: "x"}}, global)
	if got.ModelChoice != global {
		t.Fatalf("expected global default, got %+v", got)
	}
}

func TestRolesRegistry(t *testing.T) {
	r := NewRoles()
	r.MustRegister(RoleDefinition{Key: "generation"}, RoleDefinition{Key: "writer"})
	if err := r.Register(RoleDefinition{Key: "writer"}); err == nil {
		t.Fatalf("expected duplicate role error")
	}
	if _, err := r.Resolve("unknown", nil, ModelChoice{Provider: "anthropic"}); err == nil {
		t.Fatalf("expected unknown role error")
	}
	list := r.List()
	if len(list) != 2 || list[1].Key != "writer" {
		t.Fatalf("unexpected list %+v", list)
	}
	if diff := cmp.Diff([]string{"writer", "generation"}, list[1].Chain); diff != "" {
		t.Fatalf("chain (-want +got):\n%s", diff)
	}
}

func TestDefaultRolesIdempotent(t *testing.T) {
	a := DefaultRoles()
	b := DefaultRoles()
	if a != b {
		t.Fatalf("expected shared registry")
	}
	if _, ok := a.Get("librarian.chat"); !ok {
		t.Fatalf("expected built-in librarian.chat role")
	}
}
