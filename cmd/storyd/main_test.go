package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseInput(t *testing.T) {
	v, err := parseInput(`{"instruction":"Go."}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m, ok := v.(map[string]any); !ok || m["instruction"] != "Go." {
		t.Fatalf("unexpected input %#v", v)
	}
	if _, err := parseInput(`{`); err == nil {
		t.Fatalf("expected error for malformed input")
	}
}

func TestCommandFlags(t *testing.T) {
	invoke := buildInvokeCmd()
	for _, name := range []string{"story", "input", "max-depth", "max-calls", "timeout"} {
		if invoke.Flags().Lookup(name) == nil {
			t.Fatalf("invoke is missing --%s", name)
		}
	}
	if err := invoke.Args(invoke, nil); err == nil {
		t.Fatalf("invoke should require an agent name")
	}
	if buildServeCmd().Flags().Lookup("addr") == nil {
		t.Fatalf("serve is missing --addr")
	}
}

func TestWriteIndented(t *testing.T) {
	var buf bytes.Buffer
	if err := writeIndented(&buf, map[string]any{"a": 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.Contains(buf.String(), "\n  \"a\": 1\n") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}
