// Package schema compiles JSON Schemas and validates decoded values against
// them. It is the single structural validation gate for agent input, agent
// output and tool parameters.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
	santhosh "github.com/santhosh-tekuri/jsonschema/v5"
)

type Schema struct {
	raw      json.RawMessage
	compiled *santhosh.Schema
}

var cache sync.Map

// Compile parses and compiles a JSON Schema document. Identical documents
// share one compiled schema.
func Compile(raw []byte) (*Schema, error) {
	key := string(raw)
	if cached, ok := cache.Load(key); ok {
		return cached.(*Schema), nil
	}
	compiled, err := santhosh.CompileString("schema.json", key)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	s := &Schema{raw: json.RawMessage(key), compiled: compiled}
	cache.Store(key, s)
	return s, nil
}

func MustCompile(raw string) *Schema {
	s, err := Compile([]byte(raw))
	if err != nil {
		panic(err)
	}
	return s
}

// For reflects a schema from the Go type of v. Fields without omitempty are
// required and unknown properties are rejected.
func For(v any) *Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	reflected := r.Reflect(v)
	reflected.Version = ""
	reflected.ID = ""
	raw, err := json.Marshal(reflected)
	if err != nil {
		panic(fmt.Sprintf("schema: marshal reflected schema: %v", err))
	}
	return &Schema{raw: raw, compiled: mustCompileReflected(raw)}
}

func mustCompileReflected(raw []byte) *santhosh.Schema {
	compiled, err := santhosh.CompileString("reflected.json", string(raw))
	if err != nil {
		panic(fmt.Sprintf("schema: compile reflected schema: %v", err))
	}
	return compiled
}

// Raw returns the JSON Schema document.
func (s *Schema) Raw() json.RawMessage {
	return s.raw
}

// Map returns the schema document decoded into a map, as provider tool
// definitions expect.
func (s *Schema) Map() map[string]any {
	var out map[string]any
	_ = json.Unmarshal(s.raw, &out)
	return out
}

// Validate checks v against the schema and returns the JSON-normalized value
// that was validated. Go values are normalized by a JSON round trip first.
func (s *Schema) Validate(v any) (any, error) {
	decoded, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	if err := s.compiled.Validate(decoded); err != nil {
		var verr *santhosh.ValidationError
		if errors.As(err, &verr) {
			return nil, &Error{Detail: flatten(verr)}
		}
		return nil, &Error{Detail: err.Error()}
	}
	return decoded, nil
}

// Normalize converts v into the generic JSON representation (maps, slices,
// float64, string, bool, nil).
func Normalize(v any) (any, error) {
	if raw, ok := v.(json.RawMessage); ok {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, fmt.Errorf("decode value: %w", err)
		}
		return decoded, nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return decoded, nil
}

// Decode converts a validated value into T.
func Decode[T any](v any) (T, error) {
	var out T
	if typed, ok := v.(T); ok {
		return typed, nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("encode value: %w", err)
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, fmt.Errorf("decode into %T: %w", out, err)
	}
	return out, nil
}

// Error describes a schema violation.
type Error struct {
	Detail string
}

func (e *Error) Error() string {
	return e.Detail
}

func flatten(err *santhosh.ValidationError) string {
	leaf := err
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	loc := leaf.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("%s: %s", loc, leaf.Message)
}
