package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/flitsinc/storyforge/internal/schema"
)

// RunFunc executes one agent. input has already passed InputSchema.
type RunFunc func(ctx context.Context, inv *Invocation, input any) (any, error)

type Definition struct {
	Name         string
	InputSchema  *schema.Schema
	OutputSchema *schema.Schema
	// AllowedCalls restricts which agents this one may invoke. Nil means
	// unrestricted; an empty non-nil slice forbids all nested calls.
	AllowedCalls []string
	Run          RunFunc
}

func (d Definition) allows(callee string) bool {
	if d.AllowedCalls == nil {
		return true
	}
	for _, name := range d.AllowedCalls {
		if name == callee {
			return true
		}
	}
	return false
}

type Registry struct {
	mu     sync.RWMutex
	agents map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{agents: map[string]Definition{}}
}

func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	if def.Run == nil {
		return fmt.Errorf("agent %q has no run function", def.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[def.Name]; exists {
		return fmt.Errorf("agent %q already registered", def.Name)
	}
	r.agents[def.Name] = def
	return nil
}

func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.agents[name]
	return def, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
