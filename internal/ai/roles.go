package ai

import (
	"fmt"
	"strings"
	"sync"
)

// RootRole is the role every fallback chain ends at.
const RootRole = "generation"

type RoleDefinition struct {
	Key         string `json:"key"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// RoleInfo is a registered role together with its fallback chain.
type RoleInfo struct {
	RoleDefinition
	Chain []string `json:"chain"`
}

// ModelChoice names a provider and, optionally, a model. An empty model means
// the provider's default.
type ModelChoice struct {
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
}

// Resolution is the outcome of walking a role's fallback chain. Source is the
// role whose override supplied the choice, or empty for the global default.
type Resolution struct {
	ModelChoice
	Role   string `json:"role"`
	Source string `json:"source,omitempty"`
}

// FallbackChain returns key followed by each ancestor obtained by dropping
// trailing dot segments, ending with the root generation role.
func FallbackChain(key string) []string {
	key = strings.TrimSpace(key)
	var chain []string
	if key != "" {
		parts := strings.Split(key, ".")
		for i := len(parts); i > 0; i-- {
			chain = append(chain, strings.Join(parts[:i], "."))
		}
	}
	if len(chain) == 0 || chain[len(chain)-1] != RootRole {
		chain = append(chain, RootRole)
	}
	return chain
}

// ResolveProvider walks the fallback chain of key and returns the first role
// with an explicit provider override, else the global default.
func ResolveProvider(key string, overrides map[string]ModelChoice, global ModelChoice) Resolution {
	for _, role := range FallbackChain(key) {
		if choice, ok := overrides[role]; ok && choice.Provider != "" {
			return Resolution{ModelChoice: choice, Role: key, Source: role}
		}
	}
	return Resolution{ModelChoice: global, Role: key}
}

// Roles is the registry of model role definitions. It is filled once at boot
// and read concurrently afterwards.
type Roles struct {
	mu    sync.RWMutex
	defs  map[string]RoleDefinition
	order []string
}

func NewRoles() *Roles {
	return &Roles{defs: map[string]RoleDefinition{}}
}

func (r *Roles) Register(def RoleDefinition) error {
	def.Key = strings.TrimSpace(def.Key)
	if def.Key == "" {
		return fmt.Errorf("role key is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Key]; exists {
		return fmt.Errorf("role %q already registered", def.Key)
	}
	r.defs[def.Key] = def
	r.order = append(r.order, def.Key)
	return nil
}

func (r *Roles) MustRegister(defs ...RoleDefinition) {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
}

func (r *Roles) Get(key string) (RoleDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[key]
	return def, ok
}

// List returns the registered roles in registration order.
func (r *Roles) List() []RoleInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RoleInfo, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, RoleInfo{RoleDefinition: r.defs[key], Chain: FallbackChain(key)})
	}
	return out
}

// Resolve resolves a registered role. Unknown roles are a configuration
// error.
func (r *Roles) Resolve(key string, overrides map[string]ModelChoice, global ModelChoice) (Resolution, error) {
	if _, ok := r.Get(key); !ok {
		return Resolution{}, fmt.Errorf("model role %q is not registered", key)
	}
	return ResolveProvider(key, overrides, global), nil
}

var (
	defaultRoles     = NewRoles()
	defaultRolesOnce sync.Once
)

// DefaultRoles returns the process-wide role registry with the built-in roles
// registered.
func DefaultRoles() *Roles {
	defaultRolesOnce.Do(func() {
		defaultRoles.MustRegister(
			RoleDefinition{Key: RootRole, Label: "Generation", Description: "Default for every model-backed job"},
			RoleDefinition{Key: "writer", Label: "Writer", Description: "Prose generation"},
			RoleDefinition{Key: "librarian", Label: "Librarian", Description: "Story analysis and upkeep"},
			RoleDefinition{Key: "librarian.chat", Label: "Librarian chat"},
			RoleDefinition{Key: "librarian.refine", Label: "Librarian refine", Description: "Fragment refinement"},
			RoleDefinition{Key: "librarian.analyze", Label: "Librarian analysis"},
			RoleDefinition{Key: "librarian.summarize", Label: "Librarian summaries"},
			RoleDefinition{Key: "character", Label: "Character"},
			RoleDefinition{Key: "character.chat", Label: "Character chat", Description: "In-character conversation"},
			RoleDefinition{Key: "directions", Label: "Directions", Description: "Suggested next story beats"},
		)
	})
	return defaultRoles
}
