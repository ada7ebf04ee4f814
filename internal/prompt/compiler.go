package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/flitsinc/storyforge/internal/ai"
	"github.com/flitsinc/storyforge/internal/state"
	"github.com/flitsinc/storyforge/internal/telemetry"
)

// Definition produces an agent's default blocks.
type Definition struct {
	Agent               string
	CreateDefaultBlocks func(BlockContext) []Block
}

// Registry maps agent names to block definitions.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: map[string]Definition{}}
}

func (r *Registry) Register(def Definition) error {
	if def.Agent == "" || def.CreateDefaultBlocks == nil {
		return fmt.Errorf("block definition needs an agent and a factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Agent]; exists {
		return fmt.Errorf("block definition for %q already registered", def.Agent)
	}
	r.defs[def.Agent] = def
	return nil
}

func (r *Registry) MustRegister(defs ...Definition) {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) Get(agent string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[agent]
	return def, ok
}

func (r *Registry) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for name := range r.defs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ConfigStore loads persisted block configs.
type ConfigStore interface {
	LoadBlockConfig(ctx context.Context, storyID, agent string) (state.BlockConfig, error)
}

type Compiler struct {
	Registry *Registry
	Configs  ConfigStore
	Source   StorySource
	Scripts  *ScriptEvaluator
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
}

// Compiled is the prompt and tool set an agent sees.
type Compiled struct {
	Messages []ai.Message `json:"messages"`
	Blocks   []Block      `json:"blocks"`
	Tools    []ai.Tool    `json:"-"`
}

// CompileAgentContext builds the agent's default blocks, applies the stored
// config for (storyID, agent), groups the result into role messages and
// filters tools by the config's disabled list.
func (c *Compiler) CompileAgentContext(ctx context.Context, storyID, agent string, bctx BlockContext, tools []ai.Tool) (Compiled, error) {
	def, ok := c.Registry.Get(agent)
	if !ok {
		return Compiled{}, fmt.Errorf("no block definition registered for agent %q", agent)
	}
	if bctx.StoryID == "" {
		bctx.StoryID = storyID
	}
	if bctx.Agent == "" {
		bctx.Agent = agent
	}
	cfg, err := c.Configs.LoadBlockConfig(ctx, storyID, agent)
	if err != nil {
		return Compiled{}, err
	}

	blocks := defaultBlocks(def, bctx)
	blocks = append(blocks, c.customBlocks(ctx, cfg, bctx)...)

	builder := NewBuilder()
	for _, block := range ApplyOverrides(blocks, cfg) {
		builder.Add(block)
	}
	sorted := builder.Blocks()
	return Compiled{
		Messages: CompileMessages(sorted),
		Blocks:   sorted,
		Tools:    ai.FilterTools(tools, cfg.DisabledTools),
	}, nil
}

func defaultBlocks(def Definition, bctx BlockContext) []Block {
	blocks := def.CreateDefaultBlocks(bctx)
	for i := range blocks {
		if blocks[i].Source == "" {
			blocks[i].Source = SourceBuiltin
		}
	}
	return blocks
}

// customBlocks resolves the enabled custom blocks. Script failures degrade to
// a placeholder for that block only.
func (c *Compiler) customBlocks(ctx context.Context, cfg state.BlockConfig, bctx BlockContext) []Block {
	var out []Block
	for _, cb := range cfg.CustomBlocks {
		if !customBlockEnabled(cb, cfg) {
			continue
		}
		block := Block{ID: cb.ID, Role: cb.Role, Order: cb.Order, Content: cb.Content, Source: SourceCustom}
		if cb.Type == state.CustomBlockScript {
			block.Source = SourceScript
			content, err := c.Scripts.Evaluate(ctx, cb.Content, bctx, c.Source)
			if err != nil {
				c.logger().Debug("script block failed", "block", cb.ID, "agent", bctx.Agent, "error", err)
				c.Metrics.ScriptFailed(bctx.Agent)
				content = scriptPlaceholder(cb.ID, err)
			}
			block.Content = content
		}
		out = append(out, block)
	}
	return out
}

func (c *Compiler) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// SplitMessages separates the system instructions from the conversation
// messages of a compiled prompt.
func SplitMessages(messages []ai.Message) (string, []ai.Message) {
	var system []string
	var rest []ai.Message
	for _, msg := range messages {
		if msg.Role == ai.RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		rest = append(rest, msg)
	}
	return strings.Join(system, "\n\n"), rest
}
