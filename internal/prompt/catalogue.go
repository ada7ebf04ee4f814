package prompt

import (
	"context"
	"fmt"

	"github.com/flitsinc/storyforge/internal/ai"
	"github.com/flitsinc/storyforge/internal/state"
)

// CatalogueEntry describes one block an editor can customize.
type CatalogueEntry struct {
	ID       string               `json:"id"`
	Name     string               `json:"name,omitempty"`
	Role     string               `json:"role"`
	Order    int                  `json:"order"`
	Source   string               `json:"source"`
	Content  string               `json:"content"`
	Enabled  bool                 `json:"enabled"`
	Position int                  `json:"position"`
	Override *state.BlockOverride `json:"override,omitempty"`
}

// Catalogue lists the agent's default blocks followed by its custom blocks,
// annotated with their override state. Content is the unmodified default
// content, or the raw source for custom blocks. Position is the index in the
// explicit block order, or -1.
func (c *Compiler) Catalogue(ctx context.Context, storyID, agent string, bctx BlockContext) ([]CatalogueEntry, error) {
	def, ok := c.Registry.Get(agent)
	if !ok {
		return nil, fmt.Errorf("no block definition registered for agent %q", agent)
	}
	if bctx.StoryID == "" {
		bctx.StoryID = storyID
	}
	if bctx.Agent == "" {
		bctx.Agent = agent
	}
	cfg, err := c.Configs.LoadBlockConfig(ctx, storyID, agent)
	if err != nil {
		return nil, err
	}
	position := map[string]int{}
	for i, id := range cfg.BlockOrder {
		if _, seen := position[id]; !seen {
			position[id] = i
		}
	}
	annotate := func(e CatalogueEntry) CatalogueEntry {
		e.Position = -1
		if pos, ok := position[e.ID]; ok {
			e.Position = pos
		}
		if o, ok := cfg.Overrides[e.ID]; ok {
			o := o
			e.Override = &o
			e.Enabled = e.Enabled && o.IsEnabled()
		}
		return e
	}

	var out []CatalogueEntry
	for _, block := range defaultBlocks(def, bctx) {
		out = append(out, annotate(CatalogueEntry{
			ID: block.ID, Role: block.Role, Order: block.Order, Source: block.Source,
			Content: block.Content, Enabled: true,
		}))
	}
	for _, cb := range cfg.CustomBlocks {
		source := SourceCustom
		if cb.Type == state.CustomBlockScript {
			source = SourceScript
		}
		out = append(out, annotate(CatalogueEntry{
			ID: cb.ID, Name: cb.Name, Role: cb.Role, Order: cb.Order, Source: source,
			Content: cb.Content, Enabled: cb.Enabled,
		}))
	}
	return out, nil
}

// Preview is a compiled prompt without a model call.
type Preview struct {
	Messages      []ai.Message `json:"messages"`
	Blocks        []Block      `json:"blocks"`
	Tools         []string     `json:"tools"`
	DisabledTools []string     `json:"disabledTools,omitempty"`
}

// Preview compiles the agent's context against tools and reports which tool
// names survive the config's filter.
func (c *Compiler) Preview(ctx context.Context, storyID, agent string, bctx BlockContext, tools []ai.Tool) (Preview, error) {
	compiled, err := c.CompileAgentContext(ctx, storyID, agent, bctx, tools)
	if err != nil {
		return Preview{}, err
	}
	cfg, err := c.Configs.LoadBlockConfig(ctx, storyID, agent)
	if err != nil {
		return Preview{}, err
	}
	return Preview{
		Messages:      compiled.Messages,
		Blocks:        compiled.Blocks,
		Tools:         ai.ToolNames(compiled.Tools),
		DisabledTools: cfg.DisabledTools,
	}, nil
}
