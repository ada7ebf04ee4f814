package agents

import (
	"fmt"
	"strings"

	"github.com/flitsinc/storyforge/internal/prompt"
	"github.com/flitsinc/storyforge/internal/state"
)

const (
	BlockInstructions = "instructions"
	BlockGuidelines   = "gl-system"
	BlockStory        = "story-summary"
	BlockSticky       = "sticky"
	BlockShortlist    = "shortlist"
	BlockProse        = "prose"
)

const fragmentTypeGuideline = "guideline"

func instructions(text string) prompt.Block {
	return prompt.Block{ID: BlockInstructions, Role: state.BlockRoleSystem, Order: 0, Content: text}
}

// storyBlocks renders the shared story snapshot blocks. Sticky guidelines
// go to the system message; everything else is user content.
func storyBlocks(bctx prompt.BlockContext, withProse bool) []prompt.Block {
	sc := bctx.Story
	if sc == nil {
		return nil
	}
	var guidelines, sticky []state.Fragment
	for _, frag := range sc.Sticky {
		if frag.Type == fragmentTypeGuideline {
			guidelines = append(guidelines, frag)
		} else {
			sticky = append(sticky, frag)
		}
	}

	blocks := []prompt.Block{
		{ID: BlockGuidelines, Role: state.BlockRoleSystem, Order: 10, Content: renderFragments("Guidelines", guidelines)},
		{ID: BlockStory, Role: state.BlockRoleUser, Order: 0, Content: renderStory(sc.Story)},
		{ID: BlockSticky, Role: state.BlockRoleUser, Order: 10, Content: renderFragments("Reference", sticky)},
		{ID: BlockShortlist, Role: state.BlockRoleUser, Order: 20, Content: renderShortlist(sc.Shortlist)},
	}
	if withProse {
		blocks = append(blocks, prompt.Block{ID: BlockProse, Role: state.BlockRoleUser, Order: 30, Content: renderProse(sc.Prose)})
	}
	return blocks
}

func renderStory(story state.Story) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Story: %s", story.Name)
	if story.Description != "" {
		fmt.Fprintf(&b, "\n%s", story.Description)
	}
	if story.Summary != "" {
		fmt.Fprintf(&b, "\n\nSummary so far:\n%s", story.Summary)
	}
	return b.String()
}

func renderFragments(title string, frags []state.Fragment) string {
	if len(frags) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "## %s", title)
	for _, frag := range frags {
		fmt.Fprintf(&b, "\n\n### %s (%s, %s)\n%s", frag.Name, frag.Type, frag.ID, frag.Content)
	}
	return b.String()
}

func renderShortlist(items []prompt.FragmentSummary) string {
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Other fragments (use getFragment for details)")
	for _, item := range items {
		fmt.Fprintf(&b, "\n- %s [%s] %s", item.ID, item.Type, item.Name)
		if item.Description != "" {
			fmt.Fprintf(&b, ": %s", item.Description)
		}
	}
	return b.String()
}

func renderProse(prose []state.Fragment) string {
	if len(prose) == 0 {
		return "## Prose\n(The story has no prose yet.)"
	}
	parts := make([]string, 0, len(prose))
	for _, frag := range prose {
		parts = append(parts, frag.Content)
	}
	return "## Prose\n" + strings.Join(parts, "\n\n")
}

func fragmentBlock(id, title string, frag state.Fragment) prompt.Block {
	return prompt.Block{
		ID:      id,
		Role:    state.BlockRoleUser,
		Order:   40,
		Content: fmt.Sprintf("## %s: %s (%s)\n%s", title, frag.Name, frag.ID, frag.Content),
	}
}

// extraFragment returns a fragment placed in the block context by an
// agent's context extension.
func extraFragment(bctx prompt.BlockContext, key string) (state.Fragment, bool) {
	frag, ok := bctx.Extra[key].(state.Fragment)
	return frag, ok
}
