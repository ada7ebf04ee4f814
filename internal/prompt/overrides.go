package prompt

import "github.com/flitsinc/storyforge/internal/state"

// ApplyOverrides returns the blocks that stay enabled under cfg, with
// override content modes and the explicit block order applied. Input order is
// preserved for blocks whose effective order ties.
func ApplyOverrides(blocks []Block, cfg state.BlockConfig) []Block {
	position := make(map[string]int, len(cfg.BlockOrder))
	for i, id := range cfg.BlockOrder {
		if _, seen := position[id]; !seen {
			position[id] = i
		}
	}

	out := make([]Block, 0, len(blocks))
	for _, block := range blocks {
		o, hasOverride := cfg.Overrides[block.ID]
		if hasOverride && !o.IsEnabled() {
			continue
		}
		if hasOverride {
			block.Content = applyContentMode(block.Content, o)
		}
		if pos, ok := position[block.ID]; ok {
			block.Order = pos
		}
		out = append(out, block)
	}
	return out
}

func applyContentMode(original string, o state.BlockOverride) string {
	switch o.ContentMode {
	case state.ContentModePrepend:
		return o.CustomContent + "\n\n" + original
	case state.ContentModeAppend:
		return original + "\n\n" + o.CustomContent
	case state.ContentModeOverride:
		return o.CustomContent
	default:
		return original
	}
}

// customBlockEnabled reports whether a custom block should be compiled: its
// own flag must be set and no override may disable it.
func customBlockEnabled(block state.CustomBlock, cfg state.BlockConfig) bool {
	if !block.Enabled {
		return false
	}
	if o, ok := cfg.Overrides[block.ID]; ok && !o.IsEnabled() {
		return false
	}
	return true
}
