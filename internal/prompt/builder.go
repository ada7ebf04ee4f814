package prompt

import (
	"sort"
	"strings"

	"github.com/flitsinc/storyforge/internal/ai"
	"github.com/flitsinc/storyforge/internal/state"
)

const (
	SourceBuiltin = "builtin"
	SourceCustom  = "custom"
	SourceScript  = "script"
)

// Block is one role-tagged chunk of prompt content.
type Block struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
	Order   int    `json:"order"`
	Source  string `json:"source"`
}

type Builder struct {
	blocks []Block
}

func NewBuilder() *Builder {
	return &Builder{}
}

// Add appends a block. Blocks with blank content are skipped.
func (b *Builder) Add(block Block) {
	if strings.TrimSpace(block.Content) == "" {
		return
	}
	if block.Role != state.BlockRoleSystem {
		block.Role = state.BlockRoleUser
	}
	b.blocks = append(b.blocks, block)
}

// Blocks returns the added blocks sorted for compilation: system before
// user, then by order. Ties keep insertion order.
func (b *Builder) Blocks() []Block {
	blocks := make([]Block, len(b.blocks))
	copy(blocks, b.blocks)
	sort.SliceStable(blocks, func(i, j int) bool {
		ri, rj := roleRank(blocks[i].Role), roleRank(blocks[j].Role)
		if ri != rj {
			return ri < rj
		}
		return blocks[i].Order < blocks[j].Order
	})
	return blocks
}

// Build joins adjacent blocks of the same role into one message per role
// group.
func (b *Builder) Build() []ai.Message {
	return CompileMessages(b.Blocks())
}

// CompileMessages groups already-sorted blocks into messages.
func CompileMessages(blocks []Block) []ai.Message {
	var out []ai.Message
	var sb strings.Builder
	role := ""
	flush := func() {
		if role != "" {
			out = append(out, ai.Message{Role: role, Content: sb.String()})
		}
		sb.Reset()
	}
	for _, block := range blocks {
		if block.Role != role {
			flush()
			role = block.Role
		} else {
			sb.WriteString("\n\n")
		}
		sb.WriteString(block.Content)
	}
	flush()
	return out
}

func roleRank(role string) int {
	if role == state.BlockRoleSystem {
		return 0
	}
	return 1
}
