package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/flitsinc/storyforge/internal/ai"
	"github.com/flitsinc/storyforge/internal/pipeline"
	"github.com/flitsinc/storyforge/internal/prompt"
	"github.com/flitsinc/storyforge/internal/schema"
	"github.com/flitsinc/storyforge/internal/state"
)

const (
	WriterGenerate    = "writer.generate"
	LibrarianChat     = "librarian.chat"
	LibrarianRefine   = "librarian.refine"
	CharacterChat     = "character.chat"
	DirectionsSuggest = "directions.suggest"
)

type ChatTurn struct {
	Role    string `json:"role" jsonschema:"enum=user,enum=assistant"`
	Content string `json:"content"`
}

type WriterInput struct {
	Instruction string `json:"instruction" jsonschema_description:"What the next passage should do"`
	Words       int    `json:"words,omitempty" jsonschema_description:"Approximate length of the passage"`
}

type LibrarianChatInput struct {
	Message string     `json:"message" jsonschema_description:"The author's message"`
	History []ChatTurn `json:"history,omitempty"`
}

type RefineInput struct {
	FragmentID   string `json:"fragmentId" jsonschema_description:"Fragment to refine"`
	Instructions string `json:"instructions" jsonschema_description:"How the fragment should change"`
}

type CharacterChatInput struct {
	CharacterID string     `json:"characterId" jsonschema_description:"Character fragment to speak as"`
	Message     string     `json:"message"`
	History     []ChatTurn `json:"history,omitempty"`
}

type DirectionsInput struct {
	Count int `json:"count,omitempty" jsonschema:"minimum=1,maximum=10"`
}

var (
	writerInputSchema     = schema.For(WriterInput{})
	librarianInputSchema  = schema.For(LibrarianChatInput{})
	refineInputSchema     = schema.For(RefineInput{})
	characterInputSchema  = schema.For(CharacterChatInput{})
	directionsInputSchema = schema.For(DirectionsInput{})
)

// validator validates raw input against s and decodes it into T.
func validator[T any](s *schema.Schema) func(any) (any, error) {
	return func(input any) (any, error) {
		if input == nil {
			input = map[string]any{}
		}
		v, err := s.Validate(input)
		if err != nil {
			return nil, err
		}
		return schema.Decode[T](v)
	}
}

func withHistory(history []ChatTurn, messages []ai.Message) []ai.Message {
	if len(history) == 0 {
		return messages
	}
	out := make([]ai.Message, 0, len(history)+len(messages))
	for _, turn := range history {
		role := ai.RoleUser
		if turn.Role == "assistant" {
			role = ai.RoleAssistant
		}
		out = append(out, ai.Message{Role: role, Content: turn.Content})
	}
	return append(out, messages...)
}

func writerConfig() pipeline.Config {
	return pipeline.Config{
		Agent:       WriterGenerate,
		Role:        "writer",
		MaxSteps:    4,
		BaseContext: true,
		Tools:       pipeline.ToolsReadOnly,
		Validate:    validator[WriterInput](writerInputSchema),
		ExtendContext: func(_ context.Context, call pipeline.Call) (map[string]any, error) {
			in := call.Input.(WriterInput)
			words := in.Words
			if words <= 0 {
				words = 300
			}
			return map[string]any{"instruction": in.Instruction, "words": words}, nil
		},
	}
}

func writerBlocks(bctx prompt.BlockContext) []prompt.Block {
	blocks := []prompt.Block{instructions(
		"You are a fiction writer continuing a story in collaboration with its author. " +
			"Write only the next passage of prose. Match the established voice and tense. " +
			"Use the fragment tools to check details before relying on them.")}
	blocks = append(blocks, storyBlocks(bctx, true)...)
	words, _ := bctx.Extra["words"].(int)
	return append(blocks, prompt.Block{
		ID:      "instruction",
		Role:    state.BlockRoleUser,
		Order:   100,
		Content: fmt.Sprintf("Write the next passage (about %d words).\n\n%s", words, bctx.String("instruction")),
	})
}

func librarianChatConfig() pipeline.Config {
	return pipeline.Config{
		Agent:       LibrarianChat,
		MaxSteps:    6,
		BaseContext: true,
		Tools:       pipeline.ToolsReadOnly,
		Validate:    validator[LibrarianChatInput](librarianInputSchema),
		ExtendContext: func(_ context.Context, call pipeline.Call) (map[string]any, error) {
			return map[string]any{"message": call.Input.(LibrarianChatInput).Message}, nil
		},
		ShapeMessages: func(call pipeline.Call, messages []ai.Message) []ai.Message {
			return withHistory(call.Input.(LibrarianChatInput).History, messages)
		},
	}
}

func librarianChatBlocks(bctx prompt.BlockContext) []prompt.Block {
	blocks := []prompt.Block{instructions(
		"You are the story's librarian. You answer questions about the story's characters, " +
			"places and continuity. Look fragments up instead of guessing and cite fragment ids.")}
	blocks = append(blocks, storyBlocks(bctx, false)...)
	return append(blocks, prompt.Block{ID: "message", Role: state.BlockRoleUser, Order: 100, Content: bctx.String("message")})
}

func (s *Suite) refineConfig() pipeline.Config {
	return pipeline.Config{
		Agent:       LibrarianRefine,
		MaxSteps:    6,
		BaseContext: true,
		Tools:       pipeline.ToolsReadWrite,
		Validate:    validator[RefineInput](refineInputSchema),
		ExtendContext: func(ctx context.Context, call pipeline.Call) (map[string]any, error) {
			in := call.Input.(RefineInput)
			frag, err := s.store.GetFragment(ctx, call.StoryID, in.FragmentID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"target": frag, "instructions": in.Instructions}, nil
		},
	}
}

func refineBlocks(bctx prompt.BlockContext) []prompt.Block {
	blocks := []prompt.Block{instructions(
		"You are the story's librarian. Refine the target fragment as the author asks, " +
			"using updateFragment or editFragment. Keep facts consistent with other fragments.")}
	blocks = append(blocks, storyBlocks(bctx, false)...)
	if target, ok := extraFragment(bctx, "target"); ok {
		blocks = append(blocks, fragmentBlock("target", "Target fragment", target))
	}
	return append(blocks, prompt.Block{ID: "request", Role: state.BlockRoleUser, Order: 100, Content: bctx.String("instructions")})
}

func (s *Suite) characterConfig() pipeline.Config {
	return pipeline.Config{
		Agent:       CharacterChat,
		MaxSteps:    3,
		BaseContext: true,
		Tools:       pipeline.ToolsReadOnly,
		Validate:    validator[CharacterChatInput](characterInputSchema),
		ExtendContext: func(ctx context.Context, call pipeline.Call) (map[string]any, error) {
			in := call.Input.(CharacterChatInput)
			frag, err := s.store.GetFragment(ctx, call.StoryID, in.CharacterID)
			if err != nil {
				return nil, err
			}
			if frag.Type != "character" {
				return nil, fmt.Errorf("fragment %s is a %s, not a character", frag.ID, frag.Type)
			}
			return map[string]any{"character": frag, "message": in.Message}, nil
		},
		ShapeMessages: func(call pipeline.Call, messages []ai.Message) []ai.Message {
			return withHistory(call.Input.(CharacterChatInput).History, messages)
		},
	}
}

func characterBlocks(bctx prompt.BlockContext) []prompt.Block {
	name := "the character"
	character, ok := extraFragment(bctx, "character")
	if ok {
		name = character.Name
	}
	blocks := []prompt.Block{instructions(fmt.Sprintf(
		"You are %s. Stay in character and answer only with what %s would know and say.", name, name))}
	blocks = append(blocks, storyBlocks(bctx, false)...)
	if ok {
		blocks = append(blocks, fragmentBlock("character", "Character", character))
	}
	return append(blocks, prompt.Block{ID: "message", Role: state.BlockRoleUser, Order: 100, Content: bctx.String("message")})
}

func directionsConfig() pipeline.Config {
	return pipeline.Config{
		Agent:       DirectionsSuggest,
		Role:        "directions",
		MaxSteps:    3,
		BaseContext: true,
		Tools:       pipeline.ToolsReadOnly,
		Validate:    validator[DirectionsInput](directionsInputSchema),
		ExtendContext: func(_ context.Context, call pipeline.Call) (map[string]any, error) {
			count := call.Input.(DirectionsInput).Count
			if count <= 0 {
				count = 3
			}
			return map[string]any{"count": count}, nil
		},
	}
}

func directionsBlocks(bctx prompt.BlockContext) []prompt.Block {
	count, _ := bctx.Extra["count"].(int)
	blocks := []prompt.Block{instructions(strings.Join([]string{
		"You suggest where the story could go next.",
		fmt.Sprintf("Reply with a JSON array of %d objects with \"title\" and \"description\" fields and nothing else.", count),
	}, " "))}
	blocks = append(blocks, storyBlocks(bctx, true)...)
	return append(blocks, prompt.Block{ID: "request", Role: state.BlockRoleUser, Order: 100, Content: "Suggest the next directions."})
}
