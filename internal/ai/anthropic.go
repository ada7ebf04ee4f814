package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicMaxTokens = 8192

type AnthropicProvider struct {
	client anthropic.Client
}

func NewAnthropicProvider(apiKey, baseURL string) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicProvider{client: anthropic.NewClient(opts...)}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Stream(ctx context.Context, req Request, emit func(Chunk)) (StepResult, error) {
	messages, err := anthropicMessages(req.Messages)
	if err != nil {
		return StepResult{}, fmt.Errorf("anthropic: %w", err)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = anthropicTools(req.Tools)
		params.ToolChoice = anthropicToolChoice(req.ToolChoice)
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var res StepResult
	var usage Usage
	var sawUsage bool
	var current *ToolCall
	var input strings.Builder
	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			usage.InputTokens = int(start.Message.Usage.InputTokens)
			sawUsage = true
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				current = &ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				input.Reset()
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				emit(Chunk{Type: ChunkText, Text: delta.Text})
			case "thinking_delta":
				emit(Chunk{Type: ChunkReasoning, Text: delta.Thinking})
			case "input_json_delta":
				input.WriteString(delta.PartialJSON)
			}
		case "content_block_stop":
			if current != nil {
				current.Args = json.RawMessage(input.String())
				res.ToolCalls = append(res.ToolCalls, *current)
				current = nil
			}
		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(delta.Usage.OutputTokens)
			}
			res.FinishReason = anthropicFinishReason(string(delta.Delta.StopReason))
		}
	}
	if err := stream.Err(); err != nil {
		return StepResult{}, fmt.Errorf("anthropic stream: %w", err)
	}
	if sawUsage {
		res.Usage = &usage
	}
	return res, nil
}

// anthropicMessages converts history. Consecutive tool results are merged
// into one user message, as the API requires.
func anthropicMessages(messages []Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	var pending []anthropic.ContentBlockParamUnion
	flush := func() {
		if len(pending) > 0 {
			out = append(out, anthropic.NewUserMessage(pending...))
			pending = nil
		}
	}
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			continue
		case RoleTool:
			pending = append(pending, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError))
			continue
		}
		flush()
		var blocks []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
		}
		for _, call := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(call.Args, &input); err != nil {
				return nil, fmt.Errorf("tool call %s input: %w", call.ID, err)
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}
		if len(blocks) == 0 {
			continue
		}
		if msg.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	flush()
	return out, nil
}

func anthropicTools(specs []ToolSpec) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		inputSchema := anthropic.ToolInputSchemaParam{Properties: spec.Parameters["properties"]}
		if required, ok := spec.Parameters["required"].([]any); ok {
			for _, r := range required {
				if name, ok := r.(string); ok {
					inputSchema.Required = append(inputSchema.Required, name)
				}
			}
		}
		tool := anthropic.ToolUnionParamOfTool(inputSchema, spec.Name)
		tool.OfTool.Description = anthropic.String(spec.Description)
		out = append(out, tool)
	}
	return out
}

func anthropicToolChoice(choice ToolChoice) anthropic.ToolChoiceUnionParam {
	switch choice {
	case "", ToolChoiceAuto:
		return anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
	case ToolChoiceRequired:
		return anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
	case ToolChoiceNone:
		return anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}
	default:
		return anthropic.ToolChoiceParamOfTool(string(choice))
	}
}

func anthropicFinishReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return FinishStop
	case "tool_use":
		return FinishToolCalls
	case "max_tokens":
		return FinishLength
	case "refusal":
		return FinishContentFilter
	default:
		return FinishOther
	}
}
