package ai

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/genai"
)

type GoogleProvider struct {
	client *genai.Client
}

func NewGoogleProvider(ctx context.Context, apiKey string) (*GoogleProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}
	return &GoogleProvider{client: client}, nil
}

func (p *GoogleProvider) Name() string { return "google" }

func (p *GoogleProvider) Stream(ctx context.Context, req Request, emit func(Chunk)) (StepResult, error) {
	contents, err := googleContents(req.Messages)
	if err != nil {
		return StepResult{}, fmt.Errorf("google: %w", err)
	}
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, spec := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 spec.Name,
				Description:          spec.Description,
				ParametersJsonSchema: spec.Parameters,
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
		config.ToolConfig = &genai.ToolConfig{FunctionCallingConfig: googleCallingConfig(req.ToolChoice)}
	}

	var res StepResult
	callSeq := 0
	for resp, err := range p.client.Models.GenerateContentStream(ctx, req.Model, contents, config) {
		if err != nil {
			return StepResult{}, fmt.Errorf("google stream: %w", err)
		}
		if resp.UsageMetadata != nil {
			res.Usage = &Usage{
				InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
				OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			}
		}
		if len(resp.Candidates) == 0 {
			continue
		}
		cand := resp.Candidates[0]
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				switch {
				case part.FunctionCall != nil:
					callSeq++
					id := part.FunctionCall.ID
					if id == "" {
						id = fmt.Sprintf("call_%d", callSeq)
					}
					args, err := json.Marshal(part.FunctionCall.Args)
					if err != nil {
						return StepResult{}, fmt.Errorf("google: encode function args: %w", err)
					}
					res.ToolCalls = append(res.ToolCalls, ToolCall{ID: id, Name: part.FunctionCall.Name, Args: args})
				case part.Thought && part.Text != "":
					emit(Chunk{Type: ChunkReasoning, Text: part.Text})
				case part.Text != "":
					emit(Chunk{Type: ChunkText, Text: part.Text})
				}
			}
		}
		if cand.FinishReason != "" {
			res.FinishReason = googleFinishReason(cand.FinishReason)
		}
	}
	if len(res.ToolCalls) > 0 {
		res.FinishReason = FinishToolCalls
	}
	return res, nil
}

func googleContents(messages []Message) ([]*genai.Content, error) {
	var out []*genai.Content
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			continue
		case RoleTool:
			var response map[string]any
			if err := json.Unmarshal([]byte(msg.Content), &response); err != nil || response == nil {
				response = map[string]any{"output": msg.Content}
			}
			part := &genai.Part{FunctionResponse: &genai.FunctionResponse{ID: msg.ToolCallID, Name: msg.ToolName, Response: response}}
			// Function responses for one step share a single user turn.
			if n := len(out); n > 0 && out[n-1].Role == genai.RoleUser && out[n-1].Parts[0].FunctionResponse != nil {
				out[n-1].Parts = append(out[n-1].Parts, part)
				continue
			}
			out = append(out, genai.NewContentFromParts([]*genai.Part{part}, genai.RoleUser))
		case RoleAssistant:
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, genai.NewPartFromText(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				var args map[string]any
				if err := json.Unmarshal(call.Args, &args); err != nil {
					return nil, fmt.Errorf("tool call %s args: %w", call.ID, err)
				}
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: call.ID, Name: call.Name, Args: args}})
			}
			if len(parts) > 0 {
				out = append(out, genai.NewContentFromParts(parts, genai.RoleModel))
			}
		default:
			out = append(out, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}
	return out, nil
}

func googleCallingConfig(choice ToolChoice) *genai.FunctionCallingConfig {
	switch choice {
	case "", ToolChoiceAuto:
		return &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAuto}
	case ToolChoiceRequired:
		return &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAny}
	case ToolChoiceNone:
		return &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeNone}
	default:
		return &genai.FunctionCallingConfig{
			Mode:                 genai.FunctionCallingConfigModeAny,
			AllowedFunctionNames: []string{string(choice)},
		}
	}
}

func googleFinishReason(reason genai.FinishReason) string {
	switch reason {
	case genai.FinishReasonStop:
		return FinishStop
	case genai.FinishReasonMaxTokens:
		return FinishLength
	case genai.FinishReasonSafety:
		return FinishContentFilter
	default:
		return FinishOther
	}
}
