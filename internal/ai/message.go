package ai

import "encoding/json"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one provider-neutral conversation message. Assistant messages
// may carry tool calls; tool messages answer exactly one call.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	ToolName   string     `json:"toolName,omitempty"`
	IsError    bool       `json:"isError,omitempty"`
}

type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Usage holds token totals. Providers that do not report usage leave it nil.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

func addUsage(total *Usage, step *Usage) *Usage {
	if step == nil {
		return total
	}
	if total == nil {
		total = &Usage{}
	}
	total.InputTokens += step.InputTokens
	total.OutputTokens += step.OutputTokens
	return total
}

const (
	FinishStop          = "stop"
	FinishToolCalls     = "tool-calls"
	FinishLength        = "length"
	FinishContentFilter = "content-filter"
	FinishOther         = "other"
)

// EventType values match the wire names of the event stream.
type EventType string

const (
	EventText       EventType = "text"
	EventReasoning  EventType = "reasoning"
	EventToolCall   EventType = "tool-call"
	EventToolResult EventType = "tool-result"
	EventFinish     EventType = "finish"
)

// Event is one item of a session's event stream, encoded as one NDJSON line.
type Event struct {
	Type         EventType       `json:"type"`
	Text         string          `json:"text,omitempty"`
	ID           string          `json:"id,omitempty"`
	ToolName     string          `json:"toolName,omitempty"`
	Args         json.RawMessage `json:"args,omitempty"`
	Result       any             `json:"result,omitempty"`
	FinishReason string          `json:"finishReason,omitempty"`
	StepCount    int             `json:"stepCount,omitempty"`
}
