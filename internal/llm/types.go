// Package llm provides the model provider contract and its Anthropic and
// Azure OpenAI implementations.
package llm

import "log/slog"

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message is one turn in a conversation sent to the model.
type Message struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	// ID is provider-assigned and correlates a tool_result with its call.
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Tool is a tool definition offered to the model.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ChatResponse is the provider-neutral result of one model request.
type ChatResponse struct {
	Model      string
	Message    Message
	StopReason string

	InputTokens  int
	OutputTokens int
}

// HasToolCalls reports whether the model asked for any tools.
func (r *ChatResponse) HasToolCalls() bool {
	return r != nil && len(r.Message.ToolCalls) > 0
}

// StreamEvent is a single event in a streaming response. Consumers
// switch on Kind to determine which fields are set.
type StreamEvent struct {
	Kind StreamEventKind

	// Token is set for KindToken events.
	Token string

	// ToolCall is set for KindToolUseStart. Arguments are not yet known
	// at that point; the complete calls arrive on the final response.
	ToolCall *ToolCall

	// Response is set for KindDone.
	Response *ChatResponse
}

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindToken is an incremental text token from the model.
	KindToken StreamEventKind = iota

	// KindToolUseStart fires when the model opens a tool_use block.
	KindToolUseStart

	// KindDone signals the stream is complete.
	KindDone
)

// StreamCallback receives streaming events.
type StreamCallback func(event StreamEvent)
