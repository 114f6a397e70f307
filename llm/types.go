package llm

import (
	"encoding/json"
	"strings"
)

// Role identifies who produced a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a model-initiated tool invocation.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDefinition is the schema a provider needs to offer a tool to the model.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"` // JSON Schema
}

// Message is one entry of model-visible conversation history, flattened to
// the shapes this engine actually produces: text, reasoning, tool calls, and
// tool results.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	Reasoning  string     `json:"reasoning,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // set on RoleTool messages
	IsError    bool       `json:"is_error,omitempty"`     // tool result error flag
}

// SystemMessage creates a system Message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

// UserMessage creates a user Message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// AssistantMessage creates an assistant Message with text content.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

// ToolResultMessage creates a tool result Message.
func ToolResultMessage(toolCallID, content string, isError bool) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: toolCallID, IsError: isError}
}

// Request is the input to a completion call.
type Request struct {
	Model       string           `json:"model"`
	System      string           `json:"system,omitempty"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
}

// Usage tracks token consumption for one completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add returns the sum of u and other.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
	}
}

// StreamEventType identifies the kind of stream event.
type StreamEventType string

const (
	EventTextDelta      StreamEventType = "text_delta"
	EventReasoningDelta StreamEventType = "reasoning_delta"
	EventToolCall       StreamEventType = "tool_call"
	EventDone           StreamEventType = "done"
	EventError          StreamEventType = "error"
)

// StreamEvent is a single event from a streaming completion. A well-formed
// stream is zero or more delta/tool_call events terminated by exactly one
// done or error event, after which the channel closes.
type StreamEvent struct {
	Type       StreamEventType `json:"type"`
	Text       string          `json:"text,omitempty"`
	Reasoning  string          `json:"reasoning,omitempty"`
	ToolCall   *ToolCall       `json:"tool_call,omitempty"`
	StopReason string          `json:"stop_reason,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`
	Err        error           `json:"-"`
}

// Response is a fully accumulated completion.
type Response struct {
	Text       string     `json:"text"`
	Reasoning  string     `json:"reasoning,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	StopReason string     `json:"stop_reason,omitempty"`
	Usage      Usage      `json:"usage"`
}

// Empty reports whether the completion carried no content at all. Providers
// occasionally return such responses; callers treat them as transient.
func (r *Response) Empty() bool {
	return strings.TrimSpace(r.Text) == "" && strings.TrimSpace(r.Reasoning) == "" && len(r.ToolCalls) == 0
}

// Accumulator folds a stream of events into a Response.
type Accumulator struct {
	text      strings.Builder
	reasoning strings.Builder
	toolCalls []ToolCall
	stop      string
	usage     Usage
	err       error
	done      bool
}

// Add consumes one stream event.
func (a *Accumulator) Add(ev StreamEvent) {
	switch ev.Type {
	case EventTextDelta:
		a.text.WriteString(ev.Text)
	case EventReasoningDelta:
		a.reasoning.WriteString(ev.Reasoning)
	case EventToolCall:
		if ev.ToolCall != nil {
			a.toolCalls = append(a.toolCalls, *ev.ToolCall)
		}
	case EventDone:
		a.done = true
		a.stop = ev.StopReason
		if ev.Usage != nil {
			a.usage = *ev.Usage
		}
	case EventError:
		a.err = ev.Err
	}
}

// Err returns the stream error, if any event carried one.
func (a *Accumulator) Err() error {
	return a.err
}

// Response returns the accumulated completion. A stream that terminated
// without error but produced no content yields an EmptyResponseError.
func (a *Accumulator) Response(provider string) (*Response, error) {
	if a.err != nil {
		return nil, a.err
	}
	resp := &Response{
		Text:       a.text.String(),
		Reasoning:  a.reasoning.String(),
		ToolCalls:  a.toolCalls,
		StopReason: a.stop,
		Usage:      a.usage,
	}
	if resp.Empty() {
		return nil, &EmptyResponseError{Provider: provider}
	}
	return resp, nil
}
