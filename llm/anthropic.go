package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider talks to the Anthropic Messages API with true streaming,
// including thinking deltas and incrementally assembled tool calls.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

// NewAnthropicProvider creates a provider bound to the given model. When
// apiKey is empty the SDK reads ANTHROPIC_API_KEY.
func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
		model:  model,
	}
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Complete implements Provider.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	params := p.buildParams(req)
	ch := make(chan StreamEvent, 64)

	go func() {
		defer close(ch)

		stream := p.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		var usage Usage
		stopReason := ""
		toolBlocks := make(map[int64]*toolBlockAccum)

		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case anthropic.MessageStartEvent:
				usage.InputTokens = int(ev.Message.Usage.InputTokens)
			case anthropic.ContentBlockStartEvent:
				if blk, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
					toolBlocks[ev.Index] = &toolBlockAccum{id: blk.ID, name: blk.Name}
				}
			case anthropic.ContentBlockDeltaEvent:
				switch d := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					ch <- StreamEvent{Type: EventTextDelta, Text: d.Text}
				case anthropic.ThinkingDelta:
					ch <- StreamEvent{Type: EventReasoningDelta, Reasoning: d.Thinking}
				case anthropic.InputJSONDelta:
					if tb := toolBlocks[ev.Index]; tb != nil {
						tb.args.WriteString(d.PartialJSON)
					}
				}
			case anthropic.ContentBlockStopEvent:
				if tb := toolBlocks[ev.Index]; tb != nil {
					delete(toolBlocks, ev.Index)
					ch <- StreamEvent{Type: EventToolCall, ToolCall: tb.toolCall()}
				}
			case anthropic.MessageDeltaEvent:
				stopReason = string(ev.Delta.StopReason)
				usage.OutputTokens = int(ev.Usage.OutputTokens)
			}
		}

		if err := stream.Err(); err != nil {
			ch <- StreamEvent{Type: EventError, Err: p.translateError(err)}
			return
		}
		ch <- StreamEvent{Type: EventDone, StopReason: stopReason, Usage: &usage}
	}()

	return ch, nil
}

type toolBlockAccum struct {
	id   string
	name string
	args strings.Builder
}

func (tb *toolBlockAccum) toolCall() *ToolCall {
	args := tb.args.String()
	if args == "" {
		args = "{}"
	}
	return &ToolCall{ID: tb.id, Name: tb.name, Arguments: json.RawMessage(args)}
}

// buildParams converts a Request into Anthropic message parameters.
func (p *AnthropicProvider) buildParams(req Request) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  convertMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = make([]anthropic.ToolUnionParam, len(req.Tools))
		for i, t := range req.Tools {
			toolParam := anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schemaProperties(t.Parameters),
				},
			}
			params.Tools[i] = anthropic.ToolUnionParam{OfTool: &toolParam}
		}
	}
	return params
}

// schemaProperties pulls the properties object out of a JSON Schema map.
func schemaProperties(schema map[string]interface{}) interface{} {
	if schema == nil {
		return map[string]interface{}{}
	}
	if props, ok := schema["properties"]; ok {
		return props
	}
	return map[string]interface{}{}
}

// convertMessages maps flat history messages to Anthropic content blocks.
// Tool results travel as user-role tool_result blocks.
func convertMessages(messages []Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case RoleAssistant:
			var content []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, anthropic.ContentBlockParamUnion{
					OfText: &anthropic.TextBlockParam{Text: msg.Content},
				})
			}
			for _, tc := range msg.ToolCalls {
				var input interface{}
				if err := json.Unmarshal(tc.Arguments, &input); err != nil {
					input = map[string]interface{}{}
				}
				content = append(content, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    tc.ID,
						Name:  tc.Name,
						Input: input,
					},
				})
			}
			if len(content) == 0 {
				continue
			}
			out = append(out, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: content,
			})
		case RoleTool:
			out = append(out, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{{
					OfToolResult: &anthropic.ToolResultBlockParam{
						ToolUseID: msg.ToolCallID,
						IsError:   anthropic.Bool(msg.IsError),
						Content: []anthropic.ToolResultBlockParamContentUnion{{
							OfText: &anthropic.TextBlockParam{Text: msg.Content},
						}},
					},
				}},
			})
		}
	}
	return out
}

// translateError classifies SDK errors into the provider error taxonomy.
func (p *AnthropicProvider) translateError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		pe := ErrorFromStatusCode("anthropic", apierr.StatusCode, apierr.Error(), nil).(*ProviderError)
		pe.Cause = err
		return pe
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &ProviderError{Provider: "anthropic", Message: err.Error(), Retryable: true, Cause: err}
}
