package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmProvider adapts a gollm.LLM instance to the Provider interface. gollm
// covers the OpenAI-compatible provider family behind one configuration
// surface; tool calls come back embedded in text and are parsed out.
type GollmProvider struct {
	name  string
	model string

	// gollm reads options at call time, so per-request overrides and the
	// call they shape must not interleave across goroutines.
	mu  sync.Mutex
	llm gollm.LLM
}

// GollmOption configures a GollmProvider.
type GollmOption func(*gollmConfig)

type gollmConfig struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithAPIKey sets the API key. When empty, gollm reads provider-specific
// environment variables.
func WithAPIKey(key string) GollmOption {
	return func(c *gollmConfig) { c.apiKey = key }
}

// WithModel sets the default model.
func WithModel(model string) GollmOption {
	return func(c *gollmConfig) { c.model = model }
}

// WithMaxTokens sets the default completion budget.
func WithMaxTokens(n int) GollmOption {
	return func(c *gollmConfig) { c.maxTokens = n }
}

// WithGollmOptions appends raw gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmOption {
	return func(c *gollmConfig) { c.extraOpts = append(c.extraOpts, opts...) }
}

// NewGollmProvider creates a GollmProvider for the named upstream provider.
func NewGollmProvider(provider string, opts ...GollmOption) (*GollmProvider, error) {
	cfg := &gollmConfig{
		maxTokens:   4096,
		temperature: 0.7,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	model := cfg.model
	if model == "" {
		switch provider {
		case "anthropic":
			model = "claude-sonnet-4-5"
		default:
			model = "gpt-4o-mini"
		}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // the engine owns retry behavior
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(cfg.apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	inner, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gollm LLM for provider %s: %w", provider, err)
	}

	return &GollmProvider{name: provider, llm: inner, model: model}, nil
}

// Name returns the upstream provider identifier.
func (p *GollmProvider) Name() string {
	return p.name
}

// Complete implements Provider.
func (p *GollmProvider) Complete(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	prompt := p.translateRequest(req)

	ch := make(chan StreamEvent, 64)

	if !p.llm.SupportsStreaming() {
		go func() {
			defer close(ch)
			p.mu.Lock()
			p.applyRequestOptions(req)
			text, err := p.llm.Generate(ctx, prompt)
			p.mu.Unlock()
			if err != nil {
				ch <- StreamEvent{Type: EventError, Err: p.translateError(err)}
				return
			}
			p.emitParsed(ch, text)
		}()
		return ch, nil
	}

	p.mu.Lock()
	p.applyRequestOptions(req)
	stream, err := p.llm.Stream(ctx, prompt)
	p.mu.Unlock()
	if err != nil {
		return nil, p.translateError(err)
	}

	go func() {
		defer close(ch)
		defer stream.Close()

		var full strings.Builder
		for {
			token, err := stream.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				ch <- StreamEvent{Type: EventError, Err: p.translateError(err)}
				return
			}
			if token == nil {
				continue
			}
			ch <- StreamEvent{Type: EventTextDelta, Text: token.Text}
			full.WriteString(token.Text)
		}

		// Tool calls arrive embedded in the text; surface them once the
		// stream is complete.
		calls := parseEmbeddedToolCalls(full.String())
		for i := range calls {
			ch <- StreamEvent{Type: EventToolCall, ToolCall: &calls[i]}
		}
		stop := "stop"
		if len(calls) > 0 {
			stop = "tool_calls"
		}
		ch <- StreamEvent{
			Type:       EventDone,
			StopReason: stop,
			Usage:      &Usage{OutputTokens: full.Len() / 4},
		}
	}()

	return ch, nil
}

// emitParsed splits a full generation into deltas, tool calls, and a done
// event on ch.
func (p *GollmProvider) emitParsed(ch chan<- StreamEvent, text string) {
	calls := parseEmbeddedToolCalls(text)
	clean := stripEmbeddedToolCalls(text, calls)
	if clean != "" {
		ch <- StreamEvent{Type: EventTextDelta, Text: clean}
	}
	for i := range calls {
		ch <- StreamEvent{Type: EventToolCall, ToolCall: &calls[i]}
	}
	stop := "stop"
	if len(calls) > 0 {
		stop = "tool_calls"
	}
	ch <- StreamEvent{
		Type:       EventDone,
		StopReason: stop,
		Usage:      &Usage{OutputTokens: len(text) / 4},
	}
}

// translateRequest flattens the request into a gollm Prompt.
func (p *GollmProvider) translateRequest(req Request) *gollm.Prompt {
	var parts []string
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleUser:
			parts = append(parts, msg.Content)
		case RoleAssistant:
			if msg.Content != "" {
				parts = append(parts, "[Assistant]: "+msg.Content)
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, fmt.Sprintf("[Assistant called %s]: %s", tc.Name, string(tc.Arguments)))
			}
		case RoleTool:
			prefix := "[Tool Result]"
			if msg.IsError {
				prefix = "[Tool Error]"
			}
			parts = append(parts, prefix+": "+msg.Content)
		case RoleSystem:
			// handled via req.System below
		}
	}

	promptText := strings.Join(parts, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	promptOpts := []gollm.PromptOption{}
	if req.System != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(strings.TrimSpace(req.System), gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens > 0 {
		promptOpts = append(promptOpts, gollm.WithMaxLength(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		tools := make([]gollm.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
	}

	return gollm.NewPrompt(promptText, promptOpts...)
}

func (p *GollmProvider) applyRequestOptions(req Request) {
	if req.Model != "" {
		p.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		p.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens > 0 {
		p.llm.SetOption("max_tokens", req.MaxTokens)
	}
}

// parseEmbeddedToolCalls extracts tool calls gollm returns as JSON inside
// the response text: either a bare [{"name": ..., "arguments": ...}] array
// or a {"tool_calls": [...]} envelope, possibly surrounded by prose.
func parseEmbeddedToolCalls(text string) []ToolCall {
	type rawCall struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	var rawCalls []rawCall

	if start := strings.Index(text, `{"tool_calls"`); start != -1 {
		var envelope struct {
			ToolCalls []rawCall `json:"tool_calls"`
		}
		if err := json.NewDecoder(strings.NewReader(text[start:])).Decode(&envelope); err == nil {
			rawCalls = envelope.ToolCalls
		}
	} else if start := strings.Index(text, `[{"name"`); start != -1 {
		_ = json.NewDecoder(strings.NewReader(text[start:])).Decode(&rawCalls)
	}

	calls := make([]ToolCall, 0, len(rawCalls))
	for _, rc := range rawCalls {
		if rc.Name == "" {
			continue
		}
		args := rc.Arguments
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		calls = append(calls, ToolCall{
			ID:        "call_" + uuid.New().String()[:8],
			Name:      rc.Name,
			Arguments: args,
		})
	}
	if len(calls) == 0 {
		return nil
	}
	return calls
}

// stripEmbeddedToolCalls removes parsed tool call JSON from the text.
func stripEmbeddedToolCalls(text string, calls []ToolCall) string {
	if len(calls) == 0 {
		return text
	}
	result := text
	for _, pattern := range []string{`{"tool_calls"`, `[{"name"`} {
		if idx := strings.Index(result, pattern); idx != -1 {
			result = strings.TrimSpace(result[:idx])
		}
	}
	return result
}

// translateError classifies a gollm error into the provider error taxonomy.
func (p *GollmProvider) translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	lower := strings.ToLower(msg)

	status := 0
	switch {
	case strings.Contains(lower, "401"), strings.Contains(lower, "unauthorized"), strings.Contains(lower, "invalid api key"):
		status = 401
	case strings.Contains(lower, "403"), strings.Contains(lower, "forbidden"):
		status = 403
	case strings.Contains(lower, "404"), strings.Contains(lower, "not found"):
		status = 404
	case strings.Contains(lower, "429"), strings.Contains(lower, "rate limit"):
		status = 429
	case strings.Contains(lower, "context length"), strings.Contains(lower, "too many tokens"):
		status = 413
	case strings.Contains(lower, "500"), strings.Contains(lower, "internal server"):
		status = 500
	case strings.Contains(lower, "timeout"):
		status = 408
	}
	if status != 0 {
		pe := ErrorFromStatusCode(p.name, status, msg, nil).(*ProviderError)
		pe.Cause = err
		return pe
	}
	// Unclassified gollm errors are treated as transient connection trouble.
	return &ProviderError{Provider: p.name, Message: msg, Retryable: true, Cause: err}
}
