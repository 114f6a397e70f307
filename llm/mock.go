package llm

import (
	"context"
	"sync"
)

// ScriptedProvider plays back canned completions in order, one per Complete
// call. It exists for tests in this module and for callers embedding the
// engine without a live provider.
type ScriptedProvider struct {
	ProviderName string

	mu       sync.Mutex
	script   []ScriptedCompletion
	requests []Request
}

// ScriptedCompletion is one canned Complete outcome. When Err is set the
// call fails up front; otherwise Events play back in order followed by an
// automatic done event unless the script already ends with one.
type ScriptedCompletion struct {
	Events []StreamEvent
	Err    error
}

// NewScriptedProvider creates a provider that plays the given completions.
func NewScriptedProvider(script ...ScriptedCompletion) *ScriptedProvider {
	return &ScriptedProvider{ProviderName: "scripted", script: script}
}

// TextCompletion is a convenience scripted completion: one text delta and a
// clean finish.
func TextCompletion(text string) ScriptedCompletion {
	return ScriptedCompletion{Events: []StreamEvent{
		{Type: EventTextDelta, Text: text},
		{Type: EventDone, StopReason: "stop", Usage: &Usage{OutputTokens: len(text) / 4}},
	}}
}

// ToolCallCompletion is a convenience scripted completion that requests the
// given tool calls.
func ToolCallCompletion(calls ...ToolCall) ScriptedCompletion {
	events := make([]StreamEvent, 0, len(calls)+1)
	for i := range calls {
		events = append(events, StreamEvent{Type: EventToolCall, ToolCall: &calls[i]})
	}
	events = append(events, StreamEvent{Type: EventDone, StopReason: "tool_calls", Usage: &Usage{}})
	return ScriptedCompletion{Events: events}
}

// ErrCompletion is a convenience scripted completion that fails up front.
func ErrCompletion(err error) ScriptedCompletion {
	return ScriptedCompletion{Err: err}
}

// Append adds completions to the end of the script.
func (s *ScriptedProvider) Append(completions ...ScriptedCompletion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, completions...)
}

// Requests returns a copy of every request seen so far.
func (s *ScriptedProvider) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Calls returns how many times Complete was invoked.
func (s *ScriptedProvider) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Name implements Provider.
func (s *ScriptedProvider) Name() string {
	if s.ProviderName == "" {
		return "scripted"
	}
	return s.ProviderName
}

// Complete implements Provider.
func (s *ScriptedProvider) Complete(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	var next ScriptedCompletion
	if len(s.script) > 0 {
		next = s.script[0]
		s.script = s.script[1:]
	} else {
		next = TextCompletion("ok")
	}
	s.mu.Unlock()

	if next.Err != nil {
		return nil, next.Err
	}

	ch := make(chan StreamEvent, len(next.Events)+1)
	go func() {
		defer close(ch)
		terminated := false
		for _, ev := range next.Events {
			select {
			case <-ctx.Done():
				ch <- StreamEvent{Type: EventError, Err: &AbortError{Cause: ctx.Err()}}
				return
			case ch <- ev:
			}
			if ev.Type == EventDone || ev.Type == EventError {
				terminated = true
			}
		}
		if !terminated {
			ch <- StreamEvent{Type: EventDone, StopReason: "stop", Usage: &Usage{}}
		}
	}()
	return ch, nil
}
