package llm

import "context"

// Provider is the completion boundary: it turns a request into a stream of
// events. Implementations must honor ctx cancellation mid-stream, terminate
// every stream with a done or error event, and then close the channel.
type Provider interface {
	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string

	// Complete sends a request and returns a channel of stream events.
	Complete(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// Closer is implemented by providers that hold resources.
type Closer interface {
	Close() error
}

// Generate runs a completion to completion under the retry policy and
// returns the accumulated response. Used for non-interactive calls such as
// history summarization.
func Generate(ctx context.Context, p Provider, policy RetryPolicy, req Request) (*Response, error) {
	return Retry(ctx, policy, func(ctx context.Context) (*Response, error) {
		stream, err := p.Complete(ctx, req)
		if err != nil {
			return nil, err
		}
		var acc Accumulator
		for ev := range stream {
			acc.Add(ev)
		}
		return acc.Response(p.Name())
	})
}
