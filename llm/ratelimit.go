package llm

import (
	"context"

	"golang.org/x/time/rate"
)

// Paced wraps a provider with request pacing so bursts of concurrent souls
// (parent plus subagents) spread their upstream calls out.
type Paced struct {
	inner   Provider
	limiter *rate.Limiter
}

// Pace wraps p, allowing requestsPerSecond with the given burst.
func Pace(p Provider, requestsPerSecond float64, burst int) *Paced {
	return &Paced{
		inner:   p,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
	}
}

// Name implements Provider.
func (p *Paced) Name() string {
	return p.inner.Name()
}

// Complete waits for a pacing token, then delegates.
func (p *Paced) Complete(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, &AbortError{Cause: err}
	}
	return p.inner.Complete(ctx, req)
}

// Close delegates when the inner provider holds resources.
func (p *Paced) Close() error {
	if closer, ok := p.inner.(Closer); ok {
		return closer.Close()
	}
	return nil
}
