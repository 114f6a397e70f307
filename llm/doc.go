// Package llm is the completion-provider boundary of the engine: a
// provider-agnostic streaming interface plus retry and error classification.
//
// A Provider turns a Request into a channel of StreamEvents (text deltas,
// reasoning deltas, tool calls, then one done or error event). Two adapters
// ship with the module:
//
//   - GollmProvider wraps gollm for the OpenAI-compatible family,
//     pseudo-streaming where the upstream cannot stream.
//   - AnthropicProvider speaks the Anthropic Messages streaming API,
//     including thinking deltas and incremental tool-call input.
//
// Decorators compose around providers: Pace applies a shared rate limit so
// concurrent souls do not stampede the upstream.
//
// Classification drives the engine's retry policy: IsRetryable separates
// transient failures (connection trouble, 429/5xx, empty completions) from
// permanent ones, and Retry applies bounded exponential backoff with
// Retry-After honored:
//
//	resp, err := llm.Generate(ctx, provider, llm.DefaultRetryPolicy(), req)
package llm
