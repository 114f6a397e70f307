package history

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/yumesha/kimi-cli/llm"
)

const summarizeSystemPrompt = `You summarize the earlier part of a conversation between an operator and a coding agent so the conversation can continue with less context. Write a dense factual summary covering: what the operator asked for, what the agent did (files read or written, commands run, their outcomes), decisions made, and anything left unfinished. Do not invent details. Output only the summary text.`

// transcriptEntryCap bounds how much of any single entry is shown to the
// summarizer.
const transcriptEntryCap = 2000

// CompactorConfig configures summarization.
type CompactorConfig struct {
	// Model named in summarize requests.
	Model string
	// KeepRecent is the minimum number of trailing entries left live.
	KeepRecent int
	// MaxTokens caps the summary completion.
	MaxTokens int
	// Retry governs summarize attempts.
	Retry llm.RetryPolicy
	Logger *zap.Logger
}

// Compactor shrinks a Store that has grown past its token budget by
// replacing the longest safe prefix with a model-written summary.
type Compactor struct {
	provider llm.Provider
	cfg      CompactorConfig
}

// Result describes one compaction pass.
type Result struct {
	// Compacted is false when the history was already under budget or no
	// safe prefix existed.
	Compacted    bool
	Covered      int
	TokensBefore int
	TokensAfter  int
	Summary      string
}

// NewCompactor creates a Compactor over the given provider.
func NewCompactor(provider llm.Provider, cfg CompactorConfig) *Compactor {
	if cfg.KeepRecent <= 0 {
		cfg.KeepRecent = 4
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.BaseDelay == 0 {
		cfg.Retry = llm.DefaultRetryPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Compactor{provider: provider, cfg: cfg}
}

// Compact runs one compaction pass against the store. Under budget it is a
// no-op, so calling it repeatedly is safe. When it does compact, the swap is
// atomic: readers see either the old entries or the summary, never a partial
// state.
func (c *Compactor) Compact(ctx context.Context, store *Store, budget int) (Result, error) {
	before := store.TokenEstimate()
	res := Result{TokensBefore: before, TokensAfter: before}
	if budget <= 0 || before <= budget {
		return res, nil
	}

	generation := store.Generation()
	entries := store.Snapshot()
	n := boundary(entries, c.cfg.KeepRecent)
	if n == 1 && entries[0].Kind == KindSummary {
		// Re-summarizing a lone summary cannot shrink anything.
		n = 0
	}
	if n < 1 {
		c.cfg.Logger.Debug("no safe compaction boundary",
			zap.Int("entries", len(entries)),
			zap.Int("token_estimate", before))
		return res, nil
	}

	prefix := entries[:n]
	summaryText, err := c.summarize(ctx, prefix)
	if err != nil {
		return res, fmt.Errorf("summarize history: %w", err)
	}

	checkpoints := coveredCheckpoints(prefix)
	if len(checkpoints) > 0 {
		var sb strings.Builder
		sb.WriteString(summaryText)
		sb.WriteString("\n\nCheckpoints preserved from the summarized span:\n")
		for _, cp := range checkpoints {
			fmt.Fprintf(&sb, "- %s: %s\n", cp.ID, cp.Label)
		}
		summaryText = sb.String()
	}

	summary := NewSummaryEntry(summaryText, n, checkpoints)
	if err := store.ReplacePrefix(generation, n, summary); err != nil {
		return res, err
	}

	res.Compacted = true
	res.Covered = n
	res.TokensAfter = store.TokenEstimate()
	res.Summary = summaryText
	c.cfg.Logger.Info("history compacted",
		zap.Int("covered", n),
		zap.Int("tokens_before", res.TokensBefore),
		zap.Int("tokens_after", res.TokensAfter))
	return res, nil
}

// summarize asks the provider for a summary of the prefix, with retries.
func (c *Compactor) summarize(ctx context.Context, prefix []Entry) (string, error) {
	req := llm.Request{
		Model:  c.cfg.Model,
		System: summarizeSystemPrompt,
		Messages: []llm.Message{
			llm.UserMessage("Summarize this conversation so far:\n\n" + renderTranscript(prefix)),
		},
		MaxTokens: c.cfg.MaxTokens,
	}
	resp, err := llm.Generate(ctx, c.provider, c.cfg.Retry, req)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", &llm.EmptyResponseError{Provider: c.provider.Name()}
	}
	return text, nil
}

// boundary returns the longest prefix length that keeps at least keepRecent
// trailing entries live and does not separate any tool call from its result.
// It returns 0 when no usable boundary exists.
func boundary(entries []Entry, keepRecent int) int {
	limit := len(entries) - keepRecent
	if limit < 1 {
		return 0
	}
	open := make(map[string]bool)
	best := 0
	for i, entry := range entries {
		switch entry.Kind {
		case KindAssistant:
			if entry.Assistant != nil {
				for _, tc := range entry.Assistant.ToolCalls {
					open[tc.ID] = true
				}
			}
		case KindToolResult:
			if entry.ToolResult != nil {
				delete(open, entry.ToolResult.CallID)
			}
		}
		n := i + 1
		if n > limit {
			break
		}
		if len(open) == 0 {
			best = n
		}
	}
	return best
}

// coveredCheckpoints gathers every checkpoint a prefix contains, including
// those a previous compaction already folded into a summary.
func coveredCheckpoints(prefix []Entry) []CheckpointEntry {
	var out []CheckpointEntry
	for _, entry := range prefix {
		switch entry.Kind {
		case KindCheckpoint:
			if entry.Checkpoint != nil {
				out = append(out, *entry.Checkpoint)
			}
		case KindSummary:
			if entry.Summary != nil {
				out = append(out, entry.Summary.Checkpoints...)
			}
		}
	}
	return out
}

// renderTranscript flattens entries into the text shown to the summarizer.
func renderTranscript(entries []Entry) string {
	var sb strings.Builder
	for _, entry := range entries {
		switch entry.Kind {
		case KindUser:
			if entry.User != nil {
				fmt.Fprintf(&sb, "User: %s\n", clip(entry.User.Content))
			}
		case KindAssistant:
			if entry.Assistant == nil {
				continue
			}
			if entry.Assistant.Content != "" {
				fmt.Fprintf(&sb, "Assistant: %s\n", clip(entry.Assistant.Content))
			}
			for _, tc := range entry.Assistant.ToolCalls {
				fmt.Fprintf(&sb, "Assistant called %s(%s)\n", tc.Name, clip(string(tc.Arguments)))
			}
		case KindToolResult:
			if entry.ToolResult == nil {
				continue
			}
			label := "Tool result"
			if entry.ToolResult.IsError {
				label = "Tool error"
			}
			fmt.Fprintf(&sb, "%s (%s): %s\n", label, entry.ToolResult.Tool, clip(entry.ToolResult.Content))
		case KindCheckpoint:
			if entry.Checkpoint != nil {
				fmt.Fprintf(&sb, "Checkpoint %s: %s\n", entry.Checkpoint.ID, entry.Checkpoint.Label)
			}
		case KindSummary:
			if entry.Summary != nil {
				fmt.Fprintf(&sb, "Earlier summary: %s\n", clip(entry.Summary.Content))
			}
		}
	}
	return sb.String()
}

func clip(s string) string {
	if len(s) <= transcriptEntryCap {
		return s
	}
	return s[:transcriptEntryCap] + "... [truncated]"
}
