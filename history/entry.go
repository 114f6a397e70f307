// Package history holds the model-visible conversation log: an append-only
// ordered sequence of entries plus named checkpoints, with budget-driven
// compaction that preserves checkpoint reachability.
package history

import (
	"fmt"
	"time"

	"github.com/yumesha/kimi-cli/llm"
)

// Kind discriminates between entry types.
type Kind string

const (
	KindUser       Kind = "user"
	KindAssistant  Kind = "assistant"
	KindToolResult Kind = "tool_result"
	KindCheckpoint Kind = "checkpoint"
	KindSummary    Kind = "summary"
)

// Entry is a single item in the conversation history.
type Entry struct {
	Kind       Kind             `json:"kind"`
	Timestamp  time.Time        `json:"timestamp"`
	User       *UserEntry       `json:"user,omitempty"`
	Assistant  *AssistantEntry  `json:"assistant,omitempty"`
	ToolResult *ToolResultEntry `json:"tool_result,omitempty"`
	Checkpoint *CheckpointEntry `json:"checkpoint,omitempty"`
	Summary    *SummaryEntry    `json:"summary,omitempty"`
}

// UserEntry holds operator input. ReplyTo optionally names a checkpoint the
// input responds to.
type UserEntry struct {
	Content string `json:"content"`
	ReplyTo string `json:"reply_to,omitempty"`
}

// AssistantEntry holds one model completion.
type AssistantEntry struct {
	Content   string         `json:"content"`
	Reasoning string         `json:"reasoning,omitempty"`
	ToolCalls []llm.ToolCall `json:"tool_calls,omitempty"`
	Usage     llm.Usage      `json:"usage"`
}

// ToolResultEntry holds the outcome of one tool call. Exactly one result
// resolves each call the preceding assistant entry requested.
type ToolResultEntry struct {
	CallID    string `json:"call_id"`
	Tool      string `json:"tool"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// CheckpointEntry marks an addressable point in history. Its ID stays
// resolvable across compaction.
type CheckpointEntry struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Excerpt string `json:"excerpt,omitempty"`
}

// SummaryEntry replaces a compacted prefix. Checkpoints carries every
// checkpoint the prefix contained so later references still resolve.
type SummaryEntry struct {
	Content     string            `json:"content"`
	Covered     int               `json:"covered"`
	Checkpoints []CheckpointEntry `json:"checkpoints,omitempty"`
}

// NewUserEntry creates an Entry wrapping operator input.
func NewUserEntry(content, replyTo string) Entry {
	return Entry{
		Kind:      KindUser,
		Timestamp: time.Now(),
		User:      &UserEntry{Content: content, ReplyTo: replyTo},
	}
}

// NewAssistantEntry creates an Entry wrapping a model completion.
func NewAssistantEntry(content, reasoning string, toolCalls []llm.ToolCall, usage llm.Usage) Entry {
	return Entry{
		Kind:      KindAssistant,
		Timestamp: time.Now(),
		Assistant: &AssistantEntry{
			Content:   content,
			Reasoning: reasoning,
			ToolCalls: toolCalls,
			Usage:     usage,
		},
	}
}

// NewToolResultEntry creates an Entry wrapping a tool outcome.
func NewToolResultEntry(callID, tool, content string, isError bool) Entry {
	return Entry{
		Kind:       KindToolResult,
		Timestamp:  time.Now(),
		ToolResult: &ToolResultEntry{CallID: callID, Tool: tool, Content: content, IsError: isError},
	}
}

// NewCancelledToolResult creates the synthetic result appended when a turn
// is cancelled while a call is outstanding.
func NewCancelledToolResult(callID, tool string) Entry {
	return Entry{
		Kind:      KindToolResult,
		Timestamp: time.Now(),
		ToolResult: &ToolResultEntry{
			CallID:    callID,
			Tool:      tool,
			Content:   "tool call cancelled before completion",
			IsError:   true,
			Cancelled: true,
		},
	}
}

// NewCheckpointEntry creates an addressable checkpoint.
func NewCheckpointEntry(id, label, excerpt string) Entry {
	return Entry{
		Kind:       KindCheckpoint,
		Timestamp:  time.Now(),
		Checkpoint: &CheckpointEntry{ID: id, Label: label, Excerpt: excerpt},
	}
}

// NewSummaryEntry creates the entry a compaction swaps in for a prefix.
func NewSummaryEntry(content string, covered int, checkpoints []CheckpointEntry) Entry {
	return Entry{
		Kind:      KindSummary,
		Timestamp: time.Now(),
		Summary:   &SummaryEntry{Content: content, Covered: covered, Checkpoints: checkpoints},
	}
}

// EstimateTokens approximates the model-visible token cost of the entry
// using the chars/4 heuristic.
func (e Entry) EstimateTokens() int {
	chars := 0
	switch e.Kind {
	case KindUser:
		if e.User != nil {
			chars = len(e.User.Content)
		}
	case KindAssistant:
		if e.Assistant != nil {
			chars = len(e.Assistant.Content) + len(e.Assistant.Reasoning)
			for _, tc := range e.Assistant.ToolCalls {
				chars += len(tc.Name) + len(tc.Arguments)
			}
		}
	case KindToolResult:
		if e.ToolResult != nil {
			chars = len(e.ToolResult.Content)
		}
	case KindCheckpoint:
		if e.Checkpoint != nil {
			chars = len(e.Checkpoint.Label) + len(e.Checkpoint.Excerpt)
		}
	case KindSummary:
		if e.Summary != nil {
			chars = len(e.Summary.Content)
		}
	}
	return chars / 4
}

// Messages converts history entries into the request shape the completion
// provider consumes. Checkpoints are engine-internal markers and produce no
// model-visible message; a reply-to reference is rendered as a prefix on the
// user content when the checkpoint resolves.
func Messages(entries []Entry) []llm.Message {
	var messages []llm.Message
	for _, entry := range entries {
		switch entry.Kind {
		case KindUser:
			if entry.User == nil {
				continue
			}
			content := entry.User.Content
			if entry.User.ReplyTo != "" {
				if cp, ok := findCheckpoint(entries, entry.User.ReplyTo); ok {
					content = fmt.Sprintf("[replying to %s: %s]\n%s", cp.ID, cp.Label, content)
				}
			}
			messages = append(messages, llm.UserMessage(content))
		case KindAssistant:
			if entry.Assistant == nil {
				continue
			}
			messages = append(messages, llm.Message{
				Role:      llm.RoleAssistant,
				Content:   entry.Assistant.Content,
				ToolCalls: entry.Assistant.ToolCalls,
			})
		case KindToolResult:
			if entry.ToolResult == nil {
				continue
			}
			messages = append(messages, llm.ToolResultMessage(
				entry.ToolResult.CallID,
				entry.ToolResult.Content,
				entry.ToolResult.IsError,
			))
		case KindSummary:
			if entry.Summary == nil {
				continue
			}
			messages = append(messages, llm.AssistantMessage(entry.Summary.Content))
		}
	}
	return messages
}

// findCheckpoint resolves a checkpoint id against live checkpoint entries
// and the preserved lists inside summaries.
func findCheckpoint(entries []Entry, id string) (CheckpointEntry, bool) {
	for _, entry := range entries {
		switch entry.Kind {
		case KindCheckpoint:
			if entry.Checkpoint != nil && entry.Checkpoint.ID == id {
				return *entry.Checkpoint, true
			}
		case KindSummary:
			if entry.Summary == nil {
				continue
			}
			for _, cp := range entry.Summary.Checkpoints {
				if cp.ID == id {
					return cp, true
				}
			}
		}
	}
	return CheckpointEntry{}, false
}
