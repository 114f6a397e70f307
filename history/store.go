package history

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// CorruptError reports a history invariant violation. The engine treats it
// as fatal for the session.
type CorruptError struct {
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("history corrupt: %s", e.Reason)
}

// Store is the in-memory conversation history. All methods are safe for
// concurrent use. Entries are append-only except for ReplacePrefix, which
// compaction uses to swap a prefix for its summary.
type Store struct {
	mu            sync.RWMutex
	entries       []Entry
	pending       map[string]string // call id -> tool name, awaiting a result
	checkpointSeq int
	generation    uint64
	journal       func(Entry)
}

// NewStore creates an empty history.
func NewStore() *Store {
	return &Store{pending: make(map[string]string)}
}

// Load rebuilds a Store from persisted entries, restoring pending-call
// tracking and the checkpoint counter. It fails if the entries violate the
// pairing invariant.
func Load(entries []Entry) (*Store, error) {
	s := NewStore()
	for _, entry := range entries {
		if err := s.Append(entry); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// SetJournal installs a hook that receives every successful mutation in
// store order: appended entries, checkpoints, and the summary entry of each
// prefix replacement. Attach it only after the store is rebuilt from disk,
// or the rebuild itself would be journaled again.
func (s *Store) SetJournal(fn func(Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = fn
}

// Append validates and appends one entry.
//
// An assistant entry registers its tool calls as pending. A tool result must
// resolve a pending call; a result with no matching request means the
// history no longer describes a real exchange and the append fails with
// CorruptError.
func (s *Store) Append(entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch entry.Kind {
	case KindAssistant:
		if entry.Assistant == nil {
			return &CorruptError{Reason: "assistant entry without payload"}
		}
		for _, tc := range entry.Assistant.ToolCalls {
			if tc.ID == "" {
				return &CorruptError{Reason: "tool call without id"}
			}
			if _, dup := s.pending[tc.ID]; dup {
				return &CorruptError{Reason: fmt.Sprintf("duplicate tool call id %q", tc.ID)}
			}
			s.pending[tc.ID] = tc.Name
		}
	case KindToolResult:
		if entry.ToolResult == nil {
			return &CorruptError{Reason: "tool result entry without payload"}
		}
		if _, ok := s.pending[entry.ToolResult.CallID]; !ok {
			return &CorruptError{Reason: fmt.Sprintf("tool result %q has no matching request", entry.ToolResult.CallID)}
		}
		delete(s.pending, entry.ToolResult.CallID)
	case KindCheckpoint:
		if entry.Checkpoint == nil {
			return &CorruptError{Reason: "checkpoint entry without payload"}
		}
		if n, ok := checkpointSeq(entry.Checkpoint.ID); ok && n > s.checkpointSeq {
			s.checkpointSeq = n
		}
	case KindSummary:
		if entry.Summary == nil {
			return &CorruptError{Reason: "summary entry without payload"}
		}
		for _, cp := range entry.Summary.Checkpoints {
			if n, ok := checkpointSeq(cp.ID); ok && n > s.checkpointSeq {
				s.checkpointSeq = n
			}
		}
	case KindUser:
		if entry.User == nil {
			return &CorruptError{Reason: "user entry without payload"}
		}
	default:
		return &CorruptError{Reason: fmt.Sprintf("unknown entry kind %q", entry.Kind)}
	}

	s.entries = append(s.entries, entry)
	if s.journal != nil {
		s.journal(entry)
	}
	return nil
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Snapshot returns a copy of the current entries.
func (s *Store) Snapshot() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// PendingCalls returns the tool calls still awaiting a result, keyed by call
// id. The engine uses it to synthesize cancelled results.
func (s *Store) PendingCalls() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.pending))
	for id, tool := range s.pending {
		out[id] = tool
	}
	return out
}

// TokenEstimate approximates the model-visible size of the whole history.
func (s *Store) TokenEstimate() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, entry := range s.entries {
		total += entry.EstimateTokens()
	}
	return total
}

// Generation returns the compaction generation. It increments on every
// successful ReplacePrefix, letting a compactor detect concurrent swaps.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// AddCheckpoint appends a checkpoint with a fresh stable id and returns it.
func (s *Store) AddCheckpoint(label, excerpt string) CheckpointEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpointSeq++
	cp := CheckpointEntry{
		ID:      "ck-" + strconv.Itoa(s.checkpointSeq),
		Label:   label,
		Excerpt: excerpt,
	}
	entry := NewCheckpointEntry(cp.ID, cp.Label, cp.Excerpt)
	s.entries = append(s.entries, entry)
	if s.journal != nil {
		s.journal(entry)
	}
	return cp
}

// ResolveCheckpoint looks up a checkpoint by id, whether it is still a live
// entry or preserved inside a summary.
func (s *Store) ResolveCheckpoint(id string) (CheckpointEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findCheckpoint(s.entries, id)
}

// ReplacePrefix atomically replaces the first n entries with the summary
// entry. The caller passes the generation it planned against; a mismatch
// means another compaction won and the swap is refused.
//
// The boundary is re-validated here: a prefix that strips tool calls whose
// results live in the suffix, or that still has calls awaiting results,
// would corrupt the pairing invariant.
func (s *Store) ReplacePrefix(generation uint64, n int, summary Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if generation != s.generation {
		return fmt.Errorf("stale compaction: generation %d, store at %d", generation, s.generation)
	}
	if summary.Kind != KindSummary || summary.Summary == nil {
		return &CorruptError{Reason: "replacement entry is not a summary"}
	}
	if n <= 0 || n > len(s.entries) {
		return fmt.Errorf("prefix length %d out of range [1,%d]", n, len(s.entries))
	}

	calls := make(map[string]bool)
	for _, entry := range s.entries[:n] {
		if entry.Kind == KindAssistant && entry.Assistant != nil {
			for _, tc := range entry.Assistant.ToolCalls {
				calls[tc.ID] = false
			}
		}
		if entry.Kind == KindToolResult && entry.ToolResult != nil {
			if _, ok := calls[entry.ToolResult.CallID]; ok {
				calls[entry.ToolResult.CallID] = true
			}
		}
	}
	for id, resolved := range calls {
		if !resolved {
			return &CorruptError{Reason: fmt.Sprintf("compaction boundary splits tool call %q from its result", id)}
		}
	}

	replaced := make([]Entry, 0, len(s.entries)-n+1)
	replaced = append(replaced, summary)
	replaced = append(replaced, s.entries[n:]...)
	s.entries = replaced
	s.generation++
	if s.journal != nil {
		s.journal(summary)
	}
	return nil
}

// checkpointSeq parses the numeric suffix of a "ck-<n>" id.
func checkpointSeq(id string) (int, bool) {
	rest, ok := strings.CutPrefix(id, "ck-")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return n, true
}
