package history

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/yumesha/kimi-cli/llm"
)

func assistantWithCalls(content string, calls ...llm.ToolCall) Entry {
	return NewAssistantEntry(content, "", calls, llm.Usage{})
}

func call(id, name string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(`{}`)}
}

func TestAppendTracksPendingCalls(t *testing.T) {
	s := NewStore()
	if err := s.Append(NewUserEntry("list the files", "")); err != nil {
		t.Fatalf("append user: %v", err)
	}
	if err := s.Append(assistantWithCalls("", call("c1", "list_files"), call("c2", "read_file"))); err != nil {
		t.Fatalf("append assistant: %v", err)
	}

	pending := s.PendingCalls()
	if len(pending) != 2 || pending["c1"] != "list_files" || pending["c2"] != "read_file" {
		t.Fatalf("pending = %v, want c1 and c2", pending)
	}

	if err := s.Append(NewToolResultEntry("c1", "list_files", "a.txt\nb.txt", false)); err != nil {
		t.Fatalf("append result: %v", err)
	}
	pending = s.PendingCalls()
	if len(pending) != 1 || pending["c2"] != "read_file" {
		t.Fatalf("pending after resolve = %v, want only c2", pending)
	}

	if err := s.Append(NewCancelledToolResult("c2", "read_file")); err != nil {
		t.Fatalf("append cancelled result: %v", err)
	}
	if len(s.PendingCalls()) != 0 {
		t.Fatalf("pending after cancel = %v, want empty", s.PendingCalls())
	}
}

func TestAppendRejectsOrphanResult(t *testing.T) {
	s := NewStore()
	err := s.Append(NewToolResultEntry("ghost", "read_file", "boo", false))
	var corrupt *CorruptError
	if !errors.As(err, &corrupt) {
		t.Fatalf("err = %v, want CorruptError", err)
	}
}

func TestAppendRejectsDuplicateCallID(t *testing.T) {
	s := NewStore()
	if err := s.Append(assistantWithCalls("", call("c1", "read_file"))); err != nil {
		t.Fatalf("first append: %v", err)
	}
	err := s.Append(assistantWithCalls("", call("c1", "write_file")))
	var corrupt *CorruptError
	if !errors.As(err, &corrupt) {
		t.Fatalf("err = %v, want CorruptError", err)
	}
}

func TestAppendRejectsDoubleResolution(t *testing.T) {
	s := NewStore()
	if err := s.Append(assistantWithCalls("", call("c1", "read_file"))); err != nil {
		t.Fatalf("append assistant: %v", err)
	}
	if err := s.Append(NewToolResultEntry("c1", "read_file", "ok", false)); err != nil {
		t.Fatalf("first result: %v", err)
	}
	err := s.Append(NewToolResultEntry("c1", "read_file", "again", false))
	var corrupt *CorruptError
	if !errors.As(err, &corrupt) {
		t.Fatalf("err = %v, want CorruptError", err)
	}
}

func TestCheckpointIDsAreStableAndSequential(t *testing.T) {
	s := NewStore()
	cp1 := s.AddCheckpoint("before refactor", "rename Widget to Gadget")
	cp2 := s.AddCheckpoint("tests green", "")
	if cp1.ID != "ck-1" || cp2.ID != "ck-2" {
		t.Fatalf("ids = %q, %q, want ck-1, ck-2", cp1.ID, cp2.ID)
	}

	got, ok := s.ResolveCheckpoint("ck-1")
	if !ok || got.Label != "before refactor" {
		t.Fatalf("resolve ck-1 = %+v, %v", got, ok)
	}
	if _, ok := s.ResolveCheckpoint("ck-9"); ok {
		t.Fatal("resolved a checkpoint that was never created")
	}
}

func TestLoadRestoresCountersAndPending(t *testing.T) {
	s := NewStore()
	s.AddCheckpoint("first", "")
	s.AddCheckpoint("second", "")
	if err := s.Append(assistantWithCalls("", call("c1", "run_shell"))); err != nil {
		t.Fatalf("append: %v", err)
	}

	loaded, err := Load(s.Snapshot())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if pending := loaded.PendingCalls(); pending["c1"] != "run_shell" {
		t.Fatalf("pending after load = %v", pending)
	}
	cp := loaded.AddCheckpoint("third", "")
	if cp.ID != "ck-3" {
		t.Fatalf("checkpoint after load = %q, want ck-3", cp.ID)
	}
}

func TestLoadRejectsCorruptHistory(t *testing.T) {
	entries := []Entry{
		NewUserEntry("hi", ""),
		NewToolResultEntry("c1", "read_file", "no request", false),
	}
	if _, err := Load(entries); err == nil {
		t.Fatal("load accepted an orphan tool result")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	s := NewStore()
	if err := s.Append(NewUserEntry("original", "")); err != nil {
		t.Fatalf("append: %v", err)
	}
	snap := s.Snapshot()
	snap[0] = NewUserEntry("mutated", "")
	if s.Snapshot()[0].User.Content != "original" {
		t.Fatal("mutating a snapshot changed the store")
	}
}

func TestReplacePrefixSwapsAtomically(t *testing.T) {
	s := NewStore()
	s.AddCheckpoint("setup done", "installed deps")
	if err := s.Append(assistantWithCalls("", call("c1", "read_file"))); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(NewToolResultEntry("c1", "read_file", "contents", false)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(NewUserEntry("now write it back", "")); err != nil {
		t.Fatalf("append: %v", err)
	}

	gen := s.Generation()
	summary := NewSummaryEntry("read the file", 3, []CheckpointEntry{{ID: "ck-1", Label: "setup done", Excerpt: "installed deps"}})
	if err := s.ReplacePrefix(gen, 3, summary); err != nil {
		t.Fatalf("replace prefix: %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("len = %d, want 2", s.Len())
	}
	if s.Generation() != gen+1 {
		t.Fatalf("generation = %d, want %d", s.Generation(), gen+1)
	}

	// The checkpoint still resolves through the summary.
	cp, ok := s.ResolveCheckpoint("ck-1")
	if !ok || cp.Label != "setup done" {
		t.Fatalf("resolve after compaction = %+v, %v", cp, ok)
	}
}

func TestReplacePrefixRefusesStaleGeneration(t *testing.T) {
	s := NewStore()
	if err := s.Append(NewUserEntry("a", "")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(NewUserEntry("b", "")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.ReplacePrefix(s.Generation(), 1, NewSummaryEntry("s", 1, nil)); err != nil {
		t.Fatalf("first replace: %v", err)
	}
	err := s.ReplacePrefix(0, 1, NewSummaryEntry("again", 1, nil))
	if err == nil || !strings.Contains(err.Error(), "stale") {
		t.Fatalf("err = %v, want stale generation refusal", err)
	}
}

func TestReplacePrefixRefusesSplitPair(t *testing.T) {
	s := NewStore()
	if err := s.Append(NewUserEntry("do it", "")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(assistantWithCalls("", call("c1", "run_shell"))); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(NewToolResultEntry("c1", "run_shell", "done", false)); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Boundary of 2 leaves c1's result stranded after the summary.
	err := s.ReplacePrefix(s.Generation(), 2, NewSummaryEntry("s", 2, nil))
	var corrupt *CorruptError
	if !errors.As(err, &corrupt) {
		t.Fatalf("err = %v, want CorruptError", err)
	}
	if s.Len() != 3 {
		t.Fatalf("failed swap mutated the store: len = %d", s.Len())
	}
}

func TestTokenEstimateGrowsWithContent(t *testing.T) {
	s := NewStore()
	if err := s.Append(NewUserEntry(strings.Repeat("x", 400), "")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if got := s.TokenEstimate(); got != 100 {
		t.Fatalf("estimate = %d, want 100", got)
	}
}

func TestMessagesConversion(t *testing.T) {
	entries := []Entry{
		NewSummaryEntry("earlier work", 5, []CheckpointEntry{{ID: "ck-1", Label: "baseline"}}),
		NewUserEntry("continue from there", "ck-1"),
		assistantWithCalls("checking", call("c1", "read_file")),
		NewToolResultEntry("c1", "read_file", "data", false),
		NewCheckpointEntry("ck-2", "mid-task", ""),
		NewUserEntry("plain follow-up", ""),
	}

	msgs := Messages(entries)
	if len(msgs) != 5 {
		t.Fatalf("got %d messages, want 5 (checkpoint is not model-visible)", len(msgs))
	}
	if msgs[0].Role != llm.RoleAssistant || msgs[0].Content != "earlier work" {
		t.Fatalf("summary rendered as %+v", msgs[0])
	}
	if !strings.HasPrefix(msgs[1].Content, "[replying to ck-1: baseline]") {
		t.Fatalf("reply-to not rendered: %q", msgs[1].Content)
	}
	if len(msgs[2].ToolCalls) != 1 || msgs[2].ToolCalls[0].ID != "c1" {
		t.Fatalf("assistant tool calls lost: %+v", msgs[2])
	}
	if msgs[3].Role != llm.RoleTool || msgs[3].ToolCallID != "c1" {
		t.Fatalf("tool result rendered as %+v", msgs[3])
	}
	if msgs[4].Content != "plain follow-up" {
		t.Fatalf("plain user content = %q", msgs[4].Content)
	}
}

func TestJournalSeesMutationsInStoreOrder(t *testing.T) {
	s := NewStore()
	var journaled []Entry
	s.SetJournal(func(e Entry) { journaled = append(journaled, e) })

	if err := s.Append(NewUserEntry("hello", "")); err != nil {
		t.Fatal(err)
	}
	cp := s.AddCheckpoint("turn", "hello")
	if err := s.Append(assistantWithCalls("looking", call("c1", "read_file"))); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(NewToolResultEntry("c1", "read_file", "data", false)); err != nil {
		t.Fatal(err)
	}

	summary := NewSummaryEntry("compacted", 2, []CheckpointEntry{cp})
	if err := s.ReplacePrefix(s.Generation(), 2, summary); err != nil {
		t.Fatal(err)
	}

	kinds := make([]Kind, len(journaled))
	for i, e := range journaled {
		kinds[i] = e.Kind
	}
	want := []Kind{KindUser, KindCheckpoint, KindAssistant, KindToolResult, KindSummary}
	if len(kinds) != len(want) {
		t.Fatalf("journaled %d records, want %d: %v", len(kinds), len(want), kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("journal[%d] = %s, want %s", i, kinds[i], want[i])
		}
	}
	if journaled[4].Summary == nil || journaled[4].Summary.Covered != 2 {
		t.Fatalf("journaled summary does not carry its covered count: %+v", journaled[4])
	}

	// A rejected append journals nothing.
	before := len(journaled)
	if err := s.Append(NewToolResultEntry("ghost", "read_file", "", false)); err == nil {
		t.Fatal("orphan result accepted")
	}
	if len(journaled) != before {
		t.Fatalf("failed append reached the journal")
	}
}
