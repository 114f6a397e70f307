package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yumesha/kimi-cli/history"
	"github.com/yumesha/kimi-cli/llm"
	"github.com/yumesha/kimi-cli/wire"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{Root: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m
}

func TestDeriveIDStable(t *testing.T) {
	a := DeriveID("/tmp/project-a")
	require.Len(t, a, 16)
	require.Equal(t, a, DeriveID("/tmp/project-a"))
	require.NotEqual(t, a, DeriveID("/tmp/project-b"))
}

func TestOpenCreatesLayout(t *testing.T) {
	m := newManager(t)
	workdir := t.TempDir()

	s, err := m.Open(workdir)
	require.NoError(t, err)
	require.Equal(t, DeriveID(workdir), s.ID)

	for _, name := range []string{contextLogName, eventLogName} {
		_, err := os.Stat(filepath.Join(s.Dir, name))
		require.NoError(t, err, "%s exists after open", name)
	}
	require.NoError(t, s.Close())
}

func TestHistoryRoundTrip(t *testing.T) {
	m := newManager(t)
	workdir := t.TempDir()

	s, err := m.Open(workdir)
	require.NoError(t, err)

	store, err := s.History()
	require.NoError(t, err)
	require.Equal(t, 0, store.Len())

	cp := store.AddCheckpoint("turn", "hello")
	require.NoError(t, store.Append(history.NewUserEntry("hello", "")))
	require.NoError(t, store.Append(history.NewAssistantEntry("checking", "",
		[]llm.ToolCall{{ID: "c1", Name: "read_file", Arguments: json.RawMessage(`{"path":"a.txt"}`)}},
		llm.Usage{})))
	require.NoError(t, store.Append(history.NewToolResultEntry("c1", "read_file", "contents", false)))
	require.NoError(t, s.Close())

	s2, err := m.Resume(s.ID)
	require.NoError(t, err)
	defer func() { require.NoError(t, s2.Close()) }()

	store2, err := s2.History()
	require.NoError(t, err)
	require.Equal(t, 4, store2.Len())
	require.Empty(t, store2.PendingCalls())

	snap := store2.Snapshot()
	require.Equal(t, history.KindCheckpoint, snap[0].Kind)
	require.Equal(t, "hello", snap[1].User.Content)
	require.Equal(t, "read_file", snap[2].Assistant.ToolCalls[0].Name)
	require.Equal(t, "contents", snap[3].ToolResult.Content)

	got, ok := store2.ResolveCheckpoint(cp.ID)
	require.True(t, ok)
	require.Equal(t, "turn", got.Label)
}

func TestHistoryReplaysCompaction(t *testing.T) {
	m := newManager(t)
	workdir := t.TempDir()

	s, err := m.Open(workdir)
	require.NoError(t, err)

	store, err := s.History()
	require.NoError(t, err)
	require.NoError(t, store.Append(history.NewUserEntry("first question", "")))
	cp := store.AddCheckpoint("turn", "first question")
	require.NoError(t, store.Append(history.NewUserEntry("second question", "")))

	summary := history.NewSummaryEntry("early conversation", 2,
		[]history.CheckpointEntry{{ID: cp.ID, Label: "turn"}})
	require.NoError(t, store.ReplacePrefix(store.Generation(), 2, summary))
	require.Equal(t, 2, store.Len())
	require.NoError(t, s.Close())

	s2, err := m.Resume(s.ID)
	require.NoError(t, err)
	defer func() { require.NoError(t, s2.Close()) }()

	store2, err := s2.History()
	require.NoError(t, err)
	require.Equal(t, 2, store2.Len())

	snap := store2.Snapshot()
	require.Equal(t, history.KindSummary, snap[0].Kind)
	require.Equal(t, "early conversation", snap[0].Summary.Content)
	require.Equal(t, "second question", snap[1].User.Content)

	_, ok := store2.ResolveCheckpoint(cp.ID)
	require.True(t, ok, "checkpoints stay resolvable through persisted compaction")
}

func TestHistoryToleratesPartialFinalRecord(t *testing.T) {
	m := newManager(t)
	workdir := t.TempDir()

	s, err := m.Open(workdir)
	require.NoError(t, err)
	store, err := s.History()
	require.NoError(t, err)
	require.NoError(t, store.Append(history.NewUserEntry("one", "")))
	require.NoError(t, store.Append(history.NewUserEntry("two", "")))
	require.NoError(t, s.Close())

	// Simulate a crash mid-append.
	f, err := os.OpenFile(filepath.Join(s.Dir, contextLogName), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"kind":"user","user":{"cont`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2, err := m.Resume(s.ID)
	require.NoError(t, err)
	defer func() { require.NoError(t, s2.Close()) }()

	store2, err := s2.History()
	require.NoError(t, err)
	require.Equal(t, 2, store2.Len())
}

func TestHistoryRejectsCorruptMiddleRecord(t *testing.T) {
	m := newManager(t)
	workdir := t.TempDir()

	s, err := m.Open(workdir)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	good, err := json.Marshal(history.NewUserEntry("fine", ""))
	require.NoError(t, err)
	content := string(good) + "\n" + "not json at all\n" + string(good) + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir, contextLogName), []byte(content), 0o644))

	s2, err := m.Resume(s.ID)
	require.NoError(t, err)
	defer func() { require.NoError(t, s2.Close()) }()

	_, err = s2.History()
	require.Error(t, err)
	require.Contains(t, err.Error(), "corrupt record")
}

func TestEventLogRoundTripAndSeeding(t *testing.T) {
	m := newManager(t)
	workdir := t.TempDir()

	s, err := m.Open(workdir)
	require.NoError(t, err)

	for i := uint64(1); i <= 3; i++ {
		msg := wire.Event(wire.KindTurnBegin, map[string]interface{}{"n": i})
		msg.Seq = i
		msg.TS = time.Now()
		s.RecordEvent(msg)
	}
	require.NoError(t, s.Close())

	s2, err := m.Resume(s.ID)
	require.NoError(t, err)
	defer func() { require.NoError(t, s2.Close()) }()

	all, err := s2.TailEvents(0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, uint64(1), all[0].Seq)

	tail, err := s2.TailEvents(2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	require.Equal(t, uint64(2), tail[0].Seq)
	require.Equal(t, uint64(3), tail[1].Seq)

	// Seq numbering continues where the previous process stopped.
	hub := wire.NewHub(wire.HubConfig{SessionID: s.ID})
	defer hub.Close()
	hub.Seed(all)
	require.Equal(t, uint64(3), hub.LastSeq())
	seq := hub.Broadcast(wire.Event(wire.KindStatus, nil))
	require.Equal(t, uint64(4), seq)
}

func TestEventLogToleratesPartialFinalRecord(t *testing.T) {
	m := newManager(t)
	workdir := t.TempDir()

	s, err := m.Open(workdir)
	require.NoError(t, err)
	msg := wire.Event(wire.KindTurnEnd, map[string]interface{}{"condition": "success"})
	msg.Seq = 7
	s.RecordEvent(msg)
	require.NoError(t, s.Close())

	f, err := os.OpenFile(filepath.Join(s.Dir, eventLogName), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"v":2,"seq":8,"class":"ev`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2, err := m.Resume(s.ID)
	require.NoError(t, err)
	defer func() { require.NoError(t, s2.Close()) }()

	msgs, err := s2.TailEvents(0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, uint64(7), msgs[0].Seq)
}

func TestListResumeArchive(t *testing.T) {
	m := newManager(t)

	s1, err := m.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s1.Close())
	time.Sleep(10 * time.Millisecond)
	s2, err := m.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s2.Close())

	infos, err := m.List()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	require.Equal(t, s2.ID, infos[0].ID, "most recently used first")
	require.False(t, infos[0].Archived)

	require.NoError(t, m.Archive(s1.ID))
	infos, err = m.List()
	require.NoError(t, err)
	for _, info := range infos {
		if info.ID == s1.ID {
			require.True(t, info.Archived)
		}
	}

	require.ErrorIs(t, m.Archive("no-such-id"), ErrSessionNotFound)
	_, err = m.Resume("no-such-id")
	require.ErrorIs(t, err, ErrSessionNotFound)

	// Resume unarchives.
	s1b, err := m.Resume(s1.ID)
	require.NoError(t, err)
	require.Equal(t, s1.Workdir, s1b.Workdir)
	require.NoError(t, s1b.Close())

	infos, err = m.List()
	require.NoError(t, err)
	for _, info := range infos {
		require.False(t, info.Archived)
	}
}
