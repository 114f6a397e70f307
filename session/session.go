// Package session persists one working directory's agent state: the
// context store and the wire event log live as append-only JSONL files in
// a hashed session directory, catalogued by a shared sqlite index that
// backs list, resume and archive.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/yumesha/kimi-cli/history"
	"github.com/yumesha/kimi-cli/wire"
)

const (
	contextLogName = "context.jsonl"
	eventLogName   = "wire.jsonl"
	indexName      = "index.db"
)

// DeriveID maps a working directory to its stable session id.
func DeriveID(workdir string) string {
	abs, err := filepath.Abs(workdir)
	if err != nil {
		abs = workdir
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:])[:16]
}

// Config configures a Manager.
type Config struct {
	// Root holds every session directory and the shared index.
	// Defaults to ~/.kimi/sessions.
	Root   string
	Logger *zap.Logger
}

// Manager owns a session root.
type Manager struct {
	root string
	idx  *index
	log  *zap.Logger
}

// NewManager opens a session root, creating it on first use.
func NewManager(cfg Config) (*Manager, error) {
	root := cfg.Root
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		root = filepath.Join(home, ".kimi", "sessions")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create session root: %w", err)
	}
	idx, err := openIndex(filepath.Join(root, indexName))
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{root: root, idx: idx, log: logger}, nil
}

// Close releases the index.
func (m *Manager) Close() error {
	return m.idx.close()
}

// Open returns the session for a working directory, creating it on first
// use. Opening an archived session unarchives it.
func (m *Manager) Open(workdir string) (*Session, error) {
	abs, err := filepath.Abs(workdir)
	if err != nil {
		return nil, fmt.Errorf("resolve workdir: %w", err)
	}
	id := DeriveID(abs)
	if err := m.idx.upsert(id, abs); err != nil {
		return nil, err
	}
	return m.open(id, abs)
}

// Resume reopens a known session by id. Resuming unarchives.
func (m *Manager) Resume(id string) (*Session, error) {
	info, err := m.idx.get(id)
	if err != nil {
		return nil, err
	}
	if err := m.idx.upsert(info.ID, info.Workdir); err != nil {
		return nil, err
	}
	return m.open(info.ID, info.Workdir)
}

// List returns every indexed session, most recently used first.
func (m *Manager) List() ([]Info, error) {
	return m.idx.list()
}

// Archive flags a session. Its files stay on disk; Resume brings it back.
func (m *Manager) Archive(id string) error {
	return m.idx.archive(id)
}

func (m *Manager) open(id, workdir string) (*Session, error) {
	dir := filepath.Join(m.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	entries, err := openAppendLog(filepath.Join(dir, contextLogName))
	if err != nil {
		return nil, err
	}
	events, err := openAppendLog(filepath.Join(dir, eventLogName))
	if err != nil {
		_ = entries.close()
		return nil, err
	}
	return &Session{
		ID:      id,
		Workdir: workdir,
		Dir:     dir,
		entries: entries,
		events:  events,
		log:     m.log.With(zap.String("session_id", id)),
	}, nil
}

// Session is one working directory's persisted state.
type Session struct {
	ID      string
	Workdir string
	Dir     string

	entries *appendLog
	events  *appendLog
	log     *zap.Logger
}

// History rebuilds the context store from disk and journals every later
// mutation back to the log. Call it once per process; a second store on
// the same log would interleave records.
func (s *Session) History() (*history.Store, error) {
	var entries []history.Entry
	err := readRecords(filepath.Join(s.Dir, contextLogName), func(line []byte) error {
		var e history.Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return err
		}
		// A summary record is a prefix replacement, not an append: the
		// compactor journaled it after swapping out the entries it covers.
		if e.Kind == history.KindSummary && e.Summary != nil &&
			e.Summary.Covered > 0 && e.Summary.Covered <= len(entries) {
			entries = append([]history.Entry{e}, entries[e.Summary.Covered:]...)
			return nil
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load context log: %w", err)
	}

	store, err := history.Load(entries)
	if err != nil {
		return nil, fmt.Errorf("rebuild context store: %w", err)
	}
	store.SetJournal(func(e history.Entry) {
		if err := s.entries.append(e); err != nil {
			s.log.Error("context journal write failed", zap.Error(err))
		}
	})
	return store, nil
}

// RecordEvent persists one broadcast message. Wire it as the hub's Record
// hook.
func (s *Session) RecordEvent(m wire.Message) {
	if err := s.events.append(m); err != nil {
		s.log.Error("event log write failed", zap.Error(err))
	}
}

// TailEvents returns the last n persisted events, oldest first, for
// seeding the hub's replay ring across restarts. n <= 0 returns all.
func (s *Session) TailEvents(n int) ([]wire.Message, error) {
	var msgs []wire.Message
	err := readRecords(filepath.Join(s.Dir, eventLogName), func(line []byte) error {
		var m wire.Message
		if err := json.Unmarshal(line, &m); err != nil {
			return err
		}
		msgs = append(msgs, m)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load event log: %w", err)
	}
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return msgs, nil
}

// Close flushes and closes both logs.
func (s *Session) Close() error {
	errEntries := s.entries.close()
	errEvents := s.events.close()
	if errEntries != nil {
		return errEntries
	}
	return errEvents
}
