package session

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrSessionNotFound reports a lookup for an id the index has never seen.
var ErrSessionNotFound = errors.New("session not found")

// Info is one row of the session index.
type Info struct {
	ID        string
	Workdir   string
	CreatedAt time.Time
	UpdatedAt time.Time
	Archived  bool
}

// index is the shared sqlite catalog of every session under one root.
type index struct {
	db *sql.DB
}

func openIndex(path string) (*index, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)")
	if err != nil {
		return nil, fmt.Errorf("open session index: %w", err)
	}
	idx := &index{db: db}
	if err := idx.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate session index: %w", err)
	}
	return idx, nil
}

func (i *index) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		workdir TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		archived INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_workdir ON sessions(workdir);
	`
	_, err := i.db.Exec(schema)
	return err
}

func (i *index) close() error {
	return i.db.Close()
}

// upsert records a session opening: new ids get a created_at, known ids are
// touched and unarchived.
func (i *index) upsert(id, workdir string) error {
	now := time.Now().UTC()
	_, err := i.db.Exec(`
		INSERT INTO sessions (id, workdir, created_at, updated_at, archived)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at, archived = 0`,
		id, workdir, now, now)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (i *index) get(id string) (Info, error) {
	var info Info
	var archived int
	err := i.db.QueryRow(
		`SELECT id, workdir, created_at, updated_at, archived FROM sessions WHERE id = ?`,
		id,
	).Scan(&info.ID, &info.Workdir, &info.CreatedAt, &info.UpdatedAt, &archived)
	if err == sql.ErrNoRows {
		return Info{}, ErrSessionNotFound
	}
	if err != nil {
		return Info{}, fmt.Errorf("query session: %w", err)
	}
	info.Archived = archived != 0
	return info, nil
}

func (i *index) list() ([]Info, error) {
	rows, err := i.db.Query(
		`SELECT id, workdir, created_at, updated_at, archived FROM sessions ORDER BY updated_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var infos []Info
	for rows.Next() {
		var info Info
		var archived int
		if err := rows.Scan(&info.ID, &info.Workdir, &info.CreatedAt, &info.UpdatedAt, &archived); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		info.Archived = archived != 0
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (i *index) archive(id string) error {
	res, err := i.db.Exec(
		`UPDATE sessions SET archived = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("archive session: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}
