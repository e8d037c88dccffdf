package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/martinemde/ralph/conversation"
)

// SQLiteStore keeps one row per session in a sqlite database.
type SQLiteStore struct {
	dsn string

	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at dsn.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("missing sqlite dsn")
	}
	s := &SQLiteStore{dsn: dsn}
	if _, err := s.ensureOpen(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Save(ctx context.Context, state conversation.State) error {
	if s == nil {
		return fmt.Errorf("nil checkpoint store")
	}
	db, err := s.ensureOpen()
	if err != nil {
		return err
	}
	id, err := normalizeSessionID(state.SessionID)
	if err != nil {
		return err
	}
	state.SessionID = id
	raw, err := encodeState(state)
	if err != nil {
		return err
	}

	hasPending := 0
	if state.Pending != nil {
		hasPending = 1
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO checkpoints (session_id, updated_at_unix, has_pending, state)
VALUES (?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
  updated_at_unix = excluded.updated_at_unix,
  has_pending = excluded.has_pending,
  state = excluded.state
`, id, time.Now().UTC().Unix(), hasPending, raw)
	if err != nil {
		return fmt.Errorf("save checkpoint for session %q: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (conversation.State, error) {
	if s == nil {
		return conversation.State{}, fmt.Errorf("nil checkpoint store")
	}
	db, err := s.ensureOpen()
	if err != nil {
		return conversation.State{}, err
	}
	id, err := normalizeSessionID(sessionID)
	if err != nil {
		return conversation.State{}, err
	}

	var raw []byte
	err = db.QueryRowContext(ctx, `SELECT state FROM checkpoints WHERE session_id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return conversation.NewState(id), nil
	}
	if err != nil {
		return conversation.State{}, fmt.Errorf("load checkpoint for session %q: %w", id, err)
	}
	return decodeState(id, raw)
}

func (s *SQLiteStore) Clear(ctx context.Context, sessionID string) error {
	if s == nil {
		return fmt.Errorf("nil checkpoint store")
	}
	db, err := s.ensureOpen()
	if err != nil {
		return err
	}
	id, err := normalizeSessionID(sessionID)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `DELETE FROM checkpoints WHERE session_id = ?`, id)
	return err
}

// PendingSessions lists sessions suspended on an Interruption, most recently
// updated first.
func (s *SQLiteStore) PendingSessions(ctx context.Context) ([]string, error) {
	if s == nil {
		return nil, fmt.Errorf("nil checkpoint store")
	}
	db, err := s.ensureOpen()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
SELECT session_id FROM checkpoints
WHERE has_pending = 1
ORDER BY updated_at_unix DESC, session_id
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// ensureOpen returns the open handle, reopening it after Close. Callers use
// the returned handle, never s.db, so a concurrent Close cannot race them.
func (s *SQLiteStore) ensureOpen() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db, nil
	}
	db, err := sql.Open("sqlite", s.dsn)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers; sqlite rejects concurrent
	// writers with SQLITE_BUSY otherwise.
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.db = db
	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS checkpoints (
  session_id TEXT PRIMARY KEY,
  updated_at_unix INTEGER NOT NULL,
  has_pending INTEGER NOT NULL DEFAULT 0,
  state BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_pending ON checkpoints(has_pending);
`)
	return err
}
