package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/martinemde/ralph/conversation"
)

var checkpointsBucket = []byte("checkpoints")

// BoltStore keeps checkpoints in a single bbolt file, one key per session.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens the bbolt file at path, creating parent directories and
// the checkpoints bucket when missing.
func NewBoltStore(path string) (*BoltStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("missing bolt path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt checkpoint store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(checkpointsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Save(ctx context.Context, state conversation.State) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("nil checkpoint store")
	}
	if err := ctx.Err(); err != nil {
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
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(checkpointsBucket).Put([]byte(id), raw)
	})
}

func (s *BoltStore) Load(ctx context.Context, sessionID string) (conversation.State, error) {
	if s == nil || s.db == nil {
		return conversation.State{}, fmt.Errorf("nil checkpoint store")
	}
	if err := ctx.Err(); err != nil {
		return conversation.State{}, err
	}
	id, err := normalizeSessionID(sessionID)
	if err != nil {
		return conversation.State{}, err
	}

	var raw []byte
	err = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(checkpointsBucket).Get([]byte(id)); v != nil {
			// v is only valid for the life of the transaction.
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return conversation.State{}, err
	}
	if raw == nil {
		return conversation.NewState(id), nil
	}
	return decodeState(id, raw)
}

func (s *BoltStore) Clear(ctx context.Context, sessionID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("nil checkpoint store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	id, err := normalizeSessionID(sessionID)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(checkpointsBucket).Delete([]byte(id))
	})
}

func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
