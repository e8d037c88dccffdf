package checkpoint

import (
	"context"
	"fmt"
	"sync"

	"github.com/martinemde/ralph/conversation"
)

// MemoryStore keeps encoded checkpoints in process memory. Values are stored
// serialized so callers never share slices with the store.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string][]byte)}
}

func (s *MemoryStore) Save(_ context.Context, state conversation.State) error {
	if s == nil {
		return fmt.Errorf("nil checkpoint store")
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
	s.mu.Lock()
	s.items[id] = raw
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Load(_ context.Context, sessionID string) (conversation.State, error) {
	if s == nil {
		return conversation.State{}, fmt.Errorf("nil checkpoint store")
	}
	id, err := normalizeSessionID(sessionID)
	if err != nil {
		return conversation.State{}, err
	}
	s.mu.RLock()
	raw, ok := s.items[id]
	s.mu.RUnlock()
	if !ok {
		return conversation.NewState(id), nil
	}
	return decodeState(id, raw)
}

func (s *MemoryStore) Clear(_ context.Context, sessionID string) error {
	if s == nil {
		return fmt.Errorf("nil checkpoint store")
	}
	id, err := normalizeSessionID(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.items, id)
	s.mu.Unlock()
	return nil
}

// Sessions returns the ids with a stored checkpoint.
func (s *MemoryStore) Sessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	return ids
}

func (s *MemoryStore) Close() error { return nil }
