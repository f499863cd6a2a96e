package adapters

import (
	"context"
	"sync"

	"github.com/stewardhq/steward/steward/conversation"
	ports "github.com/stewardhq/steward/steward/engine/ports"
)

// MemorySessionStore keeps conversation state in process memory.
type MemorySessionStore struct {
	mu     sync.RWMutex
	states map[string]*conversation.State
}

// NewMemorySessionStore creates an empty session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{states: make(map[string]*conversation.State)}
}

// Load returns a copy of the saved state, or a fresh idle state for unknown
// sessions.
func (s *MemorySessionStore) Load(ctx context.Context, sessionID string) (*conversation.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if state, ok := s.states[sessionID]; ok {
		return state.Clone(), nil
	}
	return conversation.NewState(sessionID), nil
}

// Save stores a copy of state keyed by its session id.
func (s *MemorySessionStore) Save(ctx context.Context, state *conversation.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.SessionID] = state.Clone()
	return nil
}

var _ ports.SessionStore = (*MemorySessionStore)(nil)
