package adapters

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stewardhq/steward/steward/conversation"
	ports "github.com/stewardhq/steward/steward/engine/ports"
)

// LibSQLSessionStore persists conversation state as one JSON document per
// session.
type LibSQLSessionStore struct {
	db *sql.DB
}

// NewLibSQLSessionStore wraps an opened libSQL database.
func NewLibSQLSessionStore(db *sql.DB) *LibSQLSessionStore {
	return &LibSQLSessionStore{db: db}
}

// Load returns the saved state for sessionID, or a fresh idle state when the
// session has never been saved.
func (s *LibSQLSessionStore) Load(ctx context.Context, sessionID string) (*conversation.State, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM conversation_sessions WHERE session_id = ?`, sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return conversation.NewState(sessionID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	var state conversation.State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session %s: %w", sessionID, err)
	}
	return &state, nil
}

// Save upserts the full state document for its session id.
func (s *LibSQLSessionStore) Save(ctx context.Context, state *conversation.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", state.SessionID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO conversation_sessions (session_id, state, updated_at)
		 VALUES (?, ?, ?)`,
		state.SessionID, string(raw), time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", state.SessionID, err)
	}
	return nil
}

var _ ports.SessionStore = (*LibSQLSessionStore)(nil)
