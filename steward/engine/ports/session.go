package engineports

import (
	"context"

	"github.com/stewardhq/steward/steward/conversation"
)

// SessionStore persists conversation state between turns. Load returns a
// fresh idle state when the session has never been saved.
type SessionStore interface {
	Load(ctx context.Context, sessionID string) (*conversation.State, error)
	Save(ctx context.Context, state *conversation.State) error
}
