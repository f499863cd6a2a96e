package adapters

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardhq/steward/steward/conversation"
	"github.com/stewardhq/steward/steward/entity"
)

func sampleState(t *testing.T, sessionID string) *conversation.State {
	t.Helper()
	s := conversation.NewState(sessionID)
	s.Phase = conversation.PhaseReady
	s.ActiveTopic = "backup"
	s.AppendTurn(conversation.NewTurn(conversation.RoleUser, "let's review our backups", time.Now().UTC().Truncate(time.Second)))
	s.AppendTurn(conversation.NewTurn(conversation.RoleAssistant, "which system holds them?", time.Now().UTC().Truncate(time.Second)))
	s.Accumulators["backup"] = conversation.Accumulator{
		Summary:   "let's review our backups",
		Fragments: []string{"it's a qnap nas"},
	}
	s.EntityContext[entity.TypeProject] = "proj-1"
	require.NoError(t, s.MarkTopicTurn("backup", 0))
	s.UpdatedAt = time.Now().UTC().Truncate(time.Second)
	return s
}

func assertStateEqual(t *testing.T, want, got *conversation.State) {
	t.Helper()
	assert.Equal(t, want.SessionID, got.SessionID)
	assert.Equal(t, want.Phase, got.Phase)
	assert.Equal(t, want.ActiveTopic, got.ActiveTopic)
	require.Len(t, got.Turns, len(want.Turns))
	for i := range want.Turns {
		assert.Equal(t, want.Turns[i].Text, got.Turns[i].Text)
		assert.Equal(t, want.Turns[i].Role, got.Turns[i].Role)
	}
	assert.Equal(t, want.Accumulators, got.Accumulators)
	assert.Equal(t, want.EntityContext, got.EntityContext)
	assert.Equal(t, want.TurnsFor("backup"), got.TurnsFor("backup"),
		"topic turn bitmaps survive persistence")
}

func TestMemorySessionStoreRoundTrip(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()

	fresh, err := store.Load(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, conversation.PhaseIdle, fresh.Phase)
	assert.Empty(t, fresh.Turns)

	want := sampleState(t, "s1")
	require.NoError(t, store.Save(ctx, want))

	got, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assertStateEqual(t, want, got)

	// Mutating the loaded copy must not leak back into the store.
	got.ActiveTopic = "task_planning"
	again, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "backup", again.ActiveTopic)
}

func TestLibSQLSessionStoreRoundTrip(t *testing.T) {
	db := createTestDB(t)
	defer db.Close()
	store := NewLibSQLSessionStore(db)
	ctx := context.Background()

	fresh, err := store.Load(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, conversation.PhaseIdle, fresh.Phase)

	want := sampleState(t, "s2")
	require.NoError(t, store.Save(ctx, want))

	got, err := store.Load(ctx, "s2")
	require.NoError(t, err)
	assertStateEqual(t, want, got)

	// Saving again overwrites rather than duplicating.
	want.ActiveTopic = "access_control"
	require.NoError(t, store.Save(ctx, want))
	got, err = store.Load(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, "access_control", got.ActiveTopic)
}
