package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rs/zerolog"

	"github.com/stewardhq/steward/steward/capability"
	"github.com/stewardhq/steward/steward/conversation"
	"github.com/stewardhq/steward/steward/engine/adapters"
	ports "github.com/stewardhq/steward/steward/engine/ports"
	"github.com/stewardhq/steward/steward/entity"
)

// hookStore wraps a real store and lets a test override single operations.
type hookStore struct {
	inner    ports.EntityStore
	onCreate func(context.Context, *entity.Entity) (*entity.Entity, error)
	onGet    func(context.Context, string) (*entity.Entity, error)
	onUpdate func(context.Context, *entity.Entity) (*entity.Entity, error)
	onSearch func(context.Context, ports.EntityQuery) ([]*entity.Entity, error)
}

func (h *hookStore) Create(ctx context.Context, e *entity.Entity) (*entity.Entity, error) {
	if h.onCreate != nil {
		return h.onCreate(ctx, e)
	}
	return h.inner.Create(ctx, e)
}

func (h *hookStore) Get(ctx context.Context, id string) (*entity.Entity, error) {
	if h.onGet != nil {
		return h.onGet(ctx, id)
	}
	return h.inner.Get(ctx, id)
}

func (h *hookStore) Update(ctx context.Context, e *entity.Entity) (*entity.Entity, error) {
	if h.onUpdate != nil {
		return h.onUpdate(ctx, e)
	}
	return h.inner.Update(ctx, e)
}

func (h *hookStore) Search(ctx context.Context, q ports.EntityQuery) ([]*entity.Entity, error) {
	if h.onSearch != nil {
		return h.onSearch(ctx, q)
	}
	return h.inner.Search(ctx, q)
}

var testClockNow = time.Date(2025, 3, 11, 10, 0, 0, 0, time.UTC) // a Tuesday

func newTestExecutor(t *testing.T, store ports.EntityStore) *Executor {
	t.Helper()
	schemas, err := entity.NewSchemaSet()
	require.NoError(t, err)
	x := NewExecutor(store, schemas, noOpTracer{}, zerolog.Nop(), ExecutorConfig{
		ToolTimeout:  time.Second,
		RetryBackoff: time.Millisecond,
	})
	x.clock = func() time.Time { return testClockNow }
	return x
}

func readyState() *conversation.State {
	s := conversation.NewState("s1")
	s.Phase = conversation.PhaseReady
	s.EntityContext[entity.TypeProject] = "p1"
	return s
}

func awaitingState() *conversation.State {
	s := conversation.NewState("s1")
	s.Phase = conversation.PhaseAwaitingProject
	return s
}

func createCall(t entity.Type, args map[string]any) ports.ToolCall {
	return ports.ToolCall{Operation: capability.OpCreate, EntityType: t, Arguments: args}
}

func requireKind(t *testing.T, err error, kind Kind) *Error {
	t.Helper()
	require.Error(t, err)
	engErr, ok := AsError(err)
	require.True(t, ok, "expected engine error, got %v", err)
	require.Equal(t, kind, engErr.Kind, "detail: %s", engErr.Detail)
	return engErr
}

func TestCreateScopesEntityToBoundProject(t *testing.T) {
	x := newTestExecutor(t, adapters.NewMemoryEntityStore())

	results, err := x.Execute(context.Background(), readyState(), testCapability(t, "task_planner"), []ports.ToolCall{
		createCall(entity.TypeTask, map[string]any{"title": "Restore drill"}),
	})
	require.NoError(t, err)
	require.Len(t, results, 1)

	created := results[0].Entity
	require.NotNil(t, created)
	assert.Equal(t, "p1", created.ProjectID)
	assert.Equal(t, "pending", created.Status)
	assert.Equal(t, int64(1), created.Version)
	assert.Equal(t, "Restore drill", created.Fields["title"])
}

func TestCreateProjectNeedsNoScope(t *testing.T) {
	x := newTestExecutor(t, adapters.NewMemoryEntityStore())

	results, err := x.Execute(context.Background(), awaitingState(), testCapability(t, "project_manager"), []ports.ToolCall{
		createCall(entity.TypeProject, map[string]any{
			"name":                       "Atlas",
			"client":                     "Acme Corp",
			"project_type":               "implementation",
			"start_estimate":             "March 2025",
			"duration_estimate":          "12 weeks",
			"has_technical_requirements": true,
		}),
	})
	require.NoError(t, err)

	created := results[0].Entity
	assert.Empty(t, created.ProjectID)
	assert.Equal(t, "active", created.Status)
}

func TestCreateWithoutBoundProjectIsMissingContext(t *testing.T) {
	x := newTestExecutor(t, adapters.NewMemoryEntityStore())
	unbound := conversation.NewState("s1")
	unbound.Phase = conversation.PhaseReady

	_, err := x.Execute(context.Background(), unbound, testCapability(t, "task_planner"), []ports.ToolCall{
		createCall(entity.TypeTask, map[string]any{"title": "orphan"}),
	})
	requireKind(t, err, KindMissingContext)
}

func TestAwaitingPhaseBlocksNonProjectMutations(t *testing.T) {
	x := newTestExecutor(t, adapters.NewMemoryEntityStore())

	_, err := x.Execute(context.Background(), awaitingState(), testCapability(t, "task_planner"), []ports.ToolCall{
		createCall(entity.TypeTask, map[string]any{"title": "too early"}),
	})
	requireKind(t, err, KindMissingContext)

	// Reads stay available during intake.
	results, err := x.Execute(context.Background(), awaitingState(), testCapability(t, "general"), []ports.ToolCall{
		{Operation: capability.OpSearch, EntityType: entity.TypeTask, Arguments: map[string]any{}},
	})
	require.NoError(t, err)
	assert.Empty(t, results[0].Entities)
}

func TestCapabilityViolations(t *testing.T) {
	x := newTestExecutor(t, adapters.NewMemoryEntityStore())

	t.Run("read-only capability cannot create", func(t *testing.T) {
		_, err := x.Execute(context.Background(), readyState(), testCapability(t, "general"), []ports.ToolCall{
			createCall(entity.TypeTask, map[string]any{"title": "nope"}),
		})
		requireKind(t, err, KindCapability)
	})

	t.Run("reader cannot mutate anothers entity type", func(t *testing.T) {
		_, err := x.Execute(context.Background(), readyState(), testCapability(t, "document_author"), []ports.ToolCall{
			{Operation: capability.OpUpdate, EntityType: entity.TypeTechnicalRequest,
				Arguments: map[string]any{"id": "tr-1", "summary": "hijack"}},
		})
		requireKind(t, err, KindCapability)
	})
}

func TestValidationGates(t *testing.T) {
	x := newTestExecutor(t, adapters.NewMemoryEntityStore())

	t.Run("unknown operation", func(t *testing.T) {
		_, err := x.Execute(context.Background(), readyState(), testCapability(t, "task_planner"), []ports.ToolCall{
			{Operation: capability.Operation("destroy"), EntityType: entity.TypeTask, Arguments: map[string]any{}},
		})
		requireKind(t, err, KindValidation)
	})

	t.Run("unknown entity type", func(t *testing.T) {
		_, err := x.Execute(context.Background(), readyState(), testCapability(t, "task_planner"), []ports.ToolCall{
			createCall(entity.Type("Widget"), map[string]any{}),
		})
		requireKind(t, err, KindValidation)
	})

	t.Run("incomplete project create", func(t *testing.T) {
		_, err := x.Execute(context.Background(), readyState(), testCapability(t, "project_manager"), []ports.ToolCall{
			createCall(entity.TypeProject, map[string]any{"name": "Atlas"}),
		})
		requireKind(t, err, KindValidation)
	})

	t.Run("task without title", func(t *testing.T) {
		_, err := x.Execute(context.Background(), readyState(), testCapability(t, "task_planner"), []ports.ToolCall{
			createCall(entity.TypeTask, map[string]any{"description": "no title"}),
		})
		requireKind(t, err, KindValidation)
	})

	t.Run("invalid initial status", func(t *testing.T) {
		_, err := x.Execute(context.Background(), readyState(), testCapability(t, "task_planner"), []ports.ToolCall{
			createCall(entity.TypeTask, map[string]any{"title": "x", "status": "zombie"}),
		})
		requireKind(t, err, KindValidation)
	})
}

func TestDocumentContentClamp(t *testing.T) {
	store := adapters.NewMemoryEntityStore()
	schemas, err := entity.NewSchemaSet()
	require.NoError(t, err)
	x := NewExecutor(store, schemas, noOpTracer{}, zerolog.Nop(), ExecutorConfig{
		ToolTimeout:      time.Second,
		RetryBackoff:     time.Millisecond,
		MaxDocumentChars: 20,
	})

	long := ""
	for i := 0; i < 10; i++ {
		long += "0123456789"
	}

	results, err := x.Execute(context.Background(), readyState(), testCapability(t, "document_author"), []ports.ToolCall{
		createCall(entity.TypeDocument, map[string]any{"title": "PRD", "content": long}),
	})
	require.NoError(t, err)
	created := results[0].Entity
	assert.Len(t, created.Fields[entity.FieldContent], 20)

	// The clamp also applies on update.
	results, err = x.Execute(context.Background(), readyState(), testCapability(t, "document_author"), []ports.ToolCall{
		{Operation: capability.OpUpdate, EntityType: entity.TypeDocument,
			Arguments: map[string]any{"id": created.ID, "content": long + long}},
	})
	require.NoError(t, err)
	assert.Len(t, results[0].Entity.Fields[entity.FieldContent], 20)
}

func TestCheckpointReminderDefaults(t *testing.T) {
	x := newTestExecutor(t, adapters.NewMemoryEntityStore())

	results, err := x.Execute(context.Background(), readyState(), testCapability(t, "task_planner"), []ports.ToolCall{
		createCall(entity.TypeCheckpoint, map[string]any{"title": "Weekly review"}),
	})
	require.NoError(t, err)

	remindAt, ok := results[0].Entity.Fields[entity.FieldRemindAt].(string)
	require.True(t, ok)
	parsed, err := time.Parse(time.RFC3339, remindAt)
	require.NoError(t, err)
	assert.Equal(t, time.Thursday, parsed.Weekday())
	assert.Equal(t, 14, parsed.Hour())
	assert.True(t, parsed.After(testClockNow))

	// An explicit reminder is kept as given.
	results, err = x.Execute(context.Background(), readyState(), testCapability(t, "task_planner"), []ports.ToolCall{
		createCall(entity.TypeCheckpoint, map[string]any{"title": "Ad hoc", "remind_at": "2025-04-01T09:00:00Z"}),
	})
	require.NoError(t, err)
	assert.Equal(t, "2025-04-01T09:00:00Z", results[0].Entity.Fields[entity.FieldRemindAt])
}

func TestReadChecksTypeAndExistence(t *testing.T) {
	store := adapters.NewMemoryEntityStore()
	x := newTestExecutor(t, store)
	state := readyState()

	results, err := x.Execute(context.Background(), state, testCapability(t, "task_planner"), []ports.ToolCall{
		createCall(entity.TypeTask, map[string]any{"title": "readable"}),
	})
	require.NoError(t, err)
	taskID := results[0].Entity.ID

	t.Run("read back", func(t *testing.T) {
		results, err := x.Execute(context.Background(), state, testCapability(t, "general"), []ports.ToolCall{
			{Operation: capability.OpRead, EntityType: entity.TypeTask, Arguments: map[string]any{"id": taskID}},
		})
		require.NoError(t, err)
		assert.Equal(t, taskID, results[0].Entity.ID)
	})

	t.Run("type mismatch", func(t *testing.T) {
		_, err := x.Execute(context.Background(), state, testCapability(t, "general"), []ports.ToolCall{
			{Operation: capability.OpRead, EntityType: entity.TypeDocument, Arguments: map[string]any{"id": taskID}},
		})
		requireKind(t, err, KindValidation)
	})

	t.Run("missing id argument", func(t *testing.T) {
		_, err := x.Execute(context.Background(), state, testCapability(t, "general"), []ports.ToolCall{
			{Operation: capability.OpRead, EntityType: entity.TypeTask, Arguments: map[string]any{}},
		})
		requireKind(t, err, KindValidation)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := x.Execute(context.Background(), state, testCapability(t, "general"), []ports.ToolCall{
			{Operation: capability.OpRead, EntityType: entity.TypeTask, Arguments: map[string]any{"id": "ghost"}},
		})
		requireKind(t, err, KindNotFound)
	})
}

func TestUpdateMergesFieldsAndStatus(t *testing.T) {
	x := newTestExecutor(t, adapters.NewMemoryEntityStore())
	state := readyState()
	planner := testCapability(t, "task_planner")

	results, err := x.Execute(context.Background(), state, planner, []ports.ToolCall{
		createCall(entity.TypeTask, map[string]any{"title": "Restore drill"}),
	})
	require.NoError(t, err)
	taskID := results[0].Entity.ID

	results, err = x.Execute(context.Background(), state, planner, []ports.ToolCall{
		{Operation: capability.OpUpdate, EntityType: entity.TypeTask, Arguments: map[string]any{
			"id":          taskID,
			"status":      "in_progress",
			"description": "quarterly",
		}},
	})
	require.NoError(t, err)

	updated := results[0].Entity
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, "in_progress", updated.Status)
	assert.Equal(t, "quarterly", updated.Fields["description"])
	assert.Equal(t, "Restore drill", updated.Fields["title"], "untouched fields survive")
}

func TestUpdateGuards(t *testing.T) {
	x := newTestExecutor(t, adapters.NewMemoryEntityStore())
	state := readyState()
	planner := testCapability(t, "task_planner")

	results, err := x.Execute(context.Background(), state, planner, []ports.ToolCall{
		createCall(entity.TypeTask, map[string]any{"title": "guarded"}),
	})
	require.NoError(t, err)
	taskID := results[0].Entity.ID

	t.Run("project binding immutable", func(t *testing.T) {
		_, err := x.Execute(context.Background(), state, planner, []ports.ToolCall{
			{Operation: capability.OpUpdate, EntityType: entity.TypeTask,
				Arguments: map[string]any{"id": taskID, "project_id": "p2"}},
		})
		requireKind(t, err, KindValidation)
	})

	t.Run("result pointer is managed", func(t *testing.T) {
		_, err := x.Execute(context.Background(), state, planner, []ports.ToolCall{
			{Operation: capability.OpUpdate, EntityType: entity.TypeTask,
				Arguments: map[string]any{"id": taskID, "result_entity_id": "sneaky"}},
		})
		requireKind(t, err, KindValidation)
	})

	t.Run("invalid status", func(t *testing.T) {
		_, err := x.Execute(context.Background(), state, planner, []ports.ToolCall{
			{Operation: capability.OpUpdate, EntityType: entity.TypeTask,
				Arguments: map[string]any{"id": taskID, "status": "zombie"}},
		})
		requireKind(t, err, KindValidation)
	})

	t.Run("terminal records stay frozen", func(t *testing.T) {
		_, err := x.Execute(context.Background(), state, planner, []ports.ToolCall{
			{Operation: capability.OpUpdate, EntityType: entity.TypeTask,
				Arguments: map[string]any{"id": taskID, "status": "completed"}},
		})
		require.NoError(t, err)

		_, err = x.Execute(context.Background(), state, planner, []ports.ToolCall{
			{Operation: capability.OpUpdate, EntityType: entity.TypeTask,
				Arguments: map[string]any{"id": taskID, "description": "too late"}},
		})
		requireKind(t, err, KindValidation)
	})
}

func TestSearchScopesAndFiltersArchived(t *testing.T) {
	store := adapters.NewMemoryEntityStore()
	x := newTestExecutor(t, store)
	state := readyState()
	planner := testCapability(t, "task_planner")

	seed := func(title, project, status string) {
		_, err := store.Create(context.Background(), &entity.Entity{
			Type: entity.TypeTask, ProjectID: project, Status: status,
			Fields: map[string]any{"title": title},
		})
		require.NoError(t, err)
	}
	seed("alpha", "p1", "pending")
	seed("beta", "p1", "in_progress")
	seed("gamma", "p1", "completed")
	seed("other project", "p2", "pending")

	t.Run("scoped and active by default", func(t *testing.T) {
		results, err := x.Execute(context.Background(), state, planner, []ports.ToolCall{
			{Operation: capability.OpSearch, EntityType: entity.TypeTask, Arguments: map[string]any{}},
		})
		require.NoError(t, err)
		assert.Len(t, results[0].Entities, 2)
		for _, e := range results[0].Entities {
			assert.Equal(t, "p1", e.ProjectID)
		}
	})

	t.Run("include archived", func(t *testing.T) {
		results, err := x.Execute(context.Background(), state, planner, []ports.ToolCall{
			{Operation: capability.OpSearch, EntityType: entity.TypeTask,
				Arguments: map[string]any{"include_archived": true}},
		})
		require.NoError(t, err)
		assert.Len(t, results[0].Entities, 3)
	})

	t.Run("explicit status", func(t *testing.T) {
		results, err := x.Execute(context.Background(), state, planner, []ports.ToolCall{
			{Operation: capability.OpSearch, EntityType: entity.TypeTask,
				Arguments: map[string]any{"status": "completed"}},
		})
		require.NoError(t, err)
		require.Len(t, results[0].Entities, 1)
		assert.Equal(t, "gamma", results[0].Entities[0].Fields["title"])
	})

	t.Run("limit", func(t *testing.T) {
		results, err := x.Execute(context.Background(), state, planner, []ports.ToolCall{
			{Operation: capability.OpSearch, EntityType: entity.TypeTask,
				Arguments: map[string]any{"limit": float64(1), "include_archived": true}},
		})
		require.NoError(t, err)
		assert.Len(t, results[0].Entities, 1)
	})

	t.Run("invalid status filter", func(t *testing.T) {
		_, err := x.Execute(context.Background(), state, planner, []ports.ToolCall{
			{Operation: capability.OpSearch, EntityType: entity.TypeTask,
				Arguments: map[string]any{"status": "zombie"}},
		})
		requireKind(t, err, KindValidation)
	})
}

func seedSuggestion(t *testing.T, x *Executor, state *conversation.State, payload map[string]any) string {
	t.Helper()
	args := map[string]any{
		"summary":            "Automate the restore drill",
		"target_entity_type": "Task",
	}
	if payload != nil {
		args["payload"] = payload
	}
	results, err := x.Execute(context.Background(), state, testCapability(t, "technical_analyst"), []ports.ToolCall{
		createCall(entity.TypeSuggestion, args),
	})
	require.NoError(t, err)
	return results[0].Entity.ID
}

func acceptCall(id string) ports.ToolCall {
	return ports.ToolCall{Operation: capability.OpUpdate, EntityType: entity.TypeSuggestion,
		Arguments: map[string]any{"id": id, "status": "accepted"}}
}

func TestSuggestionAcceptCreatesTarget(t *testing.T) {
	store := adapters.NewMemoryEntityStore()
	x := newTestExecutor(t, store)
	state := readyState()
	analyst := testCapability(t, "technical_analyst")

	suggestionID := seedSuggestion(t, x, state, map[string]any{"title": "Restore drill", "due": "Friday"})

	results, err := x.Execute(context.Background(), state, analyst, []ports.ToolCall{acceptCall(suggestionID)})
	require.NoError(t, err)

	accepted := results[0].Entity
	assert.Equal(t, entity.SuggestionAccepted, accepted.Status)
	resultID, ok := accepted.Fields[entity.FieldResultEntityID].(string)
	require.True(t, ok)
	require.NotEmpty(t, resultID)

	require.Len(t, results[0].Entities, 1)
	target := results[0].Entities[0]
	assert.Equal(t, resultID, target.ID)
	assert.Equal(t, entity.TypeTask, target.Type)
	assert.Equal(t, "p1", target.ProjectID, "target inherits the suggestion's project")
	assert.Equal(t, "Restore drill", target.Fields["title"])
	assert.Equal(t, "Friday", target.Fields["due"])
}

func TestSuggestionAcceptIsIdempotent(t *testing.T) {
	store := adapters.NewMemoryEntityStore()
	x := newTestExecutor(t, store)
	state := readyState()
	analyst := testCapability(t, "technical_analyst")

	suggestionID := seedSuggestion(t, x, state, map[string]any{"title": "Restore drill"})

	first, err := x.Execute(context.Background(), state, analyst, []ports.ToolCall{acceptCall(suggestionID)})
	require.NoError(t, err)
	second, err := x.Execute(context.Background(), state, analyst, []ports.ToolCall{acceptCall(suggestionID)})
	require.NoError(t, err)

	firstResult := first[0].Entity.Fields[entity.FieldResultEntityID]
	secondResult := second[0].Entity.Fields[entity.FieldResultEntityID]
	assert.Equal(t, firstResult, secondResult, "repeated accept returns the same result entity")
	require.Len(t, second[0].Entities, 1)
	assert.Equal(t, firstResult, second[0].Entities[0].ID)

	tasks, err := store.Search(context.Background(), ports.EntityQuery{Type: entity.TypeTask, ProjectID: "p1"})
	require.NoError(t, err)
	assert.Len(t, tasks, 1, "no duplicate entity may be created")
}

func TestSuggestionRejectedCannotBeAccepted(t *testing.T) {
	store := adapters.NewMemoryEntityStore()
	x := newTestExecutor(t, store)
	state := readyState()
	analyst := testCapability(t, "technical_analyst")

	suggestionID := seedSuggestion(t, x, state, nil)

	_, err := x.Execute(context.Background(), state, analyst, []ports.ToolCall{
		{Operation: capability.OpUpdate, EntityType: entity.TypeSuggestion,
			Arguments: map[string]any{"id": suggestionID, "status": "rejected"}},
	})
	require.NoError(t, err)

	_, err = x.Execute(context.Background(), state, analyst, []ports.ToolCall{acceptCall(suggestionID)})
	requireKind(t, err, KindValidation)
}

func TestSuggestionAcceptFallsBackToSummary(t *testing.T) {
	store := adapters.NewMemoryEntityStore()
	x := newTestExecutor(t, store)
	state := readyState()

	suggestionID := seedSuggestion(t, x, state, nil) // no payload at all

	results, err := x.Execute(context.Background(), state, testCapability(t, "technical_analyst"), []ports.ToolCall{acceptCall(suggestionID)})
	require.NoError(t, err)

	require.Len(t, results[0].Entities, 1)
	assert.Equal(t, "Automate the restore drill", results[0].Entities[0].Fields["title"])
}

func TestUpdateRetriesVersionConflict(t *testing.T) {
	inner := adapters.NewMemoryEntityStore()
	conflictsLeft := 1
	store := &hookStore{inner: inner}
	store.onUpdate = func(ctx context.Context, e *entity.Entity) (*entity.Entity, error) {
		if conflictsLeft > 0 {
			conflictsLeft--
			return nil, ports.ErrVersionConflict
		}
		return inner.Update(ctx, e)
	}
	x := newTestExecutor(t, store)
	state := readyState()
	planner := testCapability(t, "task_planner")

	results, err := x.Execute(context.Background(), state, planner, []ports.ToolCall{
		createCall(entity.TypeTask, map[string]any{"title": "contended"}),
	})
	require.NoError(t, err)
	taskID := results[0].Entity.ID

	results, err = x.Execute(context.Background(), state, planner, []ports.ToolCall{
		{Operation: capability.OpUpdate, EntityType: entity.TypeTask,
			Arguments: map[string]any{"id": taskID, "description": "won eventually"}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), results[0].Entity.Version)
	assert.Equal(t, 0, conflictsLeft)
}

func TestUpdateConflictRetriesExhaust(t *testing.T) {
	inner := adapters.NewMemoryEntityStore()
	gets := 0
	store := &hookStore{inner: inner}
	store.onGet = func(ctx context.Context, id string) (*entity.Entity, error) {
		gets++
		return inner.Get(ctx, id)
	}
	store.onUpdate = func(ctx context.Context, e *entity.Entity) (*entity.Entity, error) {
		return nil, ports.ErrVersionConflict
	}

	schemas, err := entity.NewSchemaSet()
	require.NoError(t, err)
	x := NewExecutor(store, schemas, noOpTracer{}, zerolog.Nop(), ExecutorConfig{
		ToolTimeout:     time.Second,
		RetryBackoff:    time.Millisecond,
		ConflictRetries: 2,
	})
	state := readyState()
	planner := testCapability(t, "task_planner")

	results, err := x.Execute(context.Background(), state, planner, []ports.ToolCall{
		createCall(entity.TypeTask, map[string]any{"title": "hot record"}),
	})
	require.NoError(t, err)
	taskID := results[0].Entity.ID
	gets = 0

	_, err = x.Execute(context.Background(), state, planner, []ports.ToolCall{
		{Operation: capability.OpUpdate, EntityType: entity.TypeTask,
			Arguments: map[string]any{"id": taskID, "description": "never lands"}},
	})
	requireKind(t, err, KindConflict)
	assert.Equal(t, 3, gets, "each attempt re-reads the record")
}

func TestStoreTimeoutRetriesOnceThenFails(t *testing.T) {
	attempts := 0
	store := &hookStore{inner: adapters.NewMemoryEntityStore()}
	store.onCreate = func(ctx context.Context, e *entity.Entity) (*entity.Entity, error) {
		attempts++
		<-ctx.Done()
		return nil, ctx.Err()
	}

	schemas, err := entity.NewSchemaSet()
	require.NoError(t, err)
	x := NewExecutor(store, schemas, noOpTracer{}, zerolog.Nop(), ExecutorConfig{
		ToolTimeout:  5 * time.Millisecond,
		RetryCount:   1,
		RetryBackoff: time.Millisecond,
	})

	_, err = x.Execute(context.Background(), readyState(), testCapability(t, "task_planner"), []ports.ToolCall{
		createCall(entity.TypeTask, map[string]any{"title": "slow store"}),
	})
	requireKind(t, err, KindTimeout)
	assert.Equal(t, 2, attempts)
}

func TestExecuteStopsAtFirstFailure(t *testing.T) {
	store := adapters.NewMemoryEntityStore()
	x := newTestExecutor(t, store)
	state := readyState()
	planner := testCapability(t, "task_planner")

	results, err := x.Execute(context.Background(), state, planner, []ports.ToolCall{
		createCall(entity.TypeTask, map[string]any{"title": "first, commits"}),
		createCall(entity.TypeTask, map[string]any{"description": "second, invalid"}),
		createCall(entity.TypeTask, map[string]any{"title": "third, never runs"}),
	})
	requireKind(t, err, KindValidation)
	require.Len(t, results, 1, "only the committed prefix is returned")

	tasks, searchErr := store.Search(context.Background(), ports.EntityQuery{Type: entity.TypeTask})
	require.NoError(t, searchErr)
	assert.Len(t, tasks, 1, "the failing call and everything after it must not touch the store")
	assert.Equal(t, "first, commits", tasks[0].Fields["title"])
}
