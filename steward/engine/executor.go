package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/stewardhq/steward/steward/capability"
	"github.com/stewardhq/steward/steward/conversation"
	ports "github.com/stewardhq/steward/steward/engine/ports"
	"github.com/stewardhq/steward/steward/entity"
)

// ExecutorConfig tunes store interaction. Zero values fall back to the
// defaults below.
type ExecutorConfig struct {
	ToolTimeout      time.Duration // per store call
	RetryCount       int           // extra attempts after a timeout
	RetryBackoff     time.Duration // wait before a retry
	ConflictRetries  int           // fresh-read attempts on version conflict
	MaxDocumentChars int           // clamp for Document content
	ReminderHour     int           // hour of day for checkpoint reminders
}

const (
	defaultToolTimeout      = 30 * time.Second
	defaultRetryCount       = 1
	defaultRetryBackoff     = 500 * time.Millisecond
	defaultConflictRetries  = 3
	defaultMaxDocumentChars = 10000
)

// Executor runs proposed tool calls against the entity store. Every call is
// gated by the capability contract before the store is touched, and all
// failures surface as taxonomy errors.
type Executor struct {
	store   ports.EntityStore
	schemas *entity.SchemaSet
	tracer  ports.Tracer
	logger  zerolog.Logger
	cfg     ExecutorConfig
	clock   func() time.Time
}

func NewExecutor(store ports.EntityStore, schemas *entity.SchemaSet, tracer ports.Tracer, logger zerolog.Logger, cfg ExecutorConfig) *Executor {
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = defaultToolTimeout
	}
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = defaultRetryCount
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = defaultConflictRetries
	}
	if cfg.MaxDocumentChars <= 0 {
		cfg.MaxDocumentChars = defaultMaxDocumentChars
	}
	if cfg.ReminderHour <= 0 || cfg.ReminderHour > 23 {
		cfg.ReminderHour = entity.DefaultReminderHour
	}
	return &Executor{
		store:   store,
		schemas: schemas,
		tracer:  tracer,
		logger:  logger.With().Str("component", "executor").Logger(),
		cfg:     cfg,
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// Execute runs calls in order and stops at the first failure. Results for
// calls that already committed are returned alongside the error so the
// caller can report the partial outcome; the store keeps those effects.
func (x *Executor) Execute(ctx context.Context, state *conversation.State, cap capability.Capability, calls []ports.ToolCall) ([]ports.ToolResult, error) {
	results := make([]ports.ToolResult, 0, len(calls))
	for i, call := range calls {
		result, err := x.executeCall(ctx, state, cap, call)
		if err != nil {
			return results, fmt.Errorf("tool call %d (%s %s): %w", i+1, call.Operation, call.EntityType, err)
		}
		results = append(results, *result)
	}
	return results, nil
}

func (x *Executor) executeCall(ctx context.Context, state *conversation.State, cap capability.Capability, call ports.ToolCall) (result *ports.ToolResult, err error) {
	ctx, finish := x.tracer.StartSpan(ctx, "tool.execute", map[string]any{
		"operation":   string(call.Operation),
		"entity_type": string(call.EntityType),
		"capability":  cap.Name,
	})
	defer func() { finish(err) }()

	if !capability.ValidOperation(call.Operation) {
		return nil, validationErr("unknown operation %q", call.Operation)
	}
	if !call.EntityType.Valid() {
		return nil, validationErr("unknown entity type %q", call.EntityType)
	}
	// Until a project is bound the only permitted mutation is creating the
	// project itself. Checked before the capability contract so intake
	// turns report the missing project, not the routed capability.
	if state.Phase == conversation.PhaseAwaitingProject &&
		call.Operation.Mutating() && call.EntityType != entity.TypeProject {
		return nil, missingContextErr("mutating %s before a project is bound", call.EntityType)
	}
	if !cap.CanAccess(call.Operation, call.EntityType) {
		x.logger.Error().
			Str("capability", cap.Name).
			Str("operation", string(call.Operation)).
			Str("entity_type", string(call.EntityType)).
			Msg("capability violation")
		return nil, capabilityErr("%s may not %s %s", cap.Name, call.Operation, call.EntityType)
	}

	if call.Arguments == nil {
		call.Arguments = map[string]any{}
	}

	switch call.Operation {
	case capability.OpCreate:
		return x.create(ctx, state, call)
	case capability.OpRead:
		return x.read(ctx, call)
	case capability.OpUpdate:
		return x.update(ctx, call)
	default:
		return x.search(ctx, state, call)
	}
}

func (x *Executor) create(ctx context.Context, state *conversation.State, call ports.ToolCall) (*ports.ToolResult, error) {
	if err := x.schemas.ValidateCreate(call.EntityType, call.Arguments); err != nil {
		return nil, validationErr("%v", err)
	}

	projectID := ""
	if call.EntityType.RequiresProjectScope() {
		bound, ok := state.BoundProject()
		if !ok {
			return nil, missingContextErr("creating %s without a bound project", call.EntityType)
		}
		projectID = bound
	}

	ent, err := x.buildEntity(call.EntityType, projectID, call.Arguments)
	if err != nil {
		return nil, err
	}

	var created *entity.Entity
	err = x.withRetry(ctx, "create "+string(call.EntityType), func(ctx context.Context) error {
		var storeErr error
		created, storeErr = x.store.Create(ctx, ent)
		return storeErr
	})
	if err != nil {
		return nil, fromStoreErr(err, "create "+string(call.EntityType))
	}
	x.logger.Info().
		Str("entity_id", created.ID).
		Str("entity_type", string(created.Type)).
		Str("project_id", created.ProjectID).
		Msg("entity created")
	return &ports.ToolResult{Call: call, Entity: created}, nil
}

// buildEntity assembles a new record from validated arguments: status is
// split out and defaulted, document content is clamped, and checkpoints get
// the next weekly reminder when none was given.
func (x *Executor) buildEntity(t entity.Type, projectID string, args map[string]any) (*entity.Entity, error) {
	status := entity.DefaultStatus(t)
	fields := make(map[string]any, len(args))
	for k, v := range args {
		switch k {
		case entity.FieldStatus:
			s, ok := v.(string)
			if !ok || !entity.ValidStatus(t, s) {
				return nil, validationErr("invalid status %v for %s", v, t)
			}
			status = s
		case entity.FieldProjectID:
			// Scope comes from the session, never from arguments.
		default:
			fields[k] = v
		}
	}

	if t == entity.TypeDocument {
		if content, ok := fields[entity.FieldContent].(string); ok && len(content) > x.cfg.MaxDocumentChars {
			fields[entity.FieldContent] = content[:x.cfg.MaxDocumentChars]
		}
	}
	if t == entity.TypeCheckpoint {
		if _, ok := fields[entity.FieldRemindAt]; !ok {
			fields[entity.FieldRemindAt] = entity.NextCheckpointReminder(x.clock(), x.cfg.ReminderHour).Format(time.RFC3339)
		}
	}

	return &entity.Entity{
		Type:      t,
		ProjectID: projectID,
		Status:    status,
		Fields:    fields,
	}, nil
}

func (x *Executor) read(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	id, ok := call.Arguments["id"].(string)
	if !ok || id == "" {
		return nil, validationErr("read requires an id")
	}

	var got *entity.Entity
	err := x.withRetry(ctx, "read "+id, func(ctx context.Context) error {
		var storeErr error
		got, storeErr = x.store.Get(ctx, id)
		return storeErr
	})
	if err != nil {
		return nil, fromStoreErr(err, "read "+id)
	}
	if got.Type != call.EntityType {
		return nil, validationErr("record %s is a %s, not a %s", id, got.Type, call.EntityType)
	}
	return &ports.ToolResult{Call: call, Entity: got}, nil
}

func (x *Executor) update(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	if err := x.schemas.ValidateUpdate(call.EntityType, call.Arguments); err != nil {
		return nil, validationErr("%v", err)
	}
	id := call.Arguments["id"].(string)

	if call.EntityType == entity.TypeSuggestion {
		if status, _ := call.Arguments[entity.FieldStatus].(string); status == entity.SuggestionAccepted {
			return x.acceptSuggestion(ctx, call, id)
		}
	}

	var updated *entity.Entity
	for attempt := 0; attempt <= x.cfg.ConflictRetries; attempt++ {
		current, err := x.fetch(ctx, id, call.EntityType)
		if err != nil {
			return nil, err
		}
		if err := x.applyUpdate(current, call.Arguments); err != nil {
			return nil, err
		}

		err = x.withRetry(ctx, "update "+id, func(ctx context.Context) error {
			var storeErr error
			updated, storeErr = x.store.Update(ctx, current)
			return storeErr
		})
		if err == nil {
			x.logger.Info().
				Str("entity_id", updated.ID).
				Str("entity_type", string(updated.Type)).
				Int64("version", updated.Version).
				Msg("entity updated")
			return &ports.ToolResult{Call: call, Entity: updated}, nil
		}
		if !errors.Is(err, ports.ErrVersionConflict) {
			return nil, fromStoreErr(err, "update "+id)
		}
		x.logger.Warn().Str("entity_id", id).Int("attempt", attempt+1).Msg("version conflict, re-reading")
	}
	return nil, fromStoreErr(ports.ErrVersionConflict, "update "+id)
}

// fetch reads an entity and checks it is what the call says it is.
func (x *Executor) fetch(ctx context.Context, id string, want entity.Type) (*entity.Entity, error) {
	var got *entity.Entity
	err := x.withRetry(ctx, "read "+id, func(ctx context.Context) error {
		var storeErr error
		got, storeErr = x.store.Get(ctx, id)
		return storeErr
	})
	if err != nil {
		return nil, fromStoreErr(err, "read "+id)
	}
	if got.Type != want {
		return nil, validationErr("record %s is a %s, not a %s", id, got.Type, want)
	}
	return got, nil
}

// applyUpdate merges update arguments into current. Records in a terminal
// status no longer change; status moves must land on a valid status for the
// type; project binding is immutable.
func (x *Executor) applyUpdate(current *entity.Entity, args map[string]any) error {
	if entity.TerminalStatus(current.Type, current.Status) {
		return validationErr("%s %s is %s and can no longer change", current.Type, current.ID, current.Status)
	}
	for k, v := range args {
		switch k {
		case "id":
		case entity.FieldProjectID:
			if s, ok := v.(string); ok && s != current.ProjectID {
				return validationErr("project binding cannot change")
			}
		case entity.FieldStatus:
			s, ok := v.(string)
			if !ok || !entity.ValidStatus(current.Type, s) {
				return validationErr("invalid status %v for %s", v, current.Type)
			}
			current.Status = s
		case entity.FieldResultEntityID:
			return validationErr("result_entity_id is managed by suggestion acceptance")
		default:
			if current.Type == entity.TypeDocument && k == entity.FieldContent {
				if content, ok := v.(string); ok && len(content) > x.cfg.MaxDocumentChars {
					v = content[:x.cfg.MaxDocumentChars]
				}
			}
			current.Fields[k] = v
		}
	}
	return nil
}

// acceptSuggestion creates the suggested entity and marks the suggestion
// accepted with a pointer to it. Accepting an already accepted or completed
// suggestion is a no-op that returns the original result instead of creating
// a duplicate.
func (x *Executor) acceptSuggestion(ctx context.Context, call ports.ToolCall, id string) (*ports.ToolResult, error) {
	current, err := x.fetch(ctx, id, entity.TypeSuggestion)
	if err != nil {
		return nil, err
	}

	switch current.Status {
	case entity.SuggestionAccepted, entity.SuggestionCompleted:
		result := &ports.ToolResult{Call: call, Entity: current}
		if resultID, ok := current.Fields[entity.FieldResultEntityID].(string); ok && resultID != "" {
			if target, getErr := x.store.Get(ctx, resultID); getErr == nil {
				result.Entities = []*entity.Entity{target}
			}
		}
		x.logger.Debug().Str("suggestion_id", id).Msg("suggestion already accepted, returning existing result")
		return result, nil
	case entity.SuggestionRejected:
		return nil, validationErr("suggestion %s was rejected and cannot be accepted", id)
	}

	targetType, payload, err := suggestionTarget(current)
	if err != nil {
		return nil, err
	}
	if override, ok := call.Arguments[entity.FieldPayload].(map[string]any); ok {
		for k, v := range override {
			payload[k] = v
		}
	}
	fillTargetDefaults(targetType, payload, current)
	if err := x.schemas.ValidateCreate(targetType, payload); err != nil {
		return nil, validationErr("suggestion %s payload: %v", id, err)
	}

	scope := current.ProjectID
	if !targetType.RequiresProjectScope() {
		scope = ""
	}
	target, err := x.buildEntity(targetType, scope, payload)
	if err != nil {
		return nil, err
	}
	var created *entity.Entity
	err = x.withRetry(ctx, "create "+string(targetType), func(ctx context.Context) error {
		var storeErr error
		created, storeErr = x.store.Create(ctx, target)
		return storeErr
	})
	if err != nil {
		return nil, fromStoreErr(err, "create suggested "+string(targetType))
	}

	var accepted *entity.Entity
	for attempt := 0; attempt <= x.cfg.ConflictRetries; attempt++ {
		current.Status = entity.SuggestionAccepted
		current.Fields[entity.FieldResultEntityID] = created.ID

		err = x.withRetry(ctx, "update "+id, func(ctx context.Context) error {
			var storeErr error
			accepted, storeErr = x.store.Update(ctx, current)
			return storeErr
		})
		if err == nil {
			x.logger.Info().
				Str("suggestion_id", id).
				Str("result_entity_id", created.ID).
				Str("result_entity_type", string(created.Type)).
				Msg("suggestion accepted")
			return &ports.ToolResult{Call: call, Entity: accepted, Entities: []*entity.Entity{created}}, nil
		}
		if !errors.Is(err, ports.ErrVersionConflict) {
			return nil, fromStoreErr(err, "accept suggestion "+id)
		}

		current, err = x.fetch(ctx, id, entity.TypeSuggestion)
		if err != nil {
			return nil, err
		}
		if current.Status == entity.SuggestionAccepted || current.Status == entity.SuggestionCompleted {
			// Another writer accepted it first; ours is the duplicate.
			x.logger.Warn().Str("suggestion_id", id).Str("orphaned_entity", created.ID).Msg("lost acceptance race")
			return &ports.ToolResult{Call: call, Entity: current}, nil
		}
	}
	return nil, fromStoreErr(ports.ErrVersionConflict, "accept suggestion "+id)
}

// suggestionTarget extracts the entity type and payload a suggestion wants
// created.
func suggestionTarget(s *entity.Entity) (entity.Type, map[string]any, error) {
	raw, _ := s.Fields[entity.FieldTargetEntityType].(string)
	targetType := entity.Type(raw)
	if !targetType.Valid() || targetType == entity.TypeSuggestion {
		return "", nil, validationErr("suggestion %s has no usable target entity type (%q)", s.ID, raw)
	}
	payload := make(map[string]any)
	if p, ok := s.Fields[entity.FieldPayload].(map[string]any); ok {
		for k, v := range p {
			payload[k] = v
		}
	}
	return targetType, payload, nil
}

// fillTargetDefaults backfills the required creation fields from the
// suggestion's summary so a bare suggestion still yields a valid record.
func fillTargetDefaults(t entity.Type, payload map[string]any, s *entity.Entity) {
	summary, _ := s.Fields["summary"].(string)
	if summary == "" {
		summary = "from suggestion " + s.ID
	}
	ensure := func(key string) {
		if v, ok := payload[key].(string); !ok || v == "" {
			payload[key] = summary
		}
	}
	switch t {
	case entity.TypeTask, entity.TypeCheckpoint:
		ensure("title")
	case entity.TypeDocument:
		ensure("title")
		ensure(entity.FieldContent)
	case entity.TypeTechnicalRequest:
		ensure("summary")
	}
}

func (x *Executor) search(ctx context.Context, state *conversation.State, call ports.ToolCall) (*ports.ToolResult, error) {
	query := ports.EntityQuery{Type: call.EntityType}
	if text, ok := call.Arguments["query"].(string); ok {
		query.Text = text
	} else if text, ok := call.Arguments["text"].(string); ok {
		query.Text = text
	}
	if status, ok := call.Arguments[entity.FieldStatus].(string); ok && status != "" {
		if !entity.ValidStatus(call.EntityType, status) {
			return nil, validationErr("invalid status %q for %s", status, call.EntityType)
		}
		query.Status = status
	}
	if limit := intArg(call.Arguments["limit"]); limit > 0 {
		query.Limit = limit
	}
	if call.EntityType.RequiresProjectScope() {
		if bound, ok := state.BoundProject(); ok {
			query.ProjectID = bound
		}
	}

	var found []*entity.Entity
	err := x.withRetry(ctx, "search "+string(call.EntityType), func(ctx context.Context) error {
		var storeErr error
		found, storeErr = x.store.Search(ctx, query)
		return storeErr
	})
	if err != nil {
		return nil, fromStoreErr(err, "search "+string(call.EntityType))
	}

	includeArchived, _ := call.Arguments["include_archived"].(bool)
	if query.Status == "" && !includeArchived {
		active := found[:0]
		for _, e := range found {
			if !entity.TerminalStatus(e.Type, e.Status) {
				active = append(active, e)
			}
		}
		found = active
	}
	return &ports.ToolResult{Call: call, Entities: found}, nil
}

// withRetry wraps one store call with the per-call deadline and retries
// deadline expiry once after a backoff. All other errors pass through.
func (x *Executor) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= x.cfg.RetryCount; attempt++ {
		if attempt > 0 {
			x.logger.Warn().Str("op", op).Int("attempt", attempt+1).Msg("retrying after timeout")
			select {
			case <-time.After(x.cfg.RetryBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, x.cfg.ToolTimeout)
		err = fn(callCtx)
		cancel()
		if err == nil || !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}
	return err
}

// intArg coerces the numeric shapes JSON decoding produces.
func intArg(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
