// Package engine drives stateful delivery conversations: it folds each user
// turn into session memory, routes it to a capability, asks a proposer what
// to do, executes the proposed entity operations under the capability
// contract, and commits the updated session. Failures never lose the
// exchange; the turns are kept and the rest of the state rolls back.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stewardhq/steward/steward/capability"
	"github.com/stewardhq/steward/steward/conversation"
	ports "github.com/stewardhq/steward/steward/engine/ports"
)

const (
	defaultMaxTurns   = 50
	defaultIntakeTTL  = 10 * time.Minute
	projectSetupTopic = "project_setup"

	turnLimitReply = "This session has reached its turn limit. Start a new session to keep working; your records are all saved."
)

// TurnResult is the outcome of one handled turn.
type TurnResult struct {
	SessionID  string
	Reply      string
	Capability string
	TopicID    string
	Phase      conversation.Phase
	Results    []ports.ToolResult
	// Failure is set when the turn failed; Reply then carries the
	// user-facing error message. Store effects from calls that committed
	// before the failure remain in Results.
	Failure *Error
}

// Orchestrator coordinates one session turn end to end. Turns for the same
// session are serialized; different sessions proceed concurrently.
type Orchestrator struct {
	memory    *conversation.Manager
	registry  *capability.Registry
	router    *capability.Router
	proposer  ports.Proposer
	executor  *Executor
	sessions  ports.SessionStore
	tracer    ports.Tracer
	logger    zerolog.Logger
	maxTurns  int
	intakeTTL time.Duration
	clock     func() time.Time

	mu    sync.Mutex
	locks map[string]*turnLock
}

// turnLock serializes the turns of one session. The reference count lets
// the lock table drop entries once the last turn finishes, so it stays
// bounded by in-flight sessions rather than every session ever seen.
type turnLock struct {
	mu   sync.Mutex
	refs int
}

func NewOrchestrator(
	memory *conversation.Manager,
	registry *capability.Registry,
	router *capability.Router,
	proposer ports.Proposer,
	executor *Executor,
	sessions ports.SessionStore,
	tracer ports.Tracer,
	logger zerolog.Logger,
	maxTurns int,
	intakeTTL time.Duration,
) *Orchestrator {
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	if intakeTTL <= 0 {
		intakeTTL = defaultIntakeTTL
	}
	return &Orchestrator{
		memory:    memory,
		registry:  registry,
		router:    router,
		proposer:  proposer,
		executor:  executor,
		sessions:  sessions,
		tracer:    tracer,
		logger:    logger.With().Str("component", "orchestrator").Logger(),
		maxTurns:  maxTurns,
		intakeTTL: intakeTTL,
		clock:     func() time.Time { return time.Now().UTC() },
		locks:     make(map[string]*turnLock),
	}
}

// HandleTurn processes one user message for a session and returns the reply
// plus whatever entity operations ran. It returns an error only when the
// session cannot even be loaded; every other failure is reported inside the
// TurnResult with the exchange persisted.
func (o *Orchestrator) HandleTurn(ctx context.Context, sessionID, userText string) (result *TurnResult, err error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	lock := o.acquireSession(sessionID)
	defer o.releaseSession(sessionID, lock)

	ctx, finish := o.tracer.StartSpan(ctx, "turn", map[string]any{"session_id": sessionID})
	defer func() { finish(err) }()

	state, err := o.sessions.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	if strings.TrimSpace(userText) == "" {
		failure := validationErr("user text is empty")
		return &TurnResult{
			SessionID: sessionID,
			Reply:     failure.UserMessage(),
			Phase:     state.Phase,
			Failure:   failure,
		}, nil
	}
	if len(state.Turns) >= o.maxTurns {
		o.logger.Warn().Str("session", sessionID).Int("turns", len(state.Turns)).Msg("turn limit reached")
		return &TurnResult{
			SessionID: sessionID,
			Reply:     turnLimitReply,
			Phase:     state.Phase,
			Failure:   validationErr("session turn limit of %d reached", o.maxTurns),
		}, nil
	}

	userTurn := conversation.NewTurn(conversation.RoleUser, userText, o.clock())

	_, finishMem := o.tracer.StartSpan(ctx, "memory.update", nil)
	updated := o.memory.Update(state, userTurn)
	finishMem(nil)

	o.normalizePhase(updated)

	selection := o.route(ctx, updated)
	input := o.buildProposalInput(sessionID, userText, updated, selection)

	propCtx, finishProp := o.tracer.StartSpan(ctx, "propose", map[string]any{"capability": selection.Capability.Name})
	proposal, err := o.proposer.Propose(propCtx, input)
	finishProp(err)
	if err != nil {
		return o.failTurn(ctx, state, userTurn, selection, nil, err)
	}

	var results []ports.ToolResult
	if len(proposal.Calls) > 0 {
		results, err = o.executor.Execute(ctx, updated, selection.Capability, proposal.Calls)
		if err != nil {
			return o.failTurn(ctx, state, userTurn, selection, results, err)
		}
		o.bindResults(updated, results)
	}

	if updated.Phase == conversation.PhaseAwaitingProject {
		if _, bound := updated.BoundProject(); bound {
			updated.Phase = conversation.PhaseReady
			o.logger.Info().Str("session", sessionID).Msg("project bound, session ready")
		}
	}

	assistantTurn := conversation.NewTurn(conversation.RoleAssistant, proposal.Reply, o.clock())
	updated = o.memory.Update(updated, assistantTurn)

	saveCtx, finishSave := o.tracer.StartSpan(ctx, "session.save", nil)
	saveErr := o.sessions.Save(saveCtx, updated)
	finishSave(saveErr)
	if saveErr != nil {
		return o.failTurn(ctx, state, userTurn, selection, results, internalErr(saveErr, "persist session %s", sessionID))
	}

	return &TurnResult{
		SessionID:  sessionID,
		Reply:      proposal.Reply,
		Capability: selection.Capability.Name,
		TopicID:    updated.ActiveTopic,
		Phase:      updated.Phase,
		Results:    results,
	}, nil
}

// normalizePhase moves a session out of idle on its first turn and repairs
// sessions whose bound project predates the phase field.
func (o *Orchestrator) normalizePhase(s *conversation.State) {
	_, bound := s.BoundProject()
	switch s.Phase {
	case conversation.PhaseIdle:
		if bound {
			s.Phase = conversation.PhaseReady
		} else {
			s.Phase = conversation.PhaseAwaitingProject
		}
	case conversation.PhaseAwaitingProject:
		if bound {
			s.Phase = conversation.PhaseReady
		}
	}
}

// route picks the capability for this turn. Sessions still collecting the
// mandatory project fields always land on the project owner.
func (o *Orchestrator) route(ctx context.Context, s *conversation.State) capability.Selection {
	var selection capability.Selection
	if s.Phase == conversation.PhaseAwaitingProject {
		selection = o.router.ProjectOwner()
	} else {
		selection = o.router.Select(s.ActiveTopic, s.EntityContext)
	}
	o.tracer.Event(ctx, "route", map[string]any{
		"capability": selection.Capability.Name,
		"topic":      selection.TopicID,
		"reason":     selection.Reason,
	})
	return selection
}

func (o *Orchestrator) buildProposalInput(sessionID, userText string, s *conversation.State, selection capability.Selection) ports.ProposalInput {
	in := ports.ProposalInput{
		SessionID:     sessionID,
		UserText:      userText,
		Phase:         s.Phase,
		Capability:    selection.Capability,
		Window:        o.memory.Window(s),
		EntityContext: s.EntityContext,
	}
	if topic, ok := o.registry.Topic(s.ActiveTopic); ok {
		in.Topic = &topic
		in.CoveredFacts = o.memory.CoveredFacts(s, s.ActiveTopic)
		in.UncoveredFacts = o.memory.UncoveredFacts(s, s.ActiveTopic)
		in.Evidence = s.Accumulators[s.ActiveTopic].Text()
	}
	if s.Phase == conversation.PhaseAwaitingProject {
		// Intake needs every labelled answer, not just the window, and the
		// outstanding mandatory fields. Answers older than the intake
		// deadline no longer count and get asked again.
		in.Window = turnsSince(s.Turns, o.clock().Add(-o.intakeTTL))
		in.MissingFields = missingProjectFields(o.memory.CoveredFacts(s, projectSetupTopic))
	}
	return in
}

// turnsSince returns the suffix of turns stamped at or after cutoff. Turns
// are appended in time order, so the scan walks back from the end.
func turnsSince(turns []conversation.Turn, cutoff time.Time) []conversation.Turn {
	i := len(turns)
	for i > 0 && !turns[i-1].Timestamp.Before(cutoff) {
		i--
	}
	return turns[i:]
}

// missingProjectFields returns the mandatory fields not yet covered, in
// asking order.
func missingProjectFields(covered []string) []string {
	have := make(map[string]struct{}, len(covered))
	for _, f := range covered {
		have[f] = struct{}{}
	}
	missing := make([]string, 0, len(mandatoryProjectFields))
	for _, f := range mandatoryProjectFields {
		if _, ok := have[f]; !ok {
			missing = append(missing, f)
		}
	}
	return missing
}

// bindResults merges successful operations into the session's entity
// context. Search results stay unbound; reading or touching a specific
// record makes it the session's reference for its type.
func (o *Orchestrator) bindResults(s *conversation.State, results []ports.ToolResult) {
	for _, r := range results {
		if r.Call.Operation == capability.OpSearch {
			continue
		}
		if r.Entity != nil {
			s.EntityContext[r.Entity.Type] = r.Entity.ID
		}
		for _, e := range r.Entities {
			s.EntityContext[e.Type] = e.ID
		}
	}
}

// failTurn persists the exchange without any other state change: the prior
// session state plus the user turn and the error reply. Store effects from
// already-committed calls stay in the store but are not bound to the
// session.
func (o *Orchestrator) failTurn(ctx context.Context, prior *conversation.State, userTurn conversation.Turn, selection capability.Selection, results []ports.ToolResult, cause error) (*TurnResult, error) {
	failure, ok := AsError(cause)
	if !ok {
		failure = internalErr(cause, "turn failed")
	}

	evt := o.logger.Warn()
	if failure.Kind == KindCapability || failure.Kind == KindInternal {
		evt = o.logger.Error()
	}
	evt.Str("session", prior.SessionID).
		Str("kind", string(failure.Kind)).
		Str("capability", selection.Capability.Name).
		Err(cause).
		Msg("turn failed")

	reply := failure.UserMessage()
	failed := prior.Clone()
	failed.AppendTurn(userTurn)
	failed.AppendTurn(conversation.NewTurn(conversation.RoleAssistant, reply, o.clock()))
	failed.UpdatedAt = o.clock()
	if err := o.sessions.Save(ctx, failed); err != nil {
		o.logger.Error().Str("session", prior.SessionID).Err(err).Msg("failed to persist failed turn")
	}

	return &TurnResult{
		SessionID:  prior.SessionID,
		Reply:      reply,
		Capability: selection.Capability.Name,
		TopicID:    prior.ActiveTopic,
		Phase:      prior.Phase,
		Results:    results,
		Failure:    failure,
	}, nil
}

// acquireSession blocks until the caller holds the session's turn lock.
func (o *Orchestrator) acquireSession(id string) *turnLock {
	o.mu.Lock()
	l, ok := o.locks[id]
	if !ok {
		l = &turnLock{}
		o.locks[id] = l
	}
	l.refs++
	o.mu.Unlock()

	l.mu.Lock()
	return l
}

// releaseSession unlocks and evicts the table entry once no other turn
// holds or awaits it.
func (o *Orchestrator) releaseSession(id string, l *turnLock) {
	l.mu.Unlock()
	o.mu.Lock()
	if l.refs--; l.refs == 0 {
		delete(o.locks, id)
	}
	o.mu.Unlock()
}
