package engine

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc/pool"
)

const defaultMaxConcurrentSessions = 15

// TurnOutcome pairs a turn's result with the submission error, if any.
type TurnOutcome struct {
	Result *TurnResult
	Err    error
}

type pendingTurn struct {
	ctx      context.Context
	userText string
	out      chan TurnOutcome
}

// Hub fans turns out over a bounded worker pool so many sessions can make
// progress at once. Turns for one session queue and run strictly in
// submission order; a session with a backlog occupies a single worker.
type Hub struct {
	orchestrator *Orchestrator
	pool         *pool.Pool

	mu     sync.Mutex
	queues map[string][]pendingTurn
}

func NewHub(orchestrator *Orchestrator, maxConcurrent int) *Hub {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrentSessions
	}
	return &Hub{
		orchestrator: orchestrator,
		pool:         pool.New().WithMaxGoroutines(maxConcurrent),
		queues:       make(map[string][]pendingTurn),
	}
}

// Submit schedules one turn and returns a channel delivering its outcome.
// The channel is buffered; the caller may drop it without blocking the pool.
func (h *Hub) Submit(ctx context.Context, sessionID, userText string) <-chan TurnOutcome {
	out := make(chan TurnOutcome, 1)
	turn := pendingTurn{ctx: ctx, userText: userText, out: out}

	h.mu.Lock()
	h.queues[sessionID] = append(h.queues[sessionID], turn)
	if len(h.queues[sessionID]) > 1 {
		// A worker is already draining this session.
		h.mu.Unlock()
		return out
	}
	h.mu.Unlock()

	h.pool.Go(func() { h.drain(sessionID) })
	return out
}

// drain runs the session's queued turns head-first until the queue empties.
// The head stays queued while it runs so Submit can tell the session is
// being drained.
func (h *Hub) drain(sessionID string) {
	for {
		h.mu.Lock()
		queue := h.queues[sessionID]
		if len(queue) == 0 {
			delete(h.queues, sessionID)
			h.mu.Unlock()
			return
		}
		turn := queue[0]
		h.mu.Unlock()

		result, err := h.orchestrator.HandleTurn(turn.ctx, sessionID, turn.userText)
		turn.out <- TurnOutcome{Result: result, Err: err}
		close(turn.out)

		h.mu.Lock()
		h.queues[sessionID] = h.queues[sessionID][1:]
		h.mu.Unlock()
	}
}

// Wait blocks until all submitted turns finish. Call it once, at shutdown.
func (h *Hub) Wait() {
	h.pool.Wait()
}
