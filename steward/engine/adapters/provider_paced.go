package adapters

import (
	"context"
	"sync"
	"time"

	ports "github.com/stewardhq/steward/steward/engine/ports"
)

// PacedCompleter enforces a minimum interval between completion calls so
// bursts of turns stay under provider rate limits. The first call goes
// through immediately.
type PacedCompleter struct {
	inner    ports.TextCompleter
	interval time.Duration

	mu   sync.Mutex
	last time.Time
}

// NewPacedCompleter wraps inner with a minimum call interval. A non-positive
// interval disables pacing.
func NewPacedCompleter(inner ports.TextCompleter, interval time.Duration) *PacedCompleter {
	return &PacedCompleter{inner: inner, interval: interval}
}

// Complete waits until the interval since the previous call has passed,
// honoring ctx, then delegates.
func (p *PacedCompleter) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	if wait := p.reserve(); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ports.Completion{}, ctx.Err()
		case <-timer.C:
		}
	}
	return p.inner.Complete(ctx, in, opts)
}

// reserve claims the next call slot and returns how long the caller must
// wait for it. Slots are handed out in arrival order.
func (p *PacedCompleter) reserve() time.Duration {
	if p.interval <= 0 {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	next := p.last.Add(p.interval)
	if next.Before(now) {
		next = now
	}
	p.last = next
	return next.Sub(now)
}

var _ ports.TextCompleter = (*PacedCompleter)(nil)
