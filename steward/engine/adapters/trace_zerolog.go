// Package adapters provides the concrete implementations behind the engine
// ports: stores, tracing, caching, rate limiting, and completion backends.
package adapters

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	ports "github.com/stewardhq/steward/steward/engine/ports"
)

type spanLoggerKey struct{}

// ZerologTracer implements the Tracer port on a zerolog logger. Spans are
// child loggers carried through the context so events inside a span inherit
// its attributes.
type ZerologTracer struct {
	logger zerolog.Logger
}

// NewZerologTracer creates a tracer writing through logger.
func NewZerologTracer(logger zerolog.Logger) *ZerologTracer {
	return &ZerologTracer{logger: logger}
}

// StartSpan opens a span and returns the context carrying its logger plus a
// finish function that records duration and outcome.
func (t *ZerologTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	lc := t.logger.With().Str("span", name)
	for k, v := range attrs {
		lc = lc.Interface(k, v)
	}
	spanLogger := lc.Logger()
	ctx = context.WithValue(ctx, spanLoggerKey{}, spanLogger)

	start := time.Now()
	spanLogger.Debug().Msg("span start")

	finish := func(err error) {
		evt := spanLogger.Info()
		if err != nil {
			evt = spanLogger.Error().Err(err)
		}
		evt.Dur("duration", time.Since(start)).Msg("span end")
	}
	return ctx, finish
}

// Event logs a point-in-time event against the current span, or the root
// logger when called outside any span.
func (t *ZerologTracer) Event(ctx context.Context, name string, attrs map[string]any) {
	logger := t.logger
	if spanLogger, ok := ctx.Value(spanLoggerKey{}).(zerolog.Logger); ok {
		logger = spanLogger
	}
	evt := logger.Info().Str("event", name)
	for k, v := range attrs {
		evt = evt.Interface(k, v)
	}
	evt.Msg("trace event")
}

var _ ports.Tracer = (*ZerologTracer)(nil)
