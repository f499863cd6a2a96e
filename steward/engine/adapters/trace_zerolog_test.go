package adapters

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestZerologTracerSpanLifecycle(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewZerologTracer(zerolog.New(&buf))

	ctx, finish := tracer.StartSpan(context.Background(), "turn", map[string]any{"session_id": "s1"})
	tracer.Event(ctx, "route", map[string]any{"capability": "technical_analyst"})
	finish(nil)

	out := buf.String()
	assert.Contains(t, out, `"span":"turn"`)
	assert.Contains(t, out, `"session_id":"s1"`)
	assert.Contains(t, out, `"event":"route"`)
	assert.Contains(t, out, `"capability":"technical_analyst"`)
	assert.Contains(t, out, "span end")
	assert.Contains(t, out, `"duration"`)
}

func TestZerologTracerRecordsError(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewZerologTracer(zerolog.New(&buf))

	_, finish := tracer.StartSpan(context.Background(), "tool.execute", nil)
	finish(errors.New("entity not found"))

	out := buf.String()
	assert.Contains(t, out, `"level":"error"`)
	assert.Contains(t, out, "entity not found")
}

func TestZerologTracerEventOutsideSpan(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewZerologTracer(zerolog.New(&buf))

	tracer.Event(context.Background(), "session.save", map[string]any{"turns": 4})

	out := buf.String()
	assert.Contains(t, out, `"event":"session.save"`)
	assert.Contains(t, out, `"turns":4`)
}
