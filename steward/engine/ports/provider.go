// Package engineports declares the boundary interfaces the engine is wired
// through. Adapters implement them; the engine only sees these shapes.
package engineports

import "context"

// PromptMessage is a single chat message used to build prompts.
type PromptMessage struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// PromptInput aggregates everything a completion backend needs.
type PromptInput struct {
	System   string            // capability persona plus engine instructions
	Messages []PromptMessage   // ordered chat history (already windowed)
	Context  []string          // accumulated topic evidence snippets
	Meta     map[string]string // lightweight metadata for tracing/caching keys
}

// Options controls sampling and limits for one completion call.
type Options struct {
	MaxNewTokens int
	Temperature  float32
	Seed         int
	Stop         []string
	// TimeoutMs applies to the backend call only, not the turn deadline.
	TimeoutMs int
}

// Usage captures token accounting for cost telemetry.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Completion is the backend's response.
type Completion struct {
	Text  string
	Raw   any    // raw provider payload for debugging
	Usage *Usage // optional usage information
}

// TextCompleter is the abstraction over LLM backends. Implementations must
// honor ctx cancellation.
type TextCompleter interface {
	Complete(ctx context.Context, in PromptInput, opts Options) (Completion, error)
}
