// Package conversation holds the per-session state and the memory manager
// that maintains it across turns: bounded context windows, topic
// identification, per-topic evidence accumulation, and covered-fact
// derivation.
package conversation

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/oklog/ulid/v2"

	"github.com/stewardhq/steward/steward/entity"
)

// Role tags a turn's author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one immutable message exchange unit. Ordering within the session
// log is the sole sequencing key; the ULID id exists for reference, not
// ordering.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTurn stamps a turn with a sortable id.
func NewTurn(role Role, text string, at time.Time) Turn {
	return Turn{ID: ulid.Make().String(), Role: role, Text: text, Timestamp: at}
}

// Phase is the orchestrator's position in the session lifecycle.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseAwaitingProject Phase = "awaiting_project"
	PhaseReady           Phase = "ready"
)

// Accumulator collects the evidence a topic has gathered. Fragments is
// bounded; evicted fragments fold into Summary, so evidence is compacted,
// never lost.
type Accumulator struct {
	Summary   string   `json:"summary,omitempty"`
	Fragments []string `json:"fragments,omitempty"`
}

// Text returns all accumulated evidence, oldest first.
func (a Accumulator) Text() string {
	parts := make([]string, 0, len(a.Fragments)+1)
	if a.Summary != "" {
		parts = append(parts, a.Summary)
	}
	parts = append(parts, a.Fragments...)
	return strings.Join(parts, "; ")
}

// State is the full conversation state for one session, serializable to a
// flat record. Only the orchestrator mutates a session's live State; every
// other component works on copies.
type State struct {
	SessionID     string                 `json:"session_id"`
	Phase         Phase                  `json:"phase"`
	Turns         []Turn                 `json:"turns"`
	ActiveTopic   string                 `json:"active_topic,omitempty"`
	Accumulators  map[string]Accumulator `json:"topic_accumulators,omitempty"`
	EntityContext map[entity.Type]string `json:"entity_context,omitempty"`
	// TopicTurns maps a topic to a base64 roaring bitmap of the turn
	// ordinals that contributed evidence to it, for audit provenance.
	TopicTurns map[string]string `json:"topic_turns,omitempty"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// NewState starts an idle session.
func NewState(sessionID string) *State {
	return &State{
		SessionID:     sessionID,
		Phase:         PhaseIdle,
		Accumulators:  make(map[string]Accumulator),
		EntityContext: make(map[entity.Type]string),
		TopicTurns:    make(map[string]string),
	}
}

// Clone returns a deep copy safe for speculative mutation.
func (s *State) Clone() *State {
	out := &State{
		SessionID:     s.SessionID,
		Phase:         s.Phase,
		ActiveTopic:   s.ActiveTopic,
		Turns:         make([]Turn, len(s.Turns)),
		Accumulators:  make(map[string]Accumulator, len(s.Accumulators)),
		EntityContext: make(map[entity.Type]string, len(s.EntityContext)),
		TopicTurns:    make(map[string]string, len(s.TopicTurns)),
		UpdatedAt:     s.UpdatedAt,
	}
	copy(out.Turns, s.Turns)
	for k, v := range s.Accumulators {
		frags := make([]string, len(v.Fragments))
		copy(frags, v.Fragments)
		out.Accumulators[k] = Accumulator{Summary: v.Summary, Fragments: frags}
	}
	for k, v := range s.EntityContext {
		out.EntityContext[k] = v
	}
	for k, v := range s.TopicTurns {
		out.TopicTurns[k] = v
	}
	return out
}

// AppendTurn adds a turn to the log. Turns are append-only.
func (s *State) AppendTurn(t Turn) {
	s.Turns = append(s.Turns, t)
}

// Window returns the last n turns.
func (s *State) Window(n int) []Turn {
	if n <= 0 || n >= len(s.Turns) {
		return s.Turns
	}
	return s.Turns[len(s.Turns)-n:]
}

// BoundProject returns the project id bound into the entity context.
func (s *State) BoundProject() (string, bool) {
	id, ok := s.EntityContext[entity.TypeProject]
	return id, ok && id != ""
}

// MarkTopicTurn records that the turn at ordinal contributed to topic.
func (s *State) MarkTopicTurn(topic string, ordinal int) error {
	if ordinal < 0 {
		return fmt.Errorf("negative turn ordinal %d", ordinal)
	}
	bm := roaring.New()
	if enc, ok := s.TopicTurns[topic]; ok && enc != "" {
		raw, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return fmt.Errorf("decode topic bitmap for %q: %w", topic, err)
		}
		if err := bm.UnmarshalBinary(raw); err != nil {
			return fmt.Errorf("unmarshal topic bitmap for %q: %w", topic, err)
		}
	}
	bm.Add(uint32(ordinal))
	raw, err := bm.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal topic bitmap for %q: %w", topic, err)
	}
	if s.TopicTurns == nil {
		s.TopicTurns = make(map[string]string)
	}
	s.TopicTurns[topic] = base64.StdEncoding.EncodeToString(raw)
	return nil
}

// TurnsFor returns the ordinals of turns that contributed to topic.
func (s *State) TurnsFor(topic string) []uint32 {
	enc, ok := s.TopicTurns[topic]
	if !ok || enc == "" {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil
	}
	bm := roaring.New()
	if err := bm.UnmarshalBinary(raw); err != nil {
		return nil
	}
	return bm.ToArray()
}

// RenderWindow renders turns as role-tagged lines, the only context shape
// exposed downstream.
func RenderWindow(turns []Turn) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(t.Role))
		b.WriteString(": ")
		b.WriteString(t.Text)
	}
	return b.String()
}
