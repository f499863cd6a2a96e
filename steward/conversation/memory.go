package conversation

import (
	"sort"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/stewardhq/steward/steward/capability"
)

const (
	// DefaultWindowSize is the bounded context window handed downstream.
	DefaultWindowSize = 10
	// DefaultAccumulatorDepth bounds per-topic fragments before folding.
	DefaultAccumulatorDepth = 3

	// factSuffixTolerance allows plural and near-plural token forms to
	// cover a fact keyword ("backups" covers "backup", "latest" does not
	// cover "test").
	factSuffixTolerance = 2
)

// Manager applies a turn to conversation state: it appends the turn,
// identifies the active topic, accumulates topic evidence, and tracks which
// turns fed which topic. It never mutates its input state.
type Manager struct {
	registry   *capability.Registry
	windowSize int
	accumDepth int
	logger     zerolog.Logger
}

// NewManager builds a manager over the capability registry's topic tables.
// Non-positive sizes fall back to the defaults.
func NewManager(reg *capability.Registry, windowSize, accumDepth int, logger zerolog.Logger) *Manager {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	if accumDepth <= 0 {
		accumDepth = DefaultAccumulatorDepth
	}
	return &Manager{
		registry:   reg,
		windowSize: windowSize,
		accumDepth: accumDepth,
		logger:     logger.With().Str("component", "memory").Logger(),
	}
}

// WindowSize reports the configured context window bound.
func (m *Manager) WindowSize() int { return m.windowSize }

// Window returns the bounded recent-turn window of s.
func (m *Manager) Window(s *State) []Turn {
	return s.Window(m.windowSize)
}

// Update returns a new state with turn applied. User turns drive topic
// detection and evidence accumulation; assistant turns are appended and
// consulted only as context for the answer that follows them.
//
// Topic rules: keyword hits in the user text select the topic with the most
// hits, ties broken by lexicographically smallest topic id. A user turn with
// no topic keywords inherits the topic of the assistant turn it answers, so
// an assistant pivot to a new subject carries the answer with it while a
// clarifying question about the current topic keeps it. When neither turn
// names a topic the active topic persists untouched. An empty active topic
// is a valid outcome, not an error.
func (m *Manager) Update(s *State, turn Turn) *State {
	next := s.Clone()
	next.AppendTurn(turn)
	next.UpdatedAt = turn.Timestamp

	if turn.Role != RoleUser {
		return next
	}

	tokens := tokenize(turn.Text)
	detected, hits := m.detectTopic(tokens)
	if detected == "" {
		detected, hits = m.detectTopic(tokenize(precedingAssistantText(next)))
	}
	switch {
	case detected == "" && next.ActiveTopic != "":
		m.logger.Debug().
			Str("session_id", next.SessionID).
			Str("active_topic", next.ActiveTopic).
			Msg("no topic keywords in user turn, active topic persists")
	case detected != "" && detected != next.ActiveTopic:
		m.logger.Info().
			Str("session_id", next.SessionID).
			Str("from", next.ActiveTopic).
			Str("to", detected).
			Int("keyword_hits", hits).
			Msg("active topic changed")
		next.ActiveTopic = detected
	}

	if next.ActiveTopic == "" {
		return next
	}

	m.accumulate(next, next.ActiveTopic, turn.Text)
	ordinal := len(next.Turns) - 1
	if err := next.MarkTopicTurn(next.ActiveTopic, ordinal); err != nil {
		m.logger.Warn().Err(err).
			Str("session_id", next.SessionID).
			Str("topic", next.ActiveTopic).
			Msg("failed to record topic turn ordinal")
	}
	return next
}

// precedingAssistantText returns the text of the assistant turn the newest
// turn answers, or "" when the newest turn does not follow an assistant
// turn.
func precedingAssistantText(s *State) string {
	if n := len(s.Turns); n >= 2 && s.Turns[n-2].Role == RoleAssistant {
		return s.Turns[n-2].Text
	}
	return ""
}

// detectTopic scores each topic by how many distinct tokens hit one of its
// keywords and returns the winner with its hit count, or "" when nothing
// matched.
func (m *Manager) detectTopic(tokens []string) (string, int) {
	scores := make(map[string]int)
	for _, tok := range tokens {
		for _, topicID := range m.registry.MatchWord(tok) {
			scores[topicID]++
		}
	}
	if len(scores) == 0 {
		return "", 0
	}
	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	best := ids[0]
	for _, id := range ids[1:] {
		if scores[id] > scores[best] {
			best = id
		}
	}
	return best, scores[best]
}

// accumulate appends text as a fragment of topic, folding the oldest
// fragments into the summary when the depth bound is exceeded.
func (m *Manager) accumulate(s *State, topic, text string) {
	acc := s.Accumulators[topic]
	acc.Fragments = append(acc.Fragments, text)
	for len(acc.Fragments) > m.accumDepth {
		evicted := acc.Fragments[0]
		acc.Fragments = append(acc.Fragments[:0], acc.Fragments[1:]...)
		if acc.Summary == "" {
			acc.Summary = evicted
		} else {
			acc.Summary += "; " + evicted
		}
		m.logger.Debug().
			Str("session_id", s.SessionID).
			Str("topic", topic).
			Msg("folded oldest fragment into topic summary")
	}
	if s.Accumulators == nil {
		s.Accumulators = make(map[string]Accumulator)
	}
	s.Accumulators[topic] = acc
}

// CoveredFacts reports which of topic's facts the accumulated evidence
// already answers, in the topic's declared fact order. A fact is covered
// when any accumulated token starts with one of the fact's keywords within
// the suffix tolerance.
func (m *Manager) CoveredFacts(s *State, topicID string) []string {
	topic, ok := m.registry.Topic(topicID)
	if !ok {
		return nil
	}
	acc, ok := s.Accumulators[topicID]
	if !ok {
		return nil
	}
	tokens := tokenize(acc.Text())
	var covered []string
	for _, fact := range topic.Facts {
		if factCovered(fact.Keywords, tokens) {
			covered = append(covered, fact.Name)
		}
	}
	return covered
}

// UncoveredFacts is the complement of CoveredFacts, in declared order.
func (m *Manager) UncoveredFacts(s *State, topicID string) []string {
	topic, ok := m.registry.Topic(topicID)
	if !ok {
		return nil
	}
	covered := make(map[string]bool)
	for _, name := range m.CoveredFacts(s, topicID) {
		covered[name] = true
	}
	var missing []string
	for _, fact := range topic.Facts {
		if !covered[fact.Name] {
			missing = append(missing, fact.Name)
		}
	}
	return missing
}

func factCovered(keywords, tokens []string) bool {
	for _, kw := range keywords {
		for _, tok := range tokens {
			if strings.HasPrefix(tok, kw) && len(tok)-len(kw) <= factSuffixTolerance {
				return true
			}
		}
	}
	return false
}

// tokenize lowercases text and splits it on anything that is not a letter
// or digit.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
