package adapters

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"

	ports "github.com/stewardhq/steward/steward/engine/ports"
	"github.com/stewardhq/steward/steward/entity"
)

const defaultSearchLimit = 20

// MemoryEntityStore is the in-process EntityStore used for tests and for
// running without a database file. Entities are deep-copied at the boundary
// so callers never alias stored state.
type MemoryEntityStore struct {
	mu       sync.RWMutex
	entities map[string]*entity.Entity
}

// NewMemoryEntityStore creates an empty in-memory store.
func NewMemoryEntityStore() *MemoryEntityStore {
	return &MemoryEntityStore{entities: make(map[string]*entity.Entity)}
}

// Create stores e, assigning id, version 1 and timestamps when unset.
func (s *MemoryEntityStore) Create(ctx context.Context, e *entity.Entity) (*entity.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stored := e.Clone()
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	stored.Version = 1
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = stored.CreatedAt

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entities[stored.ID]; exists {
		return nil, fmt.Errorf("entity %s already exists", stored.ID)
	}
	s.entities[stored.ID] = stored
	return stored.Clone(), nil
}

// Get returns the entity with id.
func (s *MemoryEntityStore) Get(ctx context.Context, id string) (*entity.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.entities[id]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return stored.Clone(), nil
}

// Update swaps the stored entity when e.Version matches, bumping the version.
func (s *MemoryEntityStore) Update(ctx context.Context, e *entity.Entity) (*entity.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.entities[e.ID]
	if !ok {
		return nil, ports.ErrNotFound
	}
	if stored.Version != e.Version {
		return nil, fmt.Errorf("entity %s at version %d, caller had %d: %w",
			e.ID, stored.Version, e.Version, ports.ErrVersionConflict)
	}
	next := e.Clone()
	next.Version = stored.Version + 1
	next.CreatedAt = stored.CreatedAt
	next.UpdatedAt = time.Now().UTC()
	s.entities[e.ID] = next
	return next.Clone(), nil
}

// Search filters entities and, when q.Text is set, ranks them by term
// frequency cosine similarity against the query.
func (s *MemoryEntityStore) Search(ctx context.Context, q ports.EntityQuery) ([]*entity.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	s.mu.RLock()
	candidates := make([]*entity.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		if matchesQuery(e, q) {
			candidates = append(candidates, e.Clone())
		}
	}
	s.mu.RUnlock()

	text := strings.TrimSpace(q.Text)
	if text == "" {
		sort.Slice(candidates, func(i, j int) bool {
			if !candidates[i].UpdatedAt.Equal(candidates[j].UpdatedAt) {
				return candidates[i].UpdatedAt.After(candidates[j].UpdatedAt)
			}
			return candidates[i].ID < candidates[j].ID
		})
		if len(candidates) > limit {
			candidates = candidates[:limit]
		}
		return candidates, nil
	}

	queryTokens := searchTokens(text)
	type scored struct {
		e     *entity.Entity
		score float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, e := range candidates {
		score := cosineScore(queryTokens, searchTokens(searchableText(e)))
		if score > 0 {
			ranked = append(ranked, scored{e: e, score: score})
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if !ranked[i].e.UpdatedAt.Equal(ranked[j].e.UpdatedAt) {
			return ranked[i].e.UpdatedAt.After(ranked[j].e.UpdatedAt)
		}
		return ranked[i].e.ID < ranked[j].e.ID
	})

	out := make([]*entity.Entity, 0, min(limit, len(ranked)))
	for _, r := range ranked {
		if len(out) == limit {
			break
		}
		out = append(out, r.e)
	}
	return out, nil
}

func matchesQuery(e *entity.Entity, q ports.EntityQuery) bool {
	if q.Type != "" && e.Type != q.Type {
		return false
	}
	if q.ProjectID != "" && e.ProjectID != q.ProjectID {
		return false
	}
	if q.Status != "" && e.Status != q.Status {
		return false
	}
	return true
}

// searchableText flattens an entity into the text its relevance is judged
// on. Field order is fixed so scoring is deterministic.
func searchableText(e *entity.Entity) string {
	var b strings.Builder
	b.WriteString(string(e.Type))
	b.WriteByte(' ')
	b.WriteString(e.Status)
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte(' ')
		fmt.Fprintf(&b, "%v", e.Fields[k])
	}
	return b.String()
}

// cosineScore computes term-frequency cosine similarity over the union
// vocabulary of both token lists.
func cosineScore(qTokens, dTokens []string) float64 {
	if len(qTokens) == 0 || len(dTokens) == 0 {
		return 0
	}
	vocab := make(map[string]int, len(qTokens)+len(dTokens))
	for _, t := range qTokens {
		if _, ok := vocab[t]; !ok {
			vocab[t] = len(vocab)
		}
	}
	for _, t := range dTokens {
		if _, ok := vocab[t]; !ok {
			vocab[t] = len(vocab)
		}
	}
	qv := make([]float64, len(vocab))
	dv := make([]float64, len(vocab))
	for _, t := range qTokens {
		qv[vocab[t]]++
	}
	for _, t := range dTokens {
		dv[vocab[t]]++
	}
	qn := floats.Norm(qv, 2)
	dn := floats.Norm(dv, 2)
	if qn == 0 || dn == 0 {
		return 0
	}
	return floats.Dot(qv, dv) / (qn * dn)
}

func searchTokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

var _ ports.EntityStore = (*MemoryEntityStore)(nil)
