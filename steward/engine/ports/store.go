package engineports

import (
	"context"
	"errors"

	"github.com/stewardhq/steward/steward/entity"
)

// Storage-level sentinels. Adapters return these; the engine maps them onto
// its user-facing error taxonomy.
var (
	ErrNotFound        = errors.New("entity not found")
	ErrVersionConflict = errors.New("entity version conflict")
)

// EntityQuery narrows a search. Text is matched against entity fields; the
// remaining filters are conjunctive. A zero Limit means the store default.
type EntityQuery struct {
	Text      string
	Type      entity.Type
	ProjectID string
	Status    string
	Limit     int
}

// EntityStore persists delivery entities with optimistic concurrency.
// Update compares the entity's Version against the stored one and returns
// ErrVersionConflict on mismatch; on success the returned entity carries the
// incremented version.
type EntityStore interface {
	Create(ctx context.Context, e *entity.Entity) (*entity.Entity, error)
	Get(ctx context.Context, id string) (*entity.Entity, error)
	Update(ctx context.Context, e *entity.Entity) (*entity.Entity, error)
	Search(ctx context.Context, q EntityQuery) ([]*entity.Entity, error)
}
