package adapters

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	ports "github.com/stewardhq/steward/steward/engine/ports"
	"github.com/stewardhq/steward/steward/entity"
)

const entityColumns = "id, entity_type, project_id, status, version, fields, created_at, updated_at"

// LibSQLEntityStore persists entities in libSQL. Text search goes through
// the entities_fts FTS5 index with bm25 ranking; optimistic concurrency is a
// guarded UPDATE on the version column.
type LibSQLEntityStore struct {
	db *sql.DB
}

// NewLibSQLEntityStore wraps an opened libSQL database. The schema must
// already be migrated.
func NewLibSQLEntityStore(db *sql.DB) *LibSQLEntityStore {
	return &LibSQLEntityStore{db: db}
}

// Create inserts e, assigning id, version 1 and timestamps when unset.
func (s *LibSQLEntityStore) Create(ctx context.Context, e *entity.Entity) (*entity.Entity, error) {
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

	fieldsJSON, err := marshalFields(stored.Fields)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entities (`+entityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.ID, string(stored.Type), stored.ProjectID, stored.Status, stored.Version,
		fieldsJSON, stored.CreatedAt.Unix(), stored.UpdatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to insert entity: %w", err)
	}
	return stored, nil
}

// Get loads the entity with id.
func (s *LibSQLEntityStore) Get(ctx context.Context, id string) (*entity.Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ports.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entity: %w", err)
	}
	return e, nil
}

// Update writes e back when its version still matches the stored row.
func (s *LibSQLEntityStore) Update(ctx context.Context, e *entity.Entity) (*entity.Entity, error) {
	fieldsJSON, err := marshalFields(e.Fields)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE entities
		 SET entity_type = ?, project_id = ?, status = ?, version = version + 1,
		     fields = ?, updated_at = ?
		 WHERE id = ? AND version = ?`,
		string(e.Type), e.ProjectID, e.Status, fieldsJSON,
		time.Now().UTC().Unix(), e.ID, e.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to update entity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		var current int64
		err := s.db.QueryRowContext(ctx,
			`SELECT version FROM entities WHERE id = ?`, e.ID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ports.ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to inspect entity version: %w", err)
		}
		return nil, fmt.Errorf("entity %s at version %d, caller had %d: %w",
			e.ID, current, e.Version, ports.ErrVersionConflict)
	}
	return s.Get(ctx, e.ID)
}

// Search runs an FTS match when q.Text is set, otherwise a filtered scan
// ordered by recency.
func (s *LibSQLEntityStore) Search(ctx context.Context, q ports.EntityQuery) ([]*entity.Entity, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	var (
		sb   strings.Builder
		args []any
	)
	text := strings.TrimSpace(q.Text)
	if text != "" {
		match := ftsQuery(text)
		if match == "" {
			return nil, nil
		}
		sb.WriteString(`SELECT e.id, e.entity_type, e.project_id, e.status, e.version, e.fields, e.created_at, e.updated_at
			FROM entities e JOIN entities_fts f ON f.id = e.id
			WHERE entities_fts MATCH ?`)
		args = append(args, match)
	} else {
		sb.WriteString(`SELECT ` + entityColumns + ` FROM entities e WHERE 1 = 1`)
	}
	if q.Type != "" {
		sb.WriteString(` AND e.entity_type = ?`)
		args = append(args, string(q.Type))
	}
	if q.ProjectID != "" {
		sb.WriteString(` AND e.project_id = ?`)
		args = append(args, q.ProjectID)
	}
	if q.Status != "" {
		sb.WriteString(` AND e.status = ?`)
		args = append(args, q.Status)
	}
	if text != "" {
		sb.WriteString(` ORDER BY bm25(entities_fts), e.updated_at DESC, e.id`)
	} else {
		sb.WriteString(` ORDER BY e.updated_at DESC, e.id`)
	}
	sb.WriteString(` LIMIT ?`)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search entities: %w", err)
	}
	defer rows.Close()

	var out []*entity.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}
	return out, nil
}

// ftsQuery quotes every token so user text can never inject FTS5 syntax.
// Tokens are ANDed, which matches the conjunctive filter semantics.
func ftsQuery(text string) string {
	tokens := searchTokens(text)
	if len(tokens) == 0 {
		return ""
	}
	quoted := make([]string, len(tokens))
	for i, t := range tokens {
		quoted[i] = `"` + t + `"`
	}
	return strings.Join(quoted, " ")
}

func marshalFields(fields map[string]any) (string, error) {
	if fields == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to marshal entity fields: %w", err)
	}
	return string(raw), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*entity.Entity, error) {
	var (
		e                    entity.Entity
		typ, fieldsJSON      string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&e.ID, &typ, &e.ProjectID, &e.Status, &e.Version,
		&fieldsJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	e.Type = entity.Type(typ)
	if err := json.Unmarshal([]byte(fieldsJSON), &e.Fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entity fields: %w", err)
	}
	e.CreatedAt = time.Unix(createdAt, 0).UTC()
	e.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &e, nil
}

var _ ports.EntityStore = (*LibSQLEntityStore)(nil)
