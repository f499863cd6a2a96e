// Package entity defines the business records reachable through the tool
// surface: projects, tasks, documents, technical requests, suggestions, and
// checkpoints. Project is the aggregate root; every other record is scoped
// to exactly one project. Records are never deleted, they transition to a
// terminal status instead.
package entity

import "time"

// Type identifies a business record kind.
type Type string

const (
	TypeProject          Type = "Project"
	TypeTask             Type = "Task"
	TypeDocument         Type = "Document"
	TypeTechnicalRequest Type = "TechnicalRequest"
	TypeSuggestion       Type = "Suggestion"
	TypeCheckpoint       Type = "Checkpoint"
)

// AllTypes returns every known entity type in stable order.
func AllTypes() []Type {
	return []Type{
		TypeProject,
		TypeTask,
		TypeDocument,
		TypeTechnicalRequest,
		TypeSuggestion,
		TypeCheckpoint,
	}
}

// Valid reports whether t names a known entity type.
func (t Type) Valid() bool {
	switch t {
	case TypeProject, TypeTask, TypeDocument, TypeTechnicalRequest, TypeSuggestion, TypeCheckpoint:
		return true
	}
	return false
}

// RequiresProjectScope reports whether records of this type must carry a
// project_id. Only the aggregate root itself is exempt.
func (t Type) RequiresProjectScope() bool {
	return t != TypeProject
}

// Well-known field names shared between schemas, the executor, and stores.
const (
	FieldStatus           = "status"
	FieldProjectID        = "project_id"
	FieldContent          = "content"
	FieldRemindAt         = "remind_at"
	FieldResultEntityID   = "result_entity_id"
	FieldTargetEntityType = "target_entity_type"
	FieldPayload          = "payload"
)

// Suggestion lifecycle statuses.
const (
	SuggestionPending   = "pending"
	SuggestionAccepted  = "accepted"
	SuggestionRejected  = "rejected"
	SuggestionModified  = "modified"
	SuggestionCompleted = "completed"
)

// Entity is the generic record shape exchanged with the store. Fields holds
// the type-specific payload; Version increments on every update and backs
// optimistic concurrency.
type Entity struct {
	ID        string         `json:"id"`
	Type      Type           `json:"entity_type"`
	ProjectID string         `json:"project_id,omitempty"`
	Status    string         `json:"status"`
	Version   int64          `json:"version"`
	Fields    map[string]any `json:"fields"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Clone returns a deep copy safe for the caller to mutate.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	out := *e
	out.Fields = make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		out.Fields[k] = v
	}
	return &out
}

var statusTable = map[Type]struct {
	initial  string
	valid    []string
	terminal []string
}{
	TypeProject: {
		initial:  "active",
		valid:    []string{"active", "on_hold", "completed", "archived"},
		terminal: []string{"completed", "archived"},
	},
	TypeTask: {
		initial:  "pending",
		valid:    []string{"pending", "in_progress", "blocked", "completed", "archived"},
		terminal: []string{"completed", "archived"},
	},
	TypeDocument: {
		initial:  "draft",
		valid:    []string{"draft", "final", "archived"},
		terminal: []string{"archived"},
	},
	TypeTechnicalRequest: {
		initial:  "open",
		valid:    []string{"open", "in_review", "resolved", "archived"},
		terminal: []string{"resolved", "archived"},
	},
	TypeSuggestion: {
		initial:  SuggestionPending,
		valid:    []string{SuggestionPending, SuggestionAccepted, SuggestionRejected, SuggestionModified, SuggestionCompleted},
		terminal: []string{SuggestionRejected, SuggestionCompleted},
	},
	TypeCheckpoint: {
		initial:  "scheduled",
		valid:    []string{"scheduled", "completed", "archived"},
		terminal: []string{"completed", "archived"},
	},
}

// DefaultStatus returns the status assigned on creation.
func DefaultStatus(t Type) string {
	return statusTable[t].initial
}

// ValidStatus reports whether s is a legal status for t.
func ValidStatus(t Type, s string) bool {
	for _, v := range statusTable[t].valid {
		if v == s {
			return true
		}
	}
	return false
}

// TerminalStatus reports whether s represents destruction for t. Terminal
// records stay in the store but are excluded from active listings.
func TerminalStatus(t Type, s string) bool {
	for _, v := range statusTable[t].terminal {
		if v == s {
			return true
		}
	}
	return false
}
