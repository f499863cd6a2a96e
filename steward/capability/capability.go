// Package capability defines the static capability and topic registry the
// engine routes against: which entity types a capability owns or reads,
// which operations it may invoke, and which conversational topics map onto
// which entity types with which required facts.
package capability

import (
	"github.com/stewardhq/steward/steward/entity"
)

// Operation is one of the four verbs a capability may invoke against the
// entity store.
type Operation string

const (
	OpCreate Operation = "create"
	OpRead   Operation = "read"
	OpUpdate Operation = "update"
	OpSearch Operation = "search"
)

// ValidOperation reports whether op names a known verb.
func ValidOperation(op Operation) bool {
	switch op {
	case OpCreate, OpRead, OpUpdate, OpSearch:
		return true
	}
	return false
}

// Mutating reports whether op writes to the store.
func (op Operation) Mutating() bool {
	return op == OpCreate || op == OpUpdate
}

// ModelRole selects which configured provider model a capability's
// generative step uses.
type ModelRole string

const (
	RoleCoordinator ModelRole = "coordinator"
	RoleSpecialist  ModelRole = "specialist"
	RoleDocument    ModelRole = "document"
	RoleAnalysis    ModelRole = "analysis"
)

// Capability is a static descriptor of a bounded orchestration unit. A
// capability may only touch entity types in its owned or read-only sets;
// anything else is a contract violation caught before execution.
type Capability struct {
	Name       string
	Owned      []entity.Type
	ReadOnly   []entity.Type
	Operations []Operation
	ModelRole  ModelRole
	Persona    string // seed for the generative step's system prompt
}

// Owns reports whether the capability owns t (may mutate it).
func (c Capability) Owns(t entity.Type) bool {
	for _, o := range c.Owned {
		if o == t {
			return true
		}
	}
	return false
}

// Reads reports whether the capability may read t without owning it.
func (c Capability) Reads(t entity.Type) bool {
	for _, r := range c.ReadOnly {
		if r == t {
			return true
		}
	}
	return false
}

// Allows reports whether the capability may invoke op at all.
func (c Capability) Allows(op Operation) bool {
	for _, o := range c.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// CanAccess reports whether the capability may apply op to t: mutating
// operations need ownership, reads and searches accept read-only access.
func (c Capability) CanAccess(op Operation, t entity.Type) bool {
	if !c.Allows(op) {
		return false
	}
	if op.Mutating() {
		return c.Owns(t)
	}
	return c.Owns(t) || c.Reads(t)
}

// Fact is one required information item for a topic. A fact counts as
// covered once any of its keywords appears in the topic's accumulated
// evidence.
type Fact struct {
	Name     string
	Keywords []string
}

// Topic is a domain conversational thread: its associated entity type, the
// keywords that identify it in conversation, and the checklist of facts a
// capability needs before acting on it.
type Topic struct {
	ID         string
	EntityType entity.Type
	Keywords   []string
	Facts      []Fact
}

// RequiredFactNames returns the fact checklist in declaration order.
func (t Topic) RequiredFactNames() []string {
	names := make([]string, len(t.Facts))
	for i, f := range t.Facts {
		names[i] = f.Name
	}
	return names
}
