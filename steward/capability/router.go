package capability

import (
	"fmt"

	"github.com/stewardhq/steward/steward/entity"
)

// Selection is the deterministic routing outcome for one turn.
type Selection struct {
	Capability Capability
	TopicID    string
	Reason     string
}

// Router picks the capability that should handle a turn. The decision
// derives solely from the already-computed active topic and entity context,
// never from raw user text; language understanding stays inside the
// capability's own generative step.
type Router struct {
	registry *Registry
}

func NewRouter(registry *Registry) *Router {
	return &Router{registry: registry}
}

// ProjectOwner routes to the capability that owns Project entities. Sessions
// that have not bound a project yet are steered here until one exists.
func (r *Router) ProjectOwner() Selection {
	for _, c := range r.registry.Capabilities() {
		if c.Owns(entity.TypeProject) {
			return Selection{Capability: c, Reason: "collecting mandatory project fields"}
		}
	}
	return Selection{Capability: r.registry.Default(), Reason: "no project owner registered"}
}

// Select resolves the active topic to a capability. No topic or no match
// falls back to the default read-only capability, so routing never
// dead-ends. Several matches prefer an owner of the topic's entity type
// over mere readers, then the lexicographically first name.
func (r *Router) Select(activeTopic string, entityContext map[entity.Type]string) Selection {
	if activeTopic == "" {
		reason := "no active topic"
		if _, ok := entityContext[entity.TypeProject]; ok {
			reason = "no active topic (project bound)"
		}
		return Selection{Capability: r.registry.Default(), Reason: reason}
	}

	topic, ok := r.registry.Topic(activeTopic)
	if !ok {
		return Selection{
			Capability: r.registry.Default(),
			TopicID:    activeTopic,
			Reason:     fmt.Sprintf("unknown topic %q", activeTopic),
		}
	}

	def := r.registry.Default()
	var owners, readers []Capability
	// Capabilities() is sorted by name, so first-in-slice is the
	// lexicographic tie-break.
	for _, c := range r.registry.Capabilities() {
		if c.Name == def.Name {
			continue
		}
		switch {
		case c.Owns(topic.EntityType):
			owners = append(owners, c)
		case c.Reads(topic.EntityType):
			readers = append(readers, c)
		}
	}

	switch {
	case len(owners) > 0:
		reason := fmt.Sprintf("owns %s for topic %s", topic.EntityType, topic.ID)
		if len(owners) > 1 {
			reason += ", lexicographic tie-break"
		}
		return Selection{Capability: owners[0], TopicID: topic.ID, Reason: reason}
	case len(readers) > 0:
		reason := fmt.Sprintf("reads %s for topic %s", topic.EntityType, topic.ID)
		if len(readers) > 1 {
			reason += ", lexicographic tie-break"
		}
		return Selection{Capability: readers[0], TopicID: topic.ID, Reason: reason}
	default:
		return Selection{
			Capability: def,
			TopicID:    topic.ID,
			Reason:     fmt.Sprintf("no capability covers %s, falling back", topic.EntityType),
		}
	}
}
