package engineports

import (
	"github.com/stewardhq/steward/steward/capability"
	"github.com/stewardhq/steward/steward/entity"
)

// ToolCall is one structured entity operation proposed for execution. The
// JSON field names are the wire contract with completion backends.
type ToolCall struct {
	Operation  capability.Operation `json:"operation"`
	EntityType entity.Type          `json:"entity_type"`
	Arguments  map[string]any       `json:"arguments"`
}

// ToolResult is the outcome of executing one tool call.
type ToolResult struct {
	Call     ToolCall         `json:"call"`
	Entity   *entity.Entity   `json:"entity,omitempty"`
	Entities []*entity.Entity `json:"entities,omitempty"` // search results
}
