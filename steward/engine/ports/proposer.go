package engineports

import (
	"context"

	"github.com/stewardhq/steward/steward/capability"
	"github.com/stewardhq/steward/steward/conversation"
	"github.com/stewardhq/steward/steward/entity"
)

// ProposalInput is the routed view of a turn handed to a proposer: the
// selected capability, the topic picture the memory manager derived, and the
// bounded window. Proposers never see full session state.
type ProposalInput struct {
	SessionID      string
	UserText       string
	Phase          conversation.Phase
	Capability     capability.Capability
	Topic          *capability.Topic // nil when no topic is active
	CoveredFacts   []string
	UncoveredFacts []string
	Evidence       string // accumulated topic evidence, oldest first
	Window         []conversation.Turn
	EntityContext  map[entity.Type]string
	MissingFields  []string // unmet mandatory project fields, setup phase only
}

// Proposal is what a proposer wants done for the turn: a user-facing reply
// and zero or more tool calls to run first.
type Proposal struct {
	Reply string     `json:"reply"`
	Calls []ToolCall `json:"tool_calls,omitempty"`
}

// Proposer turns a routed conversation turn into a reply and tool calls.
// Implementations range from deterministic checklist logic to LLM backends.
type Proposer interface {
	Propose(ctx context.Context, in ProposalInput) (Proposal, error)
}
