package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/stewardhq/steward/steward/capability"
	"github.com/stewardhq/steward/steward/conversation"
	ports "github.com/stewardhq/steward/steward/engine/ports"
	"github.com/stewardhq/steward/steward/entity"
)

const proposalEnvelopeContract = `Respond with a single JSON object and nothing else:
{"reply": "<what you say to the user>", "tool_calls": [{"operation": "<create|read|update|search>", "entity_type": "<type>", "arguments": {...}}]}
Omit "tool_calls" when the turn needs no store operation. Never invent entity ids.
Ask for exactly one missing piece of information at a time. Never ask for a fact the context already covers.`

// PromptBuilder renders a proposal input into provider messages. The system
// prompt carries the capability's persona and contract; everything the
// memory layer knows arrives as context snippets so the model never has to
// re-derive it from the transcript.
type PromptBuilder struct{}

func NewPromptBuilder() *PromptBuilder { return &PromptBuilder{} }

func (b *PromptBuilder) Build(in ports.ProposalInput) ports.PromptInput {
	var sys strings.Builder
	sys.WriteString(strings.TrimSpace(in.Capability.Persona))
	sys.WriteString("\n\n")
	fmt.Fprintf(&sys, "You may invoke operations %s.\n", joinOps(in.Capability.Operations))
	if len(in.Capability.Owned) > 0 {
		fmt.Fprintf(&sys, "You own these entity types and may create or update them: %s.\n", joinTypes(in.Capability.Owned))
	}
	if len(in.Capability.ReadOnly) > 0 {
		fmt.Fprintf(&sys, "You may read or search, but never modify: %s.\n", joinTypes(in.Capability.ReadOnly))
	}
	sys.WriteString("\n")
	sys.WriteString(proposalEnvelopeContract)

	messages := make([]ports.PromptMessage, 0, len(in.Window))
	for _, t := range in.Window {
		messages = append(messages, ports.PromptMessage{Role: string(t.Role), Content: t.Text})
	}

	return ports.PromptInput{
		System:   sys.String(),
		Messages: messages,
		Context:  b.contextSnippets(in),
		Meta: map[string]string{
			"session_id": in.SessionID,
			"capability": in.Capability.Name,
		},
	}
}

// contextSnippets flattens the memory layer's state into short labelled
// lines. Order is stable so identical inputs produce identical prompts and
// cache keys.
func (b *PromptBuilder) contextSnippets(in ports.ProposalInput) []string {
	var snippets []string
	if in.Phase == conversation.PhaseAwaitingProject {
		snippets = append(snippets, "No project is bound yet. Collect the mandatory project fields and create the project before anything else.")
	}
	if in.Topic != nil {
		snippets = append(snippets, fmt.Sprintf("Active topic: %s (entity type %s)", in.Topic.ID, in.Topic.EntityType))
	}
	if len(in.CoveredFacts) > 0 {
		snippets = append(snippets, "Already covered, do not ask again: "+strings.Join(in.CoveredFacts, ", "))
	}
	if len(in.UncoveredFacts) > 0 {
		snippets = append(snippets, "Still needed before acting: "+strings.Join(in.UncoveredFacts, ", "))
	}
	if in.Evidence != "" {
		snippets = append(snippets, "Gathered so far: "+in.Evidence)
	}
	if len(in.MissingFields) > 0 {
		snippets = append(snippets, "Mandatory project fields still missing: "+strings.Join(in.MissingFields, ", "))
	}
	if len(in.EntityContext) > 0 {
		types := make([]string, 0, len(in.EntityContext))
		for t := range in.EntityContext {
			types = append(types, string(t))
		}
		sort.Strings(types)
		var refs []string
		for _, t := range types {
			refs = append(refs, fmt.Sprintf("%s=%s", t, in.EntityContext[entity.Type(t)]))
		}
		snippets = append(snippets, "Bound entities: "+strings.Join(refs, ", "))
	}
	return snippets
}

func joinOps(ops []capability.Operation) string {
	parts := make([]string, len(ops))
	for i, op := range ops {
		parts[i] = string(op)
	}
	return strings.Join(parts, ", ")
}

func joinTypes[T ~string](types []T) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, ", ")
}
