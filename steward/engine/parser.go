package engine

import (
	"encoding/json"
	"regexp"
	"strings"

	ports "github.com/stewardhq/steward/steward/engine/ports"
)

// Model output is expected to be a single JSON envelope, but providers pad it
// with prose, fences, and near-JSON. The parser extracts the outermost object
// and repairs the common defects before decoding.
var (
	jsonBlockPattern    = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	jsonObjectPattern   = regexp.MustCompile(`(?s)\{.*\}`)
	trailingCommaFix    = regexp.MustCompile(`,\s*([}\]])`)
	unquotedKeyFix      = regexp.MustCompile(`([{,]\s*)([a-zA-Z_][a-zA-Z0-9_]*)\s*:`)
	singleQuoteValueFix = regexp.MustCompile(`'([^']*)'`)
)

// ProposalParser turns raw completion text into a structured proposal.
type ProposalParser struct{}

func NewProposalParser() *ProposalParser { return &ProposalParser{} }

// Parse extracts and decodes the proposal envelope. It fails with a
// validation error when no usable JSON is present or the reply is empty.
func (p *ProposalParser) Parse(raw string) (ports.Proposal, error) {
	payload := extractJSON(raw)
	if payload == "" {
		return ports.Proposal{}, validationErr("model output contained no JSON proposal")
	}
	if !json.Valid([]byte(payload)) {
		payload = fixJSON(payload)
	}

	var proposal ports.Proposal
	if err := json.Unmarshal([]byte(payload), &proposal); err != nil {
		return ports.Proposal{}, validationErr("model output was not a valid proposal: %v", err)
	}
	proposal.Reply = strings.TrimSpace(proposal.Reply)
	if proposal.Reply == "" {
		return ports.Proposal{}, validationErr("proposal carried an empty reply")
	}
	for i := range proposal.Calls {
		if proposal.Calls[i].Arguments == nil {
			proposal.Calls[i].Arguments = map[string]any{}
		}
	}
	return proposal, nil
}

// extractJSON prefers a fenced block, then falls back to the widest
// brace-delimited span.
func extractJSON(raw string) string {
	if m := jsonBlockPattern.FindStringSubmatch(raw); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(jsonObjectPattern.FindString(raw))
}

// fixJSON applies best-effort repairs for trailing commas, unquoted keys,
// and single-quoted strings. Applied only after validation fails, so
// well-formed payloads are never touched.
func fixJSON(s string) string {
	s = trailingCommaFix.ReplaceAllString(s, "$1")
	s = unquotedKeyFix.ReplaceAllString(s, `$1"$2":`)
	if !json.Valid([]byte(s)) {
		s = singleQuoteValueFix.ReplaceAllString(s, `"$1"`)
	}
	return s
}
