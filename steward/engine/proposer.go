package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stewardhq/steward/steward/capability"
	"github.com/stewardhq/steward/steward/conversation"
	ports "github.com/stewardhq/steward/steward/engine/ports"
	"github.com/stewardhq/steward/steward/entity"
)

// mandatoryProjectFields is the intake checklist, in asking order. A project
// cannot be created until every one of them has a value.
var mandatoryProjectFields = []string{
	"name",
	"client",
	"project_type",
	"start_estimate",
	"duration_estimate",
	"has_technical_requirements",
}

func fieldPattern(labels ...string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(labels, "|") + `)\s*(?::|=|\bis\b|\bare\b)\s*([^,;\n]+)`)
}

// Labelled-answer patterns for project intake. The checklist proposer has no
// language model behind it, so answers follow a "field: value" convention;
// the ask prompts spell the convention out.
var projectFieldPatterns = map[string]*regexp.Regexp{
	"name":                       fieldPattern("project name", "name", "called", "titled"),
	"client":                     fieldPattern("client", "customer", "account"),
	"project_type":               fieldPattern("project type", "project_type", "type"),
	"start_estimate":             fieldPattern("start estimate", "start_estimate", "starting", "starts", "start"),
	"duration_estimate":          fieldPattern("duration estimate", "duration_estimate", "duration", "timeline"),
	"has_technical_requirements": fieldPattern("technical requirements", "has_technical_requirements", "technical"),
}

var projectFieldQuestions = map[string]string{
	"name":                       "What should the project be called?",
	"client":                     "Which client is this for?",
	"project_type":               "What type of project is it (implementation, migration, development, ...)?",
	"start_estimate":             "When should it start?",
	"duration_estimate":          "How long do you expect it to run?",
	"has_technical_requirements": "Does it have technical requirements (yes/no)?",
}

// ChecklistProposer is the deterministic proposer used when no generative
// provider is configured. It walks the active topic's fact checklist one
// question at a time and emits a tool call only once the checklist is
// complete, which makes the engine fully scriptable in tests and demos.
type ChecklistProposer struct {
	logger zerolog.Logger
}

func NewChecklistProposer(logger zerolog.Logger) *ChecklistProposer {
	return &ChecklistProposer{logger: logger.With().Str("component", "checklist_proposer").Logger()}
}

var _ ports.Proposer = (*ChecklistProposer)(nil)

func (p *ChecklistProposer) Propose(_ context.Context, in ports.ProposalInput) (ports.Proposal, error) {
	if in.Phase == conversation.PhaseAwaitingProject {
		return p.proposeProjectIntake(in), nil
	}

	if in.Topic == nil {
		return ports.Proposal{
			Reply: "Noted. Tell me about a project, its tasks, documents, or reviews and I'll take it from there.",
		}, nil
	}

	if len(in.UncoveredFacts) > 0 {
		return ports.Proposal{Reply: p.askFact(in.Topic, in.UncoveredFacts[0])}, nil
	}
	return p.proposeAction(in), nil
}

// proposeProjectIntake runs the labelled form fill for the six mandatory
// project fields. All fields present yields the create call; otherwise the
// first gap is asked for, with the answer convention spelled out.
func (p *ChecklistProposer) proposeProjectIntake(in ports.ProposalInput) ports.Proposal {
	fields := extractProjectFields(in.Window)
	for _, name := range mandatoryProjectFields {
		if _, ok := fields[name]; ok {
			continue
		}
		hint := strings.ReplaceAll(name, "_", " ")
		return ports.Proposal{
			Reply: fmt.Sprintf("%s You can answer like \"%s: ...\".", projectFieldQuestions[name], hint),
		}
	}
	return ports.Proposal{
		Reply: fmt.Sprintf("Creating project %v for %v.", fields["name"], fields["client"]),
		Calls: []ports.ToolCall{{
			Operation:  capability.OpCreate,
			EntityType: entity.TypeProject,
			Arguments:  fields,
		}},
	}
}

func (p *ChecklistProposer) askFact(topic *capability.Topic, fact string) string {
	questions := map[string]string{
		"system":       "Which system are we talking about?",
		"frequency":    "How often does it run?",
		"verification": "How do you verify it actually works, for example restore tests?",
		"remote":       "Is there an offsite or remote copy?",
	}
	if q, ok := questions[fact]; ok {
		return q
	}
	return fmt.Sprintf("One thing at a time: tell me about the %s for %s.", strings.ReplaceAll(fact, "_", " "), strings.ReplaceAll(topic.ID, "_", " "))
}

// proposeAction emits the tool call for a fully covered checklist. Only
// types whose arguments can be assembled from gathered evidence get a call;
// the rest reply without acting. A type already bound in the session is not
// re-created on later turns of the same topic.
func (p *ChecklistProposer) proposeAction(in ports.ProposalInput) ports.Proposal {
	topic := in.Topic
	if _, bound := in.EntityContext[topic.EntityType]; bound && topic.EntityType != entity.TypeTask {
		return ports.Proposal{
			Reply: fmt.Sprintf("We already have a %s recorded for this. Anything you want to change on it?", topic.EntityType),
		}
	}

	evidence := in.Evidence
	if evidence == "" {
		evidence = in.UserText
	}
	label := strings.ReplaceAll(topic.ID, "_", " ")

	var call ports.ToolCall
	switch topic.EntityType {
	case entity.TypeTechnicalRequest:
		call = ports.ToolCall{
			Operation:  capability.OpCreate,
			EntityType: entity.TypeTechnicalRequest,
			Arguments:  map[string]any{"summary": fmt.Sprintf("%s: %s", label, evidence)},
		}
	case entity.TypeTask:
		call = ports.ToolCall{
			Operation:  capability.OpCreate,
			EntityType: entity.TypeTask,
			Arguments:  map[string]any{"title": truncate(fmt.Sprintf("%s: %s", label, evidence), 120)},
		}
	case entity.TypeDocument:
		call = ports.ToolCall{
			Operation:  capability.OpCreate,
			EntityType: entity.TypeDocument,
			Arguments:  map[string]any{"title": truncate(label+" notes", 120), "content": evidence},
		}
	case entity.TypeCheckpoint:
		call = ports.ToolCall{
			Operation:  capability.OpCreate,
			EntityType: entity.TypeCheckpoint,
			Arguments:  map[string]any{"title": truncate(fmt.Sprintf("Weekly checkpoint: %s", evidence), 120)},
		}
	default:
		// Projects go through intake; suggestions need a target only a
		// human or a model can pick.
		return ports.Proposal{
			Reply: fmt.Sprintf("That covers %s. Tell me what you'd like recorded and where.", label),
		}
	}

	return ports.Proposal{
		Reply: fmt.Sprintf("That covers everything on %s. Recording it now.", label),
		Calls: []ports.ToolCall{call},
	}
}

// extractProjectFields scans user turns for labelled answers, later turns
// overriding earlier ones.
func extractProjectFields(window []conversation.Turn) map[string]any {
	fields := make(map[string]any)
	for _, t := range window {
		if t.Role != conversation.RoleUser {
			continue
		}
		for name, pattern := range projectFieldPatterns {
			m := pattern.FindStringSubmatch(t.Text)
			if len(m) < 2 {
				continue
			}
			value := strings.TrimRight(strings.TrimSpace(m[1]), ".!? ")
			if value == "" {
				continue
			}
			if name == "has_technical_requirements" {
				if b, ok := parseYesNo(value); ok {
					fields[name] = b
				}
				continue
			}
			fields[name] = value
		}
	}
	return fields
}

func parseYesNo(s string) (bool, bool) {
	switch strings.ToLower(strings.Fields(s)[0]) {
	case "yes", "y", "true", "yep", "yeah":
		return true, true
	case "no", "n", "false", "none", "nope":
		return false, true
	}
	return false, false
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// LLMProposer renders the proposal input into a prompt, runs it through the
// completer for the capability's model role, and parses the JSON envelope
// back out. Completions are rate limited per capability and cached on the
// full prompt so a retried turn costs nothing.
type LLMProposer struct {
	completers map[capability.ModelRole]ports.TextCompleter
	options    map[capability.ModelRole]ports.Options
	builder    *PromptBuilder
	parser     *ProposalParser
	cache      ports.Cache
	limiter    ports.RateLimiter
	cacheTTL   time.Duration
	logger     zerolog.Logger
}

func NewLLMProposer(
	completers map[capability.ModelRole]ports.TextCompleter,
	options map[capability.ModelRole]ports.Options,
	cache ports.Cache,
	limiter ports.RateLimiter,
	cacheTTL time.Duration,
	logger zerolog.Logger,
) *LLMProposer {
	return &LLMProposer{
		completers: completers,
		options:    options,
		builder:    NewPromptBuilder(),
		parser:     NewProposalParser(),
		cache:      cache,
		limiter:    limiter,
		cacheTTL:   cacheTTL,
		logger:     logger.With().Str("component", "llm_proposer").Logger(),
	}
}

var _ ports.Proposer = (*LLMProposer)(nil)

func (p *LLMProposer) Propose(ctx context.Context, in ports.ProposalInput) (ports.Proposal, error) {
	completer, ok := p.completers[in.Capability.ModelRole]
	if !ok {
		completer, ok = p.completers[capability.RoleCoordinator]
	}
	if !ok {
		return ports.Proposal{}, internalErr(nil, "no completer configured for role %s", in.Capability.ModelRole)
	}

	prompt := p.builder.Build(in)
	key := p.promptCacheKey(in.Capability.Name, prompt)
	if cached, hit := p.cache.Get(ctx, key); hit {
		if proposal, err := p.parser.Parse(string(cached)); err == nil {
			p.logger.Debug().Str("session", in.SessionID).Str("key", key).Msg("proposal cache hit")
			return proposal, nil
		}
		_ = p.cache.Delete(ctx, key)
	}

	release, err := p.limiter.Acquire(ctx, in.Capability.Name)
	if err != nil {
		return ports.Proposal{}, timeoutErr(err, "provider rate limited for %s", in.Capability.Name)
	}
	defer release()

	completion, err := completer.Complete(ctx, prompt, p.options[in.Capability.ModelRole])
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ports.Proposal{}, timeoutErr(err, "completion for %s", in.Capability.Name)
		}
		return ports.Proposal{}, internalErr(err, "completion for %s", in.Capability.Name)
	}
	evt := p.logger.Debug().
		Str("session", in.SessionID).
		Str("capability", in.Capability.Name)
	if completion.Usage != nil {
		evt = evt.Int("prompt_tokens", completion.Usage.PromptTokens).
			Int("completion_tokens", completion.Usage.CompletionTokens)
	}
	evt.Msg("completion received")

	proposal, err := p.parser.Parse(completion.Text)
	if err != nil {
		return ports.Proposal{}, err
	}
	_ = p.cache.Set(ctx, key, []byte(completion.Text), int(p.cacheTTL.Seconds()))
	return proposal, nil
}

// promptCacheKey is deterministic over everything that shapes the
// completion. Hashes keep keys short.
func (p *LLMProposer) promptCacheKey(capabilityName string, prompt ports.PromptInput) string {
	var msgs strings.Builder
	for _, m := range prompt.Messages {
		msgs.WriteString(m.Role)
		msgs.WriteString("\x1f")
		msgs.WriteString(m.Content)
		msgs.WriteString("\x1e")
	}
	return fmt.Sprintf("cap:%s|sys:%s|msgs:%s|ctx:%s",
		capabilityName,
		hashString(prompt.System),
		hashString(msgs.String()),
		hashString(strings.Join(prompt.Context, "|")))
}

// hashString is a djb2 hash, used for deterministic but short cache keys.
func hashString(s string) string {
	hash := uint32(5381)
	for _, r := range s {
		hash = ((hash << 5) + hash) + uint32(r)
	}
	return fmt.Sprintf("%x", hash)
}
