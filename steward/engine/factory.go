package engine

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/stewardhq/steward/steward/capability"
	"github.com/stewardhq/steward/steward/config"
	"github.com/stewardhq/steward/steward/conversation"
	"github.com/stewardhq/steward/steward/engine/adapters"
	ports "github.com/stewardhq/steward/steward/engine/ports"
	"github.com/stewardhq/steward/steward/entity"
)

// Components is the assembled engine plus the pieces callers interact with
// directly.
type Components struct {
	Registry     *capability.Registry
	Router       *capability.Router
	Memory       *conversation.Manager
	EntityStore  ports.EntityStore
	SessionStore ports.SessionStore
	Proposer     ports.Proposer
	Orchestrator *Orchestrator
	Hub          *Hub
}

// Build wires an engine from configuration. A nil db selects the in-memory
// stores, which is what demos and tests run on; disabled concerns fall back
// to no-op implementations so the engine never branches on nil.
func Build(ctx context.Context, cfg *config.Config, db *sql.DB, logger zerolog.Logger) (*Components, error) {
	registry, err := capability.New(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build capability registry: %w", err)
	}
	if cfg.Registry.Path != "" {
		if err := registry.LoadOverrideFile(cfg.Registry.Path); err != nil {
			return nil, fmt.Errorf("failed to load registry override: %w", err)
		}
		if cfg.Registry.Watch {
			if err := registry.Watch(cfg.Registry.Path); err != nil {
				return nil, fmt.Errorf("failed to watch registry override: %w", err)
			}
		}
	}

	schemas, err := entity.NewSchemaSet()
	if err != nil {
		return nil, fmt.Errorf("failed to compile entity schemas: %w", err)
	}

	router := capability.NewRouter(registry)
	memory := conversation.NewManager(registry, cfg.Engine.WindowSize, cfg.Engine.AccumulatorDepth, logger)

	var tracer ports.Tracer = noOpTracer{}
	if cfg.Tracing.Enabled {
		tracer = adapters.NewZerologTracer(logger)
	}
	var cache ports.Cache = noOpCache{}
	if cfg.Cache.Enabled {
		cache = adapters.NewLRUCache(cfg.Cache.MaxEntries)
	}
	var limiter ports.RateLimiter = noOpRateLimiter{}
	if cfg.RateLimit.Enabled {
		limiter = adapters.NewTokenBucket(cfg.RateLimit.Capacity, cfg.RateLimit.Refill)
	}

	var entityStore ports.EntityStore
	var sessionStore ports.SessionStore
	if db != nil {
		entityStore = adapters.NewLibSQLEntityStore(db)
		sessionStore = adapters.NewLibSQLSessionStore(db)
	} else {
		entityStore = adapters.NewMemoryEntityStore()
		sessionStore = adapters.NewMemorySessionStore()
	}

	proposer, err := buildProposer(ctx, cfg, cache, limiter, logger)
	if err != nil {
		return nil, err
	}

	executor := NewExecutor(entityStore, schemas, tracer, logger, ExecutorConfig{
		ToolTimeout:      cfg.Engine.ToolTimeout,
		RetryCount:       cfg.Engine.RetryCount,
		RetryBackoff:     cfg.Engine.RetryBackoff,
		ConflictRetries:  cfg.Engine.ConflictRetries,
		MaxDocumentChars: cfg.Engine.MaxDocumentChars,
		ReminderHour:     cfg.Engine.CheckpointReminderHour,
	})
	orchestrator := NewOrchestrator(memory, registry, router, proposer, executor,
		sessionStore, tracer, logger, cfg.Engine.MaxConversationTurns,
		cfg.Engine.ProjectCreationTimeout)

	return &Components{
		Registry:     registry,
		Router:       router,
		Memory:       memory,
		EntityStore:  entityStore,
		SessionStore: sessionStore,
		Proposer:     proposer,
		Orchestrator: orchestrator,
		Hub:          NewHub(orchestrator, cfg.Hub.MaxConcurrentSessions),
	}, nil
}

// buildProposer selects the generative backend. Anything other than a fully
// configured Gemini provider yields the deterministic checklist proposer.
func buildProposer(ctx context.Context, cfg *config.Config, cache ports.Cache, limiter ports.RateLimiter, logger zerolog.Logger) (ports.Proposer, error) {
	apiKey := cfg.Provider.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if cfg.Provider.Kind != "gemini" {
		return NewChecklistProposer(logger), nil
	}
	if apiKey == "" {
		logger.Warn().Msg("gemini provider configured without an API key, falling back to the checklist proposer")
		return NewChecklistProposer(logger), nil
	}

	client, err := adapters.NewGenAIClient(ctx, apiKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider client: %w", err)
	}

	models := map[capability.ModelRole]string{
		capability.RoleCoordinator: cfg.Provider.Models.Coordinator,
		capability.RoleSpecialist:  cfg.Provider.Models.Specialist,
		capability.RoleDocument:    cfg.Provider.Models.Document,
		capability.RoleAnalysis:    cfg.Provider.Models.Analysis,
	}
	temperatures := map[capability.ModelRole]float32{
		capability.RoleCoordinator: cfg.Provider.Temperatures.Coordinator,
		capability.RoleSpecialist:  cfg.Provider.Temperatures.Specialist,
		capability.RoleDocument:    cfg.Provider.Temperatures.Document,
		capability.RoleAnalysis:    cfg.Provider.Temperatures.Analysis,
	}

	completers := make(map[capability.ModelRole]ports.TextCompleter, len(models))
	options := make(map[capability.ModelRole]ports.Options, len(models))
	for role, model := range models {
		if model == "" {
			continue
		}
		var completer ports.TextCompleter = adapters.NewGenAICompleter(client, model)
		if cfg.Provider.CallDelay > 0 {
			completer = adapters.NewPacedCompleter(completer, cfg.Provider.CallDelay)
		}
		completers[role] = completer
		options[role] = ports.Options{
			Temperature:  temperatures[role],
			MaxNewTokens: cfg.Provider.MaxOutputTokens,
			TimeoutMs:    int(cfg.Engine.ProposeTimeout.Milliseconds()),
		}
	}
	if len(completers) == 0 {
		return nil, fmt.Errorf("gemini provider configured without any models")
	}
	return NewLLMProposer(completers, options, cache, limiter, cfg.Cache.TTL, logger), nil
}

type noOpTracer struct{}

func (noOpTracer) StartSpan(ctx context.Context, _ string, _ map[string]any) (context.Context, func(error)) {
	return ctx, func(error) {}
}
func (noOpTracer) Event(context.Context, string, map[string]any) {}

type noOpCache struct{}

func (noOpCache) Get(context.Context, string) ([]byte, bool)     { return nil, false }
func (noOpCache) Set(context.Context, string, []byte, int) error { return nil }
func (noOpCache) Delete(context.Context, string) error           { return nil }

type noOpRateLimiter struct{}

func (noOpRateLimiter) Acquire(context.Context, string) (func(), error) {
	return func() {}, nil
}

var (
	_ ports.Tracer      = noOpTracer{}
	_ ports.Cache       = noOpCache{}
	_ ports.RateLimiter = noOpRateLimiter{}
)
