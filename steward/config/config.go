package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	internal "github.com/stewardhq/steward/steward"

	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Steward   StewardConfig   `mapstructure:"steward"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Cache     CacheConfig     `mapstructure:"cache"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Hub       HubConfig       `mapstructure:"hub"`
	Store     StoreConfig     `mapstructure:"store"`
	Registry  RegistryConfig  `mapstructure:"registry"`
}

// StewardConfig stores application-level settings.
type StewardConfig struct {
	DataDir  string `mapstructure:"data_dir"`
	LogLevel string `mapstructure:"log_level"`
}

// EngineConfig stores the orchestration engine tunables.
type EngineConfig struct {
	WindowSize             int           `mapstructure:"window_size"`              // Turns exposed downstream
	AccumulatorDepth       int           `mapstructure:"accumulator_depth"`        // Fragments retained per topic
	MaxConversationTurns   int           `mapstructure:"max_conversation_turns"`   // Hard cap per session
	ToolTimeout            time.Duration `mapstructure:"tool_timeout"`             // Per store call
	ProposeTimeout         time.Duration `mapstructure:"propose_timeout"`          // Per generative call
	RetryCount             int           `mapstructure:"retry_count"`              // Timeout retries
	RetryBackoff           time.Duration `mapstructure:"retry_backoff"`            // Backoff between retries
	ConflictRetries        int           `mapstructure:"conflict_retries"`         // StoreConflict retries
	MaxDocumentChars       int           `mapstructure:"max_document_chars"`       // Clamp for Document content
	ProjectCreationTimeout time.Duration `mapstructure:"project_creation_timeout"` // Deadline for gathering mandatory fields
	CheckpointReminderHour int           `mapstructure:"checkpoint_reminder_hour"` // Hour of day for Thursday reminders
}

// ModelsConfig maps capability model roles to provider model names.
type ModelsConfig struct {
	Coordinator string `mapstructure:"coordinator"`
	Specialist  string `mapstructure:"specialist"`
	Document    string `mapstructure:"document"`
	Analysis    string `mapstructure:"analysis"`
}

// TemperaturesConfig maps capability model roles to sampling temperatures.
type TemperaturesConfig struct {
	Coordinator float32 `mapstructure:"coordinator"`
	Specialist  float32 `mapstructure:"specialist"`
	Document    float32 `mapstructure:"document"`
	Analysis    float32 `mapstructure:"analysis"`
}

// ProviderConfig stores generative provider settings.
type ProviderConfig struct {
	Kind            string             `mapstructure:"kind"`              // "checklist" or "gemini"
	APIKey          string             `mapstructure:"api_key"`           // Falls back to GEMINI_API_KEY
	CallDelay       time.Duration      `mapstructure:"call_delay"`        // Minimum spacing between provider calls
	MaxOutputTokens int                `mapstructure:"max_output_tokens"` // Completion length cap
	Models          ModelsConfig       `mapstructure:"models"`
	Temperatures    TemperaturesConfig `mapstructure:"temperatures"`
}

// CacheConfig stores proposal cache settings.
type CacheConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	MaxEntries int           `mapstructure:"max_entries"`
	TTL        time.Duration `mapstructure:"ttl"`
}

// RateLimitConfig stores provider rate limiting settings.
type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Capacity int           `mapstructure:"capacity"` // Token bucket capacity
	Refill   time.Duration `mapstructure:"refill"`   // One token per interval
}

// TracingConfig stores tracing settings.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// HubConfig stores cross-session concurrency settings.
type HubConfig struct {
	MaxConcurrentSessions int `mapstructure:"max_concurrent_sessions"`
}

// StoreConfig stores database connection details.
type StoreConfig struct {
	DSN  string `mapstructure:"dsn"`
	Type string `mapstructure:"type"`
}

// RegistryConfig stores capability registry override settings.
type RegistryConfig struct {
	Path  string `mapstructure:"path"`  // Optional YAML override file
	Watch bool   `mapstructure:"watch"` // Hot-reload the override on change
}

var AppConfig Config

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("..")
		viper.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		viper.AddConfigPath(internal.DefaultConfigPath)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	// Application defaults
	viper.SetDefault("steward.data_dir", internal.DefaultDataDir)
	viper.SetDefault("steward.log_level", "info")

	// Engine defaults
	viper.SetDefault("engine.window_size", 10)
	viper.SetDefault("engine.accumulator_depth", 3)
	viper.SetDefault("engine.max_conversation_turns", 50)
	viper.SetDefault("engine.tool_timeout", "30s")
	viper.SetDefault("engine.propose_timeout", "45s")
	viper.SetDefault("engine.retry_count", 1)
	viper.SetDefault("engine.retry_backoff", "500ms")
	viper.SetDefault("engine.conflict_retries", 3)
	viper.SetDefault("engine.max_document_chars", 10000)
	viper.SetDefault("engine.project_creation_timeout", "10m")
	viper.SetDefault("engine.checkpoint_reminder_hour", 14) // 2 PM Thursday

	// Provider defaults (role-based models)
	viper.SetDefault("provider.kind", "checklist")
	viper.SetDefault("provider.api_key", "")
	viper.SetDefault("provider.call_delay", "2s")
	viper.SetDefault("provider.max_output_tokens", 2048)
	viper.SetDefault("provider.models.coordinator", "gemini-2.5-flash-lite")
	viper.SetDefault("provider.models.specialist", "gemini-2.5-flash-lite")
	viper.SetDefault("provider.models.document", "gemini-2.5-flash")
	viper.SetDefault("provider.models.analysis", "gemini-2.5-flash-lite")
	viper.SetDefault("provider.temperatures.coordinator", 0.1)
	viper.SetDefault("provider.temperatures.specialist", 0.2)
	viper.SetDefault("provider.temperatures.document", 0.3)
	viper.SetDefault("provider.temperatures.analysis", 0.2)

	// Cache defaults
	viper.SetDefault("cache.enabled", true)
	viper.SetDefault("cache.max_entries", 1024)
	viper.SetDefault("cache.ttl", "10m")

	// Rate limit defaults
	viper.SetDefault("ratelimit.enabled", true)
	viper.SetDefault("ratelimit.capacity", 8)
	viper.SetDefault("ratelimit.refill", "2s")

	// Tracing defaults
	viper.SetDefault("tracing.enabled", true)

	// Hub defaults
	viper.SetDefault("hub.max_concurrent_sessions", 15)

	// Store defaults
	viper.SetDefault("store.dsn", internal.DefaultDatabaseDSN)
	viper.SetDefault("store.type", internal.DefaultDatabaseType)

	// Registry override defaults
	viper.SetDefault("registry.path", "")
	viper.SetDefault("registry.watch", false)

	viper.AutomaticEnv()
	// Replace dots with underscores in env var names e.g. provider.api_key becomes PROVIDER_API_KEY
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; defaults will be used.
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	err := viper.Unmarshal(&AppConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	return &AppConfig, nil
}
