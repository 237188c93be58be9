package common

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"

	"github.com/ternarybob/kbchat/internal/interfaces"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment" validate:"oneof=development production test"`
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Logging     LoggingConfig   `toml:"logging"`
	Catalog     CatalogConfig   `toml:"catalog"`
	Chunking    ChunkingConfig  `toml:"chunking"`
	Embedding   EmbeddingConfig `toml:"embedding"`
	Retrieval   RetrievalConfig `toml:"retrieval"`
	Quota       QuotaConfig     `toml:"quota"`
	Chat        ChatConfig      `toml:"chat"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Gemini      GeminiConfig    `toml:"gemini"`
	Claude      ClaudeConfig    `toml:"claude"`
	OpenAI      OpenAIConfig    `toml:"openai"`
	LLM         LLMConfig       `toml:"llm"`
}

type ServerConfig struct {
	Port            int    `toml:"port" validate:"min=1,max=65535"`
	Host            string `toml:"host"`
	ShutdownTimeout string `toml:"shutdown_timeout"` // e.g. "30s"
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
	// ChunkBackend selects where chunk and embedding pairs live: "badger" or "pgvector"
	ChunkBackend string         `toml:"chunk_backend" validate:"oneof=badger pgvector"`
	Postgres     PostgresConfig `toml:"postgres"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
	InMemory       bool   `toml:"in_memory"`        // Run without touching disk (tests, demos)
}

// PostgresConfig configures the pgvector chunk store
type PostgresConfig struct {
	DSN       string `toml:"dsn"`
	Dimension int    `toml:"dimension" validate:"gte=0"` // vector column size, 0 uses embedding.dimension
}

type LoggingConfig struct {
	Level      string   `toml:"level" validate:"oneof=trace debug info warn error"`
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // default "15:04:05.000"
	Dir        string   `toml:"dir"`         // log directory, default next to the executable
}

// CatalogConfig points at the YAML file defining tenants and bots
type CatalogConfig struct {
	Path string `toml:"path"`
}

// ChunkingConfig holds knowledge base defaults
type ChunkingConfig struct {
	ChunkSize int `toml:"chunk_size" validate:"gt=0"`
	Overlap   int `toml:"overlap" validate:"gte=0,ltfield=ChunkSize"`
}

// EmbeddingConfig configures the embedding provider and indexer
type EmbeddingConfig struct {
	Provider       string `toml:"provider" validate:"oneof=gemini openai mock"`
	Model          string `toml:"model"`
	Dimension      int    `toml:"dimension" validate:"gt=0"`
	BatchSize      int    `toml:"batch_size" validate:"gt=0"`
	MaxRetries     int    `toml:"max_retries" validate:"gte=0,lte=10"`
	InitialBackoff string `toml:"initial_backoff"`
	MaxBackoff     string `toml:"max_backoff"`
	Timeout        string `toml:"timeout"`
	RequestsPerSec int    `toml:"requests_per_sec" validate:"gte=0"` // 0 disables pacing
}

// RetrievalConfig configures context retrieval for chat turns
type RetrievalConfig struct {
	TopK         int `toml:"top_k" validate:"gt=0,lte=50"`
	SnippetChars int `toml:"snippet_chars" validate:"gt=0"` // per-chunk truncation in the prompt
}

// QuotaConfig configures the per-tenant usage gate
type QuotaConfig struct {
	DefaultLimit      int    `toml:"default_limit" validate:"gte=-1"`
	Period            string `toml:"period"` // window length, default "720h"
	ThresholdPercents []int  `toml:"threshold_percents" validate:"dive,gt=0,lte=100"`
	MaxCASRetries     int    `toml:"max_cas_retries" validate:"gt=0"`
}

// ChatConfig configures the orchestrator
type ChatConfig struct {
	HistoryBudget   int    `toml:"history_budget" validate:"gt=0"`
	BudgetUnit      string `toml:"budget_unit" validate:"oneof=chars tokens"`
	MaxRetries      int    `toml:"max_retries" validate:"gte=0,lte=5"`
	InitialBackoff  string `toml:"initial_backoff"`
	MaxBackoff      string `toml:"max_backoff"`
	ProviderTimeout string `toml:"provider_timeout"`
	SystemPrompt    string `toml:"system_prompt"` // used when a bot has no persona
}

// SchedulerConfig configures background maintenance jobs (cron format with seconds)
type SchedulerConfig struct {
	Enabled          bool   `toml:"enabled"`
	ReclaimSchedule  string `toml:"reclaim_schedule"`
	ReclaimBatch     int    `toml:"reclaim_batch" validate:"gt=0"`
	ArchiveSchedule  string `toml:"archive_schedule"`
	ArchiveAfter     string `toml:"archive_after"`
	ArchiveBatchSize int    `toml:"archive_batch_size" validate:"gt=0"`
}

// GeminiConfig contains Google Gemini API configuration
type GeminiConfig struct {
	APIKey         string `toml:"api_key"`
	Model          string `toml:"model"`           // generation model
	EmbeddingModel string `toml:"embedding_model"` // default "gemini-embedding-001"
}

// ClaudeConfig contains Anthropic Claude API configuration
type ClaudeConfig struct {
	APIKey    string `toml:"api_key"`
	Model     string `toml:"model"`
	MaxTokens int    `toml:"max_tokens" validate:"gte=0"`
}

// OpenAIConfig contains OpenAI (or any compatible endpoint) configuration
type OpenAIConfig struct {
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"` // empty uses api.openai.com
	Model          string `toml:"model"`
	EmbeddingModel string `toml:"embedding_model"`
}

// LLMProvider represents the generation provider type
type LLMProvider string

const (
	LLMProviderGemini LLMProvider = "gemini"
	LLMProviderClaude LLMProvider = "claude"
	LLMProviderOpenAI LLMProvider = "openai"
)

// LLMConfig selects the generation provider
type LLMConfig struct {
	DefaultProvider LLMProvider `toml:"default_provider" validate:"oneof=gemini claude openai"`
	Temperature     float32     `toml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens       int         `toml:"max_tokens" validate:"gt=0"`

	// Mode is derived at load time from credential presence, never read from a file
	Mode interfaces.LLMMode `toml:"-"`
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port:            8080,
			Host:            "localhost",
			ShutdownTimeout: "30s",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
			ChunkBackend: "badger",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05.000",
		},
		Catalog: CatalogConfig{
			Path: "./catalog.yaml",
		},
		Chunking: ChunkingConfig{
			ChunkSize: 500,
			Overlap:   100,
		},
		Embedding: EmbeddingConfig{
			Provider:       "gemini",
			Dimension:      768,
			BatchSize:      32,
			MaxRetries:     3,
			InitialBackoff: "500ms",
			MaxBackoff:     "10s",
			Timeout:        "30s",
			RequestsPerSec: 10,
		},
		Retrieval: RetrievalConfig{
			TopK:         5,
			SnippetChars: 500,
		},
		Quota: QuotaConfig{
			DefaultLimit:      1000,
			Period:            "720h",
			ThresholdPercents: []int{80, 100},
			MaxCASRetries:     5,
		},
		Chat: ChatConfig{
			HistoryBudget:   4000,
			BudgetUnit:      "chars",
			MaxRetries:      2,
			InitialBackoff:  "500ms",
			MaxBackoff:      "5s",
			ProviderTimeout: "60s",
		},
		Scheduler: SchedulerConfig{
			Enabled:          true,
			ReclaimSchedule:  "0 */15 * * * *", // every 15 minutes
			ReclaimBatch:     100,
			ArchiveSchedule:  "0 0 3 * * *", // daily at 03:00
			ArchiveAfter:     "720h",
			ArchiveBatchSize: 500,
		},
		Gemini: GeminiConfig{
			Model:          "gemini-2.5-flash",
			EmbeddingModel: "gemini-embedding-001",
		},
		Claude: ClaudeConfig{
			Model:     "claude-haiku-4-5",
			MaxTokens: 1024,
		},
		OpenAI: OpenAIConfig{
			Model:          "gpt-4o-mini",
			EmbeddingModel: "text-embedding-3-small",
		},
		LLM: LLMConfig{
			DefaultProvider: LLMProviderGemini,
			Temperature:     0.7,
			MaxTokens:       1024,
		},
	}
}

// LoadFromFile loads configuration from a single file
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files with merging.
// Priority: defaults -> files (later override earlier) -> environment.
// Unknown keys are rejected.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := decodeStrict(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

func decodeStrict(data []byte, config *Config) error {
	decoder := toml.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(config); err != nil {
		var strictErr *toml.StrictMissingError
		if errors.As(err, &strictErr) {
			keys := make([]string, 0, len(strictErr.Errors))
			for i := range strictErr.Errors {
				keys = append(keys, strings.Join(strictErr.Errors[i].Key(), "."))
			}
			return fmt.Errorf("unknown configuration keys: %s", strings.Join(keys, ", "))
		}
		return err
	}
	return nil
}

// applyEnvOverrides applies KBCHAT_* environment variables on top of file config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("KBCHAT_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("KBCHAT_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("KBCHAT_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Storage configuration
	if badgerPath := os.Getenv("KBCHAT_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if backend := os.Getenv("KBCHAT_CHUNK_BACKEND"); backend != "" {
		config.Storage.ChunkBackend = backend
	}
	if dsn := os.Getenv("KBCHAT_POSTGRES_DSN"); dsn != "" {
		config.Storage.Postgres.DSN = dsn
	}

	// Logging configuration
	if level := os.Getenv("KBCHAT_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("KBCHAT_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	if catalog := os.Getenv("KBCHAT_CATALOG_PATH"); catalog != "" {
		config.Catalog.Path = catalog
	}

	// Provider configuration
	if provider := os.Getenv("KBCHAT_LLM_PROVIDER"); provider != "" {
		config.LLM.DefaultProvider = LLMProvider(provider)
	}
	if provider := os.Getenv("KBCHAT_EMBEDDING_PROVIDER"); provider != "" {
		config.Embedding.Provider = provider
	}
	if limit := os.Getenv("KBCHAT_QUOTA_DEFAULT_LIMIT"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			config.Quota.DefaultLimit = l
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Finalize resolves API keys from the environment, decides the generation
// mode and validates the result. Call once after all overrides are applied.
func (c *Config) Finalize() error {
	c.Gemini.APIKey = ResolveAPIKey("gemini_api_key", c.Gemini.APIKey)
	c.Claude.APIKey = ResolveAPIKey("claude_api_key", c.Claude.APIKey)
	c.OpenAI.APIKey = ResolveAPIKey("openai_api_key", c.OpenAI.APIKey)

	if c.GenerationAPIKey() != "" {
		c.LLM.Mode = interfaces.LLMModeLive
	} else {
		c.LLM.Mode = interfaces.LLMModeMock
	}

	return c.Validate()
}

// GenerationAPIKey returns the credential of the configured generation provider
func (c *Config) GenerationAPIKey() string {
	switch c.LLM.DefaultProvider {
	case LLMProviderClaude:
		return c.Claude.APIKey
	case LLMProviderOpenAI:
		return c.OpenAI.APIKey
	default:
		return c.Gemini.APIKey
	}
}

// EmbeddingAPIKey returns the credential of the configured embedding provider
func (c *Config) EmbeddingAPIKey() string {
	switch c.Embedding.Provider {
	case "openai":
		return c.OpenAI.APIKey
	case "gemini":
		return c.Gemini.APIKey
	default:
		return ""
	}
}

var validate = validator.New()

// Validate checks field constraints, duration strings and cron schedules
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	durations := map[string]string{
		"server.shutdown_timeout":   c.Server.ShutdownTimeout,
		"embedding.initial_backoff": c.Embedding.InitialBackoff,
		"embedding.max_backoff":     c.Embedding.MaxBackoff,
		"embedding.timeout":         c.Embedding.Timeout,
		"quota.period":              c.Quota.Period,
		"chat.initial_backoff":      c.Chat.InitialBackoff,
		"chat.max_backoff":          c.Chat.MaxBackoff,
		"chat.provider_timeout":     c.Chat.ProviderTimeout,
		"scheduler.archive_after":   c.Scheduler.ArchiveAfter,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		if d, err := time.ParseDuration(value); err != nil || d <= 0 {
			return fmt.Errorf("invalid configuration: %s must be a positive duration, got %q", key, value)
		}
	}

	if c.Scheduler.Enabled {
		for key, schedule := range map[string]string{
			"scheduler.reclaim_schedule": c.Scheduler.ReclaimSchedule,
			"scheduler.archive_schedule": c.Scheduler.ArchiveSchedule,
		} {
			if err := ValidateSchedule(schedule); err != nil {
				return fmt.Errorf("invalid configuration: %s: %w", key, err)
			}
		}
	}

	if c.Storage.ChunkBackend == "pgvector" && c.Storage.Postgres.DSN == "" {
		return fmt.Errorf("invalid configuration: storage.postgres.dsn is required for the pgvector chunk backend")
	}

	return nil
}

// ResolveAPIKey resolves an API key with environment variables taking
// priority over the config value. Returns "" when no credential exists,
// which is a valid state (mock mode), not an error.
func ResolveAPIKey(name string, configFallback string) string {
	keyToEnvMapping := map[string][]string{
		"gemini_api_key": {"KBCHAT_GEMINI_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY"},
		"claude_api_key": {"KBCHAT_CLAUDE_API_KEY", "ANTHROPIC_API_KEY"},
		"openai_api_key": {"KBCHAT_OPENAI_API_KEY", "OPENAI_API_KEY"},
	}

	for _, envVarName := range keyToEnvMapping[name] {
		if envValue := os.Getenv(envVarName); envValue != "" {
			return envValue
		}
	}

	return configFallback
}

// ValidateSchedule validates a cron expression with a seconds field
func ValidateSchedule(schedule string) error {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	return nil
}

// ParseDuration parses value, returning fallback when it is empty or invalid
func ParseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}
