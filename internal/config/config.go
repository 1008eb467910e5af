// Package config loads the assistant configuration from a YAML file with
// environment variable overrides. Environment always wins, so deployments
// can run from env alone.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the assistant.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	ToolService ToolServiceConfig `yaml:"tool_service"`
	LLM         LLMConfig         `yaml:"llm"`
	Embeddings  EmbeddingsConfig  `yaml:"embeddings"`
	Prompts     PromptsConfig     `yaml:"prompts"`
	Engine      EngineConfig      `yaml:"engine"`
	Family      FamilyConfig      `yaml:"family"`
	Media       MediaConfig       `yaml:"media"`
	Reminders   RemindersConfig   `yaml:"reminders"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig configures the ingress HTTP server.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig configures the Postgres connection.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ToolServiceConfig configures the tool service endpoint and mode.
type ToolServiceConfig struct {
	// URL is the base URL of the tool service (empty = in-process).
	URL string `yaml:"url"`

	// Port is the listen port when running the standalone tool service.
	Port int `yaml:"port"`

	// StrictMode disables simulated successes: every tool failure
	// surfaces as an MCPToolError.
	StrictMode bool `yaml:"strict_mode"`
}

// LLMConfig configures the LLM provider client.
type LLMConfig struct {
	// Provider selects the chat provider: "openai" (and compatibles)
	// or "anthropic".
	Provider string `yaml:"provider"`

	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	AnthropicModel  string `yaml:"anthropic_model"`

	// RPMLimit caps requests per minute (0 = provider default 60).
	RPMLimit int `yaml:"rpm_limit"`

	// Concurrency caps in-flight requests (0 = default 4).
	Concurrency int `yaml:"concurrency"`

	MaxRetries    int           `yaml:"max_retries"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	CacheMaxItems int           `yaml:"cache_max_items"`
}

// EmbeddingsConfig configures the embedding provider and cache.
type EmbeddingsConfig struct {
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`

	// Dimension is the vector width stored in Postgres.
	Dimension int `yaml:"dimension"`

	CacheMaxItems int           `yaml:"cache_max_items"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
}

// PromptsConfig points at the prompt catalog.
type PromptsConfig struct {
	CatalogPath string `yaml:"catalog_path"`

	// Watch enables hot reload of the catalog on file change.
	Watch bool `yaml:"watch"`

	ExperimentsPath string `yaml:"experiments_path"`
}

// EngineConfig holds the orchestration knobs.
type EngineConfig struct {
	// MessageDeadline bounds end-to-end processing of one message.
	MessageDeadline time.Duration `yaml:"message_deadline"`

	// MaxThinkingRounds bounds the analysis loop.
	MaxThinkingRounds int `yaml:"max_thinking_rounds"`

	// MaxPlanSteps bounds tool_plan length.
	MaxPlanSteps int `yaml:"max_plan_steps"`

	// VerifyMaxRounds bounds extra refinement calls after an
	// empty retrieval.
	VerifyMaxRounds int `yaml:"verify_max_rounds"`

	// LightContextSize is the number of recent memories fetched
	// as basic context.
	LightContextSize int `yaml:"light_context_size"`

	// SummaryEveryTurns triggers a thread summary after this many
	// turns since the last one.
	SummaryEveryTurns int `yaml:"summary_every_turns"`

	// MaxContentBytes rejects over-long inbound content at ingress.
	MaxContentBytes int `yaml:"max_content_bytes"`

	// Timezone is the household-local timezone for date resolution.
	Timezone string `yaml:"timezone"`
}

// FamilyConfig identifies the shared-family principals.
type FamilyConfig struct {
	// SharedUserIDs are the principals whose records every household
	// member can see (includes family_default).
	SharedUserIDs []string `yaml:"shared_user_ids"`

	// HouseholdCacheTTL bounds staleness of the household view.
	HouseholdCacheTTL time.Duration `yaml:"household_cache_ttl"`
}

// MediaConfig configures chart output and signed URLs.
type MediaConfig struct {
	Root          string        `yaml:"root"`
	SigningSecret string        `yaml:"signing_secret"`
	URLTTL        time.Duration `yaml:"url_ttl"`

	// BaseURL prefixes signed media URLs handed to messengers.
	BaseURL string `yaml:"base_url"`
}

// RemindersConfig configures the dispatcher.
type RemindersConfig struct {
	// PollSchedule is a cron expression for the dispatch poll.
	PollSchedule string `yaml:"poll_schedule"`
	// DefaultChannel delivers reminders whose row carries no channel.
	DefaultChannel string `yaml:"default_channel"`
}

// ChannelsConfig configures ingress/egress channel adapters.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Threema  ThreemaConfig  `yaml:"threema"`
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

// ThreemaConfig configures the Threema webhook adapter. Payload
// decryption happens upstream; the adapter consumes plaintext.
type ThreemaConfig struct {
	Enabled       bool   `yaml:"enabled"`
	GatewayID     string `yaml:"gateway_id"`
	APISecret     string `yaml:"api_secret"`
	WebhookSecret string `yaml:"webhook_secret"`

	// SendURL overrides the gateway send endpoint.
	SendURL string `yaml:"send_url"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a config with all defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8000},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		ToolService: ToolServiceConfig{Port: 8100, StrictMode: true},
		LLM: LLMConfig{
			Provider:      "openai",
			Model:         "gpt-4o-mini",
			RPMLimit:      60,
			Concurrency:   4,
			MaxRetries:    1,
			CacheTTL:      30 * time.Second,
			CacheMaxItems: 512,
		},
		Embeddings: EmbeddingsConfig{
			Provider:      "openai",
			Model:         "text-embedding-3-small",
			Dimension:     1536,
			CacheMaxItems: 1000,
			CacheTTL:      time.Hour,
		},
		Prompts: PromptsConfig{CatalogPath: "prompts/assistant_prompts.yaml"},
		Engine: EngineConfig{
			MessageDeadline:   20 * time.Second,
			MaxThinkingRounds: 3,
			MaxPlanSteps:      10,
			VerifyMaxRounds:   2,
			LightContextSize:  4,
			SummaryEveryTurns: 12,
			MaxContentBytes:   1 << 20,
			Timezone:          "Asia/Shanghai",
		},
		Family: FamilyConfig{
			SharedUserIDs:     []string{"family_default"},
			HouseholdCacheTTL: 60 * time.Second,
		},
		Media: MediaConfig{
			Root:    "media",
			URLTTL:  15 * time.Minute,
			BaseURL: "http://localhost:8000",
		},
		Reminders: RemindersConfig{
			PollSchedule:   "@every 30s",
			DefaultChannel: "threema",
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads an optional YAML file, applies environment overrides, and
// validates the result. A missing path is not an error; env-only setups
// are supported.
func Load(path string) (*Config, error) {
	// .env is a development convenience; absence is fine.
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.ToolService.URL, "TOOL_SERVICE_URL")
	setBool(&c.ToolService.StrictMode, "MCP_STRICT_MODE")

	setString(&c.LLM.Provider, "LLM_PROVIDER_NAME")
	setString(&c.LLM.APIKey, "OPENAI_API_KEY")
	setString(&c.LLM.BaseURL, "OPENAI_BASE_URL")
	setString(&c.LLM.Model, "OPENAI_MODEL")
	setString(&c.LLM.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	setString(&c.LLM.AnthropicModel, "ANTHROPIC_MODEL")
	setInt(&c.LLM.RPMLimit, "LLM_RPM_LIMIT")
	setInt(&c.LLM.Concurrency, "LLM_CONCURRENCY")

	setString(&c.Embeddings.Provider, "EMBED_PROVIDER")
	setString(&c.Embeddings.Model, "OPENAI_EMBEDDING_MODEL")
	setInt(&c.Embeddings.CacheMaxItems, "EMB_CACHE_MAX_ITEMS")
	setSeconds(&c.Embeddings.CacheTTL, "EMB_CACHE_TTL_SECONDS")

	setString(&c.Media.Root, "MEDIA_ROOT")
	setString(&c.Media.SigningSecret, "SIGNING_SECRET")
	setString(&c.Media.BaseURL, "MEDIA_BASE_URL")

	setString(&c.Channels.Telegram.Token, "TELEGRAM_BOT_TOKEN")
	setString(&c.Channels.Threema.GatewayID, "THREEMA_GATEWAY_ID")
	setString(&c.Channels.Threema.APISecret, "THREEMA_API_SECRET")
	setString(&c.Channels.Threema.WebhookSecret, "THREEMA_SECRET")

	if raw := os.Getenv("FAMILY_SHARED_USER_IDS"); raw != "" {
		var ids []string
		if err := json.Unmarshal([]byte(raw), &ids); err == nil && len(ids) > 0 {
			c.Family.SharedUserIDs = ids
		}
	}

	setString(&c.Logging.Level, "LOG_LEVEL")
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database url is required (DATABASE_URL)")
	}
	if c.Engine.MaxThinkingRounds < 1 || c.Engine.MaxThinkingRounds > 10 {
		return fmt.Errorf("engine.max_thinking_rounds must be in [1,10], got %d", c.Engine.MaxThinkingRounds)
	}
	if c.Engine.MaxPlanSteps < 1 {
		return fmt.Errorf("engine.max_plan_steps must be positive")
	}
	if len(c.Family.SharedUserIDs) == 0 {
		return fmt.Errorf("family.shared_user_ids must not be empty")
	}
	if _, err := time.LoadLocation(c.Engine.Timezone); err != nil {
		return fmt.Errorf("engine.timezone: %w", err)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}
