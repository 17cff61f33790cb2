// Package config loads Switchboard settings: built-in defaults, then an
// optional YAML file named by SWITCHBOARD_CONFIG, then environment
// variables. Later sources win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/switchboardhq/switchboard/pkg/models"
)

// Config holds all configuration for the Switchboard server.
type Config struct {
	Port      int    `yaml:"port"`
	Version   string `yaml:"-"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Auth          AuthConfig          `yaml:"auth"`
	Tenants       TenantsConfig       `yaml:"tenants"`
	Conversations ConversationsConfig `yaml:"conversations"`
	Breaker       BreakerConfig       `yaml:"breaker"`
	Gate          GateConfig          `yaml:"gate"`
	Turns         TurnsConfig         `yaml:"turns"`
	Model         ModelConfig         `yaml:"model"`
	Knowledge     KnowledgeConfig     `yaml:"knowledge"`
	Tools         ToolsConfig         `yaml:"tools"`
	Notify        NotifyConfig        `yaml:"notify"`
	Retention     RetentionConfig     `yaml:"retention"`
	Routing       RoutingConfig       `yaml:"routing"`
	Redis         RedisConfig         `yaml:"redis"`
}

type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
	// SampleRatio is the fraction of root traces kept.
	SampleRatio float64 `yaml:"sample_ratio"`
	Insecure    bool    `yaml:"insecure"`
}

type AuthConfig struct {
	// AdminAPIKeys guard /admin. Empty disables the admin API.
	AdminAPIKeys []string `yaml:"admin_api_keys"`
	CORSOrigins  []string `yaml:"cors_origins"`
}

type TenantsConfig struct {
	// Source is "file" or "postgres".
	Source      string                `yaml:"source"`
	File        string                `yaml:"file"`
	DatabaseURL string                `yaml:"database_url"`
	Fixtures    []models.TenantConfig `yaml:"fixtures"`
}

type ConversationsConfig struct {
	// Backend is "memory" or "sqlite".
	Backend    string `yaml:"backend"`
	SQLitePath string `yaml:"sqlite_path"`
	// ReplayCache is "memory" or "redis".
	ReplayCache string        `yaml:"replay_cache"`
	ReplayTTL   time.Duration `yaml:"replay_ttl"`
}

type BreakerConfig struct {
	// Store is "memory", "badger" or "redis".
	Store      string        `yaml:"store"`
	BadgerPath string        `yaml:"badger_path"`
	Threshold  int           `yaml:"threshold"`
	Cooldown   time.Duration `yaml:"cooldown"`
	Timeout    time.Duration `yaml:"timeout"`
}

type GateConfig struct {
	ReplayWindow time.Duration `yaml:"replay_window"`
}

type TurnsConfig struct {
	Workers       int           `yaml:"workers"`
	ChatDeadline  time.Duration `yaml:"chat_deadline"`
	VoiceDeadline time.Duration `yaml:"voice_deadline"`
	MaxTransfers  int           `yaml:"max_transfers"`
	MaxIterations int           `yaml:"max_iterations"`
	HistoryLimit  int           `yaml:"history_limit"`
	StrictGuard   bool          `yaml:"strict_guard"`
	SMSSegment    int           `yaml:"sms_segment"`
}

type ModelConfig struct {
	Provider  string `yaml:"provider"`
	Name      string `yaml:"name"`
	APIKey    string `yaml:"api_key"`
	Endpoint  string `yaml:"endpoint"`
	MaxTokens int    `yaml:"max_tokens"`
}

type KnowledgeConfig struct {
	// Store is "embedded" or "pgvector".
	Store             string        `yaml:"store"`
	DatabaseURL       string        `yaml:"database_url"`
	Embedder          string        `yaml:"embedder"`
	EmbedModel        string        `yaml:"embed_model"`
	EmbedAPIKey       string        `yaml:"embed_api_key"`
	EmbedEndpoint     string        `yaml:"embed_endpoint"`
	Dimensions        int           `yaml:"dimensions"`
	EmbedCacheSize    int           `yaml:"embed_cache_size"`
	Threshold         float64       `yaml:"threshold"`
	SeedFile          string        `yaml:"seed_file"`
	EnrichPrompts     bool          `yaml:"enrich_prompts"`
	PromptCacheTTL    time.Duration `yaml:"prompt_cache_ttl"`
	HighlightsPerTurn int           `yaml:"highlights"`
}

type ToolsConfig struct {
	// BackendURL receives every tool call unless Backends names the tool.
	BackendURL    string            `yaml:"backend_url"`
	Backends      map[string]string `yaml:"backends"`
	SigningSecret string            `yaml:"signing_secret"`
	Timeout       time.Duration     `yaml:"timeout"`
}

type NotifyConfig struct {
	ReplyWebhookURL      string `yaml:"reply_webhook_url"`
	ReplyWebhookSecret   string `yaml:"reply_webhook_secret"`
	HandoffWebhookURL    string `yaml:"handoff_webhook_url"`
	HandoffWebhookSecret string `yaml:"handoff_webhook_secret"`
	Retries              int    `yaml:"retries"`
}

type RetentionConfig struct {
	Enabled    bool          `yaml:"enabled"`
	IdleAfter  time.Duration `yaml:"idle_after"`
	Interval   time.Duration `yaml:"interval"`
	ArchiveDir string        `yaml:"archive_dir"`
	Compress   bool          `yaml:"compress"`
}

type RoutingConfig struct {
	RegistryFile    string `yaml:"registry_file"`
	RoutesFile      string `yaml:"routes_file"`
	IntentRulesFile string `yaml:"intent_rules_file"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

// Defaults returns the built-in settings.
func Defaults() *Config {
	return &Config{
		Port:      8080,
		Version:   "0.4.0",
		LogLevel:  "info",
		LogFormat: "console",
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "switchboard",
			SampleRatio:  1,
			Insecure:     true,
		},
		Tenants: TenantsConfig{
			Source: "file",
		},
		Conversations: ConversationsConfig{
			Backend:     "memory",
			SQLitePath:  "~/.switchboard/conversations.db",
			ReplayCache: "memory",
			ReplayTTL:   10 * time.Minute,
		},
		Breaker: BreakerConfig{
			Store:      "memory",
			BadgerPath: "~/.switchboard/breaker",
			Threshold:  5,
			Cooldown:   30 * time.Second,
			Timeout:    8 * time.Second,
		},
		Gate: GateConfig{ReplayWindow: 5 * time.Minute},
		Turns: TurnsConfig{
			Workers:       64,
			ChatDeadline:  8 * time.Second,
			VoiceDeadline: 2500 * time.Millisecond,
			MaxTransfers:  1,
			MaxIterations: 5,
			HistoryLimit:  20,
			SMSSegment:    160,
		},
		Model: ModelConfig{Provider: "echo"},
		Knowledge: KnowledgeConfig{
			Store:             "embedded",
			Embedder:          "hash",
			Dimensions:        256,
			EmbedCacheSize:    1024,
			Threshold:         0.7,
			PromptCacheTTL:    time.Hour,
			HighlightsPerTurn: 5,
		},
		Tools: ToolsConfig{Timeout: 5 * time.Second},
		Notify: NotifyConfig{
			Retries: 3,
		},
		Retention: RetentionConfig{
			IdleAfter: 30 * 24 * time.Hour,
			Interval:  time.Hour,
		},
	}
}

// Load applies the YAML overlay and the environment on top of Defaults.
func Load() (*Config, error) {
	cfg := Defaults()
	if path := os.Getenv("SWITCHBOARD_CONFIG"); path != "" {
		if err := cfg.overlay(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = envInt("SWITCHBOARD_PORT", c.Port)
	c.Version = envStr("SWITCHBOARD_VERSION", c.Version)
	c.LogLevel = envStr("SWITCHBOARD_LOG_LEVEL", c.LogLevel)
	c.LogFormat = envStr("SWITCHBOARD_LOG_FORMAT", c.LogFormat)

	c.Telemetry.Enabled = envBool("OTEL_ENABLED", c.Telemetry.Enabled)
	c.Telemetry.OTLPEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = envStr("OTEL_SERVICE_NAME", c.Telemetry.ServiceName)
	c.Telemetry.SampleRatio = envFloat("OTEL_TRACES_SAMPLER_ARG", c.Telemetry.SampleRatio)
	c.Telemetry.Insecure = envBool("OTEL_EXPORTER_OTLP_INSECURE", c.Telemetry.Insecure)

	c.Auth.AdminAPIKeys = envList("SWITCHBOARD_ADMIN_API_KEYS", c.Auth.AdminAPIKeys)
	c.Auth.CORSOrigins = envList("SWITCHBOARD_CORS_ORIGINS", c.Auth.CORSOrigins)

	c.Tenants.Source = envStr("SWITCHBOARD_TENANTS_SOURCE", c.Tenants.Source)
	c.Tenants.File = envStr("SWITCHBOARD_TENANTS_FILE", c.Tenants.File)
	c.Tenants.DatabaseURL = envStr("DATABASE_URL", c.Tenants.DatabaseURL)

	c.Conversations.Backend = envStr("SWITCHBOARD_CONVERSATIONS", c.Conversations.Backend)
	c.Conversations.SQLitePath = envStr("SWITCHBOARD_SQLITE_PATH", c.Conversations.SQLitePath)
	c.Conversations.ReplayCache = envStr("SWITCHBOARD_REPLAY_CACHE", c.Conversations.ReplayCache)
	c.Conversations.ReplayTTL = envDuration("SWITCHBOARD_REPLAY_TTL", c.Conversations.ReplayTTL)

	c.Breaker.Store = envStr("SWITCHBOARD_BREAKER_STORE", c.Breaker.Store)
	c.Breaker.BadgerPath = envStr("SWITCHBOARD_BREAKER_PATH", c.Breaker.BadgerPath)
	c.Breaker.Threshold = envInt("SWITCHBOARD_BREAKER_THRESHOLD", c.Breaker.Threshold)
	c.Breaker.Cooldown = envDuration("SWITCHBOARD_BREAKER_COOLDOWN", c.Breaker.Cooldown)
	c.Breaker.Timeout = envDuration("SWITCHBOARD_BREAKER_TIMEOUT", c.Breaker.Timeout)

	c.Gate.ReplayWindow = envDuration("SWITCHBOARD_REPLAY_WINDOW", c.Gate.ReplayWindow)

	c.Turns.Workers = envInt("SWITCHBOARD_WORKERS", c.Turns.Workers)
	c.Turns.ChatDeadline = envDuration("SWITCHBOARD_CHAT_DEADLINE", c.Turns.ChatDeadline)
	c.Turns.VoiceDeadline = envDuration("SWITCHBOARD_VOICE_DEADLINE", c.Turns.VoiceDeadline)
	c.Turns.MaxTransfers = envInt("SWITCHBOARD_MAX_TRANSFERS", c.Turns.MaxTransfers)
	c.Turns.MaxIterations = envInt("SWITCHBOARD_MAX_ITERATIONS", c.Turns.MaxIterations)
	c.Turns.HistoryLimit = envInt("SWITCHBOARD_HISTORY_LIMIT", c.Turns.HistoryLimit)
	c.Turns.StrictGuard = envBool("SWITCHBOARD_STRICT_GUARD", c.Turns.StrictGuard)
	c.Turns.SMSSegment = envInt("SWITCHBOARD_SMS_SEGMENT", c.Turns.SMSSegment)

	c.Model.Provider = envStr("SWITCHBOARD_MODEL_PROVIDER", c.Model.Provider)
	c.Model.Name = envStr("SWITCHBOARD_MODEL", c.Model.Name)
	c.Model.APIKey = envStr("SWITCHBOARD_MODEL_API_KEY", c.Model.APIKey)
	c.Model.Endpoint = envStr("SWITCHBOARD_MODEL_ENDPOINT", c.Model.Endpoint)
	c.Model.MaxTokens = envInt("SWITCHBOARD_MODEL_MAX_TOKENS", c.Model.MaxTokens)

	c.Knowledge.Store = envStr("SWITCHBOARD_KNOWLEDGE_STORE", c.Knowledge.Store)
	c.Knowledge.DatabaseURL = envStr("SWITCHBOARD_PGVECTOR_URL", c.Knowledge.DatabaseURL)
	c.Knowledge.Embedder = envStr("SWITCHBOARD_EMBEDDER", c.Knowledge.Embedder)
	c.Knowledge.EmbedModel = envStr("SWITCHBOARD_EMBED_MODEL", c.Knowledge.EmbedModel)
	c.Knowledge.EmbedAPIKey = envStr("SWITCHBOARD_EMBED_API_KEY", c.Knowledge.EmbedAPIKey)
	c.Knowledge.EmbedEndpoint = envStr("SWITCHBOARD_EMBED_ENDPOINT", c.Knowledge.EmbedEndpoint)
	c.Knowledge.Dimensions = envInt("SWITCHBOARD_EMBED_DIMENSIONS", c.Knowledge.Dimensions)
	c.Knowledge.Threshold = envFloat("SWITCHBOARD_RETRIEVAL_THRESHOLD", c.Knowledge.Threshold)
	c.Knowledge.SeedFile = envStr("SWITCHBOARD_KNOWLEDGE_SEED", c.Knowledge.SeedFile)
	c.Knowledge.EnrichPrompts = envBool("SWITCHBOARD_ENRICH_PROMPTS", c.Knowledge.EnrichPrompts)
	c.Knowledge.PromptCacheTTL = envDuration("SWITCHBOARD_PROMPT_CACHE_TTL", c.Knowledge.PromptCacheTTL)

	c.Tools.BackendURL = envStr("SWITCHBOARD_TOOLS_URL", c.Tools.BackendURL)
	c.Tools.SigningSecret = envStr("SWITCHBOARD_TOOLS_SECRET", c.Tools.SigningSecret)
	c.Tools.Timeout = envDuration("SWITCHBOARD_TOOLS_TIMEOUT", c.Tools.Timeout)

	c.Notify.ReplyWebhookURL = envStr("SWITCHBOARD_REPLY_WEBHOOK", c.Notify.ReplyWebhookURL)
	c.Notify.ReplyWebhookSecret = envStr("SWITCHBOARD_REPLY_WEBHOOK_SECRET", c.Notify.ReplyWebhookSecret)
	c.Notify.HandoffWebhookURL = envStr("SWITCHBOARD_HANDOFF_WEBHOOK", c.Notify.HandoffWebhookURL)
	c.Notify.HandoffWebhookSecret = envStr("SWITCHBOARD_HANDOFF_WEBHOOK_SECRET", c.Notify.HandoffWebhookSecret)

	c.Retention.Enabled = envBool("SWITCHBOARD_RETENTION", c.Retention.Enabled)
	c.Retention.IdleAfter = envDuration("SWITCHBOARD_RETENTION_IDLE", c.Retention.IdleAfter)
	c.Retention.ArchiveDir = envStr("SWITCHBOARD_ARCHIVE_DIR", c.Retention.ArchiveDir)

	c.Routing.RegistryFile = envStr("SWITCHBOARD_REGISTRY_FILE", c.Routing.RegistryFile)
	c.Routing.RoutesFile = envStr("SWITCHBOARD_ROUTES_FILE", c.Routing.RoutesFile)
	c.Routing.IntentRulesFile = envStr("SWITCHBOARD_INTENT_RULES_FILE", c.Routing.IntentRulesFile)

	c.Redis.URL = envStr("REDIS_URL", c.Redis.URL)
}

// Validate rejects combinations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Tenants.Source {
	case "file":
	case "postgres":
		if c.Tenants.DatabaseURL == "" {
			return fmt.Errorf("config: tenants source postgres needs DATABASE_URL")
		}
	default:
		return fmt.Errorf("config: unknown tenants source %q", c.Tenants.Source)
	}
	if !oneOf(c.Conversations.Backend, "memory", "sqlite") {
		return fmt.Errorf("config: unknown conversations backend %q", c.Conversations.Backend)
	}
	if !oneOf(c.Conversations.ReplayCache, "memory", "redis") {
		return fmt.Errorf("config: unknown replay cache %q", c.Conversations.ReplayCache)
	}
	if !oneOf(c.Breaker.Store, "memory", "badger", "redis") {
		return fmt.Errorf("config: unknown breaker store %q", c.Breaker.Store)
	}
	if !oneOf(c.Knowledge.Store, "embedded", "pgvector") {
		return fmt.Errorf("config: unknown knowledge store %q", c.Knowledge.Store)
	}
	if c.Knowledge.Store == "pgvector" && c.Knowledge.DatabaseURL == "" {
		return fmt.Errorf("config: pgvector needs SWITCHBOARD_PGVECTOR_URL")
	}
	if c.NeedsRedis() && c.Redis.URL == "" {
		return fmt.Errorf("config: redis backends need REDIS_URL")
	}
	return nil
}

// NeedsRedis reports whether any backend is configured for Redis.
func (c *Config) NeedsRedis() bool {
	return c.Conversations.ReplayCache == "redis" || c.Breaker.Store == "redis"
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// envList splits a comma-separated value.
func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
