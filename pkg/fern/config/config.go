// Package config defines the runtime configuration for Fern: an optional
// YAML file with FERN_* environment overrides layered on top. Secrets are
// resolved separately through the vault/keyring chain (see secrets.go).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration.
type Config struct {
	// Port is the localhost port for the internal HTTP API.
	Port int `yaml:"port"`

	// Model configures the LLM provider used by the backend.
	Model ModelConfig `yaml:"model"`

	// Storage configures data directories and the database path.
	Storage StorageConfig `yaml:"storage"`

	// Agent configures turn-level limits.
	Agent AgentConfig `yaml:"agent"`

	// Subagents configures the background task manager.
	Subagents SubagentConfig `yaml:"subagents"`

	// Scheduler configures the job dispatcher.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Memory configures archival and retrieval.
	Memory MemoryConfig `yaml:"memory"`

	// API configures the shared-secret guard for /internal routes.
	API APIConfig `yaml:"api"`

	// Webhook configures inbound transport webhooks.
	Webhook WebhookConfig `yaml:"webhook"`

	// Channels configures outbound channel adapters.
	Channels ChannelsConfig `yaml:"channels"`

	// Backend configures the LLM backend subprocess.
	Backend BackendConfig `yaml:"backend"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`

	// sourcePath is the config file the values came from, "" when running
	// on pure defaults/env.
	sourcePath string
}

// SourcePath returns the config file path used by Load, if any.
func (c *Config) SourcePath() string { return c.sourcePath }

// ModelConfig selects the LLM provider and model.
type ModelConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
}

// StorageConfig holds filesystem locations. DataDir is the root
// (~/.fern); SessionsPath is backend session storage; DatabasePath is
// the single SQLite file shared by every subsystem.
type StorageConfig struct {
	DataDir      string `yaml:"data_dir"`
	SessionsPath string `yaml:"sessions_path"`
	DatabasePath string `yaml:"database_path"`
}

// AgentConfig bounds a single turn.
type AgentConfig struct {
	// MaxTurnDurationMS is the hard deadline for one turn, prompt to idle.
	MaxTurnDurationMS int `yaml:"max_turn_duration_ms"`
}

// MaxTurnDuration returns the turn deadline as a duration.
func (c AgentConfig) MaxTurnDuration() time.Duration {
	return time.Duration(c.MaxTurnDurationMS) * time.Millisecond
}

// SubagentConfig bounds the subagent worker pool.
type SubagentConfig struct {
	Enabled       bool `yaml:"enabled"`
	MaxConcurrent int  `yaml:"max_concurrent"`
	TimeoutMS     int  `yaml:"timeout_ms"`
}

// Timeout returns the per-task deadline as a duration.
func (c SubagentConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// SchedulerConfig bounds the scheduler dispatcher.
type SchedulerConfig struct {
	Enabled        bool `yaml:"enabled"`
	MaxConcurrent  int  `yaml:"max_concurrent"`
	TickIntervalMS int  `yaml:"tick_interval_ms"`
}

// TickInterval returns the dispatcher poll interval as a duration.
func (c SchedulerConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMS) * time.Millisecond
}

// MemoryConfig configures archival and hybrid retrieval.
type MemoryConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Embedding EmbeddingConfig `yaml:"embedding"`
}

// EmbeddingConfig selects the embedding provider.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	// APIKeyEnv names the environment variable consulted when APIKey is
	// empty (default OPENAI_API_KEY).
	APIKeyEnv string `yaml:"api_key_env"`
}

// APIConfig guards the internal HTTP API.
type APIConfig struct {
	// Secret is compared against the X-Fern-Secret header. When empty,
	// auth is disabled for local development.
	Secret string `yaml:"secret"`
}

// WebhookConfig configures inbound webhooks.
type WebhookConfig struct {
	// PublicURL is the externally visible base URL. When set, transport
	// signatures are verified against it.
	PublicURL string `yaml:"public_url"`
}

// ChannelsConfig holds per-adapter settings.
type ChannelsConfig struct {
	Discord DiscordConfig `yaml:"discord"`
	Twilio  TwilioConfig  `yaml:"twilio"`
}

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

// TwilioConfig configures the Twilio SMS/WhatsApp adapter.
type TwilioConfig struct {
	Enabled    bool   `yaml:"enabled"`
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	// From is the sending number, e.g. "+15550006789" or
	// "whatsapp:+15550006789".
	From string `yaml:"from"`
}

// BackendConfig configures the LLM backend subprocess.
type BackendConfig struct {
	// Command is the backend binary (default "opencode").
	Command string `yaml:"command"`
	// PortMin/PortMax bound the local port scan.
	PortMin int `yaml:"port_min"`
	PortMax int `yaml:"port_max"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dataDir := filepath.Join(home, ".fern")

	return &Config{
		Port: 4000,
		Model: ModelConfig{
			Provider: "openai",
			Model:    "gpt-4o-mini",
		},
		Storage: StorageConfig{
			DataDir:      dataDir,
			SessionsPath: filepath.Join(dataDir, "sessions"),
			DatabasePath: filepath.Join(dataDir, "fern.db"),
		},
		Agent: AgentConfig{
			MaxTurnDurationMS: 600_000,
		},
		Subagents: SubagentConfig{
			Enabled:       true,
			MaxConcurrent: 3,
			TimeoutMS:     480_000,
		},
		Scheduler: SchedulerConfig{
			Enabled:        true,
			MaxConcurrent:  2,
			TickIntervalMS: 30_000,
		},
		Memory: MemoryConfig{
			Enabled: true,
			Embedding: EmbeddingConfig{
				Provider:   "openai",
				Model:      "text-embedding-3-small",
				Dimensions: 1536,
				APIKeyEnv:  "OPENAI_API_KEY",
			},
		},
		Backend: BackendConfig{
			Command: "opencode",
			PortMin: 4096,
			PortMax: 4300,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file
// (explicit path, ./fern.yaml, or ~/.fern/fern.yaml, first hit wins),
// then FERN_* environment overrides. A missing file is not an error; a
// malformed one is.
func Load(path string) (*Config, error) {
	// .env is optional and never fatal.
	_ = godotenv.Load()

	cfg := Default()

	if path == "" {
		path = findConfigFile(cfg.Storage.DataDir)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %q: %w", path, err)
		}
		expanded := os.Expand(string(raw), func(key string) string {
			return os.Getenv(key)
		})
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config %q: %w", path, err)
		}
		cfg.sourcePath = path
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// findConfigFile returns the first existing candidate config path.
func findConfigFile(dataDir string) string {
	candidates := []string{
		"fern.yaml",
		"fern.yml",
		filepath.Join(dataDir, "fern.yaml"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// applyEnv layers FERN_* variables over the current values.
func (c *Config) applyEnv() {
	setInt(&c.Port, "FERN_PORT")
	setString(&c.Model.Provider, "FERN_MODEL_PROVIDER")
	setString(&c.Model.Model, "FERN_MODEL")
	setString(&c.Model.BaseURL, "FERN_MODEL_BASE_URL")
	setString(&c.Storage.SessionsPath, "FERN_STORAGE_PATH")
	setString(&c.Storage.DatabasePath, "FERN_MEMORY_PATH")

	setBool(&c.Subagents.Enabled, "FERN_SUBAGENT_ENABLED")
	setInt(&c.Subagents.MaxConcurrent, "FERN_SUBAGENT_MAX_CONCURRENT")
	setInt(&c.Subagents.TimeoutMS, "FERN_SUBAGENT_TIMEOUT_MS")

	setBool(&c.Scheduler.Enabled, "FERN_SCHEDULER_ENABLED")
	setInt(&c.Scheduler.MaxConcurrent, "FERN_SCHEDULER_MAX_CONCURRENT")
	setInt(&c.Scheduler.TickIntervalMS, "FERN_SCHEDULER_TICK_INTERVAL_MS")

	setBool(&c.Memory.Enabled, "FERN_MEMORY_ENABLED")

	setString(&c.API.Secret, "FERN_API_SECRET")
	setString(&c.Webhook.PublicURL, "FERN_WEBHOOK_URL")

	setString(&c.Channels.Twilio.AccountSID, "FERN_TWILIO_ACCOUNT_SID")
	setString(&c.Channels.Twilio.AuthToken, "FERN_TWILIO_AUTH_TOKEN")
	setString(&c.Channels.Twilio.From, "FERN_TWILIO_FROM")
	if c.Channels.Twilio.AccountSID != "" && c.Channels.Twilio.AuthToken != "" {
		c.Channels.Twilio.Enabled = true
	}
	setString(&c.Channels.Discord.Token, "FERN_DISCORD_TOKEN")
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}

	setString(&c.Backend.Command, "FERN_BACKEND_COMMAND")
}

// Validate rejects configurations the runtime cannot start with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Backend.PortMin <= 0 || c.Backend.PortMax < c.Backend.PortMin {
		return fmt.Errorf("backend port range %d-%d invalid", c.Backend.PortMin, c.Backend.PortMax)
	}
	if c.Subagents.MaxConcurrent < 1 {
		return fmt.Errorf("subagents.max_concurrent must be >= 1, got %d", c.Subagents.MaxConcurrent)
	}
	if c.Scheduler.MaxConcurrent < 1 {
		return fmt.Errorf("scheduler.max_concurrent must be >= 1, got %d", c.Scheduler.MaxConcurrent)
	}
	if c.Scheduler.TickIntervalMS < 1000 {
		return fmt.Errorf("scheduler.tick_interval_ms must be >= 1000, got %d", c.Scheduler.TickIntervalMS)
	}
	if c.Memory.Embedding.Dimensions < 1 {
		return fmt.Errorf("memory.embedding.dimensions must be >= 1, got %d", c.Memory.Embedding.Dimensions)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q not supported (text, json)", c.Logging.Format)
	}
	return nil
}

// VaultPath returns the location of the encrypted secrets vault.
func (c *Config) VaultPath() string {
	return filepath.Join(c.Storage.DataDir, "fern.vault")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func setBool(dst *bool, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if b, err := strconv.ParseBool(v); err == nil {
		*dst = b
	}
}
