package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Port != 4000 {
		t.Errorf("Port = %d, want 4000", cfg.Port)
	}
	if cfg.Model.Provider != "openai" || cfg.Model.Model != "gpt-4o-mini" {
		t.Errorf("Model = %+v, want openai/gpt-4o-mini", cfg.Model)
	}
	if cfg.Subagents.MaxConcurrent != 3 {
		t.Errorf("Subagents.MaxConcurrent = %d, want 3", cfg.Subagents.MaxConcurrent)
	}
	if got := cfg.Subagents.Timeout(); got != 8*time.Minute {
		t.Errorf("Subagents.Timeout() = %v, want 8m", got)
	}
	if cfg.Scheduler.MaxConcurrent != 2 {
		t.Errorf("Scheduler.MaxConcurrent = %d, want 2", cfg.Scheduler.MaxConcurrent)
	}
	if got := cfg.Scheduler.TickInterval(); got != 30*time.Second {
		t.Errorf("Scheduler.TickInterval() = %v, want 30s", got)
	}
	if !cfg.Memory.Enabled || cfg.Memory.Embedding.Dimensions != 1536 {
		t.Errorf("Memory = %+v, want enabled with 1536 dims", cfg.Memory)
	}
	if cfg.Backend.PortMin != 4096 || cfg.Backend.PortMax != 4300 {
		t.Errorf("Backend port range = %d-%d, want 4096-4300", cfg.Backend.PortMin, cfg.Backend.PortMax)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() = %v, want nil", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fern.yaml")
	data := `
port: 5123
model:
  provider: anthropic
  model: claude-3-5-haiku
scheduler:
  tick_interval_ms: 5000
logging:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 5123 {
		t.Errorf("Port = %d, want 5123", cfg.Port)
	}
	if cfg.Model.Provider != "anthropic" {
		t.Errorf("Model.Provider = %q, want anthropic", cfg.Model.Provider)
	}
	if got := cfg.Scheduler.TickInterval(); got != 5*time.Second {
		t.Errorf("TickInterval = %v, want 5s", got)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Subagents.MaxConcurrent != 3 {
		t.Errorf("Subagents.MaxConcurrent = %d, want default 3", cfg.Subagents.MaxConcurrent)
	}
	if cfg.SourcePath() != path {
		t.Errorf("SourcePath = %q, want %q", cfg.SourcePath(), path)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FERN_PORT", "6001")
	t.Setenv("FERN_MODEL", "gpt-4.1")
	t.Setenv("FERN_SUBAGENT_MAX_CONCURRENT", "7")
	t.Setenv("FERN_SCHEDULER_ENABLED", "false")
	t.Setenv("FERN_API_SECRET", "s3cret")
	t.Setenv("FERN_TWILIO_ACCOUNT_SID", "AC0123")
	t.Setenv("FERN_TWILIO_AUTH_TOKEN", "tok")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Load() with explicit missing file should error")
	}

	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 6001 {
		t.Errorf("Port = %d, want 6001", cfg.Port)
	}
	if cfg.Model.Model != "gpt-4.1" {
		t.Errorf("Model = %q, want gpt-4.1", cfg.Model.Model)
	}
	if cfg.Subagents.MaxConcurrent != 7 {
		t.Errorf("Subagents.MaxConcurrent = %d, want 7", cfg.Subagents.MaxConcurrent)
	}
	if cfg.Scheduler.Enabled {
		t.Error("Scheduler.Enabled = true, want false")
	}
	if cfg.API.Secret != "s3cret" {
		t.Errorf("API.Secret = %q, want s3cret", cfg.API.Secret)
	}
	if !cfg.Channels.Twilio.Enabled {
		t.Error("Twilio.Enabled = false, want true when credentials present")
	}
}

func TestExpandEnvReferences(t *testing.T) {
	t.Setenv("TEST_FERN_SECRET", "from-env")

	dir := t.TempDir()
	path := filepath.Join(dir, "fern.yaml")
	data := "api:\n  secret: ${TEST_FERN_SECRET}\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.API.Secret != "from-env" {
		t.Errorf("API.Secret = %q, want from-env", cfg.API.Secret)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults ok", func(c *Config) {}, false},
		{"bad port", func(c *Config) { c.Port = -1 }, true},
		{"bad backend range", func(c *Config) { c.Backend.PortMax = c.Backend.PortMin - 1 }, true},
		{"zero subagent workers", func(c *Config) { c.Subagents.MaxConcurrent = 0 }, true},
		{"tick too fast", func(c *Config) { c.Scheduler.TickIntervalMS = 10 }, true},
		{"zero dimensions", func(c *Config) { c.Memory.Embedding.Dimensions = 0 }, true},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
