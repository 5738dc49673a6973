// Package config loads the memmem configuration from a YAML file with
// environment fallbacks for secrets. Every tunable the pipeline needs
// is an explicit value here; nothing is read from globals elsewhere.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// LimitConfig describes one token bucket: Capacity immediate calls,
// refilled at PerMinute tokens per minute.
type LimitConfig struct {
	Capacity  float64 `yaml:"capacity"`
	PerMinute float64 `yaml:"per_minute"`
}

// RefillPerMillisecond converts the human-friendly per-minute rate to
// the limiter's internal unit.
func (l LimitConfig) RefillPerMillisecond() float64 {
	return l.PerMinute / float64(time.Minute/time.Millisecond)
}

// Config is the full memmem configuration.
type Config struct {
	// DataDir holds the SQLite database, the vector index, and the
	// poller lock file. Defaults to ~/.memmem.
	DataDir string `yaml:"data_dir"`

	// Provider selects the completion backend: openai, anthropic,
	// ollama, or stub.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	// EmbeddingProvider defaults to Provider when that backend can
	// embed; anthropic cannot, so it requires an explicit choice.
	EmbeddingProvider string `yaml:"embedding_provider"`
	EmbeddingModel    string `yaml:"embedding_model"`

	// PollInterval and BatchSize shape the dispatch loop.
	PollInterval time.Duration `yaml:"-"`
	BatchSize    int           `yaml:"batch_size"`

	// IdleTimeout evicts session contexts that stop receiving events.
	IdleTimeout time.Duration `yaml:"-"`

	// SkipTools are doublestar glob patterns for low-value tools whose
	// events are marked processed without any model interaction.
	SkipTools []string `yaml:"skip_tools"`

	CompletionLimit LimitConfig `yaml:"completion_limit"`
	EmbeddingLimit  LimitConfig `yaml:"embedding_limit"`

	// Raw duration strings; parsed into the fields above.
	PollIntervalRaw string `yaml:"poll_interval"`
	IdleTimeoutRaw  string `yaml:"idle_timeout"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataDir:         filepath.Join(home, ".memmem"),
		Provider:        "openai",
		PollInterval:    time.Second,
		BatchSize:       10,
		IdleTimeout:     30 * time.Minute,
		SkipTools:       []string{"TodoWrite", "TodoRead", "mcp__*"},
		CompletionLimit: LimitConfig{Capacity: 5, PerMinute: 10},
		EmbeddingLimit:  LimitConfig{Capacity: 20, PerMinute: 60},
	}
}

// Load reads the YAML file at path, applying defaults for anything
// unset. A missing file yields the defaults without error; a malformed
// file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path) // #nosec G304
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.PollIntervalRaw != "" {
		d, err := time.ParseDuration(cfg.PollIntervalRaw)
		if err != nil {
			return nil, fmt.Errorf("invalid poll_interval: %w", err)
		}
		cfg.PollInterval = d
	}
	if cfg.IdleTimeoutRaw != "" {
		d, err := time.ParseDuration(cfg.IdleTimeoutRaw)
		if err != nil {
			return nil, fmt.Errorf("invalid idle_timeout: %w", err)
		}
		cfg.IdleTimeout = d
	}

	return cfg, cfg.Validate()
}

// Validate checks that the provider selection is usable. Missing
// required provider configuration is fatal before the loop starts, so
// this runs at startup, not lazily.
func (c *Config) Validate() error {
	switch c.Provider {
	case "openai", "anthropic", "ollama", "stub":
	default:
		return fmt.Errorf("unknown provider: %q", c.Provider)
	}

	embedding := c.EmbeddingProviderName()
	switch embedding {
	case "openai", "ollama", "stub":
	case "anthropic":
		return fmt.Errorf("provider anthropic has no embeddings; set embedding_provider")
	default:
		return fmt.Errorf("unknown embedding_provider: %q", embedding)
	}

	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1, got %d", c.BatchSize)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	return nil
}

// EmbeddingProviderName resolves the effective embedding backend.
func (c *Config) EmbeddingProviderName() string {
	if c.EmbeddingProvider != "" {
		return c.EmbeddingProvider
	}
	return c.Provider
}

// APIKey reads the provider's key from the environment.
func APIKey(provider string) string {
	switch provider {
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	}
	return ""
}

// DatabasePath, IndexPath and LockPath locate the persistent state
// inside DataDir.
func (c *Config) DatabasePath() string { return filepath.Join(c.DataDir, "memmem.db") }
func (c *Config) IndexPath() string    { return filepath.Join(c.DataDir, "index") }
func (c *Config) LockPath() string     { return filepath.Join(c.DataDir, "poller.lock") }
