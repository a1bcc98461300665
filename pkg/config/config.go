// Package config provides configuration types for parley services
// Supports dependency injection for customizable behavior
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configurable runtime parameters
type Config struct {
	Provider     string `yaml:"provider"`      // "openai", "google", "ollama"
	Model        string `yaml:"model"`         // model name passed to the provider
	SystemPrompt string `yaml:"system_prompt"` // system instruction for every session

	ContextTokens int `yaml:"context_tokens"` // context window budget (default: 8192)
	ReserveTokens int `yaml:"reserve_tokens"` // headroom kept for the reply (default: 1024)
	MaxTokens     int `yaml:"max_tokens"`     // per-reply generation cap (default: 1000)

	MaxToolRounds int           `yaml:"max_tool_rounds"` // tool rounds per turn (default: 8)
	MaxRetries    int           `yaml:"max_retries"`     // LLM retry attempts (default: 3)
	ToolTimeout   time.Duration `yaml:"tool_timeout"`    // per tool call (default: 60s)

	// AllowedModels restricts /model switching, keyed by provider.
	// Empty list for a provider means any model is accepted.
	AllowedModels map[string][]string `yaml:"allowed_models"`

	DataDir      string `yaml:"data_dir"`
	WorkspaceDir string `yaml:"workspace_dir"`

	Memory MemoryConfig `yaml:"memory"`
	Server ServerConfig `yaml:"server"`
}

// MemoryConfig holds memory retrieval and persistence parameters
type MemoryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	TopK           int           `yaml:"top_k"`           // search results injected (default: 5)
	MinScore       float64       `yaml:"min_score"`       // cosine score floor (default: 0.35)
	RecentFallback int           `yaml:"recent_fallback"` // recent items when search is empty (default: 3)
	CacheTTL       time.Duration `yaml:"cache_ttl"`       // recall cache TTL (default: 2m)

	EmbeddingProvider string `yaml:"embedding_provider"` // "openai" or "local"
	EmbeddingModel    string `yaml:"embedding_model"`
	EmbeddingBaseURL  string `yaml:"embedding_base_url"`
}

// ServerConfig holds HTTP server parameters
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	AuthToken    string        `yaml:"auth_token"` // empty disables auth (local use)
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Provider:      "openai",
		Model:         "gpt-4o-mini",
		SystemPrompt:  "You are a helpful assistant.",
		ContextTokens: DefaultContextTokens,
		ReserveTokens: DefaultReserveTokens,
		MaxTokens:     DefaultMaxTokens,
		MaxToolRounds: DefaultMaxToolRounds,
		MaxRetries:    DefaultMaxRetries,
		ToolTimeout:   60 * time.Second,
		AllowedModels: map[string][]string{},
		DataDir:       DefaultDataDir(),
		WorkspaceDir:  DefaultWorkspaceDir(),
		Memory: MemoryConfig{
			Enabled:           true,
			TopK:              5,
			MinScore:          0.35,
			RecentFallback:    3,
			CacheTTL:          2 * time.Minute,
			EmbeddingProvider: "local",
		},
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         DefaultServerPort,
			ReadTimeout:  120 * time.Second,
			WriteTimeout: 180 * time.Second,
			IdleTimeout:  300 * time.Second,
			MaxBodyBytes: 2 * 1024 * 1024, // 2MB
		},
	}
}

// Load reads the YAML config at path over the defaults, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg.applyEnv()
	cfg.fillZero()
	return cfg, nil
}

// Save writes the config back as YAML
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PARLEY_PROVIDER"); v != "" {
		c.Provider = v
	}
	if v := os.Getenv("PARLEY_MODEL"); v != "" {
		c.Model = v
	}
	if v := os.Getenv("PARLEY_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("PARLEY_WORKSPACE"); v != "" {
		c.WorkspaceDir = v
	}
	if v := os.Getenv("PARLEY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("PARLEY_AUTH_TOKEN"); v != "" {
		c.Server.AuthToken = v
	}
	if v := os.Getenv("PARLEY_MEMORY"); v != "" {
		c.Memory.Enabled = v != "0" && !strings.EqualFold(v, "false")
	}
}

// fillZero restores defaults for fields a partial YAML file zeroed out
func (c *Config) fillZero() {
	d := Default()
	if c.ContextTokens <= 0 {
		c.ContextTokens = d.ContextTokens
	}
	if c.ReserveTokens <= 0 {
		c.ReserveTokens = d.ReserveTokens
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = d.MaxTokens
	}
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = d.MaxToolRounds
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = d.ToolTimeout
	}
	if c.Memory.TopK <= 0 {
		c.Memory.TopK = d.Memory.TopK
	}
	if c.Memory.MinScore <= 0 {
		c.Memory.MinScore = d.Memory.MinScore
	}
	if c.Memory.RecentFallback <= 0 {
		c.Memory.RecentFallback = d.Memory.RecentFallback
	}
	if c.Memory.CacheTTL <= 0 {
		c.Memory.CacheTTL = d.Memory.CacheTTL
	}
	if c.Server.Port <= 0 {
		c.Server.Port = d.Server.Port
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = d.Server.ReadTimeout
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = d.Server.WriteTimeout
	}
	if c.Server.IdleTimeout <= 0 {
		c.Server.IdleTimeout = d.Server.IdleTimeout
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = d.Server.MaxBodyBytes
	}
}

// ModelAllowed reports whether model may be used with provider.
// An absent or empty allow-list accepts any model.
func (c *Config) ModelAllowed(provider, model string) bool {
	allowed, ok := c.AllowedModels[provider]
	if !ok || len(allowed) == 0 {
		return true
	}
	for _, m := range allowed {
		if m == model {
			return true
		}
	}
	return false
}

// Set applies a KEY=VALUE style runtime override. Returns an error for
// unknown keys or values that fail validation.
func (c *Config) Set(key, value string) error {
	switch strings.ToLower(key) {
	case "provider":
		c.Provider = value
	case "model":
		if !c.ModelAllowed(c.Provider, value) {
			return fmt.Errorf("model %q not allowed for provider %q", value, c.Provider)
		}
		c.Model = value
	case "system_prompt":
		c.SystemPrompt = value
	case "context_tokens":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return fmt.Errorf("context_tokens: want positive integer, got %q", value)
		}
		c.ContextTokens = n
	case "max_tool_rounds":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return fmt.Errorf("max_tool_rounds: want positive integer, got %q", value)
		}
		c.MaxToolRounds = n
	case "max_tokens":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return fmt.Errorf("max_tokens: want positive integer, got %q", value)
		}
		c.MaxTokens = n
	case "memory":
		c.Memory.Enabled = value != "0" && !strings.EqualFold(value, "false")
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}
