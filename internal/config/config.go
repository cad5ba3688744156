// ABOUTME: Configuration loading and parsing for neon-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a field is left empty.
const (
	DefaultMaxAttempts      = 3
	DefaultSummaryBatchSize = 20
	DefaultToolTimeout      = 30 * time.Second
	DefaultShutdownTimeout  = 10 * time.Second
	DefaultPageSize         = 10
)

// Config represents the complete neon-gateway configuration
type Config struct {
	Server       ServerConfig       `yaml:"server" toml:"server"`
	Database     DatabaseConfig     `yaml:"database" toml:"database"`
	Auth         AuthConfig         `yaml:"auth" toml:"auth"`
	Logging      LoggingConfig      `yaml:"logging" toml:"logging"`
	LLM          LLMConfig          `yaml:"llm" toml:"llm"`
	Conversation ConversationConfig `yaml:"conversation" toml:"conversation"`
	Tools        ToolsConfig        `yaml:"tools" toml:"tools"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" toml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"-" toml:"-"`

	ShutdownTimeoutRaw string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// LLMConfig selects the default provider and holds per-provider credentials.
// Organizations may override provider, model, and API key.
type LLMConfig struct {
	DefaultProvider string                    `yaml:"default_provider" toml:"default_provider"`
	DefaultModel    string                    `yaml:"default_model" toml:"default_model"`
	Providers       map[string]ProviderConfig `yaml:"providers" toml:"providers"`
}

// ProviderConfig holds credentials for one provider
type ProviderConfig struct {
	APIKey  string `yaml:"api_key" toml:"api_key"`
	BaseURL string `yaml:"base_url" toml:"base_url"`
	Model   string `yaml:"model" toml:"model"` // overrides default_model for this provider
}

// Provider returns the settings for name, matched case-insensitively.
func (c LLMConfig) Provider(name string) (ProviderConfig, bool) {
	for k, v := range c.Providers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return ProviderConfig{}, false
}

// ConversationConfig tunes the turn loop and history compaction
type ConversationConfig struct {
	MaxAttempts      int `yaml:"max_attempts" toml:"max_attempts"`
	SummaryBatchSize int `yaml:"summary_batch_size" toml:"summary_batch_size"`
	PageSize         int `yaml:"page_size" toml:"page_size"`
}

// ToolsConfig holds settings for outbound tool calls
type ToolsConfig struct {
	Timeout time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Conversation.MaxAttempts == 0 {
		c.Conversation.MaxAttempts = DefaultMaxAttempts
	}
	if c.Conversation.SummaryBatchSize == 0 {
		c.Conversation.SummaryBatchSize = DefaultSummaryBatchSize
	}
	if c.Conversation.PageSize == 0 {
		c.Conversation.PageSize = DefaultPageSize
	}
	if c.Tools.Timeout == 0 {
		c.Tools.Timeout = DefaultToolTimeout
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.LLM.DefaultProvider == "" {
		return fmt.Errorf("llm.default_provider is required")
	}
	if c.LLM.DefaultModel == "" {
		if p, ok := c.LLM.Provider(c.LLM.DefaultProvider); !ok || p.Model == "" {
			return fmt.Errorf("llm.default_model is required")
		}
	}
	if c.Conversation.MaxAttempts < 1 {
		return fmt.Errorf("conversation.max_attempts must be at least 1")
	}
	if c.Conversation.SummaryBatchSize < 1 {
		return fmt.Errorf("conversation.summary_batch_size must be at least 1")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Server.ShutdownTimeoutRaw != "" {
		cfg.Server.ShutdownTimeout, err = time.ParseDuration(cfg.Server.ShutdownTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing shutdown_timeout %q: %w", cfg.Server.ShutdownTimeoutRaw, err)
		}
	}

	if cfg.Tools.TimeoutRaw != "" {
		cfg.Tools.Timeout, err = time.ParseDuration(cfg.Tools.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing tools timeout %q: %w", cfg.Tools.TimeoutRaw, err)
		}
	}

	return nil
}
