// Package config handles configuration loading for taskforge.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/taskforge/pkg/models"
)

// Config holds all configuration for taskforge.
type Config struct {
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Agents    []AgentSpec     `mapstructure:"agents"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
	// MaxTokens bounds response length per call.
	MaxTokens int64 `mapstructure:"max_tokens"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	// DBPath is the SQLite database file. Empty means the default
	// XDG data path. ":memory:" style in-process storage is selected
	// with Memory.
	DBPath string `mapstructure:"db_path"`
	// Memory selects the in-memory store, for dry runs.
	Memory bool `mapstructure:"memory"`
}

// RuntimeConfig holds worker pool settings.
type RuntimeConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
	// TaskTimeout bounds one task execution.
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
}

// RetryConfig holds retry policy settings.
type RetryConfig struct {
	// MaxRetries is the default retry budget per task.
	MaxRetries int `mapstructure:"max_retries"`
	// Delay is how long a retry waits before dispatch.
	Delay time.Duration `mapstructure:"delay"`
}

// AgentSpec describes one agent to register at startup.
type AgentSpec struct {
	ID                 string `mapstructure:"id"`
	Type               string `mapstructure:"type"`
	Name               string `mapstructure:"name"`
	MaxConcurrentTasks int    `mapstructure:"max_concurrent_tasks"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY)
// 2. Project config (.taskforge.yaml in current directory or parent)
// 3. User config (~/.config/taskforge/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR} references
	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks agent specs against known agent types.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for i, spec := range c.Agents {
		if spec.ID == "" {
			return fmt.Errorf("agents[%d]: missing id", i)
		}
		if seen[spec.ID] {
			return fmt.Errorf("agents[%d]: duplicate id %q", i, spec.ID)
		}
		seen[spec.ID] = true
		if !models.AgentType(spec.Type).Valid() {
			return fmt.Errorf("agents[%d] (%s): unknown agent type %q", i, spec.ID, spec.Type)
		}
		if spec.MaxConcurrentTasks < 0 {
			return fmt.Errorf("agents[%d] (%s): negative max_concurrent_tasks", i, spec.ID)
		}
	}
	return nil
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "")
	v.SetDefault("anthropic.max_tokens", 8192)

	v.SetDefault("storage.db_path", "")
	v.SetDefault("storage.memory", false)

	v.SetDefault("runtime.workers", 4)
	v.SetDefault("runtime.queue_size", 64)
	v.SetDefault("runtime.task_timeout", "10m")

	v.SetDefault("retry.max_retries", models.DefaultMaxRetries)
	v.SetDefault("retry.delay", "2s")
}

// Default returns a Config with default values and the default agent
// fleet: one agent of every type, two slots each.
func Default() *Config {
	cfg := &Config{
		Anthropic: AnthropicConfig{MaxTokens: 8192},
		Runtime: RuntimeConfig{
			Workers:     4,
			QueueSize:   64,
			TaskTimeout: 10 * time.Minute,
		},
		Retry: RetryConfig{
			MaxRetries: models.DefaultMaxRetries,
			Delay:      2 * time.Second,
		},
	}
	for _, agentType := range models.AgentTypes() {
		cfg.Agents = append(cfg.Agents, AgentSpec{
			ID:                 string(agentType) + "-1",
			Type:               string(agentType),
			Name:               string(agentType),
			MaxConcurrentTasks: 2,
		})
	}
	return cfg
}

// DefaultFleet fills in the default agent fleet when the config lists
// none.
func (c *Config) DefaultFleet() {
	if len(c.Agents) > 0 {
		return
	}
	c.Agents = Default().Agents
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// getUserConfigDir returns the XDG config directory for taskforge.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "taskforge")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "taskforge")
	}
	return filepath.Join(home, ".config", "taskforge")
}

// findProjectConfig searches for .taskforge.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".taskforge.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}
