// Package config provides configuration management for the ZephyrOS executor.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// WindowMode selects how the external tool is launched in process mode.
type WindowMode string

const (
	WindowModeNative   WindowMode = "window_native"
	WindowModeAlt      WindowMode = "window_alt"
	WindowModeHeadless WindowMode = "headless"
)

// Config holds all configuration sections for the executor.
type Config struct {
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Identity     IdentityConfig     `mapstructure:"identity"`
	Model        ModelConfig        `mapstructure:"model"`
	Agent        AgentConfig        `mapstructure:"agent"`
	Workspace    WorkspaceConfig    `mapstructure:"workspace"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// OrchestratorConfig holds the ZMemory orchestrator connection settings.
type OrchestratorConfig struct {
	URL string `mapstructure:"url"`
}

// IdentityConfig holds the identity provider settings used for token
// validation and refresh.
type IdentityConfig struct {
	URL     string `mapstructure:"url"`
	AnonKey string `mapstructure:"anon_key"`
}

// ModelConfig holds the model vendor settings.
type ModelConfig struct {
	APIKey              string `mapstructure:"api_key"`
	Name                string `mapstructure:"name"`
	MaxTokensPerRequest int    `mapstructure:"max_tokens_per_request"`
}

// AgentConfig holds the agent runtime settings.
type AgentConfig struct {
	Name               string `mapstructure:"name"`
	MaxConcurrentTasks int    `mapstructure:"max_concurrent_tasks"`
	PollIntervalS      int    `mapstructure:"poll_interval_s"`
	TaskTimeoutS       int    `mapstructure:"task_timeout_s"`
	ExecutionMode      string `mapstructure:"execution_mode"` // api or process
	ExternalToolPath   string `mapstructure:"external_tool_path"`
	WindowMode         string `mapstructure:"window_mode"`
}

// WorkspaceConfig holds per-task workspace settings.
type WorkspaceConfig struct {
	Base        string `mapstructure:"base"`
	AutoCleanup bool   `mapstructure:"auto_cleanup"`
	MaxAgeH     int    `mapstructure:"max_age_h"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// PollInterval returns the polling interval as a time.Duration.
func (a *AgentConfig) PollInterval() time.Duration {
	return time.Duration(a.PollIntervalS) * time.Second
}

// TaskTimeout returns the per-task wall-clock deadline as a time.Duration.
func (a *AgentConfig) TaskTimeout() time.Duration {
	return time.Duration(a.TaskTimeoutS) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("orchestrator.url", "")

	v.SetDefault("identity.url", "")
	v.SetDefault("identity.anon_key", "")

	v.SetDefault("model.api_key", "")
	v.SetDefault("model.name", "claude-sonnet-4")
	v.SetDefault("model.max_tokens_per_request", 4096)

	v.SetDefault("agent.name", "zephyr-executor-1")
	v.SetDefault("agent.max_concurrent_tasks", 2)
	v.SetDefault("agent.poll_interval_s", 30)
	v.SetDefault("agent.task_timeout_s", 600)
	v.SetDefault("agent.execution_mode", "api")
	v.SetDefault("agent.external_tool_path", "/usr/local/bin/claude")
	v.SetDefault("agent.window_mode", string(WindowModeHeadless))

	v.SetDefault("workspace.base", "/tmp/zephyros-tasks")
	v.SetDefault("workspace.auto_cleanup", true)
	v.SetDefault("workspace.max_age_h", 24)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output_path", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ZEPHYR_ with snake_case naming, e.g.
// ZEPHYR_ORCHESTRATOR_URL or ZEPHYR_AGENT_MAX_CONCURRENT_TASKS.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ZEPHYR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/zephyros/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks that all configuration values are within their allowed
// ranges. Out-of-range values are rejected at startup.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Orchestrator.URL == "" {
		errs = append(errs, "orchestrator.url is required")
	}
	if cfg.Identity.URL == "" {
		errs = append(errs, "identity.url is required")
	}
	if cfg.Identity.AnonKey == "" {
		errs = append(errs, "identity.anon_key is required")
	}

	if cfg.Agent.MaxConcurrentTasks < 1 || cfg.Agent.MaxConcurrentTasks > 10 {
		errs = append(errs, "agent.max_concurrent_tasks must be between 1 and 10")
	}
	if cfg.Agent.PollIntervalS < 5 {
		errs = append(errs, "agent.poll_interval_s must be at least 5")
	}
	if cfg.Model.MaxTokensPerRequest < 100 {
		errs = append(errs, "model.max_tokens_per_request must be at least 100")
	}
	if cfg.Agent.TaskTimeoutS <= 0 {
		errs = append(errs, "agent.task_timeout_s must be positive")
	}

	switch cfg.Agent.ExecutionMode {
	case "api":
		if cfg.Model.APIKey == "" {
			errs = append(errs, "model.api_key is required in api execution mode")
		}
	case "process":
		if cfg.Agent.ExternalToolPath == "" {
			errs = append(errs, "agent.external_tool_path is required in process execution mode")
		}
	default:
		errs = append(errs, "agent.execution_mode must be 'api' or 'process'")
	}

	switch WindowMode(cfg.Agent.WindowMode) {
	case WindowModeNative, WindowModeAlt, WindowModeHeadless:
	default:
		errs = append(errs, "agent.window_mode must be one of: window_native, window_alt, headless")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
