// Package config handles configuration loading and management for Waggle.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"go.yaml.in/yaml/v3"

	"github.com/kwagner-io/waggle/internal/swarm"
)

// Config holds all configuration for Waggle.
type Config struct {
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	Swarm     SwarmConfig     `mapstructure:"swarm"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Output    OutputConfig    `mapstructure:"output"`
	TUI       TUIConfig       `mapstructure:"tui"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key"`
	UseBedrock bool   `mapstructure:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
}

// SwarmConfig holds scheduler settings.
type SwarmConfig struct {
	// MaxConcurrency caps workers dispatched at once.
	MaxConcurrency int `mapstructure:"max_concurrency"`
	// WorkerRetries is extra attempts after the first, per task.
	WorkerRetries int `mapstructure:"worker_retries"`
	// MaxDispatchesPerTask is the hard cap on attempts regardless of retries.
	MaxDispatchesPerTask int `mapstructure:"max_dispatches_per_task"`
	// ConsecutiveTimeoutLimit fails a task early after N timeouts in a row.
	// Zero disables the early exit.
	ConsecutiveTimeoutLimit int `mapstructure:"consecutive_timeout_limit"`
	// ArtifactAwareSkip tolerates one missing upstream artifact during rescue.
	ArtifactAwareSkip bool `mapstructure:"artifact_aware_skip"`
	// QualityThreshold is the minimum passing judge score (1-5).
	QualityThreshold int `mapstructure:"quality_threshold"`
	// DispatchStaggerMs spaces out worker launches within a wave.
	DispatchStaggerMs int `mapstructure:"dispatch_stagger_ms"`
	// TotalBudget caps tokens spent across the run. Zero is unlimited.
	TotalBudget int64 `mapstructure:"total_budget"`
	// MaxCost caps dollars spent across the run. Zero is unlimited.
	MaxCost float64 `mapstructure:"max_cost"`
	// MicroDecomposeAfter is failed attempts before micro-decomposition.
	MicroDecomposeAfter int `mapstructure:"micro_decompose_after"`
}

// WorkerConfig holds worker subprocess settings.
type WorkerConfig struct {
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// OutputConfig holds output ledger settings.
type OutputConfig struct {
	Dir string `mapstructure:"dir"`
}

// TUIConfig holds TUI display settings.
type TUIConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate"`
}

// SchedulerConfig translates the loaded settings into the orchestrator's
// configuration.
func (c *Config) SchedulerConfig() swarm.Config {
	return swarm.Config{
		MaxConcurrency:          c.Swarm.MaxConcurrency,
		WorkerRetries:           c.Swarm.WorkerRetries,
		MaxDispatchesPerTask:    c.Swarm.MaxDispatchesPerTask,
		ConsecutiveTimeoutLimit: c.Swarm.ConsecutiveTimeoutLimit,
		ArtifactAwareSkip:       c.Swarm.ArtifactAwareSkip,
		QualityThreshold:        c.Swarm.QualityThreshold,
		DispatchStagger:         time.Duration(c.Swarm.DispatchStaggerMs) * time.Millisecond,
		TotalBudget:             c.Swarm.TotalBudget,
		MaxCost:                 c.Swarm.MaxCost,
		MicroDecomposeAfter:     c.Swarm.MicroDecomposeAfter,
	}
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (WAGGLE_*, ANTHROPIC_API_KEY)
// 2. Project config (.waggle.yaml in current directory or parent)
// 3. User config (~/.config/waggle/config.yaml)
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

	// Project config overrides user config.
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

	v.SetEnvPrefix("WAGGLE")
	v.AutomaticEnv()

	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("anthropic.use_bedrock", "CLAUDE_CODE_USE_BEDROCK")
	v.BindEnv("anthropic.aws_region", "AWS_REGION")
	v.BindEnv("anthropic.aws_profile", "AWS_PROFILE")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR} references.
	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)

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

	return cfg, nil
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configPath := filepath.Join(userConfigDir, "config.yaml")

	v := viper.New()
	v.SetConfigFile(configPath)

	v.Set("anthropic.api_key", cfg.Anthropic.APIKey)
	v.Set("anthropic.use_bedrock", cfg.Anthropic.UseBedrock)
	v.Set("swarm.max_concurrency", cfg.Swarm.MaxConcurrency)
	v.Set("swarm.worker_retries", cfg.Swarm.WorkerRetries)
	v.Set("swarm.max_dispatches_per_task", cfg.Swarm.MaxDispatchesPerTask)
	v.Set("swarm.consecutive_timeout_limit", cfg.Swarm.ConsecutiveTimeoutLimit)
	v.Set("swarm.artifact_aware_skip", cfg.Swarm.ArtifactAwareSkip)
	v.Set("swarm.quality_threshold", cfg.Swarm.QualityThreshold)
	v.Set("swarm.dispatch_stagger_ms", cfg.Swarm.DispatchStaggerMs)
	v.Set("swarm.total_budget", cfg.Swarm.TotalBudget)
	v.Set("swarm.max_cost", cfg.Swarm.MaxCost)
	v.Set("swarm.micro_decompose_after", cfg.Swarm.MicroDecomposeAfter)
	v.Set("worker.model", cfg.Worker.Model)
	v.Set("worker.timeout", cfg.Worker.Timeout.String())
	v.Set("output.dir", cfg.Output.Dir)
	v.Set("tui.refresh_rate", cfg.TUI.RefreshRate.String())

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.use_bedrock", false)
	v.SetDefault("anthropic.aws_region", "")
	v.SetDefault("anthropic.aws_profile", "")

	v.SetDefault("swarm.max_concurrency", 3)
	v.SetDefault("swarm.worker_retries", 0)
	v.SetDefault("swarm.max_dispatches_per_task", 5)
	v.SetDefault("swarm.consecutive_timeout_limit", 0)
	v.SetDefault("swarm.artifact_aware_skip", true)
	v.SetDefault("swarm.quality_threshold", 3)
	v.SetDefault("swarm.dispatch_stagger_ms", 0)
	v.SetDefault("swarm.total_budget", 0)
	v.SetDefault("swarm.max_cost", 0)
	v.SetDefault("swarm.micro_decompose_after", 2)

	v.SetDefault("worker.model", "")
	v.SetDefault("worker.timeout", "10m")

	v.SetDefault("output.dir", ".waggle/out")

	v.SetDefault("tui.refresh_rate", "100ms")
}

// getUserConfigDir returns the XDG config directory for Waggle.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "waggle")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "waggle")
	}
	return filepath.Join(home, ".config", "waggle")
}

// findProjectConfig searches for .waggle.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".waggle.yaml")
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

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Swarm: SwarmConfig{
			MaxConcurrency:       3,
			MaxDispatchesPerTask: 5,
			ArtifactAwareSkip:    true,
			QualityThreshold:     3,
			MicroDecomposeAfter:  2,
		},
		Worker: WorkerConfig{
			Timeout: 10 * time.Minute,
		},
		Output: OutputConfig{
			Dir: filepath.Join(".waggle", "out"),
		},
		TUI: TUIConfig{
			RefreshRate: 100 * time.Millisecond,
		},
	}
}

// LoadJudgeProfile reads a judge profile from a YAML file. An empty path
// returns nil, meaning the gate's built-in judge is used.
func LoadJudgeProfile(path string) (*swarm.JudgeProfile, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading judge profile: %w", err)
	}
	profile := &swarm.JudgeProfile{}
	if err := yaml.Unmarshal(data, profile); err != nil {
		return nil, fmt.Errorf("unmarshaling judge profile %s: %w", path, err)
	}
	return profile, nil
}
