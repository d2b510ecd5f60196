package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kwagner-io/waggle/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify Waggle configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/waggle/config.yaml
Project-specific overrides can be placed in .waggle.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		switch len(args) {
		case 0:
			displayAllConfig(cfg)
		case 1:
			displayConfigKey(cfg, args[0])
		default:
			setConfigKey(cfg, args[0], args[1])
		}
	},
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	// Mask API key if set
	apiKeyDisplay := "(not set)"
	if cfg.Anthropic.APIKey != "" {
		apiKeyDisplay = "****"
	}

	fmt.Printf("anthropic.api_key: %s\n", apiKeyDisplay)
	fmt.Printf("anthropic.use_bedrock: %t\n", cfg.Anthropic.UseBedrock)
	fmt.Printf("swarm.max_concurrency: %d\n", cfg.Swarm.MaxConcurrency)
	fmt.Printf("swarm.worker_retries: %d\n", cfg.Swarm.WorkerRetries)
	fmt.Printf("swarm.max_dispatches_per_task: %d\n", cfg.Swarm.MaxDispatchesPerTask)
	fmt.Printf("swarm.consecutive_timeout_limit: %d\n", cfg.Swarm.ConsecutiveTimeoutLimit)
	fmt.Printf("swarm.artifact_aware_skip: %t\n", cfg.Swarm.ArtifactAwareSkip)
	fmt.Printf("swarm.quality_threshold: %d\n", cfg.Swarm.QualityThreshold)
	fmt.Printf("swarm.dispatch_stagger_ms: %d\n", cfg.Swarm.DispatchStaggerMs)
	fmt.Printf("swarm.total_budget: %d\n", cfg.Swarm.TotalBudget)
	fmt.Printf("swarm.max_cost: %.4f\n", cfg.Swarm.MaxCost)
	fmt.Printf("swarm.micro_decompose_after: %d\n", cfg.Swarm.MicroDecomposeAfter)
	fmt.Printf("worker.model: %s\n", orUnset(cfg.Worker.Model))
	fmt.Printf("worker.timeout: %s\n", cfg.Worker.Timeout)
	fmt.Printf("output.dir: %s\n", cfg.Output.Dir)
	fmt.Printf("tui.refresh_rate: %s\n", cfg.TUI.RefreshRate)
}

func orUnset(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}

// displayConfigKey prints a single configuration value.
func displayConfigKey(cfg *config.Config, key string) {
	value, err := getConfigValue(cfg, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(value)
}

// setConfigKey sets a configuration value and saves the config.
func setConfigKey(cfg *config.Config, key, value string) {
	if err := setConfigValue(cfg, key, value); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := config.Save(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Set %s = %s\n", key, value)
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	switch strings.ToLower(key) {
	case "anthropic.api_key":
		if cfg.Anthropic.APIKey == "" {
			return "(not set)", nil
		}
		return "****", nil
	case "anthropic.use_bedrock":
		return strconv.FormatBool(cfg.Anthropic.UseBedrock), nil
	case "swarm.max_concurrency":
		return strconv.Itoa(cfg.Swarm.MaxConcurrency), nil
	case "swarm.worker_retries":
		return strconv.Itoa(cfg.Swarm.WorkerRetries), nil
	case "swarm.max_dispatches_per_task":
		return strconv.Itoa(cfg.Swarm.MaxDispatchesPerTask), nil
	case "swarm.consecutive_timeout_limit":
		return strconv.Itoa(cfg.Swarm.ConsecutiveTimeoutLimit), nil
	case "swarm.artifact_aware_skip":
		return strconv.FormatBool(cfg.Swarm.ArtifactAwareSkip), nil
	case "swarm.quality_threshold":
		return strconv.Itoa(cfg.Swarm.QualityThreshold), nil
	case "swarm.dispatch_stagger_ms":
		return strconv.Itoa(cfg.Swarm.DispatchStaggerMs), nil
	case "swarm.total_budget":
		return strconv.FormatInt(cfg.Swarm.TotalBudget, 10), nil
	case "swarm.max_cost":
		return strconv.FormatFloat(cfg.Swarm.MaxCost, 'f', -1, 64), nil
	case "swarm.micro_decompose_after":
		return strconv.Itoa(cfg.Swarm.MicroDecomposeAfter), nil
	case "worker.model":
		return orUnset(cfg.Worker.Model), nil
	case "worker.timeout":
		return cfg.Worker.Timeout.String(), nil
	case "output.dir":
		return cfg.Output.Dir, nil
	case "tui.refresh_rate":
		return cfg.TUI.RefreshRate.String(), nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

// setConfigValue sets a configuration value by dot-notation key.
func setConfigValue(cfg *config.Config, key, value string) error {
	switch strings.ToLower(key) {
	case "anthropic.api_key":
		cfg.Anthropic.APIKey = value
	case "anthropic.use_bedrock":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for use_bedrock: %w", err)
		}
		cfg.Anthropic.UseBedrock = b
	case "swarm.max_concurrency":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for max_concurrency: %w", err)
		}
		cfg.Swarm.MaxConcurrency = n
	case "swarm.worker_retries":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for worker_retries: %w", err)
		}
		cfg.Swarm.WorkerRetries = n
	case "swarm.max_dispatches_per_task":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for max_dispatches_per_task: %w", err)
		}
		cfg.Swarm.MaxDispatchesPerTask = n
	case "swarm.consecutive_timeout_limit":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for consecutive_timeout_limit: %w", err)
		}
		cfg.Swarm.ConsecutiveTimeoutLimit = n
	case "swarm.artifact_aware_skip":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for artifact_aware_skip: %w", err)
		}
		cfg.Swarm.ArtifactAwareSkip = b
	case "swarm.quality_threshold":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for quality_threshold: %w", err)
		}
		cfg.Swarm.QualityThreshold = n
	case "swarm.dispatch_stagger_ms":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for dispatch_stagger_ms: %w", err)
		}
		cfg.Swarm.DispatchStaggerMs = n
	case "swarm.total_budget":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid value for total_budget: %w", err)
		}
		cfg.Swarm.TotalBudget = n
	case "swarm.max_cost":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid value for max_cost: %w", err)
		}
		cfg.Swarm.MaxCost = f
	case "swarm.micro_decompose_after":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for micro_decompose_after: %w", err)
		}
		cfg.Swarm.MicroDecomposeAfter = n
	case "worker.model":
		cfg.Worker.Model = value
	case "worker.timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for worker.timeout: %w", err)
		}
		cfg.Worker.Timeout = d
	case "output.dir":
		cfg.Output.Dir = value
	case "tui.refresh_rate":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for refresh_rate: %w", err)
		}
		cfg.TUI.RefreshRate = d
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return nil
}
