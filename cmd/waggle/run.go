package main

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kwagner-io/waggle/internal/bridge"
	"github.com/kwagner-io/waggle/internal/config"
	"github.com/kwagner-io/waggle/internal/llm"
	"github.com/kwagner-io/waggle/internal/queue"
	sigctl "github.com/kwagner-io/waggle/internal/signal"
	"github.com/kwagner-io/waggle/internal/state"
	"github.com/kwagner-io/waggle/internal/swarm"
	"github.com/kwagner-io/waggle/internal/tui"
	"github.com/kwagner-io/waggle/internal/worker"
	"github.com/kwagner-io/waggle/pkg/models"
)

var (
	runTUI          bool
	runDryRun       bool
	runStrictSkip   bool
	runModel        string
	runWorkers      int
	runBudget       int64
	runMaxCost      float64
	runOutputDir    string
	runJudgeProfile string
	runDebugLog     string
)

var runCmd = &cobra.Command{
	Use:   "run <goal>",
	Short: "Decompose a goal and run it as a worker swarm",
	Long: `Run a goal with swarm orchestration.

The goal is decomposed into a dependency graph of subtasks. Tasks whose
dependencies are satisfied are dispatched together, up to the concurrency
cap, each to its own Claude Code worker. Every attempt is scored by a
quality judge before it counts as done; exhausted tasks go through
micro-decomposition or degraded acceptance before failing outright.

Dropping files into .waggle/signals controls a running swarm:
  pause   suspend dispatch (remove it or create resume to continue)
  stop    finish in-flight workers and stop dispatching

Use --dry-run to inspect the decomposition without dispatching anything.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSwarm,
}

func init() {
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "Show the live task table instead of plain logs")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Print the decomposed task graph and exit")
	runCmd.Flags().BoolVar(&runStrictSkip, "strict-skip", false, "Disable lenient rescue of skipped tasks")
	runCmd.Flags().StringVar(&runModel, "model", "", "Worker model (defaults to the claude CLI default)")
	runCmd.Flags().IntVar(&runWorkers, "max-workers", 0, "Concurrent worker cap (overrides config)")
	runCmd.Flags().Int64Var(&runBudget, "budget", 0, "Token budget for the run (0 = unlimited)")
	runCmd.Flags().Float64Var(&runMaxCost, "max-cost", 0, "Dollar budget for the run (0 = unlimited)")
	runCmd.Flags().StringVar(&runOutputDir, "output", "", "Event ledger directory (overrides config)")
	runCmd.Flags().StringVar(&runJudgeProfile, "judge-profile", "", "YAML file overriding the quality judge")
	runCmd.Flags().StringVar(&runDebugLog, "debug-log", "", "Append debug logging to this file")
}

func runSwarm(cmd *cobra.Command, args []string) error {
	goal := strings.Join(args, " ")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyRunFlags(cfg)

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger, err := swarm.NewDebugLogger(runDebugLog)
	if err != nil {
		return fmt.Errorf("open debug log: %w", err)
	}
	defer logger.Close()

	client, err := llm.NewClient(llm.ClientConfig{
		APIKey:        cfg.Anthropic.APIKey,
		UseAWSBedrock: cfg.Anthropic.UseBedrock,
		AWSRegion:     cfg.Anthropic.AWSRegion,
		AWSProfile:    cfg.Anthropic.AWSProfile,
	})
	if err != nil {
		return fmt.Errorf("create chat client: %w", err)
	}

	fmt.Printf("Decomposing: %s\n", goal)
	decomposer := swarm.NewDecomposer(client, logger)
	tasks, err := decomposer.Decompose(ctx, goal)
	if err != nil {
		return fmt.Errorf("decompose goal: %w", err)
	}

	if runDryRun {
		printPlan(tasks)
		return nil
	}

	if err := worker.CheckClaudeCLI(); err != nil {
		return err
	}

	profile, err := config.LoadJudgeProfile(runJudgeProfile)
	if err != nil {
		return err
	}

	watcher, err := sigctl.NewWatcher(cwd)
	if err != nil {
		return fmt.Errorf("create signal watcher: %w", err)
	}
	defer watcher.Close()
	watcher.ClearSignals()

	spawner := &worker.CLISpawner{
		WorkDir: cwd,
		Model:   cfg.Worker.Model,
		Timeout: cfg.Worker.Timeout,
	}

	opts := []swarm.Option{
		swarm.WithLogger(logger),
		swarm.WithRunControl(watcher),
	}
	if profile != nil {
		opts = append(opts, swarm.WithJudgeProfile(profile))
	}
	orch := swarm.New(cfg.SchedulerConfig(), spawner, client, cwd, opts...)

	outputDir := cfg.Output.Dir
	if !filepath.IsAbs(outputDir) {
		outputDir = filepath.Join(cwd, outputDir)
	}
	br := bridge.New(filepath.Join(outputDir, orch.RunID()))
	br.Attach(orch.Events())
	defer br.Close()

	db, err := state.Open(state.DefaultDBPath(cwd))
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate state database: %w", err)
	}
	if err := db.CreateRun(orch.RunID(), goal, len(tasks)); err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	unsubscribeAttempts := persistAttempts(db, orch.Events())
	defer unsubscribeAttempts()

	fmt.Printf("Run %s: %d tasks, %d workers max\n", orch.RunID(), len(tasks), cfg.Swarm.MaxConcurrency)

	var summary *swarm.Summary
	var runErr error
	if runTUI {
		done := make(chan struct{})
		go func() {
			defer close(done)
			summary, runErr = orch.Run(ctx, goal, tasks)
		}()
		if err := tui.Run(orch.Events()); err != nil {
			cancel()
		}
		<-done
	} else {
		summary, runErr = orch.Run(ctx, goal, tasks)
	}
	if runErr != nil {
		db.FinishRun(orch.RunID(), "error", 0, 0, 0, 0, 0)
		return runErr
	}

	persistOutcome(db, br, summary)
	printSummary(summary, outputDir)
	return nil
}

// applyRunFlags lets command-line flags override loaded configuration.
func applyRunFlags(cfg *config.Config) {
	if runModel != "" {
		cfg.Worker.Model = runModel
	}
	if runWorkers > 0 {
		cfg.Swarm.MaxConcurrency = runWorkers
	}
	if runBudget > 0 {
		cfg.Swarm.TotalBudget = runBudget
	}
	if runMaxCost > 0 {
		cfg.Swarm.MaxCost = runMaxCost
	}
	if runOutputDir != "" {
		cfg.Output.Dir = runOutputDir
	}
	if runStrictSkip {
		cfg.Swarm.ArtifactAwareSkip = false
	}
}

// printPlan renders the decomposed graph, wave by wave.
func printPlan(tasks []*models.SwarmTask) {
	bold := color.New(color.Bold)
	dim := color.New(color.Faint)

	maxWave := 0
	for _, t := range tasks {
		if t.Wave > maxWave {
			maxWave = t.Wave
		}
	}

	bold.Printf("Plan: %d tasks in %d waves\n", len(tasks), maxWave)
	for wave := 1; wave <= maxWave; wave++ {
		fmt.Printf("\nWave %d:\n", wave)
		for _, t := range tasks {
			if t.Wave != wave {
				continue
			}
			fmt.Printf("  %s [%s] %s\n", t.ID, t.Type, t.Description)
			if len(t.DependsOn) > 0 {
				dim.Printf("    depends on: %s\n", strings.Join(t.DependsOn, ", "))
			}
			if len(t.TargetFiles) > 0 {
				dim.Printf("    targets: %s\n", strings.Join(t.TargetFiles, ", "))
			}
		}
	}
}

// persistAttempts records every worker attempt as it happens, so a partial
// run's history survives in the database. Returns the unsubscribe func.
func persistAttempts(db *state.DB, events *queue.EventQueue) func() {
	return events.On(swarm.KindTaskAttempted, func(env queue.EventEnvelope) {
		a := env.Event.(swarm.TaskAttempted)
		row := state.AttemptRow{
			TaskID:     a.TaskID,
			Attempt:    a.Attempt,
			Model:      a.Model,
			Success:    a.Success,
			DurationMs: a.DurationMs,
			ToolCalls:  a.ToolCalls,
			TokensUsed: a.TokensUsed,
			CreatedAt:  env.Timestamp,
		}
		if err := db.RecordAttempt(row); err != nil {
			fmt.Fprintf(os.Stderr, "warning: persist attempt %s #%d: %v\n", a.TaskID, a.Attempt, err)
		}
	})
}

// persistOutcome writes the final task states and run tallies to SQLite. The
// bridge supplies failure modes, which live only in the event stream.
func persistOutcome(db *state.DB, br *bridge.Bridge, s *swarm.Summary) {
	for _, t := range s.Tasks {
		failureMode := ""
		if view := br.Task(t.ID); view != nil && view.FailureMode != "" {
			failureMode = string(view.FailureMode)
		}
		if err := db.UpsertTask(s.RunID, t, failureMode); err != nil {
			fmt.Fprintf(os.Stderr, "warning: persist task %s: %v\n", t.ID, err)
		}
	}

	status := "complete"
	if s.Failed > 0 || s.Skipped > 0 {
		status = "partial"
	}
	if err := db.FinishRun(s.RunID, status, s.Completed, s.Failed, s.Skipped, s.TokensUsed, s.CostUsed); err != nil {
		fmt.Fprintf(os.Stderr, "warning: persist run: %v\n", err)
	}
}

// printSummary renders the final tally with colors matching outcome.
func printSummary(s *swarm.Summary, outputDir string) {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)
	dim := color.New(color.Faint)

	fmt.Println()
	green.Printf("✓ %d completed", s.Completed)
	if s.Failed > 0 {
		fmt.Print("  ")
		red.Printf("✗ %d failed", s.Failed)
	}
	if s.Skipped > 0 {
		fmt.Print("  ")
		yellow.Printf("⊘ %d skipped", s.Skipped)
	}
	if s.Rescued > 0 {
		fmt.Print("  ")
		yellow.Printf("↻ %d rescued", s.Rescued)
	}
	fmt.Println()

	fmt.Printf("Tokens: %d  Cost: $%.4f  Duration: %s\n",
		s.TokensUsed, s.CostUsed, s.Duration.Round(time.Second))
	dim.Printf("Event ledger: %s\n", filepath.Join(outputDir, s.RunID, "events.jsonl"))
}
