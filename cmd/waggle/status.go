package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kwagner-io/waggle/internal/state"
	"github.com/kwagner-io/waggle/pkg/models"
)

var statusRunID string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent swarm runs",
	Long: `Display recent swarm runs from the project database.

Shows:
  - Recent runs with outcome tallies
  - Token and cost spend per run
  - Per-task breakdown with --run <id>`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusRunID, "run", "", "Show the task breakdown of one run")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	dbPath := state.DefaultDBPath(cwd)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("No runs yet. Run 'waggle run <goal>' to start.")
		return nil
	}

	db, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	if statusRunID != "" {
		return displayRunTasks(db, statusRunID)
	}
	return displayRecentRuns(db)
}

func displayRecentRuns(db *state.DB) error {
	runs, err := db.RecentRuns(10)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("No runs yet. Run 'waggle run <goal>' to start.")
		return nil
	}

	fmt.Println("Recent Runs:")
	for _, r := range runs {
		elapsed := formatDuration(time.Since(r.StartedAt))
		statusColor := colorForRunStatus(r.Status)
		fmt.Printf("  %s  %s  (%s ago)\n", r.ID, statusColor.Sprint(r.Status), elapsed)
		fmt.Printf("    %q\n", truncate(r.Goal, 70))
		fmt.Printf("    %d/%d completed, %d failed, %d skipped | %s tokens, $%.4f\n",
			r.Completed, r.TotalTasks, r.Failed, r.Skipped,
			formatNumber(r.TokensUsed), r.CostUsed)
	}
	return nil
}

func displayRunTasks(db *state.DB, runID string) error {
	tasks, err := db.TasksForRun(runID)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	if len(tasks) == 0 {
		fmt.Printf("No tasks recorded for run %s.\n", runID)
		return nil
	}

	dim := color.New(color.Faint)
	fmt.Printf("Run %s:\n", runID)
	for _, t := range tasks {
		statusColor := colorForTaskStatus(t.Status)
		line := fmt.Sprintf("  [wave %d] %s  %s", t.Wave, t.ID, statusColor.Sprint(t.Status))
		if t.Attempts > 1 {
			line += fmt.Sprintf(" (%d attempts)", t.Attempts)
		}
		if t.FailureMode != "" {
			line += fmt.Sprintf(" [%s]", t.FailureMode)
		}
		fmt.Println(line)
		fmt.Printf("    %s\n", truncate(t.Description, 72))

		attempts, err := db.AttemptsForTask(t.ID)
		if err != nil {
			return fmt.Errorf("list attempts: %w", err)
		}
		for _, a := range attempts {
			outcome := "ok"
			calls := fmt.Sprintf("%d tool calls", a.ToolCalls)
			if !a.Success {
				outcome = "failed"
			}
			if a.ToolCalls == -1 {
				outcome = "timed out mid-work"
				calls = "tool calls in flight"
			}
			dim.Printf("      attempt %d: %s, %s, %s tokens, %s\n",
				a.Attempt, outcome, calls, formatNumber(a.TokensUsed),
				formatDuration(time.Duration(a.DurationMs)*time.Millisecond))
		}
	}
	return nil
}

func colorForRunStatus(status string) *color.Color {
	switch status {
	case "complete":
		return color.New(color.FgGreen)
	case "partial":
		return color.New(color.FgYellow)
	case "running":
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgRed)
	}
}

func colorForTaskStatus(status models.TaskStatus) *color.Color {
	switch status {
	case models.TaskStatusCompleted:
		return color.New(color.FgGreen)
	case models.TaskStatusFailed:
		return color.New(color.FgRed)
	case models.TaskStatusSkipped:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgCyan)
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	days := int(d.Hours()) / 24
	return fmt.Sprintf("%dd", days)
}

// formatNumber formats a number with commas.
func formatNumber(n int64) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}

	var result strings.Builder
	offset := len(s) % 3
	if offset > 0 {
		result.WriteString(s[:offset])
		result.WriteString(",")
	}
	for i := offset; i < len(s); i += 3 {
		result.WriteString(s[i : i+3])
		if i+3 < len(s) {
			result.WriteString(",")
		}
	}
	return result.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
