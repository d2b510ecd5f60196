// Package worker is the worker-spawn collaborator: it runs one claude CLI
// subprocess per task attempt and reports the attempt's result and metrics.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/kwagner-io/waggle/pkg/models"
)

// CheckClaudeCLI verifies that the 'claude' CLI is available in PATH.
// Returns an error with installation instructions if not found.
func CheckClaudeCLI() error {
	_, err := exec.LookPath("claude")
	if err != nil {
		return fmt.Errorf("claude CLI not found in PATH\n\n" +
			"waggle dispatches subtasks to Claude Code workers.\n\n" +
			"Install it with:\n" +
			"  npm install -g @anthropic-ai/claude-code")
	}
	return nil
}

// CLISpawner executes task attempts through the claude CLI.
type CLISpawner struct {
	// WorkDir is the directory workers run in.
	WorkDir string
	// Model is passed to --model when set.
	Model string
	// Timeout bounds one attempt. Defaults to 10 minutes.
	Timeout time.Duration
}

// streamLine is the subset of claude's stream-json output the spawner reads.
type streamLine struct {
	Type    string `json:"type"`
	Result  string `json:"result,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
	Message *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"content"`
	} `json:"message,omitempty"`
	Usage *struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
}

// Spawn runs one attempt. The per-attempt timeout is enforced here; a
// deadline that fires while tool calls were observed reports ToolCalls = -1,
// marking evidence of real work rather than silence.
func (s *CLISpawner) Spawn(ctx context.Context, task *models.SwarmTask, guidance string) (*models.SwarmTaskResult, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	prompt := buildPrompt(task, guidance)

	args := []string{
		"--output-format", "stream-json",
		"--print",
		"--verbose",
		"--allowedTools", "Read,Write,Edit,Bash,Glob,Grep",
	}
	if s.Model != "" {
		args = append(args, "--model", s.Model)
	}
	args = append(args, "-p", prompt)

	cmd := exec.CommandContext(ctx, "claude", args...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start claude: %w", err)
	}

	var (
		output     strings.Builder
		finalText  string
		toolCalls  int
		tokens     int64
		cost       float64
		resultSeen bool
		isError    bool
	)

	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev streamLine
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "assistant":
			if ev.Message != nil {
				for _, block := range ev.Message.Content {
					switch block.Type {
					case "text":
						output.WriteString(block.Text)
					case "tool_use":
						toolCalls++
					}
				}
			}
		case "result":
			resultSeen = true
			finalText = ev.Result
			isError = ev.IsError
			if ev.Usage != nil {
				tokens = ev.Usage.InputTokens + ev.Usage.OutputTokens
			}
			cost = ev.TotalCostUSD
		}
	}

	waitErr := cmd.Wait()
	duration := time.Since(started)

	result := &models.SwarmTaskResult{
		Output:     strings.TrimSpace(finalText),
		TokensUsed: tokens,
		CostUsed:   cost,
		DurationMs: duration.Milliseconds(),
		Model:      s.Model,
		ToolCalls:  toolCalls,
	}
	if result.Output == "" {
		result.Output = strings.TrimSpace(output.String())
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.Success = false
		if toolCalls > 0 {
			result.ToolCalls = -1
		}
		return result, nil
	}
	if waitErr != nil && !resultSeen {
		return nil, fmt.Errorf("claude exited: %w", waitErr)
	}

	result.Success = resultSeen && !isError
	result.ClosureReport = parseClosureReport(result.Output)
	result.FilesModified = modifiedFiles(result.ClosureReport)
	return result, nil
}

// buildPrompt frames the task for a worker, with retry or rescue guidance
// when the orchestrator supplies it.
func buildPrompt(task *models.SwarmTask, guidance string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are one worker in a swarm. Complete exactly this subtask (%s):\n\n%s\n", task.Type, task.Description)
	if len(task.TargetFiles) > 0 {
		fmt.Fprintf(&b, "\nTarget files: %s\n", strings.Join(task.TargetFiles, ", "))
	}
	if len(task.RelevantFiles) > 0 {
		fmt.Fprintf(&b, "Read for context: %s\n", strings.Join(task.RelevantFiles, ", "))
	}
	if guidance != "" {
		fmt.Fprintf(&b, "\nGuidance: %s\n", guidance)
	}
	b.WriteString(`
When finished, end your reply with a JSON closure report on its own line:
{"closure_report": {"findings": [], "actions_taken": ["..."], "failures": [], "remaining_work": [], "exit_reason": "done"}}`)
	return b.String()
}

// parseClosureReport extracts the trailing closure report, if the worker
// produced one. Absence is not an error.
func parseClosureReport(output string) *models.ClosureReport {
	idx := strings.LastIndex(output, `{"closure_report"`)
	if idx == -1 {
		return nil
	}
	var wrapper struct {
		ClosureReport *models.ClosureReport `json:"closure_report"`
	}
	end := strings.LastIndex(output, "}")
	if end <= idx {
		return nil
	}
	if err := json.Unmarshal([]byte(output[idx:end+1]), &wrapper); err != nil {
		return nil
	}
	return wrapper.ClosureReport
}

// modifiedFiles lifts file paths out of the closure report's actions.
func modifiedFiles(report *models.ClosureReport) []string {
	if report == nil {
		return nil
	}
	seen := make(map[string]bool)
	var files []string
	for _, action := range report.ActionsTaken {
		for _, token := range strings.Fields(action) {
			token = strings.Trim(token, ".,;:\"'")
			if strings.Contains(token, ".") && strings.ContainsAny(token, "/\\") && !seen[token] {
				seen[token] = true
				files = append(files, token)
			}
		}
	}
	return files
}
