package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kwagner-io/waggle/internal/artifact"
	"github.com/kwagner-io/waggle/internal/llm"
	"github.com/kwagner-io/waggle/pkg/models"
)

// Resilience strategies, in the order they are tried.
const (
	StrategyMicroDecompose = "micro-decompose"
	StrategyDegraded       = "degraded-acceptance"
	StrategyNone           = "none"
)

// DefaultMicroDecomposeAfter is the failed-attempt count that makes a task
// eligible for micro-decomposition. Eligibility is never gated on task
// complexity; a fixed complexity threshold under-triggered for
// moderate-complexity tasks.
const DefaultMicroDecomposeAfter = 2

// ResilienceOutcome records which recovery strategy ran and how it went.
type ResilienceOutcome struct {
	// Strategy is micro-decompose, degraded-acceptance, or none.
	Strategy string `json:"strategy"`
	// Succeeded is whether the strategy recovered the task.
	Succeeded bool `json:"succeeded"`
	// Reason explains the decision.
	Reason string `json:"reason"`
	// ArtifactsFound counts nonzero-size artifacts discovered on disk.
	ArtifactsFound int `json:"artifacts_found"`
	// ToolCalls carries the last attempt's tool-call count; -1 means the
	// attempt timed out with calls in flight, which is evidence of real work.
	ToolCalls int `json:"tool_calls"`
	// Children holds the spliced subtasks when micro-decompose succeeded.
	Children []*models.SwarmTask `json:"-"`
}

// microDecomposePrompt asks the model to split a stuck task into smaller
// pieces with explicit target files.
const microDecomposePrompt = `A worker agent failed this task %d times. Split it into 2-4 smaller,
more concrete subtasks that together accomplish the same work. Each subtask
MUST name explicit target files.

Task:
%s

Last failure: %s

Return ONLY a JSON object (no other text):
{
  "subtasks": [
    {
      "description": "Smaller concrete step",
      "type": "implement|test|refactor|setup|docs",
      "complexity": 2,
      "target_files": ["path/to/file.go"]
    }
  ]
}`

// microSubtask is the JSON shape of a micro-decomposed child.
type microSubtask struct {
	Description string   `json:"description"`
	Type        string   `json:"type"`
	Complexity  int      `json:"complexity"`
	TargetFiles []string `json:"target_files"`
}

// ResilienceEngine decides what to do with a task whose retries exhausted:
// micro-decompose it, accept it in degraded mode on artifact evidence, or
// give up.
type ResilienceEngine struct {
	chat       llm.Chatter
	verifier   *artifact.Verifier
	microAfter int
	logger     *DebugLogger
}

// NewResilienceEngine creates an engine. microAfter <= 0 uses the default
// eligibility of two failed attempts.
func NewResilienceEngine(chat llm.Chatter, verifier *artifact.Verifier, microAfter int, logger *DebugLogger) *ResilienceEngine {
	if microAfter <= 0 {
		microAfter = DefaultMicroDecomposeAfter
	}
	if logger == nil {
		logger = NopLogger()
	}
	return &ResilienceEngine{chat: chat, verifier: verifier, microAfter: microAfter, logger: logger}
}

// ClassifyFailure derives the failure mode from the last attempt. The -1
// tool-call sentinel takes precedence over hollowness: a timed-out attempt
// with empty output still failed by timeout, not by silence.
func ClassifyFailure(last *models.SwarmTaskResult) models.FailureMode {
	if last == nil {
		return models.FailureError
	}
	if last.TimedOutMidWork() {
		return models.FailureTimeout
	}
	if last.Hollow() {
		return models.FailureHollow
	}
	return models.FailureError
}

// Recover tries the strategies in order and returns exactly one outcome.
// failedAttempts is the task's failed attempt count; allowMicro is false on
// the consecutive-timeout early-fail path, which skips straight to artifact
// probing since -1 tool calls are evidence of work already on disk.
func (e *ResilienceEngine) Recover(ctx context.Context, task *models.SwarmTask, last *models.SwarmTaskResult, failedAttempts int, allowMicro bool) ResilienceOutcome {
	toolCalls := 0
	if last != nil {
		toolCalls = last.ToolCalls
	}

	if allowMicro && failedAttempts >= e.microAfter {
		outcome := e.microDecompose(ctx, task, last, failedAttempts)
		outcome.ToolCalls = toolCalls
		if outcome.Succeeded {
			return outcome
		}
		e.logger.Log("[resilience] task %s: micro-decompose did not apply (%s), probing artifacts", task.ID, outcome.Reason)
	}

	report := e.verifier.Inspect(task, last)
	if found := report.NonEmptyCount(); found > 0 {
		e.logger.Log("[resilience] task %s: accepting in degraded mode on %d artifacts", task.ID, found)
		return ResilienceOutcome{
			Strategy:       StrategyDegraded,
			Succeeded:      true,
			Reason:         fmt.Sprintf("accepted on evidence of %d nonzero artifacts", found),
			ArtifactsFound: found,
			ToolCalls:      toolCalls,
		}
	}

	return ResilienceOutcome{
		Strategy:  StrategyNone,
		Succeeded: false,
		Reason:    "no artifacts on disk and no viable split",
		ToolCalls: toolCalls,
	}
}

// microDecompose asks the model to split the task. A malformed or trivial
// split is not fatal; the caller falls through to artifact probing.
func (e *ResilienceEngine) microDecompose(ctx context.Context, task *models.SwarmTask, last *models.SwarmTaskResult, failedAttempts int) ResilienceOutcome {
	lastFailure := "no output"
	if last != nil && last.Output != "" {
		lastFailure = last.Output
		if len(lastFailure) > 500 {
			lastFailure = lastFailure[:500]
		}
	}

	prompt := fmt.Sprintf(microDecomposePrompt, failedAttempts, task.Description, lastFailure)
	content, err := e.chat.Chat(ctx, []llm.Message{{Role: "user", Content: prompt}})
	if err != nil {
		return ResilienceOutcome{
			Strategy: StrategyMicroDecompose,
			Reason:   fmt.Sprintf("split call failed: %v", err),
		}
	}

	children, err := parseMicroDecomposition(content, task)
	if err != nil {
		return ResilienceOutcome{
			Strategy: StrategyMicroDecompose,
			Reason:   fmt.Sprintf("split rejected: %v", err),
		}
	}

	return ResilienceOutcome{
		Strategy:  StrategyMicroDecompose,
		Succeeded: true,
		Reason:    fmt.Sprintf("split into %d subtasks after %d failed attempts", len(children), failedAttempts),
		Children:  children,
	}
}

// parseMicroDecomposition validates the split: at least two children, each
// with explicit target files.
func parseMicroDecomposition(content string, parent *models.SwarmTask) ([]*models.SwarmTask, error) {
	jsonStr, err := extractJSONObject(content)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Subtasks []microSubtask `json:"subtasks"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &resp); err != nil {
		return nil, fmt.Errorf("unmarshal split: %w", err)
	}
	if len(resp.Subtasks) < 2 {
		return nil, fmt.Errorf("split produced %d subtasks, need at least 2", len(resp.Subtasks))
	}

	now := time.Now()
	children := make([]*models.SwarmTask, 0, len(resp.Subtasks))
	for i, st := range resp.Subtasks {
		if len(st.TargetFiles) == 0 {
			return nil, fmt.Errorf("split subtask %d has no target files", i)
		}
		if strings.TrimSpace(st.Description) == "" {
			return nil, fmt.Errorf("split subtask %d has no description", i)
		}
		children = append(children, &models.SwarmTask{
			ID:             "task-" + uuid.New().String()[:8],
			Description:    strings.TrimSpace(st.Description),
			Type:           normalizeTaskType(st.Type),
			Status:         models.TaskStatusPending,
			Complexity:     clampComplexity(st.Complexity),
			Parallelizable: true,
			TargetFiles:    st.TargetFiles,
			RelevantFiles:  parent.RelevantFiles,
			CreatedAt:      now,
		})
	}
	return children, nil
}
