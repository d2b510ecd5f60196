// Package swarm decomposes one high-level goal into a dependency graph of
// subtasks and drives each through dispatch, retry, quality gating, and
// multi-strategy failure recovery.
package swarm

import "github.com/kwagner-io/waggle/pkg/models"

// Wire names of the swarm event stream. These are the values Event.Kind
// returns and the "event" field of every ledger line.
const (
	KindSwarmStarted   = "swarm.start"
	KindTaskDispatched = "swarm.task.dispatched"
	KindTaskAttempted  = "swarm.task.attempt"
	KindTaskResilience = "swarm.task.resilience"
	KindTaskCompleted  = "swarm.task.completed"
	KindTaskFailed     = "swarm.task.failed"
	KindTaskSkipped    = "swarm.task.skipped"
	KindSwarmCompleted = "swarm.complete"
)

// SwarmStarted announces a new run with its decomposed graph shape.
type SwarmStarted struct {
	RunID     string `json:"run_id"`
	Goal      string `json:"goal"`
	TaskCount int    `json:"task_count"`
	WaveCount int    `json:"wave_count"`
}

func (SwarmStarted) Kind() string { return KindSwarmStarted }

// TaskDispatched marks a task's transition to dispatched. It is emitted once
// per dispatch decision, not once per attempt; lenient rescue re-dispatches
// produce a second one with a partial-upstream note.
type TaskDispatched struct {
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
	Wave        int    `json:"wave"`
	Attempts    int    `json:"attempts"`
	Guidance    string `json:"guidance,omitempty"`
}

func (TaskDispatched) Kind() string { return KindTaskDispatched }

// TaskAttempted records one worker attempt. Attempt numbers are monotonic
// per task starting at 1. ToolCalls of -1 marks a timeout that fired while
// tool calls were still in flight.
type TaskAttempted struct {
	TaskID     string `json:"task_id"`
	Attempt    int    `json:"attempt"`
	Model      string `json:"model"`
	Success    bool   `json:"success"`
	DurationMs int64  `json:"duration_ms"`
	ToolCalls  int    `json:"tool_calls"`
	TokensUsed int64  `json:"tokens_used"`
}

func (TaskAttempted) Kind() string { return KindTaskAttempted }

// TaskResilience records exactly one recovery decision after retries
// exhaust, reflecting whichever strategy actually ran.
type TaskResilience struct {
	TaskID         string `json:"task_id"`
	Strategy       string `json:"strategy"`
	Succeeded      bool   `json:"succeeded"`
	Reason         string `json:"reason"`
	ArtifactsFound int    `json:"artifacts_found"`
	ToolCalls      int    `json:"tool_calls"`
}

func (TaskResilience) Kind() string { return KindTaskResilience }

// TaskCompleted marks a terminal success, possibly degraded (accepted on
// artifact evidence) or by proxy (replaced by micro-decomposed children).
type TaskCompleted struct {
	TaskID   string `json:"task_id"`
	Attempts int    `json:"attempts"`
	Degraded bool   `json:"degraded,omitempty"`
	ByProxy  bool   `json:"by_proxy,omitempty"`
	Score    int    `json:"score,omitempty"`
}

func (TaskCompleted) Kind() string { return KindTaskCompleted }

// TaskFailed marks terminal failure after retries and resilience exhausted.
type TaskFailed struct {
	TaskID      string             `json:"task_id"`
	Attempts    int                `json:"attempts"`
	FailureMode models.FailureMode `json:"failure_mode,omitempty"`
	Reason      string             `json:"reason,omitempty"`
}

func (TaskFailed) Kind() string { return KindTaskFailed }

// TaskSkipped marks a task that was never dispatched because a dependency
// failed (cascade skip) or the budget ran out between waves.
type TaskSkipped struct {
	TaskID     string   `json:"task_id"`
	Reason     string   `json:"reason"`
	FailedDeps []string `json:"failed_deps,omitempty"`
}

func (TaskSkipped) Kind() string { return KindTaskSkipped }

// SwarmCompleted is emitted exactly once per run, whatever the outcome.
type SwarmCompleted struct {
	RunID      string  `json:"run_id"`
	Completed  int     `json:"completed"`
	Failed     int     `json:"failed"`
	Skipped    int     `json:"skipped"`
	Rescued    int     `json:"rescued"`
	TokensUsed int64   `json:"tokens_used"`
	CostUsed   float64 `json:"cost_used"`
	DurationMs int64   `json:"duration_ms"`
}

func (SwarmCompleted) Kind() string { return KindSwarmCompleted }
