// Package models defines the shared task and result types for the swarm.
package models

import "time"

// TaskStatus represents the current state of a swarm task.
// Transitions are forward-only: pending -> ready -> dispatched -> terminal.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is waiting on dependencies.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusReady indicates all dependencies are satisfied.
	TaskStatusReady TaskStatus = "ready"
	// TaskStatusDispatched indicates the task has been handed to a worker.
	TaskStatusDispatched TaskStatus = "dispatched"
	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task exhausted all recovery options.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusSkipped indicates the task was not dispatched because a
	// dependency failed.
	TaskStatusSkipped TaskStatus = "skipped"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusReady, TaskStatusDispatched,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusSkipped:
		return true
	default:
		return false
	}
}

// Terminal returns true for completed, failed, and skipped.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusSkipped:
		return true
	default:
		return false
	}
}

// rank orders statuses along the lifecycle. Terminal states share a rank
// because only one of them is ever reached.
func (s TaskStatus) rank() int {
	switch s {
	case TaskStatusPending:
		return 0
	case TaskStatusReady:
		return 1
	case TaskStatusDispatched:
		return 2
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusSkipped:
		return 3
	default:
		return -1
	}
}

// CanTransitionTo reports whether moving from s to next respects the
// forward-only lifecycle. A status never regresses and a terminal status
// never changes.
//
// Skipped is reachable directly from pending or ready (cascade skip), and a
// skipped task may return to dispatched exactly once via lenient rescue.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	if !s.Valid() || !next.Valid() || s == next {
		return false
	}
	// Lenient rescue re-dispatches a skipped task.
	if s == TaskStatusSkipped && next == TaskStatusDispatched {
		return true
	}
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// TaskType categorizes a subtask for worker guidance.
type TaskType string

const (
	// TaskTypeImplement is code or content creation work.
	TaskTypeImplement TaskType = "implement"
	// TaskTypeTest is verification and test-writing work.
	TaskTypeTest TaskType = "test"
	// TaskTypeRefactor is restructuring work over existing files.
	TaskTypeRefactor TaskType = "refactor"
	// TaskTypeSetup is scaffolding that other tasks depend on.
	TaskTypeSetup TaskType = "setup"
	// TaskTypeDocs is documentation work.
	TaskTypeDocs TaskType = "docs"
)

// FailureMode classifies why a task's attempts kept failing.
type FailureMode string

const (
	// FailureHollow marks attempts that reported success with no usable output.
	FailureHollow FailureMode = "hollow"
	// FailureTimeout marks attempts that hit the worker deadline.
	FailureTimeout FailureMode = "timeout"
	// FailureError marks ordinary failed attempts.
	FailureError FailureMode = "error"
)

// SwarmTask is one node of the decomposed dependency graph.
type SwarmTask struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// Description is what the worker is asked to do.
	Description string `json:"description"`
	// Type categorizes the work for guidance prompts.
	Type TaskType `json:"type"`
	// DependsOn lists task IDs that must complete before this task.
	DependsOn []string `json:"depends_on,omitempty"`
	// Status is the current lifecycle state.
	Status TaskStatus `json:"status"`
	// Complexity is the decomposer's 1-10 difficulty estimate.
	Complexity int `json:"complexity"`
	// Wave is the topological level: 1 + max(dependency waves).
	Wave int `json:"wave"`
	// Attempts is the number of dispatches made so far.
	Attempts int `json:"attempts"`
	// Parallelizable indicates the task has no ordering constraint within
	// its wave.
	Parallelizable bool `json:"parallelizable"`
	// TargetFiles are the files the task is expected to produce or modify.
	TargetFiles []string `json:"target_files,omitempty"`
	// RelevantFiles are files the worker should read for context.
	RelevantFiles []string `json:"relevant_files,omitempty"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt is when the task reached a terminal state, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy. Collaborators that inspect tasks receive
// clones; the orchestrator alone mutates the originals.
func (t *SwarmTask) Clone() *SwarmTask {
	c := *t
	c.DependsOn = append([]string(nil), t.DependsOn...)
	c.TargetFiles = append([]string(nil), t.TargetFiles...)
	c.RelevantFiles = append([]string(nil), t.RelevantFiles...)
	if t.CompletedAt != nil {
		done := *t.CompletedAt
		c.CompletedAt = &done
	}
	return &c
}
