package models

import "strings"

// ClosureReport is the worker's structured wrap-up of an attempt.
type ClosureReport struct {
	// Findings are observations the worker made along the way.
	Findings []string `json:"findings,omitempty"`
	// ActionsTaken describe what the worker did, typically naming files.
	ActionsTaken []string `json:"actions_taken,omitempty"`
	// Failures list anything the worker could not do.
	Failures []string `json:"failures,omitempty"`
	// RemainingWork lists follow-ups the worker identified.
	RemainingWork []string `json:"remaining_work,omitempty"`
	// ExitReason is why the worker stopped (done, timeout, gave_up, ...).
	ExitReason string `json:"exit_reason,omitempty"`
}

// SwarmTaskResult is the immutable outcome of a single attempt.
// A new attempt always produces a new result.
type SwarmTaskResult struct {
	// Success is the worker's own verdict on the attempt.
	Success bool `json:"success"`
	// Output is the worker's final text output.
	Output string `json:"output"`
	// TokensUsed is the tokens consumed by the attempt.
	TokensUsed int64 `json:"tokens_used"`
	// CostUsed is the dollar cost of the attempt.
	CostUsed float64 `json:"cost_used"`
	// DurationMs is the wall-clock duration of the attempt.
	DurationMs int64 `json:"duration_ms"`
	// Model is the model that executed the attempt.
	Model string `json:"model"`
	// ToolCalls is the number of tool invocations made. The value -1 marks
	// an attempt that hit its deadline with tool calls still in flight:
	// evidence of real work, not silence.
	ToolCalls int `json:"tool_calls"`
	// FilesModified lists files the worker reported touching.
	FilesModified []string `json:"files_modified,omitempty"`
	// ClosureReport is the worker's structured wrap-up, if it produced one.
	ClosureReport *ClosureReport `json:"closure_report,omitempty"`
}

// TimedOutMidWork reports whether the attempt hit its deadline while tool
// calls were still outstanding.
func (r *SwarmTaskResult) TimedOutMidWork() bool {
	return r.ToolCalls == -1
}

// Hollow reports whether the attempt claimed success but produced no usable
// output.
func (r *SwarmTaskResult) Hollow() bool {
	return r.Success && strings.TrimSpace(r.Output) == ""
}
