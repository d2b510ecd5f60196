package swarm

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kwagner-io/waggle/internal/artifact"
	"github.com/kwagner-io/waggle/internal/llm"
	"github.com/kwagner-io/waggle/internal/queue"
	"github.com/kwagner-io/waggle/pkg/models"
)

// Config holds the orchestrator's scheduling knobs.
type Config struct {
	// MaxConcurrency caps outstanding dispatches within a wave.
	MaxConcurrency int
	// WorkerRetries is how many times a hollow/failing attempt is retried
	// before resilience takes over (total attempts = retries + 1).
	WorkerRetries int
	// MaxDispatchesPerTask bounds total dispatches per task across retries
	// and rescue; the first cap reached wins.
	MaxDispatchesPerTask int
	// ConsecutiveTimeoutLimit short-circuits retries after N timeouts in a
	// row. Zero disables the early-fail path.
	ConsecutiveTimeoutLimit int
	// ArtifactAwareSkip enables lenient rescue (maxMissing = 1 instead of 0).
	ArtifactAwareSkip bool
	// QualityThreshold is the judge score a completed attempt must reach.
	QualityThreshold int
	// DispatchStagger spaces out dispatches within a wave.
	DispatchStagger time.Duration
	// TotalBudget is the token hard stop, checked between waves. Zero means
	// unlimited.
	TotalBudget int64
	// MaxCost is the dollar hard stop, checked between waves. Zero means
	// unlimited.
	MaxCost float64
	// MicroDecomposeAfter is the failed-attempt eligibility for splitting.
	MicroDecomposeAfter int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 3
	}
	if c.WorkerRetries < 0 {
		c.WorkerRetries = 0
	}
	if c.MaxDispatchesPerTask <= 0 {
		c.MaxDispatchesPerTask = 5
	}
	if c.QualityThreshold <= 0 {
		c.QualityThreshold = DefaultQualityThreshold
	}
	if c.MicroDecomposeAfter <= 0 {
		c.MicroDecomposeAfter = DefaultMicroDecomposeAfter
	}
	return c
}

// RunControl is the optional pause/stop surface, fed by signal files.
type RunControl interface {
	ShouldStop() bool
	ShouldPause() bool
}

// Summary is the final tally of a run.
type Summary struct {
	RunID      string
	Completed  int
	Failed     int
	Skipped    int
	Rescued    int
	TokensUsed int64
	CostUsed   float64
	Duration   time.Duration
	Tasks      []*models.SwarmTask
}

// Orchestrator is the wave scheduler and per-task state machine. It owns the
// task graph exclusively; the quality gate, artifact verifier, and resilience
// engine operate on clones.
type Orchestrator struct {
	cfg      Config
	spawner  Spawner
	gate     *QualityGate
	engine   *ResilienceEngine
	verifier *artifact.Verifier
	events   *queue.EventQueue
	subs     *queue.SubmissionQueue
	control  RunControl
	profile  *JudgeProfile
	logger   *DebugLogger

	graph *TaskGraph
	runID string

	mu         sync.Mutex
	tokensUsed int64
	costUsed   float64
	results    map[string]*models.SwarmTaskResult
	degraded   map[string]bool
	byProxy    map[string]bool
	rescued    int

	drain sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the debug logger shared by the orchestrator and its
// collaborators.
func WithLogger(l *DebugLogger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithRunControl attaches a pause/stop signal source.
func WithRunControl(c RunControl) Option {
	return func(o *Orchestrator) { o.control = c }
}

// WithJudgeProfile overrides the quality judge's model, persona, or
// threshold.
func WithJudgeProfile(p *JudgeProfile) Option {
	return func(o *Orchestrator) { o.profile = p }
}

// New wires an orchestrator: submission queue, event bus, quality gate, and
// resilience engine, all built around the given spawner and chat client.
// workDir is the root artifact probes resolve against.
func New(cfg Config, spawner Spawner, chat llm.Chatter, workDir string, opts ...Option) *Orchestrator {
	cfg = cfg.withDefaults()

	o := &Orchestrator{
		cfg:      cfg,
		spawner:  spawner,
		verifier: artifact.NewVerifier(workDir),
		events:   queue.NewEventQueue(1024),
		subs:     queue.NewSubmissionQueue(queue.SubmissionQueueOptions{MaxSize: 256}),
		graph:    NewTaskGraph(),
		runID:    "run-" + uuid.New().String()[:8],
		results:  make(map[string]*models.SwarmTaskResult),
		degraded: make(map[string]bool),
		byProxy:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = NopLogger()
	}

	o.gate = NewQualityGate(chat, o.verifier, cfg.QualityThreshold, o.logger)
	o.engine = NewResilienceEngine(chat, o.verifier, cfg.MicroDecomposeAfter, o.logger)
	return o
}

// Events exposes the run's event bus for bridges and live views.
func (o *Orchestrator) Events() *queue.EventQueue {
	return o.events
}

// RunID returns this run's identifier.
func (o *Orchestrator) RunID() string {
	return o.runID
}

// Run executes the decomposed tasks to completion or budget exhaustion.
// Every run emits swarm.start and exactly one swarm.complete; partial task
// failure is a normal reported outcome, not an error.
func (o *Orchestrator) Run(ctx context.Context, goal string, tasks []*models.SwarmTask) (*Summary, error) {
	started := time.Now()

	if err := o.graph.Build(tasks); err != nil {
		return nil, fmt.Errorf("build task graph: %w", err)
	}

	// Consume each submission exactly once; the ledger of record is the
	// event bus, so the drain only traces.
	o.drain.Add(1)
	go func() {
		defer o.drain.Done()
		for s := range o.subs.All() {
			o.logger.Log("[orchestrator] submission %s consumed: %s", s.ID, s.Op)
		}
	}()

	o.emit(SwarmStarted{
		RunID:     o.runID,
		Goal:      goal,
		TaskCount: o.graph.Size(),
		WaveCount: o.graph.MaxWave(),
	})

	o.runWaves(ctx)
	o.rescuePass(ctx)

	summary := o.tally(started)
	o.emit(SwarmCompleted{
		RunID:      o.runID,
		Completed:  summary.Completed,
		Failed:     summary.Failed,
		Skipped:    summary.Skipped,
		Rescued:    summary.Rescued,
		TokensUsed: summary.TokensUsed,
		CostUsed:   summary.CostUsed,
		DurationMs: summary.Duration.Milliseconds(),
	})

	o.subs.Close()
	o.drain.Wait()
	o.events.Close()

	return summary, nil
}

// runWaves is the main scheduling loop. Each iteration dispatches one DAG
// level: the set of pending tasks whose dependencies all completed.
func (o *Orchestrator) runWaves(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			o.skipRemaining("run cancelled")
			return
		}
		if o.control != nil && o.control.ShouldStop() {
			o.skipRemaining("stop signal received")
			return
		}
		o.waitWhilePaused(ctx)

		if reason, over := o.overBudget(); over {
			o.skipRemaining(reason)
			return
		}

		o.cascadeSkip()

		batch := o.graph.Ready()
		if len(batch) == 0 {
			return
		}

		o.logger.Log("[orchestrator] dispatching wave of %d tasks (cap %d)", len(batch), o.cfg.MaxConcurrency)

		sem := make(chan struct{}, o.cfg.MaxConcurrency)
		var wg sync.WaitGroup
		for i, task := range batch {
			if i > 0 && o.cfg.DispatchStagger > 0 {
				time.Sleep(o.cfg.DispatchStagger)
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(t *models.SwarmTask) {
				defer wg.Done()
				defer func() { <-sem }()
				o.runTask(ctx, t, "")
			}(task)
		}
		wg.Wait()
	}
}

// waitWhilePaused blocks between dispatches while a pause signal is up.
func (o *Orchestrator) waitWhilePaused(ctx context.Context) {
	for o.control != nil && o.control.ShouldPause() {
		if ctx.Err() != nil || o.control.ShouldStop() {
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
}

// overBudget checks the token and cost hard stops between waves.
func (o *Orchestrator) overBudget() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cfg.TotalBudget > 0 && o.tokensUsed >= o.cfg.TotalBudget {
		return fmt.Sprintf("token budget exhausted (%d used)", o.tokensUsed), true
	}
	if o.cfg.MaxCost > 0 && o.costUsed >= o.cfg.MaxCost {
		return fmt.Sprintf("cost budget exhausted ($%.2f used)", o.costUsed), true
	}
	return "", false
}

// cascadeSkip marks pending tasks with a failed or skipped dependency as
// skipped, iterating until the skip wave settles.
func (o *Orchestrator) cascadeSkip() {
	for {
		blocked := o.graph.Blocked()
		if len(blocked) == 0 {
			return
		}
		for _, task := range blocked {
			var failedDeps []string
			for _, depID := range o.graph.Dependencies(task.ID) {
				dep := o.graph.Task(depID)
				if dep.Status == models.TaskStatusFailed || dep.Status == models.TaskStatusSkipped {
					failedDeps = append(failedDeps, depID)
				}
			}
			o.transition(task, models.TaskStatusSkipped)
			o.emit(TaskSkipped{
				TaskID:     task.ID,
				Reason:     "dependency failed",
				FailedDeps: failedDeps,
			})
		}
	}
}

// skipRemaining marks every still-pending task skipped with the given
// reason (budget exhaustion, stop signal, cancellation).
func (o *Orchestrator) skipRemaining(reason string) {
	for _, task := range o.graph.Tasks() {
		if task.Status == models.TaskStatusPending || task.Status == models.TaskStatusReady {
			o.transition(task, models.TaskStatusSkipped)
			o.emit(TaskSkipped{TaskID: task.ID, Reason: reason})
		}
	}
}

// runTask drives one task through its attempt loop, quality gating, and
// resilience. guidance carries retry feedback or the rescue pass's
// partial-upstream note.
func (o *Orchestrator) runTask(ctx context.Context, task *models.SwarmTask, guidance string) {
	if task.Status == models.TaskStatusPending {
		o.transition(task, models.TaskStatusReady)
	}
	o.transition(task, models.TaskStatusDispatched)
	o.emit(TaskDispatched{
		TaskID:      task.ID,
		Description: task.Description,
		Wave:        task.Wave,
		Attempts:    task.Attempts,
		Guidance:    guidance,
	})

	var last *models.SwarmTaskResult
	failures := 0
	consecutiveTimeouts := 0

	for {
		if task.Attempts >= o.cfg.MaxDispatchesPerTask {
			o.logger.Log("[orchestrator] task %s: dispatch cap %d reached", task.ID, o.cfg.MaxDispatchesPerTask)
			o.escalate(ctx, task, last, failures, true)
			return
		}

		attempt := task.Attempts + 1
		result, err := o.spawner.Spawn(ctx, task.Clone(), guidance)
		if err != nil {
			// A spawn transport error is an ordinary failed attempt.
			result = &models.SwarmTaskResult{Success: false, Output: err.Error()}
		}
		task.Attempts = attempt
		o.record(task.ID, result)

		o.emit(TaskAttempted{
			TaskID:     task.ID,
			Attempt:    attempt,
			Model:      result.Model,
			Success:    result.Success,
			DurationMs: result.DurationMs,
			ToolCalls:  result.ToolCalls,
			TokensUsed: result.TokensUsed,
		})

		last = result

		if result.Success && !result.Hollow() {
			verdict := o.gate.Evaluate(ctx, task.Clone(), result, o.profile)
			if verdict.Passed {
				o.complete(task, false, false, verdict.Score)
				return
			}
			o.logger.Log("[orchestrator] task %s attempt %d: quality gate failed (score %d)", task.ID, attempt, verdict.Score)
			guidance = "A previous attempt was rejected by review: " + verdict.Feedback
			failures++
			consecutiveTimeouts = 0
		} else {
			failures++
			if result.TimedOutMidWork() {
				consecutiveTimeouts++
				guidance = "A previous attempt timed out mid-work; pick up where it left off."
			} else {
				consecutiveTimeouts = 0
				if result.Hollow() {
					guidance = "A previous attempt reported success but produced no output; produce concrete results."
				} else if result.Output != "" {
					snippet := result.Output
					if len(snippet) > 300 {
						snippet = snippet[:300]
					}
					guidance = "A previous attempt failed: " + snippet
				}
			}
		}

		// The consecutive-timeout early-fail runs before the retry
		// exhaustion check; it skips micro-decompose but still probes
		// artifacts, since -1 tool calls are evidence of real work.
		if o.cfg.ConsecutiveTimeoutLimit > 0 && consecutiveTimeouts >= o.cfg.ConsecutiveTimeoutLimit {
			o.logger.Log("[orchestrator] task %s: %d consecutive timeouts, early-failing", task.ID, consecutiveTimeouts)
			o.escalate(ctx, task, last, failures, false)
			return
		}

		if failures > o.cfg.WorkerRetries {
			o.escalate(ctx, task, last, failures, true)
			return
		}
	}
}

// escalate hands a retry-exhausted task to the resilience engine. The
// failure mode is classified before any event is emitted so it is never
// dropped, and exactly one task.resilience event records whichever strategy
// actually ran.
func (o *Orchestrator) escalate(ctx context.Context, task *models.SwarmTask, last *models.SwarmTaskResult, failures int, allowMicro bool) {
	mode := ClassifyFailure(last)

	outcome := o.engine.Recover(ctx, task.Clone(), last, failures, allowMicro)
	o.emit(TaskResilience{
		TaskID:         task.ID,
		Strategy:       outcome.Strategy,
		Succeeded:      outcome.Succeeded,
		Reason:         outcome.Reason,
		ArtifactsFound: outcome.ArtifactsFound,
		ToolCalls:      outcome.ToolCalls,
	})

	switch {
	case outcome.Succeeded && outcome.Strategy == StrategyMicroDecompose:
		if err := o.graph.Splice(task.ID, outcome.Children); err != nil {
			o.logger.Log("[orchestrator] task %s: splice failed: %v", task.ID, err)
			o.fail(task, mode, "micro-decompose splice failed")
			return
		}
		o.complete(task, false, true, 0)
	case outcome.Succeeded && outcome.Strategy == StrategyDegraded:
		o.complete(task, true, false, 0)
	default:
		o.fail(task, mode, outcome.Reason)
	}
}

// complete marks a task terminal-success and emits task.completed.
func (o *Orchestrator) complete(task *models.SwarmTask, degraded, byProxy bool, score int) {
	o.transition(task, models.TaskStatusCompleted)
	now := time.Now()
	task.CompletedAt = &now

	o.mu.Lock()
	if degraded {
		o.degraded[task.ID] = true
	}
	if byProxy {
		o.byProxy[task.ID] = true
	}
	o.mu.Unlock()

	o.emit(TaskCompleted{
		TaskID:   task.ID,
		Attempts: task.Attempts,
		Degraded: degraded,
		ByProxy:  byProxy,
		Score:    score,
	})
}

// fail marks a task terminal-failure with its classified mode.
func (o *Orchestrator) fail(task *models.SwarmTask, mode models.FailureMode, reason string) {
	o.transition(task, models.TaskStatusFailed)
	now := time.Now()
	task.CompletedAt = &now

	o.emit(TaskFailed{
		TaskID:      task.ID,
		Attempts:    task.Attempts,
		FailureMode: mode,
		Reason:      reason,
	})
}

// rescuePass re-examines cascade-skipped tasks once, in topological order so
// a rescued task can unblock later rescues. A skipped task is dispatched
// anyway when at most maxMissing of its failed dependencies are truly
// missing (no on-disk artifacts). The budget and stop hard stops hold here
// too: they are re-checked before every rescue dispatch.
func (o *Orchestrator) rescuePass(ctx context.Context) {
	maxMissing := 0
	if o.cfg.ArtifactAwareSkip {
		maxMissing = 1
	}

	for _, id := range o.graph.TopologicalOrder() {
		if ctx.Err() != nil {
			return
		}
		if o.control != nil && o.control.ShouldStop() {
			return
		}
		if _, over := o.overBudget(); over {
			return
		}
		task := o.graph.Task(id)
		if task.Status != models.TaskStatusSkipped {
			continue
		}
		if task.Attempts >= o.cfg.MaxDispatchesPerTask {
			continue
		}

		trulyMissing := 0
		eligible := true
		var weakDeps []string
		for _, depID := range o.graph.Dependencies(id) {
			dep := o.graph.Task(depID)
			switch dep.Status {
			case models.TaskStatusCompleted:
				continue
			case models.TaskStatusFailed, models.TaskStatusSkipped:
				o.mu.Lock()
				lastResult := o.results[depID]
				o.mu.Unlock()
				report := o.verifier.Inspect(dep.Clone(), lastResult)
				if report.NonEmptyCount() == 0 {
					trulyMissing++
				}
				weakDeps = append(weakDeps, depID)
			default:
				eligible = false
			}
		}
		// No weak dependency means the task was halted by a hard stop
		// (budget, stop signal, cancellation), not by cascade skip; those
		// stay skipped.
		if len(weakDeps) == 0 {
			continue
		}
		if !eligible || trulyMissing > maxMissing {
			continue
		}

		o.logger.Log("[orchestrator] rescuing task %s: %d weak deps, %d truly missing (max %d)",
			task.ID, len(weakDeps), trulyMissing, maxMissing)
		o.mu.Lock()
		o.rescued++
		o.mu.Unlock()

		guidance := fmt.Sprintf(
			"Upstream context is partial: dependencies %s did not complete cleanly. Work from whatever artifacts exist.",
			strings.Join(weakDeps, ", "))
		o.runTask(ctx, task, guidance)
	}
}

// transition applies a forward-only status change, logging anything the
// lifecycle forbids instead of applying it.
func (o *Orchestrator) transition(task *models.SwarmTask, next models.TaskStatus) {
	if !task.Status.CanTransitionTo(next) {
		log.Printf("[swarm] WARNING: illegal transition %s -> %s for task %s", task.Status, next, task.ID)
		return
	}
	task.Status = next
}

// record accumulates run totals and retains the task's latest result for
// artifact probes during rescue.
func (o *Orchestrator) record(taskID string, result *models.SwarmTaskResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tokensUsed += result.TokensUsed
	o.costUsed += result.CostUsed
	o.results[taskID] = result
}

// emit pushes an event through the submission queue (for the id) and onto
// the bus. Queue backpressure is absorbed: an event is never lost, only its
// submission id.
func (o *Orchestrator) emit(ev queue.Event) {
	id, err := o.subs.Submit(ev.Kind(), o.runID)
	if err != nil {
		o.logger.Log("[orchestrator] submission failed for %s: %v", ev.Kind(), err)
	}
	o.events.Emit(id, ev)
}

// tally assembles the run summary.
func (o *Orchestrator) tally(started time.Time) *Summary {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := &Summary{
		RunID:      o.runID,
		Rescued:    o.rescued,
		TokensUsed: o.tokensUsed,
		CostUsed:   o.costUsed,
		Duration:   time.Since(started),
		Tasks:      o.graph.Tasks(),
	}
	for _, task := range s.Tasks {
		switch task.Status {
		case models.TaskStatusCompleted:
			s.Completed++
		case models.TaskStatusFailed:
			s.Failed++
		case models.TaskStatusSkipped:
			s.Skipped++
		}
	}
	return s
}
