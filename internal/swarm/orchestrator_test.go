package swarm

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/kwagner-io/waggle/internal/queue"
	"github.com/kwagner-io/waggle/pkg/models"
)

// eventRecorder captures the run's event stream in delivery order.
type eventRecorder struct {
	mu   sync.Mutex
	envs []queue.EventEnvelope
}

func (r *eventRecorder) record(env queue.EventEnvelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
}

func (r *eventRecorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.envs))
	for i, env := range r.envs {
		out[i] = env.Event.Kind()
	}
	return out
}

func (r *eventRecorder) ofKind(kind string) []queue.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []queue.Event
	for _, env := range r.envs {
		if env.Event.Kind() == kind {
			out = append(out, env.Event)
		}
	}
	return out
}

func passingJudge() *stubChatter {
	return &stubChatter{respond: func(string) (string, error) {
		return "SCORE: 4\nFEEDBACK: fine", nil
	}}
}

func newTestOrchestrator(t *testing.T, cfg Config, spawner Spawner, chat *stubChatter) (*Orchestrator, *eventRecorder, string) {
	t.Helper()
	workDir := t.TempDir()
	o := New(cfg, spawner, chat, workDir)
	rec := &eventRecorder{}
	o.Events().Subscribe(rec.record)
	return o, rec, workDir
}

func TestRunEmitsOrderedLifecycle(t *testing.T) {
	// A completes on the first attempt; B (depending on A) is hollow twice
	// and succeeds on attempt three.
	var bAttempts int32
	spawner := SpawnerFunc(func(ctx context.Context, task *models.SwarmTask, guidance string) (*models.SwarmTaskResult, error) {
		if task.ID == "task-a" {
			return &models.SwarmTaskResult{Success: true, Output: "did A", ToolCalls: 2}, nil
		}
		n := atomic.AddInt32(&bAttempts, 1)
		if n <= 2 {
			return &models.SwarmTaskResult{Success: true, Output: "   "}, nil
		}
		return &models.SwarmTaskResult{Success: true, Output: "did B", ToolCalls: 3}, nil
	})

	o, rec, _ := newTestOrchestrator(t, Config{MaxConcurrency: 2, WorkerRetries: 2}, spawner, passingJudge())

	tasks := []*models.SwarmTask{
		task("task-a"),
		task("task-b", "task-a"),
	}
	summary, err := o.Run(context.Background(), "two step goal", tasks)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if summary.Completed != 2 || summary.Failed != 0 || summary.Skipped != 0 {
		t.Errorf("summary = %+v", summary)
	}

	want := []string{
		KindSwarmStarted,
		KindTaskDispatched, KindTaskAttempted, KindTaskCompleted, // A
		KindTaskDispatched, KindTaskAttempted, KindTaskAttempted, KindTaskAttempted, KindTaskCompleted, // B
		KindSwarmCompleted,
	}
	got := rec.kinds()
	if len(got) != len(want) {
		t.Fatalf("got %d events %v, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}

	// B's attempts are numbered monotonically and its completion reports 3.
	attempts := rec.ofKind(KindTaskAttempted)
	bSeen := 0
	for _, ev := range attempts {
		a := ev.(TaskAttempted)
		if a.TaskID == "task-b" {
			bSeen++
			if a.Attempt != bSeen {
				t.Errorf("task-b attempt numbered %d, want %d", a.Attempt, bSeen)
			}
		}
	}
	for _, ev := range rec.ofKind(KindTaskCompleted) {
		c := ev.(TaskCompleted)
		if c.TaskID == "task-b" && c.Attempts != 3 {
			t.Errorf("task-b completed with %d attempts, want 3", c.Attempts)
		}
	}
}

func TestRunClassifiesTimeout(t *testing.T) {
	spawner := SpawnerFunc(func(ctx context.Context, task *models.SwarmTask, guidance string) (*models.SwarmTaskResult, error) {
		return &models.SwarmTaskResult{Success: false, Output: "", ToolCalls: -1}, nil
	})
	chat := passingJudge()
	o, rec, _ := newTestOrchestrator(t, Config{WorkerRetries: 0}, spawner, chat)

	summary, err := o.Run(context.Background(), "slow goal", []*models.SwarmTask{task("task-t")})
	if err != nil {
		t.Fatal(err)
	}
	if summary.Failed != 1 {
		t.Fatalf("failed = %d, want 1", summary.Failed)
	}

	failed := rec.ofKind(KindTaskFailed)
	if len(failed) != 1 {
		t.Fatalf("got %d task.failed events, want 1", len(failed))
	}
	if mode := failed[0].(TaskFailed).FailureMode; mode != models.FailureTimeout {
		t.Errorf("failure mode = %s, want timeout", mode)
	}

	// Exactly one resilience event, and no split attempted below eligibility.
	res := rec.ofKind(KindTaskResilience)
	if len(res) != 1 {
		t.Fatalf("got %d resilience events, want 1", len(res))
	}
	if r := res[0].(TaskResilience); r.Strategy != StrategyNone || r.ToolCalls != -1 {
		t.Errorf("resilience = %+v", r)
	}
	if chat.callCount() != 0 {
		t.Errorf("chat called %d times, want 0", chat.callCount())
	}
}

func TestRunConsecutiveTimeoutEarlyFail(t *testing.T) {
	var attempts int32
	spawner := SpawnerFunc(func(ctx context.Context, task *models.SwarmTask, guidance string) (*models.SwarmTaskResult, error) {
		atomic.AddInt32(&attempts, 1)
		return &models.SwarmTaskResult{Success: false, ToolCalls: -1}, nil
	})
	chat := passingJudge()
	cfg := Config{WorkerRetries: 5, MaxDispatchesPerTask: 10, ConsecutiveTimeoutLimit: 2}
	o, rec, _ := newTestOrchestrator(t, cfg, spawner, chat)

	if _, err := o.Run(context.Background(), "hang forever", []*models.SwarmTask{task("task-t")}); err != nil {
		t.Fatal(err)
	}

	// Early fail fires before the retry budget is spent, and the early-fail
	// path never attempts a split.
	if n := atomic.LoadInt32(&attempts); n != 2 {
		t.Errorf("spawned %d attempts, want 2", n)
	}
	if chat.callCount() != 0 {
		t.Errorf("chat called %d times, want 0", chat.callCount())
	}
	failed := rec.ofKind(KindTaskFailed)
	if len(failed) != 1 || failed[0].(TaskFailed).FailureMode != models.FailureTimeout {
		t.Errorf("failed events = %+v", failed)
	}
}

func TestRunMicroDecomposeCompletesByProxy(t *testing.T) {
	spawner := SpawnerFunc(func(ctx context.Context, task *models.SwarmTask, guidance string) (*models.SwarmTaskResult, error) {
		if task.ID == "task-x" {
			return &models.SwarmTaskResult{Success: false, Output: "stuck"}, nil
		}
		return &models.SwarmTaskResult{Success: true, Output: "child done", ToolCalls: 1}, nil
	})
	chat := &stubChatter{respond: func(prompt string) (string, error) {
		if strings.Contains(prompt, "Split it into") {
			return validSplit, nil
		}
		return "SCORE: 4\nFEEDBACK: fine", nil
	}}
	o, rec, workDir := newTestOrchestrator(t, Config{WorkerRetries: 2}, spawner, chat)

	// Children write real files so the quality gate's probe sees them.
	writeFile(t, workDir, "config.go", "package config")
	writeFile(t, workDir, "loader.go", "package config")

	summary, err := o.Run(context.Background(), "big task", []*models.SwarmTask{task("task-x")})
	if err != nil {
		t.Fatal(err)
	}

	// Parent completed by proxy plus two spliced children.
	if summary.Completed != 3 || summary.Failed != 0 {
		t.Errorf("summary = completed %d failed %d, want 3/0", summary.Completed, summary.Failed)
	}

	res := rec.ofKind(KindTaskResilience)
	if len(res) != 1 || res[0].(TaskResilience).Strategy != StrategyMicroDecompose {
		t.Fatalf("resilience events = %+v", res)
	}
	var parentDone *TaskCompleted
	for _, ev := range rec.ofKind(KindTaskCompleted) {
		c := ev.(TaskCompleted)
		if c.TaskID == "task-x" {
			parentDone = &c
		}
	}
	if parentDone == nil || !parentDone.ByProxy {
		t.Errorf("parent completion = %+v, want by-proxy", parentDone)
	}
}

func TestRunDegradedAcceptance(t *testing.T) {
	spawner := SpawnerFunc(func(ctx context.Context, task *models.SwarmTask, guidance string) (*models.SwarmTaskResult, error) {
		return &models.SwarmTaskResult{Success: false, Output: "crashed near the end"}, nil
	})
	o, rec, workDir := newTestOrchestrator(t, Config{WorkerRetries: 0}, spawner, passingJudge())

	// The attempt failed but left a real artifact behind.
	writeFile(t, workDir, "partial.go", "package partial")

	d := task("task-d")
	d.TargetFiles = []string{"partial.go"}

	summary, err := o.Run(context.Background(), "one shot", []*models.SwarmTask{d})
	if err != nil {
		t.Fatal(err)
	}
	if summary.Completed != 1 {
		t.Fatalf("completed = %d, want 1 (degraded)", summary.Completed)
	}

	done := rec.ofKind(KindTaskCompleted)
	if len(done) != 1 || !done[0].(TaskCompleted).Degraded {
		t.Errorf("completed events = %+v, want degraded", done)
	}
}

func TestRunCascadeSkipAndLenientRescue(t *testing.T) {
	spawner := SpawnerFunc(func(ctx context.Context, task *models.SwarmTask, guidance string) (*models.SwarmTaskResult, error) {
		if task.ID == "task-a" {
			return &models.SwarmTaskResult{Success: false, Output: "boom"}, nil
		}
		return &models.SwarmTaskResult{Success: true, Output: "worked around it", ToolCalls: 1}, nil
	})
	cfg := Config{WorkerRetries: 0, ArtifactAwareSkip: true}
	o, rec, _ := newTestOrchestrator(t, cfg, spawner, passingJudge())

	summary, err := o.Run(context.Background(), "fragile chain", []*models.SwarmTask{
		task("task-a"),
		task("task-b", "task-a"),
	})
	if err != nil {
		t.Fatal(err)
	}

	if summary.Failed != 1 || summary.Completed != 1 || summary.Skipped != 0 {
		t.Errorf("summary = %+v, want a failed, b rescued", summary)
	}
	if summary.Rescued != 1 {
		t.Errorf("rescued = %d, want 1", summary.Rescued)
	}

	// B was skipped first, then re-dispatched with partial-upstream guidance.
	skipped := rec.ofKind(KindTaskSkipped)
	if len(skipped) != 1 || skipped[0].(TaskSkipped).TaskID != "task-b" {
		t.Fatalf("skipped events = %+v", skipped)
	}
	var rescueDispatch *TaskDispatched
	for _, ev := range rec.ofKind(KindTaskDispatched) {
		d := ev.(TaskDispatched)
		if d.TaskID == "task-b" {
			rescueDispatch = &d
		}
	}
	if rescueDispatch == nil || !strings.Contains(rescueDispatch.Guidance, "task-a") {
		t.Errorf("rescue dispatch = %+v, want guidance naming the weak dep", rescueDispatch)
	}
}

func TestRunStrictSkipDisablesRescue(t *testing.T) {
	spawner := SpawnerFunc(func(ctx context.Context, task *models.SwarmTask, guidance string) (*models.SwarmTaskResult, error) {
		if task.ID == "task-a" {
			return &models.SwarmTaskResult{Success: false, Output: "boom"}, nil
		}
		return &models.SwarmTaskResult{Success: true, Output: "never runs"}, nil
	})
	cfg := Config{WorkerRetries: 0, ArtifactAwareSkip: false}
	o, _, _ := newTestOrchestrator(t, cfg, spawner, passingJudge())

	summary, err := o.Run(context.Background(), "fragile chain", []*models.SwarmTask{
		task("task-a"),
		task("task-b", "task-a"),
	})
	if err != nil {
		t.Fatal(err)
	}

	if summary.Failed != 1 || summary.Skipped != 1 || summary.Rescued != 0 {
		t.Errorf("summary = %+v, want b left skipped under strict mode", summary)
	}
}

func TestRunBudgetStopsBetweenWaves(t *testing.T) {
	var spawns int32
	spawner := SpawnerFunc(func(ctx context.Context, task *models.SwarmTask, guidance string) (*models.SwarmTaskResult, error) {
		atomic.AddInt32(&spawns, 1)
		return &models.SwarmTaskResult{Success: true, Output: "done", TokensUsed: 150, ToolCalls: 1}, nil
	})
	// Lenient mode on: budget-skipped tasks must still stay skipped, the
	// rescue pass only serves cascade skips.
	cfg := Config{WorkerRetries: 0, TotalBudget: 100, ArtifactAwareSkip: true}
	o, rec, _ := newTestOrchestrator(t, cfg, spawner, passingJudge())

	summary, err := o.Run(context.Background(), "expensive goal", []*models.SwarmTask{
		task("task-a"),
		task("task-b", "task-a"),
	})
	if err != nil {
		t.Fatal(err)
	}

	if summary.Completed != 1 || summary.Skipped != 1 || summary.Rescued != 0 {
		t.Errorf("summary = %+v, want second wave skipped and unrescued", summary)
	}
	if n := atomic.LoadInt32(&spawns); n != 1 {
		t.Errorf("spawned %d workers, want 1 (budget hard stop)", n)
	}
	skipped := rec.ofKind(KindTaskSkipped)
	if len(skipped) != 1 || !strings.Contains(skipped[0].(TaskSkipped).Reason, "token budget") {
		t.Errorf("skipped = %+v, want token budget reason", skipped)
	}

	// The run still closes with exactly one completion event.
	if n := len(rec.ofKind(KindSwarmCompleted)); n != 1 {
		t.Errorf("got %d swarm.complete events, want 1", n)
	}
}

// stubControl is a fixed pause/stop signal source.
type stubControl struct{ stop, pause bool }

func (c stubControl) ShouldStop() bool  { return c.stop }
func (c stubControl) ShouldPause() bool { return c.pause }

func TestRunStopSignalHaltsWithoutRescue(t *testing.T) {
	var spawns int32
	spawner := SpawnerFunc(func(ctx context.Context, task *models.SwarmTask, guidance string) (*models.SwarmTaskResult, error) {
		atomic.AddInt32(&spawns, 1)
		return &models.SwarmTaskResult{Success: true, Output: "done", ToolCalls: 1}, nil
	})
	cfg := Config{WorkerRetries: 0, ArtifactAwareSkip: true}
	o := New(cfg, spawner, passingJudge(), t.TempDir(), WithRunControl(stubControl{stop: true}))
	rec := &eventRecorder{}
	o.Events().Subscribe(rec.record)

	summary, err := o.Run(context.Background(), "halted goal", []*models.SwarmTask{
		task("task-a"),
		task("task-b", "task-a"),
	})
	if err != nil {
		t.Fatal(err)
	}

	// Nothing dispatches after a stop signal, rescue included.
	if n := atomic.LoadInt32(&spawns); n != 0 {
		t.Errorf("spawned %d workers after stop signal, want 0", n)
	}
	if summary.Skipped != 2 || summary.Rescued != 0 || summary.Completed != 0 {
		t.Errorf("summary = %+v, want everything skipped", summary)
	}
	skipped := rec.ofKind(KindTaskSkipped)
	if len(skipped) != 2 {
		t.Fatalf("skipped events = %+v, want 2", skipped)
	}
	for _, ev := range skipped {
		if reason := ev.(TaskSkipped).Reason; !strings.Contains(reason, "stop signal") {
			t.Errorf("skip reason = %q, want stop signal", reason)
		}
	}
}

func TestRunDispatchCapWins(t *testing.T) {
	var attempts int32
	spawner := SpawnerFunc(func(ctx context.Context, task *models.SwarmTask, guidance string) (*models.SwarmTaskResult, error) {
		atomic.AddInt32(&attempts, 1)
		return &models.SwarmTaskResult{Success: false, Output: "no"}, nil
	})
	// Retries would allow 10 attempts, but the dispatch cap is tighter.
	cfg := Config{WorkerRetries: 9, MaxDispatchesPerTask: 3}
	chat := &stubChatter{respond: func(string) (string, error) {
		return "cannot split this", nil
	}}
	o, _, _ := newTestOrchestrator(t, cfg, spawner, chat)

	summary, err := o.Run(context.Background(), "capped", []*models.SwarmTask{task("task-c")})
	if err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&attempts); n != 3 {
		t.Errorf("spawned %d attempts, want 3 (cap)", n)
	}
	if summary.Failed != 1 {
		t.Errorf("failed = %d, want 1", summary.Failed)
	}
}
