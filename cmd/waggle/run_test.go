package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/kwagner-io/waggle/internal/bridge"
	"github.com/kwagner-io/waggle/internal/queue"
	"github.com/kwagner-io/waggle/internal/state"
	"github.com/kwagner-io/waggle/internal/swarm"
	"github.com/kwagner-io/waggle/pkg/models"
)

func openRunDB(t *testing.T, runID string) *state.DB {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := db.CreateRun(runID, "test goal", 2); err != nil {
		t.Fatalf("create run: %v", err)
	}
	return db
}

func TestPersistAttemptsRecordsStream(t *testing.T) {
	db := openRunDB(t, "run-1")

	bus := queue.NewEventQueue(16)
	unsubscribe := persistAttempts(db, bus)
	defer unsubscribe()

	bus.Emit("sub-1", swarm.TaskAttempted{
		TaskID: "task-a", Attempt: 1, Model: "m", Success: false,
		DurationMs: 900, ToolCalls: 2, TokensUsed: 120,
	})
	bus.Emit("sub-2", swarm.TaskAttempted{
		TaskID: "task-a", Attempt: 2, Model: "m", Success: true,
		DurationMs: 400, ToolCalls: 1, TokensUsed: 80,
	})
	// Other event kinds pass the subscriber by.
	bus.Emit("sub-3", swarm.TaskCompleted{TaskID: "task-a", Attempts: 2})
	bus.Close()

	rows, err := db.AttemptsForTask("task-a")
	if err != nil {
		t.Fatalf("attempts: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d attempt rows, want 2", len(rows))
	}
	if rows[0].Attempt != 1 || rows[0].Success || rows[0].TokensUsed != 120 {
		t.Errorf("row 0 = %+v", rows[0])
	}
	if rows[1].Attempt != 2 || !rows[1].Success || rows[1].ToolCalls != 1 {
		t.Errorf("row 1 = %+v", rows[1])
	}
}

func TestPersistOutcomeCarriesFailureMode(t *testing.T) {
	db := openRunDB(t, "run-1")

	br := bridge.New(t.TempDir())
	defer br.Close()
	now := time.Now()
	br.Handle(queue.EventEnvelope{Event: swarm.SwarmStarted{RunID: "run-1"}, Timestamp: now})
	br.Handle(queue.EventEnvelope{Event: swarm.TaskDispatched{TaskID: "task-f", Description: "doomed"}, Timestamp: now})
	br.Handle(queue.EventEnvelope{Event: swarm.TaskFailed{TaskID: "task-f", FailureMode: models.FailureTimeout}, Timestamp: now})

	summary := &swarm.Summary{
		RunID:     "run-1",
		Completed: 1,
		Failed:    1,
		Tasks: []*models.SwarmTask{
			{ID: "task-ok", Description: "fine", Status: models.TaskStatusCompleted, Wave: 1, Attempts: 1},
			{ID: "task-f", Description: "doomed", Status: models.TaskStatusFailed, Wave: 1, Attempts: 2},
		},
	}
	persistOutcome(db, br, summary)

	tasks, err := db.TasksForRun("run-1")
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("got %d task rows, want 2", len(tasks))
	}
	for _, row := range tasks {
		if row.ID == "task-f" && row.FailureMode != string(models.FailureTimeout) {
			t.Errorf("task-f failure mode = %q, want timeout", row.FailureMode)
		}
	}

	runs, err := db.RecentRuns(1)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != "partial" {
		t.Errorf("runs = %+v, want one partial run", runs)
	}
}
