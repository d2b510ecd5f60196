package state

import (
	"path/filepath"
	"testing"

	"github.com/kwagner-io/waggle/pkg/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := openTestDB(t)
	if err := db.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestRunLifecycle(t *testing.T) {
	db := openTestDB(t)

	if err := db.CreateRun("run-1", "build the thing", 4); err != nil {
		t.Fatal(err)
	}
	if err := db.FinishRun("run-1", "complete", 3, 1, 0, 12345, 0.42); err != nil {
		t.Fatal(err)
	}

	runs, err := db.RecentRuns(5)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	r := runs[0]
	if r.ID != "run-1" || r.Status != "complete" || r.Completed != 3 || r.Failed != 1 {
		t.Errorf("unexpected run row: %+v", r)
	}
	if r.FinishedAt == nil {
		t.Error("finished_at not recorded")
	}
	if r.TokensUsed != 12345 {
		t.Errorf("tokens = %d, want 12345", r.TokensUsed)
	}
}

func TestTaskUpsertAndAttempts(t *testing.T) {
	db := openTestDB(t)
	if err := db.CreateRun("run-1", "goal", 1); err != nil {
		t.Fatal(err)
	}

	task := &models.SwarmTask{
		ID:          "task-a",
		Description: "write the parser",
		Type:        models.TaskTypeImplement,
		Status:      models.TaskStatusDispatched,
		Wave:        1,
		Attempts:    1,
	}
	if err := db.UpsertTask("run-1", task, ""); err != nil {
		t.Fatal(err)
	}

	task.Status = models.TaskStatusFailed
	task.Attempts = 3
	if err := db.UpsertTask("run-1", task, "timeout"); err != nil {
		t.Fatal(err)
	}

	tasks, err := db.TasksForRun("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks, want 1 after upsert", len(tasks))
	}
	if tasks[0].Status != models.TaskStatusFailed || tasks[0].Attempts != 3 || tasks[0].FailureMode != "timeout" {
		t.Errorf("unexpected task row: %+v", tasks[0])
	}

	for i := 1; i <= 3; i++ {
		err := db.RecordAttempt(AttemptRow{
			TaskID: "task-a", Attempt: i, Model: "sonnet",
			Success: false, DurationMs: int64(i * 100), ToolCalls: i,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	attempts, err := db.AttemptsForTask("task-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 3 {
		t.Fatalf("got %d attempts, want 3", len(attempts))
	}
	for i, a := range attempts {
		if a.Attempt != i+1 {
			t.Errorf("attempt %d out of order: %+v", i, a)
		}
	}
}
