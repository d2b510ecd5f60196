package swarm

import (
	"errors"
	"testing"

	"github.com/kwagner-io/waggle/pkg/models"
)

func task(id string, deps ...string) *models.SwarmTask {
	return &models.SwarmTask{
		ID:          id,
		Description: "work on " + id,
		Type:        models.TaskTypeImplement,
		Status:      models.TaskStatusPending,
		DependsOn:   deps,
	}
}

func TestBuildAssignsWaves(t *testing.T) {
	// Diamond: a -> (b, c) -> d.
	g := NewTaskGraph()
	tasks := []*models.SwarmTask{
		task("a"),
		task("b", "a"),
		task("c", "a"),
		task("d", "b", "c"),
	}
	if err := g.Build(tasks); err != nil {
		t.Fatalf("build: %v", err)
	}

	want := map[string]int{"a": 1, "b": 2, "c": 2, "d": 3}
	for id, wave := range want {
		if got := g.Task(id).Wave; got != wave {
			t.Errorf("task %s wave = %d, want %d", id, got, wave)
		}
	}
	if g.MaxWave() != 3 {
		t.Errorf("max wave = %d, want 3", g.MaxWave())
	}
	if g.Size() != 4 {
		t.Errorf("size = %d, want 4", g.Size())
	}
}

func TestBuildRejectsCycle(t *testing.T) {
	g := NewTaskGraph()
	err := g.Build([]*models.SwarmTask{
		task("a", "b"),
		task("b", "a"),
	})
	if !errors.Is(err, ErrCycleDetected) {
		t.Errorf("err = %v, want ErrCycleDetected", err)
	}
}

func TestBuildRejectsUnknownDependency(t *testing.T) {
	g := NewTaskGraph()
	err := g.Build([]*models.SwarmTask{task("a", "ghost")})
	if err == nil {
		t.Fatal("expected error for unknown dependency")
	}
}

func TestBuildRejectsDuplicateID(t *testing.T) {
	g := NewTaskGraph()
	err := g.Build([]*models.SwarmTask{task("a"), task("a")})
	if err == nil {
		t.Fatal("expected error for duplicate id")
	}
}

func TestReadyAndBlocked(t *testing.T) {
	g := NewTaskGraph()
	a, b, c := task("a"), task("b", "a"), task("c", "a")
	if err := g.Build([]*models.SwarmTask{a, b, c}); err != nil {
		t.Fatal(err)
	}

	ready := g.Ready()
	if len(ready) != 1 || ready[0].ID != "a" {
		t.Fatalf("initial ready = %v", ids(ready))
	}

	a.Status = models.TaskStatusCompleted
	ready = g.Ready()
	if len(ready) != 2 {
		t.Fatalf("ready after a completes = %v", ids(ready))
	}

	a.Status = models.TaskStatusFailed
	blocked := g.Blocked()
	if len(blocked) != 2 {
		t.Fatalf("blocked after a fails = %v", ids(blocked))
	}
	if len(g.Ready()) != 0 {
		t.Error("nothing should be ready when the only dependency failed")
	}
}

func TestSpliceRewiresDependents(t *testing.T) {
	g := NewTaskGraph()
	a, b, c := task("a"), task("b", "a"), task("c", "b")
	if err := g.Build([]*models.SwarmTask{a, b, c}); err != nil {
		t.Fatal(err)
	}

	children := []*models.SwarmTask{task("b1"), task("b2")}
	if err := g.Splice("b", children); err != nil {
		t.Fatalf("splice: %v", err)
	}

	// Children inherit the parent's dependencies.
	for _, child := range children {
		deps := g.Dependencies(child.ID)
		if len(deps) != 1 || deps[0] != "a" {
			t.Errorf("child %s deps = %v, want [a]", child.ID, deps)
		}
	}

	// The parent's dependent now also waits on the children.
	cDeps := g.Dependencies("c")
	if !contains(cDeps, "b1") || !contains(cDeps, "b2") {
		t.Errorf("c deps = %v, want b1 and b2 included", cDeps)
	}

	// Waves reassigned: children sit at the parent's level, c one deeper.
	if g.Task("b1").Wave != 2 || g.Task("b2").Wave != 2 {
		t.Errorf("child waves = %d/%d, want 2/2", g.Task("b1").Wave, g.Task("b2").Wave)
	}
	if g.Task("c").Wave != 3 {
		t.Errorf("c wave = %d, want 3", g.Task("c").Wave)
	}
}

func TestSpliceUnknownParent(t *testing.T) {
	g := NewTaskGraph()
	if err := g.Build([]*models.SwarmTask{task("a")}); err != nil {
		t.Fatal(err)
	}
	if err := g.Splice("ghost", []*models.SwarmTask{task("x")}); err == nil {
		t.Error("expected error for unknown parent")
	}
}

func TestTopologicalOrder(t *testing.T) {
	g := NewTaskGraph()
	tasks := []*models.SwarmTask{
		task("d", "b", "c"),
		task("b", "a"),
		task("c", "a"),
		task("a"),
	}
	if err := g.Build(tasks); err != nil {
		t.Fatal(err)
	}

	order := g.TopologicalOrder()
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	for _, id := range order {
		for _, dep := range g.Dependencies(id) {
			if pos[dep] >= pos[id] {
				t.Errorf("dependency %s of %s not ordered first", dep, id)
			}
		}
	}
}

func TestDependents(t *testing.T) {
	g := NewTaskGraph()
	if err := g.Build([]*models.SwarmTask{task("a"), task("b", "a"), task("c", "a")}); err != nil {
		t.Fatal(err)
	}
	deps := g.Dependents("a")
	if len(deps) != 2 {
		t.Errorf("dependents of a = %v", deps)
	}
}

func ids(tasks []*models.SwarmTask) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
