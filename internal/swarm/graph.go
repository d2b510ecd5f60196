package swarm

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/kwagner-io/waggle/pkg/models"
)

// ErrCycleDetected indicates a circular dependency in the task graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// TaskGraph is the arena of swarm tasks plus their adjacency lists. The
// orchestrator owns it exclusively; collaborators receive task clones.
type TaskGraph struct {
	mu sync.RWMutex
	// nodes maps task id to the task itself.
	nodes map[string]*models.SwarmTask
	// edges maps task id to the ids it depends on.
	edges map[string][]string
	// order preserves insertion order for deterministic iteration.
	order []string
}

// NewTaskGraph creates an empty graph.
func NewTaskGraph() *TaskGraph {
	return &TaskGraph{
		nodes: make(map[string]*models.SwarmTask),
		edges: make(map[string][]string),
	}
}

// Build registers the tasks, validates dependencies, checks acyclicity, and
// assigns waves by topological leveling: wave = 1 + max(dependency waves).
func (g *TaskGraph) Build(tasks []*models.SwarmTask) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, task := range tasks {
		if _, dup := g.nodes[task.ID]; dup {
			return fmt.Errorf("duplicate task id %s", task.ID)
		}
		g.nodes[task.ID] = task
		g.edges[task.ID] = nil
		g.order = append(g.order, task.ID)
	}

	for _, task := range tasks {
		for _, depID := range task.DependsOn {
			if _, exists := g.nodes[depID]; !exists {
				return fmt.Errorf("task %s depends on unknown task %s", task.ID, depID)
			}
			g.edges[task.ID] = append(g.edges[task.ID], depID)
		}
	}

	if g.hasCycleLocked() {
		return ErrCycleDetected
	}

	g.assignWavesLocked()
	return nil
}

// Splice inserts micro-decomposed children for a parent task. Each child
// inherits the parent's dependencies, and every dependent of the parent
// gains the children as additional dependencies, so downstream work waits
// for the split to finish. Waves are reassigned afterwards.
func (g *TaskGraph) Splice(parentID string, children []*models.SwarmTask) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	parent, ok := g.nodes[parentID]
	if !ok {
		return fmt.Errorf("splice: unknown parent task %s", parentID)
	}

	childIDs := make([]string, 0, len(children))
	for _, child := range children {
		if _, dup := g.nodes[child.ID]; dup {
			return fmt.Errorf("splice: duplicate task id %s", child.ID)
		}
		child.DependsOn = append([]string(nil), parent.DependsOn...)
		g.nodes[child.ID] = child
		g.edges[child.ID] = append([]string(nil), parent.DependsOn...)
		g.order = append(g.order, child.ID)
		childIDs = append(childIDs, child.ID)
	}

	for _, id := range g.order {
		if id == parentID {
			continue
		}
		for _, depID := range g.edges[id] {
			if depID == parentID {
				g.edges[id] = append(g.edges[id], childIDs...)
				g.nodes[id].DependsOn = append(g.nodes[id].DependsOn, childIDs...)
				break
			}
		}
	}

	g.assignWavesLocked()
	return nil
}

// assignWavesLocked levels the DAG. Caller must hold the lock and have
// verified acyclicity.
func (g *TaskGraph) assignWavesLocked() {
	memo := make(map[string]int)
	var level func(id string) int
	level = func(id string) int {
		if w, ok := memo[id]; ok {
			return w
		}
		w := 1
		for _, depID := range g.edges[id] {
			if dw := level(depID); dw+1 > w {
				w = dw + 1
			}
		}
		memo[id] = w
		return w
	}
	for _, id := range g.order {
		g.nodes[id].Wave = level(id)
	}
}

// hasCycleLocked runs a three-color DFS over the dependency edges.
func (g *TaskGraph) hasCycleLocked() bool {
	// 0 = unvisited, 1 = in progress, 2 = done.
	colors := make(map[string]int)

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}
		colors[id] = 2
		return false
	}

	for id := range g.nodes {
		if colors[id] == 0 && visit(id) {
			return true
		}
	}
	return false
}

// Ready returns pending tasks whose dependencies have all completed, in
// insertion order.
func (g *TaskGraph) Ready() []*models.SwarmTask {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []*models.SwarmTask
	for _, id := range g.order {
		task := g.nodes[id]
		if task.Status != models.TaskStatusPending {
			continue
		}
		satisfied := true
		for _, depID := range g.edges[id] {
			if g.nodes[depID].Status != models.TaskStatusCompleted {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, task)
		}
	}
	return ready
}

// Blocked returns pending tasks with at least one failed or skipped
// dependency. These are the cascade-skip candidates.
func (g *TaskGraph) Blocked() []*models.SwarmTask {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var blocked []*models.SwarmTask
	for _, id := range g.order {
		task := g.nodes[id]
		if task.Status != models.TaskStatusPending {
			continue
		}
		for _, depID := range g.edges[id] {
			s := g.nodes[depID].Status
			if s == models.TaskStatusFailed || s == models.TaskStatusSkipped {
				blocked = append(blocked, task)
				break
			}
		}
	}
	return blocked
}

// Pending reports whether any task is still pending.
func (g *TaskGraph) Pending() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, task := range g.nodes {
		if task.Status == models.TaskStatusPending {
			return true
		}
	}
	return false
}

// Task returns the node for an id, or nil.
func (g *TaskGraph) Task(id string) *models.SwarmTask {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[id]
}

// Tasks returns all nodes in insertion order.
func (g *TaskGraph) Tasks() []*models.SwarmTask {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*models.SwarmTask, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Dependencies returns the ids the given task depends on.
func (g *TaskGraph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.edges[id]...)
}

// Dependents returns the ids of tasks depending on the given task.
func (g *TaskGraph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var dependents []string
	for _, candidate := range g.order {
		for _, depID := range g.edges[candidate] {
			if depID == id {
				dependents = append(dependents, candidate)
				break
			}
		}
	}
	return dependents
}

// TopologicalOrder returns task ids with every dependency before its
// dependents. Used by the lenient rescue pass so a rescued task can unblock
// later rescues.
func (g *TaskGraph) TopologicalOrder() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := append([]string(nil), g.order...)
	sort.SliceStable(ids, func(i, j int) bool {
		return g.nodes[ids[i]].Wave < g.nodes[ids[j]].Wave
	})
	return ids
}

// MaxWave returns the deepest wave level.
func (g *TaskGraph) MaxWave() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	max := 0
	for _, task := range g.nodes {
		if task.Wave > max {
			max = task.Wave
		}
	}
	return max
}

// Size returns the number of tasks.
func (g *TaskGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}
