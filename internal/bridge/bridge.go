// Package bridge converts the swarm event stream into a durable append-only
// ledger: one global events.jsonl plus per-task attempts files, alongside an
// in-memory replayable timeline.
package bridge

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kwagner-io/waggle/internal/queue"
	"github.com/kwagner-io/waggle/internal/swarm"
	"github.com/kwagner-io/waggle/pkg/models"
)

// defaultTimelineCap bounds the in-memory timeline.
const defaultTimelineCap = 512

// ledgerLine is one row of events.jsonl: the wire name, the bus timestamp,
// and the event payload.
type ledgerLine struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// attemptLine is one row of a per-task attempts file. Resilience rows carry
// RecordType "resilience" to disambiguate within the same file.
type attemptLine struct {
	RecordType string      `json:"record_type,omitempty"`
	Event      string      `json:"event"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       interface{} `json:"data"`
}

// TaskState is the bridge's view of one task, built from the stream alone.
type TaskState struct {
	TaskID      string             `json:"task_id"`
	Description string             `json:"description,omitempty"`
	Status      models.TaskStatus  `json:"status"`
	Attempts    int                `json:"attempts"`
	FailureMode models.FailureMode `json:"failure_mode,omitempty"`
	LastSeen    time.Time          `json:"last_seen"`
}

// Bridge subscribes to the full event stream and persists it. Events for
// unknown tasks are logged, never fatal; Close flushes every stream and is
// idempotent.
type Bridge struct {
	outputDir string

	mu        sync.Mutex
	global    *os.File
	taskFiles map[string]*os.File
	tasks     map[string]*TaskState
	timeline  []queue.EventEnvelope
	cap       int
	closed    bool

	unsubscribe func()
}

// New creates a bridge rooted at outputDir. The layout is initialized lazily
// on swarm.start.
func New(outputDir string) *Bridge {
	return &Bridge{
		outputDir: outputDir,
		taskFiles: make(map[string]*os.File),
		tasks:     make(map[string]*TaskState),
		cap:       defaultTimelineCap,
	}
}

// Attach subscribes the bridge to the bus. Call Close to flush and detach.
func (b *Bridge) Attach(events *queue.EventQueue) {
	b.unsubscribe = events.Subscribe(b.Handle)
}

// Handle processes one envelope. It is the bus subscriber entry point.
func (b *Bridge) Handle(env queue.EventEnvelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	if _, ok := env.Event.(swarm.SwarmStarted); ok {
		if err := b.initLayout(); err != nil {
			log.Printf("[bridge] init output layout: %v", err)
			return
		}
	}

	b.appendGlobal(env)
	b.remember(env)

	switch ev := env.Event.(type) {
	case swarm.TaskDispatched:
		b.upsertTask(ev.TaskID, env.Timestamp, func(t *TaskState) {
			t.Description = ev.Description
			t.Status = models.TaskStatusDispatched
			// Carry attempts forward from the dispatch event; rescue
			// re-dispatches arrive with prior attempts on them.
			if ev.Attempts > t.Attempts {
				t.Attempts = ev.Attempts
			}
		})
		b.appendTask(ev.TaskID, attemptLine{Event: env.Event.Kind(), Timestamp: env.Timestamp, Data: ev})
	case swarm.TaskAttempted:
		if !b.knownTask(ev.TaskID) {
			log.Printf("[bridge] attempt event for unknown task %s", ev.TaskID)
		}
		b.upsertTask(ev.TaskID, env.Timestamp, func(t *TaskState) {
			if ev.Attempt > t.Attempts {
				t.Attempts = ev.Attempt
			}
		})
		b.appendTask(ev.TaskID, attemptLine{Event: env.Event.Kind(), Timestamp: env.Timestamp, Data: ev})
	case swarm.TaskResilience:
		if !b.knownTask(ev.TaskID) {
			log.Printf("[bridge] resilience event for unknown task %s", ev.TaskID)
		}
		b.upsertTask(ev.TaskID, env.Timestamp, nil)
		b.appendTask(ev.TaskID, attemptLine{RecordType: "resilience", Event: env.Event.Kind(), Timestamp: env.Timestamp, Data: ev})
	case swarm.TaskCompleted:
		if !b.knownTask(ev.TaskID) {
			log.Printf("[bridge] completion event for unknown task %s", ev.TaskID)
		}
		b.upsertTask(ev.TaskID, env.Timestamp, func(t *TaskState) {
			t.Status = models.TaskStatusCompleted
		})
	case swarm.TaskFailed:
		if !b.knownTask(ev.TaskID) {
			log.Printf("[bridge] failure event for unknown task %s", ev.TaskID)
		}
		b.upsertTask(ev.TaskID, env.Timestamp, func(t *TaskState) {
			t.Status = models.TaskStatusFailed
			t.FailureMode = ev.FailureMode
		})
	case swarm.TaskSkipped:
		if !b.knownTask(ev.TaskID) {
			log.Printf("[bridge] skip event for unknown task %s", ev.TaskID)
		}
		b.upsertTask(ev.TaskID, env.Timestamp, func(t *TaskState) {
			t.Status = models.TaskStatusSkipped
		})
	}
}

// initLayout creates the output directory tree and opens the global stream.
func (b *Bridge) initLayout() error {
	if b.global != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Join(b.outputDir, "tasks"), 0755); err != nil {
		return fmt.Errorf("create output layout: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(b.outputDir, "events.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open global stream: %w", err)
	}
	b.global = f
	return nil
}

// appendGlobal writes one line to events.jsonl.
func (b *Bridge) appendGlobal(env queue.EventEnvelope) {
	if b.global == nil {
		return
	}
	line := ledgerLine{Event: env.Event.Kind(), Timestamp: env.Timestamp, Data: env.Event}
	if err := json.NewEncoder(b.global).Encode(line); err != nil {
		log.Printf("[bridge] append global ledger: %v", err)
	}
}

// appendTask writes one line to tasks/<taskId>-attempts.jsonl.
func (b *Bridge) appendTask(taskID string, line attemptLine) {
	f, ok := b.taskFiles[taskID]
	if !ok {
		if b.global == nil {
			// Layout never initialized; nowhere to write.
			return
		}
		path := filepath.Join(b.outputDir, "tasks", taskID+"-attempts.jsonl")
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Printf("[bridge] open attempts file for %s: %v", taskID, err)
			return
		}
		b.taskFiles[taskID] = f
	}
	if err := json.NewEncoder(f).Encode(line); err != nil {
		log.Printf("[bridge] append attempts for %s: %v", taskID, err)
	}
}

// remember appends to the bounded in-memory timeline.
func (b *Bridge) remember(env queue.EventEnvelope) {
	b.timeline = append(b.timeline, env)
	if len(b.timeline) > b.cap {
		b.timeline = b.timeline[len(b.timeline)-b.cap:]
	}
}

func (b *Bridge) knownTask(id string) bool {
	_, ok := b.tasks[id]
	return ok
}

// upsertTask updates (or creates) the in-memory task state.
func (b *Bridge) upsertTask(id string, ts time.Time, update func(*TaskState)) {
	t, ok := b.tasks[id]
	if !ok {
		t = &TaskState{TaskID: id, Status: models.TaskStatusDispatched}
		b.tasks[id] = t
	}
	t.LastSeen = ts
	if update != nil {
		update(t)
	}
}

// Task returns the bridge's view of one task, or nil.
func (b *Bridge) Task(id string) *TaskState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.tasks[id]; ok {
		copied := *t
		return &copied
	}
	return nil
}

// Tasks returns a snapshot of every tracked task.
func (b *Bridge) Tasks() []*TaskState {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*TaskState, 0, len(b.tasks))
	for _, t := range b.tasks {
		copied := *t
		out = append(out, &copied)
	}
	return out
}

// Timeline returns the bounded in-memory event history.
func (b *Bridge) Timeline() []queue.EventEnvelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]queue.EventEnvelope(nil), b.timeline...)
}

// Close flushes and closes every stream. It is idempotent.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	if b.unsubscribe != nil {
		b.unsubscribe()
	}

	var firstErr error
	if b.global != nil {
		b.global.Sync()
		if err := b.global.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		b.global = nil
	}
	for id, f := range b.taskFiles {
		f.Sync()
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.taskFiles, id)
	}
	return firstErr
}
