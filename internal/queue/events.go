package queue

import (
	"errors"
	"log"
	"sync"
	"time"
)

// ErrWaitTimeout is returned by Once when no matching event arrives in time.
var ErrWaitTimeout = errors.New("event queue: wait timed out")

// Event is anything the bus can carry. Kind returns the wire name used for
// typed subscriptions (e.g. "swarm.task.attempt").
type Event interface {
	Kind() string
}

// EventEnvelope wraps an emitted event with its submission id and the time
// the bus accepted it. Envelopes are what subscribers receive and what the
// replay ring retains.
type EventEnvelope struct {
	SubmissionID string    `json:"submission_id"`
	Event        Event     `json:"event"`
	Timestamp    time.Time `json:"timestamp"`
}

// subscriber is one registered callback. A kind of "" matches every event.
type subscriber struct {
	id   uint64
	kind string
	fn   func(EventEnvelope)
}

// EventQueue is a fan-out publish/subscribe bus. Emit never blocks the
// caller: envelopes are buffered and a single dispatcher goroutine delivers
// them, so any one subscriber sees events in emission order. A panicking
// subscriber never blocks delivery to the others.
type EventQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []EventEnvelope
	ring    []EventEnvelope
	ringCap int
	subs    []*subscriber
	nextSub uint64

	emitted   uint64
	delivered uint64
	closed    bool

	done      chan struct{}
	closeOnce sync.Once
}

// EventQueueStats is a point-in-time snapshot of bus counters.
type EventQueueStats struct {
	Emitted     uint64
	Delivered   uint64
	Subscribers int
	RingSize    int
	PendingSize int
}

// NewEventQueue creates a bus whose replay ring holds up to ringCap
// envelopes (oldest evicted first). A non-positive ringCap defaults to 256.
func NewEventQueue(ringCap int) *EventQueue {
	if ringCap <= 0 {
		ringCap = 256
	}
	q := &EventQueue{
		ringCap: ringCap,
		done:    make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.dispatch()
	return q
}

// Emit timestamps the event, stores it in the replay ring, and queues it for
// asynchronous delivery. It never blocks and is safe after Close (the event
// is retained in the ring but not delivered).
func (q *EventQueue) Emit(submissionID string, ev Event) {
	env := EventEnvelope{
		SubmissionID: submissionID,
		Event:        ev,
		Timestamp:    time.Now(),
	}

	q.mu.Lock()
	q.emitted++
	q.ring = append(q.ring, env)
	if len(q.ring) > q.ringCap {
		q.ring = q.ring[len(q.ring)-q.ringCap:]
	}
	if !q.closed {
		q.pending = append(q.pending, env)
		q.cond.Signal()
	}
	q.mu.Unlock()
}

// Subscribe registers an untyped callback receiving every event. The
// returned function removes the subscription.
func (q *EventQueue) Subscribe(fn func(EventEnvelope)) func() {
	return q.add("", fn)
}

// On registers a callback receiving only events of the given kind.
func (q *EventQueue) On(kind string, fn func(EventEnvelope)) func() {
	return q.add(kind, fn)
}

func (q *EventQueue) add(kind string, fn func(EventEnvelope)) func() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextSub++
	s := &subscriber{id: q.nextSub, kind: kind, fn: fn}
	q.subs = append(q.subs, s)

	id := s.id
	return func() { q.remove(id) }
}

func (q *EventQueue) remove(id uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, s := range q.subs {
		if s.id == id {
			q.subs = append(q.subs[:i], q.subs[i+1:]...)
			return
		}
	}
}

// Once blocks until the first event of the given kind arrives, or until
// timeout elapses (ErrWaitTimeout). A non-positive timeout defaults to
// 30 seconds.
func (q *EventQueue) Once(kind string, timeout time.Duration) (EventEnvelope, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ch := make(chan EventEnvelope, 1)
	var once sync.Once
	var cancel func()
	cancel = q.On(kind, func(env EventEnvelope) {
		once.Do(func() { ch <- env })
	})
	defer cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-ch:
		return env, nil
	case <-timer.C:
		return EventEnvelope{}, ErrWaitTimeout
	}
}

// GetRecentEvents returns ring entries emitted at or after since. A zero
// since returns the whole ring.
func (q *EventQueue) GetRecentEvents(since time.Time) []EventEnvelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []EventEnvelope
	for _, env := range q.ring {
		if since.IsZero() || !env.Timestamp.Before(since) {
			out = append(out, env)
		}
	}
	return out
}

// GetEventsForSubmission returns ring entries carrying the given submission id.
func (q *EventQueue) GetEventsForSubmission(id string) []EventEnvelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []EventEnvelope
	for _, env := range q.ring {
		if env.SubmissionID == id {
			out = append(out, env)
		}
	}
	return out
}

// Clear drops all subscribers and the replay ring. Pending deliveries to
// the dropped subscribers are abandoned.
func (q *EventQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.subs = nil
	q.ring = nil
	q.pending = nil
}

// Stats reports bus counters.
func (q *EventQueue) Stats() EventQueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return EventQueueStats{
		Emitted:     q.emitted,
		Delivered:   q.delivered,
		Subscribers: len(q.subs),
		RingSize:    len(q.ring),
		PendingSize: len(q.pending),
	}
}

// Close drains pending deliveries, stops the dispatcher, and returns once
// every queued event has been handed to its subscribers. It is idempotent.
func (q *EventQueue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.cond.Signal()
		q.mu.Unlock()
		<-q.done
	})
}

// dispatch is the single delivery goroutine. Taking one envelope at a time
// preserves emission order for every subscriber.
func (q *EventQueue) dispatch() {
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 && q.closed {
			q.mu.Unlock()
			close(q.done)
			return
		}
		env := q.pending[0]
		q.pending = q.pending[1:]

		// Snapshot matching subscribers so delivery runs unlocked.
		matched := make([]*subscriber, 0, len(q.subs))
		for _, s := range q.subs {
			if s.kind == "" || s.kind == env.Event.Kind() {
				matched = append(matched, s)
			}
		}
		q.mu.Unlock()

		for _, s := range matched {
			q.deliver(s, env)
		}
	}
}

// deliver invokes one subscriber, isolating panics so a bad listener cannot
// stall the bus.
func (q *EventQueue) deliver(s *subscriber, env EventEnvelope) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[queue] event subscriber panicked on %s: %v", env.Event.Kind(), r)
		}
	}()
	s.fn(env)

	q.mu.Lock()
	q.delivered++
	q.mu.Unlock()
}
