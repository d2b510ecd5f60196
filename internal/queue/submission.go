package queue

import (
	"errors"
	"iter"
	"sync"
	"time"
)

// ErrQueueClosed is returned by Submit after Close has been called.
var ErrQueueClosed = errors.New("submission queue closed")

// ErrSubmitTimeout is returned by Submit when backpressure holds the caller
// past the configured timeout.
var ErrSubmitTimeout = errors.New("submission queue full: submit timed out")

// Submission is one unit of work accepted by the queue. It is created by
// Submit and consumed exactly once by a take.
type Submission struct {
	// ID is the unique, monotonically increasing submission id.
	ID string `json:"id"`
	// Op names the operation being submitted.
	Op string `json:"op"`
	// Timestamp is when the submission was accepted.
	Timestamp time.Time `json:"timestamp"`
	// CorrelationID optionally ties the submission to an external context.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// SubmissionQueue is a bounded FIFO queue with backpressure. Submit blocks
// when the queue is full; Take blocks when it is empty. Close unblocks all
// waiters: pending submits fail with ErrQueueClosed, pending takes drain
// what remains and then resolve empty.
type SubmissionQueue struct {
	ch      chan Submission
	done    chan struct{}
	ids     *AtomicCounter
	timeout time.Duration

	closeOnce sync.Once
}

// SubmissionQueueOptions configures a SubmissionQueue.
type SubmissionQueueOptions struct {
	// MaxSize is the queue capacity. Defaults to 64.
	MaxSize int
	// SubmitTimeout bounds how long Submit may block on a full queue.
	// Defaults to 5 seconds.
	SubmitTimeout time.Duration
}

// NewSubmissionQueue creates an open queue with the given options.
func NewSubmissionQueue(opts SubmissionQueueOptions) *SubmissionQueue {
	if opts.MaxSize <= 0 {
		opts.MaxSize = 64
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = 5 * time.Second
	}
	return &SubmissionQueue{
		ch:      make(chan Submission, opts.MaxSize),
		done:    make(chan struct{}),
		ids:     NewAtomicCounter("sub"),
		timeout: opts.SubmitTimeout,
	}
}

// Submit enqueues an operation and returns its new submission id.
// On a full queue it blocks until space frees, the timeout elapses
// (ErrSubmitTimeout), or the queue closes (ErrQueueClosed). On a closed
// queue it fails immediately.
func (q *SubmissionQueue) Submit(op, correlationID string) (string, error) {
	select {
	case <-q.done:
		return "", ErrQueueClosed
	default:
	}

	s := Submission{
		ID:            q.ids.Next(),
		Op:            op,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
	}

	timer := time.NewTimer(q.timeout)
	defer timer.Stop()

	select {
	case q.ch <- s:
		return s.ID, nil
	case <-q.done:
		return "", ErrQueueClosed
	case <-timer.C:
		return "", ErrSubmitTimeout
	}
}

// Take dequeues the oldest submission, blocking while the queue is empty.
// The second return is false only once the queue is closed and drained.
func (q *SubmissionQueue) Take() (Submission, bool) {
	select {
	case s := <-q.ch:
		return s, true
	case <-q.done:
		// Closed: drain whatever was enqueued before the close.
		select {
		case s := <-q.ch:
			return s, true
		default:
			return Submission{}, false
		}
	}
}

// TryTake dequeues without blocking. The second return is false when the
// queue is currently empty.
func (q *SubmissionQueue) TryTake() (Submission, bool) {
	select {
	case s := <-q.ch:
		return s, true
	default:
		return Submission{}, false
	}
}

// All iterates the queue in FIFO order, blocking between items and
// terminating once the queue is closed and empty.
func (q *SubmissionQueue) All() iter.Seq[Submission] {
	return func(yield func(Submission) bool) {
		for {
			s, ok := q.Take()
			if !ok {
				return
			}
			if !yield(s) {
				return
			}
		}
	}
}

// Len returns the number of buffered submissions.
func (q *SubmissionQueue) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *SubmissionQueue) Cap() int {
	return cap(q.ch)
}

// Closed reports whether Close has been called.
func (q *SubmissionQueue) Closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// Close closes the queue. It is idempotent. Blocked submits fail with
// ErrQueueClosed; blocked takes drain and then resolve empty.
func (q *SubmissionQueue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}
