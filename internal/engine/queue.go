package engine

import (
	"sync"

	"github.com/roach88/tickstate/internal/ir"
)

// task is one unit of deferred scheduler work (a microtask).
type task func()

// taskQueue is a thread-safe FIFO of microtasks.
//
// Tasks enqueued while the queue is being drained run in the same drain,
// after the tasks already queued.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type taskQueue struct {
	mu     sync.Mutex
	tasks  []task
	closed bool
	signal chan struct{} // Signals task availability (buffered, size 1)
}

func newTaskQueue() *taskQueue {
	return &taskQueue{
		tasks:  make([]task, 0, 8),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a task to the back of the queue.
// Returns false if the queue is closed.
func (q *taskQueue) Enqueue(t task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, t)

	// Non-blocking: the buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front task without blocking.
func (q *taskQueue) TryDequeue() (task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil, false
	}
	t := q.tasks[0]
	q.tasks[0] = nil // release the closure
	if len(q.tasks) == 1 {
		q.tasks = q.tasks[:0]
	} else {
		q.tasks = q.tasks[1:]
	}
	return t, true
}

// Wait returns a channel that signals when tasks may be available.
// The channel is closed when the queue is closed.
func (q *taskQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued tasks.
func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close stops accepting tasks and wakes waiters.
func (q *taskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// CommitQueue holds commits and dirty topics that no tick has taken yet.
// It is owned by the Scheduler; callers reach it through OnModuleCommit and
// OnSelectorChanged.
//
// Thread-safety: all methods are safe for concurrent use.
type CommitQueue struct {
	mu    sync.Mutex
	drain *ir.PendingDrain
}

func newCommitQueue() *CommitQueue {
	return &CommitQueue{drain: ir.NewPendingDrain()}
}

// Push appends a commit.
func (q *CommitQueue) Push(c ir.Commit) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.drain.AddCommit(c)
}

// MarkTopic marks a read topic dirty.
func (q *CommitQueue) MarkTopic(topic ir.TopicKey, key ir.ModuleInstanceKey, p ir.Priority) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.drain.AddTopic(topic, key, p)
}

// Take removes and returns everything queued.
func (q *CommitQueue) Take() *ir.PendingDrain {
	q.mu.Lock()
	defer q.mu.Unlock()
	d := q.drain
	q.drain = ir.NewPendingDrain()
	return d
}

// Requeue puts deferred work back at the front of the queue. Anything queued
// since is merged after it, so newer state for the same key still wins.
func (q *CommitQueue) Requeue(deferred *ir.PendingDrain) {
	if deferred == nil || deferred.Empty() {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	deferred.Merge(q.drain)
	q.drain = deferred
}

// Len returns the number of queued commits.
func (q *CommitQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drain.Len()
}

// Empty reports whether no commits and no dirty topics are queued.
func (q *CommitQueue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drain.Empty()
}
