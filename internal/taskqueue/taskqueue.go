// Package taskqueue serializes sync controller operations (init, tryPush,
// trySync) onto a single worker so overlapping triggers never run
// concurrently against the same repository. It is a weighted semaphore of
// size 1 guarding a FIFO list of pending tasks, a single shared resource.
package taskqueue

import (
	"container/list"
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Task is a unit of work submitted to the queue. It receives the context
// passed to Submit. A task still queued when the queue is closed never
// runs; its Submit returns context.Canceled.
type Task func(ctx context.Context) error

// Queue runs submitted tasks one at a time, in submission order.
type Queue struct {
	sem *semaphore.Weighted

	mu      sync.Mutex
	pending *list.List // of *entry
	closed  bool
}

type entry struct {
	task Task
	done chan error
	ctx  context.Context
}

// New returns an empty, open Queue.
func New() *Queue {
	return &Queue{
		sem:     semaphore.NewWeighted(1),
		pending: list.New(),
	}
}

// Submit enqueues task and blocks until it has run (or the queue is closed
// first), returning its error.
func (q *Queue) Submit(ctx context.Context, task Task) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return context.Canceled
	}
	e := &entry{task: task, done: make(chan error, 1), ctx: ctx}
	el := q.pending.PushBack(e)
	q.mu.Unlock()

	go q.drain()

	select {
	case err := <-e.done:
		return err
	case <-ctx.Done():
		q.mu.Lock()
		// Best-effort removal if it never started.
		for node := q.pending.Front(); node != nil; node = node.Next() {
			if node == el {
				q.pending.Remove(node)
				break
			}
		}
		q.mu.Unlock()
		return ctx.Err()
	}
}

// drain acquires the single worker slot and runs pending tasks until the
// queue empties; only one goroutine ever touches the resource at a time.
func (q *Queue) drain() {
	if !q.sem.TryAcquire(1) {
		return
	}

	for {
		q.mu.Lock()
		front := q.pending.Front()
		if front == nil {
			q.mu.Unlock()
			q.sem.Release(1)

			// A Submit may have enqueued between us seeing the queue
			// empty and releasing the slot above; recheck before giving
			// up so that entry isn't stranded with no drainer watching.
			q.mu.Lock()
			stillEmpty := q.pending.Front() == nil
			q.mu.Unlock()
			if stillEmpty || !q.sem.TryAcquire(1) {
				return
			}
			continue
		}
		q.pending.Remove(front)
		q.mu.Unlock()

		e := front.Value.(*entry)
		if e.ctx.Err() != nil {
			select {
			case e.done <- e.ctx.Err():
			default:
			}
			continue
		}
		err := e.task(e.ctx)
		select {
		case e.done <- err:
		default:
		}
	}
}

// Close stops accepting new tasks; tasks already queued but not yet
// started receive context.Canceled, matching the sync controller's
// pause/close semantics.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for node := q.pending.Front(); node != nil; {
		next := node.Next()
		e := node.Value.(*entry)
		select {
		case e.done <- context.Canceled:
		default:
		}
		q.pending.Remove(node)
		node = next
	}
}
