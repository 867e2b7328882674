// Package taskqueue runs tasks one at a time on a single worker goroutine.
//
// Everything pushed to a Queue executes in push order and never overlaps with
// another task of the same queue, so state touched only from tasks needs no
// further locking.
package taskqueue

import (
	"context"
	"errors"
	"log"
	"runtime/debug"
	"sync"
)

// ErrClosed is returned when pushing to or waiting on a closed queue.
var ErrClosed = errors.New("task queue closed")

// Task is a unit of work. ctx is cancelled when the queue closes.
type Task func(ctx context.Context)

// Queue is an unbounded FIFO with exactly one consumer.
type Queue struct {
	name string

	mu      sync.Mutex
	pending []Task
	closed  bool

	signal chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts a queue and its worker goroutine.
func New(name string) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		name:   name,
		signal: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Push enqueues a task without waiting. It is safe to call from inside a task.
func (q *Queue) Push(task Task) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.pending = append(q.pending, task)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Do enqueues a task and waits for it to finish or for ctx to end.
// Calling Do from inside a task of the same queue deadlocks; use Push there.
func (q *Queue) Do(ctx context.Context, task Task) error {
	finished := make(chan struct{})
	if err := q.Push(func(taskCtx context.Context) {
		defer close(finished)
		task(taskCtx)
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrClosed
	}
}

// Len reports how many tasks are waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops the worker after the running task returns. Waiting tasks are
// dropped. Close must not be called from inside a task.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.pending = nil
	q.mu.Unlock()

	q.cancel()
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.signal:
		}
		for {
			task, ok := q.next()
			if !ok {
				break
			}
			q.execute(task)
			if q.ctx.Err() != nil {
				return
			}
		}
	}
}

func (q *Queue) next() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, false
	}
	task := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return task, true
}

func (q *Queue) execute(task Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Queue] %s: task panicked: %v\n%s", q.name, r, debug.Stack())
		}
	}()
	task(q.ctx)
}
