// Package taskqueue runs submitted tasks one at a time on a single
// executor goroutine. Callers may fire and forget or wait for completion
// with a timeout.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pimstore/internal/pim"
)

// DefaultCapacity is the queue length used when none is configured.
const DefaultCapacity = 64

var (
	ErrFull    = errors.New("task queue is full")
	ErrTimeout = errors.New("timed out waiting for task")
	ErrClosed  = errors.New("task queue closed")
)

// Task is a unit of work. ctx is the executor's context.
type Task func(ctx context.Context) error

type job struct {
	name string
	task Task
	done chan error // buffered; nil for fire-and-forget jobs
}

// Queue is a bounded FIFO of tasks drained by Run.
type Queue struct {
	logger pim.Logger
	tasks  chan *job

	mu     sync.Mutex
	closed bool
	stop   chan struct{}
}

// New creates a Queue holding at most capacity pending tasks. Values below
// 1 use DefaultCapacity.
func New(capacity int, logger pim.Logger) *Queue {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Queue{
		logger: logger,
		tasks:  make(chan *job, capacity),
		stop:   make(chan struct{}),
	}
}

// Submit queues task without waiting for it. It fails with ErrFull when
// the queue has no room.
func (q *Queue) Submit(name string, task Task) error {
	if q.isClosed() {
		return ErrClosed
	}
	select {
	case q.tasks <- &job{name: name, task: task}:
		return nil
	default:
		return fmt.Errorf("submitting %s: %w", name, ErrFull)
	}
}

// SubmitWait queues task and waits until it has run, returning its error.
// If the task has not finished within timeout, SubmitWait returns
// ErrTimeout; a task that was already queued still runs later.
func (q *Queue) SubmitWait(ctx context.Context, timeout time.Duration, name string, task Task) error {
	if q.isClosed() {
		return ErrClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	j := &job{name: name, task: task, done: make(chan error, 1)}
	select {
	case q.tasks <- j:
	case <-timer.C:
		return fmt.Errorf("queueing %s: %w", name, ErrTimeout)
	case <-q.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-j.done:
		return err
	case <-timer.C:
		return fmt.Errorf("running %s: %w", name, ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes queued tasks in order until ctx is done or Close is called.
// Tasks still queued at that point fail with ErrClosed.
func (q *Queue) Run(ctx context.Context) error {
	defer q.drain()

	for {
		// Stopping wins over queued work.
		select {
		case <-q.stop:
			return nil
		default:
		}

		select {
		case <-ctx.Done():
			return nil
		case <-q.stop:
			return nil
		case j := <-q.tasks:
			err := q.execute(ctx, j)
			if err != nil && j.done == nil {
				q.logger.Warn("task failed", "task", j.name, "error", err)
			}
			if j.done != nil {
				j.done <- err
			}
		}
	}
}

// Close stops the executor. It is safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.stop)
	}
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) execute(ctx context.Context, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", j.name, r)
		}
	}()
	return j.task(ctx)
}

func (q *Queue) drain() {
	for {
		select {
		case j := <-q.tasks:
			if j.done != nil {
				j.done <- ErrClosed
			}
		default:
			return
		}
	}
}
