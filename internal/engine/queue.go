package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// ShutdownGrace bounds how long Shutdown waits for canceled tasks to
// return after its context has ended.
const ShutdownGrace = 2 * time.Second

// ErrQueueClosed settles futures of tasks enqueued after Close.
var ErrQueueClosed = errors.New("operation queue closed")

// Task is one unit of remote work. The context is the queue's context; it
// is canceled only by Shutdown.
type Task func(ctx context.Context) error

// PanicError settles the future of a task that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// Future is the settlement handle of an enqueued task.
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) settle(err error) {
	f.err = err
	close(f.done)
}

// Done is closed once the task has settled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the task's error. It is nil until the task has settled.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the task settles or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type queuedTask struct {
	task   Task
	future *Future
}

// Queue runs tasks one at a time in enqueue order.
//
// The queue is an explicit FIFO slice plus a single running marker. A drain
// goroutine is started when the queue goes from idle to busy and exits once
// the slice is empty, so an idle queue holds no goroutine. A task starts only
// after the previous task settled, whether it succeeded, failed or panicked.
//
// Thread-safety: Enqueue may be called from any goroutine.
type Queue struct {
	mu      sync.Mutex
	tasks   []queuedTask
	running bool
	closed  bool
	idle    chan struct{} // closed while nothing is queued or running

	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// NewQueue creates an idle queue.
func NewQueue(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	return &Queue{
		tasks:  make([]queuedTask, 0, 16),
		idle:   idle,
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Enqueue appends task and returns its future. After Close the future is
// settled immediately with ErrQueueClosed and the task never runs.
func (q *Queue) Enqueue(task Task) *Future {
	f := newFuture()

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		f.settle(ErrQueueClosed)
		return f
	}

	q.tasks = append(q.tasks, queuedTask{task: task, future: f})
	if !q.running {
		q.running = true
		q.idle = make(chan struct{})
		go q.drain()
	}
	return f
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.running = false
			close(q.idle)
			q.mu.Unlock()
			return
		}
		next := q.tasks[0]
		// Release the slot so the backing array does not pin finished closures.
		q.tasks[0] = queuedTask{}
		if len(q.tasks) == 1 {
			q.tasks = q.tasks[:0]
		} else {
			q.tasks = q.tasks[1:]
		}
		q.mu.Unlock()

		next.future.settle(q.run(next.task))
	}
}

func (q *Queue) run(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("queued task panicked", "panic", r)
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return task(q.ctx)
}

// Len returns the number of tasks waiting to start. The running task is
// not counted.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Running reports whether a task is executing or about to.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Idle returns a channel that is closed once the queue has no queued or
// running task. The channel reflects the state at call time.
func (q *Queue) Idle() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idle
}

// Close rejects new tasks. Already queued tasks still run.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

// Shutdown closes the queue and waits for it to drain. If ctx ends first,
// the queue context is canceled so that running tasks can abort, and
// ctx.Err() is returned once they have returned or ShutdownGrace has
// passed.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.Close()
	select {
	case <-q.Idle():
		q.cancel()
		return nil
	case <-ctx.Done():
	}

	q.cancel()
	grace := time.NewTimer(ShutdownGrace)
	defer grace.Stop()
	select {
	case <-q.Idle():
	case <-grace.C:
		q.logger.Warn("queued tasks still running after shutdown grace", "grace", ShutdownGrace)
	}
	return ctx.Err()
}
