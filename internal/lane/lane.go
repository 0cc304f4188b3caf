// Package lane implements serial execution lanes.
//
// A Lane runs tasks one at a time in FIFO order. Background lanes own a
// goroutine that drains the queue. The foreground lane has no goroutine of its
// own: the host drives it with Run, RunUntil or Drain from the goroutine it
// considers its interactive thread, exactly like an event loop.
//
// Every task receives a context.Context that records the lane it runs on, so
// code can ask whether it is currently executing inside a given lane with
// InTask. Lanes never block on each other; callers that need a result chain a
// continuation with Go instead of waiting.
package lane

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/datakit/internal/storeerr"
)

// Task is a unit of work scheduled on a lane.
type Task func(ctx context.Context)

type laneKey struct{}

// Lane is a serial FIFO task queue.
//
// Thread-safety model:
//   - Go, Wait, Stop, Len: safe from any goroutine
//   - Run, RunUntil, Drain: foreground lanes only, one goroutine at a time
type Lane struct {
	name       string
	foreground bool
	logger     *slog.Logger

	mu     sync.Mutex
	tasks  []Task
	closed bool
	signal chan struct{} // buffered, size 1; closed by Stop

	// done is closed when a background lane's loop exits.
	done chan struct{}

	driving sync.Mutex // serializes foreground drivers
}

// Option configures a lane.
type Option func(*Lane)

// WithLogger sets the logger used to report panicking tasks.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Lane) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewBackground creates a lane served by its own goroutine.
// The goroutine exits after Stop once the queued tasks have run.
func NewBackground(name string, opts ...Option) *Lane {
	l := newLane(name, false, opts)
	go l.loop()
	return l
}

// NewForeground creates a lane that runs tasks only while the host drives it.
func NewForeground(name string, opts ...Option) *Lane {
	return newLane(name, true, opts)
}

func newLane(name string, foreground bool, opts []Option) *Lane {
	l := &Lane{
		name:       name,
		foreground: foreground,
		logger:     slog.Default(),
		tasks:      make([]Task, 0, 16),
		signal:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name returns the lane name.
func (l *Lane) Name() string { return l.name }

// IsForeground reports whether the lane is host-driven.
func (l *Lane) IsForeground() bool { return l.foreground }

// Current returns the lane running the task that owns ctx, or nil.
func Current(ctx context.Context) *Lane {
	if ctx == nil {
		return nil
	}
	l, _ := ctx.Value(laneKey{}).(*Lane)
	return l
}

// InTask reports whether ctx belongs to a task running on l.
func (l *Lane) InTask(ctx context.Context) bool {
	return Current(ctx) == l
}

// Go schedules task at the back of the queue.
// Returns false if the lane is stopped.
func (l *Lane) Go(task Task) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}
	l.tasks = append(l.tasks, task)

	select {
	case l.signal <- struct{}{}:
	default:
	}
	return true
}

// Wait runs task on the lane and blocks until it has finished.
//
// When ctx already belongs to a task on l the task runs inline, so Wait is
// reentrant. Waiting on a foreground lane from a goroutine other than the one
// driving it blocks until the host drives the lane. If ctx is cancelled first,
// Wait returns ctx.Err() and the task may still run later.
func (l *Lane) Wait(ctx context.Context, task Task) error {
	if l.InTask(ctx) {
		task(ctx)
		return nil
	}

	finished := make(chan struct{})
	ok := l.Go(func(taskCtx context.Context) {
		defer close(finished)
		task(taskCtx)
	})
	if !ok {
		return storeerr.LaneStopped(l.name)
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of queued tasks.
func (l *Lane) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

// Stop refuses new tasks. Tasks already queued still run.
func (l *Lane) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	close(l.signal)
}

// Stopped reports whether Stop has been called.
func (l *Lane) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Done is closed when a stopped background lane has finished its queue.
// For foreground lanes it is never closed.
func (l *Lane) Done() <-chan struct{} { return l.done }

// Run drives a foreground lane until ctx is cancelled or the lane is stopped
// and empty.
func (l *Lane) Run(ctx context.Context) error {
	return l.RunUntil(ctx, nil)
}

// RunUntil is like Run but also returns when stop is closed.
func (l *Lane) RunUntil(ctx context.Context, stop <-chan struct{}) error {
	if !l.foreground {
		return storeerr.Misuse("run lane", fmt.Sprintf("lane %q is a background lane", l.name))
	}
	l.driving.Lock()
	defer l.driving.Unlock()

	for {
		if task, ok := l.tryDequeue(); ok {
			l.exec(task)
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case _, open := <-l.signal:
			if !open && l.Len() == 0 {
				return nil
			}
		}
	}
}

// Drain runs queued foreground tasks until the queue is empty, including
// tasks scheduled while draining. It returns the number of tasks run.
func (l *Lane) Drain() int {
	l.driving.Lock()
	defer l.driving.Unlock()

	n := 0
	for {
		task, ok := l.tryDequeue()
		if !ok {
			return n
		}
		l.exec(task)
		n++
	}
}

func (l *Lane) loop() {
	defer close(l.done)

	for {
		if task, ok := l.tryDequeue(); ok {
			l.exec(task)
			continue
		}
		if _, open := <-l.signal; !open {
			for {
				task, ok := l.tryDequeue()
				if !ok {
					return
				}
				l.exec(task)
			}
		}
	}
}

func (l *Lane) tryDequeue() (Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.tasks) == 0 {
		return nil, false
	}
	task := l.tasks[0]
	// Release the closure so captured objects can be collected.
	l.tasks[0] = nil
	if len(l.tasks) == 1 {
		l.tasks = l.tasks[:0]
	} else {
		l.tasks = l.tasks[1:]
	}
	return task, true
}

// exec runs one task. A panicking task is logged and the lane keeps going.
func (l *Lane) exec(task Task) {
	ctx := context.WithValue(context.Background(), laneKey{}, l)
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("lane task panicked", "lane", l.name, "panic", r)
		}
	}()
	task(ctx)
}
