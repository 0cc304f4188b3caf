package save

import (
	"context"
	"sync"

	"github.com/roach88/datakit/internal/lane"
)

// Future is the single-resolution result of a save chain.
type Future struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolve sets the result. Only the first call has an effect; it reports
// whether this call resolved the future.
func (f *Future) resolve(err error) bool {
	resolved := false
	f.once.Do(func() {
		f.err = err
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the chain has finished and its completion has run.
func (f *Future) Done() <-chan struct{} { return f.done }

// Resolved reports whether the chain has finished.
func (f *Future) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Err returns the chain result. It is nil until the future resolves.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the chain finishes or ctx is done. It returns the
// chain's error, or ctx.Err() if ctx ended first; the chain keeps running
// either way.
//
// The future resolves on the foreground lane, so some goroutine must be
// driving that lane. From the driving goroutine itself use Await.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Await drives the foreground lane fg until f resolves, then returns the
// chain's error. It is meant for hosts (CLIs, tests) whose goroutine owns the
// foreground lane.
func Await(ctx context.Context, fg *lane.Lane, f *Future) error {
	if err := fg.RunUntil(ctx, f.Done()); err != nil {
		return err
	}
	return f.Wait(ctx)
}
