package testutil

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/roach88/datakit/internal/store"
)

// ErrInjected is the default error returned by FaultyBackend.
var ErrInjected = errors.New("injected write failure")

// FaultyBackend wraps a backend and fails Apply on demand.
//
// Thread-safety: All methods are safe for concurrent use.
type FaultyBackend struct {
	store.Backend

	mu       sync.Mutex
	failNext int
	err      error
	applies  int
	failures int
}

// NewFaultyBackend wraps b. It behaves like b until FailNext is called.
func NewFaultyBackend(b store.Backend) *FaultyBackend {
	return &FaultyBackend{Backend: b, err: ErrInjected}
}

// FailNext makes the next n Apply calls fail with err (ErrInjected if nil).
func (f *FaultyBackend) FailNext(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		err = ErrInjected
	}
	f.failNext = n
	f.err = err
}

// Apply fails if a failure is armed, otherwise delegates.
func (f *FaultyBackend) Apply(ctx context.Context, cs store.ChangeSet, seq int64) error {
	f.mu.Lock()
	f.applies++
	if f.failNext > 0 {
		f.failNext--
		f.failures++
		err := f.err
		f.mu.Unlock()
		return err
	}
	f.mu.Unlock()
	return f.Backend.Apply(ctx, cs, seq)
}

// Applies returns the number of Apply calls, failed ones included.
func (f *FaultyBackend) Applies() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applies
}

// Failures returns the number of injected failures.
func (f *FaultyBackend) Failures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
