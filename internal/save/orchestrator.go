package save

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/datakit/internal/diag"
	"github.com/roach88/datakit/internal/lane"
	"github.com/roach88/datakit/internal/objectcontext"
	"github.com/roach88/datakit/internal/storeerr"
)

// Target says how far a save propagates.
type Target int

const (
	// ParentOnly commits the context into its immediate upstream.
	ParentOnly Target = iota

	// ThroughToStore keeps committing upward until the store is reached.
	ThroughToStore
)

func (t Target) String() string {
	switch t {
	case ParentOnly:
		return "parent"
	case ThroughToStore:
		return "store"
	}
	return "target(" + strconv.Itoa(int(t)) + ")"
}

// Mutation applies changes to objects owned by c. Objects from other
// contexts must be re-resolved with c.Existing first.
type Mutation func(ctx context.Context, c *objectcontext.Context) error

// Completion receives the chain result on the foreground lane.
type Completion func(err error)

// Recorder receives chain metrics. Implemented by metrics.Recorder.
type Recorder interface {
	SaveStarted(target string)
	StepDone(step string, err error)
	SaveDone(target string, elapsed time.Duration, err error)
}

type nopRecorder struct{}

func (nopRecorder) SaveStarted(string) {}

func (nopRecorder) StepDone(string, error) {}

func (nopRecorder) SaveDone(string, time.Duration, error) {}

// Orchestrator drives save chains across a context hierarchy.
//
// Each step runs on the lane of the context it touches and schedules the next
// step as a continuation; no lane ever blocks on another. Completion is
// delivered on the foreground lane exactly once per chain.
//
// Cancellation is not supported: a started chain always runs to completion
// or to its first failure.
//
// Nested saves whose context derives from an outer context that is still
// being saved are not detected. They can lose or duplicate writes.
type Orchestrator struct {
	foreground *lane.Lane
	sink       diag.Sink
	recorder   Recorder
	observer   Observer
	logger     *slog.Logger

	chains atomic.Int64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithDiagnostics sets the sink chain failures are reported to.
func WithDiagnostics(sink diag.Sink) Option {
	return func(o *Orchestrator) {
		if sink != nil {
			o.sink = sink
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithObserver installs a step observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New creates an orchestrator delivering completions on foreground.
func New(foreground *lane.Lane, opts ...Option) (*Orchestrator, error) {
	if foreground == nil || !foreground.IsForeground() {
		return nil, storeerr.Misuse("new orchestrator", "a foreground lane is required")
	}
	o := &Orchestrator{
		foreground: foreground,
		sink:       diag.Discard(),
		recorder:   nopRecorder{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Foreground returns the lane completions are delivered on.
func (o *Orchestrator) Foreground() *lane.Lane { return o.foreground }

// PerformSave runs mutation on c's lane, then assigns permanent identities
// and commits c upward. With ThroughToStore the commit is repeated on every
// ancestor, each on its own lane, until the store is reached or a step fails.
// completion (which may be nil) runs once on the foreground lane with the
// first error, or nil.
//
// c must be a background context.
func (o *Orchestrator) PerformSave(c *objectcontext.Context, target Target, mutation Mutation, completion Completion) *Future {
	ch := o.newChain(target.String(), func(err error) {
		if completion != nil {
			completion(err)
		}
	})

	switch {
	case c == nil:
		ch.finish(storeerr.Misuse("save", "nil context"))
		return ch.future
	case c.Discipline() != objectcontext.Background:
		ch.finish(storeerr.Misuse("save", fmt.Sprintf("%s: saves run on a background context", c)))
		return ch.future
	case mutation == nil:
		mutation = func(context.Context, *objectcontext.Context) error { return nil }
	}

	err := c.Perform(func(ctx context.Context) {
		err := runMutation(ctx, c, mutation)
		ch.step(Step{Kind: StepMutation, Context: c.Name(), Depth: c.Depth(), Err: err})
		if err != nil {
			ch.finish(err)
			return
		}
		ch.commit(ctx, c, target)
	})
	if err != nil {
		ch.finish(err)
	}
	return ch.future
}

// Fail ends a save chain that could not start, typically because its
// context could not be created. err reaches completion on the foreground
// lane, as any other chain result would.
func (o *Orchestrator) Fail(target Target, err error, completion Completion) *Future {
	return o.fail(target.String(), err, func(err error) {
		if completion != nil {
			completion(err)
		}
	})
}

func (o *Orchestrator) fail(target string, err error, complete func(error)) *Future {
	ch := o.newChain(target, complete)
	ch.finish(err)
	return ch.future
}

func runMutation(ctx context.Context, c *objectcontext.Context, m Mutation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("save: mutation panicked: %v", r)
		}
	}()
	return m(ctx, c)
}

// chain is the state of one save chain.
type chain struct {
	o        *Orchestrator
	id       int64
	target   string
	started  time.Time
	future   *Future
	complete func(err error)
	action   CommitAction

	finishOnce sync.Once
}

func (o *Orchestrator) newChain(target string, complete func(error)) *chain {
	ch := &chain{
		o:        o,
		id:       o.chains.Add(1),
		target:   target,
		started:  time.Now(),
		future:   newFuture(),
		complete: complete,
	}
	o.recorder.SaveStarted(target)
	return ch
}

func (ch *chain) step(s Step) {
	s.Chain = ch.id
	s.Action = ch.action
	ch.o.recorder.StepDone(s.Kind.String(), s.Err)
	ch.o.sink.Log(diag.LevelVerbose, "save step", "chain", ch.id, "step", s.String())
	if ch.o.observer != nil {
		ch.o.observer(s)
	}
}

// commit assigns identities and commits c, then hops to the parent's lane if
// the chain goes on. It runs on c's lane.
func (ch *chain) commit(ctx context.Context, c *objectcontext.Context, target Target) {
	err := c.AssignPermanentIdentities(ctx)
	ch.step(Step{Kind: StepIdentities, Context: c.Name(), Depth: c.Depth(), Err: err})
	if err != nil {
		ch.finish(err)
		return
	}

	err = c.CommitUpward(ctx)
	ch.step(Step{Kind: StepCommit, Context: c.Name(), Depth: c.Depth(), Err: err})
	if err != nil {
		ch.finish(err)
		return
	}

	parent := c.Parent()
	if target != ThroughToStore || parent == nil {
		ch.finish(nil)
		return
	}
	if err := parent.Perform(func(pctx context.Context) {
		ch.commit(pctx, parent, target)
	}); err != nil {
		ch.finish(err)
	}
}

// finish hands the result to the foreground lane. Only the first call has an
// effect.
func (ch *chain) finish(err error) {
	ch.finishOnce.Do(func() {
		o := ch.o
		elapsed := time.Since(ch.started)
		o.recorder.SaveDone(ch.target, elapsed, err)
		if err != nil {
			o.sink.HandleError(fmt.Errorf("save chain %d (%s): %w", ch.id, ch.target, err))
		}
		o.logger.Debug("save chain finished",
			"chain", ch.id,
			"target", ch.target,
			"elapsed", elapsed,
			"error", err,
		)

		deliver := func(context.Context) {
			defer ch.future.resolve(err)
			ch.step(Step{Kind: StepCompletion, Context: o.foreground.Name(), Err: err})
			ch.complete(err)
		}
		if !o.foreground.Go(deliver) {
			o.sink.Log(diag.LevelWarn, "save completion dropped, foreground lane stopped", "chain", ch.id)
			ch.future.resolve(err)
		}
	})
}
