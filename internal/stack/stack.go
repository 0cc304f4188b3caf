// Package stack assembles a ready-to-use datakit stack: a store
// coordinator, a background root context, a foreground main context, the
// save orchestrator, diagnostics and metrics.
//
// Stacks are explicitly constructed values. Nothing is global; a process may
// run several stacks side by side.
package stack

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/datakit/internal/config"
	"github.com/roach88/datakit/internal/diag"
	"github.com/roach88/datakit/internal/lane"
	"github.com/roach88/datakit/internal/metrics"
	"github.com/roach88/datakit/internal/model"
	"github.com/roach88/datakit/internal/objectcontext"
	"github.com/roach88/datakit/internal/records"
	"github.com/roach88/datakit/internal/save"
	"github.com/roach88/datakit/internal/store"
)

// Stack is an assembled datakit stack.
//
// Root is the background context attached to the store. Main is its
// foreground child; it runs on Foreground, which the host drives (see
// Await). Changes that reach Root from other children are merged into Main
// automatically.
type Stack struct {
	Coordinator *store.Coordinator
	Root        *objectcontext.Context
	Main        *objectcontext.Context
	Foreground  *lane.Lane
	Saver       *save.Orchestrator
	Diagnostics *diag.Debugger
	Metrics     *metrics.Recorder
	Store       store.StoreInfo

	logger      *slog.Logger
	ownsFg      bool
	stopMerging func()
}

// Option configures stack setup.
type Option func(*options)

type options struct {
	model      *model.Model
	logger     *slog.Logger
	registerer prometheus.Registerer
	diag       *diag.Debugger
	observer   save.Observer
	foreground *lane.Lane
	storeDir   string
	strict     bool
}

// WithModel sets the entity model. Without it the stack uses the model
// named by the configuration, or a dynamic model.
func WithModel(m *model.Model) Option {
	return func(o *options) { o.model = m }
}

// WithLogger sets the logger shared by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRegisterer registers the stack's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithDiagnostics replaces the diagnostics sink built from configuration.
func WithDiagnostics(d *diag.Debugger) Option {
	return func(o *options) { o.diag = d }
}

// WithObserver traces every save chain step.
func WithObserver(obs save.Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithForegroundLane uses fg instead of a new foreground lane named "main".
func WithForegroundLane(fg *lane.Lane) Option {
	return func(o *options) { o.foreground = fg }
}

// WithStoreDir sets the directory SetupStack resolves store names in.
func WithStoreDir(dir string) Option {
	return func(o *options) { o.storeDir = dir }
}

// WithStrictAffinity enables strict foreground affinity checks.
func WithStrictAffinity(strict bool) Option {
	return func(o *options) { o.strict = strict }
}

// SetupInMemoryStack opens a stack over a fresh in-memory store.
func SetupInMemoryStack(ctx context.Context, opts ...Option) (*Stack, error) {
	cfg := config.Default()
	cfg.Store.URL = "memory:"
	return Setup(ctx, cfg, opts...)
}

// SetupStack opens a stack over the named SQLite store. With automigrating
// a store written with another model is migrated instead of rejected.
func SetupStack(ctx context.Context, storeName string, automigrating bool, opts ...Option) (*Stack, error) {
	o := resolve(opts)
	url, err := store.StoreURL(o.storeDir, storeName)
	if err != nil {
		return nil, err
	}
	cfg := config.Default()
	cfg.Store.URL = url
	cfg.Store.Automigrate = automigrating
	return Setup(ctx, cfg, opts...)
}

// Setup opens a stack as described by cfg.
func Setup(ctx context.Context, cfg config.Config, opts ...Option) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("setup: %w", err)
	}
	o := resolve(opts)
	if cfg.StrictAffinity {
		o.strict = true
	}

	m := o.model
	if m == nil && cfg.Model != "" {
		loaded, err := model.LoadCUE(cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("setup: %w", err)
		}
		m = loaded
	}
	if m == nil {
		m = model.Dynamic()
	}

	url, err := cfg.StoreURL()
	if err != nil {
		return nil, fmt.Errorf("setup: %w", err)
	}

	rec, err := metrics.New(o.registerer)
	if err != nil {
		return nil, fmt.Errorf("setup: %w", err)
	}

	d := o.diag
	if d == nil {
		logLevel, breakOn := cfg.DiagLevels()
		d = diag.New(diag.WithLogger(o.logger), diag.WithLogLevel(logLevel), diag.WithBreakOnLevel(breakOn))
	}

	coord := store.New(m, store.WithLogger(o.logger), store.WithMetrics(rec))
	info, err := coord.Attach(ctx, url, cfg.AttachOptions())
	if err != nil {
		coord.Close()
		return nil, fmt.Errorf("setup: %w", err)
	}

	fg := o.foreground
	if fg == nil {
		fg = lane.NewForeground("main", lane.WithLogger(o.logger))
	}

	s, err := assemble(coord, fg, d, rec, o)
	if err != nil {
		coord.Close()
		return nil, fmt.Errorf("setup: %w", err)
	}
	s.Store = info
	s.ownsFg = o.foreground == nil
	o.logger.Info("stack ready", "store", info.Location.String(), "store_id", info.ID, "model", shortHash(m))
	return s, nil
}

func assemble(coord *store.Coordinator, fg *lane.Lane, d *diag.Debugger, rec *metrics.Recorder, o options) (*Stack, error) {
	root, err := objectcontext.NewRoot(coord,
		objectcontext.WithName("root"),
		objectcontext.WithLogger(o.logger),
		objectcontext.WithForegroundLane(fg),
		objectcontext.WithStrictAffinity(o.strict),
	)
	if err != nil {
		return nil, err
	}
	main, err := objectcontext.NewChild(root, objectcontext.Foreground, objectcontext.WithName("main"))
	if err != nil {
		root.Close()
		return nil, err
	}

	saveOpts := []save.Option{save.WithDiagnostics(d), save.WithRecorder(rec), save.WithLogger(o.logger)}
	if o.observer != nil {
		saveOpts = append(saveOpts, save.WithObserver(o.observer))
	}
	saver, err := save.New(fg, saveOpts...)
	if err != nil {
		main.Close()
		root.Close()
		return nil, err
	}

	s := &Stack{
		Coordinator: coord,
		Root:        root,
		Main:        main,
		Foreground:  fg,
		Saver:       saver,
		Diagnostics: d,
		Metrics:     rec,
		logger:      o.logger,
	}
	s.stopMerging = root.Subscribe(s.mergeIntoMain)
	return s, nil
}

// mergeIntoMain forwards root changes to the main context on its lane.
func (s *Stack) mergeIntoMain(_ context.Context, n objectcontext.Notification) {
	if n.IsEmpty() {
		return
	}
	err := s.Main.Perform(func(ctx context.Context) {
		if err := s.Main.MergeChanges(ctx, n); err != nil {
			s.Diagnostics.HandleError(fmt.Errorf("merge into main: %w", err))
		}
	})
	if err != nil {
		s.logger.Debug("merge skipped", "error", err)
	}
}

func resolve(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func shortHash(m *model.Model) string {
	h := m.Hash()
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// Repository returns the convenience operations of kind, bound to Root.
func (s *Stack) Repository(kind string) (*records.Repository, error) {
	return records.New(s.Root, kind)
}

// NewWorker returns a fresh background child of Root. The caller closes it.
func (s *Stack) NewWorker(name string) (*objectcontext.Context, error) {
	var opts []objectcontext.Option
	if name != "" {
		opts = append(opts, objectcontext.WithName(name))
	}
	return objectcontext.NewChild(s.Root, objectcontext.Background, opts...)
}

// Save runs mutation in a new background child of Root and saves it through
// to the store. The child is closed once the chain ends.
func (s *Stack) Save(mutation save.Mutation, completion save.Completion) *save.Future {
	worker, err := s.NewWorker("")
	if err != nil {
		return s.Saver.Fail(save.ThroughToStore, err, completion)
	}
	fut := s.Saver.PerformSave(worker, save.ThroughToStore, mutation, completion)
	go closeWhenDone(fut, worker)
	return fut
}

// PerformBlock runs block in a new background child of Root and applies the
// commit action it returns.
func (s *Stack) PerformBlock(block save.Block, completion save.BlockCompletion) *save.Future {
	worker, err := s.NewWorker("")
	if err != nil {
		return s.Saver.FailBlock(err, completion)
	}
	fut := s.Saver.PerformBlock(worker, block, completion)
	go closeWhenDone(fut, worker)
	return fut
}

func closeWhenDone(fut *save.Future, c *objectcontext.Context) {
	<-fut.Done()
	c.Close()
}

// Await drives the foreground lane until fut resolves.
func (s *Stack) Await(ctx context.Context, fut *save.Future) error {
	return save.Await(ctx, s.Foreground, fut)
}

// Close stops the contexts and lanes and closes the stores. Pending changes
// that were never saved are lost. A foreground lane passed in with
// WithForegroundLane is left running.
func (s *Stack) Close() error {
	if s.stopMerging != nil {
		s.stopMerging()
	}
	s.Main.Close()
	s.Root.Close()
	if s.ownsFg {
		s.Foreground.Stop()
	}
	return s.Coordinator.Close()
}
