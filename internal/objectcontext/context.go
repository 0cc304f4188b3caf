package objectcontext

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/roach88/datakit/internal/lane"
	"github.com/roach88/datakit/internal/model"
	"github.com/roach88/datakit/internal/oid"
	"github.com/roach88/datakit/internal/store"
	"github.com/roach88/datakit/internal/storeerr"
)

// Discipline is a context's concurrency discipline.
type Discipline int

const (
	// Background contexts run on their own serial lane.
	Background Discipline = iota

	// Foreground contexts run on the shared foreground lane.
	Foreground
)

func (d Discipline) String() string {
	switch d {
	case Background:
		return "background"
	case Foreground:
		return "foreground"
	}
	return "discipline(" + strconv.Itoa(int(d)) + ")"
}

type change int

const (
	changeInsert change = iota + 1
	changeUpdate
	changeDelete
)

var childSeq atomic.Int64

// Context is a unit of work.
//
// Thread-safety model:
//   - all methods are safe from any goroutine; state is guarded by one mutex
//   - the lane discipline is a contract: work on a context's objects should
//     run on its lane (see Perform), which keeps a pending set from being
//     edited by two lanes at once
//   - with WithStrictAffinity, ctx-taking operations on a foreground context
//     fail unless called from a foreground lane task
//
// Lock order is always child before parent.
type Context struct {
	name       string
	discipline Discipline
	coord      *store.Coordinator // root contexts only
	parent     *Context           // child contexts only
	model      *model.Model
	lane       *lane.Lane
	ownsLane   bool
	foreground *lane.Lane
	logger     *slog.Logger
	strict     bool

	mu        sync.Mutex
	registry  map[oid.ID]*Object
	pending   map[*Object]change
	order     []*Object
	undo      []snapshot
	listeners []listenerEntry
	nextSub   int
	closed    bool
}

// Option configures a context.
type Option func(*options)

type options struct {
	name       string
	logger     *slog.Logger
	foreground *lane.Lane
	strict     bool
}

// WithName names the context and its lane in logs.
func WithName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.name = name
		}
	}
}

// WithLogger sets the logger. Children inherit it.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithForegroundLane sets the lane foreground children run on. Children
// inherit it.
func WithForegroundLane(l *lane.Lane) Option {
	return func(o *options) { o.foreground = l }
}

// WithStrictAffinity makes ctx-taking operations on foreground contexts fail
// with a misuse error when called outside a foreground lane task. Children
// inherit it.
func WithStrictAffinity(strict bool) Option {
	return func(o *options) { o.strict = strict }
}

// NewRoot creates a background context whose upstream is coord.
func NewRoot(coord *store.Coordinator, opts ...Option) (*Context, error) {
	if coord == nil {
		return nil, storeerr.Misuse("new root context", "a store coordinator is required")
	}
	o := options{name: "root", logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	c := newContext(o, Background)
	c.coord = coord
	c.model = coord.Model()
	c.lane = lane.NewBackground(o.name, lane.WithLogger(o.logger))
	c.ownsLane = true
	return c, nil
}

// NewChild creates a context whose upstream is parent. A background child
// gets a fresh lane; a foreground child runs on the foreground lane, which
// must have been configured on the chain with WithForegroundLane.
func NewChild(parent *Context, d Discipline, opts ...Option) (*Context, error) {
	if parent == nil {
		return nil, storeerr.Misuse("new child context", "a parent context is required")
	}
	parent.mu.Lock()
	closed := parent.closed
	parent.mu.Unlock()
	if closed {
		return nil, storeerr.LaneStopped(parent.lane.Name())
	}
	o := options{
		name:       parent.name + "." + strconv.FormatInt(childSeq.Add(1), 10),
		logger:     parent.logger,
		foreground: parent.foreground,
		strict:     parent.strict,
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := newContext(o, d)
	c.parent = parent
	c.model = parent.model

	switch d {
	case Background:
		c.lane = lane.NewBackground(o.name, lane.WithLogger(o.logger))
		c.ownsLane = true
	case Foreground:
		if o.foreground == nil {
			return nil, storeerr.Misuse("new child context", "no foreground lane is configured")
		}
		c.lane = o.foreground
	default:
		return nil, storeerr.Misuse("new child context", fmt.Sprintf("unknown discipline %v", d))
	}
	return c, nil
}

func newContext(o options, d Discipline) *Context {
	return &Context{
		name:       o.name,
		discipline: d,
		foreground: o.foreground,
		logger:     o.logger,
		strict:     o.strict,
		registry:   map[oid.ID]*Object{},
		pending:    map[*Object]change{},
	}
}

// Name returns the context name.
func (c *Context) Name() string { return c.name }

// Discipline returns the concurrency discipline.
func (c *Context) Discipline() Discipline { return c.discipline }

// Parent returns the parent context, or nil for a root context.
func (c *Context) Parent() *Context { return c.parent }

// Coordinator returns the store coordinator of a root context, or nil.
func (c *Context) Coordinator() *store.Coordinator { return c.coord }

// IsRoot reports whether the upstream is the store coordinator.
func (c *Context) IsRoot() bool { return c.parent == nil }

// Root returns the root context of the chain.
func (c *Context) Root() *Context {
	r := c
	for r.parent != nil {
		r = r.parent
	}
	return r
}

// Depth returns the number of ancestors.
func (c *Context) Depth() int {
	n := 0
	for p := c.parent; p != nil; p = p.parent {
		n++
	}
	return n
}

// Model returns the entity model.
func (c *Context) Model() *model.Model { return c.model }

// Lane returns the lane the context's work runs on.
func (c *Context) Lane() *lane.Lane { return c.lane }

// ForegroundLane returns the configured foreground lane, or nil.
func (c *Context) ForegroundLane() *lane.Lane { return c.foreground }

// Logger returns the context logger.
func (c *Context) Logger() *slog.Logger { return c.logger }

func (c *Context) String() string {
	return fmt.Sprintf("context %q (%s)", c.name, c.discipline)
}

// Perform schedules fn on the context's lane.
func (c *Context) Perform(fn lane.Task) error {
	if !c.lane.Go(fn) {
		return storeerr.LaneStopped(c.lane.Name())
	}
	return nil
}

// PerformAndWait runs fn on the context's lane and waits for it. Called from
// a task already on that lane, fn runs inline.
func (c *Context) PerformAndWait(ctx context.Context, fn lane.Task) error {
	return c.lane.Wait(ctx, fn)
}

// Close stops the context's own lane. Tasks already scheduled still run.
// The shared foreground lane is left alone.
func (c *Context) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if c.ownsLane {
		c.lane.Stop()
	}
}

func (c *Context) checkAffinity(ctx context.Context, op string) error {
	if c.strict && c.discipline == Foreground && !c.lane.InTask(ctx) {
		return storeerr.Misuse(op, fmt.Sprintf("foreground context %q used outside the foreground lane", c.name))
	}
	return nil
}

// Insert creates a new object of kind with a temporary identity and the
// kind's default values.
func (c *Context) Insert(kind string) (*Object, error) {
	if err := c.model.CheckInsertable(kind); err != nil {
		return nil, err
	}
	o := &Object{ctx: c, id: oid.NewTemporary(kind), attrs: c.model.Defaults(kind)}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.registry[o.id] = o
	c.mark(o, changeInsert)
	return o, nil
}

// Delete marks obj for deletion. Deleting a pending insert simply drops it.
func (c *Context) Delete(obj *Object) error {
	if obj == nil || obj.ctx != c {
		return storeerr.Misuse("delete", fmt.Sprintf("object is not registered in context %q", c.name))
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if obj.detached {
		return storeerr.Misuse("delete", fmt.Sprintf("%s is no longer registered in context %q", obj.id, c.name))
	}
	if c.pending[obj] == changeDelete {
		return nil
	}
	c.mark(obj, changeDelete)
	return nil
}

// Registered returns the instance registered for id, if any.
func (c *Context) Registered(id oid.ID) (*Object, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.registry[id]
	return o, ok
}

// HasChanges reports whether the pending set is non-empty.
func (c *Context) HasChanges() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending) > 0
}

// Changes lists the pending objects in the order they first changed.
type Changes struct {
	Inserted []*Object
	Updated  []*Object
	Deleted  []*Object
}

// Len returns the number of pending objects.
func (ch Changes) Len() int {
	return len(ch.Inserted) + len(ch.Updated) + len(ch.Deleted)
}

// Changes returns the pending set.
func (c *Context) Changes() Changes {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ch Changes
	for _, o := range c.order {
		switch c.pending[o] {
		case changeInsert:
			ch.Inserted = append(ch.Inserted, o)
		case changeUpdate:
			ch.Updated = append(ch.Updated, o)
		case changeDelete:
			ch.Deleted = append(ch.Deleted, o)
		}
	}
	return ch
}

// mark records a change of o. Caller holds c.mu.
func (c *Context) mark(o *Object, ch change) {
	prev, ok := c.pending[o]
	switch {
	case !ok:
		c.pending[o] = ch
		c.order = append(c.order, o)
	case prev == changeInsert && ch == changeUpdate:
		// still an insert
	case prev == changeInsert && ch == changeDelete:
		c.forget(o)
	default:
		c.pending[o] = ch
	}
}

// forget drops o from the pending set and the registry. Caller holds c.mu.
func (c *Context) forget(o *Object) {
	delete(c.pending, o)
	if i := slices.Index(c.order, o); i >= 0 {
		c.order = slices.Delete(c.order, i, i+1)
	}
	delete(c.registry, o.id)
	o.detached = true
}

// materialize returns the instance registered for r, registering a clean
// object if there is none. Caller holds c.mu.
func (c *Context) materialize(r store.Record) *Object {
	if o, ok := c.registry[r.ID]; ok {
		return o
	}
	o := &Object{ctx: c, id: r.ID, attrs: cloneAttrs(r.Attributes), base: cloneAttrs(r.Attributes)}
	c.registry[o.id] = o
	return o
}
