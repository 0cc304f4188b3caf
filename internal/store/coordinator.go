package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/datakit/internal/model"
	"github.com/roach88/datakit/internal/oid"
	"github.com/roach88/datakit/internal/query"
	"github.com/roach88/datakit/internal/storeerr"
)

// AttachOptions controls what happens when a store was written with a
// different model.
type AttachOptions struct {
	// Automigrate records the new model hash and migrates existing records:
	// unknown attributes are dropped, missing defaults are filled in and
	// records of kinds that left the model are deleted.
	Automigrate bool

	// DeleteOnMismatch wipes a mismatching store instead of failing.
	// Automigrate takes precedence.
	DeleteOnMismatch bool
}

// StoreInfo describes an attached store.
type StoreInfo struct {
	ID       string
	Location Location
	Primary  bool
}

type attached struct {
	id      string
	loc     Location
	backend Backend
}

// Coordinator is the store handle: it owns the attached backing stores and
// serializes commits against them.
//
// Thread-safety: all methods are safe for concurrent use. Commit takes the
// write lock, so at most one commit is in flight.
type Coordinator struct {
	model   *model.Model
	logger  *slog.Logger
	metrics Metrics
	seq     commitSeq

	mu     sync.RWMutex
	stores []*attached
	byID   map[string]*attached
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Metrics receives coordinator measurements. Implemented by metrics.Recorder.
type Metrics interface {
	CommitDone(records int, elapsed time.Duration, err error)
	PermanentIDsIssued(n int)
}

type nopMetrics struct{}

func (nopMetrics) CommitDone(int, time.Duration, error) {}

func (nopMetrics) PermanentIDsIssued(int) {}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// New creates a coordinator for m with no attached stores.
func New(m *model.Model, opts ...Option) *Coordinator {
	if m == nil {
		m = model.Dynamic()
	}
	c := &Coordinator{
		model:   m,
		logger:  slog.Default(),
		metrics: nopMetrics{},
		byID:    map[string]*attached{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the coordinator's model.
func (c *Coordinator) Model() *model.Model { return c.model }

// Seq returns the sequence number of the last commit.
func (c *Coordinator) Seq() int64 { return c.seq.head() }

// Attach opens the store at url and adds it to the coordinator.
// The first attached store becomes the primary store.
func (c *Coordinator) Attach(ctx context.Context, url string, opts AttachOptions) (StoreInfo, error) {
	loc, err := ParseLocation(url)
	if err != nil {
		return StoreInfo{}, storeerr.Misuse("attach", err.Error())
	}

	var b Backend
	switch loc.Driver {
	case DriverMemory:
		b = NewMemoryBackend()
	case DriverSQLite:
		b, err = OpenSQLite(loc.Target)
	case DriverPostgres:
		b, err = OpenPostgres(ctx, loc.Target)
	}
	if err != nil {
		return StoreInfo{}, storeerr.IO("attach", err)
	}
	return c.AttachBackend(ctx, loc, b, opts)
}

// AttachBackend adds an already opened backend. On failure the backend is closed.
func (c *Coordinator) AttachBackend(ctx context.Context, loc Location, b Backend, opts AttachOptions) (info StoreInfo, err error) {
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	meta, err := b.Meta(ctx)
	if err != nil {
		return StoreInfo{}, storeerr.IO("attach", err)
	}

	if err := c.reconcileModel(ctx, b, meta, opts, loc); err != nil {
		return StoreInfo{}, err
	}
	if meta, err = b.Meta(ctx); err != nil {
		return StoreInfo{}, storeerr.IO("attach", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, dup := c.byID[meta.StoreID]; dup {
		return StoreInfo{}, storeerr.Misuse("attach", fmt.Sprintf("store %s is already attached", meta.StoreID))
	}
	a := &attached{id: meta.StoreID, loc: loc, backend: b}
	c.stores = append(c.stores, a)
	c.byID[a.id] = a
	c.seq.catchUp(meta.MaxSeq)

	c.logger.Info("store attached",
		"store", a.id,
		"location", loc.String(),
		"primary", len(c.stores) == 1,
	)
	return StoreInfo{ID: a.id, Location: loc, Primary: len(c.stores) == 1}, nil
}

func (c *Coordinator) reconcileModel(ctx context.Context, b Backend, meta Meta, opts AttachOptions, loc Location) error {
	if c.model.IsDynamic() {
		return nil
	}
	hash := c.model.Hash()

	switch {
	case meta.ModelHash == hash:
		return nil

	case meta.ModelHash == "":
		if err := b.SetModelHash(ctx, hash); err != nil {
			return storeerr.IO("attach", err)
		}
		return nil

	case opts.Automigrate:
		c.logger.Info("model changed, migrating store",
			"location", loc.String(), "from", short(meta.ModelHash), "to", short(hash))
		if err := c.migrate(ctx, b, meta); err != nil {
			return err
		}
		if err := b.SetModelHash(ctx, hash); err != nil {
			return storeerr.IO("attach", err)
		}
		return nil

	case opts.DeleteOnMismatch:
		c.logger.Warn("model mismatch, removing store", "location", loc.String())
		if err := b.Reset(ctx); err != nil {
			return storeerr.IO("attach", err)
		}
		if _, err := b.Meta(ctx); err != nil {
			return storeerr.IO("attach", err)
		}
		if err := b.SetModelHash(ctx, hash); err != nil {
			return storeerr.IO("attach", err)
		}
		return nil

	default:
		return storeerr.IncompatibleModel(meta.ModelHash, hash)
	}
}

// migrate rewrites existing records to conform to the coordinator's model.
func (c *Coordinator) migrate(ctx context.Context, b Backend, meta Meta) error {
	records, err := b.Load(ctx, nil)
	if err != nil {
		return storeerr.IO("migrate", err)
	}

	var cs ChangeSet
	for _, r := range records {
		if _, ok := c.model.Kind(r.Kind()); !ok {
			cs.Deleted = append(cs.Deleted, r.ID)
			continue
		}
		next, changed := c.conform(r)
		if changed {
			cs.Updated = append(cs.Updated, next)
		}
	}
	if cs.IsEmpty() {
		return nil
	}

	seq := meta.MaxSeq + 1
	if err := b.Apply(ctx, cs, seq); err != nil {
		return storeerr.IO("migrate", err)
	}
	c.logger.Info("store migrated",
		"store", meta.StoreID,
		"updated", len(cs.Updated),
		"deleted", len(cs.Deleted),
	)
	return nil
}

func (c *Coordinator) conform(r Record) (Record, bool) {
	out := r.Clone()
	changed := false
	known := map[string]bool{}
	for _, a := range c.model.Attributes(r.Kind()) {
		known[a.Name] = true
		v, present := out.Attributes[a.Name]
		if (!present || v == nil) && a.Default != nil {
			if d, err := c.model.Coerce(r.Kind(), a.Name, a.Default); err == nil {
				out.Attributes[a.Name] = d
				changed = true
			}
		}
	}
	for name := range out.Attributes {
		if !known[name] {
			delete(out.Attributes, name)
			changed = true
		}
	}
	return out, changed
}

// Stores lists the attached stores in attach order.
func (c *Coordinator) Stores() []StoreInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]StoreInfo, len(c.stores))
	for i, a := range c.stores {
		out[i] = StoreInfo{ID: a.id, Location: a.loc, Primary: i == 0}
	}
	return out
}

// ObtainPermanentIDs mints permanent identities in the primary store, one
// per kind given.
func (c *Coordinator) ObtainPermanentIDs(kinds []string) ([]oid.ID, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.stores) == 0 {
		return nil, storeerr.Misuse("obtain permanent ids", "no store attached")
	}
	primary := c.stores[0].id
	ids := make([]oid.ID, len(kinds))
	for i, k := range kinds {
		ids[i] = oid.NewPermanent(primary, k)
	}
	c.metrics.PermanentIDsIssued(len(ids))
	return ids, nil
}

// Load returns all committed records of the given kinds across stores.
func (c *Coordinator) Load(ctx context.Context, kinds []string) ([]Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Record
	for _, a := range c.stores {
		rs, err := a.backend.Load(ctx, kinds)
		if err != nil {
			return nil, wrapIO("fetch", err)
		}
		out = append(out, rs...)
	}
	sortRecords(out)
	return out, nil
}

// Fetch runs req against committed state. The kind's subkinds are included.
func (c *Coordinator) Fetch(ctx context.Context, req query.Request) ([]Record, error) {
	if err := req.Validate(); err != nil {
		return nil, storeerr.Misuse("fetch", err.Error())
	}
	kinds := c.model.KindsIncluding(req.Kind)
	if kinds == nil {
		return nil, storeerr.Misuse("fetch", fmt.Sprintf("kind %q is not in the model", req.Kind))
	}
	records, err := c.Load(ctx, kinds)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]Record, len(records))
	rows := make([]query.Row, len(records))
	for i, r := range records {
		byID[r.ID.String()] = r
		rows[i] = r.Row()
	}
	rows, err = req.Apply(rows)
	if err != nil {
		return nil, storeerr.Misuse("fetch", err.Error())
	}
	out := make([]Record, len(rows))
	for i, row := range rows {
		out[i] = byID[row.ID]
	}
	return out, nil
}

// Get returns the committed record for id.
func (c *Coordinator) Get(ctx context.Context, id oid.ID) (Record, error) {
	if id.IsZero() || id.IsTemporary() {
		return Record{}, storeerr.Misuse("get", fmt.Sprintf("%q is not a permanent identity", id.String()))
	}
	c.mu.RLock()
	a, ok := c.byID[id.Store()]
	c.mu.RUnlock()
	if !ok {
		return Record{}, storeerr.NotFound("get", id.String())
	}

	r, found, err := a.backend.Get(ctx, id)
	if err != nil {
		return Record{}, wrapIO("get", err)
	}
	if !found {
		return Record{}, storeerr.NotFound("get", id.String())
	}
	return r, nil
}

// Commit validates cs against the model and applies it. Writes are routed
// to the store named by each identity. The change set is atomic per store;
// a failure leaves that store untouched.
func (c *Coordinator) Commit(ctx context.Context, cs ChangeSet) (err error) {
	if cs.IsEmpty() {
		return nil
	}
	start := time.Now()
	defer func() { c.metrics.CommitDone(cs.Len(), time.Since(start), err) }()

	cs, err = c.prepare(cs)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	split := map[string]*ChangeSet{}
	target := func(op string, id oid.ID) (*ChangeSet, error) {
		if _, ok := c.byID[id.Store()]; !ok {
			return nil, storeerr.Misuse(op, fmt.Sprintf("%s belongs to no attached store", id))
		}
		part, ok := split[id.Store()]
		if !ok {
			part = &ChangeSet{}
			split[id.Store()] = part
		}
		return part, nil
	}
	for _, r := range cs.Inserted {
		part, err := target("commit", r.ID)
		if err != nil {
			return err
		}
		part.Inserted = append(part.Inserted, r)
	}
	for _, r := range cs.Updated {
		part, err := target("commit", r.ID)
		if err != nil {
			return err
		}
		part.Updated = append(part.Updated, r)
	}
	for _, id := range cs.Deleted {
		part, err := target("commit", id)
		if err != nil {
			return err
		}
		part.Deleted = append(part.Deleted, id)
	}

	seq := c.seq.stamp()
	for _, a := range c.stores {
		part, ok := split[a.id]
		if !ok {
			continue
		}
		if err := a.backend.Apply(ctx, *part, seq); err != nil {
			c.logger.Error("commit failed", "store", a.id, "seq", seq, "error", err)
			return wrapIO("commit", err)
		}
	}

	c.logger.Debug("commit applied",
		"seq", seq,
		"inserted", len(cs.Inserted),
		"updated", len(cs.Updated),
		"deleted", len(cs.Deleted),
	)
	return nil
}

// prepare validates cs and returns a copy with every attribute value coerced
// to its canonical type.
func (c *Coordinator) prepare(cs ChangeSet) (ChangeSet, error) {
	normalize := func(r Record) (Record, error) {
		if r.ID.IsZero() || r.ID.IsTemporary() {
			return Record{}, storeerr.Misuse("commit", fmt.Sprintf("%q is not a permanent identity", r.ID.String()))
		}
		if err := c.model.Validate(r.Kind(), r.Attributes); err != nil {
			return Record{}, err
		}
		out := r.Clone()
		for name, v := range out.Attributes {
			if v == nil {
				continue
			}
			nv, err := c.model.Coerce(r.Kind(), name, v)
			if err != nil {
				return Record{}, err
			}
			out.Attributes[name] = nv
		}
		return out, nil
	}

	out := ChangeSet{Deleted: cs.Deleted}
	for _, r := range cs.Inserted {
		if err := c.model.CheckInsertable(r.Kind()); err != nil {
			return ChangeSet{}, err
		}
		n, err := normalize(r)
		if err != nil {
			return ChangeSet{}, err
		}
		out.Inserted = append(out.Inserted, n)
	}
	for _, r := range cs.Updated {
		n, err := normalize(r)
		if err != nil {
			return ChangeSet{}, err
		}
		out.Updated = append(out.Updated, n)
	}
	for _, id := range cs.Deleted {
		if id.IsZero() || id.IsTemporary() {
			return ChangeSet{}, storeerr.Misuse("commit", fmt.Sprintf("cannot delete %q: not a permanent identity", id.String()))
		}
	}
	return out, nil
}

// Close closes every attached store.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var first error
	for _, a := range c.stores {
		if err := a.backend.Close(); err != nil && first == nil {
			first = err
		}
	}
	c.stores = nil
	c.byID = map[string]*attached{}
	return first
}

func wrapIO(op string, err error) error {
	if storeerr.CodeOf(err) != "" {
		return err
	}
	return storeerr.IO(op, err)
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
