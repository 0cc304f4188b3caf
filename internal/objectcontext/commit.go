package objectcontext

import (
	"context"
	"fmt"

	"github.com/roach88/datakit/internal/oid"
	"github.com/roach88/datakit/internal/store"
	"github.com/roach88/datakit/internal/storeerr"
)

// ObtainPermanentIDs replaces the temporary identities of objs with
// permanent ones minted by the store. Objects that are already permanent are
// skipped. Every object must be registered in c.
func (c *Context) ObtainPermanentIDs(ctx context.Context, objs []*Object) error {
	if err := c.checkAffinity(ctx, "obtain permanent ids"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.obtainLocked(objs)
}

// AssignPermanentIdentities gives every pending insert a permanent identity.
// It is idempotent.
func (c *Context) AssignPermanentIdentities(ctx context.Context) error {
	if err := c.checkAffinity(ctx, "assign permanent identities"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assignLocked()
}

func (c *Context) assignLocked() error {
	var objs []*Object
	for _, o := range c.order {
		if c.pending[o] == changeInsert && o.id.IsTemporary() {
			objs = append(objs, o)
		}
	}
	return c.obtainLocked(objs)
}

func (c *Context) obtainLocked(objs []*Object) error {
	var temp []*Object
	for _, o := range objs {
		if o == nil || o.ctx != c || o.detached {
			return storeerr.Misuse("obtain permanent ids", fmt.Sprintf("object is not registered in context %q", c.name))
		}
		if o.id.IsTemporary() {
			temp = append(temp, o)
		}
	}
	if len(temp) == 0 {
		return nil
	}

	kinds := make([]string, len(temp))
	for i, o := range temp {
		kinds[i] = o.id.Kind()
	}
	ids, err := c.Root().coord.ObtainPermanentIDs(kinds)
	if err != nil {
		return err
	}
	for i, o := range temp {
		delete(c.registry, o.id)
		o.id = ids[i]
		c.registry[o.id] = o
	}
	c.logger.Debug("permanent identities assigned", "context", c.name, "count", len(temp))
	return nil
}

// CommitUpward validates the pending set, assigns permanent identities and
// commits the changes one level up: into the parent's pending set for a
// child, into the store for a root. On failure the pending set is left as it
// was, apart from identities already made permanent.
func (c *Context) CommitUpward(ctx context.Context) error {
	if err := c.checkAffinity(ctx, "commit"); err != nil {
		return err
	}

	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return nil
	}
	if err := c.validateLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.assignLocked(); err != nil {
		c.mu.Unlock()
		return err
	}

	cs := c.changeSetLocked()
	var err error
	if c.parent == nil {
		err = c.coord.Commit(ctx, cs)
	} else {
		err = c.parent.absorb(ctx, cs)
	}
	if err != nil {
		c.mu.Unlock()
		c.logger.Debug("commit failed", "context", c.name, "error", err)
		return err
	}

	n := c.clearLocked(EventDidSave)
	c.mu.Unlock()

	c.logger.Debug("context committed",
		"context", c.name,
		"upstream", c.upstreamName(),
		"inserted", len(n.Inserted),
		"updated", len(n.Updated),
		"deleted", len(n.Deleted),
	)
	c.notify(n)
	return nil
}

func (c *Context) upstreamName() string {
	if c.parent == nil {
		return "store"
	}
	return c.parent.name
}

func (c *Context) validateLocked() error {
	for _, o := range c.order {
		kind := o.id.Kind()
		switch c.pending[o] {
		case changeInsert:
			if err := c.model.CheckInsertable(kind); err != nil {
				return err
			}
			if err := c.model.Validate(kind, o.attrs); err != nil {
				return err
			}
		case changeUpdate:
			if err := c.model.Validate(kind, o.attrs); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Context) changeSetLocked() store.ChangeSet {
	var cs store.ChangeSet
	for _, o := range c.order {
		switch c.pending[o] {
		case changeInsert:
			cs.Inserted = append(cs.Inserted, store.Record{ID: o.id, Attributes: cloneAttrs(o.attrs)})
		case changeUpdate:
			cs.Updated = append(cs.Updated, store.Record{ID: o.id, Attributes: cloneAttrs(o.attrs)})
		case changeDelete:
			cs.Deleted = append(cs.Deleted, o.id)
		}
	}
	return cs
}

// clearLocked marks every pending change as committed and returns the
// notification describing them.
func (c *Context) clearLocked(ev Event) Notification {
	n := Notification{Event: ev, Context: c.name}
	for _, o := range c.order {
		switch c.pending[o] {
		case changeInsert:
			o.base = cloneAttrs(o.attrs)
			n.Inserted = append(n.Inserted, o.id)
		case changeUpdate:
			o.base = cloneAttrs(o.attrs)
			n.Updated = append(n.Updated, o.id)
		case changeDelete:
			delete(c.registry, o.id)
			o.detached = true
			n.Deleted = append(n.Deleted, o.id)
		}
	}
	c.pending = map[*Object]change{}
	c.order = nil
	c.undo = nil
	return n
}

// absorb merges a child's committed change set into c's pending set.
// Every target is resolved before anything changes, so a failure leaves c
// untouched.
func (c *Context) absorb(ctx context.Context, cs store.ChangeSet) error {
	type target struct {
		id   oid.ID
		obj  *Object
		base map[string]any
		rec  store.Record
	}

	c.mu.Lock()

	for _, r := range cs.Inserted {
		if _, dup := c.registry[r.ID]; dup {
			c.mu.Unlock()
			return storeerr.Misuse("commit", fmt.Sprintf("%s is already registered in context %q", r.ID, c.name))
		}
	}

	lookup := func(id oid.ID) (target, bool, error) {
		if o, ok := c.registry[id]; ok {
			if c.pending[o] == changeDelete {
				return target{}, false, nil
			}
			return target{id: id, obj: o}, true, nil
		}
		if id.IsTemporary() {
			return target{}, false, nil
		}
		base, found, err := c.resolveUpstream(ctx, id)
		return target{id: id, base: base}, found, err
	}

	updates := make([]target, 0, len(cs.Updated))
	for _, r := range cs.Updated {
		t, found, err := lookup(r.ID)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		if !found {
			c.mu.Unlock()
			return storeerr.NotFound("commit", r.ID.String())
		}
		t.rec = r
		updates = append(updates, t)
	}
	deletes := make([]target, 0, len(cs.Deleted))
	for _, id := range cs.Deleted {
		t, found, err := lookup(id)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		if found {
			deletes = append(deletes, t)
		}
	}

	n := Notification{Event: EventDidChange, Context: c.name}
	for _, r := range cs.Inserted {
		o := &Object{ctx: c, id: r.ID, attrs: cloneAttrs(r.Attributes)}
		c.registry[o.id] = o
		c.mark(o, changeInsert)
		n.Inserted = append(n.Inserted, o.id)
	}
	for _, t := range updates {
		o := t.obj
		if o == nil {
			o = &Object{ctx: c, id: t.id, base: t.base}
			c.registry[o.id] = o
		}
		o.attrs = cloneAttrs(t.rec.Attributes)
		c.mark(o, changeUpdate)
		n.Updated = append(n.Updated, o.id)
	}
	for _, t := range deletes {
		o := t.obj
		if o == nil {
			o = &Object{ctx: c, id: t.id, attrs: cloneAttrs(t.base), base: t.base}
			c.registry[o.id] = o
		}
		c.mark(o, changeDelete)
		n.Deleted = append(n.Deleted, t.id)
	}
	c.mu.Unlock()

	c.notify(n)
	return nil
}

// Rollback discards the pending set. Inserted objects are detached; updated
// and deleted objects return to their last committed state.
func (c *Context) Rollback() {
	c.mu.Lock()
	n := Notification{Event: EventDidChange, Context: c.name}
	for _, o := range c.order {
		switch c.pending[o] {
		case changeInsert:
			delete(c.registry, o.id)
			o.detached = true
			n.Deleted = append(n.Deleted, o.id)
		case changeUpdate, changeDelete:
			o.attrs = cloneAttrs(o.base)
			n.Updated = append(n.Updated, o.id)
		}
	}
	c.pending = map[*Object]change{}
	c.order = nil
	c.undo = nil
	c.mu.Unlock()

	if !n.IsEmpty() {
		c.notify(n)
	}
}
