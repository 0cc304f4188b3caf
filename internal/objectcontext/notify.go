package objectcontext

import (
	"context"
	"strconv"

	"github.com/roach88/datakit/internal/oid"
)

// Event identifies a context notification.
type Event int

const (
	// EventDidSave follows a successful CommitUpward of the context.
	EventDidSave Event = iota + 1

	// EventDidChange follows a change of the pending set that did not come
	// from the context's own objects: a child commit, a rollback or an undo.
	EventDidChange

	// EventDidMerge follows MergeChanges.
	EventDidMerge
)

func (e Event) String() string {
	switch e {
	case EventDidSave:
		return "did-save"
	case EventDidChange:
		return "did-change"
	case EventDidMerge:
		return "did-merge"
	}
	return "event(" + strconv.Itoa(int(e)) + ")"
}

// Notification describes a batch of changes in one context.
type Notification struct {
	Event    Event
	Context  string
	Inserted []oid.ID
	Updated  []oid.ID
	Deleted  []oid.ID
}

// IsEmpty reports whether the notification names no objects.
func (n Notification) IsEmpty() bool {
	return len(n.Inserted) == 0 && len(n.Updated) == 0 && len(n.Deleted) == 0
}

// Listener receives notifications on the context's lane.
type Listener func(ctx context.Context, n Notification)

type listenerEntry struct {
	id int
	fn Listener
}

// Subscribe registers l and returns a function that removes it.
func (c *Context) Subscribe(l Listener) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextSub++
	id := c.nextSub
	c.listeners = append(c.listeners, listenerEntry{id: id, fn: l})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, e := range c.listeners {
			if e.id == id {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

// notify schedules every listener on the context's lane, in subscription
// order.
func (c *Context) notify(n Notification) {
	c.mu.Lock()
	listeners := make([]Listener, len(c.listeners))
	for i, e := range c.listeners {
		listeners[i] = e.fn
	}
	c.mu.Unlock()

	for _, l := range listeners {
		if !c.lane.Go(func(ctx context.Context) { l(ctx, n) }) {
			c.logger.Warn("notification dropped, lane stopped",
				"context", c.name, "event", n.Event.String())
			return
		}
	}
}

// MergeChanges refreshes c's clean objects from upstream after an ancestor
// changed. Objects with pending changes keep their local state. Listeners
// then receive EventDidMerge.
func (c *Context) MergeChanges(ctx context.Context, n Notification) error {
	if err := c.checkAffinity(ctx, "merge changes"); err != nil {
		return err
	}

	c.mu.Lock()
	refresh := append(append([]oid.ID{}, n.Inserted...), n.Updated...)
	for _, id := range refresh {
		o, ok := c.registry[id]
		if !ok {
			continue
		}
		if _, dirty := c.pending[o]; dirty {
			continue
		}
		attrs, found, err := c.resolveUpstream(ctx, id)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		if !found {
			delete(c.registry, id)
			o.detached = true
			continue
		}
		o.attrs = cloneAttrs(attrs)
		o.base = cloneAttrs(attrs)
	}
	for _, id := range n.Deleted {
		o, ok := c.registry[id]
		if !ok {
			continue
		}
		if _, dirty := c.pending[o]; dirty {
			continue
		}
		delete(c.registry, id)
		o.detached = true
	}
	c.mu.Unlock()

	merged := n
	merged.Event = EventDidMerge
	merged.Context = c.name
	c.notify(merged)
	return nil
}
