package objectcontext

import (
	"maps"
	"slices"

	"github.com/roach88/datakit/internal/oid"
	"github.com/roach88/datakit/internal/storeerr"
)

type objectState struct {
	id       oid.ID
	attrs    map[string]any
	detached bool
}

// snapshot is the pending state of a context when an undo group began.
type snapshot struct {
	registry map[oid.ID]*Object
	objects  map[*Object]objectState
	pending  map[*Object]change
	order    []*Object
}

// BeginUndoGroup opens an undo group. Undo returns the context to the state
// it had here. Groups nest; a commit or rollback discards all of them.
func (c *Context) BeginUndoGroup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := snapshot{
		registry: maps.Clone(c.registry),
		objects:  make(map[*Object]objectState, len(c.registry)),
		pending:  maps.Clone(c.pending),
		order:    slices.Clone(c.order),
	}
	for _, o := range c.registry {
		s.objects[o] = objectState{id: o.id, attrs: cloneAttrs(o.attrs), detached: o.detached}
	}
	c.undo = append(c.undo, s)
}

// EndUndoGroup closes the innermost group, keeping its changes.
func (c *Context) EndUndoGroup() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.undo) == 0 {
		return storeerr.Misuse("end undo group", "no undo group is open")
	}
	c.undo = c.undo[:len(c.undo)-1]
	return nil
}

// UndoGroups returns the number of open undo groups.
func (c *Context) UndoGroups() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.undo)
}

// Undo reverts every change made since the innermost open group began and
// closes that group. Objects inserted inside the group are detached;
// objects first fetched inside it stay registered.
func (c *Context) Undo() error {
	c.mu.Lock()
	if len(c.undo) == 0 {
		c.mu.Unlock()
		return storeerr.Misuse("undo", "no undo group is open")
	}
	s := c.undo[len(c.undo)-1]
	c.undo = c.undo[:len(c.undo)-1]

	n := Notification{Event: EventDidChange, Context: c.name}
	for _, o := range c.registry {
		if _, known := s.objects[o]; known {
			continue
		}
		ch, changed := c.pending[o]
		if ch == changeInsert {
			o.detached = true
			n.Deleted = append(n.Deleted, o.id)
			continue
		}
		// Fetched inside the group: it stays registered at its upstream state.
		if changed {
			o.attrs = cloneAttrs(o.base)
			n.Updated = append(n.Updated, o.id)
		}
		s.registry[o.id] = o
	}
	for o, st := range s.objects {
		o.id = st.id
		o.attrs = cloneAttrs(st.attrs)
		o.detached = st.detached
		n.Updated = append(n.Updated, o.id)
	}
	c.registry = s.registry
	c.pending = s.pending
	c.order = s.order
	c.mu.Unlock()

	c.notify(n)
	return nil
}
