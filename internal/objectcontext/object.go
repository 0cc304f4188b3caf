package objectcontext

import (
	"fmt"

	"github.com/roach88/datakit/internal/oid"
	"github.com/roach88/datakit/internal/storeerr"
)

// Object is an entity instance registered in one Context.
//
// Accessors lock the owning context, so reading an Object from another
// goroutine is safe. Mutations belong on the context's lane.
type Object struct {
	ctx   *Context
	id    oid.ID
	attrs map[string]any

	// base is the last state known upstream. Nil for pending inserts.
	base map[string]any

	// detached is set once the object leaves its context's registry.
	detached bool
}

// ID returns the object's identity. It changes once, from temporary to
// permanent, when identities are assigned.
func (o *Object) ID() oid.ID {
	o.ctx.mu.Lock()
	defer o.ctx.mu.Unlock()
	return o.id
}

// Kind returns the entity kind.
func (o *Object) Kind() string {
	return o.ID().Kind()
}

// Context returns the owning context.
func (o *Object) Context() *Context { return o.ctx }

// Get returns the value of one attribute, or nil.
func (o *Object) Get(name string) any {
	o.ctx.mu.Lock()
	defer o.ctx.mu.Unlock()
	return o.attrs[name]
}

// Attributes returns a copy of all attribute values.
func (o *Object) Attributes() map[string]any {
	o.ctx.mu.Lock()
	defer o.ctx.mu.Unlock()
	return cloneAttrs(o.attrs)
}

// Set assigns one attribute. The value is coerced to the attribute type;
// nil clears the attribute.
func (o *Object) Set(name string, v any) error {
	return o.SetAll(map[string]any{name: v})
}

// SetAll assigns several attributes at once. Either all values are assigned
// or, on a coercion error, none is.
func (o *Object) SetAll(values map[string]any) error {
	c := o.ctx
	kind := o.Kind()

	coerced := make(map[string]any, len(values))
	for name, v := range values {
		nv, err := c.model.Coerce(kind, name, v)
		if err != nil {
			return err
		}
		coerced[name] = nv
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if o.detached {
		return storeerr.Misuse("set", fmt.Sprintf("%s is no longer registered in context %q", o.id, c.name))
	}
	if c.pending[o] == changeDelete {
		return storeerr.Misuse("set", fmt.Sprintf("%s is deleted", o.id))
	}
	for name, v := range coerced {
		if v == nil {
			delete(o.attrs, name)
			continue
		}
		o.attrs[name] = v
	}
	c.mark(o, changeUpdate)
	return nil
}

// IsInserted reports whether the object is a pending insert.
func (o *Object) IsInserted() bool { return o.state() == changeInsert }

// IsUpdated reports whether the object has pending updates.
func (o *Object) IsUpdated() bool { return o.state() == changeUpdate }

// IsDeleted reports whether the object is pending deletion.
func (o *Object) IsDeleted() bool { return o.state() == changeDelete }

// IsDetached reports whether the object was removed from its context, by a
// committed deletion, a rollback or an undo.
func (o *Object) IsDetached() bool {
	o.ctx.mu.Lock()
	defer o.ctx.mu.Unlock()
	return o.detached
}

func (o *Object) state() change {
	o.ctx.mu.Lock()
	defer o.ctx.mu.Unlock()
	return o.ctx.pending[o]
}

// String returns the identity string.
func (o *Object) String() string { return o.ID().String() }

func cloneAttrs(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
