package objectcontext

import (
	"context"
	"fmt"

	"github.com/roach88/datakit/internal/oid"
	"github.com/roach88/datakit/internal/query"
	"github.com/roach88/datakit/internal/store"
	"github.com/roach88/datakit/internal/storeerr"
)

// Fetch returns the objects matching req, registered in c. The request kind
// includes its subkinds.
func (c *Context) Fetch(ctx context.Context, req query.Request) ([]*Object, error) {
	rows, byID, err := c.run(ctx, "fetch", req)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Object, len(rows))
	for i, row := range rows {
		out[i] = c.materialize(byID[row.ID])
	}
	return out, nil
}

// FetchFirst returns the first object matching req, or nil.
func (c *Context) FetchFirst(ctx context.Context, req query.Request) (*Object, error) {
	req.Limit = 1
	objs, err := c.Fetch(ctx, req)
	if err != nil || len(objs) == 0 {
		return nil, err
	}
	return objs[0], nil
}

// Count returns the number of objects matching req without registering them.
func (c *Context) Count(ctx context.Context, req query.Request) (int, error) {
	rows, _, err := c.run(ctx, "count", req)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (c *Context) run(ctx context.Context, op string, req query.Request) ([]query.Row, map[string]store.Record, error) {
	if err := c.checkAffinity(ctx, op); err != nil {
		return nil, nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, nil, storeerr.Misuse(op, err.Error())
	}
	kinds := c.model.KindsIncluding(req.Kind)
	if kinds == nil {
		return nil, nil, storeerr.Misuse(op, fmt.Sprintf("kind %q is not in the model", req.Kind))
	}

	c.mu.Lock()
	records, err := c.view(ctx, kinds)
	c.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}

	byID := make(map[string]store.Record, len(records))
	rows := make([]query.Row, len(records))
	for i, r := range records {
		byID[r.ID.String()] = r
		rows[i] = r.Row()
	}
	rows, err = req.Apply(rows)
	if err != nil {
		return nil, nil, storeerr.Misuse(op, err.Error())
	}
	return rows, byID, nil
}

// view returns the records of kinds visible in c: the upstream view
// overlaid with c's pending changes. Caller holds c.mu.
func (c *Context) view(ctx context.Context, kinds []string) ([]store.Record, error) {
	upstream, err := c.upstreamView(ctx, kinds)
	if err != nil {
		return nil, err
	}

	out := make([]store.Record, 0, len(upstream))
	for _, r := range upstream {
		o, ok := c.registry[r.ID]
		if !ok {
			out = append(out, r)
			continue
		}
		if c.pending[o] == changeDelete {
			continue
		}
		out = append(out, store.Record{ID: o.id, Attributes: cloneAttrs(o.attrs), Seq: r.Seq})
	}

	want := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	for _, o := range c.order {
		if c.pending[o] == changeInsert && want[o.id.Kind()] {
			out = append(out, store.Record{ID: o.id, Attributes: cloneAttrs(o.attrs)})
		}
	}
	return out, nil
}

func (c *Context) upstreamView(ctx context.Context, kinds []string) ([]store.Record, error) {
	if c.parent == nil {
		return c.coord.Load(ctx, kinds)
	}
	c.parent.mu.Lock()
	defer c.parent.mu.Unlock()
	return c.parent.view(ctx, kinds)
}

// resolve returns the attributes id has in c's view. Caller holds c.mu.
func (c *Context) resolve(ctx context.Context, id oid.ID) (map[string]any, bool, error) {
	if o, ok := c.registry[id]; ok {
		if c.pending[o] == changeDelete {
			return nil, false, nil
		}
		return cloneAttrs(o.attrs), true, nil
	}
	if id.IsTemporary() {
		return nil, false, nil
	}
	return c.resolveUpstream(ctx, id)
}

func (c *Context) resolveUpstream(ctx context.Context, id oid.ID) (map[string]any, bool, error) {
	if c.parent == nil {
		r, err := c.coord.Get(ctx, id)
		if storeerr.IsNotFound(err) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return r.Attributes, true, nil
	}
	c.parent.mu.Lock()
	defer c.parent.mu.Unlock()
	return c.parent.resolve(ctx, id)
}

// Existing returns the instance for id in c, resolving it upstream and
// registering it if needed. This is how an object crosses contexts: pass its
// permanent identity, never the instance.
func (c *Context) Existing(ctx context.Context, id oid.ID) (*Object, error) {
	if err := c.checkAffinity(ctx, "existing"); err != nil {
		return nil, err
	}
	if id.IsZero() {
		return nil, storeerr.Misuse("existing", "zero identity")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if o, ok := c.registry[id]; ok {
		if c.pending[o] == changeDelete {
			return nil, storeerr.NotFound("existing", id.String())
		}
		return o, nil
	}
	if id.IsTemporary() {
		return nil, storeerr.Misuse("existing",
			fmt.Sprintf("temporary identity %s is not registered in context %q; assign permanent identities first", id, c.name))
	}

	attrs, found, err := c.resolveUpstream(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, storeerr.NotFound("existing", id.String())
	}
	return c.materialize(store.Record{ID: id, Attributes: attrs}), nil
}
