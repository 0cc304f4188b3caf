// Package records provides per-kind create, find, count and delete helpers
// over unit-of-work contexts.
//
// A Repository is bound to one kind and a default context. Every operation
// can be pointed at another context with In. All kind-scoped operations
// include the kind's subkinds and never touch sibling kinds.
//
// Operations act directly on the target context; callers are expected to
// run them on that context's lane, as with any other context work.
package records

import (
	"context"
	"fmt"

	"github.com/roach88/datakit/internal/objectcontext"
	"github.com/roach88/datakit/internal/query"
	"github.com/roach88/datakit/internal/storeerr"
)

// Repository exposes the convenience operations of one kind.
type Repository struct {
	kind string
	def  *objectcontext.Context
}

// New binds kind to the default context def.
func New(def *objectcontext.Context, kind string) (*Repository, error) {
	if def == nil {
		return nil, storeerr.Misuse("records", "a default context is required")
	}
	if _, ok := def.Model().Kind(kind); !ok {
		return nil, storeerr.Misuse("records", fmt.Sprintf("kind %q is not in the model", kind))
	}
	return &Repository{kind: kind, def: def}, nil
}

// Kind returns the repository's kind.
func (r *Repository) Kind() string { return r.kind }

// Option adjusts one operation.
type Option func(*options)

type options struct {
	ctx        *objectcontext.Context
	predicate  string
	args       []any
	sort       []query.SortKey
	limit      int
	offset     int
	identifier string
	hooks      ImportHooks
}

// In runs the operation against c instead of the default context.
func In(c *objectcontext.Context) Option {
	return func(o *options) {
		if c != nil {
			o.ctx = c
		}
	}
}

// Where adds a predicate. Operations that take their own predicate combine
// both with "&&".
func Where(expr string, args ...any) Option {
	return func(o *options) {
		o.predicate = and(o.predicate, expr)
		o.args = append(o.args, args...)
	}
}

// SortBy appends a sort key.
func SortBy(attribute string, ascending bool) Option {
	return func(o *options) {
		o.sort = append(o.sort, query.SortKey{Attribute: attribute, Descending: !ascending})
	}
}

// Limit caps the number of results.
func Limit(n int) Option {
	return func(o *options) { o.limit = n }
}

// Offset skips the first n results.
func Offset(n int) Option {
	return func(o *options) { o.offset = n }
}

// IdentifyBy makes Import match rows on attribute instead of the kind's
// identifying attribute.
func IdentifyBy(attribute string) Option {
	return func(o *options) { o.identifier = attribute }
}

func and(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return "(" + a + ") && (" + b + ")"
}

func (r *Repository) resolve(opts []Option) options {
	o := options{ctx: r.def}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// request builds the fetch request. Positional args of predicate come first;
// Where args follow them.
func (r *Repository) request(o options, predicate string, args []any) query.Request {
	return query.Request{
		Kind:      r.kind,
		Predicate: and(predicate, o.predicate),
		Args:      append(append([]any{}, args...), o.args...),
		Sort:      o.sort,
		Limit:     o.limit,
		Offset:    o.offset,
	}
}

// Create inserts a new object with attrs.
func (r *Repository) Create(attrs map[string]any, opts ...Option) (*objectcontext.Object, error) {
	o := r.resolve(opts)
	obj, err := o.ctx.Insert(r.kind)
	if err != nil {
		return nil, err
	}
	if len(attrs) == 0 {
		return obj, nil
	}
	if err := obj.SetAll(attrs); err != nil {
		_ = o.ctx.Delete(obj)
		return nil, err
	}
	return obj, nil
}

// FindAll returns every object of the kind.
func (r *Repository) FindAll(ctx context.Context, opts ...Option) ([]*objectcontext.Object, error) {
	return r.FindMatching(ctx, "", nil, opts...)
}

// FindMatching returns the objects satisfying predicate, an expr-lang
// expression whose positional arguments are args.
func (r *Repository) FindMatching(ctx context.Context, predicate string, args []any, opts ...Option) ([]*objectcontext.Object, error) {
	o := r.resolve(opts)
	return o.ctx.Fetch(ctx, r.request(o, predicate, args))
}

// FindFirst returns the first object satisfying predicate, or nil.
func (r *Repository) FindFirst(ctx context.Context, predicate string, args []any, opts ...Option) (*objectcontext.Object, error) {
	o := r.resolve(opts)
	return o.ctx.FetchFirst(ctx, r.request(o, predicate, args))
}

// FindFirstOrCreate returns the first object satisfying predicate, creating
// one with attrs when there is none. created reports which happened.
//
// The lookup sees the target context's pending inserts, so repeated calls in
// one context return the same instance. It does not see other contexts:
// two contexts can each create an object and both commit.
func (r *Repository) FindFirstOrCreate(ctx context.Context, predicate string, args []any, attrs map[string]any, opts ...Option) (obj *objectcontext.Object, created bool, err error) {
	obj, err = r.FindFirst(ctx, predicate, args, opts...)
	if err != nil || obj != nil {
		return obj, false, err
	}
	obj, err = r.Create(attrs, opts...)
	if err != nil {
		return nil, false, err
	}
	return obj, true, nil
}

// CountAll returns the number of objects of the kind.
func (r *Repository) CountAll(ctx context.Context, opts ...Option) (int, error) {
	return r.CountMatching(ctx, "", nil, opts...)
}

// CountMatching returns the number of objects satisfying predicate.
func (r *Repository) CountMatching(ctx context.Context, predicate string, args []any, opts ...Option) (int, error) {
	o := r.resolve(opts)
	return o.ctx.Count(ctx, r.request(o, predicate, args))
}

// DeleteAll deletes every object of the kind and returns how many it
// deleted.
func (r *Repository) DeleteAll(ctx context.Context, opts ...Option) (int, error) {
	return r.DeleteMatching(ctx, "", nil, opts...)
}

// DeleteMatching deletes the objects satisfying predicate.
func (r *Repository) DeleteMatching(ctx context.Context, predicate string, args []any, opts ...Option) (int, error) {
	o := r.resolve(opts)
	objs, err := o.ctx.Fetch(ctx, r.request(o, predicate, args))
	if err != nil {
		return 0, err
	}
	for i, obj := range objs {
		if err := o.ctx.Delete(obj); err != nil {
			return i, err
		}
	}
	return len(objs), nil
}

// DeleteSelf deletes obj in the context that owns it. To delete it somewhere
// else, re-resolve it there with Existing first.
func DeleteSelf(obj *objectcontext.Object) error {
	if obj == nil {
		return storeerr.Misuse("delete", "nil object")
	}
	return obj.Context().Delete(obj)
}
