package records

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/datakit/internal/model"
	"github.com/roach88/datakit/internal/objectcontext"
	"github.com/roach88/datakit/internal/storeerr"
)

// ErrImportCancelled is returned when ImportHooks.ShouldImport refuses a row.
var ErrImportCancelled = errors.New("import cancelled")

// ImportResult summarizes an Import.
type ImportResult struct {
	Created int
	Updated int
	Objects []*objectcontext.Object
}

// ImportHooks customizes Import row by row.
type ImportHooks interface {
	// ShouldImport reports whether row may be imported. Refusing fails the
	// whole import with ErrImportCancelled.
	ShouldImport(ctx context.Context, row map[string]any) bool
	// WillImport returns the row to import in place of row.
	WillImport(ctx context.Context, row map[string]any) map[string]any
	// DidImport reports the outcome of a row. obj is nil when the row failed
	// before an object was found or created.
	DidImport(ctx context.Context, obj *objectcontext.Object, row map[string]any, err error)
}

// ImportFuncs adapts plain functions to ImportHooks. Nil fields keep the
// default behavior.
type ImportFuncs struct {
	Should func(ctx context.Context, row map[string]any) bool
	Will   func(ctx context.Context, row map[string]any) map[string]any
	Did    func(ctx context.Context, obj *objectcontext.Object, row map[string]any, err error)
}

func (f ImportFuncs) ShouldImport(ctx context.Context, row map[string]any) bool {
	return f.Should == nil || f.Should(ctx, row)
}

func (f ImportFuncs) WillImport(ctx context.Context, row map[string]any) map[string]any {
	if f.Will == nil {
		return row
	}
	return f.Will(ctx, row)
}

func (f ImportFuncs) DidImport(ctx context.Context, obj *objectcontext.Object, row map[string]any, err error) {
	if f.Did != nil {
		f.Did(ctx, obj, row, err)
	}
}

// WithHooks runs Import through h.
func WithHooks(h ImportHooks) Option {
	return func(o *options) { o.hooks = h }
}

// Import upserts rows. Each row is matched on the identifying attribute of
// the kind (or the one named with IdentifyBy): no match creates an object,
// one match updates it.
//
// Attribute values are read through the attribute's import keys (see
// model.Attribute.ImportKeys); the first key present in the row wins. A key
// present with a null value clears the attribute, or restores its default;
// an absent key leaves the attribute alone. Row keys no attribute maps are
// ignored. Under a dynamic model every row key is an attribute.
//
// A row without an identifier value, one matching several objects, or one
// refused by the hooks fails the import, and every change the import made is
// undone.
func (r *Repository) Import(ctx context.Context, rows []map[string]any, opts ...Option) (ImportResult, error) {
	o := r.resolve(opts)
	c := o.ctx
	m := c.Model()

	idAttr := o.identifier
	if idAttr == "" {
		name, err := m.Identifier(r.kind)
		if err != nil {
			return ImportResult{}, storeerr.Misuse("import", err.Error())
		}
		idAttr = name
	}
	idKeys := []string{idAttr}
	if a, ok := m.Attribute(r.kind, idAttr); ok {
		idKeys = a.ImportKeys()
	}
	predicate := fmt.Sprintf("%s == args[0]", idAttr)
	hooks := o.hooks
	if hooks == nil {
		hooks = ImportFuncs{}
	}

	c.BeginUndoGroup()
	var res ImportResult
	fail := func(err error) (ImportResult, error) {
		if undoErr := c.Undo(); undoErr != nil {
			c.Logger().Warn("import undo failed", "kind", r.kind, "error", undoErr)
		}
		return ImportResult{}, err
	}

	for i, row := range rows {
		if !hooks.ShouldImport(ctx, row) {
			return fail(fmt.Errorf("%s row %d: %w", r.kind, i, ErrImportCancelled))
		}
		row = hooks.WillImport(ctx, row)

		obj, created, err := r.importRow(ctx, o, row, idAttr, idKeys, predicate)
		hooks.DidImport(ctx, obj, row, err)
		if err != nil {
			return fail(rowError(r.kind, i, err))
		}
		if created {
			res.Created++
		} else {
			res.Updated++
		}
		res.Objects = append(res.Objects, obj)
	}

	if err := c.EndUndoGroup(); err != nil {
		return ImportResult{}, err
	}
	c.Logger().Debug("import finished", "kind", r.kind, "created", res.Created, "updated", res.Updated)
	return res, nil
}

func (r *Repository) importRow(ctx context.Context, o options, row map[string]any, idAttr string, idKeys []string, predicate string) (*objectcontext.Object, bool, error) {
	c := o.ctx
	raw, found := preferredValue(row, idKeys)
	switch {
	case !found:
		return nil, false, storeerr.Validation(r.kind, fmt.Sprintf("%s: required for import", idAttr))
	case raw == nil:
		return nil, false, storeerr.Validation(r.kind, fmt.Sprintf("%s: null identifier", idAttr))
	}
	key, err := c.Model().Coerce(r.kind, idAttr, raw)
	if err != nil {
		return nil, false, err
	}

	attrs := importAttributes(c.Model(), r.kind, row)
	attrs[idAttr] = key

	matches, err := c.Fetch(ctx, r.request(o, predicate, []any{key}))
	if err != nil {
		return nil, false, err
	}
	switch len(matches) {
	case 0:
		obj, err := r.Create(attrs, In(c))
		return obj, err == nil, err
	case 1:
		return matches[0], false, matches[0].SetAll(attrs)
	}
	return nil, false, storeerr.Validation(r.kind,
		fmt.Sprintf("%s=%v matches %d objects", idAttr, key, len(matches)))
}

// rowError prefixes validation violations with the row number.
func rowError(kind string, i int, err error) error {
	var se *storeerr.Error
	if errors.As(err, &se) && se.Code == storeerr.CodeValidation {
		prefixed := make([]string, len(se.Violations))
		for j, v := range se.Violations {
			prefixed[j] = fmt.Sprintf("row %d: %s", i, v)
		}
		return storeerr.Validation(kind, prefixed...)
	}
	return fmt.Errorf("%s row %d: %w", kind, i, err)
}

// importAttributes maps row onto the attributes of kind.
func importAttributes(m *model.Model, kind string, row map[string]any) map[string]any {
	if m.IsDynamic() {
		attrs := make(map[string]any, len(row))
		for k, v := range row {
			attrs[k] = v
		}
		return attrs
	}
	attrs := map[string]any{}
	for _, a := range m.Attributes(kind) {
		v, found := preferredValue(row, a.ImportKeys())
		if !found {
			continue
		}
		if v == nil {
			v = a.Default
		}
		attrs[a.Name] = v
	}
	return attrs
}

// preferredValue returns the value of the first key present in row. found
// is true for keys present with a null value.
func preferredValue(row map[string]any, keys []string) (v any, found bool) {
	for _, key := range keys {
		if v, ok := lookupPath(row, key); ok {
			return v, true
		}
	}
	return nil, false
}

// lookupPath resolves a dotted key path through nested objects. A literal
// key containing dots takes precedence.
func lookupPath(row map[string]any, path string) (any, bool) {
	if v, ok := row[path]; ok {
		return v, true
	}
	var cur any = row
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}
