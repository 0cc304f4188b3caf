// Package query describes fetch requests and evaluates them over rows.
//
// Predicates are expr-lang expressions evaluated against an environment made
// of the row's attributes plus "id", "kind" and "args" (the positional
// arguments of the request):
//
//	salary > 1000 && name startsWith "H"
//	plate == args[0]
//
// Attributes missing from a row evaluate to nil.
package query

import (
	"fmt"
	"sort"
	"sync"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"
)

// SortKey orders results by one attribute. "id" and "kind" are valid keys.
type SortKey struct {
	Attribute  string
	Descending bool
}

// Request selects rows of one kind (and its subkinds).
type Request struct {
	Kind      string
	Predicate string
	Args      []any
	Sort      []SortKey
	Limit     int // 0 means unlimited
	Offset    int
}

// Validate checks the request shape.
func (r Request) Validate() error {
	if r.Kind == "" {
		return fmt.Errorf("query: kind is required")
	}
	if r.Limit < 0 {
		return fmt.Errorf("query: negative limit %d", r.Limit)
	}
	if r.Offset < 0 {
		return fmt.Errorf("query: negative offset %d", r.Offset)
	}
	for _, k := range r.Sort {
		if k.Attribute == "" {
			return fmt.Errorf("query: empty sort attribute")
		}
	}
	if r.Predicate != "" {
		if _, err := compile(r.Predicate); err != nil {
			return err
		}
	}
	return nil
}

// Row is the evaluation view of one object.
type Row struct {
	ID         string
	Kind       string
	Attributes map[string]any
}

func (r Row) value(name string) any {
	switch name {
	case "id":
		return r.ID
	case "kind":
		return r.Kind
	}
	return r.Attributes[name]
}

// Match reports whether row satisfies the request predicate.
// An empty predicate matches every row.
func (r Request) Match(row Row) (bool, error) {
	if r.Predicate == "" {
		return true, nil
	}
	program, err := compile(r.Predicate)
	if err != nil {
		return false, err
	}

	env := make(map[string]any, len(row.Attributes)+3)
	for k, v := range row.Attributes {
		env[k] = v
	}
	env["id"] = row.ID
	env["kind"] = row.Kind
	env["args"] = r.Args

	out, err := exprlang.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("query: evaluate %q on %s: %w", r.Predicate, row.ID, err)
	}
	switch v := out.(type) {
	case bool:
		return v, nil
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("query: predicate %q returned %T, want bool", r.Predicate, out)
	}
}

// Filter returns the rows matching the predicate, in input order.
func (r Request) Filter(rows []Row) ([]Row, error) {
	if r.Predicate == "" {
		return rows, nil
	}
	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		ok, err := r.Match(row)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, row)
		}
	}
	return out, nil
}

// Order sorts rows in place by the sort keys, breaking ties by ID so the
// result is deterministic.
func (r Request) Order(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		for _, k := range r.Sort {
			c := Compare(rows[i].value(k.Attribute), rows[j].value(k.Attribute))
			if c == 0 {
				continue
			}
			if k.Descending {
				return c > 0
			}
			return c < 0
		}
		return rows[i].ID < rows[j].ID
	})
}

// Page applies offset and limit.
func (r Request) Page(rows []Row) []Row {
	if r.Offset >= len(rows) {
		return nil
	}
	rows = rows[r.Offset:]
	if r.Limit > 0 && r.Limit < len(rows) {
		rows = rows[:r.Limit]
	}
	return rows
}

// Apply filters, orders and pages rows.
func (r Request) Apply(rows []Row) ([]Row, error) {
	matched, err := r.Filter(rows)
	if err != nil {
		return nil, err
	}
	r.Order(matched)
	return r.Page(matched), nil
}

var (
	cacheMu sync.RWMutex
	cache   = map[string]*exprvm.Program{}
)

func compile(predicate string) (*exprvm.Program, error) {
	cacheMu.RLock()
	program, ok := cache[predicate]
	cacheMu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := exprlang.Compile(predicate,
		exprlang.Env(map[string]any{}),
		exprlang.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, fmt.Errorf("query: compile %q: %w", predicate, err)
	}

	cacheMu.Lock()
	cache[predicate] = program
	cacheMu.Unlock()
	return program, nil
}
