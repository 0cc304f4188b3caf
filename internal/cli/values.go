package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/datakit/internal/objectcontext"
)

// parseValue reads a flag value as JSON when it parses, else as a string.
// "42" is a number, "true" a bool, "null" nil, and "plain" a string.
func parseValue(s string) any {
	var v any
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil || dec.More() {
		return s
	}
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
	}
	return v
}

// parseAssignments turns name=value pairs into an attribute map.
func parseAssignments(pairs []string) (map[string]any, error) {
	attrs := make(map[string]any, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid assignment %q: want name=value", p)
		}
		attrs[name] = parseValue(value)
	}
	return attrs, nil
}

func parseArgs(raw []string) []any {
	out := make([]any, len(raw))
	for i, r := range raw {
		out[i] = parseValue(r)
	}
	return out
}

// parseSort reads "attr" or "attr:desc".
func parseSort(key string) (attr string, ascending bool, err error) {
	attr, dir, hasDir := strings.Cut(key, ":")
	if attr == "" {
		return "", false, fmt.Errorf("invalid sort %q", key)
	}
	if !hasDir {
		return attr, true, nil
	}
	switch strings.ToLower(dir) {
	case "asc":
		return attr, true, nil
	case "desc":
		return attr, false, nil
	}
	return "", false, fmt.Errorf("invalid sort direction %q: want asc or desc", dir)
}

// ObjectView is the output form of one object.
type ObjectView struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Attributes map[string]any `json:"attributes"`
}

func (v ObjectView) String() string {
	attrs, _ := json.Marshal(v.Attributes)
	return fmt.Sprintf("%s\t%s", v.ID, attrs)
}

func viewOf(o *objectcontext.Object) ObjectView {
	return ObjectView{ID: o.ID().String(), Kind: o.Kind(), Attributes: o.Attributes()}
}

func viewsOf(objs []*objectcontext.Object) []ObjectView {
	out := make([]ObjectView, len(objs))
	for i, o := range objs {
		out[i] = viewOf(o)
	}
	return out
}
