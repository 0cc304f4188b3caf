// Package model describes the entity kinds a store can hold.
//
// A Model is immutable once built. Kinds form a single-inheritance tree via
// Parent; attributes are inherited from ancestors. A kind may name an
// identifying attribute, which importers use to find existing objects.
//
// Models are either strict (built with New or compiled from CUE) or dynamic.
// A dynamic model accepts any kind name and any attribute and performs only
// value normalization.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/datakit/internal/storeerr"
)

// AttributeType is the value type of an attribute.
type AttributeType string

const (
	TypeString AttributeType = "string"
	TypeInt    AttributeType = "int"
	TypeFloat  AttributeType = "float"
	TypeBool   AttributeType = "bool"
	TypeAny    AttributeType = "any"
)

func (t AttributeType) valid() bool {
	switch t {
	case TypeString, TypeInt, TypeFloat, TypeBool, TypeAny:
		return true
	}
	return false
}

// Attribute describes one attribute of a kind.
type Attribute struct {
	Name     string
	Type     AttributeType
	Optional bool
	Default  any

	// Mappings are the row keys an import reads the attribute from, most
	// preferred first. A key may be a dotted path into nested objects
	// ("owner.name"). Without mappings the attribute's own name is used.
	Mappings []string
	// NoMapping leaves the attribute untouched by imports.
	NoMapping bool
}

// MaxMappings caps the number of import keys per attribute.
const MaxMappings = 10

// ImportKeys returns the row keys an import reads a from.
func (a Attribute) ImportKeys() []string {
	switch {
	case a.NoMapping:
		return nil
	case len(a.Mappings) == 0:
		return []string{a.Name}
	}
	return a.Mappings
}

// Kind describes an entity kind.
type Kind struct {
	Name       string
	Parent     string
	Abstract   bool
	Identifier string
	Attributes []Attribute
}

// Model is a validated set of kinds.
type Model struct {
	kinds    map[string]*Kind
	children map[string][]string
	dynamic  bool
	hash     string
}

// New builds a strict model. Parents must exist, names must be unique and the
// inheritance graph must be acyclic.
func New(kinds ...Kind) (*Model, error) {
	m := &Model{
		kinds:    make(map[string]*Kind, len(kinds)),
		children: make(map[string][]string),
	}
	for i := range kinds {
		k := kinds[i]
		k.Attributes = append([]Attribute(nil), k.Attributes...)
		if k.Name == "" {
			return nil, fmt.Errorf("model: kind %d has no name", i)
		}
		if strings.ContainsAny(k.Name, "/ ") {
			return nil, fmt.Errorf("model: kind name %q contains '/' or space", k.Name)
		}
		if _, dup := m.kinds[k.Name]; dup {
			return nil, fmt.Errorf("model: duplicate kind %q", k.Name)
		}
		seen := make(map[string]bool, len(k.Attributes))
		for j, a := range k.Attributes {
			if a.Name == "" {
				return nil, fmt.Errorf("model: kind %q attribute %d has no name", k.Name, j)
			}
			if a.Name == "id" || a.Name == "kind" {
				return nil, fmt.Errorf("model: kind %q attribute name %q is reserved", k.Name, a.Name)
			}
			if seen[a.Name] {
				return nil, fmt.Errorf("model: kind %q duplicate attribute %q", k.Name, a.Name)
			}
			seen[a.Name] = true
			if err := checkMappings(k.Name, a); err != nil {
				return nil, err
			}
			k.Attributes[j].Mappings = append([]string(nil), a.Mappings...)
			if a.Type == "" {
				k.Attributes[j].Type = TypeAny
			} else if !a.Type.valid() {
				return nil, fmt.Errorf("model: kind %q attribute %q has unknown type %q", k.Name, a.Name, a.Type)
			}
		}
		m.kinds[k.Name] = &k
	}

	for name, k := range m.kinds {
		if k.Parent == "" {
			continue
		}
		if _, ok := m.kinds[k.Parent]; !ok {
			return nil, fmt.Errorf("model: kind %q has unknown parent %q", name, k.Parent)
		}
		m.children[k.Parent] = append(m.children[k.Parent], name)
	}
	for parent := range m.children {
		sort.Strings(m.children[parent])
	}

	for name := range m.kinds {
		if err := m.checkAcyclic(name); err != nil {
			return nil, err
		}
	}

	for name, k := range m.kinds {
		attrs := m.Attributes(name)
		for _, a := range attrs {
			if a.Default == nil {
				continue
			}
			if _, err := coerce(a, a.Default); err != nil {
				return nil, fmt.Errorf("model: kind %q attribute %q default: %w", name, a.Name, err)
			}
		}
		if k.Identifier != "" {
			if _, ok := m.Attribute(name, k.Identifier); !ok {
				return nil, fmt.Errorf("model: kind %q identifier %q is not an attribute", name, k.Identifier)
			}
		}
	}

	m.hash = m.computeHash()
	return m, nil
}

// MustNew is like New but panics on error.
func MustNew(kinds ...Kind) *Model {
	m, err := New(kinds...)
	if err != nil {
		panic(err)
	}
	return m
}

// Dynamic returns a model that accepts every kind and attribute.
func Dynamic() *Model {
	return &Model{
		kinds:    map[string]*Kind{},
		children: map[string][]string{},
		dynamic:  true,
		hash:     "",
	}
}

func (m *Model) checkAcyclic(start string) error {
	seen := map[string]bool{}
	for name := start; name != ""; name = m.kinds[name].Parent {
		if seen[name] {
			return fmt.Errorf("model: inheritance cycle through %q", start)
		}
		seen[name] = true
	}
	return nil
}

// IsDynamic reports whether the model accepts arbitrary kinds.
func (m *Model) IsDynamic() bool { return m.dynamic }

// Hash identifies the model's structure. Stores record it to detect model changes.
// Dynamic models hash to "".
func (m *Model) Hash() string { return m.hash }

// Kinds returns all kind names in sorted order.
func (m *Model) Kinds() []string {
	names := make([]string, 0, len(m.kinds))
	for name := range m.kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Kind returns the description of a kind.
func (m *Model) Kind(name string) (Kind, bool) {
	if m.dynamic {
		if name == "" {
			return Kind{}, false
		}
		return Kind{Name: name}, true
	}
	k, ok := m.kinds[name]
	if !ok {
		return Kind{}, false
	}
	return *k, true
}

// Attributes returns the attributes of kind, ancestors' attributes first.
func (m *Model) Attributes(kind string) []Attribute {
	k, ok := m.kinds[kind]
	if !ok {
		return nil
	}
	var attrs []Attribute
	if k.Parent != "" {
		attrs = m.Attributes(k.Parent)
	}
	return append(attrs, k.Attributes...)
}

// Attribute looks up a single attribute, including inherited ones.
func (m *Model) Attribute(kind, name string) (Attribute, bool) {
	for _, a := range m.Attributes(kind) {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// Identifier returns the identifying attribute of kind, searching ancestors.
func (m *Model) Identifier(kind string) (string, error) {
	for name := kind; name != ""; {
		k, ok := m.kinds[name]
		if !ok {
			break
		}
		if k.Identifier != "" {
			return k.Identifier, nil
		}
		name = k.Parent
	}
	return "", fmt.Errorf("model: kind %q has no identifying attribute", kind)
}

// KindsIncluding returns kind followed by all of its descendants, each level sorted.
func (m *Model) KindsIncluding(kind string) []string {
	if m.dynamic {
		return []string{kind}
	}
	if _, ok := m.kinds[kind]; !ok {
		return nil
	}
	out := []string{kind}
	for i := 0; i < len(out); i++ {
		out = append(out, m.children[out[i]]...)
	}
	return out
}

// IsKindOf reports whether kind equals ancestor or descends from it.
func (m *Model) IsKindOf(kind, ancestor string) bool {
	if kind == ancestor {
		return true
	}
	for name := kind; name != ""; {
		k, ok := m.kinds[name]
		if !ok {
			return false
		}
		if k.Parent == ancestor {
			return true
		}
		name = k.Parent
	}
	return false
}

// CheckInsertable verifies that objects of kind may be created.
func (m *Model) CheckInsertable(kind string) error {
	k, ok := m.Kind(kind)
	if !ok {
		return storeerr.Misuse("insert", fmt.Sprintf("kind %q is not in the model", kind))
	}
	if k.Abstract {
		return storeerr.Misuse("insert", fmt.Sprintf("kind %q is abstract", kind))
	}
	return nil
}

// Defaults returns the default attribute values of kind.
func (m *Model) Defaults(kind string) map[string]any {
	out := map[string]any{}
	for _, a := range m.Attributes(kind) {
		if a.Default == nil {
			continue
		}
		v, err := coerce(a, a.Default)
		if err == nil {
			out[a.Name] = v
		}
	}
	return out
}

// Coerce normalizes a value for assignment to kind.name.
func (m *Model) Coerce(kind, name string, v any) (any, error) {
	if m.dynamic {
		return Normalize(v)
	}
	a, ok := m.Attribute(kind, name)
	if !ok {
		return nil, storeerr.Validation(kind, fmt.Sprintf("%s: unknown attribute", name))
	}
	out, err := coerce(a, v)
	if err != nil {
		return nil, storeerr.Validation(kind, fmt.Sprintf("%s: %v", name, err))
	}
	return out, nil
}

// Validate checks attrs against the constraints of kind. All violations are
// reported together in a single validation error.
func (m *Model) Validate(kind string, attrs map[string]any) error {
	if m.dynamic {
		for name, v := range attrs {
			if _, err := Normalize(v); err != nil {
				return storeerr.Validation(kind, fmt.Sprintf("%s: %v", name, err))
			}
		}
		return nil
	}
	if _, ok := m.kinds[kind]; !ok {
		return storeerr.Validation(kind, "kind is not in the model")
	}

	var violations []string
	known := map[string]bool{}
	for _, a := range m.Attributes(kind) {
		known[a.Name] = true
		v, present := attrs[a.Name]
		if !present || v == nil {
			if !a.Optional {
				violations = append(violations, a.Name+": required")
			}
			continue
		}
		if _, err := coerce(a, v); err != nil {
			violations = append(violations, fmt.Sprintf("%s: %v", a.Name, err))
		}
	}
	var unknown []string
	for name := range attrs {
		if !known[name] {
			unknown = append(unknown, name+": unknown attribute")
		}
	}
	sort.Strings(unknown)
	violations = append(violations, unknown...)

	if len(violations) > 0 {
		return storeerr.Validation(kind, violations...)
	}
	return nil
}

func checkMappings(kind string, a Attribute) error {
	if a.NoMapping && len(a.Mappings) > 0 {
		return fmt.Errorf("model: kind %q attribute %q has mappings but is excluded from imports", kind, a.Name)
	}
	if len(a.Mappings) > MaxMappings {
		return fmt.Errorf("model: kind %q attribute %q has %d mappings, at most %d are supported", kind, a.Name, len(a.Mappings), MaxMappings)
	}
	for _, key := range a.Mappings {
		if key == "" || strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") || strings.Contains(key, "..") {
			return fmt.Errorf("model: kind %q attribute %q has invalid mapping %q", kind, a.Name, key)
		}
	}
	return nil
}

// computeHash covers what is persisted. Import mappings are not, so changing
// them keeps existing stores compatible.
func (m *Model) computeHash() string {
	h := sha256.New()
	for _, name := range m.Kinds() {
		k := m.kinds[name]
		fmt.Fprintf(h, "kind %s parent=%s abstract=%t id=%s\n", k.Name, k.Parent, k.Abstract, k.Identifier)
		attrs := append([]Attribute(nil), k.Attributes...)
		sort.Slice(attrs, func(i, j int) bool { return attrs[i].Name < attrs[j].Name })
		for _, a := range attrs {
			fmt.Fprintf(h, "  attr %s %s optional=%t\n", a.Name, a.Type, a.Optional)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
