package model

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// CompileError reports a malformed model definition.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// LoadCUE reads and compiles a model definition file.
func LoadCUE(path string) (*Model, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	return CompileCUE(path, string(src))
}

// CompileCUE compiles a model definition. The source declares a top-level
// "kinds" struct:
//
//	kinds: {
//		Person: {
//			abstract:   true
//			identifier: "personID"
//			attributes: {
//				personID: "int"
//				name: {type: "string"}
//				nickname: {type: "string", optional: true}
//			}
//		}
//		Employee: {
//			parent: "Person"
//			attributes: {
//				salary: {type: "float", default: 0.0}
//				email: {type: "string", map: ["email", "contact.email"]}
//				notes: {type: "string", optional: true, noMapping: true}
//			}
//		}
//	}
//
// An attribute is either a type name or a struct with type, optional,
// default and the import settings map (a key or a list of keys) and
// noMapping.
func CompileCUE(filename, src string) (*Model, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	kindsVal := v.LookupPath(cue.ParsePath("kinds"))
	if !kindsVal.Exists() {
		return nil, &CompileError{Field: "kinds", Message: "kinds is required", Pos: v.Pos()}
	}

	iter, err := kindsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var kinds []Kind
	for iter.Next() {
		k, err := parseKind(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}

	m, err := New(kinds...)
	if err != nil {
		return nil, &CompileError{Field: "kinds", Message: err.Error(), Pos: kindsVal.Pos()}
	}
	return m, nil
}

func parseKind(name string, v cue.Value) (Kind, error) {
	k := Kind{Name: name}

	var err error
	if k.Parent, err = optionalString(v, "parent"); err != nil {
		return Kind{}, err
	}
	if k.Identifier, err = optionalString(v, "identifier"); err != nil {
		return Kind{}, err
	}
	if abstractVal := v.LookupPath(cue.ParsePath("abstract")); abstractVal.Exists() {
		if k.Abstract, err = abstractVal.Bool(); err != nil {
			return Kind{}, formatCUEError(err)
		}
	}

	attrsVal := v.LookupPath(cue.ParsePath("attributes"))
	if !attrsVal.Exists() {
		return k, nil
	}
	iter, err := attrsVal.Fields()
	if err != nil {
		return Kind{}, formatCUEError(err)
	}
	for iter.Next() {
		a, err := parseAttribute(name, iter.Label(), iter.Value())
		if err != nil {
			return Kind{}, err
		}
		k.Attributes = append(k.Attributes, a)
	}
	return k, nil
}

func parseAttribute(kind, name string, v cue.Value) (Attribute, error) {
	a := Attribute{Name: name}

	// Shorthand: attribute: "string"
	if v.IncompleteKind() == cue.StringKind {
		s, err := v.String()
		if err != nil {
			return Attribute{}, formatCUEError(err)
		}
		a.Type = AttributeType(s)
		return a, nil
	}

	if v.IncompleteKind() != cue.StructKind {
		return Attribute{}, &CompileError{
			Field:   kind + "." + name,
			Message: fmt.Sprintf("attribute must be a type name or struct, got %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}

	typeName, err := optionalString(v, "type")
	if err != nil {
		return Attribute{}, err
	}
	a.Type = AttributeType(typeName)

	if optVal := v.LookupPath(cue.ParsePath("optional")); optVal.Exists() {
		if a.Optional, err = optVal.Bool(); err != nil {
			return Attribute{}, formatCUEError(err)
		}
	}

	if defVal := v.LookupPath(cue.ParsePath("default")); defVal.Exists() {
		if a.Default, err = decodeScalar(defVal); err != nil {
			return Attribute{}, err
		}
	}

	if mapVal := v.LookupPath(cue.ParsePath("map")); mapVal.Exists() {
		if a.Mappings, err = stringList(kind+"."+name+".map", mapVal); err != nil {
			return Attribute{}, err
		}
	}
	if noMapVal := v.LookupPath(cue.ParsePath("noMapping")); noMapVal.Exists() {
		if a.NoMapping, err = noMapVal.Bool(); err != nil {
			return Attribute{}, formatCUEError(err)
		}
	}
	return a, nil
}

// stringList reads a string or a list of strings.
func stringList(field string, v cue.Value) ([]string, error) {
	switch v.IncompleteKind() {
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return []string{s}, nil
	case cue.ListKind:
		iter, err := v.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		var out []string
		for iter.Next() {
			s, err := iter.Value().String()
			if err != nil {
				return nil, formatCUEError(err)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, &CompileError{
		Field:   field,
		Message: fmt.Sprintf("want a key or a list of keys, got %v", v.IncompleteKind()),
		Pos:     v.Pos(),
	}
}

func optionalString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", nil
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func decodeScalar(v cue.Value) (any, error) {
	switch v.Kind() {
	case cue.StringKind:
		return v.String()
	case cue.IntKind:
		return v.Int64()
	case cue.FloatKind, cue.NumberKind:
		return v.Float64()
	case cue.BoolKind:
		return v.Bool()
	case cue.NullKind:
		return nil, nil
	default:
		return nil, &CompileError{
			Field:   "default",
			Message: fmt.Sprintf("unsupported default kind: %v", v.Kind()),
			Pos:     v.Pos(),
		}
	}
}

func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	positions := errors.Positions(first)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
