// Package storeerr defines the error taxonomy shared by the store, the
// unit-of-work contexts and the save orchestrator.
//
// Every failure surfaced by datakit is either a plain wrapped error from an
// external collaborator or an *Error carrying a Code. Callers classify errors
// with the Is* helpers, which use errors.As and therefore see through
// fmt.Errorf("%w") wrapping.
package storeerr

import (
	"errors"
	"fmt"
	"strings"
)

// Code categorizes store errors.
type Code string

const (
	// CodeValidation indicates a pending entity fails model constraints at commit time.
	CodeValidation Code = "VALIDATION"

	// CodeIO indicates the backing store failed to read or write.
	CodeIO Code = "IO"

	// CodeMisuse indicates the caller violated a context-affinity or nesting contract.
	CodeMisuse Code = "MISUSE"

	// CodeNotFound indicates an identity could not be resolved.
	CodeNotFound Code = "NOT_FOUND"

	// CodeIncompatibleModel indicates the store was created with a different model
	// and automigration was not requested.
	CodeIncompatibleModel Code = "INCOMPATIBLE_MODEL"

	// CodeLaneStopped indicates work could not be scheduled because its lane stopped.
	CodeLaneStopped Code = "LANE_STOPPED"
)

// Error is a classified store error.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Op names the operation that failed (e.g. "commit", "obtain permanent ids").
	Op string

	// Kind is the entity kind involved, if any.
	Kind string

	// ID is the entity identity involved, if any.
	ID string

	// Message is a human-readable description.
	Message string

	// Violations lists individual constraint failures for validation errors.
	Violations []string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Kind != "" && e.ID != "" {
		fmt.Fprintf(&b, " (kind=%s, id=%s)", e.Kind, e.ID)
	} else if e.Kind != "" {
		fmt.Fprintf(&b, " (kind=%s)", e.Kind)
	} else if e.ID != "" {
		fmt.Fprintf(&b, " (id=%s)", e.ID)
	}
	if len(e.Violations) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Violations, "; "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Validation creates a validation error for the given kind.
func Validation(kind string, violations ...string) *Error {
	return &Error{
		Code:       CodeValidation,
		Op:         "validate",
		Kind:       kind,
		Message:    "entity fails model constraints",
		Violations: violations,
	}
}

// IO wraps a backing store failure.
func IO(op string, err error) *Error {
	return &Error{Code: CodeIO, Op: op, Message: "store operation failed", Err: err}
}

// Misuse reports a violated usage contract.
func Misuse(op, message string) *Error {
	return &Error{Code: CodeMisuse, Op: op, Message: message}
}

// NotFound reports an identity that cannot be resolved.
func NotFound(op, id string) *Error {
	return &Error{Code: CodeNotFound, Op: op, ID: id, Message: "object not found"}
}

// IncompatibleModel reports a model hash mismatch between the store and the model.
func IncompatibleModel(storeHash, modelHash string) *Error {
	return &Error{
		Code:    CodeIncompatibleModel,
		Op:      "attach",
		Message: fmt.Sprintf("store model %s does not match model %s", short(storeHash), short(modelHash)),
	}
}

// LaneStopped reports that a lane refused new work.
func LaneStopped(lane string) *Error {
	return &Error{Code: CodeLaneStopped, Op: "schedule", Message: fmt.Sprintf("lane %q is stopped", lane)}
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return CodeOf(err) == CodeValidation }

// IsIO reports whether err is a backing store I/O error.
func IsIO(err error) bool { return CodeOf(err) == CodeIO }

// IsMisuse reports whether err is a usage-contract violation.
func IsMisuse(err error) bool { return CodeOf(err) == CodeMisuse }

// IsNotFound reports whether err is an unresolved identity.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }

// IsIncompatibleModel reports whether err is a model mismatch.
func IsIncompatibleModel(err error) bool { return CodeOf(err) == CodeIncompatibleModel }

// IsLaneStopped reports whether err came from a stopped lane.
func IsLaneStopped(err error) bool { return CodeOf(err) == CodeLaneStopped }

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
