package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/datakit/internal/storeerr"
)

// Process exit codes. ExitFailure means the store refused or could not do
// the work; ExitCommandError means the command never got that far.
const (
	ExitSuccess      = 0
	ExitFailure      = 1
	ExitCommandError = 2
)

// Error codes reported in CLI responses.
const (
	ErrCodeGeneric           = "E001"
	ErrCodeBadInput          = "E002"
	ErrCodeValidation        = "E100"
	ErrCodeMisuse            = "E200"
	ErrCodeNotFound          = "E300"
	ErrCodeIO                = "E400"
	ErrCodeIncompatibleModel = "E500"
	ErrCodeLaneStopped       = "E600"
)

// errorCode maps a store error to its CLI error code.
func errorCode(err error) string {
	switch storeerr.CodeOf(err) {
	case storeerr.CodeValidation:
		return ErrCodeValidation
	case storeerr.CodeMisuse:
		return ErrCodeMisuse
	case storeerr.CodeNotFound:
		return ErrCodeNotFound
	case storeerr.CodeIO:
		return ErrCodeIO
	case storeerr.CodeIncompatibleModel:
		return ErrCodeIncompatibleModel
	case storeerr.CodeLaneStopped:
		return ErrCodeLaneStopped
	}
	return ErrCodeGeneric
}

// fail reports err through the formatter and returns an ExitError carrying
// code.
func fail(f *OutputFormatter, exit int, message string, err error) error {
	var details any
	var se *storeerr.Error
	if errors.As(err, &se) && len(se.Violations) > 0 {
		details = se.Violations
	}
	if outErr := f.Error(errorCode(err), fmt.Sprintf("%s: %v", message, err), details); outErr != nil {
		return outErr
	}
	return WrapExitError(exit, message, err)
}

// ExitError carries the process exit code out of a command's RunE.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode is the exit status for err. Errors that carry no ExitError
// count as ExitFailure.
func GetExitCode(err error) int {
	if exitErr := (*ExitError)(nil); errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter writes command results as text or as one JSON envelope per
// line. Diagnostics go to ErrWriter, or to Writer when it is unset.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer
	Verbose   bool
}

// CLIResponse is the JSON envelope of every command's output.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error part of a CLIResponse. Details carries validation
// violations when there are any.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (f *OutputFormatter) isJSON() bool { return f.Format == "json" }

func (f *OutputFormatter) envelope(resp CLIResponse) error {
	return json.NewEncoder(f.Writer).Encode(resp)
}

// Success writes data. Text mode prints it with its default formatting, so
// result types render themselves through String.
func (f *OutputFormatter) Success(data any) error {
	if f.isJSON() {
		return f.envelope(CLIResponse{Status: "ok", Data: data})
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

// Error writes a failure. In text mode violations are listed one per line;
// other details only show with --verbose.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.isJSON() {
		return f.envelope(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}

	if _, err := fmt.Fprintf(f.Writer, "error %s: %s\n", code, message); err != nil {
		return err
	}
	switch d := details.(type) {
	case nil:
	case []string:
		for _, v := range d {
			fmt.Fprintf(f.Writer, "  - %s\n", v)
		}
	default:
		if f.Verbose {
			fmt.Fprintf(f.Writer, "  details: %v\n", d)
		}
	}
	return nil
}

// VerboseLog writes a diagnostic line when --verbose is set. It never
// touches Writer while ErrWriter is set, which keeps JSON output parseable.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if f.Verbose {
		fmt.Fprintf(f.diagWriter(), format+"\n", args...)
	}
}

func (f *OutputFormatter) diagWriter() io.Writer {
	if f.ErrWriter == nil {
		return f.Writer
	}
	return f.ErrWriter
}
