package agent

import (
	"errors"
	"fmt"
)

// ErrorKind classifies run failures for callers and for the audit
// trail. Only tool failures are recovered inside the loop; everything
// here terminates the run.
type ErrorKind string

const (
	KindConfiguration      ErrorKind = "configuration_error"
	KindValidation         ErrorKind = "validation_error"
	KindScopeDenied        ErrorKind = "scope_denied"
	KindToolExecution      ErrorKind = "tool_execution_failed"
	KindUpstreamFailure    ErrorKind = "upstream_failure"
	KindIterationExhausted ErrorKind = "iteration_exhausted"
)

// RunError is a classified run failure.
type RunError struct {
	Kind ErrorKind
	Err  error
}

func (e *RunError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

func runErr(kind ErrorKind, err error) *RunError {
	return &RunError{Kind: kind, Err: err}
}

func runErrf(kind ErrorKind, format string, args ...any) *RunError {
	return &RunError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the error kind, defaulting to upstream_failure for
// unclassified errors.
func KindOf(err error) ErrorKind {
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUpstreamFailure
}
