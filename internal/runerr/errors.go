// Package runerr defines the error kinds reported by a harness run.
//
// Every failure from credential resolution onward is surfaced as an *Error
// carrying the step that failed and a Kind. Teardown problems never replace
// the primary error; they ride along in Warnings.
package runerr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind categorizes run errors.
type Kind string

const (
	// KindConfiguration indicates bad CLI or condition input, detected before
	// any resource is touched.
	KindConfiguration Kind = "CONFIGURATION"

	// KindProvisioning indicates the storage scope or database instance could
	// not be created.
	KindProvisioning Kind = "PROVISIONING"

	// KindUpload indicates an artifact write to the storage scope failed.
	KindUpload Kind = "UPLOAD"

	// KindLaunch indicates the job could not be started.
	KindLaunch Kind = "LAUNCH"

	// KindPollingTimeout indicates conditions did not pass before the
	// maximum timeout elapsed.
	KindPollingTimeout Kind = "POLLING_TIMEOUT"

	// KindJobFailure indicates the job reached FAILED or CANCELLED before all
	// conditions passed.
	KindJobFailure Kind = "JOB_FAILURE"

	// KindCancellation indicates the cancel request could not be issued.
	KindCancellation Kind = "CANCELLATION"

	// KindTeardownWarning is a non-fatal teardown problem.
	KindTeardownWarning Kind = "TEARDOWN_WARNING"

	// KindInterrupted indicates the run was stopped by an external signal.
	KindInterrupted Kind = "INTERRUPTED"
)

// Error is a run failure with structured fields for reporting.
type Error struct {
	// Kind identifies the error category.
	Kind Kind

	// Step names the harness step that failed (e.g. "acquire", "launch").
	Step string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error

	// Details carries extra context such as the last observed job state.
	Details map[string]string

	// Warnings holds teardown problems observed after this error.
	Warnings []error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Step != "" {
		fmt.Fprintf(&b, " [%s]", e.Step)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+e.Details[k])
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(parts, ", "))
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error without an underlying cause.
func New(kind Kind, step, message string) *Error {
	return &Error{Kind: kind, Step: step, Message: message}
}

// Wrap creates an Error around err.
func Wrap(kind Kind, step, message string, err error) *Error {
	return &Error{Kind: kind, Step: step, Message: message, Err: err}
}

// WithDetail sets a detail key and returns e for chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// KindOf returns the Kind of the first *Error in err's chain.
// Context cancellation without an *Error maps to KindInterrupted.
func KindOf(err error) (Kind, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind, true
	}
	if errors.Is(err, context.Canceled) {
		return KindInterrupted, true
	}
	return "", false
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool {
	return Is(err, KindConfiguration)
}

// IsPollingTimeout reports whether err is a polling timeout.
func IsPollingTimeout(err error) bool {
	return Is(err, KindPollingTimeout)
}

// IsJobFailure reports whether err reports an observed job failure.
func IsJobFailure(err error) bool {
	return Is(err, KindJobFailure)
}

// Attach records a teardown warning on the primary error without replacing
// it. A primary that is not an *Error is joined with the warning instead.
// A nil warning is ignored.
func Attach(primary error, warning error) error {
	if warning == nil || primary == nil {
		return primary
	}
	var re *Error
	if !errors.As(primary, &re) {
		return errors.Join(primary, warning)
	}
	re.Warnings = append(re.Warnings, warning)
	return primary
}

// Warnings returns the teardown warnings attached to err, if any.
func Warnings(err error) []error {
	var re *Error
	if errors.As(err, &re) {
		return re.Warnings
	}
	return nil
}
