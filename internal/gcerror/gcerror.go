// Package gcerror defines the error taxonomy used across the engine.
//
// Every error that crosses a package boundary inside gc3core is, or
// wraps, a *gcerror.Error so that callers can switch on Kind instead of
// matching strings. See SPEC_FULL.md Part B.2 / spec.md §7.
package gcerror

import (
	"errors"
	"fmt"
)

// Kind classifies an error per the taxonomy of spec.md §7.
type Kind int

const (
	// KindUnknown is the zero value; never constructed deliberately.
	KindUnknown Kind = iota
	// KindConfig marks malformed or inconsistent configuration. Fatal
	// at engine start.
	KindConfig
	// KindAuth marks rejected credentials. Fatal for the affected
	// resource for the rest of the engine run.
	KindAuth
	// KindTransient marks a backend error expected to clear on retry
	// (network glitch, temporary quota, command not found once).
	KindTransient
	// KindPermanent marks a backend rejection for inherent reasons
	// (e.g. walltime exceeds site cap).
	KindPermanent
	// KindTaskRuntime marks a non-zero exit or signal from the task's
	// own payload. Not retried automatically.
	KindTaskRuntime
	// KindDataStaging marks an input/output staging failure that
	// persisted past retries.
	KindDataStaging
	// KindPersistence marks Store corruption or a Store-layer failure.
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindAuth:
		return "auth"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindTaskRuntime:
		return "task-runtime"
	case KindDataStaging:
		return "data-staging"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind and, when applicable, the
// id of the resource or task it concerns.
type Error struct {
	Kind       Kind
	ResourceID string
	TaskID     string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.TaskID != "" && e.ResourceID != "":
		return fmt.Sprintf("%s [resource=%s task=%s]: %v", e.Kind, e.ResourceID, e.TaskID, e.Err)
	case e.ResourceID != "":
		return fmt.Sprintf("%s [resource=%s]: %v", e.Kind, e.ResourceID, e.Err)
	case e.TaskID != "":
		return fmt.Sprintf("%s [task=%s]: %v", e.Kind, e.TaskID, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with Kind. It always returns a non-nil *Error, even for
// a nil err, so callers check err against nil before calling New.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf builds a *Error from a format string, like fmt.Errorf.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// WithResource attaches a resource id to the error, returning the
// receiver for chaining.
func (e *Error) WithResource(id string) *Error {
	e.ResourceID = id
	return e
}

// WithTask attaches a task id to the error, returning the receiver for
// chaining.
func (e *Error) WithTask(id string) *Error {
	e.TaskID = id
	return e
}

// Is reports whether err is a *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, or KindUnknown if err is not (or
// does not wrap) a *Error.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindUnknown
}

// Retryable reports whether the engine should retry the operation that
// produced err within the current tick/backoff budget rather than
// transitioning the task to a terminal state.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}

// Fatal reports whether err should abort the engine run entirely
// (config and persistence errors only, per §7's propagation policy).
func Fatal(err error) bool {
	switch KindOf(err) {
	case KindConfig, KindPersistence:
		return true
	default:
		return false
	}
}
