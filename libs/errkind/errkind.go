// Package errkind defines the closed set of error kinds shared across the
// ingest, backtest, walk-forward, and optimizer packages so callers can
// branch on failure class without chaining errors.Is against per-package
// sentinel values.
package errkind

import "errors"

// Kind classifies why an operation failed.
type Kind int

const (
	// Unknown is the zero value; never returned by Of for a wrapped error.
	Unknown Kind = iota
	// InvalidInput marks malformed parameters, non-finite numeric values,
	// or inverted time ranges. Surfaced immediately; never retried.
	InvalidInput
	// InsufficientData marks too few ratings or candles for a window or
	// for the required moving-average length.
	InsufficientData
	// RateLimited marks an external endpoint signaling throttling.
	// Handled inside the ingest layer; should not escape it.
	RateLimited
	// TransientNetwork marks connection resets or 5xx responses.
	TransientNetwork
	// Timeout marks a task that exceeded its configured deadline.
	Timeout
	// PersistenceError marks upsert conflicts other than duplicate-key,
	// or I/O failures against a store.
	PersistenceError
	// ShuttingDown marks rejection of new work during graceful shutdown.
	ShuttingDown
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "InvalidInput"
	case InsufficientData:
		return "InsufficientData"
	case RateLimited:
		return "RateLimited"
	case TransientNetwork:
		return "TransientNetwork"
	case Timeout:
		return "Timeout"
	case PersistenceError:
		return "PersistenceError"
	case ShuttingDown:
		return "ShuttingDown"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying error with a Kind so it can be classified
// across package boundaries while still supporting errors.Is/As/Unwrap.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so
// errors.Is(err, errkind.New(errkind.Timeout, nil)) works without
// comparing wrapped causes.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// New wraps err with kind. err may be nil.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Of extracts the Kind from err, returning Unknown if err is nil or was
// never tagged with a Kind.
func Of(err error) Kind {
	if err == nil {
		return Unknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Sentinel returns a comparable error value of the given kind, suitable
// for errors.Is checks against a known classification regardless of the
// wrapped cause.
func Sentinel(kind Kind) error { return &Error{Kind: kind} }
