// Package errs defines the closed error-kind enumeration used across the
// event pipeline, federation client, and store. Inner APIs return one of
// these kinds rather than ad-hoc error strings so that callers can branch
// on failure class without parsing messages.
package errs

import "fmt"

// Code is a closed enumeration of error kinds. New kinds must be added
// here, not invented ad-hoc at call sites.
type Code int

const (
	// Invalid marks malformed input: bad JSON, oversized payload, bad
	// depth, malformed identifiers. Never retried.
	Invalid Code = iota + 1
	// BadHash marks a content-hash mismatch against hashes.sha256.
	BadHash
	// BadSignature marks a signature that failed to verify, or whose
	// signing key could not be fetched.
	BadSignature
	// Exists marks a duplicate event_id already indexed.
	Exists
	// FetchFailed marks exhaustion of the ancestor-fetch depth budget.
	FetchFailed
	// Auth marks failure of auth_events-based authorisation.
	Auth
	// AuthAtState marks failure of authorisation against resolved state;
	// the event is still persisted and soft-failed, not a terminal reject.
	AuthAtState
	// Overloaded marks local resource exhaustion (full queue, lock
	// timeout); callers may retry.
	Overloaded
	// Timeout marks a suspending operation's deadline expiring.
	Timeout
	// Interrupted marks a fiber woken by Interrupt or a cancelled context.
	Interrupted
	// Fatal marks unrecoverable local failure (store corruption, broken
	// invariant); triggers clean shutdown, never retried in-line.
	Fatal
)

func (c Code) String() string {
	switch c {
	case Invalid:
		return "INVALID"
	case BadHash:
		return "BAD_HASH"
	case BadSignature:
		return "BAD_SIGNATURE"
	case Exists:
		return "EXISTS"
	case FetchFailed:
		return "FETCH_FAILED"
	case Auth:
		return "AUTH"
	case AuthAtState:
		return "AUTH_AT_STATE"
	case Overloaded:
		return "OVERLOADED"
	case Timeout:
		return "TIMEOUT"
	case Interrupted:
		return "INTERRUPTED"
	case Fatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Retryable reports whether the pipeline should requeue an event that
// failed with this code should be retried with backoff.
func (c Code) Retryable() bool {
	switch c {
	case FetchFailed, Overloaded, Timeout:
		return true
	default:
		return false
	}
}

// Error wraps a Code with a human-readable message and an optional cause,
// and carries the Matrix-standard errcode/error pair used when the error
// crosses an HTTP boundary.
type Error struct {
	Code    Code
	Message string
	Cause   error
	// MatrixErrCode is the wire errcode (e.g. "M_FORBIDDEN") surfaced on
	// client/federation HTTP responses; empty when there is no direct
	// Matrix-spec mapping.
	MatrixErrCode string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around an existing cause.
func Wrap(code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithMatrix attaches a Matrix wire errcode to an Error and returns it.
func (e *Error) WithMatrix(errcode string) *Error {
	e.MatrixErrCode = errcode
	return e
}

// CodeOf extracts the Code from err if it is (or wraps) an *Error,
// otherwise returns Fatal as the conservative default.
func CodeOf(err error) Code {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	if u, ok := err.(interface{ Unwrap() error }); ok {
		if inner := u.Unwrap(); inner != nil {
			return CodeOf(inner)
		}
	}
	return Fatal
}
