package central

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the taxonomy from spec §7. Never compare on a concrete Go
// error type — always compare on Kind via errors.Is/errors.As against *Error.
type ErrorKind int

const (
	KindPermissionDenied ErrorKind = iota
	KindDeviceNotFound
	KindNotConnected
	KindNotSupported
	KindTimedOut
	KindUUID
	KindOther
)

func (k ErrorKind) String() string {
	switch k {
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindDeviceNotFound:
		return "DeviceNotFound"
	case KindNotConnected:
		return "NotConnected"
	case KindNotSupported:
		return "NotSupported"
	case KindTimedOut:
		return "TimedOut"
	case KindUUID:
		return "Uuid"
	default:
		return "Other"
	}
}

// Error is the single error type the central API returns. Backends wrap
// native failures into one of these so callers only ever match on Kind.
type Error struct {
	Kind     ErrorKind
	Reason   string        // populated for KindNotSupported
	TimeoutMs time.Duration // populated for KindTimedOut
	Cause    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindNotSupported:
		if e.Reason != "" {
			return fmt.Sprintf("not supported: %s", e.Reason)
		}
		return "not supported"
	case KindTimedOut:
		return fmt.Sprintf("timed out after %dms", e.TimeoutMs.Milliseconds())
	default:
		if e.Cause != nil {
			return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
		}
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// Is compares by Kind only, so sentinels like ErrNotConnected satisfy
// errors.Is checks against any *Error of the same kind regardless of Cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel errors for errors.Is comparisons against a bare kind.
var (
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied}
	ErrDeviceNotFound   = &Error{Kind: KindDeviceNotFound}
	ErrNotConnected     = &Error{Kind: KindNotConnected}
	ErrUUID             = &Error{Kind: KindUUID}
)

// NotSupported builds a KindNotSupported error with reason.
func NotSupported(reason string) *Error {
	return &Error{Kind: KindNotSupported, Reason: reason}
}

// TimedOut builds a KindTimedOut error for the given bound.
func TimedOut(d time.Duration) *Error {
	return &Error{Kind: KindTimedOut, TimeoutMs: d}
}

// Other wraps an opaque backend-specific failure.
func Other(cause error) *Error {
	return &Error{Kind: KindOther, Cause: cause}
}

// Wrap attaches cause to a sentinel of the given kind, preserving the
// original error text for logging while keeping errors.Is(err, sentinel)
// working.
func Wrap(kind ErrorKind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// IsKind reports whether err is a *Error with the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
