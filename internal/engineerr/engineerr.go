// Package engineerr defines the write engine's error taxonomy.
//
// Every failure the engine surfaces is classified into one of a small
// number of Kinds so the retry controller never has to special-case a
// raw backend error type (see internal/retry).
package engineerr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine failure for retry-controller dispatch.
type Kind int

const (
	// KindFatal is any backend error with no special handling.
	KindFatal Kind = iota
	// KindAssertValueFailed means an AssertValue precondition did not
	// match the stored value. Non-retriable.
	KindAssertValueFailed
	// KindInternal is an invariant violation such as chunk overflow.
	// Non-retriable, fatal to the batch.
	KindInternal
	// KindRecoverable is a transient conflict (serialization failure,
	// deadlock, commit conflict). The retry controller retries the
	// whole batch.
	KindRecoverable
	// KindAllocatorRetry is the SQL backend's unique-violation on a
	// document-id insert: another allocator won the race. Treated as
	// recoverable, but becomes KindAssertValueFailed once the retry
	// budget is exhausted.
	KindAllocatorRetry
)

func (k Kind) String() string {
	switch k {
	case KindAssertValueFailed:
		return "assert_value_failed"
	case KindInternal:
		return "internal"
	case KindRecoverable:
		return "recoverable"
	case KindAllocatorRetry:
		return "allocator_retry"
	default:
		return "fatal"
	}
}

// Error is the engine's wrapped error type. Backends wrap the backend
// errors they classify in an *Error; an error whose chain holds no
// *Error (a context cancellation, an unresolved forward reference, a
// bbolt transaction error returned as-is) is treated as KindFatal by
// retry.Classify.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err carries the given Kind, unwrapping through any
// fmt.Errorf("%w", ...) layers the batch interpreter or a backend added
// on the way up.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// As extracts the first *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// AssertValueFailed is the sentinel returned whenever an optimistic
// precondition is lost.
var AssertValueFailed = New(KindAssertValueFailed, "assert value failed")

// InternalValueTooLarge is returned when a Set value would require more
// than 256 chunks.
var InternalValueTooLarge = New(KindInternal, "value too large")
