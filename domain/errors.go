package domain

import "errors"

var (
	// ErrNotFound marks a referenced entity that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState marks an operation applied to the wrong variant or kind.
	ErrInvalidState = errors.New("invalid state")
	// ErrUnauthenticated marks an operation attempted without a signed-in user.
	ErrUnauthenticated = errors.New("unauthenticated")
)

// AtomicWriteError reports a rejected multi-document commit. The failed
// batch leaves the store untouched; callers decide how to recover.
type AtomicWriteError struct {
	Cause error
}

func (e *AtomicWriteError) Error() string {
	if e.Cause == nil {
		return "atomic write failed"
	}
	return "atomic write failed: " + e.Cause.Error()
}

func (e *AtomicWriteError) Unwrap() error { return e.Cause }
