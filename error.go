package reqcache

import (
	"errors"
	"fmt"
)

// ErrKeyNotFound indicates that the requested key was not found in a store
type ErrKeyNotFound struct{}

// Error returns a string representation of the error
func (e *ErrKeyNotFound) Error() string {
	return "key not found"
}

// IsErrKeyNotFound checks if the error is an ErrKeyNotFound
func IsErrKeyNotFound(err error) bool {
	if err == nil {
		return false
	}
	var e *ErrKeyNotFound
	return errors.As(err, &e)
}

// PanicError is raised to the caller that initiated a fetch whose fetcher panicked.
// A panicking fetcher is a caller bug, so it is not absorbed like a transient failure.
type PanicError struct {
	Key   string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic during fetch for key %s: %v", e.Key, e.Value)
}

// IsPanicError checks if the error is a PanicError
func IsPanicError(err error) bool {
	if err == nil {
		return false
	}
	var e *PanicError
	return errors.As(err, &e)
}
