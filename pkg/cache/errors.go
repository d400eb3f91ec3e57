package cache

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable indicates a backend cannot be used at all.
	ErrUnavailable = errors.New("cache backend unavailable")

	// ErrEmptyKey indicates an attempt to store an entry without a key.
	ErrEmptyKey = errors.New("cache key is empty")
)

// WriteError reports a Set that could not be completed. Callers normally log
// it and carry on: the cache is an optimization, not a source of truth.
type WriteError struct {
	Backend string
	Op      string
	Key     string
	Err     error
}

// Error implements the error interface.
func (e *WriteError) Error() string {
	return fmt.Sprintf("cache %s %s %q: %v", e.Backend, e.Op, e.Key, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *WriteError) Unwrap() error {
	return e.Err
}

// UnavailableError is returned by constructors when a backend cannot be
// used. It matches ErrUnavailable with errors.Is.
type UnavailableError struct {
	Backend string
	Reason  string
	Err     error
}

// Error implements the error interface.
func (e *UnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cache %s unavailable: %s: %v", e.Backend, e.Reason, e.Err)
	}
	return fmt.Sprintf("cache %s unavailable: %s", e.Backend, e.Reason)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrUnavailable) hold for every UnavailableError.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}
