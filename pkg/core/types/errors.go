package types

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the engine matches exactly one of these
// through errors.Is.
var (
	ErrDimensionMismatch  = errors.New("dimension mismatch")
	ErrDuplicateID        = errors.New("duplicate id")
	ErrNotFound           = errors.New("not found")
	ErrInvalidParameter   = errors.New("invalid parameter")
	ErrCorruptedIndexFile = errors.New("corrupted index file")
	ErrIO                 = errors.New("io error")

	// ErrEmptyVector is an InvalidParameter: a vector must have at least one component.
	ErrEmptyVector = fmt.Errorf("%w: vector cannot be empty", ErrInvalidParameter)
	// ErrClosed is returned by operations on a closed database handle.
	ErrClosed = errors.New("database is closed")
)

// DimensionMismatchError carries the expected and actual dimensionality.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Is makes errors.Is(err, ErrDimensionMismatch) hold.
func (e *DimensionMismatchError) Is(target error) bool {
	return target == ErrDimensionMismatch
}

// IDError reports an operation that failed for a specific external id.
type IDError struct {
	Op   string
	ID   uint64
	Kind error
}

func (e *IDError) Error() string {
	return fmt.Sprintf("%s %d: %v", e.Op, e.ID, e.Kind)
}

// Is reports whether the error's kind matches target.
func (e *IDError) Is(target error) bool {
	return target == e.Kind
}

// Unwrap exposes the kind.
func (e *IDError) Unwrap() error { return e.Kind }

// InvalidParameterf builds an InvalidParameter error with a formatted reason.
func InvalidParameterf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidParameter, fmt.Sprintf(format, args...))
}

// Corruptedf builds a CorruptedIndexFile error with a formatted reason.
func Corruptedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptedIndexFile, fmt.Sprintf(format, args...))
}

// IOError wraps an underlying I/O failure so that it matches ErrIO while keeping
// the original cause reachable through errors.Is / errors.As.
func IOError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ioError{op: op, err: err}
}

type ioError struct {
	op  string
	err error
}

func (e *ioError) Error() string { return fmt.Sprintf("%s: %v", e.op, e.err) }

func (e *ioError) Is(target error) bool { return target == ErrIO }

func (e *ioError) Unwrap() error { return e.err }
