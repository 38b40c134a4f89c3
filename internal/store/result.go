package store

import "errors"

var (
	// ErrNotFound means the entity does not exist or is not visible to
	// the acting user. The two are not distinguished to callers.
	ErrNotFound = errors.New("not found")

	// ErrForbidden means the user can see the entity but lacks the role
	// for the operation.
	ErrForbidden = errors.New("permission denied")

	// ErrInvalid wraps input validation failures.
	ErrInvalid = errors.New("invalid input")
)

// Result is the outcome of a repository operation: either OK with Data,
// or not OK with Err. Repository methods never panic across this
// boundary and never return a nil Err on failure.
type Result[T any] struct {
	OK   bool
	Data T
	Err  error
}

// Ok wraps a successful value.
func Ok[T any](v T) Result[T] {
	return Result[T]{OK: true, Data: v}
}

// Fail wraps an error.
func Fail[T any](err error) Result[T] {
	return Result[T]{Err: err}
}

// Unwrap converts the result into Go's usual value/error pair.
func (r Result[T]) Unwrap() (T, error) {
	if !r.OK {
		return r.Data, r.Err
	}
	return r.Data, nil
}
