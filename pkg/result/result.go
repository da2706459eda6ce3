// Package result provides the success/failure value returned across pipeline
// boundaries and the structured error it carries.
package result

// Result holds either a value or an *Error, never both.
type Result[T any] struct {
	value T
	err   *Error
}

// Ok returns a successful Result holding value.
func Ok[T any](value T) Result[T] {
	return Result[T]{value: value}
}

// Err returns a failed Result. A nil err still produces a failure.
func Err[T any](err error, opts ...ErrorOption) Result[T] {
	return Result[T]{err: From(err, opts...)}
}

// Fail returns a failed Result holding e as-is.
func Fail[T any](e *Error) Result[T] {
	if e == nil {
		e = From(nil)
	}
	return Result[T]{err: e}
}

func (r Result[T]) IsOk() bool {
	return r.err == nil
}

func (r Result[T]) IsErr() bool {
	return r.err != nil
}

// Value returns the held value, or the zero value for a failure.
func (r Result[T]) Value() T {
	return r.value
}

// Err returns the failure, or nil for a success.
func (r Result[T]) Err() *Error {
	return r.err
}

// Unwrap returns the value or the failure as an error.
func (r Result[T]) Unwrap() (T, error) {
	if r.err != nil {
		var zero T
		return zero, r.err
	}
	return r.value, nil
}

// MustUnwrap returns the value and panics with the failure otherwise.
func (r Result[T]) MustUnwrap() T {
	if r.err != nil {
		panic(r.err)
	}
	return r.value
}

func (r Result[T]) UnwrapOr(fallback T) T {
	if r.err != nil {
		return fallback
	}
	return r.value
}

// Map applies fn to a successful value and passes failures through.
func Map[T, U any](r Result[T], fn func(T) U) Result[U] {
	if r.err != nil {
		return Result[U]{err: r.err}
	}
	return Ok(fn(r.value))
}
