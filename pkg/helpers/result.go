package helpers

// Result carries either a value or the error that prevented producing it.
// It is used where a failure is an expected outcome that the caller reports
// rather than aborts on, e.g. one file out of an upload batch.
type Result[T any] struct {
	value T
	err   error
}

func NewResult[T any](value T, err error) Result[T] {
	return Result[T]{
		value: value,
		err:   err,
	}
}

func NewValueResult[T any](value T) Result[T] {
	return Result[T]{
		value: value,
	}
}

func NewErrorResult[T any](err error) Result[T] {
	return Result[T]{
		err: err,
	}
}

func (r Result[T]) Value() (T, error) {
	return r.value, r.err
}

func (r Result[T]) Error() error {
	return r.err
}

func (r Result[T]) Ok() bool {
	return r.err == nil
}

// ValueOr returns v when the result is a failure.
func (r Result[T]) ValueOr(v T) T {
	if r.err != nil {
		return v
	}
	return r.value
}

// MapResult applies f to a successful value and passes failures through untouched.
func MapResult[T any, U any](r Result[T], f func(T) U) Result[U] {
	if r.err != nil {
		return NewErrorResult[U](r.err)
	}
	return NewValueResult(f(r.value))
}
