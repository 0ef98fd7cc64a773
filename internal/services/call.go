package services

import (
	"context"
	"time"
)

// callWithin runs fn with a context bounded by timeout and returns as soon
// as that context is done, even if fn ignores it. A result that is ready
// at the deadline wins over the deadline.
func callWithin[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(callCtx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-callCtx.Done():
		select {
		case r := <-done:
			return r.value, r.err
		default:
		}
		var zero T
		return zero, callCtx.Err()
	}
}
