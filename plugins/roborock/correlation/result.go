package correlation

import (
	"context"
	"sync"
)

// result is a value that settles exactly once.
type result[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

func newResult[T any]() *result[T] {
	return &result[T]{done: make(chan struct{})}
}

func (r *result[T]) settle(value T, err error) bool {
	settled := false
	r.once.Do(func() {
		r.value = value
		r.err = err
		close(r.done)
		settled = true
	})
	return settled
}

func (r *result[T]) wait(ctx context.Context) (T, error) {
	select {
	case <-r.done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
