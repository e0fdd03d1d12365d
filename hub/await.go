package hub

import (
	"context"
	"sync"
	"time"
)

const DefaultCallTimeout = 10 * time.Second

type result[T any] struct {
	value T
	err   error
}

// Await bridges a callback style hub call into a blocking one. The callback is single shot: only
// the first invocation is delivered, later or late ones are dropped. The wait ends on callback,
// timeout or context cancellation, whichever comes first.
func Await[T any](pctx context.Context, timeout time.Duration, issue func(cb func(T, error))) (T, error) {
	ctx, cancel := context.WithTimeout(pctx, timeout)
	defer cancel()

	ch := make(chan result[T], 1)
	once := &sync.Once{}

	issue(func(v T, err error) {
		once.Do(func() {
			ch <- result[T]{value: v, err: err}
		})
	})

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// AwaitErr is Await for calls whose callback carries only an error.
func AwaitErr(ctx context.Context, timeout time.Duration, issue func(cb func(error))) error {
	_, err := Await(ctx, timeout, func(cb func(struct{}, error)) {
		issue(func(err error) {
			cb(struct{}{}, err)
		})
	})

	return err
}
