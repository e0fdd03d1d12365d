package hub

import (
	"context"
	"errors"
	"github.com/stretchr/testify/assert"
	"testing"
	"time"
)

func TestAwait(t *testing.T) {
	t.Run("returns the value delivered to the callback on another goroutine", func(t *testing.T) {
		v, err := Await(context.Background(), time.Second, func(cb func(int, error)) {
			go cb(42, nil)
		})

		assert.NoError(t, err)
		assert.Equal(t, 42, v)
	})

	t.Run("accepts a callback invoked synchronously by the issuer", func(t *testing.T) {
		v, err := Await(context.Background(), time.Second, func(cb func(string, error)) {
			cb("sync", nil)
		})

		assert.NoError(t, err)
		assert.Equal(t, "sync", v)
	})

	t.Run("delivers only the first of several callback invocations", func(t *testing.T) {
		v, err := Await(context.Background(), time.Second, func(cb func(int, error)) {
			cb(1, nil)
			cb(2, errors.New("late"))
		})

		assert.NoError(t, err)
		assert.Equal(t, 1, v)
	})

	t.Run("times out when the callback never fires", func(t *testing.T) {
		start := time.Now()

		_, err := Await(context.Background(), 20*time.Millisecond, func(cb func(int, error)) {})

		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("returns the context error when cancelled first", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := Await(ctx, time.Minute, func(cb func(int, error)) {})

		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("does not block a callback arriving after the timeout", func(t *testing.T) {
		done := make(chan struct{})

		_, err := Await(context.Background(), 10*time.Millisecond, func(cb func(int, error)) {
			go func() {
				time.Sleep(30 * time.Millisecond)
				cb(1, nil)
				close(done)
			}()
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("late callback blocked")
		}
	})
}

func TestAwaitErr(t *testing.T) {
	t.Run("returns the callback error", func(t *testing.T) {
		expected := errors.New("failed")

		err := AwaitErr(context.Background(), time.Second, func(cb func(error)) {
			go cb(expected)
		})

		assert.ErrorIs(t, err, expected)
	})
}

func TestComparison_Predicate(t *testing.T) {
	assert.Equal(t, "Value > 22.5", Above.Predicate(22.5))
	assert.Equal(t, "Value < 18", Below.Predicate(18))
}
