package poller

import (
	"context"
	"errors"
	"github.com/shimmeringbee/humidor/sensor"
	"github.com/stretchr/testify/assert"
	"sync"
	"testing"
	"time"
)

type counter struct {
	m     *sync.Mutex
	calls map[sensor.Ref]int
	fail  int
}

func newCounter(fail int) *counter {
	return &counter{m: &sync.Mutex{}, calls: map[sensor.Ref]int{}, fail: fail}
}

func (c *counter) refresh(_ context.Context, ref sensor.Ref) error {
	c.m.Lock()
	defer c.m.Unlock()

	c.calls[ref]++
	if c.calls[ref] <= c.fail {
		return errors.New("unreachable")
	}

	return nil
}

func (c *counter) count(ref sensor.Ref) int {
	c.m.Lock()
	defer c.m.Unlock()

	return c.calls[ref]
}

var cabinet = sensor.Ref{Kind: sensor.Hub, ID: "acc-1"}
var cooler = sensor.Ref{Kind: sensor.Cloud, ID: "1001.22"}

func TestPoller(t *testing.T) {
	t.Run("refreshes each sensor repeatedly on the interval", func(t *testing.T) {
		c := newCounter(0)
		p := New(c.refresh, WithInterval(5*time.Millisecond), WithoutJitter())
		p.Add(cabinet)
		p.Add(cooler)

		p.Start(context.Background())
		defer p.Stop()

		assert.Eventually(t, func() bool {
			return c.count(cabinet) >= 3 && c.count(cooler) >= 3
		}, time.Second, time.Millisecond)
	})

	t.Run("does nothing until started", func(t *testing.T) {
		c := newCounter(0)
		p := New(c.refresh, WithInterval(time.Millisecond), WithoutJitter())
		p.Add(cabinet)

		time.Sleep(10 * time.Millisecond)
		assert.Equal(t, 0, c.count(cabinet))
	})

	t.Run("retries a failing sensor on the back off rather than the interval", func(t *testing.T) {
		c := newCounter(3)
		p := New(c.refresh, WithInterval(time.Hour), WithMaximumBackOff(5*time.Millisecond), WithoutJitter())
		p.Add(cabinet)

		p.Start(context.Background())
		defer p.Stop()

		assert.Eventually(t, func() bool {
			return c.count(cabinet) == 4
		}, time.Second, time.Millisecond)

		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 4, c.count(cabinet))
	})

	t.Run("stops polling a removed sensor", func(t *testing.T) {
		c := newCounter(0)
		p := New(c.refresh, WithInterval(2*time.Millisecond), WithoutJitter())
		p.Start(context.Background())
		defer p.Stop()

		p.Add(cabinet)
		assert.Eventually(t, func() bool { return c.count(cabinet) >= 1 }, time.Second, time.Millisecond)

		p.Remove(cabinet)
		assert.Empty(t, p.Targets())

		time.Sleep(5 * time.Millisecond)
		seen := c.count(cabinet)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, seen, c.count(cabinet))
	})

	t.Run("stops when the parent context ends", func(t *testing.T) {
		c := newCounter(0)
		p := New(c.refresh, WithInterval(time.Millisecond), WithoutJitter())
		p.Add(cabinet)

		ctx, cancel := context.WithCancel(context.Background())
		p.Start(ctx)
		cancel()
		p.Stop()

		seen := c.count(cabinet)
		time.Sleep(10 * time.Millisecond)
		assert.Equal(t, seen, c.count(cabinet))
	})

	t.Run("lists targets in a stable order", func(t *testing.T) {
		p := New(newCounter(0).refresh)
		p.Add(cooler)
		p.Add(cabinet)
		p.Add(cabinet)

		assert.Equal(t, []sensor.Ref{cooler, cabinet}, p.Targets())
	})

	t.Run("discovers sensors that appear after polling starts", func(t *testing.T) {
		c := newCounter(0)

		m := &sync.Mutex{}
		listed := []sensor.Ref{cabinet}
		list := func(context.Context) ([]sensor.Ref, error) {
			m.Lock()
			defer m.Unlock()
			return append([]sensor.Ref(nil), listed...), nil
		}

		p := New(c.refresh, WithInterval(2*time.Millisecond), WithoutJitter(), WithDiscovery(list, 2*time.Millisecond))
		p.Start(context.Background())
		defer p.Stop()

		assert.Eventually(t, func() bool { return c.count(cabinet) >= 1 }, time.Second, time.Millisecond)
		assert.Equal(t, 0, c.count(cooler))

		m.Lock()
		listed = []sensor.Ref{cooler}
		m.Unlock()

		assert.Eventually(t, func() bool { return c.count(cooler) >= 1 }, time.Second, time.Millisecond)
		assert.Equal(t, []sensor.Ref{cooler, cabinet}, p.Targets())
	})

	t.Run("keeps polling after a failed discovery", func(t *testing.T) {
		c := newCounter(0)
		list := func(context.Context) ([]sensor.Ref, error) {
			return nil, errors.New("cloud offline")
		}

		p := New(c.refresh, WithInterval(2*time.Millisecond), WithoutJitter(), WithDiscovery(list, time.Millisecond))
		p.Add(cabinet)
		p.Start(context.Background())
		defer p.Stop()

		assert.Eventually(t, func() bool { return c.count(cabinet) >= 2 }, time.Second, time.Millisecond)
	})
}
