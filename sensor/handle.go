package sensor

import (
	"context"
	"sync"
	"time"
)

var _ Sensor = (*Handle)(nil)

// Recorder receives every reading a Handle fetches.
type Recorder interface {
	Update(id Identity, readings []Reading)
}

// NewHandle binds a descriptor to the backend that produced it. The recorder may be nil.
func NewHandle(d Descriptor, b Backend, r Recorder) *Handle {
	return &Handle{d: d, b: b, r: r, m: &sync.RWMutex{}}
}

type Handle struct {
	d Descriptor
	b Backend
	r Recorder

	m    *sync.RWMutex
	last Reading
}

func (h *Handle) Identity() Identity {
	return h.d.ID
}

func (h *Handle) DisplayName() string {
	return h.d.DisplayName
}

func (h *Handle) Kind() Kind {
	return h.b.Kind()
}

func (h *Handle) Descriptor() Descriptor {
	return h.d
}

func (h *Handle) LastReadingTime() time.Time {
	h.m.RLock()
	defer h.m.RUnlock()

	return h.last.Timestamp
}

func (h *Handle) Temperature() float64 {
	h.m.RLock()
	defer h.m.RUnlock()

	return h.last.TemperatureF
}

func (h *Handle) Humidity() float64 {
	h.m.RLock()
	defer h.m.RUnlock()

	return h.last.HumidityPct
}

// Seed primes the handle with a previously known reading, e.g. from a cache.
func (h *Handle) Seed(r Reading) {
	h.remember(r)
}

func (h *Handle) FetchCurrentReading(ctx context.Context) (Reading, error) {
	r, err := h.b.FetchCurrentReading(ctx, h.d.ID)
	if err != nil {
		return Reading{}, err
	}

	h.remember(r)

	if h.r != nil {
		h.r.Update(h.d.ID, []Reading{r})
	}

	return r, nil
}

func (h *Handle) FetchHistoricalReadings(ctx context.Context, from time.Time, to time.Time) ([]Reading, error) {
	readings, err := h.b.FetchHistoricalReadings(ctx, h.d.ID, from, to)
	if err != nil {
		return nil, err
	}

	if len(readings) > 0 {
		h.remember(readings[len(readings)-1])

		if h.r != nil {
			h.r.Update(h.d.ID, readings)
		}
	}

	return readings, nil
}

func (h *Handle) remember(r Reading) {
	h.m.Lock()
	defer h.m.Unlock()

	if h.last.Timestamp.IsZero() || !r.Timestamp.Before(h.last.Timestamp) {
		h.last = r
	}
}
