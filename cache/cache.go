package cache

import (
	"context"
	"github.com/shimmeringbee/humidor/metrics"
	"github.com/shimmeringbee/humidor/sensor"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/logwrap/impl/discard"
	"github.com/shimmeringbee/persistence"
	"github.com/shimmeringbee/persistence/converter"
	"sort"
	"sync"
	"time"
)

const DefaultRetention = 24 * time.Hour

const (
	TimestampKey    = "Timestamp"
	TemperatureFKey = "TemperatureF"
	HumidityPctKey  = "HumidityPct"
)

var _ sensor.Recorder = (*Cache)(nil)

type Option func(*Cache)

// WithRetention bounds each sensor's history to the given span before its newest reading.
func WithRetention(d time.Duration) Option {
	return func(c *Cache) {
		c.retention = d
	}
}

// WithSection persists each sensor's current reading into s.
func WithSection(s persistence.Section) Option {
	return func(c *Cache) {
		c.section = s
	}
}

func WithLogger(l logwrap.Logger) Option {
	return func(c *Cache) {
		c.logger = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

func New(opts ...Option) *Cache {
	c := &Cache{
		m:         &sync.RWMutex{},
		current:   map[sensor.Identity]sensor.Reading{},
		history:   map[sensor.Identity][]sensor.Reading{},
		retention: DefaultRetention,
		logger:    logwrap.New(discard.Discard()),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Cache holds, per sensor, the current reading and an ordered window of history. The current reading
// is only ever replaced by one with a later or equal timestamp, regardless of arrival order.
type Cache struct {
	m       *sync.RWMutex
	current map[sensor.Identity]sensor.Reading
	history map[sensor.Identity][]sensor.Reading

	retention time.Duration
	section   persistence.Section
	logger    logwrap.Logger
	metrics   *metrics.Metrics
}

// Update merges readings into the sensor's history and offers the newest of them as the current
// reading.
func (c *Cache) Update(id sensor.Identity, readings []sensor.Reading) {
	c.update(id, readings)
}

func (c *Cache) update(id sensor.Identity, readings []sensor.Reading) bool {
	if len(readings) == 0 {
		return false
	}

	newest := readings[len(readings)-1]
	for _, r := range readings {
		if r.Timestamp.After(newest.Timestamp) {
			newest = r
		}
	}

	c.m.Lock()

	existing, found := c.current[id]
	replace := !found || !newest.Timestamp.Before(existing.Timestamp)
	if replace {
		c.current[id] = newest
		c.persist(id, newest)
	}

	c.history[id] = c.merge(c.history[id], readings)

	c.m.Unlock()

	c.metrics.CacheUpdate(replace)

	if !replace {
		c.logger.Info(context.Background(), "Kept newer cached reading over late arrival.", logwrap.Datum("SensorID", string(id)), logwrap.Datum("Arrived", newest.Timestamp), logwrap.Datum("Current", existing.Timestamp))
	}

	return replace
}

// merge returns history and incoming ordered by timestamp, without duplicate timestamps, dropping
// anything older than the retention window before the newest reading. Must be called with the lock
// held.
func (c *Cache) merge(history []sensor.Reading, incoming []sensor.Reading) []sensor.Reading {
	merged := make([]sensor.Reading, 0, len(history)+len(incoming))
	merged = append(merged, history...)
	merged = append(merged, incoming...)

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})

	deduped := merged[:0]
	for _, r := range merged {
		if n := len(deduped); n > 0 && deduped[n-1].Timestamp.Equal(r.Timestamp) {
			deduped[n-1] = r
			continue
		}
		deduped = append(deduped, r)
	}

	if c.retention <= 0 || len(deduped) == 0 {
		return deduped
	}

	cutoff := deduped[len(deduped)-1].Timestamp.Add(-c.retention)
	first := sort.Search(len(deduped), func(i int) bool {
		return !deduped[i].Timestamp.Before(cutoff)
	})

	return append([]sensor.Reading(nil), deduped[first:]...)
}

func (c *Cache) Current(id sensor.Identity) (sensor.Reading, bool) {
	c.m.RLock()
	defer c.m.RUnlock()

	r, found := c.current[id]
	return r, found
}

// History returns the cached readings with from <= timestamp <= to, oldest first. A zero to is
// unbounded.
func (c *Cache) History(id sensor.Identity, from time.Time, to time.Time) []sensor.Reading {
	c.m.RLock()
	defer c.m.RUnlock()

	var window []sensor.Reading

	for _, r := range c.history[id] {
		if r.Timestamp.Before(from) {
			continue
		}

		if !to.IsZero() && r.Timestamp.After(to) {
			break
		}

		window = append(window, r)
	}

	return window
}

// Sensors lists every sensor with a current reading, in identity order.
func (c *Cache) Sensors() []sensor.Identity {
	c.m.RLock()
	defer c.m.RUnlock()

	ids := make([]sensor.Identity, 0, len(c.current))
	for id := range c.current {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool {
		return ids[i] < ids[j]
	})

	return ids
}

// Clear forgets a sensor, including its persisted reading.
func (c *Cache) Clear(id sensor.Identity) {
	c.m.Lock()
	defer c.m.Unlock()

	delete(c.current, id)
	delete(c.history, id)

	if c.section != nil {
		c.section.SectionDelete(string(id))
	}
}

// persist stores r as the sensor's current reading. Must be called with the lock held, so the
// stored reading is never older than the one in memory.
func (c *Cache) persist(id sensor.Identity, r sensor.Reading) {
	if c.section == nil {
		return
	}

	s := c.section.Section(string(id))
	converter.Store(s, TimestampKey, r.Timestamp, converter.TimeEncoder)
	s.Set(TemperatureFKey, r.TemperatureF)
	s.Set(HumidityPctKey, r.HumidityPct)
}

// Load restores current readings from the persistence section, seeding history with them. Readings
// already cached with a later timestamp are kept.
func (c *Cache) Load(ctx context.Context) int {
	if c.section == nil {
		return 0
	}

	ctx, end := c.logger.Segment(ctx, "Loading cached readings.")
	defer end()

	loaded := 0

	for _, key := range c.section.SectionKeys() {
		s := c.section.Section(key)

		ts, found := converter.Retrieve(s, TimestampKey, converter.TimeDecoder)
		if !found {
			c.logger.Warn(ctx, "Skipping persisted reading without timestamp.", logwrap.Datum("SensorID", key))
			continue
		}

		temperature, _ := s.Float(TemperatureFKey)
		humidity, _ := s.Float(HumidityPctKey)

		r := sensor.Reading{SensorID: sensor.Identity(key), Timestamp: ts, TemperatureF: temperature, HumidityPct: humidity}

		if c.update(r.SensorID, []sensor.Reading{r}) {
			loaded++
		}
	}

	c.logger.Info(ctx, "Loaded cached readings.", logwrap.Datum("Count", loaded))

	return loaded
}
