package alert

import (
	"context"
	"github.com/shimmeringbee/callbacks"
	"github.com/shimmeringbee/humidor/metrics"
	"github.com/shimmeringbee/humidor/sensor"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/logwrap/impl/discard"
	"sort"
	"sync"
	"time"
)

type Option func(*Engine)

func WithLogger(l logwrap.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		logger:    logwrap.New(discard.Discard()),
		callbacks: callbacks.Create(),
		m:         &sync.Mutex{},
		open:      map[key]Event{},
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

type key struct {
	humidorID string
	sensor    sensor.Ref
	kind      Kind
}

func keyOf(ev Event) key {
	return key{humidorID: ev.HumidorID, sensor: ev.Sensor(), kind: ev.Kind}
}

// Engine de-duplicates alerts per humidor, sensor and kind: an event is raised once, and again only
// after its condition has cleared for that humidor. Subscribers added with Add receive Event and
// Cleared values.
type Engine struct {
	logger    logwrap.Logger
	metrics   *metrics.Metrics
	callbacks *callbacks.Callbacks

	m    *sync.Mutex
	open map[key]Event
}

// Add subscribes f, a func(context.Context, Event) error or func(context.Context, Cleared) error.
func (e *Engine) Add(f any) {
	e.callbacks.Add(f)
}

// Check evaluates r from the referenced sensor against cfg, returning only the events that were not
// already open. Open conditions raised for the same humidor and sensor that no longer hold are cleared.
func (e *Engine) Check(ctx context.Context, ref sensor.Ref, r sensor.Reading, cfg ThresholdConfig) []Event {
	current := Evaluate(ref, r, cfg)

	holding := map[Kind]bool{}
	for _, ev := range current {
		holding[ev.Kind] = true
	}

	var raised []Event
	var cleared []Cleared

	e.m.Lock()

	for _, ev := range current {
		k := keyOf(ev)
		if _, found := e.open[k]; found {
			continue
		}

		e.open[k] = ev
		raised = append(raised, ev)
	}

	for k := range e.open {
		if k.humidorID != cfg.HumidorID || k.sensor != ref || holding[k.kind] {
			continue
		}

		delete(e.open, k)
		cleared = append(cleared, Cleared{Kind: k.kind, Backend: ref.Kind, SensorID: ref.ID, HumidorID: k.humidorID, Timestamp: r.Timestamp})
	}

	e.m.Unlock()

	sort.Slice(cleared, func(i, j int) bool {
		return cleared[i].Kind < cleared[j].Kind
	})

	for _, c := range cleared {
		e.logger.Info(ctx, "Alert condition cleared.", logwrap.Datum("Kind", c.Kind.String()), logwrap.Datum("Sensor", c.Sensor().String()), logwrap.Datum("HumidorID", c.HumidorID))
		e.callbacks.Call(ctx, c)
	}

	for _, ev := range raised {
		e.emit(ctx, ev)
	}

	return raised
}

// Raise opens a single event unless one of the same kind is already open for the humidor and
// sensor. It reports whether the event was raised.
func (e *Engine) Raise(ctx context.Context, ev Event) bool {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	k := keyOf(ev)

	e.m.Lock()
	_, found := e.open[k]
	if !found {
		e.open[k] = ev
	}
	e.m.Unlock()

	if found {
		return false
	}

	e.emit(ctx, ev)
	return true
}

func (e *Engine) emit(ctx context.Context, ev Event) {
	e.metrics.AlertRaised(ev.Kind.String())
	e.logger.Warn(ctx, "Alert raised.", logwrap.Datum("Kind", ev.Kind.String()), logwrap.Datum("Sensor", ev.Sensor().String()), logwrap.Datum("HumidorID", ev.HumidorID), logwrap.Datum("Value", ev.Value))
	e.callbacks.Call(ctx, ev)
}

// Open lists the currently open events, ordered by sensor, humidor then kind.
func (e *Engine) Open() []Event {
	e.m.Lock()
	defer e.m.Unlock()

	events := make([]Event, 0, len(e.open))
	for _, ev := range e.open {
		events = append(events, ev)
	}

	sort.Slice(events, func(i, j int) bool {
		a, b := events[i], events[j]

		switch {
		case a.Backend != b.Backend:
			return a.Backend < b.Backend
		case a.SensorID != b.SensorID:
			return a.SensorID < b.SensorID
		case a.HumidorID != b.HumidorID:
			return a.HumidorID < b.HumidorID
		default:
			return a.Kind < b.Kind
		}
	})

	return events
}

// Forget drops any open events for a sensor without emitting Cleared.
func (e *Engine) Forget(ref sensor.Ref) {
	e.m.Lock()
	defer e.m.Unlock()

	for k := range e.open {
		if k.sensor == ref {
			delete(e.open, k)
		}
	}
}
