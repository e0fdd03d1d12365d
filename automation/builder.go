package automation

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/shimmeringbee/humidor/alert"
	"github.com/shimmeringbee/humidor/hub"
	"github.com/shimmeringbee/humidor/metrics"
	"github.com/shimmeringbee/humidor/sensor"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/logwrap/impl/discard"
	"golang.org/x/sync/semaphore"
	"sync"
	"time"
)

const (
	UnitMetadataKey       = "humidor.unit"
	AutomationMetadataKey = "humidor.automation"
	MetricMetadataKey     = "humidor.metric"
	BoundaryMetadataKey   = "humidor.boundary"
)

// Sentinel values written to a fault status characteristic when a trigger fires.
const (
	SentinelHigh = 1
	SentinelLow  = 2
)

const (
	DefaultTemperatureTolerance = 0.0
	DefaultHumidityTolerance    = 0.0
)

const removalRetries = 2
const rollbackTimeout = 30 * time.Second

// Raiser accepts alerts found by the immediate check after setup.
type Raiser interface {
	Raise(ctx context.Context, ev alert.Event) bool
}

// Humidor identifies a monitored unit and where its readings come from on the hub. Services are
// taken from Sensor's accessory unless given explicitly by id.
type Humidor struct {
	ID                   string
	DisplayName          string
	Sensor               sensor.Identity
	TemperatureServiceID string
	HumidityServiceID    string
}

func (h Humidor) label() string {
	if h.DisplayName != "" {
		return h.DisplayName
	}

	return h.ID
}

// Result describes a completed configuration.
type Result struct {
	AutomationID string
	Sensor       sensor.Identity
	Triggers     []string
	ActionSets   []string
	Removed      int
	Raised       []alert.Event
}

type Option func(*Builder)

func WithLogger(l logwrap.Logger) Option {
	return func(b *Builder) {
		b.logger = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Builder) {
		b.metrics = m
	}
}

// WithTemperatureTolerance widens temperature trigger boundaries, in degrees Fahrenheit.
func WithTemperatureTolerance(f float64) Option {
	return func(b *Builder) {
		b.temperatureTolerance = f
	}
}

// WithHumidityTolerance widens humidity trigger boundaries, in percentage points.
func WithHumidityTolerance(f float64) Option {
	return func(b *Builder) {
		b.humidityTolerance = f
	}
}

// WithLegacyNameCleanup also removes triggers without unit metadata whose name contains the unit's
// display name.
func WithLegacyNameCleanup() Option {
	return func(b *Builder) {
		b.legacyNameCleanup = true
	}
}

func NewBuilder(backend *hub.Backend, raiser Raiser, opts ...Option) *Builder {
	b := &Builder{
		backend:              backend,
		raiser:               raiser,
		logger:               logwrap.New(discard.Discard()),
		temperatureTolerance: DefaultTemperatureTolerance,
		humidityTolerance:    DefaultHumidityTolerance,
		locksLock:            &sync.Mutex{},
		locks:                map[string]*semaphore.Weighted{},
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Builder materialises threshold configurations as hub triggers and action sets. Calls for the same
// unit are serialised, every hub mutation within a call is issued in order.
type Builder struct {
	backend *hub.Backend
	raiser  Raiser
	logger  logwrap.Logger
	metrics *metrics.Metrics

	temperatureTolerance float64
	humidityTolerance    float64
	legacyNameCleanup    bool

	locksLock *sync.Mutex
	locks     map[string]*semaphore.Weighted
}

type boundary struct {
	metric     string
	edge       string
	kind       alert.Kind
	service    hub.Service
	sensor     sensor.Identity
	source     hub.Characteristic
	target     hub.Characteristic
	comparison hub.Comparison
	threshold  float64
	bound      float64
	sentinel   int

	triggerName   string
	actionSetName string
	actionSet     hub.ActionSet
}

func (bd boundary) passed(v float64) bool {
	if bd.comparison == hub.Above {
		return v > bd.bound
	}

	return v < bd.bound
}

type transaction struct {
	actionSets []hub.ActionSet
	triggers   []hub.Trigger
}

func triggerName(label string, metric string, edge string) string {
	return fmt.Sprintf("%s %s %s", label, metric, edge)
}

func actionSetName(label string, metric string, edge string) string {
	return triggerName(label, metric, edge) + " Action"
}

// plannedNames lists every trigger and action set name the builder could create for a unit.
func plannedNames(h Humidor) map[string]bool {
	names := map[string]bool{}

	for _, metric := range []string{"Temperature", "Humidity"} {
		for _, edge := range []string{"High", "Low"} {
			names[triggerName(h.label(), metric, edge)] = true
			names[actionSetName(h.label(), metric, edge)] = true
		}
	}

	return names
}

func (b *Builder) lock(ctx context.Context, id string) (func(), error) {
	b.locksLock.Lock()
	sem, found := b.locks[id]
	if !found {
		sem = semaphore.NewWeighted(1)
		b.locks[id] = sem
	}
	b.locksLock.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	return func() { sem.Release(1) }, nil
}

// ConfigureAutomation removes the unit's previous hub rules, then creates an action set, action and
// trigger per boundary and enables the triggers. Current values already past a boundary are raised
// immediately. Any failure removes what this call created and returns a SetupFailedError.
func (b *Builder) ConfigureAutomation(pctx context.Context, h Humidor, cfg alert.ThresholdConfig) (res Result, err error) {
	defer func() {
		b.metrics.AutomationRun(err)
	}()

	if h.ID == "" {
		return Result{}, failed(StepResolve, "humidor has no id", nil)
	}

	if cfg.HumidorID == "" {
		cfg.HumidorID = h.ID
	}

	if err := cfg.Validate(); err != nil {
		return Result{}, failed(StepResolve, "invalid thresholds", err)
	}

	unlock, err := b.lock(pctx, h.ID)
	if err != nil {
		return Result{}, failed(StepResolve, "waiting for unit", err)
	}
	defer unlock()

	ctx, end := b.logger.Segment(pctx, "Configuring hub automation.", logwrap.Datum("HumidorID", h.ID))
	defer end()

	home, err := b.backend.Home()
	if err != nil {
		return Result{}, failed(StepResolve, "hub home unavailable", err)
	}

	plan, err := b.plan(h, cfg)
	if err != nil {
		return Result{}, failed(StepResolve, "resolving hub services", err)
	}

	res.Removed, _ = b.cleanup(ctx, home, h)
	res.AutomationID = uuid.NewString()

	tx := &transaction{}

	raised, err := b.build(ctx, home, h, res.AutomationID, plan, tx)
	if err != nil {
		var sfe *SetupFailedError
		if !errors.As(err, &sfe) {
			sfe = failed(StepTriggers, "unexpected failure", err)
		}

		b.logger.Error(ctx, "Hub automation setup failed, rolling back.", logwrap.Datum("Step", string(sfe.Step)), logwrap.Err(err))
		sfe.LeftBehind = b.rollback(ctx, home, tx)
		sfe.Removed = res.Removed

		return Result{}, sfe
	}

	for _, bd := range plan {
		res.Triggers = append(res.Triggers, bd.triggerName)
		res.ActionSets = append(res.ActionSets, bd.actionSetName)
	}
	res.Raised = raised

	res.Sensor = h.Sensor
	if res.Sensor == "" && len(plan) > 0 {
		res.Sensor = plan[0].sensor
	}

	b.logger.Info(ctx, "Hub automation configured.", logwrap.Datum("AutomationID", res.AutomationID), logwrap.Datum("Triggers", len(res.Triggers)), logwrap.Datum("Removed", res.Removed))

	return res, nil
}

func (b *Builder) services(h Humidor) (hub.Service, hub.Service, error) {
	var temperature, humidity hub.Service
	var err error

	if h.TemperatureServiceID != "" {
		if temperature, err = b.backend.Service(h.TemperatureServiceID); err != nil {
			return nil, nil, err
		}
	}

	if h.HumidityServiceID != "" {
		if humidity, err = b.backend.Service(h.HumidityServiceID); err != nil {
			return nil, nil, err
		}
	}

	if h.Sensor != "" && (temperature == nil || humidity == nil) {
		t, rh, err := b.backend.SensorServices(h.Sensor)
		if err != nil {
			return nil, nil, err
		}

		if temperature == nil {
			temperature = t
		}

		if humidity == nil {
			humidity = rh
		}
	}

	if temperature == nil && humidity == nil {
		return nil, nil, fmt.Errorf("%w: no temperature or humidity service for %s", hub.ErrServiceNotFound, h.ID)
	}

	return temperature, humidity, nil
}

func (b *Builder) plan(h Humidor, cfg alert.ThresholdConfig) ([]boundary, error) {
	temperature, humidity, err := b.services(h)
	if err != nil {
		return nil, err
	}

	var plan []boundary

	add := func(s hub.Service, sourceType hub.CharacteristicType, metric string, high float64, low float64, toHub func(float64) float64, highKind alert.Kind, lowKind alert.Kind) error {
		source, err := hub.FindCharacteristic(s, sourceType)
		if err != nil {
			return err
		}

		target, err := hub.FindCharacteristic(s, hub.StatusFault)
		if err != nil {
			return err
		}

		owner, err := b.backend.ServiceSensor(s)
		if err != nil {
			return err
		}

		for _, bd := range []boundary{
			{edge: "High", kind: highKind, comparison: hub.Above, bound: high, sentinel: SentinelHigh},
			{edge: "Low", kind: lowKind, comparison: hub.Below, bound: low, sentinel: SentinelLow},
		} {
			bd.metric = metric
			bd.service = s
			bd.sensor = owner
			bd.source = source
			bd.target = target
			bd.threshold = toHub(bd.bound)
			bd.triggerName = triggerName(h.label(), metric, bd.edge)
			bd.actionSetName = actionSetName(h.label(), metric, bd.edge)
			plan = append(plan, bd)
		}

		return nil
	}

	identity := func(v float64) float64 { return v }

	if temperature != nil {
		if err := add(temperature, hub.CurrentTemperature, "Temperature", cfg.MaxTemp+b.temperatureTolerance, cfg.MinTemp-b.temperatureTolerance, sensor.ToCelsius, alert.TempHigh, alert.TempLow); err != nil {
			return nil, err
		}
	}

	if humidity != nil {
		if err := add(humidity, hub.CurrentRelativeHumidity, "Humidity", cfg.MaxHumidity+b.humidityTolerance, cfg.MinHumidity-b.humidityTolerance, identity, alert.HumidityHigh, alert.HumidityLow); err != nil {
			return nil, err
		}
	}

	return plan, nil
}

func (b *Builder) build(ctx context.Context, home hub.Home, h Humidor, automationID string, plan []boundary, tx *transaction) ([]alert.Event, error) {
	timeout := b.backend.Timeout()

	for i := range plan {
		name := plan[i].actionSetName

		as, err := hub.Await(ctx, timeout, func(cb func(hub.ActionSet, error)) {
			home.AddActionSet(name, cb)
		})
		b.metrics.HubCall("add_action_set", err)

		if err != nil {
			return nil, failed(StepActionSets, fmt.Sprintf("creating action set %q", name), err)
		}

		tx.actionSets = append(tx.actionSets, as)
		plan[i].actionSet = as
	}

	for _, bd := range plan {
		action := hub.Action{Characteristic: bd.target, TargetValue: bd.sentinel}

		err := hub.AwaitErr(ctx, timeout, func(cb func(error)) {
			bd.actionSet.AddAction(action, cb)
		})
		b.metrics.HubCall("add_action", err)

		if err != nil {
			return nil, failed(StepActions, fmt.Sprintf("adding action to %q", bd.actionSetName), err)
		}
	}

	for _, bd := range plan {
		spec := hub.TriggerSpec{
			Name: bd.triggerName,
			Metadata: map[string]string{
				UnitMetadataKey:       h.ID,
				AutomationMetadataKey: automationID,
				MetricMetadataKey:     bd.metric,
				BoundaryMetadataKey:   bd.edge,
			},
			Characteristic: bd.source,
			Comparison:     bd.comparison,
			Threshold:      bd.threshold,
			Predicate:      bd.comparison.Predicate(bd.threshold),
			ActionSets:     []hub.ActionSet{bd.actionSet},
		}

		t, err := hub.Await(ctx, timeout, func(cb func(hub.Trigger, error)) {
			home.AddTrigger(spec, cb)
		})
		b.metrics.HubCall("add_trigger", err)

		if err != nil {
			return nil, failed(StepTriggers, fmt.Sprintf("creating trigger %q", bd.triggerName), err)
		}

		tx.triggers = append(tx.triggers, t)
	}

	for _, t := range tx.triggers {
		err := hub.AwaitErr(ctx, timeout, func(cb func(error)) {
			t.Enable(true, cb)
		})
		b.metrics.HubCall("enable_trigger", err)

		if err != nil {
			return nil, failed(StepEnable, fmt.Sprintf("enabling trigger %q", t.Name()), err)
		}
	}

	return b.immediateCheck(ctx, h, plan)
}

// immediateCheck reads each monitored metric once and raises alerts for values already past a
// boundary, as the hub only fires on a crossing.
func (b *Builder) immediateCheck(ctx context.Context, h Humidor, plan []boundary) ([]alert.Event, error) {
	values := map[string]float64{}
	var raised []alert.Event

	for _, bd := range plan {
		v, found := values[bd.metric]

		if !found {
			var err error

			if bd.metric == "Temperature" {
				v, err = b.backend.ReadTemperature(ctx, bd.service)
			} else {
				v, err = b.backend.ReadHumidity(ctx, bd.service)
			}

			if err != nil {
				return nil, failed(StepImmediateCheck, fmt.Sprintf("reading current %s", bd.metric), err)
			}

			values[bd.metric] = v
		}

		if !bd.passed(v) {
			continue
		}

		ev := alert.Event{Kind: bd.kind, Backend: sensor.Hub, SensorID: bd.sensor, HumidorID: h.ID, Value: v, Timestamp: time.Now()}
		raised = append(raised, ev)

		if b.raiser != nil {
			b.raiser.Raise(ctx, ev)
		}
	}

	return raised, nil
}

// rollback removes every object created by a failed call, returning the names of any it could not.
// It runs even if ctx has been cancelled.
func (b *Builder) rollback(pctx context.Context, home hub.Home, tx *transaction) []string {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(pctx), rollbackTimeout)
	defer cancel()

	var leftBehind []string

	for i := len(tx.triggers) - 1; i >= 0; i-- {
		t := tx.triggers[i]

		if err := b.remove(ctx, "remove_trigger", func(cb func(error)) { home.RemoveTrigger(t, cb) }); err != nil {
			b.logger.Error(ctx, "Failed to roll back trigger.", logwrap.Datum("Trigger", t.Name()), logwrap.Err(err))
			leftBehind = append(leftBehind, "trigger "+t.Name())
		}
	}

	for i := len(tx.actionSets) - 1; i >= 0; i-- {
		as := tx.actionSets[i]

		if err := b.remove(ctx, "remove_action_set", func(cb func(error)) { home.RemoveActionSet(as, cb) }); err != nil {
			b.logger.Error(ctx, "Failed to roll back action set.", logwrap.Datum("ActionSet", as.Name()), logwrap.Err(err))
			leftBehind = append(leftBehind, "action set "+as.Name())
		}
	}

	return leftBehind
}
