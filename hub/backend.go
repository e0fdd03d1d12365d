package hub

import (
	"context"
	"fmt"
	"github.com/shimmeringbee/da"
	"github.com/shimmeringbee/da/capabilities"
	"github.com/shimmeringbee/humidor/metrics"
	"github.com/shimmeringbee/humidor/sensor"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/logwrap/impl/discard"
	"sort"
	"time"
)

var _ sensor.Backend = (*Backend)(nil)

type Option func(*Backend)

// WithHomeName selects a home by name, otherwise the first home the manager reports is used.
func WithHomeName(n string) Option {
	return func(b *Backend) {
		b.homeName = n
	}
}

// WithCallTimeout bounds every bridged hub call.
func WithCallTimeout(d time.Duration) Option {
	return func(b *Backend) {
		b.timeout = d
	}
}

func WithLogger(l logwrap.Logger) Option {
	return func(b *Backend) {
		b.logger = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Backend) {
		b.metrics = m
	}
}

func NewBackend(m Manager, opts ...Option) *Backend {
	b := &Backend{
		manager: m,
		timeout: DefaultCallTimeout,
		logger:  logwrap.New(discard.Discard()),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Backend exposes hub accessories as sensors. A sensor's identity is its accessory identifier,
// hub temperatures are converted from Celsius on the way out.
type Backend struct {
	manager  Manager
	homeName string
	timeout  time.Duration
	logger   logwrap.Logger
	metrics  *metrics.Metrics
}

func (b *Backend) Kind() sensor.Kind {
	return sensor.Hub
}

func (b *Backend) Timeout() time.Duration {
	return b.timeout
}

// Home resolves the configured home, failing if the hub refused authorization.
func (b *Backend) Home() (Home, error) {
	if b.manager.AuthorizationStatus() == AuthorizationDenied {
		return nil, ErrAuthorizationDenied
	}

	homes := b.manager.Homes()

	for _, h := range homes {
		if b.homeName == "" || h.Name() == b.homeName {
			return h, nil
		}
	}

	if b.homeName != "" {
		return nil, fmt.Errorf("%w: %q", ErrHomeNotFound, b.homeName)
	}

	return nil, ErrHomeNotFound
}

// TemperatureServices lists every service providing temperature, across all accessories.
func (b *Backend) TemperatureServices() ([]Service, error) {
	return b.servicesWith(capabilities.TemperatureSensorFlag)
}

// HumidityServices lists every service providing relative humidity, across all accessories.
func (b *Backend) HumidityServices() ([]Service, error) {
	return b.servicesWith(capabilities.RelativeHumiditySensorFlag)
}

func (b *Backend) servicesWith(c da.Capability) ([]Service, error) {
	h, err := b.Home()
	if err != nil {
		return nil, err
	}

	var found []Service

	for _, a := range h.Accessories() {
		for _, s := range a.Services() {
			if s.Capability() == c {
				found = append(found, s)
			}
		}
	}

	return found, nil
}

// Service finds a service by its identifier.
func (b *Backend) Service(id string) (Service, error) {
	h, err := b.Home()
	if err != nil {
		return nil, err
	}

	for _, a := range h.Accessories() {
		for _, s := range a.Services() {
			if s.Identifier() == id {
				return s, nil
			}
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, id)
}

func (b *Backend) accessory(id sensor.Identity) (Accessory, error) {
	h, err := b.Home()
	if err != nil {
		return nil, err
	}

	for _, a := range h.Accessories() {
		if a.Identifier() == string(id) {
			return a, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", sensor.ErrUnknownSensor, id)
}

// ServiceSensor returns the identity of the accessory that owns the service.
func (b *Backend) ServiceSensor(s Service) (sensor.Identity, error) {
	h, err := b.Home()
	if err != nil {
		return "", err
	}

	for _, a := range h.Accessories() {
		for _, candidate := range a.Services() {
			if candidate.Identifier() == s.Identifier() {
				return sensor.Identity(a.Identifier()), nil
			}
		}
	}

	return "", fmt.Errorf("%w: %s", ErrServiceNotFound, s.Identifier())
}

// SensorServices returns the temperature and humidity services of a sensor, either may be nil.
func (b *Backend) SensorServices(id sensor.Identity) (Service, Service, error) {
	a, err := b.accessory(id)
	if err != nil {
		return nil, nil, err
	}

	return serviceOn(a, capabilities.TemperatureSensorFlag), serviceOn(a, capabilities.RelativeHumiditySensorFlag), nil
}

func serviceOn(a Accessory, c da.Capability) Service {
	for _, s := range a.Services() {
		if s.Capability() == c {
			return s
		}
	}

	return nil
}

func (b *Backend) ListSensors(ctx context.Context) ([]sensor.Descriptor, error) {
	h, err := b.Home()
	if err != nil {
		b.logger.Warn(ctx, "Unable to resolve hub home while listing sensors.", logwrap.Err(err))
		return nil, err
	}

	var descriptors []sensor.Descriptor

	for _, a := range h.Accessories() {
		temperature := serviceOn(a, capabilities.TemperatureSensorFlag)
		humidity := serviceOn(a, capabilities.RelativeHumiditySensorFlag)

		if temperature == nil && humidity == nil {
			continue
		}

		descriptors = append(descriptors, sensor.Descriptor{
			ID:          sensor.Identity(a.Identifier()),
			DisplayName: a.Name(),
			Kind:        sensor.Hub,
			Active:      a.Reachable() && temperature != nil && humidity != nil,
		})
	}

	sort.SliceStable(descriptors, func(i, j int) bool {
		return descriptors[i].DisplayName < descriptors[j].DisplayName
	})

	return descriptors, nil
}

// ReadCharacteristic reads a characteristic through the await bridge, returning it as a float.
func (b *Backend) ReadCharacteristic(ctx context.Context, c Characteristic) (float64, error) {
	v, err := Await(ctx, b.timeout, func(cb func(any, error)) {
		c.ReadValue(cb)
	})
	b.metrics.HubCall("read", err)

	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", c.Type(), err)
	}

	f, ok := asFloat(v)
	if !ok {
		return 0, fmt.Errorf("%w: %s returned %T", ErrUnexpectedValue, c.Type(), v)
	}

	return f, nil
}

// ReadTemperature reads a temperature service, in Fahrenheit.
func (b *Backend) ReadTemperature(ctx context.Context, s Service) (float64, error) {
	c, err := FindCharacteristic(s, CurrentTemperature)
	if err != nil {
		return 0, err
	}

	celsius, err := b.ReadCharacteristic(ctx, c)
	if err != nil {
		return 0, err
	}

	return sensor.ToFahrenheit(celsius), nil
}

func (b *Backend) ReadHumidity(ctx context.Context, s Service) (float64, error) {
	c, err := FindCharacteristic(s, CurrentRelativeHumidity)
	if err != nil {
		return 0, err
	}

	return b.ReadCharacteristic(ctx, c)
}

func (b *Backend) FetchCurrentReading(pctx context.Context, id sensor.Identity) (sensor.Reading, error) {
	ctx, end := b.logger.Segment(pctx, "Reading hub sensor.", logwrap.Datum("SensorID", string(id)))
	defer end()

	a, err := b.accessory(id)
	if err != nil {
		return sensor.Reading{}, err
	}

	r := sensor.Reading{SensorID: id}

	temperature := serviceOn(a, capabilities.TemperatureSensorFlag)
	if temperature == nil {
		return sensor.Reading{}, fmt.Errorf("%w: accessory %s has no temperature service", ErrCharacteristicNotFound, id)
	}

	if r.TemperatureF, err = b.ReadTemperature(ctx, temperature); err != nil {
		b.logger.Warn(ctx, "Failed to read hub temperature.", logwrap.Err(err))
		return sensor.Reading{}, err
	}

	humidity := serviceOn(a, capabilities.RelativeHumiditySensorFlag)
	if humidity == nil {
		return sensor.Reading{}, fmt.Errorf("%w: accessory %s has no humidity service", ErrCharacteristicNotFound, id)
	}

	if r.HumidityPct, err = b.ReadHumidity(ctx, humidity); err != nil {
		b.logger.Warn(ctx, "Failed to read hub humidity.", logwrap.Err(err))
		return sensor.Reading{}, err
	}

	r.Timestamp = time.Now()

	return r, nil
}

// FetchHistoricalReadings returns only the current reading, the hub keeps no history.
func (b *Backend) FetchHistoricalReadings(ctx context.Context, id sensor.Identity, _ time.Time, _ time.Time) ([]sensor.Reading, error) {
	r, err := b.FetchCurrentReading(ctx, id)
	if err != nil {
		return nil, err
	}

	return []sensor.Reading{r}, nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
