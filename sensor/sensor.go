package sensor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind identifies which backend a sensor is reached through.
type Kind int

const (
	Hub Kind = iota
	Cloud
)

func (k Kind) String() string {
	switch k {
	case Hub:
		return "hub"
	case Cloud:
		return "cloud"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "hub":
		return Hub, nil
	case "cloud":
		return Cloud, nil
	default:
		return 0, fmt.Errorf("unknown sensor kind: %q", s)
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}

	*k = parsed
	return nil
}

// Identity is opaque and only unique within a backend Kind.
type Identity string

// Ref addresses a sensor across backends.
type Ref struct {
	Kind Kind
	ID   Identity
}

func (r Ref) String() string {
	return r.Kind.String() + "/" + string(r.ID)
}

var ErrNoReadings = errors.New("sensor returned no readings")
var ErrUnknownSensor = errors.New("unknown sensor")

// Reading is a single observation. Temperature is always Fahrenheit.
type Reading struct {
	SensorID     Identity
	Timestamp    time.Time
	TemperatureF float64
	HumidityPct  float64
}

type Descriptor struct {
	ID             Identity
	DisplayName    string
	Kind           Kind
	BatteryVoltage *float64
	SignalStrength *int
	Active         bool
}

func (d Descriptor) Ref() Ref {
	return Ref{Kind: d.Kind, ID: d.ID}
}

// Backend is implemented once per sensor source. Kind is the tag callers dispatch on.
type Backend interface {
	Kind() Kind
	ListSensors(ctx context.Context) ([]Descriptor, error)
	// FetchCurrentReading performs a single round trip for the newest reading.
	FetchCurrentReading(ctx context.Context, id Identity) (Reading, error)
	// FetchHistoricalReadings returns readings ordered oldest first. Backends without history may
	// return a single current reading.
	FetchHistoricalReadings(ctx context.Context, id Identity, from time.Time, to time.Time) ([]Reading, error)
}

// Sensor is the capability surface offered to consumers for one physical sensor.
type Sensor interface {
	Identity() Identity
	DisplayName() string
	Kind() Kind
	LastReadingTime() time.Time
	Temperature() float64
	Humidity() float64
	FetchCurrentReading(ctx context.Context) (Reading, error)
	FetchHistoricalReadings(ctx context.Context, from time.Time, to time.Time) ([]Reading, error)
}

func ToFahrenheit(c float64) float64 {
	return c*9/5 + 32
}

func ToCelsius(f float64) float64 {
	return (f - 32) * 5 / 9
}
