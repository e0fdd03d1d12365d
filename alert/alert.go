package alert

import (
	"errors"
	"fmt"
	"github.com/shimmeringbee/humidor/sensor"
	"time"
)

type Kind int

const (
	TempLow Kind = iota
	TempHigh
	HumidityLow
	HumidityHigh
)

func (k Kind) String() string {
	switch k {
	case TempLow:
		return "TempLow"
	case TempHigh:
		return "TempHigh"
	case HumidityLow:
		return "HumidityLow"
	case HumidityHigh:
		return "HumidityHigh"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ParseKind is the inverse of Kind.String for the four known kinds.
func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{TempLow, TempHigh, HumidityLow, HumidityHigh} {
		if k.String() == s {
			return k, nil
		}
	}

	return 0, fmt.Errorf("unknown alert kind: %q", s)
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}

	*k = parsed
	return nil
}

var ErrInvalidThresholds = errors.New("invalid threshold configuration")

// ThresholdConfig bounds one monitored unit. Temperatures are Fahrenheit, humidity is a percentage.
type ThresholdConfig struct {
	HumidorID   string  `json:"humidorId"`
	MinTemp     float64 `json:"minTemp"`
	MaxTemp     float64 `json:"maxTemp"`
	MinHumidity float64 `json:"minHumidity"`
	MaxHumidity float64 `json:"maxHumidity"`
}

func (c ThresholdConfig) Validate() error {
	switch {
	case c.HumidorID == "":
		return fmt.Errorf("%w: missing humidor id", ErrInvalidThresholds)
	case c.MinTemp > c.MaxTemp:
		return fmt.Errorf("%w: minimum temperature %g above maximum %g", ErrInvalidThresholds, c.MinTemp, c.MaxTemp)
	case c.MinHumidity > c.MaxHumidity:
		return fmt.Errorf("%w: minimum humidity %g above maximum %g", ErrInvalidThresholds, c.MinHumidity, c.MaxHumidity)
	case c.MinHumidity < 0 || c.MaxHumidity > 100:
		return fmt.Errorf("%w: humidity bounds must be within 0 to 100", ErrInvalidThresholds)
	}

	return nil
}

// Event is raised when a reading is beyond a threshold. SensorID is only unique within Backend.
type Event struct {
	Kind      Kind            `json:"kind"`
	Backend   sensor.Kind     `json:"backend"`
	SensorID  sensor.Identity `json:"sensorId"`
	HumidorID string          `json:"humidorId"`
	Value     float64         `json:"value"`
	Timestamp time.Time       `json:"timestamp"`
}

func (ev Event) Sensor() sensor.Ref {
	return sensor.Ref{Kind: ev.Backend, ID: ev.SensorID}
}

// Cleared is emitted when a previously raised condition no longer holds.
type Cleared struct {
	Kind      Kind            `json:"kind"`
	Backend   sensor.Kind     `json:"backend"`
	SensorID  sensor.Identity `json:"sensorId"`
	HumidorID string          `json:"humidorId"`
	Timestamp time.Time       `json:"timestamp"`
}

func (c Cleared) Sensor() sensor.Ref {
	return sensor.Ref{Kind: c.Backend, ID: c.SensorID}
}

// Evaluate checks the four conditions independently, each holding condition yields one event.
// Boundaries are exclusive, a reading equal to a bound is within range. Nothing is de-duplicated.
func Evaluate(ref sensor.Ref, r sensor.Reading, cfg ThresholdConfig) []Event {
	var events []Event

	add := func(k Kind, v float64) {
		events = append(events, Event{Kind: k, Backend: ref.Kind, SensorID: ref.ID, HumidorID: cfg.HumidorID, Value: v, Timestamp: r.Timestamp})
	}

	if r.TemperatureF < cfg.MinTemp {
		add(TempLow, r.TemperatureF)
	}

	if r.TemperatureF > cfg.MaxTemp {
		add(TempHigh, r.TemperatureF)
	}

	if r.HumidityPct < cfg.MinHumidity {
		add(HumidityLow, r.HumidityPct)
	}

	if r.HumidityPct > cfg.MaxHumidity {
		add(HumidityHigh, r.HumidityPct)
	}

	return events
}
