// Package influx mirrors readings into an InfluxDB bucket.
package influx

import (
	"context"
	"errors"
	"fmt"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/shimmeringbee/humidor/sensor"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/logwrap/impl/discard"
)

const DefaultMeasurement = "humidor_reading"

var ErrIncompleteConfig = errors.New("influx config incomplete")

// PointWriter is satisfied by the client's blocking write API.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Connect creates a client and a sink writing through its blocking API. The caller closes the
// client.
func Connect(cfg Config, opts ...Option) (*Sink, influxdb2.Client, error) {
	if cfg.URL == "" || cfg.Token == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, nil, ErrIncompleteConfig
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	return New(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), opts...), client, nil
}

type Option func(*Sink)

func WithMeasurement(m string) Option {
	return func(s *Sink) {
		s.measurement = m
	}
}

func WithLogger(l logwrap.Logger) Option {
	return func(s *Sink) {
		s.logger = l
	}
}

func New(w PointWriter, opts ...Option) *Sink {
	s := &Sink{w: w, measurement: DefaultMeasurement, logger: logwrap.New(discard.Discard())}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

type Sink struct {
	w           PointWriter
	measurement string
	logger      logwrap.Logger
}

func (s *Sink) Point(ref sensor.Ref, r sensor.Reading) *write.Point {
	tags := map[string]string{
		"sensor_id": string(ref.ID),
		"backend":   ref.Kind.String(),
	}

	fields := map[string]interface{}{
		"temperature_f": r.TemperatureF,
		"humidity_pct":  r.HumidityPct,
	}

	return influxdb2.NewPoint(s.measurement, tags, fields, r.Timestamp)
}

// Write stores readings as one point each, in a single request.
func (s *Sink) Write(ctx context.Context, ref sensor.Ref, readings []sensor.Reading) error {
	if len(readings) == 0 {
		return nil
	}

	points := make([]*write.Point, 0, len(readings))
	for _, r := range readings {
		points = append(points, s.Point(ref, r))
	}

	if err := s.w.WritePoint(ctx, points...); err != nil {
		s.logger.Warn(ctx, "Failed to write readings to influx.", logwrap.Datum("Sensor", ref.String()), logwrap.Datum("Count", len(points)), logwrap.Err(err))
		return fmt.Errorf("writing %d readings for %s: %w", len(points), ref, err)
	}

	return nil
}
