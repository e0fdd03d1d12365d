package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/shimmeringbee/humidor/sensor"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/logwrap/impl/discard"
	"sort"
	"time"
)

const DefaultHistoryLimit = 1000
const currentReadingLookback = 5 * time.Minute

var _ sensor.Backend = (*Client)(nil)

type ClientOption func(*Client)

func WithClientLogger(l logwrap.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// WithHistoryLimit caps the number of samples requested for a historical range.
func WithHistoryLimit(n int) ClientOption {
	return func(c *Client) {
		c.historyLimit = n
	}
}

// NewClient implements the sensor capability backend over an authenticated Session.
func NewClient(s *Session, opts ...ClientOption) *Client {
	c := &Client{
		session:      s,
		logger:       logwrap.New(discard.Discard()),
		historyLimit: DefaultHistoryLimit,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

type Client struct {
	session      *Session
	logger       logwrap.Logger
	historyLimit int
}

func (c *Client) Kind() sensor.Kind {
	return sensor.Cloud
}

type sensorDetail struct {
	ID             string   `json:"id"`
	DeviceID       string   `json:"deviceId"`
	Name           string   `json:"name"`
	Active         bool     `json:"active"`
	BatteryVoltage *float64 `json:"battery_voltage"`
	RSSI           *int     `json:"rssi"`
}

func (c *Client) ListSensors(ctx context.Context) ([]sensor.Descriptor, error) {
	payload, err := c.session.post(ctx, sensorsPath, struct{}{}, true)
	if err != nil {
		return nil, err
	}

	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: sensors: body is not json", ErrInvalidResponse)
	}

	var details map[string]sensorDetail
	if err := json.Unmarshal(payload, &details); err != nil {
		return nil, &DecodingError{Detail: "sensor listing", Err: err}
	}

	descriptors := make([]sensor.Descriptor, 0, len(details))

	for key, detail := range details {
		id := key
		if id == "" {
			id = detail.ID
		}

		name := detail.Name
		if name == "" {
			name = id
		}

		descriptors = append(descriptors, sensor.Descriptor{
			ID:             sensor.Identity(id),
			DisplayName:    name,
			Kind:           sensor.Cloud,
			BatteryVoltage: detail.BatteryVoltage,
			SignalStrength: detail.RSSI,
			Active:         detail.Active,
		})
	}

	sort.Slice(descriptors, func(i, j int) bool {
		if descriptors[i].DisplayName != descriptors[j].DisplayName {
			return descriptors[i].DisplayName < descriptors[j].DisplayName
		}
		return descriptors[i].ID < descriptors[j].ID
	})

	return descriptors, nil
}

type samplesRequest struct {
	Limit     int      `json:"limit"`
	Sensors   []string `json:"sensors,omitempty"`
	StartTime string   `json:"startTime,omitempty"`
}

type sample struct {
	Observed    string  `json:"observed"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
}

type samplesResponse struct {
	Sensors   map[string][]sample `json:"sensors"`
	LastTime  string              `json:"last_time"`
	Truncated bool                `json:"truncated"`
}

// FetchSamples returns up to limit samples for a sensor observed at or after from, oldest first.
// The API reports temperature in Fahrenheit already.
func (c *Client) FetchSamples(ctx context.Context, id sensor.Identity, from time.Time, limit int) ([]sensor.Reading, error) {
	req := samplesRequest{Limit: limit, Sensors: []string{string(id)}}
	if !from.IsZero() {
		req.StartTime = from.UTC().Format(time.RFC3339)
	}

	payload, err := c.session.post(ctx, samplesPath, req, true)
	if err != nil {
		return nil, err
	}

	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: samples: body is not json", ErrInvalidResponse)
	}

	var sr samplesResponse
	if err := json.Unmarshal(payload, &sr); err != nil {
		return nil, &DecodingError{Detail: "samples", Err: err}
	}

	series := sr.Sensors[string(id)]
	readings := make([]sensor.Reading, 0, len(series))

	for _, s := range series {
		observed, err := time.Parse(time.RFC3339, s.Observed)
		if err != nil {
			return nil, &DecodingError{Detail: fmt.Sprintf("sample observed time %q", s.Observed), Err: err}
		}

		readings = append(readings, sensor.Reading{
			SensorID:     id,
			Timestamp:    observed,
			TemperatureF: s.Temperature,
			HumidityPct:  s.Humidity,
		})
	}

	sort.SliceStable(readings, func(i, j int) bool {
		return readings[i].Timestamp.Before(readings[j].Timestamp)
	})

	if sr.Truncated {
		c.logger.Info(ctx, "Cloud sample response was truncated.", logwrap.Datum("SensorID", string(id)), logwrap.Datum("Limit", limit))
	}

	return readings, nil
}

func (c *Client) FetchCurrentReading(ctx context.Context, id sensor.Identity) (sensor.Reading, error) {
	readings, err := c.FetchSamples(ctx, id, time.Now().Add(-currentReadingLookback), 1)
	if err != nil {
		return sensor.Reading{}, err
	}

	if len(readings) == 0 {
		return sensor.Reading{}, fmt.Errorf("%w: %s", sensor.ErrNoReadings, id)
	}

	return readings[len(readings)-1], nil
}

func (c *Client) FetchHistoricalReadings(ctx context.Context, id sensor.Identity, from time.Time, to time.Time) ([]sensor.Reading, error) {
	readings, err := c.FetchSamples(ctx, id, from, c.historyLimit)
	if err != nil {
		return nil, err
	}

	bounded := readings[:0]
	for _, r := range readings {
		if !to.IsZero() && r.Timestamp.After(to) {
			continue
		}
		bounded = append(bounded, r)
	}

	return bounded, nil
}
