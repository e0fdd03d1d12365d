package humidor

import (
	"context"
	"errors"
	"github.com/shimmeringbee/da/capabilities"
	"github.com/shimmeringbee/humidor/alert"
	"github.com/shimmeringbee/humidor/automation"
	"github.com/shimmeringbee/humidor/hub"
	"github.com/shimmeringbee/humidor/hub/memory"
	"github.com/shimmeringbee/humidor/sensor"
	pmemory "github.com/shimmeringbee/persistence/impl/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
	"time"
)

var thresholds = alert.ThresholdConfig{HumidorID: "desk", MinTemp: 65, MaxTemp: 72, MinHumidity: 62, MaxHumidity: 72}

var deskSensor = sensor.Ref{Kind: sensor.Hub, ID: "acc-1"}
var cellarSensor = sensor.Ref{Kind: sensor.Cloud, ID: "1001.22"}

type mockSink struct {
	mock.Mock
}

func (m *mockSink) Write(ctx context.Context, ref sensor.Ref, readings []sensor.Reading) error {
	args := m.Called(ctx, ref, readings)
	return args.Error(0)
}

func newCloudMock() *sensor.MockBackend {
	b := &sensor.MockBackend{}
	b.On("Kind").Return(sensor.Cloud).Maybe()
	return b
}

func newHub(celsius float64, humidity float64) (*memory.Home, *memory.Accessory, *hub.Backend) {
	m := memory.NewManager()
	h := m.AddHome("Home")
	a := h.AddSensorAccessory("acc-1", "Desk Sensor", celsius, humidity)

	return h, a, hub.NewBackend(m, hub.WithCallTimeout(time.Second))
}

func TestService_Sensors(t *testing.T) {
	t.Run("lists sensors from every backend ordered by kind", func(t *testing.T) {
		cloudBackend := newCloudMock()
		defer cloudBackend.AssertExpectations(t)

		cloudBackend.On("ListSensors", mock.Anything).Return([]sensor.Descriptor{{ID: "1001.22", DisplayName: "Cellar", Kind: sensor.Cloud, Active: true}}, nil)

		_, _, hb := newHub(20, 68)
		s := New(WithHub(hb), WithBackend(cloudBackend))

		sensors, err := s.Sensors(context.Background())
		require.NoError(t, err)
		require.Len(t, sensors, 2)

		assert.Equal(t, deskSensor, sensors[0].Ref())
		assert.Equal(t, cellarSensor, sensors[1].Ref())

		refs, err := s.SensorRefs(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []sensor.Ref{deskSensor, cellarSensor}, refs)
	})

	t.Run("skips a failing backend when another succeeds", func(t *testing.T) {
		cloudBackend := newCloudMock()
		defer cloudBackend.AssertExpectations(t)

		cloudBackend.On("ListSensors", mock.Anything).Return([]sensor.Descriptor(nil), errors.New("offline"))

		_, _, hb := newHub(20, 68)
		s := New(WithHub(hb), WithBackend(cloudBackend))

		sensors, err := s.Sensors(context.Background())
		require.NoError(t, err)
		require.Len(t, sensors, 1)
		assert.Equal(t, deskSensor, sensors[0].Ref())
	})

	t.Run("fails when every backend fails", func(t *testing.T) {
		cloudBackend := newCloudMock()
		defer cloudBackend.AssertExpectations(t)

		expected := errors.New("offline")
		cloudBackend.On("ListSensors", mock.Anything).Return([]sensor.Descriptor(nil), expected)

		s := New(WithBackend(cloudBackend))

		_, err := s.Sensors(context.Background())
		assert.ErrorIs(t, err, ErrAllBackendsFailed)
		assert.ErrorIs(t, err, expected)
	})
}

func TestService_Readings(t *testing.T) {
	t.Run("records the latest reading in the cache and sinks", func(t *testing.T) {
		cloudBackend := newCloudMock()
		defer cloudBackend.AssertExpectations(t)

		r := sensor.Reading{SensorID: "1001.22", Timestamp: time.Now(), TemperatureF: 68, HumidityPct: 69}
		cloudBackend.On("FetchCurrentReading", mock.Anything, sensor.Identity("1001.22")).Return(r, nil)

		sink := &mockSink{}
		defer sink.AssertExpectations(t)
		sink.On("Write", mock.Anything, cellarSensor, []sensor.Reading{r}).Return(nil)

		s := New(WithBackend(cloudBackend), WithSink(sink))

		got, err := s.LatestReading(context.Background(), cellarSensor)
		require.NoError(t, err)
		assert.Equal(t, r, got)

		current, found := s.Current(cellarSensor)
		assert.True(t, found)
		assert.Equal(t, r, current)
	})

	t.Run("keeps the reading when a sink fails", func(t *testing.T) {
		cloudBackend := newCloudMock()
		defer cloudBackend.AssertExpectations(t)

		r := sensor.Reading{SensorID: "1001.22", Timestamp: time.Now(), TemperatureF: 68, HumidityPct: 69}
		cloudBackend.On("FetchCurrentReading", mock.Anything, sensor.Identity("1001.22")).Return(r, nil)

		sink := &mockSink{}
		defer sink.AssertExpectations(t)
		sink.On("Write", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("bucket missing"))

		s := New(WithBackend(cloudBackend), WithSink(sink))

		_, err := s.LatestReading(context.Background(), cellarSensor)
		require.NoError(t, err)

		_, found := s.Current(cellarSensor)
		assert.True(t, found)
	})

	t.Run("rejects kinds without a backend", func(t *testing.T) {
		s := New()

		_, err := s.LatestReading(context.Background(), cellarSensor)
		assert.ErrorIs(t, err, ErrUnknownBackend)

		_, err = s.History(cellarSensor, time.Hour)
		assert.ErrorIs(t, err, ErrUnknownBackend)
	})

	t.Run("refreshes history and derives stability from the cache", func(t *testing.T) {
		cloudBackend := newCloudMock()
		defer cloudBackend.AssertExpectations(t)

		now := time.Now()
		var readings []sensor.Reading
		for i := 5; i > 0; i-- {
			readings = append(readings, sensor.Reading{SensorID: "1001.22", Timestamp: now.Add(-time.Duration(i) * time.Minute), TemperatureF: 68, HumidityPct: 70})
		}

		from := now.Add(-time.Hour)
		cloudBackend.On("FetchHistoricalReadings", mock.Anything, sensor.Identity("1001.22"), from, now).Return(readings, nil)

		s := New(WithBackend(cloudBackend))

		got, err := s.RefreshHistory(context.Background(), cellarSensor, from, now)
		require.NoError(t, err)
		assert.Len(t, got, 5)

		history, err := s.History(cellarSensor, 3*time.Minute+30*time.Second)
		require.NoError(t, err)
		assert.Len(t, history, 3)

		report, err := s.Stability(cellarSensor, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 5, report.Temperature.Count)
		assert.Equal(t, 1.0, report.Temperature.Score)
		assert.Equal(t, 1.0, report.Humidity.Score)
	})

	t.Run("tolerates single reading history from the hub", func(t *testing.T) {
		_, _, hb := newHub(20, 68)
		s := New(WithHub(hb))

		got, err := s.RefreshHistory(context.Background(), deskSensor, time.Now().Add(-time.Hour), time.Now())
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.InDelta(t, 68.0, got[0].TemperatureF, 0.001)
	})
}

func TestService_Sensor(t *testing.T) {
	t.Run("returns a handle seeded from the cache that records new readings", func(t *testing.T) {
		_, _, hb := newHub(20, 68)
		s := New(WithHub(hb))

		_, err := s.LatestReading(context.Background(), deskSensor)
		require.NoError(t, err)

		h, err := s.Sensor(context.Background(), deskSensor)
		require.NoError(t, err)
		assert.Equal(t, "Desk Sensor", h.DisplayName())
		assert.InDelta(t, 68.0, h.Temperature(), 0.001)

		_, err = h.FetchCurrentReading(context.Background())
		require.NoError(t, err)

		_, found := s.Current(deskSensor)
		assert.True(t, found)
	})

	t.Run("fails for unknown sensors", func(t *testing.T) {
		_, _, hb := newHub(20, 68)
		s := New(WithHub(hb))

		_, err := s.Sensor(context.Background(), sensor.Ref{Kind: sensor.Hub, ID: "missing"})
		assert.ErrorIs(t, err, sensor.ErrUnknownSensor)
	})
}

func TestService_Alerts(t *testing.T) {
	t.Run("requires thresholds", func(t *testing.T) {
		_, _, hb := newHub(30, 68)
		s := New(WithHub(hb))

		_, err := s.CheckAlerts(context.Background(), "desk", deskSensor)
		assert.ErrorIs(t, err, ErrNoThresholds)
	})

	t.Run("raises once and notifies subscribers", func(t *testing.T) {
		_, _, hb := newHub(30, 68)
		s := New(WithHub(hb))
		require.NoError(t, s.SetThresholds(thresholds))

		lock := &sync.Mutex{}
		var received []alert.Event
		s.Subscribe(func(ctx context.Context, ev alert.Event) error {
			lock.Lock()
			defer lock.Unlock()
			received = append(received, ev)
			return nil
		})

		events, err := s.CheckAlerts(context.Background(), "desk", deskSensor)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, alert.TempHigh, events[0].Kind)

		events, err = s.CheckAlerts(context.Background(), "desk", deskSensor)
		require.NoError(t, err)
		assert.Empty(t, events)

		assert.Len(t, s.OpenAlerts(), 1)

		assert.Eventually(t, func() bool {
			lock.Lock()
			defer lock.Unlock()
			return len(received) == 1
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("checks assigned humidors on refresh", func(t *testing.T) {
		_, a, hb := newHub(20, 68)
		s := New(WithHub(hb))
		require.NoError(t, s.SetThresholds(thresholds))
		require.NoError(t, s.Assign("desk", deskSensor))

		require.NoError(t, s.Refresh(context.Background(), deskSensor))
		assert.Empty(t, s.OpenAlerts())

		a.Service(capabilities.RelativeHumiditySensorFlag).Characteristic(hub.CurrentRelativeHumidity).Update(80)

		require.NoError(t, s.Refresh(context.Background(), deskSensor))

		open := s.OpenAlerts()
		require.Len(t, open, 1)
		assert.Equal(t, alert.HumidityHigh, open[0].Kind)
		assert.Equal(t, "desk", open[0].HumidorID)
	})

	t.Run("keeps hub and cloud sensors with the same identity apart", func(t *testing.T) {
		cloudBackend := newCloudMock()
		defer cloudBackend.AssertExpectations(t)

		twin := sensor.Ref{Kind: sensor.Cloud, ID: "acc-1"}
		cloudBackend.On("FetchCurrentReading", mock.Anything, twin.ID).Return(sensor.Reading{SensorID: twin.ID, Timestamp: time.Now(), TemperatureF: 90, HumidityPct: 68}, nil)

		_, _, hb := newHub(30, 68)
		s := New(WithHub(hb), WithBackend(cloudBackend))
		require.NoError(t, s.SetThresholds(thresholds))

		events, err := s.CheckAlerts(context.Background(), "desk", deskSensor)
		require.NoError(t, err)
		assert.Len(t, events, 1)

		events, err = s.CheckAlerts(context.Background(), "desk", twin)
		require.NoError(t, err)
		assert.Len(t, events, 1)

		open := s.OpenAlerts()
		require.Len(t, open, 2)
		assert.Equal(t, deskSensor, open[0].Sensor())
		assert.Equal(t, twin, open[1].Sensor())
	})

	t.Run("keeps alerts for humidors sharing a sensor stable across refreshes", func(t *testing.T) {
		_, _, hb := newHub(17, 68)
		s := New(WithHub(hb))

		annex := thresholds
		annex.HumidorID = "annex"
		annex.MinTemp = 55

		require.NoError(t, s.SetThresholds(thresholds))
		require.NoError(t, s.SetThresholds(annex))
		require.NoError(t, s.Assign("desk", deskSensor))
		require.NoError(t, s.Assign("annex", deskSensor))

		lock := &sync.Mutex{}
		raised, cleared := 0, 0
		s.Subscribe(func(ctx context.Context, ev alert.Event) error {
			lock.Lock()
			defer lock.Unlock()
			raised++
			return nil
		})
		s.Subscribe(func(ctx context.Context, c alert.Cleared) error {
			lock.Lock()
			defer lock.Unlock()
			cleared++
			return nil
		})

		for i := 0; i < 3; i++ {
			require.NoError(t, s.Refresh(context.Background(), deskSensor))
		}

		open := s.OpenAlerts()
		require.Len(t, open, 1)
		assert.Equal(t, "desk", open[0].HumidorID)
		assert.Equal(t, alert.TempLow, open[0].Kind)

		assert.Eventually(t, func() bool {
			lock.Lock()
			defer lock.Unlock()
			return raised == 1
		}, time.Second, 10*time.Millisecond)

		time.Sleep(20 * time.Millisecond)

		lock.Lock()
		defer lock.Unlock()
		assert.Equal(t, 1, raised)
		assert.Equal(t, 0, cleared)
	})

	t.Run("requires an assignment to check by humidor", func(t *testing.T) {
		s := New()
		require.NoError(t, s.SetThresholds(thresholds))

		_, err := s.CheckHumidor(context.Background(), "desk")
		assert.ErrorIs(t, err, ErrNoAssignedSensor)
	})

	t.Run("persists thresholds and assignments in the section", func(t *testing.T) {
		section := pmemory.New()
		_, _, hb := newHub(20, 68)

		s := New(WithHub(hb), WithSection(section))
		require.NoError(t, s.SetThresholds(thresholds))
		require.NoError(t, s.Assign("desk", deskSensor))

		restored := New(WithHub(hb), WithSection(section))

		cfg, found := restored.Thresholds("desk")
		assert.True(t, found)
		assert.Equal(t, thresholds, cfg)

		ref, found := restored.Assignment("desk")
		assert.True(t, found)
		assert.Equal(t, deskSensor, ref)
	})
}

func TestService_Automation(t *testing.T) {
	desk := automation.Humidor{ID: "desk", DisplayName: "Desk Humidor", Sensor: "acc-1"}

	t.Run("is unavailable without a hub", func(t *testing.T) {
		s := New()

		_, err := s.ConfigureAutomation(context.Background(), desk, thresholds)
		assert.ErrorIs(t, err, automation.ErrNotConfigured)

		_, err = s.RemoveAutomation(context.Background(), desk)
		assert.ErrorIs(t, err, automation.ErrNotConfigured)
	})

	t.Run("builds rules and records thresholds and the assignment", func(t *testing.T) {
		home, _, hb := newHub(20, 68)
		s := New(WithHub(hb))

		res, err := s.ConfigureAutomation(context.Background(), desk, thresholds)
		require.NoError(t, err)
		assert.Len(t, res.Triggers, 4)
		assert.Len(t, home.Triggers(), 4)

		cfg, found := s.Thresholds("desk")
		assert.True(t, found)
		assert.Equal(t, thresholds, cfg)

		ref, found := s.Assignment("desk")
		assert.True(t, found)
		assert.Equal(t, deskSensor, ref)

		removed, err := s.RemoveAutomation(context.Background(), desk)
		require.NoError(t, err)
		assert.Equal(t, 4, removed)
		assert.Empty(t, home.Triggers())
	})

	t.Run("raises immediate alerts through the engine", func(t *testing.T) {
		_, _, hb := newHub(30, 68)
		s := New(WithHub(hb))

		res, err := s.ConfigureAutomation(context.Background(), desk, thresholds)
		require.NoError(t, err)
		require.Len(t, res.Raised, 1)

		open := s.OpenAlerts()
		require.Len(t, open, 1)
		assert.Equal(t, alert.TempHigh, open[0].Kind)
		assert.Equal(t, deskSensor, open[0].Sensor())

		events, err := s.CheckAlerts(context.Background(), "desk", deskSensor)
		require.NoError(t, err)
		assert.Empty(t, events)
		assert.Len(t, s.OpenAlerts(), 1)
	})

	t.Run("keeps the assignment when configured by service identifiers", func(t *testing.T) {
		_, _, hb := newHub(20, 68)
		s := New(WithHub(hb))
		require.NoError(t, s.Assign("desk", deskSensor))

		byService := automation.Humidor{ID: "desk", DisplayName: "Desk Humidor", TemperatureServiceID: "acc-1.temperature", HumidityServiceID: "acc-1.humidity"}

		_, err := s.ConfigureAutomation(context.Background(), byService, thresholds)
		require.NoError(t, err)

		ref, found := s.Assignment("desk")
		assert.True(t, found)
		assert.Equal(t, deskSensor, ref)
	})
}

func TestService_Cloud(t *testing.T) {
	t.Run("reports a missing cloud session", func(t *testing.T) {
		s := New()

		assert.ErrorIs(t, s.Authenticate(context.Background(), "a@b.c", "pw"), ErrCloudNotConfigured)
		assert.ErrorIs(t, s.SignOut(context.Background()), ErrCloudNotConfigured)
		assert.False(t, s.CloudAuthenticated())
	})
}

func TestParseRef(t *testing.T) {
	t.Run("parses kind and identity", func(t *testing.T) {
		ref, err := ParseRef("cloud/1001.22")
		require.NoError(t, err)
		assert.Equal(t, cellarSensor, ref)
	})

	t.Run("keeps slashes inside the identity", func(t *testing.T) {
		ref, err := ParseRef("hub/a/b")
		require.NoError(t, err)
		assert.Equal(t, sensor.Identity("a/b"), ref.ID)
	})

	t.Run("rejects malformed addresses", func(t *testing.T) {
		for _, addr := range []string{"", "hub", "hub/", "zigbee/1"} {
			_, err := ParseRef(addr)
			assert.ErrorIs(t, err, ErrInvalidSensorAddress, addr)
		}
	})
}
