package api

import (
	"bytes"
	"encoding/json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shimmeringbee/da/capabilities"
	"github.com/shimmeringbee/humidor"
	"github.com/shimmeringbee/humidor/alert"
	"github.com/shimmeringbee/humidor/hub"
	"github.com/shimmeringbee/humidor/hub/memory"
	"github.com/shimmeringbee/humidor/metrics"
	"github.com/shimmeringbee/humidor/sensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fixture struct {
	srv       *httptest.Server
	home      *memory.Home
	accessory *memory.Accessory
	svc       *humidor.Service
}

func newFixture(t *testing.T, opts ...humidor.Option) *fixture {
	m := memory.NewManager()
	home := m.AddHome("Home")
	a := home.AddSensorAccessory("acc-1", "Desk Sensor", 20, 68)

	svc := humidor.New(append([]humidor.Option{humidor.WithHub(hub.NewBackend(m, hub.WithCallTimeout(time.Second)))}, opts...)...)

	reg := prometheus.NewRegistry()
	metrics.New(reg)

	srv := httptest.NewServer(New(svc, WithGatherer(reg), WithAccessLog(io.Discard)).Handler())
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, home: home, accessory: a, svc: svc}
}

func (f *fixture) do(t *testing.T, method string, path string, body any) (int, []byte) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, data
}

var deskThresholds = alert.ThresholdConfig{MinTemp: 65, MaxTemp: 72, MinHumidity: 62, MaxHumidity: 72}

func TestSensors(t *testing.T) {
	t.Run("lists sensors", func(t *testing.T) {
		f := newFixture(t)

		status, body := f.do(t, http.MethodGet, "/sensors", nil)
		require.Equal(t, http.StatusOK, status)

		var views []descriptorView
		require.NoError(t, json.Unmarshal(body, &views))
		require.Len(t, views, 1)
		assert.Equal(t, "hub", views[0].Kind)
		assert.Equal(t, "acc-1", views[0].ID)
		assert.Equal(t, "Desk Sensor", views[0].DisplayName)
		assert.True(t, views[0].Active)
	})

	t.Run("fetches a reading in fahrenheit", func(t *testing.T) {
		f := newFixture(t)

		status, body := f.do(t, http.MethodGet, "/sensors/hub/acc-1/reading", nil)
		require.Equal(t, http.StatusOK, status)

		var view readingView
		require.NoError(t, json.Unmarshal(body, &view))
		assert.InDelta(t, 68.0, view.TemperatureF, 0.001)
		assert.InDelta(t, 68.0, view.HumidityPct, 0.001)
	})

	t.Run("rejects unknown kinds and sensors", func(t *testing.T) {
		f := newFixture(t)

		status, _ := f.do(t, http.MethodGet, "/sensors/zigbee/acc-1/reading", nil)
		assert.Equal(t, http.StatusBadRequest, status)

		status, _ = f.do(t, http.MethodGet, "/sensors/cloud/1001/reading", nil)
		assert.Equal(t, http.StatusNotFound, status)

		status, _ = f.do(t, http.MethodGet, "/sensors/hub/missing/reading", nil)
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("serves history and stability from the cache", func(t *testing.T) {
		f := newFixture(t)

		status, _ := f.do(t, http.MethodPost, "/sensors/hub/acc-1/history?since=1h", nil)
		require.Equal(t, http.StatusOK, status)

		status, body := f.do(t, http.MethodGet, "/sensors/hub/acc-1/history?since=1h", nil)
		require.Equal(t, http.StatusOK, status)

		var readings []readingView
		require.NoError(t, json.Unmarshal(body, &readings))
		assert.Len(t, readings, 1)

		status, body = f.do(t, http.MethodGet, "/sensors/hub/acc-1/stability?since=30m", nil)
		require.Equal(t, http.StatusOK, status)

		var view stabilityView
		require.NoError(t, json.Unmarshal(body, &view))
		assert.Equal(t, "30m0s", view.Since)
		assert.Equal(t, 1, view.Temperature.Count)
	})

	t.Run("rejects invalid windows", func(t *testing.T) {
		f := newFixture(t)

		status, _ := f.do(t, http.MethodGet, "/sensors/hub/acc-1/history?since=yesterday", nil)
		assert.Equal(t, http.StatusBadRequest, status)
	})
}

func TestHumidors(t *testing.T) {
	t.Run("stores and returns thresholds", func(t *testing.T) {
		f := newFixture(t)

		status, _ := f.do(t, http.MethodGet, "/humidors/desk/thresholds", nil)
		assert.Equal(t, http.StatusNotFound, status)

		status, _ = f.do(t, http.MethodPut, "/humidors/desk/thresholds", deskThresholds)
		require.Equal(t, http.StatusOK, status)

		status, body := f.do(t, http.MethodGet, "/humidors/desk/thresholds", nil)
		require.Equal(t, http.StatusOK, status)

		var cfg alert.ThresholdConfig
		require.NoError(t, json.Unmarshal(body, &cfg))
		assert.Equal(t, "desk", cfg.HumidorID)
		assert.Equal(t, 72.0, cfg.MaxTemp)
	})

	t.Run("rejects inverted thresholds", func(t *testing.T) {
		f := newFixture(t)

		status, body := f.do(t, http.MethodPut, "/humidors/desk/thresholds", alert.ThresholdConfig{MinTemp: 80, MaxTemp: 60, MaxHumidity: 70})
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Contains(t, string(body), "minimum temperature")
	})

	t.Run("checks alerts for the assigned sensor", func(t *testing.T) {
		f := newFixture(t)

		status, _ := f.do(t, http.MethodPost, "/humidors/desk/alerts/check", nil)
		assert.Equal(t, http.StatusNotFound, status)

		f.do(t, http.MethodPut, "/humidors/desk/thresholds", deskThresholds)
		status, _ = f.do(t, http.MethodPut, "/humidors/desk/sensor", assignmentRequest{Kind: "hub", ID: "acc-1"})
		require.Equal(t, http.StatusOK, status)

		f.accessory.Service(capabilities.TemperatureSensorFlag).Characteristic(hub.CurrentTemperature).Update(30)

		status, body := f.do(t, http.MethodPost, "/humidors/desk/alerts/check", nil)
		require.Equal(t, http.StatusOK, status)

		var events []alert.Event
		require.NoError(t, json.Unmarshal(body, &events))
		require.Len(t, events, 1)
		assert.Equal(t, alert.TempHigh, events[0].Kind)
		assert.Equal(t, sensor.Ref{Kind: sensor.Hub, ID: "acc-1"}, events[0].Sensor())

		status, body = f.do(t, http.MethodGet, "/alerts", nil)
		require.Equal(t, http.StatusOK, status)
		assert.Contains(t, string(body), `"kind":"TempHigh"`)
		assert.Contains(t, string(body), `"backend":"hub"`)
	})

	t.Run("configures and removes automation", func(t *testing.T) {
		f := newFixture(t)

		thresholds := deskThresholds
		status, body := f.do(t, http.MethodPost, "/humidors/desk/automation", automationRequest{DisplayName: "Desk Humidor", SensorID: "acc-1", Thresholds: &thresholds})
		require.Equal(t, http.StatusOK, status, string(body))

		var resp automationResponse
		require.NoError(t, json.Unmarshal(body, &resp))
		assert.Len(t, resp.Triggers, 4)
		assert.NotEmpty(t, resp.AutomationID)
		assert.Len(t, f.home.Triggers(), 4)

		status, body = f.do(t, http.MethodDelete, "/humidors/desk/automation?displayName=Desk+Humidor", nil)
		require.Equal(t, http.StatusOK, status)
		assert.JSONEq(t, `{"removed":4}`, string(body))
		assert.Empty(t, f.home.Triggers())
	})

	t.Run("requires thresholds for automation", func(t *testing.T) {
		f := newFixture(t)

		status, _ := f.do(t, http.MethodPost, "/humidors/desk/automation", automationRequest{SensorID: "acc-1"})
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("reports the failed step when setup fails", func(t *testing.T) {
		f := newFixture(t)
		f.home.FailAfter(memory.AddTrigger, 0, memory.ErrReadOnly)

		thresholds := deskThresholds
		status, body := f.do(t, http.MethodPost, "/humidors/desk/automation", automationRequest{DisplayName: "Desk Humidor", SensorID: "acc-1", Thresholds: &thresholds})
		require.Equal(t, http.StatusBadGateway, status)

		var resp errorResponse
		require.NoError(t, json.Unmarshal(body, &resp))
		assert.Equal(t, "build triggers", resp.Step)
		assert.Zero(t, resp.Removed)
		assert.Empty(t, f.home.ActionSets())
	})
}

func TestCloudSession(t *testing.T) {
	t.Run("reports the cloud as unavailable without a session", func(t *testing.T) {
		f := newFixture(t)

		status, body := f.do(t, http.MethodGet, "/cloud/session", nil)
		require.Equal(t, http.StatusOK, status)
		assert.JSONEq(t, `{"authenticated":false}`, string(body))

		status, _ = f.do(t, http.MethodPost, "/cloud/session", signInRequest{Email: "a@b.c", Password: "pw"})
		assert.Equal(t, http.StatusServiceUnavailable, status)

		status, _ = f.do(t, http.MethodPost, "/cloud/session", signInRequest{Email: "a@b.c"})
		assert.Equal(t, http.StatusBadRequest, status)
	})
}

func TestMetricsAndHealth(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	status, _ = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = f.do(t, http.MethodGet, "/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, status)
}
