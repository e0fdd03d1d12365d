package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/shimmeringbee/humidor/alert"
	"github.com/shimmeringbee/humidor/sensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

type fakeToken struct {
	done     chan struct{}
	err      error
	complete bool
}

var _ paho.Token = (*fakeToken)(nil)

func newFakeToken(complete bool, err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err, complete: complete}
	if complete {
		close(t.done)
	}
	return t
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} {
	return t.done
}

func (t *fakeToken) Error() error {
	return t.err
}

type mockPublisher struct {
	mock.Mock
}

var _ Publisher = (*mockPublisher)(nil)

func (m *mockPublisher) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	args := m.Called(topic, qos, retained, payload)
	return args.Get(0).(paho.Token)
}

func TestAlertPublisher(t *testing.T) {
	ev := alert.Event{Kind: alert.TempHigh, Backend: sensor.Cloud, SensorID: "1001.22", HumidorID: "desk", Value: 75, Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}

	t.Run("publishes raised events as JSON under the humidor and sensor", func(t *testing.T) {
		p := &mockPublisher{}
		defer p.AssertExpectations(t)

		var payload []byte
		p.On("Publish", "cellar/alerts/desk/cloud/1001.22/TempHigh", byte(1), false, mock.Anything).Run(func(args mock.Arguments) {
			payload = args.Get(3).([]byte)
		}).Return(newFakeToken(true, nil))

		a := New(p, WithTopicPrefix("/cellar/"))
		require.NoError(t, a.OnEvent(context.Background(), ev))

		var decoded map[string]any
		require.NoError(t, json.Unmarshal(payload, &decoded))
		assert.Equal(t, "raised", decoded["state"])
		assert.Equal(t, "TempHigh", decoded["kind"])
		assert.Equal(t, "1001.22", decoded["sensorId"])
		assert.Equal(t, "cloud", decoded["backend"])
		assert.Equal(t, 75.0, decoded["value"])

		var msg eventMessage
		require.NoError(t, json.Unmarshal(payload, &msg))
		assert.Equal(t, ev, msg.Event)
	})

	t.Run("publishes cleared events to the cleared sub topic", func(t *testing.T) {
		p := &mockPublisher{}
		defer p.AssertExpectations(t)

		p.On("Publish", "humidor/alerts/unassigned/hub/acc_1/HumidityLow/cleared", byte(0), false, mock.Anything).Return(newFakeToken(true, nil))

		a := New(p, WithQoS(0))
		assert.NoError(t, a.OnCleared(context.Background(), alert.Cleared{Kind: alert.HumidityLow, Backend: sensor.Hub, SensorID: "acc/1"}))
	})

	t.Run("returns the broker error", func(t *testing.T) {
		p := &mockPublisher{}
		defer p.AssertExpectations(t)

		expected := errors.New("not connected")
		p.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(newFakeToken(true, expected))

		assert.ErrorIs(t, New(p).OnEvent(context.Background(), ev), expected)
	})

	t.Run("times out when the broker never acknowledges", func(t *testing.T) {
		p := &mockPublisher{}
		defer p.AssertExpectations(t)

		p.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(newFakeToken(false, nil))

		err := New(p, WithPublishTimeout(10*time.Millisecond)).OnEvent(context.Background(), ev)
		assert.ErrorIs(t, err, ErrPublishTimeout)
	})

	t.Run("receives events raised by the alert engine", func(t *testing.T) {
		p := &mockPublisher{}
		defer p.AssertExpectations(t)

		published := make(chan string, 1)
		p.On("Publish", "humidor/alerts/desk/cloud/1001.22/TempHigh", byte(1), false, mock.Anything).Run(func(args mock.Arguments) {
			published <- args.String(0)
		}).Return(newFakeToken(true, nil)).Once()

		e := alert.NewEngine()
		New(p).Subscribe(e)

		e.Raise(context.Background(), ev)

		select {
		case topic := <-published:
			assert.Equal(t, "humidor/alerts/desk/cloud/1001.22/TempHigh", topic)
		case <-time.After(time.Second):
			t.Fatal("alert was not published")
		}
	})
}
