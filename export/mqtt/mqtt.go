// Package mqtt publishes alert events to an MQTT broker as JSON.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/shimmeringbee/humidor/alert"
	"github.com/shimmeringbee/humidor/sensor"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/logwrap/impl/discard"
	"strings"
	"time"
)

const DefaultTopicPrefix = "humidor"
const DefaultPublishTimeout = 5 * time.Second

var ErrPublishTimeout = errors.New("mqtt publish timed out")

// Publisher is the subset of a paho client used to publish.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// Subscriber accepts event callbacks, as alert.Engine does.
type Subscriber interface {
	Add(f any)
}

// Connect dials the broker, retrying with exponential back off.
func Connect(ctx context.Context, broker string, clientID string) (paho.Client, error) {
	opts := paho.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)

	client := paho.NewClient(opts)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second

	err := backoff.Retry(func() error {
		token := client.Connect()
		token.Wait()
		return token.Error()
	}, backoff.WithContext(bo, ctx))

	if err != nil {
		return nil, fmt.Errorf("connecting to mqtt broker %s: %w", broker, err)
	}

	return client, nil
}

type Option func(*AlertPublisher)

func WithTopicPrefix(p string) Option {
	return func(a *AlertPublisher) {
		a.prefix = strings.Trim(p, "/")
	}
}

func WithQoS(q byte) Option {
	return func(a *AlertPublisher) {
		a.qos = q
	}
}

func WithPublishTimeout(d time.Duration) Option {
	return func(a *AlertPublisher) {
		a.timeout = d
	}
}

func WithLogger(l logwrap.Logger) Option {
	return func(a *AlertPublisher) {
		a.logger = l
	}
}

func New(p Publisher, opts ...Option) *AlertPublisher {
	a := &AlertPublisher{
		p:       p,
		prefix:  DefaultTopicPrefix,
		qos:     1,
		timeout: DefaultPublishTimeout,
		logger:  logwrap.New(discard.Discard()),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// AlertPublisher sends raised events to <prefix>/alerts/<humidor>/<backend>/<sensor>/<kind> and
// cleared ones to the same topic with a /cleared suffix.
type AlertPublisher struct {
	p       Publisher
	prefix  string
	qos     byte
	timeout time.Duration
	logger  logwrap.Logger
}

// Subscribe registers the publisher for raised and cleared alerts.
func (a *AlertPublisher) Subscribe(s Subscriber) {
	s.Add(a.OnEvent)
	s.Add(a.OnCleared)
}

type eventMessage struct {
	State string `json:"state"`
	alert.Event
}

type clearedMessage struct {
	State string `json:"state"`
	alert.Cleared
}

func (a *AlertPublisher) OnEvent(ctx context.Context, ev alert.Event) error {
	return a.publish(ctx, a.Topic(ev.HumidorID, ev.Sensor(), ev.Kind), eventMessage{State: "raised", Event: ev})
}

func (a *AlertPublisher) OnCleared(ctx context.Context, c alert.Cleared) error {
	return a.publish(ctx, a.Topic(c.HumidorID, c.Sensor(), c.Kind)+"/cleared", clearedMessage{State: "cleared", Cleared: c})
}

func (a *AlertPublisher) Topic(humidorID string, ref sensor.Ref, k alert.Kind) string {
	if humidorID == "" {
		humidorID = "unassigned"
	}

	return strings.Join([]string{a.prefix, "alerts", topicLevel(humidorID), ref.Kind.String(), topicLevel(string(ref.ID)), k.String()}, "/")
}

func (a *AlertPublisher) publish(ctx context.Context, topic string, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding alert for %s: %w", topic, err)
	}

	token := a.p.Publish(topic, a.qos, false, payload)

	if !token.WaitTimeout(a.timeout) {
		a.logger.Warn(ctx, "Timed out publishing alert.", logwrap.Datum("Topic", topic))
		return ErrPublishTimeout
	}

	if err := token.Error(); err != nil {
		a.logger.Warn(ctx, "Failed to publish alert.", logwrap.Datum("Topic", topic), logwrap.Err(err))
		return err
	}

	return nil
}

func topicLevel(s string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}
