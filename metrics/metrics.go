package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"time"
)

const namespace = "humidor"

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics groups the collectors the monitoring core reports into. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	CloudRequests      *prometheus.CounterVec
	CloudRateLimitWait prometheus.Counter
	HubCalls           *prometheus.CounterVec
	CacheUpdates       *prometheus.CounterVec
	AlertsRaised       *prometheus.CounterVec
	AutomationRuns     *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CloudRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cloud",
			Name:      "requests_total",
			Help:      "Requests issued to the cloud sensor API.",
		}, []string{"endpoint", "result"}),
		CloudRateLimitWait: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cloud",
			Name:      "rate_limit_wait_seconds_total",
			Help:      "Time spent waiting on the cloud request spacing limiter.",
		}),
		HubCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "calls_total",
			Help:      "Bridged calls made to the home automation hub.",
		}, []string{"operation", "result"}),
		CacheUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "updates_total",
			Help:      "Reading cache updates, by whether the current reading was replaced.",
		}, []string{"result"}),
		AlertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "raised_total",
			Help:      "Alert events raised after de-duplication.",
		}, []string{"kind"}),
		AutomationRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "runs_total",
			Help:      "Automation configuration runs against the hub.",
		}, []string{"result"}),
	}

	if reg != nil {
		reg.MustRegister(m.CloudRequests, m.CloudRateLimitWait, m.HubCalls, m.CacheUpdates, m.AlertsRaised, m.AutomationRuns)
	}

	return m
}

func Result(err error) string {
	if err != nil {
		return ResultFailure
	}

	return ResultSuccess
}

func (m *Metrics) CloudRequest(endpoint string, err error) {
	if m == nil {
		return
	}

	m.CloudRequests.WithLabelValues(endpoint, Result(err)).Inc()
}

func (m *Metrics) RateLimitWaited(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}

	m.CloudRateLimitWait.Add(d.Seconds())
}

func (m *Metrics) HubCall(operation string, err error) {
	if m == nil {
		return
	}

	m.HubCalls.WithLabelValues(operation, Result(err)).Inc()
}

func (m *Metrics) CacheUpdate(replacedCurrent bool) {
	if m == nil {
		return
	}

	result := "kept"
	if replacedCurrent {
		result = "replaced"
	}

	m.CacheUpdates.WithLabelValues(result).Inc()
}

func (m *Metrics) AlertRaised(kind string) {
	if m == nil {
		return
	}

	m.AlertsRaised.WithLabelValues(kind).Inc()
}

func (m *Metrics) AutomationRun(err error) {
	if m == nil {
		return
	}

	m.AutomationRuns.WithLabelValues(Result(err)).Inc()
}
