// Package api exposes the humidor service over HTTP as JSON.
package api

import (
	"context"
	"encoding/json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shimmeringbee/humidor/alert"
	"github.com/shimmeringbee/humidor/automation"
	"github.com/shimmeringbee/humidor/sensor"
	"github.com/shimmeringbee/humidor/stability"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/logwrap/impl/discard"
	"io"
	"net/http"
	"time"
)

const DefaultWindow = time.Hour

// Service is the subset of humidor.Service served over HTTP.
type Service interface {
	Sensors(ctx context.Context) ([]sensor.Descriptor, error)
	LatestReading(ctx context.Context, ref sensor.Ref) (sensor.Reading, error)
	Current(ref sensor.Ref) (sensor.Reading, bool)
	RefreshHistory(ctx context.Context, ref sensor.Ref, from time.Time, to time.Time) ([]sensor.Reading, error)
	History(ref sensor.Ref, since time.Duration) ([]sensor.Reading, error)
	Stability(ref sensor.Ref, since time.Duration) (stability.Report, error)

	SetThresholds(cfg alert.ThresholdConfig) error
	Thresholds(humidorID string) (alert.ThresholdConfig, bool)
	Assign(humidorID string, ref sensor.Ref) error
	CheckHumidor(ctx context.Context, humidorID string) ([]alert.Event, error)
	OpenAlerts() []alert.Event

	ConfigureAutomation(ctx context.Context, h automation.Humidor, cfg alert.ThresholdConfig) (automation.Result, error)
	RemoveAutomation(ctx context.Context, h automation.Humidor) (int, error)

	Authenticate(ctx context.Context, email string, password string) error
	SignOut(ctx context.Context) error
	CloudAuthenticated() bool
}

type Option func(*Server)

func WithLogger(l logwrap.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithAccessLog writes combined format access logs to w.
func WithAccessLog(w io.Writer) Option {
	return func(s *Server) {
		s.accessLog = w
	}
}

// WithGatherer serves g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

type Server struct {
	svc       Service
	logger    logwrap.Logger
	accessLog io.Writer
	gatherer  prometheus.Gatherer
}

func New(svc Service, opts ...Option) *Server {
	s := &Server{svc: svc, logger: logwrap.New(discard.Discard())}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.health).Methods(http.MethodGet)

	r.HandleFunc("/sensors", s.listSensors).Methods(http.MethodGet)
	r.HandleFunc("/sensors/{kind}/{id}/reading", s.getReading).Methods(http.MethodGet)
	r.HandleFunc("/sensors/{kind}/{id}/history", s.getHistory).Methods(http.MethodGet)
	r.HandleFunc("/sensors/{kind}/{id}/history", s.refreshHistory).Methods(http.MethodPost)
	r.HandleFunc("/sensors/{kind}/{id}/stability", s.getStability).Methods(http.MethodGet)

	r.HandleFunc("/humidors/{id}/thresholds", s.getThresholds).Methods(http.MethodGet)
	r.HandleFunc("/humidors/{id}/thresholds", s.putThresholds).Methods(http.MethodPut)
	r.HandleFunc("/humidors/{id}/sensor", s.putSensor).Methods(http.MethodPut)
	r.HandleFunc("/humidors/{id}/alerts/check", s.checkAlerts).Methods(http.MethodPost)
	r.HandleFunc("/humidors/{id}/automation", s.configureAutomation).Methods(http.MethodPost)
	r.HandleFunc("/humidors/{id}/automation", s.removeAutomation).Methods(http.MethodDelete)

	r.HandleFunc("/alerts", s.listAlerts).Methods(http.MethodGet)

	r.HandleFunc("/cloud/session", s.getSession).Methods(http.MethodGet)
	r.HandleFunc("/cloud/session", s.signIn).Methods(http.MethodPost)
	r.HandleFunc("/cloud/session", s.signOut).Methods(http.MethodDelete)

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	return r
}

// Handler returns the router wrapped with panic recovery and, if configured, access logging.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.Router()

	h = handlers.RecoveryHandler(handlers.PrintRecoveryStack(false))(h)

	if s.accessLog != nil {
		h = handlers.CombinedLoggingHandler(s.accessLog, h)
	}

	return h
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()

	d := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	d.DisallowUnknownFields()

	return d.Decode(v)
}
