package api

import (
	"fmt"
	"github.com/gorilla/mux"
	"github.com/shimmeringbee/humidor/alert"
	"github.com/shimmeringbee/humidor/automation"
	"github.com/shimmeringbee/humidor/sensor"
	"github.com/shimmeringbee/humidor/stability"
	"net/http"
	"time"
)

type descriptorView struct {
	Kind           string   `json:"kind"`
	ID             string   `json:"id"`
	DisplayName    string   `json:"displayName"`
	Active         bool     `json:"active"`
	BatteryVoltage *float64 `json:"batteryVoltage,omitempty"`
	SignalStrength *int     `json:"signalStrength,omitempty"`
}

type readingView struct {
	SensorID     string    `json:"sensorId"`
	Timestamp    time.Time `json:"timestamp"`
	TemperatureF float64   `json:"temperatureF"`
	HumidityPct  float64   `json:"humidityPct"`
}

type summaryView struct {
	Score    float64 `json:"score"`
	Mean     float64 `json:"mean"`
	Variance float64 `json:"variance"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Count    int     `json:"count"`
}

type stabilityView struct {
	Since       string      `json:"since"`
	Temperature summaryView `json:"temperature"`
	Humidity    summaryView `json:"humidity"`
}

func toReadingView(r sensor.Reading) readingView {
	return readingView{SensorID: string(r.SensorID), Timestamp: r.Timestamp, TemperatureF: r.TemperatureF, HumidityPct: r.HumidityPct}
}

func toReadingViews(readings []sensor.Reading) []readingView {
	views := make([]readingView, 0, len(readings))
	for _, r := range readings {
		views = append(views, toReadingView(r))
	}
	return views
}

func toSummaryView(s stability.Summary) summaryView {
	return summaryView{Score: s.Score, Mean: s.Mean, Variance: s.Variance, Min: s.Min, Max: s.Max, Count: s.Count}
}

func sensorRef(r *http.Request) (sensor.Ref, error) {
	vars := mux.Vars(r)

	k, err := sensor.ParseKind(vars["kind"])
	if err != nil {
		return sensor.Ref{}, fmt.Errorf("%w: %w", errBadRequest, err)
	}

	return sensor.Ref{Kind: k, ID: sensor.Identity(vars["id"])}, nil
}

func since(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return DefaultWindow, nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: invalid since %q", errBadRequest, raw)
	}

	return d, nil
}

func (s *Server) listSensors(w http.ResponseWriter, r *http.Request) {
	descriptors, err := s.svc.Sensors(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	views := make([]descriptorView, 0, len(descriptors))
	for _, d := range descriptors {
		views = append(views, descriptorView{
			Kind:           d.Kind.String(),
			ID:             string(d.ID),
			DisplayName:    d.DisplayName,
			Active:         d.Active,
			BatteryVoltage: d.BatteryVoltage,
			SignalStrength: d.SignalStrength,
		})
	}

	writeJSON(w, http.StatusOK, views)
}

// getReading fetches from the backend unless cached=true is given and a cached reading exists.
func (s *Server) getReading(w http.ResponseWriter, r *http.Request) {
	ref, err := sensorRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if r.URL.Query().Get("cached") == "true" {
		if reading, found := s.svc.Current(ref); found {
			writeJSON(w, http.StatusOK, toReadingView(reading))
			return
		}
	}

	reading, err := s.svc.LatestReading(r.Context(), ref)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toReadingView(reading))
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	ref, err := sensorRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	window, err := since(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	readings, err := s.svc.History(ref, window)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toReadingViews(readings))
}

func (s *Server) refreshHistory(w http.ResponseWriter, r *http.Request) {
	ref, err := sensorRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	window, err := since(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	now := time.Now()

	readings, err := s.svc.RefreshHistory(r.Context(), ref, now.Add(-window), now)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toReadingViews(readings))
}

func (s *Server) getStability(w http.ResponseWriter, r *http.Request) {
	ref, err := sensorRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	window, err := since(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	report, err := s.svc.Stability(ref, window)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, stabilityView{
		Since:       window.String(),
		Temperature: toSummaryView(report.Temperature),
		Humidity:    toSummaryView(report.Humidity),
	})
}

func (s *Server) getThresholds(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	cfg, found := s.svc.Thresholds(id)
	if !found {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("no thresholds for humidor %s", id)})
		return
	}

	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) putThresholds(w http.ResponseWriter, r *http.Request) {
	var cfg alert.ThresholdConfig
	if err := decodeJSON(r, &cfg); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}

	cfg.HumidorID = mux.Vars(r)["id"]

	if err := s.svc.SetThresholds(cfg); err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, cfg)
}

type assignmentRequest struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func (s *Server) putSensor(w http.ResponseWriter, r *http.Request) {
	var req assignmentRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}

	k, err := sensor.ParseKind(req.Kind)
	if err != nil || req.ID == "" {
		s.writeError(w, r, fmt.Errorf("%w: sensor kind and id are required", errBadRequest))
		return
	}

	ref := sensor.Ref{Kind: k, ID: sensor.Identity(req.ID)}

	if err := s.svc.Assign(mux.Vars(r)["id"], ref); err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, req)
}

func (s *Server) checkAlerts(w http.ResponseWriter, r *http.Request) {
	events, err := s.svc.CheckHumidor(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if events == nil {
		events = []alert.Event{}
	}

	writeJSON(w, http.StatusOK, events)
}

func (s *Server) listAlerts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.OpenAlerts())
}

type automationRequest struct {
	DisplayName          string                 `json:"displayName"`
	SensorID             string                 `json:"sensorId"`
	TemperatureServiceID string                 `json:"temperatureServiceId"`
	HumidityServiceID    string                 `json:"humidityServiceId"`
	Thresholds           *alert.ThresholdConfig `json:"thresholds"`
}

type automationResponse struct {
	AutomationID string        `json:"automationId"`
	Triggers     []string      `json:"triggers"`
	ActionSets   []string      `json:"actionSets"`
	Removed      int           `json:"removed"`
	Raised       []alert.Event `json:"raised"`
}

func (req automationRequest) humidor(id string) automation.Humidor {
	return automation.Humidor{
		ID:                   id,
		DisplayName:          req.DisplayName,
		Sensor:               sensor.Identity(req.SensorID),
		TemperatureServiceID: req.TemperatureServiceID,
		HumidityServiceID:    req.HumidityServiceID,
	}
}

// configureAutomation uses the thresholds in the body, falling back to the stored ones.
func (s *Server) configureAutomation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req automationRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}

	var cfg alert.ThresholdConfig
	if req.Thresholds != nil {
		cfg = *req.Thresholds
		cfg.HumidorID = id
	} else {
		stored, found := s.svc.Thresholds(id)
		if !found {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "thresholds are required when none are stored"})
			return
		}
		cfg = stored
	}

	res, err := s.svc.ConfigureAutomation(r.Context(), req.humidor(id), cfg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if res.Raised == nil {
		res.Raised = []alert.Event{}
	}

	writeJSON(w, http.StatusOK, automationResponse{
		AutomationID: res.AutomationID,
		Triggers:     res.Triggers,
		ActionSets:   res.ActionSets,
		Removed:      res.Removed,
		Raised:       res.Raised,
	})
}

func (s *Server) removeAutomation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	req := automationRequest{DisplayName: r.URL.Query().Get("displayName")}

	removed, err := s.svc.RemoveAutomation(r.Context(), req.humidor(id))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) getSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"authenticated": s.svc.CloudAuthenticated()})
}

func (s *Server) signIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}

	if req.Email == "" || req.Password == "" {
		s.writeError(w, r, fmt.Errorf("%w: email and password are required", errBadRequest))
		return
	}

	if err := s.svc.Authenticate(r.Context(), req.Email, req.Password); err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"authenticated": true})
}

func (s *Server) signOut(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.SignOut(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
