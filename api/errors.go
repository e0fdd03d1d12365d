package api

import (
	"context"
	"errors"
	"github.com/shimmeringbee/humidor"
	"github.com/shimmeringbee/humidor/alert"
	"github.com/shimmeringbee/humidor/automation"
	"github.com/shimmeringbee/humidor/cloud"
	"github.com/shimmeringbee/humidor/hub"
	"github.com/shimmeringbee/humidor/sensor"
	"github.com/shimmeringbee/logwrap"
	"net/http"
)

var errBadRequest = errors.New("bad request")

type errorResponse struct {
	Error      string   `json:"error"`
	Step       string   `json:"step,omitempty"`
	LeftBehind []string `json:"leftBehind,omitempty"`
	Removed    int      `json:"removed,omitempty"`
}

func statusFor(err error) int {
	var authFailed *cloud.AuthenticationFailedError
	var setupFailed *automation.SetupFailedError
	var network *cloud.NetworkError

	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, alert.ErrInvalidThresholds), errors.Is(err, humidor.ErrInvalidSensorAddress):
		return http.StatusBadRequest
	case errors.Is(err, humidor.ErrUnknownBackend), errors.Is(err, sensor.ErrUnknownSensor), errors.Is(err, humidor.ErrNoThresholds), errors.Is(err, humidor.ErrNoAssignedSensor):
		return http.StatusNotFound
	case errors.Is(err, cloud.ErrInvalidToken), errors.As(err, &authFailed):
		return http.StatusUnauthorized
	case errors.Is(err, hub.ErrAuthorizationDenied):
		return http.StatusForbidden
	case errors.Is(err, automation.ErrNotConfigured), errors.Is(err, humidor.ErrCloudNotConfigured), errors.Is(err, hub.ErrHomeNotFound):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &setupFailed), errors.As(err, &network), errors.Is(err, humidor.ErrAllBackendsFailed), errors.Is(err, sensor.ErrNoReadings):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	resp := errorResponse{Error: err.Error()}

	var setupFailed *automation.SetupFailedError
	if errors.As(err, &setupFailed) {
		resp.Step = string(setupFailed.Step)
		resp.LeftBehind = setupFailed.LeftBehind
		resp.Removed = setupFailed.Removed
	}

	if status >= http.StatusInternalServerError {
		s.logger.Warn(r.Context(), "Request failed.", logwrap.Datum("Path", r.URL.Path), logwrap.Datum("Status", status), logwrap.Err(err))
	}

	writeJSON(w, status, resp)
}
