package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/can2mqtt/internal/bridges/canbus"
)

// Error is the body of every failed request. RequestID matches the
// X-Request-ID header and the access log line.
type Error struct {
	Status    int    `json:"status"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Error codes.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeInternal         = "internal_error"
	ErrCodeRecorderDisabled = "recorder_disabled"
	ErrCodeBusError         = "bus_error"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:    status,
		Code:      code,
		Message:   message,
		RequestID: requestID(r),
	})
}

// writeCommandError maps a failed toggle onto a response: unknown or
// non-switch devices are 404, bus trouble is 502.
func writeCommandError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, canbus.ErrUnknownDevice):
		writeError(w, r, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, canbus.ErrSendFailed), errors.Is(err, canbus.ErrNotConnected):
		writeError(w, r, http.StatusBadGateway, ErrCodeBusError, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, ErrCodeInternal, "toggle failed")
	}
}

// writeRecorderDisabled answers history and frame queries when the bridge
// runs without a database.
func writeRecorderDisabled(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusServiceUnavailable, ErrCodeRecorderDisabled, "recorder is disabled")
}
