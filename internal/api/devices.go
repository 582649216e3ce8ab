package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/nerrad567/can2mqtt/internal/bridges/canbus"
)

// Listing limits.
const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// handleListDevices returns every configured device with its last value.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.bridge.Statuses()

	if kind := r.URL.Query().Get("kind"); kind != "" {
		devices = lo.Filter(devices, func(d canbus.DeviceStatus, _ int) bool {
			return string(d.Kind) == kind
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleGetDevice returns one device by unique id.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.findDevice(chi.URLParam(r, "uniqueID"))
	if !ok {
		writeError(w, r, http.StatusNotFound, ErrCodeNotFound, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleDeviceHistory returns recorded state changes, newest first.
func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	uniqueID := chi.URLParam(r, "uniqueID")
	if _, ok := s.findDevice(uniqueID); !ok {
		writeError(w, r, http.StatusNotFound, ErrCodeNotFound, "device not found")
		return
	}
	if s.history == nil {
		writeRecorderDisabled(w, r)
		return
	}

	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	records, err := s.history.History(r.Context(), uniqueID, limit)
	if err != nil {
		s.logger.Error("history query failed", "unique_id", uniqueID, "error", err)
		writeError(w, r, http.StatusInternalServerError, ErrCodeInternal, "failed to read history")
		return
	}
	if records == nil {
		records = []canbus.StateRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"unique_id": uniqueID,
		"history":   records,
		"count":     len(records),
	})
}

// handleToggle sends one toggle command to a switch. The resulting state
// arrives later through the heartbeat, so the response only confirms the
// frame went out.
func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	uniqueID := chi.URLParam(r, "uniqueID")

	if err := s.bridge.Toggle(r.Context(), uniqueID); err != nil {
		s.logger.Warn("toggle failed", "unique_id", uniqueID, "error", err)
		writeCommandError(w, r, err)
		return
	}

	s.logger.Info("toggle sent via API", "unique_id", uniqueID)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"unique_id": uniqueID,
		"status":    "sent",
	})
}

// handleListFrames returns every CAN id the recorder has seen.
func (s *Server) handleListFrames(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeRecorderDisabled(w, r)
		return
	}

	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	frames, err := s.history.SeenFrames(r.Context(), limit)
	if err != nil {
		s.logger.Error("frames query failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, ErrCodeInternal, "failed to read frames")
		return
	}
	if frames == nil {
		frames = []canbus.SeenFrame{}
	}

	if r.URL.Query().Get("unmatched") == "true" {
		frames = lo.Reject(frames, func(f canbus.SeenFrame, _ int) bool { return f.Matched })
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"frames": frames,
		"count":  len(frames),
	})
}

func (s *Server) findDevice(uniqueID string) (canbus.DeviceStatus, bool) {
	return lo.Find(s.bridge.Statuses(), func(d canbus.DeviceStatus) bool {
		return d.UniqueID == uniqueID
	})
}

// parseLimit reads ?limit=, writing a 400 and returning false when invalid.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return min(limit, maxListLimit), true
}
