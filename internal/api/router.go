package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nerrad567/can2mqtt/internal/bridges/canbus"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.accessLogMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(middleware.RequestSize(maxRequestBodySize))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)

			r.Route("/{uniqueID}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Get("/history", s.handleDeviceHistory)
				r.Post("/toggle", s.handleToggle)
			})
		})

		r.Get("/frames", s.handleListFrames)
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth returns the bridge health message. A degraded bridge answers
// 503 so load balancers and uptime checks notice.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := s.bridge.Health()
	status := http.StatusOK
	if health.Status == canbus.HealthDegraded {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}
