// Package api implements the HTTP status API and WebSocket feed for can2mqtt.
//
// This package provides:
//   - Read endpoints for bridge health, metrics, devices and their last state
//   - State history and seen-frame listings from the recorder
//   - A manual toggle endpoint for switches
//   - A WebSocket hub that streams state changes and API toggles, with
//     per-device filters and on-demand snapshots
//   - Middleware stack (request ID, logging, recovery, body limit)
//
// # Architecture
//
// The API is a side door for people debugging the install. Home Assistant
// never talks to it; all control flows through MQTT.
//
// # Graceful Degradation
//
// The recorder is optional. Without it the history and frames endpoints
// answer 503 and everything else keeps working.
package api
