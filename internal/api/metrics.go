package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/can2mqtt/internal/bridges/canbus"
)

// SystemMetrics represents the complete metrics response.
type SystemMetrics struct {
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Runtime       RuntimeMetrics `json:"runtime"`
	WebSocket     WSMetrics      `json:"websocket"`
	Bridge        BridgeMetrics  `json:"bridge"`
	Bus           BusMetrics     `json:"bus"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// BridgeMetrics contains translation counters.
type BridgeMetrics struct {
	State           string `json:"state"`
	MQTTConnected   bool   `json:"mqtt_connected"`
	DevicesManaged  int    `json:"devices_managed"`
	StatesPublished uint64 `json:"states_published"`
	ShortFrames     uint64 `json:"short_frames"`
	CommandsHandled uint64 `json:"commands_handled"`
	CommandErrors   uint64 `json:"command_errors"`
	DiscoveryRuns   uint64 `json:"discovery_runs"`
}

// BusMetrics contains CAN connector statistics.
type BusMetrics struct {
	Connected     bool   `json:"connected"`
	Reconnecting  bool   `json:"reconnecting"`
	FramesRx      uint64 `json:"frames_rx"`
	FramesTx      uint64 `json:"frames_tx"`
	FramesDropped uint64 `json:"frames_dropped"`
	ErrorFrames   uint64 `json:"error_frames"`
	Errors        uint64 `json:"errors"`
	Reconnects    uint64 `json:"reconnects"`
}

// handleMetrics returns runtime, bridge and bus metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m := s.bridge.GetMetrics()

	writeJSON(w, http.StatusOK, SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
		},
		Bridge: bridgeMetrics(m),
		Bus:    busMetrics(m.Bus, m.BusConnected),
	})
}

func bridgeMetrics(m canbus.BridgeMetrics) BridgeMetrics {
	return BridgeMetrics{
		State:           m.State,
		MQTTConnected:   m.MQTTConnected,
		DevicesManaged:  m.DevicesManaged,
		StatesPublished: m.StatesPublished,
		ShortFrames:     m.ShortFrames,
		CommandsHandled: m.CommandsHandled,
		CommandErrors:   m.CommandErrors,
		DiscoveryRuns:   m.DiscoveryRuns,
	}
}

func busMetrics(s canbus.BusStats, connected bool) BusMetrics {
	return BusMetrics{
		Connected:     connected,
		Reconnecting:  s.Reconnecting,
		FramesRx:      s.FramesRx,
		FramesTx:      s.FramesTx,
		FramesDropped: s.FramesDropped,
		ErrorFrames:   s.ErrorFrames,
		Errors:        s.ErrorsTotal,
		Reconnects:    s.Reconnects,
	}
}
