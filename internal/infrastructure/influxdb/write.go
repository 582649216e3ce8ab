package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the bridge.
const (
	MeasurementDeviceState = "device_state"
	MeasurementBusStats    = "can_bus"
)

// BusStats is a snapshot of CAN connector counters.
type BusStats struct {
	FramesReceived uint64
	FramesSent     uint64
	FramesDropped  uint64
	Errors         uint64
	Reconnects     uint64
}

// WriteStateChange records one published device state.
//
//	client.WriteStateChange("fez-heater", "switch", 1, time.Now())
//	client.WriteStateChange("fez-heater-input", "sensor", 174, time.Now())
//
// Switch values are also written as an "on" boolean field so dashboards can
// graph them without a value mapping.
func (c *Client) WriteStateChange(uniqueID, kind string, raw int, at time.Time) {
	if !c.IsConnected() {
		return
	}

	fields := map[string]interface{}{
		"raw": raw,
	}
	if kind == "switch" {
		fields["on"] = raw == 1
	}

	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementDeviceState,
		map[string]string{
			"unique_id": uniqueID,
			"kind":      kind,
		},
		fields,
		at,
	))
}

// WriteBusStats records connector counters for one bridge.
func (c *Client) WriteBusStats(bridgeID, iface string, stats BusStats) {
	if !c.IsConnected() {
		return
	}

	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementBusStats,
		map[string]string{
			"bridge_id": bridgeID,
			"interface": iface,
		},
		map[string]interface{}{
			"frames_received": stats.FramesReceived,
			"frames_sent":     stats.FramesSent,
			"frames_dropped":  stats.FramesDropped,
			"errors":          stats.Errors,
			"reconnects":      stats.Reconnects,
		},
		time.Now(),
	))
}
