// Package influxdb writes can2mqtt telemetry to InfluxDB v2.
//
// Two measurements are written:
//   - device_state: one point per published state change, tagged by
//     unique_id and kind (switch or sensor)
//   - can_bus: periodic connector counters, tagged by bridge_id and interface
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // integration switched off
//	}
//	defer client.Close()
//
//	client.WriteStateChange("fez-heater", "switch", 1, time.Now())
//
// Writes are batched according to batch_size and flush_interval and never
// block the caller. Connection and health check errors are returned directly.
package influxdb
