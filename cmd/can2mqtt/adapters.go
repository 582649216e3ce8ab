package main

import (
	"time"

	"github.com/nerrad567/can2mqtt/internal/bridges/canbus"
	"github.com/nerrad567/can2mqtt/internal/infrastructure/influxdb"
	"github.com/nerrad567/can2mqtt/internal/infrastructure/mqtt"
)

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface. Only the Subscribe handler signature differs:
// the infrastructure handler returns an error, the bridge's does not.
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

// Publish implements canbus.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements canbus.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements canbus.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}

// stateWriter is the part of the InfluxDB client the observer needs.
type stateWriter interface {
	WriteStateChange(uniqueID, kind string, raw int, at time.Time)
}

// influxObserver writes every confirmed state change as a time-series point.
type influxObserver struct {
	client stateWriter
}

var (
	_ canbus.MQTTClient    = (*mqttBridgeAdapter)(nil)
	_ canbus.StateObserver = influxObserver{}
	_ stateWriter          = (*influxdb.Client)(nil)
)

// OnStateChange implements canbus.StateObserver.
func (o influxObserver) OnStateChange(change canbus.StateChange) {
	o.client.WriteStateChange(change.Device.Info().UniqueID, string(change.Device.Kind()), change.Value, change.At)
}
