// Package mqtt provides MQTT client connectivity for can2mqtt.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support, restored after reconnect
//   - Availability via Last Will and Testament plus online/offline publishes
//   - Connection health monitoring
//
// # Architecture
//
// The bridge talks to Home Assistant only through the broker:
//
//	CAN bus ↔ can2mqtt ↔ MQTT Broker ↔ Home Assistant
//
// Entity topics live under the discovery prefix (homeassistant/...). The
// bridge's own availability and health topics live under can2mqtt/{bridge_id}.
//
// # Usage
//
//	client := mqtt.New(cfg.MQTT, mqtt.Topics{}.Availability("van"))
//	client.SetOnConnect(bridge.OnConnected)
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe("homeassistant/#", 2,
//	    func(topic string, payload []byte) error {
//	        return nil
//	    })
//
// Callbacks must be registered before Connect, otherwise the first
// OnConnect event (and with it the first discovery publish) is missed.
package mqtt
