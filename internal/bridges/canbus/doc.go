// Package canbus implements the CAN bus bridge for can2mqtt.
//
// Nodes on the bus broadcast a periodic heartbeat frame carrying one byte
// per relay channel or sensor reading. This package turns those heartbeats
// into Home Assistant MQTT state messages and turns switch commands from
// Home Assistant into toggle frames.
//
// # Architecture
//
//	┌─────────────────┐          ┌─────────────────┐
//	│ Home Assistant  │   MQTT   │   CAN Bridge    │  SocketCAN
//	│                 │◄────────►│   (this pkg)    │◄────────► CAN bus
//	└─────────────────┘          └─────────────────┘
//
// # Frame Layout
//
// With the default protocol a node with id N uses:
//
//	0x700+N  heartbeat, up to 8 bytes, one value per configured offset
//	0x600+N  command, [0x02, slot, 0, 0, 0, 0, 0, 0] toggles relay "slot"
//
// Commands carry no desired state. Every message on a switch's set topic
// toggles the relay, and the next heartbeat reports the result.
//
// # Topics
//
//	homeassistant/switch/{unique_id}/config   retained discovery
//	homeassistant/switch/{unique_id}/state    ON / OFF
//	homeassistant/switch/{unique_id}/set      command
//	homeassistant/sensor/{unique_id}/config   retained discovery
//	homeassistant/sensor/{unique_id}/state    {"temperature": N}
//
// State is published only when a device's value changes. Discovery is
// published on every broker connect so a broker that lost its retained
// messages relearns the entities.
//
// # Lifecycle
//
//	b, err := canbus.NewBridge(canbus.BridgeOptions{...})
//	mqttClient.SetOnConnect(b.OnConnected)
//	if err := b.Start(ctx); err != nil {
//	    return err
//	}
//	defer b.Stop()
//	return b.Run(ctx)
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
package canbus
