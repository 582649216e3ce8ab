//go:build integration

package canbus

import (
	"context"
	"testing"
	"time"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
)

// Integration tests over the SocketCAN UDP multicast emulation. No kernel
// CAN support is needed, but the host must allow multicast on loopback.
//
// Run with: go test -tags=integration -v ./internal/bridges/canbus/...

const integrationGroup = "239.64.142.206:56789"

// TestIntegrationBridgeFullCycle drives heartbeat → state and command → frame
// through a real SocketCANClient.
func TestIntegrationBridgeFullCycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := Dial(ctx, SocketCANConfig{Network: "udp", Interface: integrationGroup})
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}

	node, err := socketcan.DialContext(ctx, "udp", integrationGroup)
	if err != nil {
		t.Fatalf("node DialContext() error: %v", err)
	}
	defer node.Close()

	mqtt := NewMockMQTTClient()
	b, err := NewBridge(BridgeOptions{
		Table:        DefaultDeviceTable(),
		MQTTClient:   mqtt,
		Connector:    client,
		BridgeID:     "int-test",
		PollInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewBridge() error: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer b.Stop()

	go b.Run(ctx) //nolint:errcheck // Stopped by b.Stop

	t.Run("heartbeat_to_state", func(t *testing.T) {
		frame := can.Frame{ID: 0x740, Length: 8, Data: can.Data{72, 0, 0, 0, 0, 0, 1, 0}}
		if err := socketcan.NewTransmitter(node).TransmitFrame(ctx, frame); err != nil {
			t.Fatalf("TransmitFrame() error: %v", err)
		}

		ok := waitFor(func() bool {
			got := mqtt.PublishedTo("homeassistant/switch/fez-heater/state")
			return len(got) == 1 && string(got[0].Payload) == "ON"
		})
		if !ok {
			t.Fatal("fez-heater ON state not published")
		}
	})

	t.Run("command_to_frame", func(t *testing.T) {
		received := make(chan can.Frame, 4)
		go func() {
			rx := socketcan.NewReceiver(node)
			for rx.Receive() {
				if f := rx.Frame(); f.ID == 0x640 {
					received <- f
					return
				}
			}
		}()

		mqtt.SimulateMessage("homeassistant/switch/fez-eng-preheat/set", []byte("ON"))

		select {
		case f := <-received:
			if f.Data[0] != 0x02 || f.Data[1] != 0x01 {
				t.Errorf("command data = % X, want 02 01 ...", f.Data[:f.Length])
			}
		case <-time.After(5 * time.Second):
			t.Fatal("command frame not seen on the bus")
		}
	})
}
