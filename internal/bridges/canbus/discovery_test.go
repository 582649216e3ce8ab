package canbus

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestConfigPayload_Switch(t *testing.T) {
	table := DefaultDeviceTable()
	p := NewDiscoveryPublisher(table.Protocol, table.Devices(), NewMockMQTTClient(), DiscoveryOptions{})

	payload, err := p.ConfigPayload(table.Switches[0])
	if err != nil {
		t.Fatalf("ConfigPayload() error = %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	want := map[string]any{
		"unique_id":     "fez-heater",
		"name":          "Hydronic Heater/Pump",
		"state_topic":   "homeassistant/switch/fez-heater/state",
		"command_topic": "homeassistant/switch/fez-heater/set",
	}
	if len(got) != len(want) {
		t.Errorf("payload has %d keys, want %d: %s", len(got), len(want), payload)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}
}

func TestConfigPayload_Sensor(t *testing.T) {
	table := DefaultDeviceTable()
	p := NewDiscoveryPublisher(table.Protocol, table.Devices(), NewMockMQTTClient(), DiscoveryOptions{})

	payload, err := p.ConfigPayload(table.Sensors[0])
	if err != nil {
		t.Fatalf("ConfigPayload() error = %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	want := map[string]any{
		"unique_id":           "fez-heater-input",
		"name":                "Input Coolant Temp",
		"state_topic":         "homeassistant/sensor/fez-heater-input/state",
		"device_class":        "temperature",
		"unit_of_measurement": "°F",
		"value_template":      "{{ value_json.temperature }}",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}
	if _, ok := got["command_topic"]; ok {
		t.Error("sensor config has command_topic")
	}
}

func TestConfigPayload_Enriched(t *testing.T) {
	table := DefaultDeviceTable()
	p := NewDiscoveryPublisher(table.Protocol, table.Devices(), NewMockMQTTClient(), DiscoveryOptions{
		AvailabilityTopic: "can2mqtt/van/availability",
		Device:            &DiscoveryDevice{Identifiers: []string{"can2mqtt_van"}, Name: "van"},
	})

	payload, err := p.ConfigPayload(table.Switches[1])
	if err != nil {
		t.Fatal(err)
	}

	var got struct {
		AvailabilityTopic string          `json:"availability_topic"`
		Device            DiscoveryDevice `json:"device"`
	}
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatal(err)
	}
	if got.AvailabilityTopic != "can2mqtt/van/availability" {
		t.Errorf("availability_topic = %q", got.AvailabilityTopic)
	}
	if got.Device.Name != "van" || len(got.Device.Identifiers) != 1 {
		t.Errorf("device = %+v", got.Device)
	}
}

func TestPublishAll(t *testing.T) {
	table := DefaultDeviceTable()
	mqtt := NewMockMQTTClient()
	p := NewDiscoveryPublisher(table.Protocol, table.Devices(), mqtt, DiscoveryOptions{QoS: 1})

	if err := p.PublishAll(); err != nil {
		t.Fatalf("PublishAll() error = %v", err)
	}

	published := mqtt.GetPublished()
	wantTopics := []string{
		"homeassistant/switch/fez-heater/config",
		"homeassistant/switch/fez-eng-preheat/config",
		"homeassistant/sensor/fez-heater-input/config",
	}
	if len(published) != len(wantTopics) {
		t.Fatalf("published %d messages, want %d", len(published), len(wantTopics))
	}
	for i, topic := range wantTopics {
		if published[i].Topic != topic {
			t.Errorf("publish[%d] topic = %q, want %q", i, published[i].Topic, topic)
		}
		if !published[i].Retained {
			t.Errorf("publish[%d] not retained", i)
		}
		if published[i].QoS != 1 {
			t.Errorf("publish[%d] QoS = %d, want 1", i, published[i].QoS)
		}
	}
}

func TestPublishAll_JoinsErrors(t *testing.T) {
	table := DefaultDeviceTable()
	mqtt := NewMockMQTTClient()
	mqtt.SetPublishError(errMock)
	p := NewDiscoveryPublisher(table.Protocol, table.Devices(), mqtt, DiscoveryOptions{})

	err := p.PublishAll()
	if !errors.Is(err, errMock) {
		t.Fatalf("PublishAll() error = %v, want errMock", err)
	}

	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) || len(joined.Unwrap()) != 3 {
		t.Errorf("expected one error per device, got %v", err)
	}
}
