package canbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func newTestTranslator(t *testing.T) (*BusToBrokerTranslator, *MockMQTTClient, *StateStore) {
	t.Helper()
	table := DefaultDeviceTable()
	store := NewStateStore(table.UniqueIDs())
	mqtt := NewMockMQTTClient()
	return NewBusToBrokerTranslator(table.Protocol, table.Devices(), store, mqtt, 0), mqtt, store
}

// =============================================================================
// State Payload Tests
// =============================================================================

func TestStatePayload(t *testing.T) {
	table := DefaultDeviceTable()
	sw := table.Switches[0]
	sensor := table.Sensors[0]

	tests := []struct {
		name   string
		device Device
		value  int
		want   string
	}{
		{"switch on", sw, 1, "ON"},
		{"switch off", sw, 0, "OFF"},
		{"switch odd value is off", sw, 2, "OFF"},
		{"switch 255 is off", sw, 255, "OFF"},
		{"sensor", sensor, 72, `{"temperature": 72}`},
		{"sensor zero", sensor, 0, `{"temperature": 0}`},
		{"sensor custom field", Sensor{ValueField: "pressure"}, 30, `{"pressure": 30}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(StatePayload(tt.device, tt.value)); got != tt.want {
				t.Errorf("StatePayload() = %q, want %q", got, tt.want)
			}
		})
	}
}

// =============================================================================
// Bus to Broker Tests
// =============================================================================

func TestHandleFrame_SwitchOn(t *testing.T) {
	tr, mqtt, store := newTestTranslator(t)

	// Offset 6 carries fez-heater, offset 7 fez-eng-preheat, offset 0 the sensor.
	if err := tr.HandleFrame(heartbeat(0, 0, 0, 0, 0, 0, 1, 0)); err != nil {
		t.Fatalf("HandleFrame() error = %v", err)
	}

	heater := mqtt.PublishedTo("homeassistant/switch/fez-heater/state")
	if len(heater) != 1 || string(heater[0].Payload) != "ON" {
		t.Fatalf("fez-heater publishes = %+v, want one ON", heater)
	}
	if heater[0].Retained {
		t.Error("state publish is retained, want non-retained")
	}

	preheat := mqtt.PublishedTo("homeassistant/switch/fez-eng-preheat/state")
	if len(preheat) != 1 || string(preheat[0].Payload) != "OFF" {
		t.Errorf("fez-eng-preheat publishes = %+v, want one OFF", preheat)
	}

	sensor := mqtt.PublishedTo("homeassistant/sensor/fez-heater-input/state")
	if len(sensor) != 1 || string(sensor[0].Payload) != `{"temperature": 0}` {
		t.Errorf("sensor publishes = %+v", sensor)
	}

	if got := store.Get("fez-heater"); got != 1 {
		t.Errorf("store fez-heater = %d, want 1", got)
	}
	if tr.Published() != 3 {
		t.Errorf("Published() = %d, want 3", tr.Published())
	}
}

func TestHandleFrame_SensorValue(t *testing.T) {
	tr, mqtt, _ := newTestTranslator(t)

	if err := tr.HandleFrame(heartbeat(72, 0, 0, 0, 0, 0, 0, 0)); err != nil {
		t.Fatalf("HandleFrame() error = %v", err)
	}

	got := mqtt.PublishedTo("homeassistant/sensor/fez-heater-input/state")
	if len(got) != 1 || string(got[0].Payload) != `{"temperature": 72}` {
		t.Errorf("sensor publishes = %+v, want {\"temperature\": 72}", got)
	}
}

func TestHandleFrame_EdgeTriggered(t *testing.T) {
	tr, mqtt, _ := newTestTranslator(t)
	frame := heartbeat(72, 0, 0, 0, 0, 0, 1, 0)

	for i := 0; i < 5; i++ {
		if err := tr.HandleFrame(frame); err != nil {
			t.Fatalf("HandleFrame() #%d error = %v", i, err)
		}
	}
	if n := len(mqtt.GetPublished()); n != 3 {
		t.Fatalf("identical heartbeats published %d messages, want 3", n)
	}

	// Only the heater byte changes.
	if err := tr.HandleFrame(heartbeat(72, 0, 0, 0, 0, 0, 0, 0)); err != nil {
		t.Fatal(err)
	}
	published := mqtt.GetPublished()
	if len(published) != 4 {
		t.Fatalf("published %d messages, want 4", len(published))
	}
	last := published[3]
	if last.Topic != "homeassistant/switch/fez-heater/state" || string(last.Payload) != "OFF" {
		t.Errorf("last publish = %s %q, want fez-heater OFF", last.Topic, last.Payload)
	}
}

func TestHandleFrame_ShortFrame(t *testing.T) {
	tr, mqtt, store := newTestTranslator(t)
	var debugged []string
	tr.debug = func(msg string, _ ...any) { debugged = append(debugged, msg) }

	// Four bytes: the sensor at offset 0 is present, both switches are not.
	if err := tr.HandleFrame(heartbeat(65, 0, 0, 0)); err != nil {
		t.Fatalf("HandleFrame() error = %v", err)
	}

	published := mqtt.GetPublished()
	if len(published) != 1 || published[0].Topic != "homeassistant/sensor/fez-heater-input/state" {
		t.Fatalf("published = %+v, want only the sensor", published)
	}
	if store.Get("fez-heater") != StateUnknown || store.Get("fez-eng-preheat") != StateUnknown {
		t.Error("short frame changed switch state")
	}
	if tr.ShortFrames() != 2 {
		t.Errorf("ShortFrames() = %d, want 2", tr.ShortFrames())
	}
	if len(debugged) != 2 {
		t.Errorf("debug lines = %d, want 2", len(debugged))
	}
}

func TestHandleFrame_EmptyFrame(t *testing.T) {
	tr, mqtt, _ := newTestTranslator(t)

	if err := tr.HandleFrame(heartbeat()); err != nil {
		t.Fatalf("HandleFrame() error = %v", err)
	}
	if len(mqtt.GetPublished()) != 0 {
		t.Error("empty frame produced publishes")
	}
	if tr.ShortFrames() != 3 {
		t.Errorf("ShortFrames() = %d, want 3", tr.ShortFrames())
	}
}

func TestHandleFrame_UnknownID(t *testing.T) {
	tr, mqtt, _ := newTestTranslator(t)

	for _, id := range []uint32{0x741, 0x640, 0x040, 0x000} {
		if err := tr.HandleFrame(Frame{ID: id, Data: []byte{1, 1, 1, 1, 1, 1, 1, 1}}); err != nil {
			t.Errorf("HandleFrame(0x%X) error = %v", id, err)
		}
	}
	if len(mqtt.GetPublished()) != 0 {
		t.Error("unrelated frames produced publishes")
	}
	if tr.Matches(Frame{ID: 0x741}) {
		t.Error("Matches(0x741) = true")
	}
	if !tr.Matches(Frame{ID: 0x740}) {
		t.Error("Matches(0x740) = false")
	}
}

func TestHandleFrame_ExtendedIDIgnored(t *testing.T) {
	tr, mqtt, store := newTestTranslator(t)

	// A 29-bit id that happens to equal a status id is another protocol.
	frame := Frame{ID: 0x740, Data: []byte{70, 0, 0, 0, 0, 0, 1, 1}, Extended: true}
	if err := tr.HandleFrame(frame); err != nil {
		t.Fatalf("HandleFrame() error = %v", err)
	}
	if len(mqtt.GetPublished()) != 0 {
		t.Errorf("extended frame produced %d publishes", len(mqtt.GetPublished()))
	}
	if store.Get("fez-heater") != StateUnknown {
		t.Errorf("store updated from extended frame: %v", store.Snapshot())
	}
	if tr.Matches(frame) {
		t.Error("Matches(extended 0x740) = true")
	}
}

func TestHandleFrame_PublishErrorKeepsState(t *testing.T) {
	tr, mqtt, store := newTestTranslator(t)
	mqtt.SetPublishError(errMock)

	err := tr.HandleFrame(heartbeat(70, 0, 0, 0, 0, 0, 1, 1))
	if !errors.Is(err, errMock) {
		t.Fatalf("HandleFrame() error = %v, want errMock", err)
	}

	// Every device was still attempted and recorded.
	if store.Get("fez-heater") != 1 || store.Get("fez-eng-preheat") != 1 || store.Get("fez-heater-input") != 70 {
		t.Errorf("store = %v", store.Snapshot())
	}
	if tr.Published() != 0 {
		t.Errorf("Published() = %d, want 0", tr.Published())
	}
}

func TestHandleFrame_NotifiesObservers(t *testing.T) {
	tr, _, _ := newTestTranslator(t)
	obs := &recordingObserver{}
	tr.AddObserver(obs)

	if err := tr.HandleFrame(heartbeat(72, 0, 0, 0, 0, 0, 1, 0)); err != nil {
		t.Fatal(err)
	}
	if err := tr.HandleFrame(heartbeat(72, 0, 0, 0, 0, 0, 1, 0)); err != nil {
		t.Fatal(err)
	}

	changes := obs.Changes()
	if len(changes) != 3 {
		t.Fatalf("observer saw %d changes, want 3", len(changes))
	}
	first := changes[0]
	if first.Device.Info().UniqueID != "fez-heater" {
		t.Errorf("first change device = %s, want fez-heater", first.Device.Info().UniqueID)
	}
	if first.Previous != StateUnknown || first.Value != 1 || string(first.Payload) != "ON" {
		t.Errorf("first change = %+v", first)
	}
	if first.At.IsZero() {
		t.Error("change timestamp not set")
	}
}

// =============================================================================
// Broker to Bus Tests
// =============================================================================

func TestHandleMessage_SendsToggle(t *testing.T) {
	table := DefaultDeviceTable()
	conn := NewMockConnector()
	tr := NewBrokerToBusTranslator(table.Protocol, table.Devices(), conn)

	tests := []struct {
		topic   string
		payload string
		wantID  uint32
		wantArg byte
	}{
		{"homeassistant/switch/fez-heater/set", "ON", 0x640, 0},
		{"homeassistant/switch/fez-heater/set", "OFF", 0x640, 0},
		{"homeassistant/switch/fez-eng-preheat/set", "ON", 0x640, 1},
		{"homeassistant/switch/fez-eng-preheat/set", "", 0x640, 1},
	}

	for i, tt := range tests {
		matched, err := tr.HandleMessage(context.Background(), tt.topic, []byte(tt.payload))
		if err != nil || !matched {
			t.Fatalf("HandleMessage(%s) = %v, %v", tt.topic, matched, err)
		}
		sent := conn.GetSent()
		if len(sent) != i+1 {
			t.Fatalf("sent %d frames, want %d", len(sent), i+1)
		}
		f := sent[i]
		if f.ID != tt.wantID {
			t.Errorf("frame id = 0x%X, want 0x%X", f.ID, tt.wantID)
		}
		want := []byte{0x02, tt.wantArg, 0, 0, 0, 0, 0, 0}
		if string(f.Data) != string(want) {
			t.Errorf("frame data = % X, want % X", f.Data, want)
		}
	}
}

func TestHandleMessage_IgnoresOtherTopics(t *testing.T) {
	table := DefaultDeviceTable()
	conn := NewMockConnector()
	tr := NewBrokerToBusTranslator(table.Protocol, table.Devices(), conn)

	topics := []string{
		"homeassistant/switch/fez-heater/config",
		"homeassistant/switch/fez-heater/state",
		"homeassistant/sensor/fez-heater-input/set",
		"homeassistant/switch/unknown/set",
		"homeassistant/status",
	}
	for _, topic := range topics {
		matched, err := tr.HandleMessage(context.Background(), topic, []byte("ON"))
		if matched || err != nil {
			t.Errorf("HandleMessage(%s) = %v, %v; want false, nil", topic, matched, err)
		}
	}
	if len(conn.GetSent()) != 0 {
		t.Error("frames sent for non-command topics")
	}
}

func TestHandleMessage_SendFailure(t *testing.T) {
	table := DefaultDeviceTable()
	conn := NewMockConnector()
	conn.SetSendError(errMock)
	tr := NewBrokerToBusTranslator(table.Protocol, table.Devices(), conn)

	matched, err := tr.HandleMessage(context.Background(), "homeassistant/switch/fez-heater/set", nil)
	if !matched {
		t.Error("matched = false for a command topic")
	}
	if !errors.Is(err, ErrSendFailed) || !errors.Is(err, errMock) {
		t.Errorf("error = %v, want ErrSendFailed wrapping errMock", err)
	}
}

func TestSendCommand_ConnectorErrorWrappedOnce(t *testing.T) {
	table := DefaultDeviceTable()
	conn := NewMockConnector()
	// SocketCANClient.Send tags its failures with ErrSendFailed itself.
	conn.SetSendError(fmt.Errorf("%w: %w", ErrSendFailed, errMock))
	tr := NewBrokerToBusTranslator(table.Protocol, table.Devices(), conn)

	err := tr.SendCommand(context.Background(), table.Switches[0])
	if !errors.Is(err, ErrSendFailed) || !errors.Is(err, errMock) {
		t.Fatalf("error = %v, want ErrSendFailed wrapping errMock", err)
	}
	if n := strings.Count(err.Error(), ErrSendFailed.Error()); n != 1 {
		t.Errorf("error = %q mentions ErrSendFailed %d times, want 1", err, n)
	}
	if !strings.Contains(err.Error(), "fez-heater") {
		t.Errorf("error = %q, want the switch id", err)
	}
}
