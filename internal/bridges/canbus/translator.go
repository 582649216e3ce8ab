package canbus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Publisher is the broker side the translators write to.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// FrameSender is the bus side the command translator writes to.
type FrameSender interface {
	Send(ctx context.Context, frame Frame) error
}

// StateChange describes one confirmed, published value change.
type StateChange struct {
	Device   Device
	Previous int
	Value    int
	Payload  []byte
	At       time.Time
}

// StateObserver is notified after every confirmed change. Observers run
// on the bus goroutine and must not block.
type StateObserver interface {
	OnStateChange(change StateChange)
}

// Command sources reported to CommandObservers.
const (
	CommandSourceMQTT = "mqtt"
	CommandSourceAPI  = "api"
)

// CommandSent describes one toggle frame written to the bus.
type CommandSent struct {
	Switch Switch
	Source string
	At     time.Time
}

// CommandObserver is notified after every command frame that went out,
// whichever side asked for it. Observers must not block.
type CommandObserver interface {
	OnCommand(cmd CommandSent)
}

// StatePayload renders a raw heartbeat byte as the state message for d.
//
//	Switch, 1   -> ON
//	Switch, 0   -> OFF   (any value other than 1 is OFF)
//	Sensor, 72  -> {"temperature": 72}
func StatePayload(d Device, value int) []byte {
	switch dev := d.(type) {
	case Switch:
		if value == 1 {
			return []byte("ON")
		}
		return []byte("OFF")
	case Sensor:
		return []byte(`{"` + dev.valueField() + `": ` + strconv.Itoa(value) + `}`)
	default:
		return nil
	}
}

// BusToBrokerTranslator turns heartbeat frames into state publishes.
type BusToBrokerTranslator struct {
	proto      Protocol
	byStatusID map[uint32][]Device
	store      *StateStore
	pub        Publisher
	qos        byte

	observers   []StateObserver
	observersMu sync.RWMutex

	shortFrames atomic.Uint64
	published   atomic.Uint64

	// debug receives per-frame diagnostics. Nil discards them.
	debug func(msg string, keysAndValues ...any)
}

// NewBusToBrokerTranslator indexes devices by their heartbeat frame id.
func NewBusToBrokerTranslator(proto Protocol, devices []Device, store *StateStore, pub Publisher, qos byte) *BusToBrokerTranslator {
	byStatusID := make(map[uint32][]Device)
	for _, d := range devices {
		id := proto.StatusID(d.Info().DeviceID)
		byStatusID[id] = append(byStatusID[id], d)
	}
	return &BusToBrokerTranslator{
		proto:      proto,
		byStatusID: byStatusID,
		store:      store,
		pub:        pub,
		qos:        qos,
	}
}

// AddObserver registers an observer for confirmed state changes.
func (t *BusToBrokerTranslator) AddObserver(o StateObserver) {
	t.observersMu.Lock()
	defer t.observersMu.Unlock()
	t.observers = append(t.observers, o)
}

// HandleFrame updates every device the frame addresses and publishes the
// ones whose value changed. Publish failures are joined and returned; they
// do not stop the remaining devices, and the store keeps the new value.
func (t *BusToBrokerTranslator) HandleFrame(frame Frame) error {
	if !t.Matches(frame) {
		return nil
	}
	devices := t.byStatusID[frame.ID]

	var errs []error
	for _, d := range devices {
		info := d.Info()
		if info.HeartbeatOffset < 0 || info.HeartbeatOffset >= len(frame.Data) {
			t.shortFrames.Add(1)
			t.logDebug("heartbeat too short for device",
				"unique_id", info.UniqueID,
				"frame", frame.String(),
				"offset", info.HeartbeatOffset)
			continue
		}

		value := int(frame.Data[info.HeartbeatOffset])
		previous, changed := t.store.Observe(info.UniqueID, value)
		if !changed {
			continue
		}

		payload := StatePayload(d, value)
		if err := t.pub.Publish(t.proto.StateTopic(d), payload, t.qos, false); err != nil {
			errs = append(errs, fmt.Errorf("publish %s state: %w", info.UniqueID, err))
			continue
		}
		t.published.Add(1)

		t.notify(StateChange{
			Device:   d,
			Previous: previous,
			Value:    value,
			Payload:  payload,
			At:       time.Now(),
		})
	}
	return errors.Join(errs...)
}

// ShortFrames returns how many device extractions were skipped because the
// heartbeat payload was too short.
func (t *BusToBrokerTranslator) ShortFrames() uint64 { return t.shortFrames.Load() }

// Published returns the number of state messages sent.
func (t *BusToBrokerTranslator) Published() uint64 { return t.published.Load() }

// Matches reports whether frame is the heartbeat of a configured device.
// Extended frames never match, even when the 29-bit id equals a status id.
func (t *BusToBrokerTranslator) Matches(frame Frame) bool {
	if frame.Extended {
		return false
	}
	_, ok := t.byStatusID[frame.ID]
	return ok
}

func (t *BusToBrokerTranslator) notify(change StateChange) {
	t.observersMu.RLock()
	observers := t.observers
	t.observersMu.RUnlock()

	for _, o := range observers {
		o.OnStateChange(change)
	}
}

func (t *BusToBrokerTranslator) logDebug(msg string, keysAndValues ...any) {
	if t.debug != nil {
		t.debug(msg, keysAndValues...)
	}
}

// BrokerToBusTranslator turns command topic messages into toggle frames.
type BrokerToBusTranslator struct {
	proto          Protocol
	byCommandTopic map[string]Switch
	sender         FrameSender
}

// NewBrokerToBusTranslator indexes switches by command topic.
func NewBrokerToBusTranslator(proto Protocol, devices []Device, sender FrameSender) *BrokerToBusTranslator {
	byTopic := make(map[string]Switch)
	for _, d := range devices {
		if sw, ok := d.(Switch); ok {
			byTopic[proto.CommandTopic(sw)] = sw
		}
	}
	return &BrokerToBusTranslator{
		proto:          proto,
		byCommandTopic: byTopic,
		sender:         sender,
	}
}

// HandleMessage sends the toggle frame when topic is a switch's command
// topic. The payload is not inspected: every message toggles. Other topics,
// including the bridge's own config and state echoes, report matched=false.
func (t *BrokerToBusTranslator) HandleMessage(ctx context.Context, topic string, _ []byte) (matched bool, err error) {
	sw, ok := t.SwitchFor(topic)
	if !ok {
		return false, nil
	}
	return true, t.SendCommand(ctx, sw)
}

// SwitchFor returns the switch whose command topic is topic.
func (t *BrokerToBusTranslator) SwitchFor(topic string) (Switch, bool) {
	sw, ok := t.byCommandTopic[topic]
	return sw, ok
}

// SendCommand sends the toggle frame for sw.
func (t *BrokerToBusTranslator) SendCommand(ctx context.Context, sw Switch) error {
	frame := t.proto.BuildCommandFrame(sw)
	if err := t.sender.Send(ctx, frame); err != nil {
		// Connectors already tag their own failures with ErrSendFailed.
		if errors.Is(err, ErrSendFailed) {
			return fmt.Errorf("%s (%s): %w", sw.UniqueID, frame, err)
		}
		return fmt.Errorf("%w: %s (%s): %w", ErrSendFailed, sw.UniqueID, frame, err)
	}
	return nil
}
