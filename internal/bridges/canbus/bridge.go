package canbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Bridge operation defaults.
const (
	defaultPollInterval   = time.Second
	defaultCommandTimeout = 5 * time.Second

	// subscribeQoS is the QoS of the discovery wildcard subscription.
	subscribeQoS = 2
)

// BridgeState is the lifecycle state of a Bridge.
type BridgeState int32

// Lifecycle states, in order.
const (
	StateCreated BridgeState = iota
	StateStarted
	StateRunning
	StateStopping
	StateStopped
)

// String returns the lower-case state name.
func (s BridgeState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// MQTTClient is the broker side of the bridge.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	IsConnected() bool
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// Table is the device table. Required.
	Table *DeviceTable

	// MQTTClient is the broker connection. Required.
	MQTTClient MQTTClient

	// Connector is the CAN connection. Required.
	Connector Connector

	BridgeID   string
	InstanceID string
	Version    string

	// QoS is used for state and discovery publishes.
	QoS byte

	// PollInterval bounds each wait for a frame. Default: 1 second.
	PollInterval time.Duration

	// CommandTimeout bounds each bus send. Default: 5 seconds.
	CommandTimeout time.Duration

	// HealthTopic and HealthInterval configure health reporting. An empty
	// topic disables publishing.
	HealthTopic    string
	HealthInterval time.Duration

	// AvailabilityTopic is advertised in discovery configs when set.
	AvailabilityTopic string

	// Interface is the CAN interface name, for health and logs.
	Interface string

	// Recorder is optional. It sees every received frame.
	Recorder FrameRecorder

	// Logger is optional structured logger.
	Logger Logger
}

// Bridge ties the CAN bus to the broker. It owns the device table and the
// state store; the translators hold references to both.
//
// Thread Safety: Run processes frames on one goroutine; broker callbacks
// arrive on the MQTT client's goroutines. All methods are safe for
// concurrent use.
type Bridge struct {
	opts    BridgeOptions
	proto   Protocol
	table   *DeviceTable
	devices []Device
	store   *StateStore

	mqtt      MQTTClient
	connector Connector
	recorder  FrameRecorder

	busToBroker *BusToBrokerTranslator
	brokerToBus *BrokerToBusTranslator
	discovery   *DiscoveryPublisher
	health      *HealthReporter

	state   atomic.Int32
	running atomic.Bool

	// runMu orders Run admission against Stop. Once stopping is set no
	// run loop can join wg, so Stop's Wait covers every loop.
	runMu    sync.Mutex
	stopping bool

	commandObserversMu sync.RWMutex
	commandObservers   []CommandObserver

	commandsHandled atomic.Uint64
	commandErrors   atomic.Uint64
	discoveryRuns   atomic.Uint64

	// Shutdown coordination
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context    // Bridge-level context, cancelled on Stop()
	ctxCancel context.CancelFunc // Cancel function for ctx

	logger   Logger
	loggerMu sync.RWMutex
}

// NewBridge validates the table and builds the translators. No transport
// is touched until Start.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Table == nil {
		return nil, fmt.Errorf("device table is required")
	}
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Connector == nil {
		return nil, fmt.Errorf("CAN connector is required")
	}
	if err := opts.Table.Validate(); err != nil {
		return nil, err
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	devices := opts.Table.Devices()
	proto := opts.Table.Protocol

	b := &Bridge{
		opts:      opts,
		proto:     proto,
		table:     opts.Table,
		devices:   devices,
		store:     NewStateStore(opts.Table.UniqueIDs()),
		mqtt:      opts.MQTTClient,
		connector: opts.Connector,
		recorder:  opts.Recorder,
		done:      make(chan struct{}),
		ctx:       ctx,
		ctxCancel: ctxCancel,
		logger:    opts.Logger,
	}

	b.busToBroker = NewBusToBrokerTranslator(proto, devices, b.store, opts.MQTTClient, opts.QoS)
	b.busToBroker.debug = b.logDebug
	b.brokerToBus = NewBrokerToBusTranslator(proto, devices, opts.Connector)

	var device *DiscoveryDevice
	if opts.BridgeID != "" {
		device = &DiscoveryDevice{
			Identifiers:  []string{"can2mqtt_" + opts.BridgeID},
			Name:         opts.BridgeID,
			Manufacturer: "can2mqtt",
			Model:        "CAN bus bridge",
			SWVersion:    opts.Version,
		}
	}
	b.discovery = NewDiscoveryPublisher(proto, devices, opts.MQTTClient, DiscoveryOptions{
		QoS:               opts.QoS,
		AvailabilityTopic: opts.AvailabilityTopic,
		Device:            device,
	})

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:   opts.BridgeID,
		InstanceID: opts.InstanceID,
		Version:    opts.Version,
		Topic:      opts.HealthTopic,
		Interval:   opts.HealthInterval,
		Publisher:  opts.MQTTClient,
		Connector:  opts.Connector,
		Interface:  opts.Interface,
		Snapshot:   b.healthSnapshot,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// Start installs the discovery wildcard subscription and starts health
// reporting. If the broker is already connected, discovery is published
// immediately and the bridge moves to Running; otherwise that happens on
// the first OnConnected.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.state.CompareAndSwap(int32(StateCreated), int32(StateStarted)) {
		return fmt.Errorf("%w: start in state %s", ErrInvalidState, b.State())
	}

	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	topic := b.proto.SubscribeTopic()
	if err := b.mqtt.Subscribe(topic, subscribeQoS, b.OnMessage); err != nil {
		b.state.Store(int32(StateCreated))
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	b.logInfo("subscribed to discovery namespace", "topic", topic)

	b.health.Start(ctx)

	if b.mqtt.IsConnected() {
		b.publishDiscovery()
	}

	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish health status", err)
	}

	b.logInfo("bridge started",
		"bridge_id", b.opts.BridgeID,
		"devices", len(b.devices),
		"state", b.State().String())
	return nil
}

// Run consumes the frame stream until ctx is cancelled or Stop is called
// (both return nil), or the stream ends (ErrStreamClosed).
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.admitRun(); err != nil {
		return err
	}
	// Deferred in reverse: running is cleared before Stop's Wait returns.
	defer b.wg.Done()
	defer b.running.Store(false)

	for {
		select {
		case <-b.done:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		frame, err := b.connector.ReceiveNext(ctx, b.opts.PollInterval)
		switch {
		case err == nil:
			b.handleFrame(frame)
		case errors.Is(err, ErrReceiveTimeout):
			continue
		case errors.Is(err, ErrStreamClosed):
			if b.isStopping() {
				return nil
			}
			b.logError("frame stream closed", err)
			return ErrStreamClosed
		case ctx.Err() != nil:
			return nil
		default:
			b.logError("receive failed", err)
			b.pause(ctx)
		}
	}
}

// Stop shuts the bridge down: the run loop is signalled and awaited, health
// reporting publishes "stopping", and the CAN connector is closed.
// Safe to call multiple times.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.runMu.Lock()
		b.stopping = true
		b.state.Store(int32(StateStopping))
		b.runMu.Unlock()

		close(b.done)

		// Cancel bridge context to abort in-flight commands
		b.ctxCancel()

		b.wg.Wait()
		b.health.Stop()

		if err := b.connector.Close(); err != nil {
			b.logError("failed to close CAN connector", err)
		}

		b.state.Store(int32(StateStopped))
		b.logInfo("bridge stopped")
	})
}

// admitRun claims the single run loop slot and joins wg, or refuses.
func (b *Bridge) admitRun() error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	if b.stopping {
		return fmt.Errorf("%w: run after stop", ErrInvalidState)
	}
	switch s := b.State(); s {
	case StateStarted, StateRunning:
	default:
		return fmt.Errorf("%w: run in state %s", ErrInvalidState, s)
	}
	if b.running.Load() {
		return fmt.Errorf("%w: run loop already active", ErrInvalidState)
	}
	b.running.Store(true)
	b.wg.Add(1)
	return nil
}

// OnConnected republishes discovery. Wire it to the MQTT client's
// connect callback so it runs on every connect and reconnect.
func (b *Bridge) OnConnected() {
	switch b.State() {
	case StateStarted, StateRunning:
		b.publishDiscovery()
	default:
		b.logDebug("connect event ignored", "state", b.State().String())
	}
}

// OnDisconnected logs the loss. The MQTT client reconnects on its own.
func (b *Bridge) OnDisconnected(err error) {
	b.logWarn("MQTT connection lost", "error", err, "state", b.State().String())
}

// OnMessage handles every message under the discovery namespace. Only
// switch command topics act; everything else is ignored.
func (b *Bridge) OnMessage(topic string, _ []byte) {
	switch b.State() {
	case StateStarted, StateRunning:
	default:
		return
	}

	sw, ok := b.brokerToBus.SwitchFor(topic)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, b.opts.CommandTimeout)
	defer cancel()

	if err := b.sendCommand(ctx, sw, CommandSourceMQTT); err != nil {
		b.logError("command failed", err)
		return
	}
	b.logInfo("command sent", "topic", topic)
}

// Toggle sends one command frame to the named switch. Command observers
// see it with source CommandSourceAPI.
func (b *Bridge) Toggle(ctx context.Context, uniqueID string) error {
	d, ok := b.table.Find(uniqueID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, uniqueID)
	}
	sw, ok := d.(Switch)
	if !ok {
		return fmt.Errorf("%w: %s is a %s, not a switch", ErrUnknownDevice, uniqueID, d.Kind())
	}

	ctx, cancel := context.WithTimeout(ctx, b.opts.CommandTimeout)
	defer cancel()

	return b.sendCommand(ctx, sw, CommandSourceAPI)
}

// sendCommand writes the toggle frame, counts it and tells command
// observers when it went out.
func (b *Bridge) sendCommand(ctx context.Context, sw Switch, source string) error {
	b.commandsHandled.Add(1)
	if err := b.brokerToBus.SendCommand(ctx, sw); err != nil {
		b.commandErrors.Add(1)
		return err
	}

	cmd := CommandSent{Switch: sw, Source: source, At: time.Now()}
	b.commandObserversMu.RLock()
	observers := b.commandObservers
	b.commandObserversMu.RUnlock()
	for _, o := range observers {
		o.OnCommand(cmd)
	}
	return nil
}

// AddCommandObserver registers o for command frames sent from either
// side.
func (b *Bridge) AddCommandObserver(o CommandObserver) {
	b.commandObserversMu.Lock()
	defer b.commandObserversMu.Unlock()
	b.commandObservers = append(b.commandObservers, o)
}

// AddStateObserver registers o for confirmed state changes. Register
// observers before Run.
func (b *Bridge) AddStateObserver(o StateObserver) {
	b.busToBroker.AddObserver(o)
}

// State returns the current lifecycle state.
func (b *Bridge) State() BridgeState {
	return BridgeState(b.state.Load())
}

// Protocol returns the protocol constants in use.
func (b *Bridge) Protocol() Protocol { return b.proto }

// Devices returns the device table in switches-then-sensors order.
func (b *Bridge) Devices() []Device { return b.devices }

// Statuses describes every device with its current value.
func (b *Bridge) Statuses() []DeviceStatus {
	return DescribeDevices(b.proto, b.devices, b.store)
}

// Health returns the current health message without publishing it.
func (b *Bridge) Health() HealthMessage {
	return b.health.Current()
}

// BridgeMetrics contains counters for the status API and telemetry.
type BridgeMetrics struct {
	State           string
	MQTTConnected   bool
	BusConnected    bool
	Bus             BusStats
	StatesPublished uint64
	ShortFrames     uint64
	CommandsHandled uint64
	CommandErrors   uint64
	DiscoveryRuns   uint64
	DevicesManaged  int
}

// GetMetrics returns current bridge metrics.
func (b *Bridge) GetMetrics() BridgeMetrics {
	return BridgeMetrics{
		State:           b.State().String(),
		MQTTConnected:   b.mqtt.IsConnected(),
		BusConnected:    b.connector.IsConnected(),
		Bus:             b.connector.Stats(),
		StatesPublished: b.busToBroker.Published(),
		ShortFrames:     b.busToBroker.ShortFrames(),
		CommandsHandled: b.commandsHandled.Load(),
		CommandErrors:   b.commandErrors.Load(),
		DiscoveryRuns:   b.discoveryRuns.Load(),
		DevicesManaged:  len(b.devices),
	}
}

// SetLogger sets the logger for the bridge and its health reporter.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
	b.health.SetLogger(logger)
}

func (b *Bridge) handleFrame(frame Frame) {
	if err := b.busToBroker.HandleFrame(frame); err != nil {
		b.logError("state publish failed", err)
	}
	if b.recorder != nil {
		b.recorder.RecordFrame(frame, b.busToBroker.Matches(frame))
	}
}

// publishDiscovery announces every device and moves Started to Running.
func (b *Bridge) publishDiscovery() {
	b.discoveryRuns.Add(1)
	if err := b.discovery.PublishAll(); err != nil {
		b.logError("discovery publish incomplete", err)
	} else {
		b.logInfo("discovery published", "devices", len(b.devices))
	}
	b.state.CompareAndSwap(int32(StateStarted), int32(StateRunning))
}

func (b *Bridge) healthSnapshot() HealthSnapshot {
	return HealthSnapshot{
		State:           b.State().String(),
		DevicesManaged:  len(b.devices),
		ShortFrames:     b.busToBroker.ShortFrames(),
		StatesPublished: b.busToBroker.Published(),
	}
}

func (b *Bridge) isStopping() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// pause waits one poll interval after an unexpected receive error.
func (b *Bridge) pause(ctx context.Context) {
	timer := time.NewTimer(b.opts.PollInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-b.done:
	case <-ctx.Done():
	}
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

// logInfo logs an info message if logger is set.
func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (b *Bridge) logError(msg string, err error) {
	if logger := b.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
