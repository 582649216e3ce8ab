package canbus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu            sync.Mutex
	published     []mockPublish
	subscriptions []mockSubscription
	connected     bool
	publishErr    error
	subscribeErr  error
	handlers      map[string]func(topic string, payload []byte)
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

type mockSubscription struct {
	Topic string
	QoS   byte
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]func(topic string, payload []byte)),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, mockPublish{
		Topic:    topic,
		Payload:  append([]byte(nil), payload...),
		QoS:      qos,
		Retained: retained,
	})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeErr != nil {
		return m.subscribeErr
	}
	m.subscriptions = append(m.subscriptions, mockSubscription{Topic: topic, QoS: qos})
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
}

func (m *MockMQTTClient) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishErr = err
}

func (m *MockMQTTClient) GetPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockPublish(nil), m.published...)
}

// PublishedTo returns messages sent to topic, in order.
func (m *MockMQTTClient) PublishedTo(topic string) []mockPublish {
	var out []mockPublish
	for _, p := range m.GetPublished() {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func (m *MockMQTTClient) GetSubscriptions() []mockSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockSubscription(nil), m.subscriptions...)
}

func (m *MockMQTTClient) ClearPublished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = nil
}

// SimulateMessage delivers a message through the wildcard handler that
// covers topic, the way the broker would.
func (m *MockMQTTClient) SimulateMessage(topic string, payload []byte) {
	m.mu.Lock()
	var handler func(string, []byte)
	for filter, h := range m.handlers {
		if topicMatches(filter, topic) {
			handler = h
			break
		}
	}
	m.mu.Unlock()
	if handler != nil {
		handler(topic, payload)
	}
}

// topicMatches supports the trailing "#" filters the bridge uses.
func topicMatches(filter, topic string) bool {
	if len(filter) >= 2 && filter[len(filter)-2:] == "/#" {
		prefix := filter[:len(filter)-1]
		return len(topic) >= len(prefix) && topic[:len(prefix)] == prefix
	}
	return filter == topic
}

// MockConnector implements Connector for testing. Frames pushed with
// Inject are returned by ReceiveNext in order.
type MockConnector struct {
	mu        sync.Mutex
	connected bool
	stats     BusStats
	sent      []Frame
	sendError error
	closed    bool
	closeErr  error

	frames chan Frame
	errs   chan error
	done   chan struct{}
	once   sync.Once
}

func NewMockConnector() *MockConnector {
	return &MockConnector{
		connected: true,
		frames:    make(chan Frame, 64),
		errs:      make(chan error, 8),
		done:      make(chan struct{}),
	}
}

func (m *MockConnector) ReceiveNext(ctx context.Context, timeout time.Duration) (Frame, error) {
	select {
	case f := <-m.frames:
		return f, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-m.frames:
		return f, nil
	case err := <-m.errs:
		return Frame{}, err
	case <-m.done:
		return Frame{}, ErrStreamClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-timer.C:
		return Frame{}, ErrReceiveTimeout
	}
}

func (m *MockConnector) Send(_ context.Context, frame Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendError != nil {
		return m.sendError
	}
	m.sent = append(m.sent, Frame{ID: frame.ID, Data: append([]byte(nil), frame.Data...)})
	return nil
}

func (m *MockConnector) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockConnector) Stats() BusStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Connected = m.connected
	return s
}

func (m *MockConnector) Close() error {
	m.mu.Lock()
	m.closed = true
	m.connected = false
	err := m.closeErr
	m.mu.Unlock()
	m.once.Do(func() { close(m.done) })
	return err
}

// Inject queues a frame for ReceiveNext.
func (m *MockConnector) Inject(f Frame) {
	m.frames <- f
}

// InjectError makes the next empty ReceiveNext return err.
func (m *MockConnector) InjectError(err error) {
	m.errs <- err
}

// EndStream makes ReceiveNext report ErrStreamClosed without Close.
func (m *MockConnector) EndStream() {
	m.once.Do(func() { close(m.done) })
}

func (m *MockConnector) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendError = err
}

func (m *MockConnector) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
}

func (m *MockConnector) GetSent() []Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Frame(nil), m.sent...)
}

func (m *MockConnector) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// mockLogger records messages for assertions.
type mockLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *mockLogger) Debug(msg string, _ ...any) { l.record(msg) }
func (l *mockLogger) Info(msg string, _ ...any)  { l.record(msg) }
func (l *mockLogger) Warn(msg string, _ ...any)  { l.record(msg) }
func (l *mockLogger) Error(msg string, _ ...any) { l.record(msg) }

func (l *mockLogger) record(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

func (l *mockLogger) contains(msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.messages {
		if m == msg {
			return true
		}
	}
	return false
}

// recordingObserver collects state changes.
type recordingObserver struct {
	mu      sync.Mutex
	changes []StateChange
}

func (o *recordingObserver) OnStateChange(change StateChange) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.changes = append(o.changes, change)
}

func (o *recordingObserver) Changes() []StateChange {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]StateChange(nil), o.changes...)
}

// recordingCommandObserver collects sent commands.
type recordingCommandObserver struct {
	mu       sync.Mutex
	commands []CommandSent
}

func (o *recordingCommandObserver) OnCommand(cmd CommandSent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.commands = append(o.commands, cmd)
}

func (o *recordingCommandObserver) Commands() []CommandSent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]CommandSent(nil), o.commands...)
}

// recordingFrameRecorder collects RecordFrame calls.
type recordingFrameRecorder struct {
	mu      sync.Mutex
	frames  []Frame
	matched []bool
}

func (r *recordingFrameRecorder) RecordFrame(frame Frame, matched bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
	r.matched = append(r.matched, matched)
}

func (r *recordingFrameRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

var errMock = errors.New("mock failure")

// heartbeat builds a status frame for node 0x40 with the given bytes.
func heartbeat(data ...byte) Frame {
	return Frame{ID: 0x740, Data: data}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
