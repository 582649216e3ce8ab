package canbus

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
)

// pipeDialer hands out the client end of a net.Pipe per dial and keeps the
// bus ends so tests can play the part of the CAN interface.
type pipeDialer struct {
	mu    sync.Mutex
	peers []net.Conn
	err   error
	dials int
}

func (d *pipeDialer) dial(_ context.Context, _, _ string) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	client, bus := net.Pipe()
	d.peers = append(d.peers, bus)
	return client, nil
}

func (d *pipeDialer) peer(i int) net.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.peers) {
		return nil
	}
	return d.peers[i]
}

func (d *pipeDialer) peerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.peers)
}

func (d *pipeDialer) closeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.peers {
		p.Close()
	}
}

func newPipeClient(t *testing.T, cfg SocketCANConfig) (*SocketCANClient, *pipeDialer) {
	t.Helper()
	d := &pipeDialer{}
	if cfg.Interface == "" {
		cfg.Interface = "vcan0"
	}
	c, err := dialWith(context.Background(), cfg, d.dial)
	if err != nil {
		t.Fatalf("dialWith() error = %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		d.closeAll()
	})
	return c, d
}

func transmit(t *testing.T, bus net.Conn, id uint32, data ...byte) {
	t.Helper()
	f := can.Frame{ID: id, Length: uint8(len(data))}
	copy(f.Data[:], data)
	transmitFrame(t, bus, f)
}

func transmitFrame(t *testing.T, bus net.Conn, f can.Frame) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := socketcan.NewTransmitter(bus).TransmitFrame(ctx, f); err != nil {
		t.Fatalf("TransmitFrame() error = %v", err)
	}
}

// =============================================================================
// Receive Tests
// =============================================================================

func TestSocketCAN_ReceiveNext(t *testing.T) {
	c, d := newPipeClient(t, SocketCANConfig{})

	transmit(t, d.peer(0), 0x740, 72, 0, 0, 0, 0, 0, 1, 0)

	f, err := c.ReceiveNext(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("ReceiveNext() error = %v", err)
	}
	if f.String() != "740#4800000000000100" {
		t.Errorf("frame = %s", f)
	}

	stats := c.Stats()
	if stats.FramesRx != 1 || !stats.Connected {
		t.Errorf("stats = %+v", stats)
	}
}

func TestSocketCAN_RemoteFrameSkipped(t *testing.T) {
	c, d := newPipeClient(t, SocketCANConfig{})

	// An RTR frame on a status id has no payload and must not read as all zeros.
	transmitFrame(t, d.peer(0), can.Frame{ID: 0x740, Length: 8, IsRemote: true})
	transmit(t, d.peer(0), 0x740, 72, 0, 0, 0, 0, 0, 1, 0)

	f, err := c.ReceiveNext(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("ReceiveNext() error = %v", err)
	}
	if f.String() != "740#4800000000000100" {
		t.Errorf("frame = %s, want the data frame", f)
	}

	stats := c.Stats()
	if stats.RemoteFrames != 1 {
		t.Errorf("RemoteFrames = %d, want 1", stats.RemoteFrames)
	}
	if stats.FramesRx != 1 {
		t.Errorf("FramesRx = %d, want 1", stats.FramesRx)
	}
}

func TestSocketCAN_ReceiveExtendedFrame(t *testing.T) {
	c, d := newPipeClient(t, SocketCANConfig{})

	transmitFrame(t, d.peer(0), can.Frame{ID: 0x740, Length: 1, Data: can.Data{1}, IsExtended: true})

	f, err := c.ReceiveNext(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("ReceiveNext() error = %v", err)
	}
	if !f.Extended {
		t.Error("Extended = false for a 29-bit frame")
	}
	if f.String() != "00000740#01" {
		t.Errorf("frame = %s, want 00000740#01", f)
	}
}

func TestSocketCAN_ReceiveShortFrame(t *testing.T) {
	c, d := newPipeClient(t, SocketCANConfig{})

	transmit(t, d.peer(0), 0x740, 65, 1)

	f, err := c.ReceiveNext(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("ReceiveNext() error = %v", err)
	}
	if len(f.Data) != 2 {
		t.Errorf("len(Data) = %d, want 2", len(f.Data))
	}
}

func TestSocketCAN_ReceiveTimeout(t *testing.T) {
	c, _ := newPipeClient(t, SocketCANConfig{})

	start := time.Now()
	_, err := c.ReceiveNext(context.Background(), 20*time.Millisecond)
	if !errors.Is(err, ErrReceiveTimeout) {
		t.Fatalf("ReceiveNext() error = %v, want ErrReceiveTimeout", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("returned before the timeout")
	}
}

func TestSocketCAN_ReceiveContextCancelled(t *testing.T) {
	c, _ := newPipeClient(t, SocketCANConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.ReceiveNext(ctx, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("ReceiveNext() error = %v, want context.Canceled", err)
	}
}

func TestSocketCAN_QueueOverflowDrops(t *testing.T) {
	c, d := newPipeClient(t, SocketCANConfig{ReceiveBuffer: 1})

	for i := 0; i < 3; i++ {
		transmit(t, d.peer(0), 0x740, byte(i))
	}
	if !waitFor(func() bool { return c.Stats().FramesRx == 3 }) {
		t.Fatalf("FramesRx = %d, want 3", c.Stats().FramesRx)
	}

	if got := c.Stats().FramesDropped; got != 2 {
		t.Errorf("FramesDropped = %d, want 2", got)
	}
	f, err := c.ReceiveNext(context.Background(), time.Second)
	if err != nil || f.Data[0] != 0 {
		t.Errorf("ReceiveNext() = %s, %v; want the first frame", f, err)
	}
}

// =============================================================================
// Send Tests
// =============================================================================

func TestSocketCAN_Send(t *testing.T) {
	c, d := newPipeClient(t, SocketCANConfig{})

	got := make(chan can.Frame, 1)
	go func() {
		rx := socketcan.NewReceiver(d.peer(0))
		if rx.Receive() {
			got <- rx.Frame()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Send(ctx, Frame{ID: 0x640, Data: []byte{0x02, 0x01, 0, 0, 0, 0, 0, 0}}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case f := <-got:
		if f.ID != 0x640 || f.Length != 8 || f.Data[0] != 0x02 || f.Data[1] != 0x01 {
			t.Errorf("bus received %v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame not received on the bus")
	}

	if c.Stats().FramesTx != 1 {
		t.Errorf("FramesTx = %d, want 1", c.Stats().FramesTx)
	}
}

func TestSocketCAN_SendInvalidFrame(t *testing.T) {
	c, _ := newPipeClient(t, SocketCANConfig{})

	err := c.Send(context.Background(), Frame{ID: 0x900})
	if !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("Send() error = %v, want ErrInvalidFrame", err)
	}
}

func TestSocketCAN_SendDeadline(t *testing.T) {
	c, _ := newPipeClient(t, SocketCANConfig{})

	// Nobody reads the bus end, so the write blocks until the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := c.Send(ctx, Frame{ID: 0x640, Data: []byte{0x02, 0x00}})
	if !errors.Is(err, ErrSendFailed) {
		t.Errorf("Send() error = %v, want ErrSendFailed", err)
	}
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestSocketCAN_DialFailure(t *testing.T) {
	d := &pipeDialer{err: errors.New("no such device")}

	_, err := dialWith(context.Background(), SocketCANConfig{Interface: "can9"}, d.dial)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("dialWith() error = %v, want ErrConnectionFailed", err)
	}
}

func TestSocketCAN_Close(t *testing.T) {
	c, _ := newPipeClient(t, SocketCANConfig{})

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}

	if _, err := c.ReceiveNext(context.Background(), time.Second); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("ReceiveNext() after Close = %v, want ErrStreamClosed", err)
	}
	if err := c.Send(context.Background(), Frame{ID: 0x640}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() after Close = %v, want ErrNotConnected", err)
	}
}

func TestSocketCAN_CloseDeliversQueuedFrames(t *testing.T) {
	c, d := newPipeClient(t, SocketCANConfig{})

	transmit(t, d.peer(0), 0x740, 1)
	if !waitFor(func() bool { return c.Stats().FramesRx == 1 }) {
		t.Fatal("frame not read")
	}
	c.Close()

	if _, err := c.ReceiveNext(context.Background(), time.Second); err != nil {
		t.Errorf("queued frame lost after Close: %v", err)
	}
	if _, err := c.ReceiveNext(context.Background(), time.Second); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("ReceiveNext() = %v, want ErrStreamClosed", err)
	}
}

func TestSocketCAN_Reconnects(t *testing.T) {
	logger := &mockLogger{}
	c, d := newPipeClient(t, SocketCANConfig{ReconnectInterval: 10 * time.Millisecond})
	c.SetLogger(logger)

	// The interface goes away underneath the reader.
	d.peer(0).Close()

	if !waitFor(func() bool { return c.Stats().Reconnects == 1 && c.IsConnected() }) {
		t.Fatalf("stats after drop = %+v", c.Stats())
	}
	if d.peerCount() != 2 {
		t.Fatalf("dials = %d, want 2", d.peerCount())
	}

	// Frames flow over the new socket.
	transmit(t, d.peer(1), 0x740, 5)
	f, err := c.ReceiveNext(context.Background(), 2*time.Second)
	if err != nil || f.Data[0] != 5 {
		t.Errorf("ReceiveNext() after reconnect = %s, %v", f, err)
	}
	if !logger.contains("reconnection successful") {
		t.Error("expected reconnect log line")
	}
}

func TestSocketCAN_ReconnectBackoffStopsOnClose(t *testing.T) {
	c, d := newPipeClient(t, SocketCANConfig{ReconnectInterval: time.Hour})

	d.mu.Lock()
	d.err = errors.New("interface down")
	d.mu.Unlock()
	d.peer(0).Close()

	if !waitFor(func() bool { return c.Stats().Reconnecting }) {
		t.Fatal("client never started reconnecting")
	}

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close() blocked on reconnect backoff")
	}
}

// =============================================================================
// Dial Tests
// =============================================================================

// dialSocketCAN must keep satisfying the reconnect dialer signature.
var _ dialFunc = dialSocketCAN

func TestDial_MissingInterface(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, SocketCANConfig{
		Interface:      "can2mqtt-none0",
		ConnectTimeout: time.Second,
	})
	if err == nil {
		c.Close()
		t.Fatal("Dial() succeeded on a missing interface")
	}
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Dial() error = %v, want ErrConnectionFailed", err)
	}
}

func TestFrameConversion(t *testing.T) {
	in := Frame{ID: 0x640, Data: []byte{0x02, 0x01, 0, 0}}
	cf := toCANFrame(in)
	if cf.ID != 0x640 || cf.Length != 4 || cf.Data[1] != 0x01 {
		t.Errorf("toCANFrame() = %+v", cf)
	}

	out := fromCANFrame(cf)
	if out.String() != in.String() {
		t.Errorf("fromCANFrame() = %s, want %s", out, in)
	}
}

func TestFrameConversion_Extended(t *testing.T) {
	in := Frame{ID: 0x18FF0740, Data: []byte{1}, Extended: true}
	if err := in.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	cf := toCANFrame(in)
	if !cf.IsExtended || cf.ID != 0x18FF0740 {
		t.Errorf("toCANFrame() = %+v", cf)
	}
	if out := fromCANFrame(cf); !out.Extended || out.ID != in.ID {
		t.Errorf("fromCANFrame() = %+v", out)
	}

	if err := (Frame{ID: 0x18FF0740}).Validate(); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("standard Validate(29-bit id) = %v, want ErrInvalidFrame", err)
	}
}
