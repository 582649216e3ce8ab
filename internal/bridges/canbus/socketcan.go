package canbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Default timeouts and sizes for the SocketCAN client.
const (
	defaultConnectTimeout    = 10 * time.Second
	defaultReconnectInterval = 5 * time.Second
	maxReconnectInterval     = 2 * time.Minute
	defaultReceiveBuffer     = 256
)

// SocketCANConfig holds CAN interface connection settings.
type SocketCANConfig struct {
	// Network is "can" for a kernel SocketCAN interface or "udp" for the
	// multicast emulation used in development.
	Network string

	// Interface is the interface name ("can0") or, for udp, the
	// multicast group address.
	Interface string

	// ConnectTimeout bounds each dial. Default: 10 seconds.
	ConnectTimeout time.Duration

	// ReconnectInterval is the first reconnect delay. Default: 5 seconds.
	ReconnectInterval time.Duration

	// ReceiveBuffer is the frame queue between the socket reader and
	// ReceiveNext. Frames arriving while it is full are dropped and counted.
	ReceiveBuffer int
}

// BusStats holds connector statistics.
type BusStats struct {
	FramesRx      uint64
	FramesTx      uint64
	FramesDropped uint64 // queue full
	ErrorFrames   uint64
	RemoteFrames  uint64 // RTR frames carry no payload and are not forwarded
	ErrorsTotal   uint64
	Reconnects    uint64
	LastActivity  time.Time
	Connected     bool
	Reconnecting  bool
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Connector is the bus side of the bridge.
type Connector interface {
	// ReceiveNext waits at most timeout for the next frame. It returns
	// ErrReceiveTimeout when nothing arrived and ErrStreamClosed once the
	// connector is closed.
	ReceiveNext(ctx context.Context, timeout time.Duration) (Frame, error)
	Send(ctx context.Context, frame Frame) error
	IsConnected() bool
	Stats() BusStats
	Close() error
}

// Ensure SocketCANClient implements Connector.
var _ Connector = (*SocketCANClient)(nil)

// dialFunc matches socketcan.DialContext.
type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// SocketCANClient reads and writes frames on a SocketCAN interface.
//
// Thread Safety: all methods are safe for concurrent use. A single
// goroutine reads the socket and feeds a bounded queue drained by
// ReceiveNext.
//
// Auto-Reconnection: when the socket fails the reader redials with
// backoff starting at ReconnectInterval, growing 1.5x per attempt up to
// two minutes, until Close is called.
type SocketCANClient struct {
	cfg  SocketCANConfig
	dial dialFunc

	connMu    sync.RWMutex
	conn      net.Conn
	tx        *socketcan.Transmitter
	connected bool

	reconnecting   atomic.Bool
	reconnectCount atomic.Int32

	frames chan Frame

	done *closeOnce
	wg   sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	framesRx      atomic.Uint64
	framesTx      atomic.Uint64
	framesDropped atomic.Uint64
	errorFrames   atomic.Uint64
	remoteFrames  atomic.Uint64
	errorsTotal   atomic.Uint64
	reconnects    atomic.Uint64
	lastActivity  atomic.Int64
}

// Dial opens the CAN interface and starts the reader goroutine.
func Dial(ctx context.Context, cfg SocketCANConfig) (*SocketCANClient, error) {
	return dialWith(ctx, cfg, dialSocketCAN)
}

// dialSocketCAN adapts socketcan.DialContext, which takes dial options,
// to dialFunc.
func dialSocketCAN(ctx context.Context, network, address string) (net.Conn, error) {
	return socketcan.DialContext(ctx, network, address)
}

func dialWith(ctx context.Context, cfg SocketCANConfig, dial dialFunc) (*SocketCANClient, error) {
	if cfg.Network == "" {
		cfg.Network = "can"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if cfg.ReceiveBuffer <= 0 {
		cfg.ReceiveBuffer = defaultReceiveBuffer
	}

	c := &SocketCANClient{
		cfg:    cfg,
		dial:   dial,
		frames: make(chan Frame, cfg.ReceiveBuffer),
		done:   newCloseOnce(),
	}
	c.lastActivity.Store(time.Now().Unix())

	conn, err := c.dialWithTimeout(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	c.setConn(conn)

	c.wg.Add(1)
	go c.receiveLoop(conn)

	return c, nil
}

// ReceiveNext implements Connector.
func (c *SocketCANClient) ReceiveNext(ctx context.Context, timeout time.Duration) (Frame, error) {
	// Queued frames are delivered even after Close so nothing read is lost.
	select {
	case f := <-c.frames:
		return f, nil
	default:
	}

	select {
	case <-c.done.Done():
		return Frame{}, ErrStreamClosed
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-c.frames:
		return f, nil
	case <-timer.C:
		return Frame{}, ErrReceiveTimeout
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-c.done.Done():
		return Frame{}, ErrStreamClosed
	}
}

// Send writes one frame, honouring the context deadline.
func (c *SocketCANClient) Send(ctx context.Context, frame Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}

	c.connMu.RLock()
	tx := c.tx
	connected := c.connected
	c.connMu.RUnlock()

	if !connected || tx == nil {
		return ErrNotConnected
	}

	if err := tx.TransmitFrame(ctx, toCANFrame(frame)); err != nil {
		c.errorsTotal.Add(1)
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	c.framesTx.Add(1)
	c.lastActivity.Store(time.Now().Unix())
	return nil
}

// IsConnected returns the current connection state.
func (c *SocketCANClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// Stats returns current statistics.
func (c *SocketCANClient) Stats() BusStats {
	return BusStats{
		FramesRx:      c.framesRx.Load(),
		FramesTx:      c.framesTx.Load(),
		FramesDropped: c.framesDropped.Load(),
		ErrorFrames:   c.errorFrames.Load(),
		RemoteFrames:  c.remoteFrames.Load(),
		ErrorsTotal:   c.errorsTotal.Load(),
		Reconnects:    c.reconnects.Load(),
		LastActivity:  time.Unix(c.lastActivity.Load(), 0),
		Connected:     c.IsConnected(),
		Reconnecting:  c.reconnecting.Load(),
	}
}

// Close stops the reader and closes the socket. Safe to call repeatedly.
func (c *SocketCANClient) Close() error {
	c.done.Close()

	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.tx = nil
	c.connected = false
	c.connMu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.wg.Wait()

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("closing CAN socket: %w", err)
	}
	return nil
}

// SetLogger sets the logger for connection events.
func (c *SocketCANClient) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	defer c.loggerMu.Unlock()
	c.logger = logger
}

// receiveLoop reads frames until Close, reconnecting when the socket fails.
func (c *SocketCANClient) receiveLoop(conn net.Conn) {
	defer c.wg.Done()

	for {
		err := c.readFrames(conn)
		if c.isClosed() {
			return
		}

		c.errorsTotal.Add(1)
		c.handleDisconnect(err)

		next, ok := c.reconnect()
		if !ok {
			return
		}
		conn = next
	}
}

// readFrames drains one connection until it fails.
func (c *SocketCANClient) readFrames(conn net.Conn) error {
	rx := socketcan.NewReceiver(conn)
	for rx.Receive() {
		if rx.HasErrorFrame() {
			c.errorFrames.Add(1)
			c.logDebug("CAN error frame", "frame", rx.ErrorFrame())
			continue
		}
		frame := rx.Frame()
		if frame.IsRemote {
			c.remoteFrames.Add(1)
			c.logDebug("ignoring remote frame", "id", fmt.Sprintf("0x%X", frame.ID))
			continue
		}
		c.enqueue(fromCANFrame(frame))
	}
	if err := rx.Err(); err != nil {
		return err
	}
	return errors.New("receiver stopped")
}

func (c *SocketCANClient) enqueue(f Frame) {
	c.framesRx.Add(1)
	c.lastActivity.Store(time.Now().Unix())

	select {
	case c.frames <- f:
	default:
		c.framesDropped.Add(1)
		c.logWarn("receive queue full, dropping frame", "frame", f.String())
	}
}

func (c *SocketCANClient) handleDisconnect(err error) {
	c.connMu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.tx = nil
	if c.conn != nil {
		c.conn.Close() //nolint:errcheck // Socket already failed
		c.conn = nil
	}
	c.connMu.Unlock()

	if wasConnected {
		c.logError("CAN socket lost, will attempt reconnection", err)
	}
}

// reconnect redials with backoff. It returns false if Close was called.
func (c *SocketCANClient) reconnect() (net.Conn, bool) {
	c.reconnecting.Store(true)
	defer c.reconnecting.Store(false)

	backoff := c.cfg.ReconnectInterval
	for {
		if c.isClosed() {
			return nil, false
		}

		attempt := c.reconnectCount.Add(1)
		c.logInfo("attempting reconnection", "attempt", attempt, "backoff", backoff.String())

		conn, err := c.dialWithTimeout(context.Background())
		if err != nil {
			backoff = c.handleReconnectFailure(err, backoff)
			if backoff == 0 {
				return nil, false
			}
			continue
		}

		if !c.finalizeReconnection(conn) {
			conn.Close() //nolint:errcheck // Closed during reconnect
			return nil, false
		}
		return conn, true
	}
}

// handleReconnectFailure waits out the backoff and returns the next one,
// or 0 if Close was called meanwhile.
func (c *SocketCANClient) handleReconnectFailure(err error, backoff time.Duration) time.Duration {
	c.logError("reconnect: dial failed", err)
	c.errorsTotal.Add(1)

	timer := time.NewTimer(backoff)
	defer timer.Stop()

	select {
	case <-c.done.Done():
		return 0
	case <-timer.C:
	}

	next := time.Duration(float64(backoff) * 1.5)
	if next > maxReconnectInterval {
		next = maxReconnectInterval
	}
	return next
}

func (c *SocketCANClient) finalizeReconnection(conn net.Conn) bool {
	if !c.setConn(conn) {
		return false
	}

	c.reconnectCount.Store(0)
	c.reconnects.Add(1)
	c.lastActivity.Store(time.Now().Unix())

	c.logInfo("reconnection successful", "total_reconnects", c.reconnects.Load())
	return true
}

func (c *SocketCANClient) dialWithTimeout(ctx context.Context) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, err := c.dial(dialCtx, c.cfg.Network, c.cfg.Interface)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", c.cfg.Network, c.cfg.Interface, err)
	}
	return conn, nil
}

// setConn installs conn as the live socket. It refuses once Close has
// started so a late reconnect cannot leak a socket.
func (c *SocketCANClient) setConn(conn net.Conn) bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.isClosed() {
		return false
	}
	c.conn = conn
	c.tx = socketcan.NewTransmitter(conn)
	c.connected = true
	return true
}

func (c *SocketCANClient) isClosed() bool {
	select {
	case <-c.done.Done():
		return true
	default:
		return false
	}
}

func toCANFrame(f Frame) can.Frame {
	out := can.Frame{
		ID:         f.ID,
		Length:     uint8(len(f.Data)), // #nosec G115 -- Validate caps at 8
		IsExtended: f.Extended,
	}
	copy(out.Data[:], f.Data)
	return out
}

func fromCANFrame(f can.Frame) Frame {
	n := int(f.Length)
	if n > MaxFrameData {
		n = MaxFrameData
	}
	data := make([]byte, n)
	copy(data, f.Data[:n])
	return Frame{ID: f.ID, Data: data, Extended: f.IsExtended}
}

func (c *SocketCANClient) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *SocketCANClient) logInfo(msg string, keysAndValues ...any) {
	if l := c.getLogger(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (c *SocketCANClient) logWarn(msg string, keysAndValues ...any) {
	if l := c.getLogger(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}

func (c *SocketCANClient) logDebug(msg string, keysAndValues ...any) {
	if l := c.getLogger(); l != nil {
		l.Debug(msg, keysAndValues...)
	}
}

func (c *SocketCANClient) logError(msg string, err error) {
	if l := c.getLogger(); l != nil {
		l.Error(msg, "error", err)
	}
}
