package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/can2mqtt/internal/bridges/canbus"
	"github.com/nerrad567/can2mqtt/internal/infrastructure/logging"
)

// Message types on the live socket.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypeSnapshot    = "snapshot"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// Event channels.
const (
	// ChannelStateChanged carries every confirmed device state change.
	// Clients are subscribed to it on connect.
	ChannelStateChanged = "device.state_changed"

	// ChannelCommandSent carries every toggle frame sent on the bus, from
	// the HTTP API or from an MQTT command topic.
	ChannelCommandSent = "device.command_sent"
)

const (
	wsSendBufferSize = 256
	wsMaxMessageSize = 4096
	wsPingInterval   = 30 * time.Second
	wsPongWait       = 10 * time.Second
)

// WSMessage is the envelope for every message in either direction.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload selects channels and, optionally, devices. An empty
// device list on subscribe leaves the device filter unchanged; a client
// with no device filter receives events for every device.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
	Devices  []string `json:"devices,omitempty"`
}

// StateEvent is the payload of a device.state_changed event.
type StateEvent struct {
	UniqueID string      `json:"unique_id"`
	Kind     canbus.Kind `json:"kind"`
	Previous int         `json:"previous"`
	Value    int         `json:"value"`
	State    string      `json:"state"`
	At       time.Time   `json:"at"`
}

// CommandEvent is the payload of a device.command_sent event.
type CommandEvent struct {
	UniqueID string    `json:"unique_id"`
	Source   string    `json:"source"`
	At       time.Time `json:"at"`
}

// Hub fans bridge events out to connected WebSocket clients.
//
// Thread Safety: OnStateChange runs on the bus goroutine, HTTP handlers
// register and unregister clients. Sends never block; a client whose
// buffer is full misses the event.
type Hub struct {
	logger   *logging.Logger
	snapshot func() []canbus.DeviceStatus

	mu      sync.RWMutex
	clients map[*WSClient]struct{}
}

// Ensure Hub receives bridge state changes and commands.
var (
	_ canbus.StateObserver   = (*Hub)(nil)
	_ canbus.CommandObserver = (*Hub)(nil)
)

// WSClient is one connected socket and its filters.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn

	// sendMu guards send against close: trySend and closeSend both hold
	// it, so nothing is ever sent on a closed channel.
	sendMu sync.Mutex
	send   chan []byte
	closed bool

	mu       sync.RWMutex
	channels map[string]struct{}
	devices  map[string]struct{} // empty means every device
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// The API binds to the local network only
		return true
	},
}

// NewHub creates a hub. snapshot answers "snapshot" requests and may be nil.
func NewHub(logger *logging.Logger, snapshot func() []canbus.DeviceStatus) *Hub {
	return &Hub{
		logger:   logger,
		snapshot: snapshot,
		clients:  make(map[*WSClient]struct{}),
	}
}

// Run blocks until the context is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// OnStateChange implements canbus.StateObserver.
func (h *Hub) OnStateChange(change canbus.StateChange) {
	info := change.Device.Info()
	h.publish(ChannelStateChanged, info.UniqueID, StateEvent{
		UniqueID: info.UniqueID,
		Kind:     change.Device.Kind(),
		Previous: change.Previous,
		Value:    change.Value,
		State:    string(change.Payload),
		At:       change.At.UTC(),
	})
}

// OnCommand implements canbus.CommandObserver.
func (h *Hub) OnCommand(cmd canbus.CommandSent) {
	uniqueID := cmd.Switch.UniqueID
	h.publish(ChannelCommandSent, uniqueID, CommandEvent{
		UniqueID: uniqueID,
		Source:   cmd.Source,
		At:       cmd.At.UTC(),
	})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

// unregister removes c. Only the caller that actually removed it closes
// the send channel, so shutdown and a read error cannot double-close.
func (h *Hub) unregister(c *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if existed {
		c.closeSend()
	}
	h.logger.Debug("websocket client disconnected", "clients", n)
}

// publish encodes the event once and queues it for every client that
// wants this channel and device.
func (h *Hub) publish(channel, uniqueID string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("failed to encode websocket event", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if c.wants(channel, uniqueID) && !c.trySend(data) {
			h.logger.Debug("websocket client missed event", "channel", channel, "unique_id", uniqueID)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		c.closeSend()
		if c.conn != nil {
			c.conn.Close()
		}
		delete(h.clients, c)
	}
}

// handleWebSocket upgrades the connection and starts the client pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &WSClient{
		hub:      s.hub,
		conn:     conn,
		send:     make(chan []byte, wsSendBufferSize),
		channels: map[string]struct{}{ChannelStateChanged: {}},
		devices:  make(map[string]struct{}),
	}
	s.hub.register(c)

	go c.writePump()
	go c.readPump()
}

func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessageSize)
	extend := func() error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongWait))
	}
	extend() //nolint:errcheck // Deadline errors surface on the next read
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		extend() //nolint:errcheck // Deadline errors surface on the next read
		c.dispatch(data)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil) //nolint:errcheck // Closing anyway
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck // Write error caught below
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck // Write error caught below
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) dispatch(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply("", WSTypeError, errorBody("invalid JSON message"))
		return
	}

	switch msg.Type {
	case WSTypeSubscribe, WSTypeUnsubscribe:
		c.updateFilters(msg)
	case WSTypeSnapshot:
		c.reply(msg.ID, WSTypeResponse, map[string]any{"devices": c.snapshot()})
	case WSTypePing:
		c.reply(msg.ID, WSTypePong, nil)
	default:
		c.reply(msg.ID, WSTypeError, errorBody("unknown message type: "+msg.Type))
	}
}

func (c *WSClient) updateFilters(msg WSMessage) {
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		c.reply(msg.ID, WSTypeError, errorBody("invalid payload"))
		return
	}
	var sub WSSubscribePayload
	if err := json.Unmarshal(raw, &sub); err != nil {
		c.reply(msg.ID, WSTypeError, errorBody("invalid "+msg.Type+" payload"))
		return
	}

	adding := msg.Type == WSTypeSubscribe

	c.mu.Lock()
	for _, ch := range sub.Channels {
		if adding {
			c.channels[ch] = struct{}{}
		} else {
			delete(c.channels, ch)
		}
	}
	for _, id := range sub.Devices {
		if adding {
			c.devices[id] = struct{}{}
		} else {
			delete(c.devices, id)
		}
	}
	c.mu.Unlock()

	key := "subscribed"
	if !adding {
		key = "unsubscribed"
	}
	c.reply(msg.ID, WSTypeResponse, map[string]any{key: sub})
}

// wants reports whether the client's filters pass an event.
func (c *WSClient) wants(channel, uniqueID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.channels[channel]; !ok {
		return false
	}
	if len(c.devices) == 0 {
		return true
	}
	_, ok := c.devices[uniqueID]
	return ok
}

// snapshot returns current device statuses narrowed by the device filter.
func (c *WSClient) snapshot() []canbus.DeviceStatus {
	if c.hub.snapshot == nil {
		return []canbus.DeviceStatus{}
	}
	all := c.hub.snapshot()

	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.devices) == 0 {
		return all
	}
	out := make([]canbus.DeviceStatus, 0, len(c.devices))
	for _, d := range all {
		if _, ok := c.devices[d.UniqueID]; ok {
			out = append(out, d)
		}
	}
	return out
}

// trySend queues data without blocking. It reports false when the client
// is gone or its buffer is full.
func (c *WSClient) trySend(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend closes the send channel once; writePump then says goodbye.
func (c *WSClient) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *WSClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.trySend(data)
}

func errorBody(message string) map[string]string {
	return map[string]string{"message": message}
}
