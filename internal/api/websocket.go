package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/waypoint-sync/internal/infrastructure/config"
	"github.com/nerrad567/waypoint-sync/internal/infrastructure/logging"
	"github.com/nerrad567/waypoint-sync/internal/orchestrator"
	"github.com/nerrad567/waypoint-sync/internal/waypoint"
)

// Event channels clients can subscribe to.
const (
	ChannelWaypointChanged = "waypoint.changed"
	ChannelSyncCompleted   = "sync.completed"
)

var knownChannels = []string{ChannelSyncCompleted, ChannelWaypointChanged}

// Message types. Clients send subscribe, unsubscribe, snapshot and ping;
// the server sends event, response, pong and error.
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

const (
	wsSendBuffer = 64
	wsWriteWait  = 5 * time.Second

	defaultWSMaxMessageSize = 4096
	defaultWSPingInterval   = 30 * time.Second
	defaultWSPongTimeout    = 10 * time.Second
)

// WSRequest is a client message.
type WSRequest struct {
	Type     string   `json:"type"`
	ID       string   `json:"id,omitempty"`
	Channels []string `json:"channels,omitempty"`
}

// WSMessage is a server message. Seq increases by one per event so a
// client can spot events it missed.
type WSMessage struct {
	Type    string    `json:"type"`
	ID      string    `json:"id,omitempty"`
	Channel string    `json:"channel,omitempty"`
	Seq     uint64    `json:"seq,omitempty"`
	Time    time.Time `json:"time"`
	Data    any       `json:"data,omitempty"`
}

type waypointEvent struct {
	Kind      waypoint.ChangeKind `json:"kind"`
	ID        uint16              `json:"id"`
	Name      string              `json:"name"`
	Latitude  float64             `json:"latitude"`
	Longitude float64             `json:"longitude"`
	UpdatedAt time.Time           `json:"updated_at"`
}

type passEvent struct {
	ID         string `json:"id"`
	Trigger    string `json:"trigger"`
	Affected   int    `json:"affected"`
	Devices    int    `json:"devices"`
	Broadcasts int    `json:"broadcasts"`
	Failures   int    `json:"failures"`
	DurationMS int64  `json:"duration_ms"`
}

// Hub fans waypoint and pass events out to WebSocket clients.
// A client whose send buffer is full is disconnected rather than blocking
// the orchestrator.
type Hub struct {
	logger       *logging.Logger
	maxMessage   int64
	pingInterval time.Duration
	pongTimeout  time.Duration

	seq     atomic.Uint64
	dropped atomic.Uint64

	mu       sync.RWMutex
	clients  map[*wsClient]struct{}
	snapshot func() []waypoint.Record
	closed   bool
}

var _ orchestrator.EventSink = (*Hub)(nil)

type wsClient struct {
	hub     *Hub
	conn    *websocket.Conn
	subject string

	mu       sync.Mutex
	send     chan []byte
	closed   bool
	channels map[string]bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CORS middleware owns origin policy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewHub creates a hub. Zero config values take defaults.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	h := &Hub{
		logger:       logger,
		maxMessage:   defaultWSMaxMessageSize,
		pingInterval: defaultWSPingInterval,
		pongTimeout:  defaultWSPongTimeout,
		clients:      make(map[*wsClient]struct{}),
	}
	if cfg.MaxMessageSize > 0 {
		h.maxMessage = int64(cfg.MaxMessageSize)
	}
	if cfg.PingInterval > 0 {
		h.pingInterval = time.Duration(cfg.PingInterval) * time.Second
	}
	if cfg.PongTimeout > 0 {
		h.pongTimeout = time.Duration(cfg.PongTimeout) * time.Second
	}
	return h
}

// SetSnapshot sets the source for snapshot requests.
func (h *Hub) SetSnapshot(fn func() []waypoint.Record) {
	h.mu.Lock()
	h.snapshot = fn
	h.mu.Unlock()
}

// Run blocks until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.shut()
	}
}

// WaypointChanged implements orchestrator.EventSink.
func (h *Hub) WaypointChanged(c waypoint.Change) {
	h.publish(ChannelWaypointChanged, waypointEvent{
		Kind:      c.Kind,
		ID:        c.Record.ID,
		Name:      c.Record.Name,
		Latitude:  c.Record.Latitude,
		Longitude: c.Record.Longitude,
		UpdatedAt: c.Record.UpdatedAt,
	})
}

// PassCompleted implements orchestrator.EventSink.
func (h *Hub) PassCompleted(r orchestrator.PassReport) {
	h.publish(ChannelSyncCompleted, passEvent{
		ID:         r.ID,
		Trigger:    r.Trigger,
		Affected:   r.Affected,
		Devices:    r.Devices,
		Broadcasts: r.Broadcasts,
		Failures:   r.Failures(),
		DurationMS: r.Duration.Milliseconds(),
	})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many clients were disconnected for falling behind.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) publish(channel string, payload any) {
	frame, err := json.Marshal(WSMessage{
		Type:    WSTypeEvent,
		Channel: channel,
		Seq:     h.seq.Add(1),
		Time:    time.Now().UTC(),
		Data:    payload,
	})
	if err != nil {
		h.logger.Error("encoding websocket event", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.subscribed(channel) {
			continue
		}
		if !c.enqueue(frame) {
			h.dropped.Add(1)
			h.logger.Warn("websocket client too slow, disconnecting", "subject", c.subject)
			h.remove(c)
		}
	}
}

func (h *Hub) add(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	c.shut()
	h.logger.Debug("websocket client disconnected", "subject", c.subject, "clients", n)
}

// handleWebSocket upgrades the connection. authMiddleware has already
// checked the token when a secret is configured.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	subject, _ := r.Context().Value(ctxKeySubject).(string)
	c := &wsClient{
		hub:      s.hub,
		conn:     conn,
		subject:  subject,
		send:     make(chan []byte, wsSendBuffer),
		channels: make(map[string]bool),
	}
	if !s.hub.add(c) {
		conn.Close()
		return
	}
	s.logger.Debug("websocket client connected", "subject", subject, "clients", s.hub.ClientCount())

	go c.writeLoop()
	go c.readLoop()
}

func (c *wsClient) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *wsClient) shut() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *wsClient) subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[channel]
}

func (c *wsClient) readLoop() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	deadline := c.hub.pingInterval + c.hub.pongTimeout
	c.conn.SetReadLimit(c.hub.maxMessage)
	c.conn.SetReadDeadline(time.Now().Add(deadline)) //nolint:errcheck // read below reports a dead conn
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read failed", "subject", c.subject, "error", err)
			}
			return
		}
		// Browsers may not answer protocol pings; any message counts as alive.
		c.conn.SetReadDeadline(time.Now().Add(deadline)) //nolint:errcheck // as above

		var req WSRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			c.reply(WSTypeError, "", map[string]string{"message": "invalid JSON message"})
			continue
		}
		c.handle(req)
	}
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck // write below fails too
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil) //nolint:errcheck // closing anyway
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck // write below fails too
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) handle(req WSRequest) {
	switch req.Type {
	case WSTypeSubscribe:
		chans := req.Channels
		if len(chans) == 0 {
			chans = knownChannels
		}
		for _, ch := range chans {
			if !isKnownChannel(ch) {
				c.reply(WSTypeError, req.ID, map[string]any{"message": "unknown channel: " + ch, "channels": knownChannels})
				return
			}
		}
		c.mu.Lock()
		for _, ch := range chans {
			c.channels[ch] = true
		}
		c.mu.Unlock()
		c.reply(WSTypeResponse, req.ID, map[string]any{"channels": c.channelList()})

	case WSTypeUnsubscribe:
		c.mu.Lock()
		if len(req.Channels) == 0 {
			clear(c.channels)
		}
		for _, ch := range req.Channels {
			delete(c.channels, ch)
		}
		c.mu.Unlock()
		c.reply(WSTypeResponse, req.ID, map[string]any{"channels": c.channelList()})

	case WSTypeSnapshot:
		c.hub.mu.RLock()
		snapshot := c.hub.snapshot
		c.hub.mu.RUnlock()
		if snapshot == nil {
			c.reply(WSTypeError, req.ID, map[string]string{"message": "snapshot not available"})
			return
		}
		// Seq is read first so events after it may repeat, never be missed.
		seq := c.hub.seq.Load()
		c.reply(WSTypeResponse, req.ID, map[string]any{"seq": seq, "waypoints": snapshot()})

	case WSTypePing:
		c.reply(WSTypePong, req.ID, nil)

	default:
		c.reply(WSTypeError, req.ID, map[string]string{"message": "unknown message type: " + req.Type})
	}
}

func (c *wsClient) channelList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

func (c *wsClient) reply(msgType, id string, data any) {
	frame, err := json.Marshal(WSMessage{Type: msgType, ID: id, Time: time.Now().UTC(), Data: data})
	if err != nil {
		return
	}
	if !c.enqueue(frame) {
		c.hub.remove(c)
	}
}

func isKnownChannel(ch string) bool {
	for _, k := range knownChannels {
		if k == ch {
			return true
		}
	}
	return false
}
