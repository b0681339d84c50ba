package n2k

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/waypoint-sync/internal/waypoint"
)

// Bridge operation defaults.
const (
	// defaultDrainInterval is how often queued inbound messages are processed.
	defaultDrainInterval = 100 * time.Millisecond

	// defaultSendTimeout bounds one outbound broadcast.
	defaultSendTimeout = 2 * time.Second

	// defaultQueueSize is the inbound message buffer.
	defaultQueueSize = 256

	// defaultSourceAddress is this node's bus address.
	defaultSourceAddress uint8 = 1

	// requestPriority is used for ISO requests.
	requestPriority uint8 = 6
)

// WaypointHandler receives waypoints decoded from the bus.
type WaypointHandler interface {
	OnBusWaypoint(ctx context.Context, lat, lon float64, name string) error
}

// HandlerFunc adapts a function to WaypointHandler.
type HandlerFunc func(ctx context.Context, lat, lon float64, name string) error

// OnBusWaypoint calls f.
func (f HandlerFunc) OnBusWaypoint(ctx context.Context, lat, lon float64, name string) error {
	return f(ctx, lat, lon, name)
}

// BusDevice is a node that has sent an ISO Address Claim.
type BusDevice struct {
	Source   uint8     `json:"source"`
	NAME     uint64    `json:"name_id"`
	LastSeen time.Time `json:"last_seen"`
}

// Metrics is a snapshot of bridge counters.
type Metrics struct {
	MessagesReceived  uint64       `json:"messages_received"`
	WaypointsReceived uint64       `json:"waypoints_received"`
	WaypointsRejected uint64       `json:"waypoints_rejected"`
	EchoesIgnored     uint64       `json:"echoes_ignored"`
	AddressClaims     uint64       `json:"address_claims"`
	IgnoredPGNs       uint64       `json:"ignored_pgns"`
	QueueDropped      uint64       `json:"queue_dropped"`
	Broadcasts        uint64       `json:"broadcasts"`
	BroadcastErrors   uint64       `json:"broadcast_errors"`
	QueueDepth        int          `json:"queue_depth"`
	BusDevices        int          `json:"bus_devices"`
	Gateway           GatewayStats `json:"gateway"`
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// Connector is the gateway connection. Required.
	Connector Connector

	// Handler receives inbound waypoints. Required.
	Handler WaypointHandler

	// SourceAddress is this node's address on the bus. 0 means the default, 1.
	SourceAddress uint8

	// DrainInterval is the inbound processing period. Default: 100ms.
	DrainInterval time.Duration

	// SendTimeout bounds each broadcast. Default: 2s.
	SendTimeout time.Duration

	// QueueSize is the inbound buffer. Messages beyond it are dropped.
	QueueSize int

	// Health is an optional MQTT health reporter started and stopped with the bridge.
	Health *HealthReporter

	Logger Logger
}

// Bridge connects the bus gateway to the waypoint handler.
// It handles:
//   - Queueing inbound messages and draining them on a fixed period
//   - Decoding waypoint messages and passing them to the handler
//   - Tracking address claims as the bus device table
//   - Broadcasting waypoints
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	conn    Connector
	handler WaypointHandler
	health  *HealthReporter
	source  uint8
	drain   time.Duration
	timeout time.Duration
	queue   chan Message

	devicesMu sync.RWMutex
	devices   map[uint8]BusDevice

	startOnce sync.Once
	stopOnce  sync.Once
	stopped   atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	messagesReceived  atomic.Uint64
	waypointsReceived atomic.Uint64
	waypointsRejected atomic.Uint64
	echoesIgnored     atomic.Uint64
	addressClaims     atomic.Uint64
	ignoredPGNs       atomic.Uint64
	queueDropped      atomic.Uint64
	broadcasts        atomic.Uint64
	broadcastErrors   atomic.Uint64

	logger Logger
}

// NewBridge creates a new bridge instance.
// Call Start() to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Connector == nil {
		return nil, fmt.Errorf("gateway connector is required")
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("waypoint handler is required")
	}

	if opts.SourceAddress == 0 {
		opts.SourceAddress = defaultSourceAddress
	}
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = defaultDrainInterval
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}

	b := &Bridge{
		conn:    opts.Connector,
		handler: opts.Handler,
		health:  opts.Health,
		source:  opts.SourceAddress,
		drain:   opts.DrainInterval,
		timeout: opts.SendTimeout,
		queue:   make(chan Message, opts.QueueSize),
		devices: make(map[uint8]BusDevice),
		logger:  opts.Logger,
	}
	if b.logger == nil {
		b.logger = noopLogger{}
	}
	if b.health != nil {
		b.health.SetDeviceCounter(b.BusDeviceCount)
	}
	return b, nil
}

// Start subscribes to the gateway, launches the drain loop and asks every
// node to announce itself.
//
// Parameters:
//   - ctx: Lifetime of the drain loop and the handler calls it makes
//
// Returns:
//   - error: ErrBridgeStopped if Stop was already called
func (b *Bridge) Start(ctx context.Context) error {
	if b.stopped.Load() {
		return ErrBridgeStopped
	}

	b.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		b.cancel = cancel

		b.conn.SetOnMessage(b.enqueue)

		b.wg.Add(1)
		go b.drainLoop(runCtx)

		if err := b.RequestAddressClaims(runCtx); err != nil {
			b.logger.Warn("address claim request failed, device table fills as nodes announce", "error", err)
		}

		if b.health != nil {
			if err := b.health.PublishStarting(); err != nil {
				b.logger.Warn("failed to publish starting health", "error", err)
			}
			b.health.Start(runCtx)
		}

		b.logger.Info("n2k bridge started", "source", b.source, "drain_interval", b.drain.String())
	})
	return nil
}

// Stop halts the drain loop and closes the gateway connection.
// Safe to call multiple times.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.stopped.Store(true)
		b.conn.SetOnMessage(nil)
		if b.cancel != nil {
			b.cancel()
		}
		b.wg.Wait()

		if b.health != nil {
			b.health.Stop()
		}
		if err := b.conn.Close(); err != nil {
			b.logger.Warn("closing gateway", "error", err)
		}
		b.logger.Info("n2k bridge stopped")
	})
}

// enqueue is the gateway callback. It never blocks.
func (b *Bridge) enqueue(msg Message) {
	select {
	case b.queue <- msg:
	default:
		b.queueDropped.Add(1)
		b.logger.Warn("inbound queue full, dropping message", "pgn", msg.PGN, "source", msg.Source)
	}
}

// drainLoop processes queued messages every drain interval.
func (b *Bridge) drainLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.drain)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.drainQueue(ctx)
		}
	}
}

// drainQueue handles everything currently queued.
func (b *Bridge) drainQueue(ctx context.Context) int {
	n := 0
	for {
		select {
		case msg := <-b.queue:
			b.OnMessage(ctx, msg)
			n++
		default:
			return n
		}
	}
}

// OnMessage handles one inbound message.
//
// PGN 130074 is decoded and passed to the handler, except when it carries
// this node's own source address (a gateway echo). PGN 60928 updates the
// device table. Everything else is counted and ignored.
func (b *Bridge) OnMessage(ctx context.Context, msg Message) {
	b.messagesReceived.Add(1)

	switch msg.PGN {
	case PGNWaypointList:
		b.handleWaypoint(ctx, msg)
	case PGNAddressClaim:
		b.handleAddressClaim(msg)
	default:
		b.ignoredPGNs.Add(1)
	}
}

func (b *Bridge) handleWaypoint(ctx context.Context, msg Message) {
	if msg.Source == b.source {
		b.echoesIgnored.Add(1)
		return
	}

	lat, lon, name, err := DecodeWaypoint(msg.Data)
	if err != nil {
		b.waypointsRejected.Add(1)
		b.logger.Warn("undecodable waypoint message", "source", msg.Source, "error", err)
		return
	}

	b.waypointsReceived.Add(1)
	b.logger.Debug("waypoint received from bus", "source", msg.Source, "name", name, "lat", lat, "lon", lon)

	if err := b.handler.OnBusWaypoint(ctx, lat, lon, name); err != nil {
		b.waypointsRejected.Add(1)
		b.logger.Warn("bus waypoint rejected", "source", msg.Source, "name", name, "error", err)
	}
}

func (b *Bridge) handleAddressClaim(msg Message) {
	name, err := DecodeAddressClaim(msg.Data)
	if err != nil {
		b.logger.Warn("undecodable address claim", "source", msg.Source, "error", err)
		return
	}
	b.addressClaims.Add(1)

	seen := msg.Timestamp
	if seen.IsZero() {
		seen = time.Now().UTC()
	}

	b.devicesMu.Lock()
	defer b.devicesMu.Unlock()

	// A node that moved address keeps only its newest entry.
	for src, d := range b.devices {
		if d.NAME == name && src != msg.Source {
			delete(b.devices, src)
		}
	}
	prev, known := b.devices[msg.Source]
	b.devices[msg.Source] = BusDevice{Source: msg.Source, NAME: name, LastSeen: seen}

	if !known || prev.NAME != name {
		b.logger.Info("bus device claimed address", "source", msg.Source, "name_id", fmt.Sprintf("0x%016X", name))
	}
}

// Broadcast sends rec to every node as PGN 130074 from this node's address.
// Call outside any store or detector lock; the send is bounded by the
// configured send timeout.
func (b *Bridge) Broadcast(ctx context.Context, rec waypoint.Record) error {
	if b.stopped.Load() {
		return ErrBridgeStopped
	}

	sendCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	msg := NewWaypointMessage(b.source, rec.Latitude, rec.Longitude, rec.Name)
	msg.Timestamp = time.Now().UTC()
	if err := b.conn.Send(sendCtx, msg); err != nil {
		b.broadcastErrors.Add(1)
		return fmt.Errorf("broadcasting waypoint %d: %w", rec.ID, err)
	}

	b.broadcasts.Add(1)
	b.logger.Debug("waypoint broadcast", "id", rec.ID, "name", rec.Name)
	return nil
}

// RequestAddressClaims sends an ISO Request for PGN 60928 to all nodes.
func (b *Bridge) RequestAddressClaims(ctx context.Context) error {
	sendCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	return b.conn.Send(sendCtx, Message{
		Timestamp:   time.Now().UTC(),
		Priority:    requestPriority,
		PGN:         PGNISORequest,
		Source:      b.source,
		Destination: BroadcastAddress,
		Data:        EncodeISORequest(PGNAddressClaim),
	})
}

// Devices returns the bus device table ordered by source address.
func (b *Bridge) Devices() []BusDevice {
	b.devicesMu.RLock()
	out := make([]BusDevice, 0, len(b.devices))
	for _, d := range b.devices {
		out = append(out, d)
	}
	b.devicesMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// BusDeviceCount returns the number of nodes in the device table.
func (b *Bridge) BusDeviceCount() int {
	b.devicesMu.RLock()
	defer b.devicesMu.RUnlock()
	return len(b.devices)
}

// IsConnected reports whether the gateway is connected.
func (b *Bridge) IsConnected() bool {
	return b.conn.IsConnected()
}

// GetMetrics returns a snapshot of bridge counters.
func (b *Bridge) GetMetrics() Metrics {
	return Metrics{
		MessagesReceived:  b.messagesReceived.Load(),
		WaypointsReceived: b.waypointsReceived.Load(),
		WaypointsRejected: b.waypointsRejected.Load(),
		EchoesIgnored:     b.echoesIgnored.Load(),
		AddressClaims:     b.addressClaims.Load(),
		IgnoredPGNs:       b.ignoredPGNs.Load(),
		QueueDropped:      b.queueDropped.Load(),
		Broadcasts:        b.broadcasts.Load(),
		BroadcastErrors:   b.broadcastErrors.Load(),
		QueueDepth:        len(b.queue),
		BusDevices:        b.BusDeviceCount(),
		Gateway:           b.conn.Stats(),
	}
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
