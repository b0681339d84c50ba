package n2k

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// TopicPrefix is the base topic for all daemon messages.
const TopicPrefix = "waypointsync"

// HealthTopic returns the MQTT topic for bridge health status.
// Example: waypointsync/health/n2k
func HealthTopic() string {
	return TopicPrefix + "/health/n2k"
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

// Health status values.
const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthOffline  HealthStatus = "offline"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports bridge status.
// Topic: waypointsync/health/n2k
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge        string       `json:"bridge"`
	Timestamp     time.Time    `json:"timestamp"`
	Status        HealthStatus `json:"status"`
	Version       string       `json:"version"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	Gateway       string       `json:"gateway"`
	Connected     bool         `json:"connected"`
	MessagesRx    uint64       `json:"messages_received"`
	MessagesTx    uint64       `json:"messages_sent"`
	Errors        uint64       `json:"errors"`
	BusDevices    int          `json:"bus_devices"`
	Reason        string       `json:"reason,omitempty"`
}

// HealthPublisher is the interface for publishing health messages.
// This is typically implemented by an MQTT client.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	// Version is the daemon software version.
	Version string

	// Gateway is the gateway URL reported in messages.
	Gateway string

	// Interval is how often to publish health status.
	// Default: 30 seconds.
	Interval time.Duration

	// Publisher is the MQTT client for publishing messages.
	Publisher HealthPublisher

	// Connector provides connection statistics.
	Connector Connector

	Logger Logger
}

// HealthReporter publishes bridge health to MQTT at a fixed interval.
type HealthReporter struct {
	cfg       HealthReporterConfig
	startTime time.Time
	now       func() time.Time

	counterMu sync.RWMutex
	counter   func() int

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewHealthReporter creates a new health reporter.
// Call Start to begin reporting.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	return &HealthReporter{
		cfg:       cfg,
		startTime: time.Now(),
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

// SetDeviceCounter sets the function reporting the bus device count.
func (h *HealthReporter) SetDeviceCounter(fn func() int) {
	h.counterMu.Lock()
	h.counter = fn
	h.counterMu.Unlock()
}

// Start begins periodic health reporting.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop stops reporting and publishes a final "stopping" status.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // Best-effort during shutdown
		h.publishStatus(HealthStopping, "")
	})
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "bridge starting")
}

// PublishNow publishes the current health status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publishStatus(status, reason)
}

// LWTPayload returns the Last Will and Testament payload for the broker.
func (h *HealthReporter) LWTPayload() ([]byte, error) {
	return json.Marshal(HealthMessage{
		Bridge:    "n2k",
		Timestamp: h.now().UTC(),
		Status:    HealthOffline,
		Gateway:   h.cfg.Gateway,
		Reason:    "unexpected_disconnect",
	})
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	if err := h.PublishNow(); err != nil {
		h.cfg.Logger.Error("failed to publish initial health", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.cfg.Logger.Error("failed to publish health", "error", err)
			}
		}
	}
}

// determineStatus evaluates the current bridge status.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.cfg.Publisher == nil || !h.cfg.Publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	if h.cfg.Connector == nil || !h.cfg.Connector.IsConnected() {
		return HealthDegraded, "gateway disconnected"
	}
	return HealthHealthy, ""
}

// buildMessage assembles a health message for status.
func (h *HealthReporter) buildMessage(status HealthStatus, reason string) HealthMessage {
	msg := HealthMessage{
		Bridge:        "n2k",
		Timestamp:     h.now().UTC(),
		Status:        status,
		Version:       h.cfg.Version,
		UptimeSeconds: int64(h.now().Sub(h.startTime).Seconds()),
		Gateway:       h.cfg.Gateway,
		Reason:        reason,
	}
	if h.cfg.Connector != nil {
		stats := h.cfg.Connector.Stats()
		msg.Connected = stats.Connected
		msg.MessagesRx = stats.MessagesRx
		msg.MessagesTx = stats.MessagesTx
		msg.Errors = stats.ErrorsTotal
	}

	h.counterMu.RLock()
	counter := h.counter
	h.counterMu.RUnlock()
	if counter != nil {
		msg.BusDevices = counter()
	}
	return msg
}

func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	if h.cfg.Publisher == nil {
		return nil
	}

	payload, err := json.Marshal(h.buildMessage(status, reason))
	if err != nil {
		return err
	}
	return h.cfg.Publisher.Publish(HealthTopic(), payload, 1, true)
}
