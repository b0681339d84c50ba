package orchestrator

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/nerrad567/waypoint-sync/internal/waypoint"
)

// Publisher is the MQTT surface the MQTTSink needs. Satisfied by *mqtt.Client.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// MQTTSinkConfig holds topics and queue settings for NewMQTTSink.
type MQTTSinkConfig struct {
	WaypointTopic string
	SyncTopic     string
	QoS           byte

	// QueueSize bounds pending publishes. Default: 64.
	QueueSize int
}

type mqttMessage struct {
	topic   string
	payload []byte
}

// WaypointEvent is the payload published for a store change.
type WaypointEvent struct {
	Kind      waypoint.ChangeKind `json:"kind"`
	Record    waypoint.Record     `json:"record"`
	Timestamp time.Time           `json:"timestamp"`
}

// MQTTSink publishes store changes and pass reports. Publishing happens on
// the Run goroutine; when the queue is full events are dropped and counted.
type MQTTSink struct {
	pub    Publisher
	cfg    MQTTSinkConfig
	logger Logger
	queue  chan mqttMessage

	dropped   atomic.Uint64
	published atomic.Uint64
	failed    atomic.Uint64
}

// NewMQTTSink creates a sink. Call Run to start publishing.
func NewMQTTSink(pub Publisher, cfg MQTTSinkConfig, logger Logger) *MQTTSink {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &MQTTSink{
		pub:    pub,
		cfg:    cfg,
		logger: logger,
		queue:  make(chan mqttMessage, cfg.QueueSize),
	}
}

// WaypointChanged queues a waypoint event.
func (s *MQTTSink) WaypointChanged(c waypoint.Change) {
	s.enqueue(s.cfg.WaypointTopic, WaypointEvent{Kind: c.Kind, Record: c.Record, Timestamp: time.Now().UTC()})
}

// PassCompleted queues a sync event.
func (s *MQTTSink) PassCompleted(r PassReport) {
	s.enqueue(s.cfg.SyncTopic, r)
}

func (s *MQTTSink) enqueue(topic string, v any) {
	if topic == "" {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("encoding mqtt event", "topic", topic, "error", err)
		return
	}

	select {
	case s.queue <- mqttMessage{topic: topic, payload: payload}:
	default:
		s.dropped.Add(1)
		s.logger.Warn("mqtt event queue full, event dropped", "topic", topic)
	}
}

// Run publishes queued events until ctx is done.
func (s *MQTTSink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-s.queue:
			if err := s.pub.Publish(msg.topic, msg.payload, s.cfg.QoS, false); err != nil {
				s.failed.Add(1)
				s.logger.Debug("mqtt event not published", "topic", msg.topic, "error", err)
				continue
			}
			s.published.Add(1)
		}
	}
}

// SinkStats counts MQTTSink outcomes.
type SinkStats struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Pending   int    `json:"pending"`
}

// Stats returns publish counters.
func (s *MQTTSink) Stats() SinkStats {
	return SinkStats{
		Published: s.published.Load(),
		Failed:    s.failed.Load(),
		Dropped:   s.dropped.Load(),
		Pending:   len(s.queue),
	}
}

// PassWriter receives pass telemetry. Satisfied by *influxdb.Client, whose
// writes are batched and non-blocking.
type PassWriter interface {
	WriteSyncPass(trigger string, devices, conversions, failures, broadcasts int, duration time.Duration, at time.Time)
	WriteConversion(deviceName, formatKey string, ok bool, duration time.Duration, at time.Time)
}

// InfluxSink writes one point per pass and one per device conversion.
type InfluxSink struct {
	w PassWriter
}

// NewInfluxSink creates a sink writing to w.
func NewInfluxSink(w PassWriter) *InfluxSink {
	return &InfluxSink{w: w}
}

// WaypointChanged is a no-op; only passes are recorded as telemetry.
func (*InfluxSink) WaypointChanged(waypoint.Change) {}

// PassCompleted writes the pass summary and its conversions.
func (s *InfluxSink) PassCompleted(r PassReport) {
	s.w.WriteSyncPass(r.Trigger, r.Devices, r.Conversions, r.Failures(), r.Broadcasts, r.Duration, r.StartedAt)
	for _, o := range r.Outcomes {
		s.w.WriteConversion(o.Device.DisplayName, o.Device.FormatKey, o.Converted,
			time.Duration(o.ConversionTimeMS)*time.Millisecond, r.StartedAt)
	}
}

// FuncSink adapts two functions to EventSink. Either may be nil.
type FuncSink struct {
	OnWaypoint func(waypoint.Change)
	OnPass     func(PassReport)
}

// WaypointChanged calls OnWaypoint.
func (f FuncSink) WaypointChanged(c waypoint.Change) {
	if f.OnWaypoint != nil {
		f.OnWaypoint(c)
	}
}

// PassCompleted calls OnPass.
func (f FuncSink) PassCompleted(r PassReport) {
	if f.OnPass != nil {
		f.OnPass(r)
	}
}

// compile-time checks
var (
	_ EventSink = (*MQTTSink)(nil)
	_ EventSink = (*InfluxSink)(nil)
	_ EventSink = FuncSink{}
)
