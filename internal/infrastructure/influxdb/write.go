package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurements written by the daemon.
const (
	MeasurementSyncPass   = "sync_pass"
	MeasurementConversion = "conversion"
	MeasurementBus        = "n2k_bus"
)

// WriteSyncPass records one fan-out pass.
func (c *Client) WriteSyncPass(trigger string, devices, conversions, failures, broadcasts int, duration time.Duration, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(syncPassPoint(c.site, trigger, devices, conversions, failures, broadcasts, duration, at))
}

// WriteConversion records one device conversion inside a pass.
func (c *Client) WriteConversion(deviceName, formatKey string, ok bool, duration time.Duration, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(conversionPoint(c.site, deviceName, formatKey, ok, duration, at))
}

// BusCounters is a snapshot of bridge counters.
type BusCounters struct {
	MessagesReceived  uint64
	WaypointsReceived uint64
	Broadcasts        uint64
	BroadcastErrors   uint64
	QueueDropped      uint64
	Devices           int
	Connected         bool
}

// WriteBusCounters records a bridge counter snapshot.
func (c *Client) WriteBusCounters(b BusCounters, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(busPoint(c.site, b, at))
}

func syncPassPoint(site, trigger string, devices, conversions, failures, broadcasts int, duration time.Duration, at time.Time) *write.Point {
	return write.NewPoint(MeasurementSyncPass,
		map[string]string{"site": site, "trigger": trigger},
		map[string]interface{}{
			"devices":     devices,
			"conversions": conversions,
			"failures":    failures,
			"broadcasts":  broadcasts,
			"duration_ms": duration.Milliseconds(),
		},
		at)
}

func conversionPoint(site, deviceName, formatKey string, ok bool, duration time.Duration, at time.Time) *write.Point {
	return write.NewPoint(MeasurementConversion,
		map[string]string{"site": site, "device": deviceName, "format": formatKey},
		map[string]interface{}{
			"ok":          ok,
			"duration_ms": duration.Milliseconds(),
		},
		at)
}

func busPoint(site string, b BusCounters, at time.Time) *write.Point {
	return write.NewPoint(MeasurementBus,
		map[string]string{"site": site},
		map[string]interface{}{
			"messages_received":  b.MessagesReceived,
			"waypoints_received": b.WaypointsReceived,
			"broadcasts":         b.Broadcasts,
			"broadcast_errors":   b.BroadcastErrors,
			"queue_dropped":      b.QueueDropped,
			"devices":            b.Devices,
			"connected":          b.Connected,
		},
		at)
}
