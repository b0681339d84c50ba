package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "waypointsync"

// Collector bundles the daemon's Prometheus metrics.
// A nil *Collector is valid; every method is then a no-op.
type Collector struct {
	gatherer prometheus.Gatherer
	reg      prometheus.Registerer

	WaypointChanges *prometheus.CounterVec
	Waypoints       prometheus.Gauge
	Passes          *prometheus.CounterVec
	PassDuration    *prometheus.HistogramVec
	Conversions     *prometheus.CounterVec
	Broadcasts      *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
}

// NewCollector registers the metrics on reg, or on the default registry when
// reg is nil. Registering twice on the same registry reuses the existing
// collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer, reg: reg}
	var err error

	if c.WaypointChanges, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "waypoint_changes_total",
		Help:      "Waypoint store mutations, labeled by kind (added, updated).",
	}, []string{"kind"})); err != nil {
		return nil, err
	}

	if c.Waypoints, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "waypoints",
		Help:      "Number of waypoints in the store.",
	})); err != nil {
		return nil, err
	}

	if c.Passes, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_passes_total",
		Help:      "Completed fan-out passes, labeled by trigger.",
	}, []string{"trigger"})); err != nil {
		return nil, err
	}

	if c.PassDuration, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sync_pass_duration_seconds",
		Help:      "Fan-out pass duration in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"trigger"})); err != nil {
		return nil, err
	}

	if c.Conversions, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "conversions_total",
		Help:      "Device conversions, labeled by format key and result.",
	}, []string{"format", "result"})); err != nil {
		return nil, err
	}

	if c.Broadcasts, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcasts_total",
		Help:      "Waypoint broadcasts on the bus, labeled by result.",
	}, []string{"result"})); err != nil {
		return nil, err
	}

	if c.HTTPRequests, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP API requests, labeled by method, route and status code.",
	}, []string{"method", "route", "code"})); err != nil {
		return nil, err
	}

	if c.HTTPDuration, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP API latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})); err != nil {
		return nil, err
	}

	return c, nil
}

// ObserveWaypointChange counts one store mutation and sets the store size.
func (c *Collector) ObserveWaypointChange(kind string, storeSize int) {
	if c == nil {
		return
	}
	c.WaypointChanges.WithLabelValues(kind).Inc()
	c.Waypoints.Set(float64(storeSize))
}

// SetWaypoints sets the store size gauge.
func (c *Collector) SetWaypoints(n int) {
	if c == nil {
		return
	}
	c.Waypoints.Set(float64(n))
}

// ConversionResult is one device conversion inside a pass.
type ConversionResult struct {
	Format string
	OK     bool
}

// ObservePass records a completed pass.
func (c *Collector) ObservePass(trigger string, duration time.Duration, conversions []ConversionResult, broadcasts, broadcastFailures int) {
	if c == nil {
		return
	}
	c.Passes.WithLabelValues(trigger).Inc()
	c.PassDuration.WithLabelValues(trigger).Observe(duration.Seconds())
	for _, conv := range conversions {
		result := "ok"
		if !conv.OK {
			result = "failed"
		}
		c.Conversions.WithLabelValues(conv.Format, result).Inc()
	}
	c.Broadcasts.WithLabelValues("ok").Add(float64(broadcasts))
	c.Broadcasts.WithLabelValues("failed").Add(float64(broadcastFailures))
}

// ObserveHTTP records one API request. route is the matched pattern, not the raw path.
func (c *Collector) ObserveHTTP(method, route string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RegisterBusGauges exposes bridge state sampled at scrape time.
func (c *Collector) RegisterBusGauges(devices func() int, connected func() bool) error {
	if c == nil {
		return nil
	}
	if err := registerCollector(c.reg, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "n2k_bus_devices",
		Help:      "Devices that have claimed an address on the bus.",
	}, func() float64 { return float64(devices()) })); err != nil {
		return err
	}
	return registerCollector(c.reg, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "n2k_gateway_connected",
		Help:      "1 when the bus gateway connection is up.",
	}, func() float64 {
		if connected() {
			return 1
		}
		return 0
	}))
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError) //nolint:errorlint // Register returns the value type
		if !ok {
			return nil, err
		}
		existing, ok := are.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, fmt.Errorf("%w: counter vec", ErrIncompatibleCollector)
		}
		return existing, nil
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError) //nolint:errorlint // Register returns the value type
		if !ok {
			return nil, err
		}
		existing, ok := are.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return nil, fmt.Errorf("%w: histogram vec", ErrIncompatibleCollector)
		}
		return existing, nil
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError) //nolint:errorlint // Register returns the value type
		if !ok {
			return nil, err
		}
		existing, ok := are.ExistingCollector.(prometheus.Gauge)
		if !ok {
			return nil, fmt.Errorf("%w: gauge", ErrIncompatibleCollector)
		}
		return existing, nil
	}
	return gauge, nil
}

// registerCollector registers c, tolerating an identical earlier registration.
func registerCollector(reg prometheus.Registerer, c prometheus.Collector) error {
	if err := reg.Register(c); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); ok { //nolint:errorlint // Register returns the value type
			return nil
		}
		return err
	}
	return nil
}
