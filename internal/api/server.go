package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nerrad567/waypoint-sync/internal/device"
	"github.com/nerrad567/waypoint-sync/internal/infrastructure/config"
	"github.com/nerrad567/waypoint-sync/internal/infrastructure/logging"
	"github.com/nerrad567/waypoint-sync/internal/infrastructure/metrics"
	"github.com/nerrad567/waypoint-sync/internal/orchestrator"
	"github.com/nerrad567/waypoint-sync/internal/waypoint"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// WaypointReader reads the store. Satisfied by *waypoint.Store.
type WaypointReader interface {
	List() []waypoint.Record
	Get(id uint16) (waypoint.Record, error)
}

// SyncController mutates waypoints and drives passes. Submit calls return
// once the change is stored; the fan-out pass runs in the background, so a
// request never waits on the converter.
// Satisfied by *orchestrator.Orchestrator.
type SyncController interface {
	SubmitWaypoint(ctx context.Context, explicitID uint16, name string, lat, lon float64) (waypoint.Record, error)
	SubmitUpdate(ctx context.Context, id uint16, name string, lat, lon float64) (waypoint.UpdateResult, error)
	SyncAll(ctx context.Context) orchestrator.PassReport
	ReloadFormats() (int, error)
	Status() orchestrator.Status
}

// DeviceSource lists attached devices. Satisfied by *device.Registry.
type DeviceSource interface {
	ListEntries() []device.Entry
	Override() bool
}

// PassLister returns recent pass summaries.
// Satisfied by *orchestrator.SQLitePassRecorder.
type PassLister interface {
	ListRecent(ctx context.Context, limit int) ([]orchestrator.PassRecord, error)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger

	Store   WaypointReader
	Sync    SyncController
	Devices DeviceSource

	// Passes is optional; GET /sync/passes returns 404 without it.
	Passes PassLister

	// Audit is optional; mutations are not journaled without it.
	Audit AuditLog

	// Metrics is optional. MetricsPath defaults to /metrics.
	Metrics     *metrics.Collector
	MetricsPath string

	// Hub is shared with the orchestrator as an event sink. One is created if nil.
	Hub *Hub

	Version string
}

// Server is the HTTP API server.
type Server struct {
	cfg         config.APIConfig
	jwtSecret   string
	logger      *logging.Logger
	store       WaypointReader
	sync        SyncController
	devices     DeviceSource
	passes      PassLister
	audit       AuditLog
	metrics     *metrics.Collector
	metricsPath string
	version     string
	hub         *Hub
	server      *http.Server
	cancel      context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (logger, store, sync controller, devices)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("waypoint store is required")
	}
	if deps.Sync == nil {
		return nil, fmt.Errorf("sync controller is required")
	}
	if deps.Devices == nil {
		return nil, fmt.Errorf("device source is required")
	}

	s := &Server{
		cfg:         deps.Config,
		jwtSecret:   deps.Security.JWT.Secret,
		logger:      deps.Logger,
		store:       deps.Store,
		sync:        deps.Sync,
		devices:     deps.Devices,
		passes:      deps.Passes,
		audit:       deps.Audit,
		metrics:     deps.Metrics,
		metricsPath: deps.MetricsPath,
		version:     deps.Version,
		hub:         deps.Hub,
	}
	if s.metricsPath == "" {
		s.metricsPath = "/metrics"
	}
	if s.hub == nil {
		s.hub = NewHub(deps.WS, deps.Logger)
	}
	s.hub.SetSnapshot(deps.Store.List)
	return s, nil
}

// Hub returns the WebSocket hub so it can be registered as an event sink.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub and launches the HTTP listener in a background
// goroutine. The listener is bound before Start returns so a port conflict
// is reported to the caller. The server can be stopped with Close().
//
// Parameters:
//   - ctx: Parent context for the hub; cancelled by Close()
//
// Returns:
//   - error: If the server fails to start (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("binding API listener: %w", err)
	}

	s.logger.Info("API server listening", "address", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
