package orchestrator

import (
	"context"
	"time"

	"github.com/nerrad567/waypoint-sync/internal/convert"
	"github.com/nerrad567/waypoint-sync/internal/detect"
	"github.com/nerrad567/waypoint-sync/internal/device"
	"github.com/nerrad567/waypoint-sync/internal/waypoint"
)

// Pass triggers.
const (
	TriggerStartup = "startup"
	TriggerWatch   = "watch"
	TriggerPoll    = "poll"
	TriggerBus     = "bus"
	TriggerManual  = "manual"
	TriggerAPI     = "api"
)

// Logger defines the logging interface used by the Orchestrator.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Detector is the change detection the cycle loop polls.
// Satisfied by *detect.Detector.
type Detector interface {
	AddWatch(dir string) error
	Check(ctx context.Context) detect.Result
	ResetFlags()
	Prime()
}

// DeviceLister lists the attached devices. Satisfied by *device.Registry.
type DeviceLister interface {
	ListDevices() []device.Descriptor
}

// Converter runs format conversions. Satisfied by *convert.Dispatcher.
type Converter interface {
	ConvertDetailed(ctx context.Context, canonicalFile, sourceFormat, targetFormat string) convert.Outcome
	Lookup(key string) (string, bool)
	SetFormats(m convert.FormatMap)
	Reload(path string) (int, error)
}

// Broadcaster sends a waypoint onto the bus. Satisfied by *n2k.Bridge.
type Broadcaster interface {
	Broadcast(ctx context.Context, rec waypoint.Record) error
}

// PassRecorder persists pass reports.
type PassRecorder interface {
	RecordPass(ctx context.Context, r PassReport) error
}

// EventSink receives store changes and completed passes.
// Implementations must not block; they run on the mutating goroutine.
type EventSink interface {
	WaypointChanged(c waypoint.Change)
	PassCompleted(r PassReport)
}

// Config holds orchestrator settings.
type Config struct {
	// WatchDir is the directory the detector watches.
	WatchDir string

	// CanonicalFile is the GPX file holding every waypoint.
	CanonicalFile string

	// SourceFormat is the format key of CanonicalFile.
	SourceFormat string

	// FormatMapFile is loaded by OnStartup and ReloadFormats.
	FormatMapFile string

	// OutputDir receives converted files. Changes under it are ignored.
	OutputDir string

	// CycleInterval is the Run loop period. Default: 2s.
	CycleInterval time.Duration

	// FanoutConcurrency bounds parallel conversions. Default: 2.
	FanoutConcurrency int
}

// Options holds collaborators for New.
type Options struct {
	Config    Config
	Store     *waypoint.Store
	Detector  Detector
	Devices   DeviceLister
	Converter Converter

	// Broadcaster may be nil when no bus is attached; broadcasts are then skipped.
	Broadcaster Broadcaster

	// Recorder may be nil.
	Recorder PassRecorder

	Sinks  []EventSink
	Logger Logger
}

// DeviceOutcome is one device's part of a pass.
type DeviceOutcome struct {
	Device           device.Descriptor `json:"device"`
	OutputFile       string            `json:"output_file,omitempty"`
	Converted        bool              `json:"converted"`
	Broadcasts       int               `json:"broadcasts"`
	BroadcastErrors  int               `json:"broadcast_errors"`
	Error            string            `json:"error,omitempty"`
	ConversionTimeMS int64             `json:"conversion_time_ms"`
}

// PassReport summarises one fan-out.
type PassReport struct {
	ID                 string          `json:"id"`
	Trigger            string          `json:"trigger"`
	StartedAt          time.Time       `json:"started_at"`
	Duration           time.Duration   `json:"duration"`
	Affected           int             `json:"affected"`
	Devices            int             `json:"devices"`
	Skipped            int             `json:"skipped"`
	Conversions        int             `json:"conversions"`
	ConversionFailures int             `json:"conversion_failures"`
	Broadcasts         int             `json:"broadcasts"`
	BroadcastFailures  int             `json:"broadcast_failures"`
	Outcomes           []DeviceOutcome `json:"outcomes"`
}

// Failures returns conversion plus broadcast failures.
func (r PassReport) Failures() int {
	return r.ConversionFailures + r.BroadcastFailures
}

// CycleReport is the result of one RunCycle.
type CycleReport struct {
	Result  detect.ResultKind `json:"result"`
	Events  int               `json:"events"`
	Ignored int               `json:"ignored"`
	Changed int               `json:"changed"`
	Pass    *PassReport       `json:"pass,omitempty"`
}

// Status is a snapshot for health endpoints.
type Status struct {
	Started    bool        `json:"started"`
	Cycles     uint64      `json:"cycles"`
	Passes     uint64      `json:"passes"`
	Waypoints  int         `json:"waypoints"`
	LastPass   *PassReport `json:"last_pass,omitempty"`
	LastExport time.Time   `json:"last_export,omitempty"`
}
