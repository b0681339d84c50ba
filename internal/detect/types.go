package detect

import (
	"fmt"
	"time"
)

// EventSource identifies which path observed a change.
type EventSource string

const (
	// SourceWatch is the inotify subscription.
	SourceWatch EventSource = "watch"
	// SourcePoll is the mtime polling fallback.
	SourcePoll EventSource = "poll"
)

// ChangeEvent is a single observed filesystem change.
type ChangeEvent struct {
	Source     EventSource `json:"source"`
	Path       string      `json:"path"`
	ObservedAt time.Time   `json:"observed_at"`
}

// ResultKind tags the outcome of one detection check.
type ResultKind int

const (
	NoChange ResultKind = iota
	PrimaryHit
	FallbackHit
)

func (k ResultKind) String() string {
	switch k {
	case NoChange:
		return "no_change"
	case PrimaryHit:
		return "primary_hit"
	case FallbackHit:
		return "fallback_hit"
	default:
		return fmt.Sprintf("ResultKind(%d)", int(k))
	}
}

// Result is returned by Check.
type Result struct {
	Kind   ResultKind
	Events []ChangeEvent
}

// Changed reports whether either path observed a change.
func (r Result) Changed() bool {
	return r.Kind != NoChange
}

// State is the detector's position in its cycle.
type State int

const (
	StateIdle State = iota
	StateChecking
)

func (s State) String() string {
	if s == StateChecking {
		return "checking"
	}
	return "idle"
}

// Logger defines the logging interface used by the Detector.
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
