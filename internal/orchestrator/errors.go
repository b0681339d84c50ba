package orchestrator

import "errors"

// Domain errors for the sync orchestrator.
var (
	// ErrNotStarted is returned when a cycle runs before OnStartup.
	ErrNotStarted = errors.New("orchestrator: not started")

	// ErrDuplicateWaypoint is returned when the bus repeats a waypoint the store already holds.
	ErrDuplicateWaypoint = errors.New("orchestrator: duplicate bus waypoint")
)
