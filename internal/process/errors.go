package process

import "errors"

var (
	// ErrInvalidSpec is returned by New when the spec lacks a name or binary.
	ErrInvalidSpec = errors.New("process: invalid spec")

	// ErrAlreadyRunning is returned by Start on a supervisor that is active.
	ErrAlreadyRunning = errors.New("process: already running")

	// ErrProbeFailed wraps the last probe error when the child is killed
	// for failing its health probe.
	ErrProbeFailed = errors.New("process: health probe failed")

	// ErrRestartLimit is recorded when the restart budget is spent.
	ErrRestartLimit = errors.New("process: restart limit reached")
)
