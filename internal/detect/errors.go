package detect

import "errors"

var (
	// ErrPrimaryUnavailable is returned when the event-driven path cannot be used.
	ErrPrimaryUnavailable = errors.New("detect: primary path unavailable")

	// ErrNotDirectory is returned by AddWatch for paths that are not directories.
	ErrNotDirectory = errors.New("detect: not a directory")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("detect: closed")
)
