package device

import "errors"

// Domain errors for the device registry.
var (
	// ErrInvalidNAME is returned when a configured bus NAME cannot be parsed.
	ErrInvalidNAME = errors.New("device: invalid bus NAME")

	// ErrInvalidDescriptor is returned when a descriptor lacks a name or format key.
	ErrInvalidDescriptor = errors.New("device: invalid descriptor")
)
