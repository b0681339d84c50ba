package waypoint

import "errors"

// Domain errors for the waypoint package.
//
//	if errors.Is(err, waypoint.ErrWaypointExists) {
//	    // use Update instead
//	}
var (
	// ErrWaypointExists is returned when Add is given an explicit id already in the store.
	ErrWaypointExists = errors.New("waypoint: already exists")

	// ErrWaypointNotFound is returned by lookups for an unknown id.
	ErrWaypointNotFound = errors.New("waypoint: not found")

	// ErrInvalidCoordinates is returned for latitude/longitude outside WGS84 bounds.
	ErrInvalidCoordinates = errors.New("waypoint: invalid coordinates")

	// ErrInvalidName is returned for empty or oversized names.
	ErrInvalidName = errors.New("waypoint: invalid name")

	// ErrIDSpaceExhausted is returned when the 16-bit id counter has no ids left.
	ErrIDSpaceExhausted = errors.New("waypoint: id space exhausted")

	// ErrInvalidGPX is returned when a GPX document cannot be decoded.
	ErrInvalidGPX = errors.New("waypoint: invalid gpx")
)
