package waypoint

import (
	"fmt"
	"math"
	"time"
	"unicode/utf8"
)

// FirstID is the first identifier handed out by the store counter.
const FirstID uint16 = 1000

// MaxNameLength bounds waypoint names in bytes. The bus payload carries the
// name after two 8-byte coordinates inside a fast-packet message.
const MaxNameLength = 200

// coordinateResolution matches the 1e-7 degree resolution used on the bus.
const coordinateResolution = 1e7

// Record is a single waypoint owned by the Store.
type Record struct {
	ID        uint16    `json:"id"`
	Name      string    `json:"name"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	UpdatedAt time.Time `json:"updated_at"`
}

// sameFields reports whether name and position already match r.
// UpdatedAt is not an observable field.
func (r Record) sameFields(name string, lat, lon float64) bool {
	return r.Name == name && r.Latitude == lat && r.Longitude == lon
}

// UpdateResult is the outcome of Store.Update.
type UpdateResult int

const (
	// Changed means at least one field differed and the record was rewritten.
	Changed UpdateResult = iota
	// NoOp means the update carried no observable change.
	NoOp
	// NotFound means no record has the requested id.
	NotFound
)

func (u UpdateResult) String() string {
	switch u {
	case Changed:
		return "changed"
	case NoOp:
		return "noop"
	case NotFound:
		return "not_found"
	default:
		return fmt.Sprintf("UpdateResult(%d)", int(u))
	}
}

// ChangeKind distinguishes additions from updates in notifications.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeUpdated ChangeKind = "updated"
)

// Change is delivered to subscribers after every successful mutation.
type Change struct {
	Kind   ChangeKind `json:"kind"`
	Record Record     `json:"record"`
}

// Quantize rounds a coordinate to the bus resolution so that values read
// back from the bus compare equal to the stored ones.
func Quantize(deg float64) float64 {
	return math.Round(deg*coordinateResolution) / coordinateResolution
}

// ValidateCoordinates checks WGS84 bounds.
func ValidateCoordinates(lat, lon float64) error {
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude %v out of [-90, 90]", ErrInvalidCoordinates, lat)
	}
	if math.IsNaN(lon) || lon < -180 || lon > 180 {
		return fmt.Errorf("%w: longitude %v out of [-180, 180]", ErrInvalidCoordinates, lon)
	}
	return nil
}

// ValidateName checks that name is non-empty valid UTF-8 within MaxNameLength.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidName, len(name), MaxNameLength)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidName)
	}
	return nil
}
