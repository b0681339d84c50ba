package device

import (
	"fmt"
	"strconv"
	"strings"
)

// Well-known device identities seen on the bus.
const (
	NAMEGarmin   uint64 = 0x123456789ABCDEF0
	NAMELowrance uint64 = 0x0987654321ABCDEF
)

// Descriptor identifies a navigation device by display name and the format
// key its waypoint files use.
type Descriptor struct {
	DisplayName string `json:"display_name"`
	FormatKey   string `json:"format_key"`
}

// Validate checks that both fields are set.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.DisplayName) == "" {
		return fmt.Errorf("%w: display name is required", ErrInvalidDescriptor)
	}
	if strings.TrimSpace(d.FormatKey) == "" {
		return fmt.Errorf("%w: format key is required for %q", ErrInvalidDescriptor, d.DisplayName)
	}
	return nil
}

// BusDevice is a node that has claimed an address on the bus.
type BusDevice struct {
	Source uint8
	NAME   uint64
}

// Entry is a resolved device with its bus identity.
// Source and NAME are zero in override mode.
type Entry struct {
	Descriptor
	Source uint8  `json:"source"`
	NAME   string `json:"name_id,omitempty"`
}

// NameTable maps 64-bit bus NAMEs to descriptors.
type NameTable map[uint64]Descriptor

// DefaultNameTable returns the built-in identities.
func DefaultNameTable() NameTable {
	return NameTable{
		NAMEGarmin:   {DisplayName: "Garmin", FormatKey: "usr"},
		NAMELowrance: {DisplayName: "Lowrance", FormatKey: "hwr"},
	}
}

// ParseNAME parses a bus NAME written as hex, with or without a 0x prefix.
func ParseNAME(s string) (uint64, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if trimmed == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidNAME)
	}
	v, err := strconv.ParseUint(trimmed, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrInvalidNAME, s, err)
	}
	return v, nil
}

// FormatNAME renders a NAME as fixed-width hex.
func FormatNAME(name uint64) string {
	return fmt.Sprintf("0x%016X", name)
}
