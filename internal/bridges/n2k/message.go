package n2k

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Parameter group numbers handled by the bridge.
const (
	// PGNISORequest asks nodes to send a given PGN.
	PGNISORequest uint32 = 59904

	// PGNAddressClaim carries a node's 64-bit NAME.
	PGNAddressClaim uint32 = 60928

	// PGNWaypointList carries one waypoint: lat, lon and name.
	PGNWaypointList uint32 = 130074
)

// Addressing and framing constants.
const (
	// BroadcastAddress is the global destination.
	BroadcastAddress uint8 = 255

	// WaypointPriority is the priority used for outbound waypoints.
	WaypointPriority uint8 = 3

	// MaxPayload is the largest fast-packet payload.
	MaxPayload = 223

	// coordinateResolution is the unit of the int64 lat/lon fields.
	coordinateResolution = 1e-7

	// waypointHeaderLen is lat(8) + lon(8).
	waypointHeaderLen = 16

	// lineTimeLayout is the canboat timestamp layout.
	lineTimeLayout = "2006-01-02T15:04:05.000Z"
)

// Message is one NMEA 2000 message as exchanged with the gateway.
type Message struct {
	Timestamp   time.Time
	Priority    uint8
	PGN         uint32
	Source      uint8
	Destination uint8
	Data        []byte
}

// EncodeWaypoint builds a PGN 130074 payload: latitude and longitude as
// little-endian int64 in 1e-7 degree units, followed by the name bytes.
// Names that would overflow MaxPayload are truncated.
func EncodeWaypoint(lat, lon float64, name string) []byte {
	maxName := MaxPayload - waypointHeaderLen
	if len(name) > maxName {
		name = name[:maxName]
	}

	buf := make([]byte, waypointHeaderLen+len(name))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(toFixed(lat)))  //nolint:gosec // two's complement on the wire
	binary.LittleEndian.PutUint64(buf[8:16], uint64(toFixed(lon))) //nolint:gosec // two's complement on the wire
	copy(buf[waypointHeaderLen:], name)
	return buf
}

// DecodeWaypoint parses a PGN 130074 payload produced by EncodeWaypoint.
// Trailing NUL and 0xFF padding is stripped from the name.
func DecodeWaypoint(data []byte) (lat, lon float64, name string, err error) {
	if len(data) < waypointHeaderLen {
		return 0, 0, "", fmt.Errorf("%w: waypoint needs %d bytes, got %d", ErrInvalidPayload, waypointHeaderLen, len(data))
	}

	lat = float64(int64(binary.LittleEndian.Uint64(data[0:8]))) * coordinateResolution  //nolint:gosec // two's complement on the wire
	lon = float64(int64(binary.LittleEndian.Uint64(data[8:16]))) * coordinateResolution //nolint:gosec // two's complement on the wire
	name = strings.TrimRight(string(data[waypointHeaderLen:]), "\x00\xff")
	return lat, lon, name, nil
}

// NewWaypointMessage builds a broadcast waypoint message from source.
func NewWaypointMessage(source uint8, lat, lon float64, name string) Message {
	return Message{
		Priority:    WaypointPriority,
		PGN:         PGNWaypointList,
		Source:      source,
		Destination: BroadcastAddress,
		Data:        EncodeWaypoint(lat, lon, name),
	}
}

// EncodeISORequest builds a PGN 59904 payload requesting pgn.
func EncodeISORequest(pgn uint32) []byte {
	return []byte{byte(pgn), byte(pgn >> 8), byte(pgn >> 16)}
}

// DecodeAddressClaim returns the 64-bit NAME from a PGN 60928 payload.
func DecodeAddressClaim(data []byte) (uint64, error) {
	if len(data) < 8 {
		return 0, fmt.Errorf("%w: address claim needs 8 bytes, got %d", ErrInvalidPayload, len(data))
	}
	return binary.LittleEndian.Uint64(data[:8]), nil
}

// EncodeAddressClaim builds a PGN 60928 payload for name.
func EncodeAddressClaim(name uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, name)
	return buf
}

func toFixed(deg float64) int64 {
	return int64(math.Round(deg / coordinateResolution))
}

// FormatLine renders m in the canboat plain format:
//
//	timestamp,prio,pgn,src,dst,len,xx,xx,...
func FormatLine(m Message) string {
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	var b strings.Builder
	b.Grow(32 + 3*len(m.Data))
	b.WriteString(ts.UTC().Format(lineTimeLayout))
	fmt.Fprintf(&b, ",%d,%d,%d,%d,%d", m.Priority, m.PGN, m.Source, m.Destination, len(m.Data))
	for _, v := range m.Data {
		fmt.Fprintf(&b, ",%02x", v)
	}
	return b.String()
}

// ParseLine parses a canboat plain format line. An unparsable timestamp is
// replaced with the receive time.
func ParseLine(line string) (Message, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) < 6 {
		return Message{}, fmt.Errorf("%w: %d fields", ErrInvalidLine, len(fields))
	}

	var m Message
	ts, err := parseLineTime(fields[0])
	if err != nil {
		ts = time.Now().UTC()
	}
	m.Timestamp = ts

	prio, err := strconv.ParseUint(fields[1], 10, 8)
	if err != nil {
		return Message{}, fmt.Errorf("%w: priority: %w", ErrInvalidLine, err)
	}
	pgn, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return Message{}, fmt.Errorf("%w: pgn: %w", ErrInvalidLine, err)
	}
	src, err := strconv.ParseUint(fields[3], 10, 8)
	if err != nil {
		return Message{}, fmt.Errorf("%w: source: %w", ErrInvalidLine, err)
	}
	dst, err := strconv.ParseUint(fields[4], 10, 8)
	if err != nil {
		return Message{}, fmt.Errorf("%w: destination: %w", ErrInvalidLine, err)
	}
	n, err := strconv.Atoi(fields[5])
	if err != nil || n < 0 || n > MaxPayload {
		return Message{}, fmt.Errorf("%w: length %q", ErrInvalidLine, fields[5])
	}
	if len(fields)-6 != n {
		return Message{}, fmt.Errorf("%w: length %d but %d data bytes", ErrInvalidLine, n, len(fields)-6)
	}

	m.Priority = uint8(prio)
	m.PGN = uint32(pgn)
	m.Source = uint8(src)
	m.Destination = uint8(dst)
	m.Data = make([]byte, n)
	for i, f := range fields[6:] {
		v, err := strconv.ParseUint(f, 16, 8)
		if err != nil {
			return Message{}, fmt.Errorf("%w: byte %d: %w", ErrInvalidLine, i, err)
		}
		m.Data[i] = byte(v)
	}
	return m, nil
}

// parseLineTime accepts the timestamp variants emitted by common gateways.
func parseLineTime(s string) (time.Time, error) {
	for _, layout := range []string{lineTimeLayout, time.RFC3339Nano, "2006-01-02-15:04:05.000", "2006-01-02Z15:04:05.000"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrInvalidLine, s)
}
