package n2k

import "errors"

// Domain errors for the NMEA 2000 bridge package.
var (
	// ErrNotConnected is returned when an operation requires a gateway
	// connection but the client is not connected.
	ErrNotConnected = errors.New("n2k: not connected to gateway")

	// ErrConnectionFailed is returned when the gateway cannot be reached.
	ErrConnectionFailed = errors.New("n2k: connection to gateway failed")

	// ErrUnsupportedScheme is returned for gateway URLs other than tcp, unix or serial.
	ErrUnsupportedScheme = errors.New("n2k: unsupported gateway scheme")

	// ErrInvalidLine is returned when a gateway line cannot be parsed.
	ErrInvalidLine = errors.New("n2k: invalid gateway line")

	// ErrInvalidPayload is returned when a message payload is too short or malformed.
	ErrInvalidPayload = errors.New("n2k: invalid payload")

	// ErrSendFailed is returned when writing a message to the gateway fails.
	ErrSendFailed = errors.New("n2k: send failed")

	// ErrBridgeStopped is returned by operations on a stopped bridge.
	ErrBridgeStopped = errors.New("n2k: bridge stopped")
)
