package mqtt

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// WaypointCommand is the payload accepted on Topics{}.WaypointCommand().
//
//	{"name":"Alpha","latitude":37.7749,"longitude":-122.4194}
type WaypointCommand struct {
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// DecodeWaypointCommand parses and sanity-checks a waypoint command.
// Range checks beyond finiteness are left to the store.
func DecodeWaypointCommand(payload []byte) (WaypointCommand, error) {
	var cmd WaypointCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return WaypointCommand{}, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	cmd.Name = strings.TrimSpace(cmd.Name)
	if cmd.Name == "" {
		return WaypointCommand{}, fmt.Errorf("%w: name is required", ErrInvalidCommand)
	}
	if math.IsNaN(cmd.Latitude) || math.IsNaN(cmd.Longitude) ||
		math.IsInf(cmd.Latitude, 0) || math.IsInf(cmd.Longitude, 0) {
		return WaypointCommand{}, fmt.Errorf("%w: coordinates must be finite", ErrInvalidCommand)
	}
	return cmd, nil
}

// SubscribeWaypointCommands subscribes fn to the waypoint command topic.
// Malformed payloads are rejected before fn is called.
func (c *Client) SubscribeWaypointCommands(fn func(cmd WaypointCommand) error) error {
	return c.Subscribe(Topics{}.WaypointCommand(), c.qos(), waypointCommandHandler(fn))
}

func waypointCommandHandler(fn func(cmd WaypointCommand) error) MessageHandler {
	return func(_ string, payload []byte) error {
		cmd, err := DecodeWaypointCommand(payload)
		if err != nil {
			return err
		}
		return fn(cmd)
	}
}
