// Package api implements the HTTP REST API and WebSocket event stream for the
// waypoint sync daemon.
//
// This package provides:
//   - REST endpoints to list, add and edit waypoints
//   - A read-only view of the attached navigation devices
//   - Manual resync and format map reload triggers
//   - WebSocket hub relaying store changes and completed passes
//
// # Security
//
// When security.jwt.secret is set, mutating routes and the WebSocket require
// an HS256 bearer token. With no secret the API is open; it is meant for a
// vessel's local network.
//
// # Graceful Degradation
//
// The server runs without a bus or MQTT broker. Mutations still reach the
// store and canonical file; passes report the missing broadcaster.
package api
