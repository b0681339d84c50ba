// Package n2k bridges an NMEA 2000 bus to the waypoint daemon.
//
// Frame transmission and fast-packet reassembly belong to an external
// gateway (n2kd, an Actisense NGT-1 driver or similar). This package talks
// to it in the canboat plain text format, one message per line:
//
//	2026-10-19T09:00:00.000Z,3,130074,1,255,20,80,a3,...
//	timestamp               ,prio,pgn,src,dst,len,data...
//
// over tcp://, unix:// or serial:// transports.
//
// # Messages
//
//   - 130074 waypoint: lat int64 LE, lon int64 LE (1e-7 degrees), then name bytes
//   - 60928 ISO Address Claim: 64-bit NAME, kept as the bus device table
//   - 59904 ISO Request: sent at start to make every node re-announce
//
// # Flow
//
// The gateway client invokes a callback per parsed line. The Bridge queues
// each message without blocking and a drain loop processes the queue every
// 100ms. Decoded waypoints go to the injected WaypointHandler. Waypoints
// carrying the bridge's own source address are gateway echoes and are
// dropped, otherwise every broadcast would come back as a new waypoint.
//
// Broadcast sends one waypoint to all nodes and is bounded by SendTimeout.
package n2k
