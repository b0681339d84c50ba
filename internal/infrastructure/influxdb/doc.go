// Package influxdb writes sync telemetry to InfluxDB v2.
//
// Three measurements are produced, all tagged with the site id:
//
//	sync_pass   one point per fan-out (trigger tag; devices, conversions,
//	            failures, broadcasts, duration_ms fields)
//	conversion  one point per device conversion (device, format tags)
//	n2k_bus     periodic bridge counter snapshots
//
// Writes go through the library's batched write API and never block the
// sync loop. Asynchronous write errors are delivered to SetOnError.
package influxdb
