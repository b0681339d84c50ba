// Package logging provides structured logging for the waypoint sync daemon.
//
// It wraps log/slog so every record carries the service name and build
// version, with JSON output for deployments and text output for the bench.
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Components receive a child logger from Component so their records can be
// filtered by the "component" attribute:
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Component("n2k").Info("gateway connected", "url", url)
//
// Never log waypoint payload bytes at info level; raw frames belong at debug.
package logging
