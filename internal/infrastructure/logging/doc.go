// Package logging provides structured logging for the lab platform.
//
// This package wraps Go's standard log/slog package so every component
// logs with the same fields and format.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, file
//	  file: "/var/log/labagent.log"
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "labagent", "1.0.0")
//	logger.Info("module loaded", "module", "ndi")
//
// # Secrets
//
// Command parameters can carry credentials. Pass them through
// RedactParams before logging.
package logging
