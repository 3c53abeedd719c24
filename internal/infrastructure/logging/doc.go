// Package logging provides structured logging for Gray Logic Tracker.
//
// It wraps log/slog so every component logs the same way: JSON in
// production, text for development, with service and version fields on
// every entry and level-based filtering.
//
// Logging is configured via the logging section of config.yaml:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Usage:
//
//	logger := logging.New(cfg.Logging, version)
//	registry.SetLogger(logger.Component("registry"))
//	logger.Error("ingest failed", "unique_id", uid, "error", err)
//
// Never log secrets such as authorization headers or broker passwords.
package logging
