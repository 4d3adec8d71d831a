// Package logging provides structured logging for the WeMo bridge.
//
// It wraps log/slog so every component logs the same way: JSON for
// production, text for development, and default service and version fields
// on every entry.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, file
//	  file: ""           # required when output is file
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("device published", "udn", udn, "handle", handle)
//
// Components receive a *Logger through SetLogger; it satisfies the small
// Debug/Info/Warn/Error interfaces those packages declare.
package logging
