// Package logging provides structured logging for can2mqtt.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the bridge, the MQTT client,
// the recorder and the HTTP API.
//
// # Configuration
//
// Logging is configured via the LoggingConfig in config.yaml:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("frame received", "can_id", "0x740")
//	logger.Component("canbus").Error("send failed", "error", err)
//
// Never log the MQTT password or the InfluxDB token.
package logging
