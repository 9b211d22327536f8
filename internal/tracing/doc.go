// Package tracing provides structured logging for the scanner.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the protocol engine and
// orchestrator.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - A TRACE level below Debug for raw frame dumps
//   - frame_in/frame_out helpers carrying remote endpoint, byte count,
//     and service identifier as structured attributes
//   - Thread-safe for concurrent use
//
// # Configuration
//
// Logging is configured via the Config passed to New:
//
//	logging:
//	  level: "info"      # trace, debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := tracing.New(tracing.Config{Level: "info", Format: "json", Output: "stderr"})
//	logger.Info("connect accepted", "channel", 7)
//	logger.FrameIn(remote, len(b), "TUNNELLING_REQUEST")
package tracing
