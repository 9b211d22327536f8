package tracing

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/grayforge/knxmapper/internal/metrics"
)

// LevelTrace sits one step below slog.LevelDebug and is used exclusively
// for raw inbound/outbound frame dumps (frame_in/frame_out events).
// Mirrors the enable/disable gate rob-gra-go-iecp5's clog.Clog applies
// around its Debug method, expressed as ordinary slog level filtering.
const LevelTrace = slog.Level(-8)

// Config selects output destination, format, and minimum level.
type Config struct {
	Level  string // trace, debug, info, warn, error
	Format string // json, text
	Output string // stdout, stderr
}

// Logger wraps slog.Logger with the scanner's default fields and the
// frame_in/frame_out event helpers.
type Logger struct {
	*slog.Logger
	metrics *metrics.Metrics
}

// New creates a Logger per cfg.
func New(cfg Config) *Logger {
	var output io.Writer
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		output = os.Stderr
	default:
		output = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewJSONHandler(output, opts)
	}

	return &Logger{Logger: slog.New(handler)}
}

// parseLevel converts a string log level to slog.Level, defaulting to
// info if unrecognised.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a new Logger with additional default attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), metrics: l.metrics}
}

// WithMetrics returns a new Logger that also feeds FrameIn/FrameOut
// counts into m. A nil m disables this (the zero value already does,
// since every Metrics method is nil-safe).
func (l *Logger) WithMetrics(m *metrics.Metrics) *Logger {
	return &Logger{Logger: l.Logger, metrics: m}
}

// Default creates a logger for use before configuration is loaded:
// stdout, JSON, info level.
func Default() *Logger {
	return New(Config{Level: "info", Format: "json", Output: "stdout"})
}

// FrameIn logs a raw inbound datagram at LevelTrace and, if metrics are
// attached, counts it.
func (l *Logger) FrameIn(remote string, bytes int, service string) {
	l.Log(context.Background(), LevelTrace, "frame",
		"event", "frame_in", "remote", remote, "bytes", bytes, "service", service)
	l.metrics.IncFramesReceived()
}

// FrameOut logs a raw outbound datagram at LevelTrace and, if metrics
// are attached, counts it.
func (l *Logger) FrameOut(remote string, bytes int, service string) {
	l.Log(context.Background(), LevelTrace, "frame",
		"event", "frame_out", "remote", remote, "bytes", bytes, "service", service)
	l.metrics.IncFramesSent()
}

// DecodeError logs a dropped, undecodable inbound datagram and, if
// metrics are attached, counts it.
func (l *Logger) DecodeError(remote string, err error) {
	l.Warn("discarding malformed datagram", "remote", remote, "error", err)
	l.metrics.IncDecodeErrors()
}
