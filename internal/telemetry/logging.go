// Package telemetry wires the gateway's ambient observability stack:
// structured logging, Prometheus metrics, and OpenTelemetry tracing,
// grounded on the teacher's internal/observability package (itself
// split across metrics.go/tracing.go) and its pervasive log/slog use.
package telemetry

import (
	"log/slog"
	"os"
)

// LogFormat selects the slog handler used.
type LogFormat string

const (
	LogJSON LogFormat = "json"
	LogText LogFormat = "text"
)

// NewLogger builds the process-wide logger: JSON in production, text in
// development, matching the teacher's environment-driven handler choice
// throughout its cmd/ entrypoints.
func NewLogger(format LogFormat, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == LogText {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
