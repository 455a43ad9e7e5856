package telemetry

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLoggerProducesJSONByDefault(t *testing.T) {
	logger := NewLogger(LogJSON, slog.LevelInfo)
	if logger == nil {
		t.Fatalf("expected non-nil logger")
	}
}

func TestNewMetricsRegistersDistinctCollectors(t *testing.T) {
	m := NewMetrics()
	m.DispatchTotal.WithLabelValues("signal", "owner", "done").Inc()
	m.ToolExecutions.WithLabelValues("echo", "success").Inc()
	m.IPCConnections.Inc()
	m.IPCConnections.Dec()
}

func TestInitTracingNoopWhenTraceFileUnset(t *testing.T) {
	_, shutdown, err := InitTracing(TraceConfig{ServiceName: "relay-test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}
}

func TestInitTracingWritesJSONLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.jsonl")

	tracer, shutdown, err := InitTracing(TraceConfig{ServiceName: "relay-test", TraceFile: path})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, span := tracer.Start(context.Background(), "test-span")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("unexpected error reading trace file: %v", err)
	}
	if !strings.Contains(string(data), "test-span") {
		t.Fatalf("expected trace file to contain span name, got %q", string(data))
	}
}
