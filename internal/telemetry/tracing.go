package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TraceConfig configures tracing setup. Grounded on the teacher's
// observability.TraceConfig shape, narrowed to this gateway's one
// supported exporter (a JSONL file, per spec's RELAY_TRACE_FILE
// equivalent of the teacher's COOP_TRACE_FILE convention) rather than
// an OTLP collector endpoint, which this module's dependency set does
// not carry (no otlptrace/otlptracegrpc in go.mod).
type TraceConfig struct {
	ServiceName string
	TraceFile   string // empty disables tracing entirely
}

// InitTracing installs a global TracerProvider backed by a JSONL file
// exporter when cfg.TraceFile is set, or a no-op provider otherwise.
// Returns a shutdown func that flushes and closes the file.
func InitTracing(cfg TraceConfig) (trace.Tracer, func(context.Context) error, error) {
	if cfg.TraceFile == "" {
		return otel.Tracer(cfg.ServiceName), func(context.Context) error { return nil }, nil
	}

	f, err := os.OpenFile(cfg.TraceFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: open trace file: %w", err)
	}

	exporter := &jsonlExporter{file: f}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(time.Second)),
	)
	otel.SetTracerProvider(provider)

	shutdown := func(ctx context.Context) error {
		if err := provider.Shutdown(ctx); err != nil {
			return err
		}
		return f.Close()
	}
	return provider.Tracer(cfg.ServiceName), shutdown, nil
}

// jsonlExporter writes one JSON object per line per finished span,
// mirroring the teacher's RELAY_TRACE_FILE-equivalent file-sink
// convention rather than shipping spans to a collector.
type jsonlExporter struct {
	mu   sync.Mutex
	file *os.File
}

type jsonlSpan struct {
	Name       string            `json:"name"`
	TraceID    string            `json:"trace_id"`
	SpanID     string            `json:"span_id"`
	ParentID   string            `json:"parent_span_id,omitempty"`
	StartTime  time.Time         `json:"start_time"`
	EndTime    time.Time         `json:"end_time"`
	DurationMS int64             `json:"duration_ms"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (e *jsonlExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, s := range spans {
		attrs := make(map[string]string, len(s.Attributes()))
		for _, kv := range s.Attributes() {
			attrs[string(kv.Key)] = kv.Value.Emit()
		}
		parent := ""
		if s.Parent().HasSpanID() {
			parent = s.Parent().SpanID().String()
		}
		record := jsonlSpan{
			Name:       s.Name(),
			TraceID:    s.SpanContext().TraceID().String(),
			SpanID:     s.SpanContext().SpanID().String(),
			ParentID:   parent,
			StartTime:  s.StartTime(),
			EndTime:    s.EndTime(),
			DurationMS: s.EndTime().Sub(s.StartTime()).Milliseconds(),
			Attributes: attrs,
		}
		line, err := json.Marshal(record)
		if err != nil {
			continue
		}
		line = append(line, '\n')
		if _, err := e.file.Write(line); err != nil {
			return err
		}
	}
	return nil
}

func (e *jsonlExporter) Shutdown(ctx context.Context) error {
	return nil
}

// StringAttr is a small convenience used by components that tag spans
// with dispatch/turn metadata (channel, trust, outcome) without each
// importing the attribute package directly.
func StringAttr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}
