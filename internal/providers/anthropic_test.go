package providers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/kestrelhq/relay/pkg/models"
)

func TestConvertMessagesTextRoundTrip(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleUser, Content: []models.Content{models.TextBlock("hi")}},
		{Role: models.RoleAssistant, Content: []models.Content{models.TextBlock("hello")}},
	}
	out, err := convertMessages(msgs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 converted messages, got %d", len(out))
	}
}

func TestConvertMessagesDropsEmptyMessage(t *testing.T) {
	msgs := []models.Message{{Role: models.RoleUser, Content: nil}}
	out, err := convertMessages(msgs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty message dropped, got %d", len(out))
	}
}

func TestConvertMessagesRejectsInvalidToolRequestArguments(t *testing.T) {
	msgs := []models.Message{{
		Role:    models.RoleAssistant,
		Content: []models.Content{{Kind: models.ContentToolRequest, ToolCallID: "1", ToolName: "x", Arguments: json.RawMessage(`not json`)}},
	}}
	if _, err := convertMessages(msgs); err == nil {
		t.Fatalf("expected error for invalid tool request arguments")
	}
}

func TestConvertToolsBuildsOneEntryPerTool(t *testing.T) {
	tools := []Tool{
		{Name: "search", InputSchema: []byte(`{"type":"object","properties":{"q":{"type":"string"}}}`)},
		{Name: "noop"},
	}
	out, err := convertTools(tools)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 tools converted, got %d", len(out))
	}
}

type cancelledOnlyStream struct{}

func (cancelledOnlyStream) Next() bool { return false }
func (cancelledOnlyStream) Current() anthropic.MessageStreamEventUnion {
	return anthropic.MessageStreamEventUnion{}
}
func (cancelledOnlyStream) Err() error { return nil }

func TestProcessAnthropicStreamTagsCancellationOnContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan Chunk, 1)
	processAnthropicStream(ctx, cancelledOnlyStream{}, out)
	close(out)

	var chunks []Chunk
	for c := range out {
		chunks = append(chunks, c)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected exactly one chunk, got %d: %+v", len(chunks), chunks)
	}
	if chunks[0].Kind != ChunkError {
		t.Fatalf("expected ChunkError, got %v", chunks[0].Kind)
	}
	perr, ok := chunks[0].Err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", chunks[0].Err)
	}
	if !perr.Cancelled {
		t.Fatalf("expected Cancelled=true, got %+v", perr)
	}
}

func TestIsRetryableErrorClassification(t *testing.T) {
	cases := map[string]bool{
		"rate_limit_error":        true,
		"503 service unavailable": true,
		"connection reset by peer": true,
		"invalid_request_error: missing field": false,
	}
	for msg, want := range cases {
		if got := isRetryableError(errString(msg)); got != want {
			t.Errorf("isRetryableError(%q) = %v, want %v", msg, got, want)
		}
	}
}
