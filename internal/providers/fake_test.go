package providers

import (
	"context"
	"errors"
	"testing"
)

func drain(t *testing.T, ch <-chan Chunk) []Chunk {
	t.Helper()
	var out []Chunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func TestFakeProviderReturnsScriptedTextThenDone(t *testing.T) {
	p := NewFakeProvider(Script{Text: "hello", InputTokens: 10, OutputTokens: 2})
	ch, err := p.Complete(context.Background(), Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	chunks := drain(t, ch)
	if len(chunks) != 2 || chunks[0].Text != "hello" || chunks[1].Kind != ChunkDone {
		t.Fatalf("unexpected chunks: %+v", chunks)
	}
}

func TestFakeProviderAdvancesThroughScriptsInOrder(t *testing.T) {
	p := NewFakeProvider(Script{Text: "first"}, Script{Text: "second"})
	ch1, _ := p.Complete(context.Background(), Request{})
	drain(t, ch1)
	ch2, _ := p.Complete(context.Background(), Request{})
	chunks := drain(t, ch2)
	if chunks[0].Text != "second" {
		t.Fatalf("expected second script on second call, got %+v", chunks)
	}
}

func TestFakeProviderRepeatsLastScriptOnceExhausted(t *testing.T) {
	p := NewFakeProvider(Script{Text: "only"})
	p.Complete(context.Background(), Request{})
	ch, _ := p.Complete(context.Background(), Request{})
	chunks := drain(t, ch)
	if chunks[0].Text != "only" {
		t.Fatalf("expected repeated script, got %+v", chunks)
	}
}

func TestFakeProviderPropagatesScriptedError(t *testing.T) {
	wantErr := errors.New("boom")
	p := NewFakeProvider(Script{Err: wantErr})
	_, err := p.Complete(context.Background(), Request{})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected scripted error, got %v", err)
	}
}

func TestFakeProviderEmitsToolCall(t *testing.T) {
	p := NewFakeProvider(Script{ToolCallID: "t1", ToolName: "search", Arguments: []byte(`{}`)})
	ch, _ := p.Complete(context.Background(), Request{})
	chunks := drain(t, ch)
	if len(chunks) != 2 || chunks[0].Kind != ChunkToolCall || chunks[0].ToolName != "search" {
		t.Fatalf("expected tool call chunk, got %+v", chunks)
	}
}
