package providers

import (
	"context"
	"errors"
	"testing"
)

func TestSummarizerReturnsConcatenatedText(t *testing.T) {
	fake := NewFakeProvider(Script{Text: "Goal: ship the feature."})
	s := NewSummarizer(fake, "claude-sonnet-4-20250514", 0)

	summary, err := s.GenerateSummary(context.Background(), "transcript", "instruction")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary != "Goal: ship the feature." {
		t.Fatalf("unexpected summary: %q", summary)
	}
}

func TestSummarizerPropagatesProviderError(t *testing.T) {
	wantErr := errors.New("provider down")
	fake := NewFakeProvider(Script{Err: wantErr})
	s := NewSummarizer(fake, "", 0)

	_, err := s.GenerateSummary(context.Background(), "transcript", "instruction")
	if err == nil {
		t.Fatalf("expected error")
	}
}
