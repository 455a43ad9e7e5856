package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/kestrelhq/relay/pkg/models"
)

// Summarizer adapts a Provider into compaction.Summarizer by issuing a
// single non-streaming-from-the-caller's-perspective completion: the
// instruction as the system prompt, the transcript as the one user
// message, with tool use disabled.
type Summarizer struct {
	Provider  Provider
	Model     string
	MaxTokens int
}

func NewSummarizer(provider Provider, model string, maxTokens int) *Summarizer {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Summarizer{Provider: provider, Model: model, MaxTokens: maxTokens}
}

// GenerateSummary satisfies compaction.Summarizer.
func (s *Summarizer) GenerateSummary(ctx context.Context, transcript, instruction string) (string, error) {
	req := Request{
		Model:     s.Model,
		System:    instruction,
		MaxTokens: s.MaxTokens,
		Messages: []models.Message{
			{Role: models.RoleUser, Content: []models.Content{models.TextBlock(transcript)}},
		},
	}

	chunks, err := s.Provider.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("providers: summarize: %w", err)
	}

	var out strings.Builder
	completed := false
	for c := range chunks {
		if c.Kind == ChunkText {
			out.WriteString(c.Text)
		}
		if c.Kind == ChunkDone {
			completed = true
		}
	}
	if !completed {
		return "", fmt.Errorf("providers: summarize: stream ended without completion")
	}
	return strings.TrimSpace(out.String()), nil
}
