// Package compaction implements the LLM-backed context-compaction engine:
// trigger detection, cut-point search, dropped-prefix serialization, and
// provider-backed summarization with fallback to raw history on failure.
package compaction

import "github.com/kestrelhq/relay/pkg/models"

const (
	// CharsPerToken is the approximate character-to-token ratio used for
	// the chars/4 estimation fallback.
	CharsPerToken = 4

	// ReserveTokens is the response-plus-tool-growth headroom subtracted
	// from the context limit before deciding to compact.
	ReserveTokens = 30_000

	// KeepRecentTokens is the minimum estimated token budget the cut-point
	// walk must reserve for the messages kept after compaction.
	KeepRecentTokens = 20_000

	// MaxChunkTokens bounds a single summarization chunk; transcripts
	// larger than this are split and merged.
	MaxChunkTokens = 20_000
)

// EstimateTokens approximates a message's token cost as chars/4, ceiling
// division, summed across all of its content blocks.
func EstimateTokens(msg models.Message) int {
	chars := 0
	for _, c := range msg.Content {
		chars += len(c.Text) + len(c.ImageRef) + len(c.ToolName) + len(c.Arguments) + len(c.ToolResultOutput)
	}
	return (chars + CharsPerToken - 1) / CharsPerToken
}

// EstimateMessagesTokens sums EstimateTokens across a history slice.
func EstimateMessagesTokens(messages []models.Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateTokens(m)
	}
	return total
}

// ChunkMessagesByMaxTokens splits messages into chunks no single one of
// which exceeds maxTokens, except when one message alone exceeds it — that
// message gets its own chunk.
func ChunkMessagesByMaxTokens(messages []models.Message, maxTokens int) [][]models.Message {
	if len(messages) == 0 {
		return nil
	}
	if maxTokens <= 0 {
		return [][]models.Message{messages}
	}

	var result [][]models.Message
	var current []models.Message
	currentTokens := 0

	for _, msg := range messages {
		msgTokens := EstimateTokens(msg)

		if msgTokens > maxTokens {
			if len(current) > 0 {
				result = append(result, current)
				current = nil
				currentTokens = 0
			}
			result = append(result, []models.Message{msg})
			continue
		}

		if currentTokens+msgTokens > maxTokens && len(current) > 0 {
			result = append(result, current)
			current = nil
			currentTokens = 0
		}

		current = append(current, msg)
		currentTokens += msgTokens
	}

	if len(current) > 0 {
		result = append(result, current)
	}
	return result
}
