package compaction

import "github.com/kestrelhq/relay/pkg/models"

// FindCutPoint walks backward from the newest message, accumulating
// estimated tokens until at least keepRecent tokens have been reserved,
// then continues backward to the nearest valid cut point. A valid cut
// point is the start of a User message that does not carry a ToolResult,
// or an Assistant message with no tool requests. A User message carrying a
// ToolResult is never a valid cut point on its own — it must stay paired
// with the Assistant message that issued the matching ToolRequest, so the
// search continues back past it.
//
// Returns the index of the first message to keep. If the whole history
// fits in keepRecent tokens, or no valid cut point is found short of index
// 0, it returns 0 (nothing to drop).
func FindCutPoint(history []models.Message, keepRecent int) int {
	if len(history) == 0 {
		return 0
	}

	tokens := 0
	i := len(history)
	for i > 0 && tokens < keepRecent {
		i--
		tokens += EstimateTokens(history[i])
	}

	if i == len(history) {
		// keepRecent reserved nothing: dropping the whole history is
		// trivially a valid cut point since there are no kept messages to
		// pair-check.
		return i
	}

	for i > 0 && !isValidCutPoint(history, i) {
		i--
	}
	return i
}

func isValidCutPoint(history []models.Message, i int) bool {
	msg := history[i]
	switch msg.Role {
	case models.RoleUser:
		return !msg.CarriesToolResult()
	case models.RoleAssistant:
		return !msg.HasToolRequests()
	default:
		return true
	}
}
