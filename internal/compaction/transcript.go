package compaction

import (
	"fmt"
	"strings"

	"github.com/kestrelhq/relay/pkg/models"
)

// maxToolPayloadChars truncates a tool call's arguments or a tool result's
// output in the serialized transcript, matching the teacher's
// truncateString(…, 200) guard against a single oversized tool payload
// dominating the summary input.
const maxToolPayloadChars = 200

// SerializeDroppedPrefix renders messages before a compaction cut point as
// a plain-text transcript for the summarizer. Thinking blocks are omitted;
// the line prefixes are chosen so the model treats this as material to
// summarize, not as conversation to continue.
func SerializeDroppedPrefix(messages []models.Message) string {
	var sb strings.Builder
	for _, msg := range messages {
		writeMessageLines(&sb, msg)
	}
	return sb.String()
}

func writeMessageLines(sb *strings.Builder, msg models.Message) {
	label := "[User]"
	if msg.Role == models.RoleAssistant {
		label = "[Assistant]"
	}

	var textParts []string
	for _, c := range msg.Content {
		switch c.Kind {
		case models.ContentText:
			if c.Text != "" {
				textParts = append(textParts, c.Text)
			}
		case models.ContentThinking:
			// omitted by design
		case models.ContentImage:
			textParts = append(textParts, fmt.Sprintf("[image: %s]", c.ImageRef))
		}
	}
	if len(textParts) > 0 {
		fmt.Fprintf(sb, "%s: %s\n", label, strings.Join(textParts, " "))
	}

	for _, c := range msg.Content {
		if c.Kind == models.ContentToolRequest {
			fmt.Fprintf(sb, "[Tool call]: %s(%s)\n", c.ToolName, truncate(string(c.Arguments), maxToolPayloadChars))
		}
	}
	for _, c := range msg.Content {
		if c.Kind == models.ContentToolResult {
			fmt.Fprintf(sb, "[Tool result]: %s\n", truncate(c.ToolResultOutput, maxToolPayloadChars))
		}
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
