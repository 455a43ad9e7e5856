package models

import "time"

// Role identifies the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is an immutable, ordered turn in a session's history. Messages
// are never mutated once appended; the id is a stable anchor used by
// compaction as a cut point.
type Message struct {
	ID       string    `json:"id"`
	Role     Role      `json:"role"`
	Content  []Content `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// EffectiveContent returns the content blocks that survive the
// empty-after-filtering rule: blocks with no renderable payload are
// dropped. Per spec §3, a message whose EffectiveContent is empty must
// not be sent to the provider at all.
func (m Message) EffectiveContent() []Content {
	out := make([]Content, 0, len(m.Content))
	for _, c := range m.Content {
		if !c.IsEmpty() {
			out = append(out, c)
		}
	}
	return out
}

// IsEmpty reports whether the message has no content the provider should
// see.
func (m Message) IsEmpty() bool {
	return len(m.EffectiveContent()) == 0
}

// ToolRequests returns the ToolRequest blocks in document order.
func (m Message) ToolRequests() []Content {
	var out []Content
	for _, c := range m.Content {
		if c.Kind == ContentToolRequest {
			out = append(out, c)
		}
	}
	return out
}

// ToolResults returns the ToolResult blocks in document order.
func (m Message) ToolResults() []Content {
	var out []Content
	for _, c := range m.Content {
		if c.Kind == ContentToolResult {
			out = append(out, c)
		}
	}
	return out
}

// HasToolRequests reports whether the assistant message requested tools.
func (m Message) HasToolRequests() bool {
	for _, c := range m.Content {
		if c.Kind == ContentToolRequest {
			return true
		}
	}
	return false
}

// CarriesToolResult reports whether a user message is a tool-result
// carrier, i.e. not a valid compaction cut point on its own (per spec
// §4.6 step 1).
func (m Message) CarriesToolResult() bool {
	for _, c := range m.Content {
		if c.Kind == ContentToolResult {
			return true
		}
	}
	return false
}

// InputTokensMetadataKey is the Message.Metadata key the turn executor
// stores the provider-reported input token usage under, read back by the
// compaction engine via Session.LastInputTokens.
const InputTokensMetadataKey = "input_tokens"

// InboundKind discriminates the kinds of inbound messages a transport can
// deliver.
type InboundKind string

const (
	InboundText     InboundKind = "text"
	InboundReaction InboundKind = "reaction"
	InboundEdit     InboundKind = "edit"
)

// InboundMessage is what a Channel hands the router.
type InboundMessage struct {
	ChannelID string
	SenderID  string
	Content   string
	IsGroup   bool
	Timestamp time.Time
	Kind      InboundKind
}
