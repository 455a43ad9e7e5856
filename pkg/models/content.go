// Package models provides the domain types shared across the gateway:
// messages, content blocks, session keys, trust levels, and turn events.
package models

import "encoding/json"

// ContentKind discriminates the variants of Content.
type ContentKind string

const (
	ContentText        ContentKind = "text"
	ContentThinking     ContentKind = "thinking"
	ContentImage        ContentKind = "image"
	ContentToolRequest  ContentKind = "tool_request"
	ContentToolResult   ContentKind = "tool_result"
)

// Content is one block of a Message. Exactly one of the typed fields is
// populated, matching Kind.
type Content struct {
	Kind ContentKind `json:"kind"`

	// Text holds the payload for ContentText and ContentThinking.
	Text string `json:"text,omitempty"`

	// ImageRef holds an opaque reference (URL, data URI, or store key) for
	// ContentImage.
	ImageRef string `json:"image_ref,omitempty"`

	// ToolRequest fields, present when Kind == ContentToolRequest.
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`

	// ToolResult fields, present when Kind == ContentToolResult.
	ToolResultOutput  string `json:"tool_result_output,omitempty"`
	ToolResultIsError bool   `json:"tool_result_is_error,omitempty"`
}

// TextBlock constructs a Text content block.
func TextBlock(text string) Content {
	return Content{Kind: ContentText, Text: text}
}

// ThinkingBlock constructs a Thinking content block.
func ThinkingBlock(text string) Content {
	return Content{Kind: ContentThinking, Text: text}
}

// ImageBlock constructs an Image content block.
func ImageBlock(ref string) Content {
	return Content{Kind: ContentImage, ImageRef: ref}
}

// ToolRequestBlock constructs a ToolRequest content block. arguments is
// coerced to `{}` when nil or the literal JSON null, so that a ToolRequest
// sent to the provider never carries a null/absent arguments value.
func ToolRequestBlock(id, name string, arguments json.RawMessage) Content {
	return Content{
		Kind:       ContentToolRequest,
		ToolCallID: id,
		ToolName:   name,
		Arguments:  coerceArguments(arguments),
	}
}

// ToolResultBlock constructs a ToolResult content block.
func ToolResultBlock(id, output string, isError bool) Content {
	return Content{
		Kind:              ContentToolResult,
		ToolCallID:         id,
		ToolResultOutput:   output,
		ToolResultIsError:  isError,
	}
}

func coerceArguments(raw json.RawMessage) json.RawMessage {
	trimmed := trimJSONWhitespace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return json.RawMessage("{}")
	}
	return raw
}

func trimJSONWhitespace(raw json.RawMessage) json.RawMessage {
	start := 0
	end := len(raw)
	for start < end && isJSONSpace(raw[start]) {
		start++
	}
	for end > start && isJSONSpace(raw[end-1]) {
		end--
	}
	return raw[start:end]
}

func isJSONSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r':
		return true
	default:
		return false
	}
}

// IsEmpty reports whether a block carries no renderable payload. Used by
// Message.EffectiveContent to drop empty-after-filtering messages.
func (c Content) IsEmpty() bool {
	switch c.Kind {
	case ContentText, ContentThinking:
		return c.Text == ""
	case ContentImage:
		return c.ImageRef == ""
	case ContentToolRequest:
		return c.ToolName == ""
	case ContentToolResult:
		return false
	default:
		return true
	}
}
