package providers

import (
	"encoding/json"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kestrelhq/relay/pkg/models"
)

func TestConvertToOpenAIMessagesBasicText(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleUser, Content: []models.Content{models.TextBlock("Hello")}},
		{Role: models.RoleAssistant, Content: []models.Content{models.TextBlock("Hi there!")}},
	}
	out, err := convertToOpenAIMessages(msgs, "You are a helpful assistant")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 messages (system + 2), got %d", len(out))
	}
	if out[0].Role != openai.ChatMessageRoleSystem || out[0].Content != "You are a helpful assistant" {
		t.Fatalf("expected system message first, got %+v", out[0])
	}
}

func TestConvertToOpenAIMessagesWithToolCall(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleUser, Content: []models.Content{models.TextBlock("What's the weather?")}},
		{Role: models.RoleAssistant, Content: []models.Content{
			models.ToolRequestBlock("call_123", "get_weather", json.RawMessage(`{"location":"NYC"}`)),
		}},
	}
	out, err := convertToOpenAIMessages(msgs, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(out))
	}
	assistant := out[1]
	if len(assistant.ToolCalls) != 1 || assistant.ToolCalls[0].ID != "call_123" {
		t.Fatalf("expected tool call carried over, got %+v", assistant)
	}
}

func TestConvertToOpenAIMessagesWithToolResult(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleUser, Content: []models.Content{
			models.ToolResultBlock("call_123", "72F and sunny", false),
		}},
	}
	out, err := convertToOpenAIMessages(msgs, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || out[0].Role != openai.ChatMessageRoleTool || out[0].ToolCallID != "call_123" {
		t.Fatalf("expected one tool-role message, got %+v", out)
	}
}

func TestConvertToOpenAIMessagesDropsEmptyMessage(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleAssistant, Content: nil},
	}
	out, err := convertToOpenAIMessages(msgs, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty message dropped, got %+v", out)
	}
}

func TestConvertToOpenAITools(t *testing.T) {
	tools := []Tool{
		{Name: "search", Description: "search the web", InputSchema: []byte(`{"type":"object","properties":{"q":{"type":"string"}}}`)},
	}
	out := convertToOpenAITools(tools)
	if len(out) != 1 || out[0].Function.Name != "search" {
		t.Fatalf("expected search tool converted, got %+v", out)
	}
}

func TestConvertToOpenAIToolsFallsBackOnBadSchema(t *testing.T) {
	tools := []Tool{{Name: "broken", InputSchema: []byte(`not json`)}}
	out := convertToOpenAITools(tools)
	if len(out) != 1 {
		t.Fatalf("expected tool still converted with fallback schema")
	}
}

func TestIsOpenAIRetryableClassification(t *testing.T) {
	cases := map[string]bool{
		"rate limit exceeded":       true,
		"429 too many requests":     true,
		"500 internal server error": true,
		"request timeout":           true,
		"invalid api key":           false,
	}
	for msg, want := range cases {
		got := isOpenAIRetryable(errString(msg))
		if got != want {
			t.Errorf("isOpenAIRetryable(%q) = %v, want %v", msg, got, want)
		}
	}
}

type errString string

func (e errString) Error() string { return string(e) }
