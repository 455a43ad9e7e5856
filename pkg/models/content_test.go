package models

import (
	"encoding/json"
	"testing"
)

func TestToolRequestBlockCoercesNullArguments(t *testing.T) {
	c := ToolRequestBlock("t1", "status", nil)
	if string(c.Arguments) != "{}" {
		t.Fatalf("expected {} for nil arguments, got %q", c.Arguments)
	}

	c = ToolRequestBlock("t1", "status", json.RawMessage("null"))
	if string(c.Arguments) != "{}" {
		t.Fatalf("expected {} for null arguments, got %q", c.Arguments)
	}

	c = ToolRequestBlock("t1", "status", json.RawMessage(`{"path":"."}`))
	if string(c.Arguments) != `{"path":"."}` {
		t.Fatalf("expected passthrough, got %q", c.Arguments)
	}
}

func TestMessageEffectiveContentDropsEmptyBlocks(t *testing.T) {
	m := Message{
		Role: RoleAssistant,
		Content: []Content{
			TextBlock(""),
			TextBlock("hello"),
			ThinkingBlock(""),
		},
	}
	eff := m.EffectiveContent()
	if len(eff) != 1 || eff[0].Text != "hello" {
		t.Fatalf("expected single surviving text block, got %+v", eff)
	}
}

func TestMessageIsEmpty(t *testing.T) {
	m := Message{Role: RoleUser, Content: []Content{TextBlock("")}}
	if !m.IsEmpty() {
		t.Fatalf("expected message with only empty text to be empty")
	}
}

func TestCarriesToolResult(t *testing.T) {
	m := Message{Content: []Content{ToolResultBlock("t1", "ok", false)}}
	if !m.CarriesToolResult() {
		t.Fatalf("expected message to carry a tool result")
	}
	m2 := Message{Content: []Content{TextBlock("hi")}}
	if m2.CarriesToolResult() {
		t.Fatalf("expected plain text message to not carry a tool result")
	}
}
