package ipc

import "github.com/kestrelhq/relay/pkg/models"

// clientFrame is one line a client sends: {type, session, content}. Only
// the fields relevant to Type are populated; unused fields are omitted by
// well-behaved clients but tolerated either way.
type clientFrame struct {
	Type    string `json:"type"`
	Session string `json:"session,omitempty"`
	Content string `json:"content,omitempty"`
}

// serverFrame mirrors a TurnEvent variant, plus the "sessions" listing
// frame (spec §4.10/§6). Every frame carries the session it applies to,
// except "sessions" which enumerates all of them.
type serverFrame struct {
	Type    string `json:"type"`
	Session string `json:"session,omitempty"`

	// text_delta
	Text string `json:"text,omitempty"`

	// assistant_message
	Message *models.Message `json:"message,omitempty"`

	// tool_start / tool_result
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	ToolOutput string `json:"tool_output,omitempty"`
	ToolError  bool   `json:"tool_error,omitempty"`

	// compacted
	NewMessageCount int `json:"new_message_count,omitempty"`

	// error
	ErrorKind string `json:"error_kind,omitempty"`
	Detail    string `json:"detail,omitempty"`

	// done
	TokensIn          int  `json:"tokens_in,omitempty"`
	TokensOut         int  `json:"tokens_out,omitempty"`
	HitIterationLimit bool `json:"hit_iteration_limit,omitempty"`

	// sessions
	Keys []string `json:"keys,omitempty"`
}

func toServerFrame(session string, e models.TurnEvent) serverFrame {
	f := serverFrame{Type: string(e.Kind), Session: session}
	switch e.Kind {
	case models.EventTextDelta:
		f.Text = e.Text
	case models.EventAssistantMsg:
		f.Message = e.Message
	case models.EventToolStart:
		f.ToolCallID = e.ToolCallID
		f.ToolName = e.ToolName
	case models.EventToolResult:
		f.ToolCallID = e.ToolCallID
		f.ToolOutput = e.ToolOutput
		f.ToolError = e.ToolError
	case models.EventCompacted:
		f.NewMessageCount = e.NewMessageCount
	case models.EventError:
		f.ErrorKind = string(e.ErrorKind)
		f.Detail = e.ErrorDetail
	case models.EventDone:
		f.TokensIn = e.TokensIn
		f.TokensOut = e.TokensOut
		f.HitIterationLimit = e.HitIterationLimit
	}
	return f
}
