package models

// ErrorKind categorizes a TurnEvent's Error payload without exposing Go
// error types across the streaming boundary.
type ErrorKind string

const (
	ErrProviderTransient ErrorKind = "provider_transient"
	ErrProviderPermanent ErrorKind = "provider_permanent"
	ErrCancelled         ErrorKind = "cancelled"
	ErrProviderTimeout   ErrorKind = "provider_timeout"
	ErrInternal          ErrorKind = "internal"
	ErrBusy              ErrorKind = "busy"
)

// EventKind discriminates TurnEvent variants.
type EventKind string

const (
	EventTextDelta       EventKind = "text_delta"
	EventAssistantMsg    EventKind = "assistant_message"
	EventToolStart       EventKind = "tool_start"
	EventToolResult      EventKind = "tool_result"
	EventCompacted       EventKind = "compacted"
	EventError           EventKind = "error"
	EventDone            EventKind = "done"
)

// TurnEvent is streamed from the turn executor to an event sink. Exactly
// one payload field is meaningful, selected by Kind. See spec §4.2 for the
// ordering guarantees these events must satisfy.
type TurnEvent struct {
	Kind EventKind

	// TextDelta
	Text string

	// AssistantMessage
	Message *Message

	// ToolStart / ToolResult
	ToolCallID string
	ToolName   string
	ToolOutput string
	ToolError  bool

	// Compacted
	NewMessageCount int

	// Error
	ErrorKind   ErrorKind
	ErrorDetail string

	// Done
	TokensIn        int
	TokensOut       int
	HitIterationLimit bool
}

func TextDeltaEvent(text string) TurnEvent { return TurnEvent{Kind: EventTextDelta, Text: text} }

func AssistantMessageEvent(m Message) TurnEvent {
	msg := m
	return TurnEvent{Kind: EventAssistantMsg, Message: &msg}
}

func ToolStartEvent(id, name string) TurnEvent {
	return TurnEvent{Kind: EventToolStart, ToolCallID: id, ToolName: name}
}

func ToolResultEvent(id, output string, isError bool) TurnEvent {
	return TurnEvent{Kind: EventToolResult, ToolCallID: id, ToolOutput: output, ToolError: isError}
}

func CompactedEvent(newCount int) TurnEvent {
	return TurnEvent{Kind: EventCompacted, NewMessageCount: newCount}
}

func ErrorEvent(kind ErrorKind, detail string) TurnEvent {
	return TurnEvent{Kind: EventError, ErrorKind: kind, ErrorDetail: detail}
}

func DoneEvent(tokensIn, tokensOut int, hitLimit bool) TurnEvent {
	return TurnEvent{Kind: EventDone, TokensIn: tokensIn, TokensOut: tokensOut, HitIterationLimit: hitLimit}
}

// EventSink receives a turn's TurnEvent stream in emission order. Sinks
// may be backed by a bounded channel (IPC, TUI) or a translator that
// flushes buffered text before a tool's own side-effects enqueue
// (channel loop, see spec §4.8).
type EventSink interface {
	Emit(TurnEvent)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(TurnEvent)

func (f EventSinkFunc) Emit(e TurnEvent) { f(e) }

// ChanSink is an EventSink backed by a bounded channel. Send blocks if the
// channel is full, which is the backpressure semantics spec §5 requires:
// a stalled consumer suspends the turn executor rather than dropping
// events.
type ChanSink struct {
	C chan TurnEvent
}

func NewChanSink(buffer int) *ChanSink {
	return &ChanSink{C: make(chan TurnEvent, buffer)}
}

func (s *ChanSink) Emit(e TurnEvent) { s.C <- e }

func (s *ChanSink) Close() { close(s.C) }
