package channel

import (
	"strings"

	"github.com/kestrelhq/relay/pkg/models"
)

// HeartbeatSuppressToken is the exact (post-trim) aggregated text a
// scheduled task returns when it chooses to stay silent (spec §4.8); the
// translator swallows delivery entirely rather than enqueueing it.
const HeartbeatSuppressToken = "HEARTBEAT_OK"

// Translator consumes a turn's TurnEvent stream and produces concrete
// OutboundActions, implementing the flush-on-ToolStart ordering
// discipline of spec §4.8: buffered text is flushed (enqueued) before a
// tool's own side effects can reach the outbound queue, so an agent's
// preamble text is never reordered behind a tool-invoked send.
type Translator struct {
	target string
	enqueue func(OutboundAction)

	textBuf strings.Builder
	errored bool
}

// NewTranslator returns a Translator that enqueues actions addressed to
// target via enqueue. enqueue must not block indefinitely; the channel
// loop's outbound queue is the single FIFO consumer.
func NewTranslator(target string, enqueue func(OutboundAction)) *Translator {
	return &Translator{target: target, enqueue: enqueue}
}

// Emit implements models.EventSink.
func (t *Translator) Emit(e models.TurnEvent) {
	switch e.Kind {
	case models.EventTextDelta:
		t.textBuf.WriteString(e.Text)
	case models.EventToolStart:
		t.flush()
	case models.EventAssistantMsg:
		t.flush()
	case models.EventError:
		t.textBuf.Reset()
		t.textBuf.WriteString(e.ErrorDetail)
		t.errored = true
		t.flush()
	case models.EventDone:
		t.flush()
	}
}

// flush enqueues the buffered text as a single outbound send, unless it
// is empty or exactly the heartbeat suppression token.
func (t *Translator) flush() {
	text := t.textBuf.String()
	t.textBuf.Reset()

	trimmed := strings.TrimSpace(stripMarkdownWrapping(text))
	if trimmed == "" {
		return
	}
	if !t.errored && trimmed == HeartbeatSuppressToken {
		return
	}
	t.enqueue(SendText(t.target, text))
}

// stripMarkdownWrapping removes a single layer of ``` or ` wrapping so
// HEARTBEAT_OK is recognized even when the model fenced it.
func stripMarkdownWrapping(s string) string {
	trimmed := strings.TrimSpace(s)
	for _, fence := range []string{"```", "`"} {
		if strings.HasPrefix(trimmed, fence) && strings.HasSuffix(trimmed, fence) && len(trimmed) > 2*len(fence) {
			return trimmed[len(fence) : len(trimmed)-len(fence)]
		}
	}
	return s
}
