package channel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kestrelhq/relay/internal/router"
	"github.com/kestrelhq/relay/internal/sessions"
	"github.com/kestrelhq/relay/pkg/models"
)

// fakeChannel is an in-process Channel driven entirely by test code: Recv
// pulls from a channel the test feeds, Send appends to a slice.
type fakeChannel struct {
	inbound chan models.InboundMessage
	mu      sync.Mutex
	sent    []OutboundAction
	health  Health
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{inbound: make(chan models.InboundMessage, 8), health: Health{Connected: true}}
}

func (f *fakeChannel) ID() string { return "fake" }

func (f *fakeChannel) Recv(ctx context.Context) (models.InboundMessage, error) {
	select {
	case m, ok := <-f.inbound:
		if !ok {
			return models.InboundMessage{}, errors.New("fake channel closed")
		}
		return m, nil
	case <-ctx.Done():
		return models.InboundMessage{}, ctx.Err()
	}
}

func (f *fakeChannel) Send(ctx context.Context, action OutboundAction) (SendReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, action)
	return SendReceipt{Delivered: true}, nil
}

func (f *fakeChannel) Probe(ctx context.Context) Health { return f.health }

func (f *fakeChannel) sentActions() []OutboundAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]OutboundAction, len(f.sent))
	copy(out, f.sent)
	return out
}

// stubDispatcher is an in-test Dispatcher: resolves every non-group
// message to a DM session and every dispatch to a scripted event
// sequence, optionally blocking until released so tests can exercise
// pending-message queueing.
type stubDispatcher struct {
	mu        sync.Mutex
	calls     []string
	events    []models.TurnEvent
	block     chan struct{}
	dispatchN int
}

func (d *stubDispatcher) Route(ctx context.Context, msg models.InboundMessage) (models.RouteDecision, string, error) {
	key, ok := d.ResolveSessionKey(msg)
	if !ok {
		return models.RouteDecision{}, "", router.FilteredError{Reason: "unmatched"}
	}
	return models.RouteDecision{SessionKey: key, Trust: models.Owner}, "", nil
}

func (d *stubDispatcher) ResolveSessionKey(msg models.InboundMessage) (models.SessionKey, bool) {
	return models.SessionKey{AgentID: "main", Kind: models.DMKind(msg.ChannelID, msg.SenderID)}, true
}

func (d *stubDispatcher) DispatchDecision(ctx context.Context, decision models.RouteDecision, channelID, userInputText, bootstrap string, sink models.EventSink) error {
	d.mu.Lock()
	d.calls = append(d.calls, userInputText)
	d.dispatchN++
	block := d.block
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil
		}
	}
	for _, e := range d.events {
		sink.Emit(e)
	}
	return nil
}

func newLoop(ch Channel, dispatcher Dispatcher) (*Loop, *sessions.MemoryStore) {
	store := sessions.NewMemoryStore()
	l := New(ch, dispatcher, store, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return l, store
}

func TestTranslatorFlushesOnToolStartBeforeAssistantMessage(t *testing.T) {
	var actions []OutboundAction
	tr := NewTranslator("user1", func(a OutboundAction) { actions = append(actions, a) })

	tr.Emit(models.TextDeltaEvent("Let me check: "))
	tr.Emit(models.ToolStartEvent("t1", "list"))
	tr.Emit(models.ToolResultEvent("t1", "a.txt\nb.txt", false))
	tr.Emit(models.TextDeltaEvent("Two files."))
	tr.Emit(models.AssistantMessageEvent(models.Message{}))
	tr.Emit(models.DoneEvent(1, 1, false))

	if len(actions) != 2 {
		t.Fatalf("expected 2 flushed actions, got %d: %+v", len(actions), actions)
	}
	if actions[0].Body != "Let me check: " {
		t.Fatalf("expected first flush to be preamble text, got %q", actions[0].Body)
	}
	if actions[1].Body != "Two files." {
		t.Fatalf("expected second flush to be trailing text, got %q", actions[1].Body)
	}
}

func TestTranslatorSuppressesHeartbeatToken(t *testing.T) {
	var actions []OutboundAction
	tr := NewTranslator("user1", func(a OutboundAction) { actions = append(actions, a) })
	tr.Emit(models.TextDeltaEvent(" " + HeartbeatSuppressToken + " "))
	tr.Emit(models.DoneEvent(0, 0, false))
	if len(actions) != 0 {
		t.Fatalf("expected heartbeat token to be suppressed, got %+v", actions)
	}
}

func TestTranslatorReplacesBufferOnError(t *testing.T) {
	var actions []OutboundAction
	tr := NewTranslator("user1", func(a OutboundAction) { actions = append(actions, a) })
	tr.Emit(models.TextDeltaEvent("partial thought"))
	tr.Emit(models.ErrorEvent(models.ErrProviderTimeout, "request timed out"))
	tr.Emit(models.DoneEvent(0, 0, false))
	if len(actions) != 1 || actions[0].Body != "request timed out" {
		t.Fatalf("expected error detail to replace buffer, got %+v", actions)
	}
}

func TestLoopDispatchesInboundMessage(t *testing.T) {
	ch := newFakeChannel()
	dispatcher := &stubDispatcher{events: []models.TurnEvent{models.TextDeltaEvent("hi there"), models.DoneEvent(1, 1, false)}}
	l, _ := newLoop(ch, dispatcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	ch.inbound <- models.InboundMessage{ChannelID: "signal", SenderID: "u1", Content: "hello", Kind: models.InboundText}

	waitFor(t, func() bool { return len(ch.sentActions()) == 1 })
	actions := ch.sentActions()
	if actions[0].Body != "hi there" {
		t.Fatalf("expected reply 'hi there', got %q", actions[0].Body)
	}
}

func TestLoopQueuesPendingMessageWhileTurnActive(t *testing.T) {
	ch := newFakeChannel()
	dispatcher := &stubDispatcher{block: make(chan struct{}), events: []models.TurnEvent{models.DoneEvent(0, 0, false)}}
	l, _ := newLoop(ch, dispatcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	ch.inbound <- models.InboundMessage{ChannelID: "signal", SenderID: "u1", Content: "first", Kind: models.InboundText}
	waitFor(t, func() bool {
		dispatcher.mu.Lock()
		defer dispatcher.mu.Unlock()
		return dispatcher.dispatchN >= 1
	})

	ch.inbound <- models.InboundMessage{ChannelID: "signal", SenderID: "u1", Content: "second", Kind: models.InboundText}
	time.Sleep(20 * time.Millisecond)

	close(dispatcher.block)

	waitFor(t, func() bool {
		dispatcher.mu.Lock()
		defer dispatcher.mu.Unlock()
		return dispatcher.dispatchN >= 2
	})

	dispatcher.mu.Lock()
	calls := append([]string(nil), dispatcher.calls...)
	dispatcher.mu.Unlock()
	if len(calls) != 2 || calls[0] != "first" || calls[1] != "second" {
		t.Fatalf("expected both messages dispatched in order, got %v", calls)
	}
}

func TestLoopHandlesClearSlashCommand(t *testing.T) {
	ch := newFakeChannel()
	dispatcher := &stubDispatcher{}
	l, store := newLoop(ch, dispatcher)

	key := models.SessionKey{AgentID: "main", Kind: models.DMKind("signal", "u1")}
	_ = store.Append(context.Background(), key, models.Message{ID: "1", Role: models.RoleUser, Content: []models.Content{models.TextBlock("hi")}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	ch.inbound <- models.InboundMessage{ChannelID: "signal", SenderID: "u1", Content: "/clear", Kind: models.InboundText}
	waitFor(t, func() bool { return len(ch.sentActions()) == 1 })

	session, err := store.Load(context.Background(), key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(session.History) != 0 {
		t.Fatalf("expected session cleared, got %d messages", len(session.History))
	}
}

func TestLoopStopCancelsActiveTurn(t *testing.T) {
	ch := newFakeChannel()
	dispatcher := &stubDispatcher{block: make(chan struct{})}
	l, _ := newLoop(ch, dispatcher)
	defer close(dispatcher.block)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	ch.inbound <- models.InboundMessage{ChannelID: "signal", SenderID: "u1", Content: "hello", Kind: models.InboundText}
	waitFor(t, func() bool {
		dispatcher.mu.Lock()
		defer dispatcher.mu.Unlock()
		return dispatcher.dispatchN >= 1
	})

	key := models.SessionKey{AgentID: "main", Kind: models.DMKind("signal", "u1")}
	if !l.Cancel(key.String()) {
		t.Fatalf("expected an active turn to cancel")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
