package channel

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/kestrelhq/relay/internal/backoff"
	"github.com/kestrelhq/relay/internal/router"
	"github.com/kestrelhq/relay/internal/sessions"
	"github.com/kestrelhq/relay/internal/telemetry"
	"github.com/kestrelhq/relay/pkg/models"
)

// Dispatcher is the subset of *router.Router the channel loop depends
// on, narrowed so tests can substitute a stub without a full Router.
type Dispatcher interface {
	Route(ctx context.Context, msg models.InboundMessage) (models.RouteDecision, string, error)
	DispatchDecision(ctx context.Context, decision models.RouteDecision, channelID, userInputText, bootstrap string, sink models.EventSink) error
	ResolveSessionKey(msg models.InboundMessage) (models.SessionKey, bool)
}

// Loop owns one transport connection and one outbound enqueue point
// (spec §4.8): it reads inbound messages, routes and dispatches turns
// (at most one active per session, with a single-slot pending queue for
// arrivals while a turn is in flight), and drains a turn's TurnEvent
// stream into concrete OutboundActions via a Translator.
type Loop struct {
	Channel         Channel
	Dispatcher      Dispatcher
	Store           sessions.Store
	Logger          *slog.Logger
	Metrics         *telemetry.Metrics
	ReconnectPolicy backoff.Policy
	OutboundBuffer  int

	outbound chan OutboundAction

	activeMu sync.Mutex
	active   map[string]context.CancelFunc

	pendingMu sync.Mutex
	pending   map[string]models.InboundMessage

	wg sync.WaitGroup
}

// New constructs a Loop ready to Run. Logger and ReconnectPolicy default
// when zero.
func New(ch Channel, dispatcher Dispatcher, store sessions.Store, metrics *telemetry.Metrics, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	policy := backoff.DefaultPolicy()
	buf := 64
	return &Loop{
		Channel:         ch,
		Dispatcher:      dispatcher,
		Store:           store,
		Logger:          logger,
		Metrics:         metrics,
		ReconnectPolicy: policy,
		OutboundBuffer:  buf,
		outbound:        make(chan OutboundAction, buf),
		active:          map[string]context.CancelFunc{},
		pending:         map[string]models.InboundMessage{},
	}
}

// Run drives the loop until ctx is cancelled. A transport disconnect
// (Recv returning a non-context error) triggers exponential-backoff
// reconnection via Probe; sessions and pending queues survive across
// reconnects since they live in Loop, not in the Channel.
func (l *Loop) Run(ctx context.Context) error {
	go l.senderLoop(ctx)

	for {
		err := l.receiveLoop(ctx)
		if ctx.Err() != nil {
			l.wg.Wait()
			return ctx.Err()
		}
		l.Logger.Warn("channel: disconnected, reconnecting", slog.String("channel", l.Channel.ID()), slog.Any("error", err))
		if _, rerr := backoff.Retry(ctx, l.ReconnectPolicy, 0, func(attempt int) (struct{}, error) {
			h := l.Channel.Probe(ctx)
			if h.Connected {
				return struct{}{}, nil
			}
			return struct{}{}, errors.New("channel not connected: " + h.Detail)
		}); rerr != nil {
			l.wg.Wait()
			return rerr
		}
		l.Logger.Info("channel: reconnected", slog.String("channel", l.Channel.ID()))
	}
}

func (l *Loop) receiveLoop(ctx context.Context) error {
	for {
		msg, err := l.Channel.Recv(ctx)
		if err != nil {
			return err
		}
		l.handleInbound(ctx, msg)
	}
}

func (l *Loop) senderLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case action := <-l.outbound:
			if _, err := l.Channel.Send(ctx, action); err != nil {
				l.Logger.Error("channel: outbound send failed", slog.String("channel", l.Channel.ID()), slog.Any("error", err))
			}
		}
	}
}

func (l *Loop) enqueueOutbound(action OutboundAction) {
	l.outbound <- action
}

func (l *Loop) handleInbound(ctx context.Context, msg models.InboundMessage) {
	if msg.Kind == models.InboundText && isSlashCommand(msg.Content) {
		l.handleSlashCommand(ctx, msg)
		return
	}

	decision, bootstrap, err := l.Dispatcher.Route(ctx, msg)
	if err != nil {
		var ferr router.FilteredError
		if errors.As(err, &ferr) {
			return
		}
		l.Logger.Error("channel: route failed", slog.Any("error", err))
		return
	}

	key := decision.SessionKey.String()
	target := ReplyTarget(msg)

	l.activeMu.Lock()
	if _, busy := l.active[key]; busy {
		l.activeMu.Unlock()
		l.pendingMu.Lock()
		l.pending[key] = msg
		l.pendingMu.Unlock()
		l.Logger.Info("channel: queued pending message", slog.String("session", key))
		return
	}
	turnCtx, cancel := context.WithCancel(ctx)
	l.active[key] = cancel
	l.activeMu.Unlock()

	l.wg.Add(1)
	go l.runTurn(ctx, turnCtx, cancel, key, target, decision, msg.ChannelID, msg.Content, bootstrap)
}

func (l *Loop) runTurn(rootCtx, turnCtx context.Context, cancel context.CancelFunc, key, target string, decision models.RouteDecision, channelID, userInput, bootstrap string) {
	defer l.wg.Done()
	defer cancel()

	translator := NewTranslator(target, l.enqueueOutbound)
	if err := l.Dispatcher.DispatchDecision(turnCtx, decision, channelID, userInput, bootstrap, translator); err != nil {
		l.Logger.Error("channel: dispatch failed", slog.String("session", key), slog.Any("error", err))
	}

	l.activeMu.Lock()
	delete(l.active, key)
	l.activeMu.Unlock()

	l.pendingMu.Lock()
	pendingMsg, ok := l.pending[key]
	delete(l.pending, key)
	l.pendingMu.Unlock()

	if ok && rootCtx.Err() == nil {
		l.handleInbound(rootCtx, pendingMsg)
	}
}

// Cancel stops the active turn for sessionKey, if any, by cancelling its
// turn-scoped context. Used by the `/stop` slash command.
func (l *Loop) Cancel(sessionKey string) bool {
	l.activeMu.Lock()
	defer l.activeMu.Unlock()
	cancel, ok := l.active[sessionKey]
	if !ok {
		return false
	}
	cancel()
	return true
}

// Deliver enqueues text as a SendText action addressed to target, bypassing
// routing entirely. Used by the cron scheduler's announce flow (spec §4.9)
// to post a scheduled task's collected output without a turn in flight.
func (l *Loop) Deliver(target, text string) {
	l.enqueueOutbound(SendText(target, text))
}

// Registry addresses a running Loop by its Channel's ID, letting a
// component with no direct reference to the channel loops (the cron
// scheduler) deliver text to one by name.
type Registry struct {
	loops map[string]*Loop
}

func NewRegistry() *Registry {
	return &Registry{loops: map[string]*Loop{}}
}

// Register associates a running Loop with its channel ID. Call once per
// loop after construction, before Deliver can reach it.
func (r *Registry) Register(l *Loop) {
	r.loops[l.Channel.ID()] = l
}

// Deliver posts text to target on the named channel. Returns an error if
// no loop is registered under that channel name.
func (r *Registry) Deliver(channelName, target, text string) error {
	l, ok := r.loops[channelName]
	if !ok {
		return errors.New("channel: no loop registered for " + channelName)
	}
	l.Deliver(target, text)
	return nil
}
