package daemon

import (
	"context"
	"sync/atomic"

	"github.com/kestrelhq/relay/internal/router"
	"github.com/kestrelhq/relay/pkg/models"
)

// liveRouter is a hot-swappable façade over *router.Router. Channel
// loops, the IPC server, and the cron scheduler all depend on this
// instead of a raw *router.Router, so applying a hot-reloadable config
// change (spec §4.11: users, cron, agent.model) swaps the compiled
// matcher set and turn executor in one atomic store, without restarting
// any already-running component or losing a turn in flight.
type liveRouter struct {
	current atomic.Pointer[router.Router]
}

func newLiveRouter(r *router.Router) *liveRouter {
	lr := &liveRouter{}
	lr.current.Store(r)
	return lr
}

func (l *liveRouter) swap(r *router.Router) {
	l.current.Store(r)
}

func (l *liveRouter) Route(ctx context.Context, msg models.InboundMessage) (models.RouteDecision, string, error) {
	return l.current.Load().Route(ctx, msg)
}

func (l *liveRouter) DispatchDecision(ctx context.Context, decision models.RouteDecision, channelID, userInputText, bootstrap string, sink models.EventSink) error {
	return l.current.Load().DispatchDecision(ctx, decision, channelID, userInputText, bootstrap, sink)
}

func (l *liveRouter) ResolveSessionKey(msg models.InboundMessage) (models.SessionKey, bool) {
	return l.current.Load().ResolveSessionKey(msg)
}

func (l *liveRouter) InjectCollectText(ctx context.Context, injection models.SessionInjection) (string, error) {
	return l.current.Load().InjectCollectText(ctx, injection)
}
