// Package router implements the gateway's message router (spec §4.1):
// resolving an InboundMessage to a RouteDecision, then invoking the turn
// executor and translating any internal failure into TurnEvent::Error +
// Done so a transport's dispatch call never propagates a turn-level
// error back up the loop. Grounded on the teacher's
// internal/gateway/processing.go handleMessage pipeline (session
// resolution, command short-circuit ordering, runtime invocation), not
// on internal/agent/routing/router.go, which routes between LLM
// providers rather than between chat sessions.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/kestrelhq/relay/internal/config"
	"github.com/kestrelhq/relay/internal/telemetry"
	"github.com/kestrelhq/relay/internal/turn"
	"github.com/kestrelhq/relay/pkg/models"
)

// TerminalChannelID is the ChannelID the interactive `chat` CLI's
// StdioChannel uses, so the router can apply spec §4.1's terminal-
// transport routing rule without a dedicated Channel-kind field on
// InboundMessage.
const TerminalChannelID = "terminal"

// TurnRunner is the subset of turn.Executor the router depends on; a
// narrow interface so tests can substitute a stub without standing up a
// full Executor.
type TurnRunner interface {
	RunTurn(ctx context.Context, req turn.Request, sink models.EventSink) error
}

// GroupTriggerClassifier backs a group's `trigger: llm` mode: an
// injected capability that decides whether a non-matching message should
// still wake the agent. Optional; spec.md's memory/classifier internals
// are out of scope, so a group configured for `llm` triggering without a
// classifier wired falls back to always-trigger (documented in
// DESIGN.md) rather than silently never firing.
type GroupTriggerClassifier interface {
	ShouldTrigger(ctx context.Context, groupID, content string) (bool, error)
}

// FilteredError is returned by Route (and, transparently, by Dispatch)
// when an InboundMessage is not a real user message to route: a
// non-text inbound kind, an unconfigured group, or a group message that
// didn't trigger this turn.
type FilteredError struct {
	Reason string
}

func (e FilteredError) Error() string { return "router: filtered: " + e.Reason }

// Router resolves InboundMessages into RouteDecisions and drives the
// turn executor, per spec §4.1.
type Router struct {
	cfg        *config.Config
	executor   TurnRunner
	classifier GroupTriggerClassifier
	metrics    *telemetry.Metrics
	tracer     trace.Tracer
	logger     *slog.Logger

	users  []compiledUser
	groups []compiledGroup

	mu      sync.Mutex
	buffers map[string][]string // groupID -> buffered "[sender]: text" lines
}

type compiledUser struct {
	cfg      config.UserConfig
	patterns []*regexp.Regexp
}

type compiledGroup struct {
	cfg          config.GroupConfig
	patterns     []*regexp.Regexp
	triggerRegex *regexp.Regexp
}

// New compiles cfg's user/group match patterns once and returns a Router
// ready to dispatch. classifier and tracer/metrics may be nil.
func New(cfg *config.Config, executor TurnRunner, classifier GroupTriggerClassifier, metrics *telemetry.Metrics, tracer trace.Tracer, logger *slog.Logger) (*Router, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		cfg:        cfg,
		executor:   executor,
		classifier: classifier,
		metrics:    metrics,
		tracer:     tracer,
		logger:     logger,
		buffers:    map[string][]string{},
	}

	for _, u := range cfg.Users {
		patterns, err := compilePatterns(u.Match)
		if err != nil {
			return nil, fmt.Errorf("router: user %q: %w", u.Name, err)
		}
		r.users = append(r.users, compiledUser{cfg: u, patterns: patterns})
	}
	for _, g := range cfg.Groups {
		patterns, err := compilePatterns(g.Match)
		if err != nil {
			return nil, fmt.Errorf("router: group %v: %w", g.Match, err)
		}
		var triggerRegex *regexp.Regexp
		if g.TriggerRegex != "" {
			re, err := regexp.Compile(g.TriggerRegex)
			if err != nil {
				return nil, fmt.Errorf("router: group %v: trigger_regex: %w", g.Match, err)
			}
			triggerRegex = re
		}
		r.groups = append(r.groups, compiledGroup{cfg: g, patterns: patterns, triggerRegex: triggerRegex})
	}
	return r, nil
}

func compilePatterns(raw []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(raw))
	for _, p := range raw {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func (r *Router) matchUser(senderID string) (compiledUser, bool) {
	for _, u := range r.users {
		if matchesAny(u.patterns, senderID) {
			return u, true
		}
	}
	return compiledUser{}, false
}

func (r *Router) matchGroup(groupID string) (compiledGroup, bool) {
	for _, g := range r.groups {
		if matchesAny(g.patterns, groupID) {
			return g, true
		}
	}
	return compiledGroup{}, false
}

// Route implements the routing rules of spec §4.1, returning the
// decision plus an optional bootstrap text (buffered group history to
// prepend ahead of the triggering message), or a FilteredError when the
// message should not produce a turn.
func (r *Router) Route(ctx context.Context, msg models.InboundMessage) (models.RouteDecision, string, error) {
	if msg.Kind != models.InboundText {
		return models.RouteDecision{}, "", FilteredError{Reason: "non-text inbound kind"}
	}

	if msg.IsGroup {
		return r.routeGroup(ctx, msg)
	}
	if msg.ChannelID == TerminalChannelID {
		return r.routeTerminal(msg), "", nil
	}
	return r.routeDM(msg), "", nil
}

func (r *Router) routeTerminal(msg models.InboundMessage) models.RouteDecision {
	if u, ok := r.matchUser(msg.SenderID); ok {
		trust, _ := models.ParseTrustLevel(u.cfg.Trust)
		return models.RouteDecision{SessionKey: models.SessionKey{AgentID: r.cfg.Agent.ID, Kind: models.MainKind()}, Trust: trust, UserName: u.cfg.Name}
	}
	trust := models.Public
	if r.cfg.Sandbox.Enabled {
		trust = models.Owner
	}
	return models.RouteDecision{SessionKey: models.SessionKey{AgentID: r.cfg.Agent.ID, Kind: models.MainKind()}, Trust: trust}
}

func (r *Router) routeDM(msg models.InboundMessage) models.RouteDecision {
	if u, ok := r.matchUser(msg.SenderID); ok {
		trust, _ := models.ParseTrustLevel(u.cfg.Trust)
		return models.RouteDecision{
			SessionKey: models.SessionKey{AgentID: r.cfg.Agent.ID, Kind: models.DMKind(msg.ChannelID, msg.SenderID)},
			Trust:      trust,
			UserName:   u.cfg.Name,
		}
	}
	return models.RouteDecision{
		SessionKey: models.SessionKey{AgentID: r.cfg.Agent.ID, Kind: models.DMKind(msg.ChannelID, msg.SenderID)},
		Trust:      models.Public,
	}
}

func (r *Router) routeGroup(ctx context.Context, msg models.InboundMessage) (models.RouteDecision, string, error) {
	groupID := msg.ChannelID
	g, ok := r.matchGroup(groupID)
	if !ok {
		return models.RouteDecision{}, "", FilteredError{Reason: "no group configuration matches " + groupID}
	}

	base := models.Public
	userName := ""
	if u, okUser := r.matchUser(msg.SenderID); okUser {
		if t, err := models.ParseTrustLevel(u.cfg.Trust); err == nil {
			base = t
		}
		userName = u.cfg.Name
	} else if g.cfg.DefaultTrust != "" {
		if t, err := models.ParseTrustLevel(g.cfg.DefaultTrust); err == nil {
			base = t
		}
	}
	ceiling := models.Owner
	if g.cfg.TrustCeiling != "" {
		if t, err := models.ParseTrustLevel(g.cfg.TrustCeiling); err == nil {
			ceiling = t
		}
	}
	effective := models.Effective(base, ceiling)

	triggered, err := r.groupTriggered(ctx, g, groupID, msg.Content)
	if err != nil {
		r.logger.Warn("router: group trigger classifier failed, treating as non-triggering", slog.Any("error", err))
		triggered = false
	}

	if !triggered {
		r.bufferGroupMessage(groupID, g.cfg.HistoryLimit, userName, msg.SenderID, msg.Content)
		return models.RouteDecision{}, "", FilteredError{Reason: "group message did not trigger"}
	}

	bootstrap := r.drainGroupBuffer(groupID)
	return models.RouteDecision{
		SessionKey: models.SessionKey{AgentID: r.cfg.Agent.ID, Kind: models.GroupKind(groupID)},
		Trust:      effective,
		UserName:   userName,
	}, bootstrap, nil
}

func (r *Router) groupTriggered(ctx context.Context, g compiledGroup, groupID, content string) (bool, error) {
	switch g.cfg.Trigger {
	case config.TriggerAlways, "":
		return true, nil
	case config.TriggerMention:
		lower := strings.ToLower(content)
		for _, name := range g.cfg.MentionNames {
			if name != "" && strings.Contains(lower, strings.ToLower(name)) {
				return true, nil
			}
		}
		return false, nil
	case config.TriggerRegex:
		if g.triggerRegex == nil {
			return false, nil
		}
		return g.triggerRegex.MatchString(content), nil
	case config.TriggerLLM:
		if r.classifier == nil {
			// No classifier wired: fail open rather than going silent,
			// since this gateway does not implement the memory/classifier
			// subsystem behind `trigger: llm` (spec.md §1 non-goal).
			return true, nil
		}
		return r.classifier.ShouldTrigger(ctx, groupID, content)
	default:
		return false, nil
	}
}

func (r *Router) bufferGroupMessage(groupID string, limit int, userName, senderID, content string) {
	if limit <= 0 {
		limit = 50
	}
	label := userName
	if label == "" {
		label = senderID
	}
	line := "[" + label + "]: " + content

	r.mu.Lock()
	defer r.mu.Unlock()
	buf := append(r.buffers[groupID], line)
	if len(buf) > limit {
		buf = buf[len(buf)-limit:]
	}
	r.buffers[groupID] = buf
}

func (r *Router) drainGroupBuffer(groupID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	lines := r.buffers[groupID]
	delete(r.buffers, groupID)
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n")
}

// ResolveSessionKey derives the SessionKey a message belongs to without
// evaluating group trigger logic or computing trust — used by the
// channel loop's slash-command shortcut (spec §4.8 step 5), which runs
// ahead of full routing (step 6) and so must not have a side effect on
// the group-trigger buffer.
func (r *Router) ResolveSessionKey(msg models.InboundMessage) (models.SessionKey, bool) {
	if msg.IsGroup {
		if _, ok := r.matchGroup(msg.ChannelID); ok {
			return models.SessionKey{AgentID: r.cfg.Agent.ID, Kind: models.GroupKind(msg.ChannelID)}, true
		}
		return models.SessionKey{}, false
	}
	if msg.ChannelID == TerminalChannelID {
		return models.SessionKey{AgentID: r.cfg.Agent.ID, Kind: models.MainKind()}, true
	}
	return models.SessionKey{AgentID: r.cfg.Agent.ID, Kind: models.DMKind(msg.ChannelID, msg.SenderID)}, true
}

// Dispatch routes msg and runs a turn against sink. It always returns
// nil for conditions the event model already covers (Filtered silently
// produces no turn; a turn executor error becomes Error+Done on sink) —
// errors are returned only for configuration-level failures outside the
// event model.
func (r *Router) Dispatch(ctx context.Context, msg models.InboundMessage, sink models.EventSink) error {
	decision, bootstrap, err := r.Route(ctx, msg)
	if err != nil {
		if _, ok := err.(FilteredError); ok {
			return nil
		}
		return err
	}
	return r.DispatchDecision(ctx, decision, msg.ChannelID, msg.Content, bootstrap, sink)
}

// DispatchDecision runs a turn against an already-resolved RouteDecision.
// It exists so a caller that needs the SessionKey ahead of time (the
// channel loop tracking active turns and pending messages per session,
// spec §4.8) can call Route itself, then hand the decision back here
// rather than re-resolving it inside Dispatch.
func (r *Router) DispatchDecision(ctx context.Context, decision models.RouteDecision, channelID, userInputText, bootstrap string, sink models.EventSink) error {
	req := turn.Request{
		SessionKey:    decision.SessionKey,
		UserInputText: userInputText,
		Trust:         decision.Trust,
		UserName:      decision.UserName,
		PromptChannel: channelID,
		Bootstrap:     bootstrap,
	}
	r.runTracked(ctx, "dispatch", channelID, decision.Trust, req, sink)
	return nil
}

// DispatchInjection runs a turn directly against a known target session,
// bypassing routing (spec §4.1: "the target is explicit").
func (r *Router) DispatchInjection(ctx context.Context, injection models.SessionInjection, sink models.EventSink) error {
	req := turn.Request{
		SessionKey:    injection.TargetSession,
		UserInputText: injection.Content,
		Trust:         injection.Trust,
		UserName:      injection.UserName,
		PromptChannel: injection.PromptChannel,
	}
	r.runTracked(ctx, "dispatch_injection", injection.Source.Kind, injection.Trust, req, sink)
	return nil
}

func (r *Router) runTracked(ctx context.Context, op, channel string, trust models.TrustLevel, req turn.Request, sink models.EventSink) {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, op,
			trace.WithAttributes(
				telemetry.StringAttr("channel", channel),
				telemetry.StringAttr("trust", trust.String()),
			))
		defer span.End()
	}

	outcome := "done"
	if err := r.executor.RunTurn(ctx, req, sink); err != nil {
		outcome = "internal_error"
		r.logger.Error("router: turn executor failed", slog.String("op", op), slog.Any("error", err))
		sink.Emit(models.ErrorEvent(models.ErrInternal, "an internal error occurred"))
		sink.Emit(models.DoneEvent(0, 0, false))
	}

	r.logger.Info("router: dispatch", slog.String("op", op), slog.String("channel", channel), slog.String("trust", trust.String()), slog.String("outcome", outcome))
	if r.metrics != nil {
		r.metrics.DispatchTotal.WithLabelValues(channel, trust.String(), outcome).Inc()
	}
}

// InjectCollectText runs DispatchInjection against a local sink that
// concatenates TextDelta output in event order, returning the collected
// text. If the turn emits Error before Done, the error detail is
// returned as the text instead (spec §4.1).
func (r *Router) InjectCollectText(ctx context.Context, injection models.SessionInjection) (string, error) {
	var textBuf strings.Builder
	var errDetail string
	sawError := false

	sink := models.EventSinkFunc(func(e models.TurnEvent) {
		switch e.Kind {
		case models.EventTextDelta:
			textBuf.WriteString(e.Text)
		case models.EventError:
			sawError = true
			errDetail = e.ErrorDetail
		}
	})

	if err := r.DispatchInjection(ctx, injection, sink); err != nil {
		return "", err
	}
	if sawError {
		return errDetail, nil
	}
	return textBuf.String(), nil
}
