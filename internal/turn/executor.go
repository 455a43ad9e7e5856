// Package turn implements the per-utterance agentic loop (spec §4.2): a
// phased state machine modeled on the teacher's AgenticLoop — Init (lock,
// snapshot, append, compaction check) → Stream (provider call) →
// ExecuteTools (trust-gated dispatch) → Continue (loop) → Complete.
package turn

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelhq/relay/internal/compaction"
	"github.com/kestrelhq/relay/internal/policy"
	"github.com/kestrelhq/relay/internal/prompt"
	"github.com/kestrelhq/relay/internal/providers"
	"github.com/kestrelhq/relay/internal/sessions"
	"github.com/kestrelhq/relay/pkg/models"
)

// Request is one call to RunTurn: one user utterance addressed to one
// session.
type Request struct {
	SessionKey    models.SessionKey
	UserInputText string
	Trust         models.TrustLevel
	UserName      string
	PromptChannel string

	// Bootstrap is prepended ahead of UserInputText when routing decided
	// this session needs preceding context (e.g. a group chat's recent
	// history) before the new user message.
	Bootstrap string
}

// PromptContext resolves the parts of the system prompt that come from
// configuration/workspace state rather than the turn itself (identity,
// behavior, workspace files, channel formats, situation overlay, memory
// index). The executor fills in the turn-scoped fields (trust, user
// name, model, time) on top of what this returns.
type PromptContext func(ctx context.Context, req Request, session *models.Session) (prompt.Input, error)

// Config holds the executor's fixed, turn-independent settings.
type Config struct {
	MaxIterations int // default 25
	ContextLimit  int // provider context window, for the compaction trigger
	Model         string
	MaxTokens     int
	Logger        *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 25
	}
	if c.ContextLimit <= 0 {
		c.ContextLimit = 200_000
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Executor runs RunTurn against a fixed set of collaborators, grounded on
// the teacher's AgenticLoop wiring (provider + tool registry + session
// store + compaction manager assembled once, reused across turns).
type Executor struct {
	Store         sessions.Store
	Locker        sessions.Locker
	Compaction    *compaction.Engine
	Tools         *policy.Registry
	Provider      providers.Provider
	PromptContext PromptContext
	WorkspaceRoot string
	Config        Config
}

func New(store sessions.Store, locker sessions.Locker, comp *compaction.Engine, tools *policy.Registry, provider providers.Provider, promptCtx PromptContext, cfg Config) *Executor {
	return &Executor{
		Store:         store,
		Locker:        locker,
		Compaction:    comp,
		Tools:         tools,
		Provider:      provider,
		PromptContext: promptCtx,
		Config:        cfg.withDefaults(),
	}
}

// RunTurn implements the run_turn contract (spec §4.2). When it returns
// nil it has emitted exactly one Done event as its last event; RunTurn
// never returns a Go error for conditions the spec models as events
// (Busy, provider errors) — it returns an error only for conditions
// outside the event model (e.g. the session store failing to load), and
// on those paths it emits no Done event itself.
func (e *Executor) RunTurn(ctx context.Context, req Request, sink models.EventSink) error {
	sessionKeyStr := req.SessionKey.String()

	release, ok := e.Locker.TryLock(sessionKeyStr)
	if !ok {
		sink.Emit(models.ErrorEvent(models.ErrBusy, "session is busy"))
		sink.Emit(models.DoneEvent(0, 0, false))
		return nil
	}
	defer release()

	session, err := e.Store.Load(ctx, req.SessionKey)
	if err != nil {
		return fmt.Errorf("turn: load session: %w", err)
	}

	h0 := len(session.History)

	if req.Bootstrap != "" {
		if err := e.appendAndRecord(ctx, session, models.Message{
			ID:      newID(),
			Role:    models.RoleUser,
			Content: []models.Content{models.TextBlock(req.Bootstrap)},
		}); err != nil {
			return fmt.Errorf("turn: append bootstrap: %w", err)
		}
	}

	if err := e.appendAndRecord(ctx, session, models.Message{
		ID:      newID(),
		Role:    models.RoleUser,
		Content: []models.Content{models.TextBlock(req.UserInputText)},
	}); err != nil {
		return fmt.Errorf("turn: append user message: %w", err)
	}

	e.maybeCompact(ctx, session, sink)

	for iteration := 1; iteration <= e.Config.MaxIterations; iteration++ {
		assistantMsg, tokensIn, tokensOut, providerErr := e.streamOneIteration(ctx, req, session, sink)
		if providerErr != nil {
			e.rollback(ctx, req.SessionKey, h0)
			kind := models.ErrProviderTransient
			detail := "the model provider failed"
			if pe, ok := providerErr.(*providers.Error); ok {
				kind = pe.ErrorKind()
				if req.Trust >= models.Full {
					detail = pe.Error()
				}
			} else if req.Trust >= models.Full {
				detail = providerErr.Error()
			}
			sink.Emit(models.ErrorEvent(kind, detail))
			sink.Emit(models.DoneEvent(0, 0, false))
			return nil
		}

		if err := e.appendAndRecord(ctx, session, assistantMsg); err != nil {
			return fmt.Errorf("turn: append assistant message: %w", err)
		}
		if err := e.Store.SetLastInputTokens(ctx, req.SessionKey, tokensIn); err != nil {
			return fmt.Errorf("turn: record last input tokens: %w", err)
		}
		session.LastInputTokens = tokensIn
		sink.Emit(models.AssistantMessageEvent(assistantMsg))

		requests := assistantMsg.ToolRequests()
		if len(requests) == 0 {
			sink.Emit(models.DoneEvent(tokensIn, tokensOut, false))
			return nil
		}

		resultMsg := e.executeTools(ctx, req, requests, sink)
		if err := e.appendAndRecord(ctx, session, resultMsg); err != nil {
			return fmt.Errorf("turn: append tool results: %w", err)
		}
	}

	sink.Emit(models.DoneEvent(0, 0, true))
	return nil
}

func (e *Executor) maybeCompact(ctx context.Context, session *models.Session, sink models.EventSink) {
	if !compaction.ShouldCompact(session, e.Config.ContextLimit) {
		return
	}
	result, err := e.Compaction.Compact(ctx, session)
	if err != nil || result == nil {
		return
	}
	if err := e.Store.SaveCompaction(ctx, session.Key, result.State); err != nil {
		e.Config.Logger.Error("turn: persist compaction state failed", slog.Any("error", err))
		return
	}
	session.Compaction = result.State
	sink.Emit(models.CompactedEvent(result.NewMessageCount))
}

func (e *Executor) streamOneIteration(ctx context.Context, req Request, session *models.Session, sink models.EventSink) (models.Message, int, int, error) {
	blocks, err := e.buildPrompt(ctx, req, session)
	if err != nil {
		return models.Message{}, 0, 0, err
	}
	system := prompt.Render(blocks)

	providerMessages := compaction.ApplyCompaction(session.History, session.Compaction)

	visible := e.Tools.Visible(req.Trust)
	tools := make([]providers.Tool, 0, len(visible))
	for _, h := range visible {
		tools = append(tools, providers.Tool{Name: h.Name, Description: h.OneLine, InputSchema: h.Schema})
	}

	chunks, err := e.Provider.Complete(ctx, providers.Request{
		Model:     e.Config.Model,
		System:    system,
		Messages:  providerMessages,
		Tools:     tools,
		MaxTokens: e.Config.MaxTokens,
	})
	if err != nil {
		return models.Message{}, 0, 0, err
	}

	var content []models.Content
	var textBuf, thinkingBuf strings.Builder
	var tokensIn, tokensOut int
	done := false

	flushText := func() {
		if textBuf.Len() > 0 {
			content = append(content, models.TextBlock(textBuf.String()))
			textBuf.Reset()
		}
	}
	flushThinking := func() {
		if thinkingBuf.Len() > 0 {
			content = append(content, models.ThinkingBlock(thinkingBuf.String()))
			thinkingBuf.Reset()
		}
	}

	var streamErr error
	for c := range chunks {
		switch c.Kind {
		case providers.ChunkText:
			textBuf.WriteString(c.Text)
			sink.Emit(models.TextDeltaEvent(c.Text))
		case providers.ChunkThinking:
			flushText()
			thinkingBuf.WriteString(c.Text)
		case providers.ChunkToolCall:
			flushText()
			flushThinking()
			content = append(content, models.ToolRequestBlock(c.ToolCallID, c.ToolName, c.Arguments))
		case providers.ChunkDone:
			tokensIn, tokensOut = c.InputTokens, c.OutputTokens
			done = true
		case providers.ChunkError:
			streamErr = c.Err
		}
	}
	flushText()
	flushThinking()

	if streamErr != nil {
		return models.Message{}, 0, 0, streamErr
	}
	if !done {
		return models.Message{}, 0, 0, fmt.Errorf("turn: provider stream ended without completing")
	}

	return models.Message{
		ID:       newID(),
		Role:     models.RoleAssistant,
		Content:  content,
		Metadata: map[string]string{models.InputTokensMetadataKey: fmt.Sprintf("%d", tokensIn)},
	}, tokensIn, tokensOut, nil
}

func (e *Executor) executeTools(ctx context.Context, req Request, requests []models.Content, sink models.EventSink) models.Message {
	results := make([]models.Content, 0, len(requests))
	for _, r := range requests {
		sink.Emit(models.ToolStartEvent(r.ToolCallID, r.ToolName))
		result := e.Tools.Execute(policy.ToolContext{
			Context:       ctx,
			Trust:         req.Trust,
			SessionKey:    req.SessionKey,
			WorkspaceRoot: e.WorkspaceRoot,
		}, r.ToolCallID, r.ToolName, r.Arguments)
		results = append(results, result)
		sink.Emit(models.ToolResultEvent(result.ToolCallID, result.ToolResultOutput, result.ToolResultIsError))
	}
	return models.Message{ID: newID(), Role: models.RoleUser, Content: results}
}

func (e *Executor) buildPrompt(ctx context.Context, req Request, session *models.Session) ([]prompt.Block, error) {
	in := prompt.Input{}
	if e.PromptContext != nil {
		resolved, err := e.PromptContext(ctx, req, session)
		if err != nil {
			return nil, fmt.Errorf("turn: resolve prompt context: %w", err)
		}
		in = resolved
	}
	in.Trust = req.Trust
	in.UserName = req.UserName
	in.PromptChannel = req.PromptChannel
	in.ModelName = e.Config.Model
	in.SessionKind = req.SessionKey.Kind.String()
	in.Now = time.Now()
	if in.GroupOverlay == "" && req.SessionKey.Kind.Tag == models.KindGroup {
		in.GroupOverlay = defaultGroupOverlay(req.SessionKey.Kind.GroupID)
	}

	visible := e.Tools.Visible(req.Trust)
	lines := make([]string, 0, len(visible))
	for _, h := range visible {
		if h.OneLine == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", h.Name, h.OneLine))
	}
	in.ToolOneLiners = lines

	return prompt.Build(in), nil
}

// defaultGroupOverlay is the built-in situation-overlay text for a
// Group(...) session (spec §4.3) when no PromptContext supplies a
// richer, config-aware one: a reminder that the conversation is shared
// and that replies are visible to every participant.
func defaultGroupOverlay(groupID string) string {
	return fmt.Sprintf(
		"This is a shared group conversation (group=%q). Multiple people can see this channel; "+
			"only respond when the message is actually addressed to you, and keep replies concise "+
			"since everyone here will read them.", groupID)
}

func (e *Executor) appendAndRecord(ctx context.Context, session *models.Session, msg models.Message) error {
	if err := e.Store.Append(ctx, session.Key, msg); err != nil {
		return err
	}
	session.History = append(session.History, msg)
	return nil
}

func (e *Executor) rollback(ctx context.Context, key models.SessionKey, h0 int) {
	if err := e.Store.Restore(ctx, key, h0); err != nil {
		e.Config.Logger.Error("turn: rollback failed", slog.String("session", key.String()), slog.Any("error", err))
	}
}

func newID() string { return uuid.NewString() }
