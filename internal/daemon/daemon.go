// Package daemon assembles the gateway's long-lived components — session
// store, provider, compaction engine, tool registry, turn executor,
// router, cron scheduler, IPC server, and channel loops — into one
// lifecycle (spec §4.11), grounded on the teacher's
// internal/gateway/managed_server.go ManagedServer: a thin Start/Stop
// wrapper composing independently-constructed managers, built once at
// startup and torn down in reverse order.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/kestrelhq/relay/internal/channel"
	"github.com/kestrelhq/relay/internal/compaction"
	"github.com/kestrelhq/relay/internal/config"
	"github.com/kestrelhq/relay/internal/cron"
	"github.com/kestrelhq/relay/internal/ipc"
	"github.com/kestrelhq/relay/internal/policy"
	"github.com/kestrelhq/relay/internal/prompt"
	"github.com/kestrelhq/relay/internal/providers"
	"github.com/kestrelhq/relay/internal/router"
	"github.com/kestrelhq/relay/internal/sessions"
	"github.com/kestrelhq/relay/internal/telemetry"
	"github.com/kestrelhq/relay/internal/turn"
	"github.com/kestrelhq/relay/pkg/models"
)

// Daemon owns every long-lived component built from one Config, ready to
// Start and, on shutdown, Stop in reverse dependency order.
type Daemon struct {
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *telemetry.Metrics

	Store  sessions.Store
	Locker sessions.Locker

	Provider providers.Provider
	Tools    *policy.Registry
	Executor *turn.Executor
	Router   *router.Router

	Scheduler *cron.Scheduler
	IPC       *ipc.Server
	Channels  *channel.Registry

	tracer        trace.Tracer
	promptSource  *workspacePromptSource
	live          *liveRouter
	loops         []*channel.Loop
	traceShutdown func(context.Context) error
}

// Build constructs every component from cfg without starting anything.
func Build(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}

	metrics := telemetry.NewMetrics()

	traceFile := cfg.Tracing.TraceFile
	if env := os.Getenv("RELAY_TRACE_FILE"); env != "" {
		traceFile = env
	}
	tracer, traceShutdown, err := telemetry.InitTracing(telemetry.TraceConfig{
		ServiceName: "relay-" + cfg.Agent.ID,
		TraceFile:   traceFile,
	})
	if err != nil {
		return nil, fmt.Errorf("daemon: init tracing: %w", err)
	}

	workspace := resolveWorkspace(cfg)
	storeDir := filepath.Join(workspace, "sessions")
	store, err := sessions.NewFileStore(storeDir)
	if err != nil {
		return nil, fmt.Errorf("daemon: open session store: %w", err)
	}
	locker := sessions.NewLocalLocker()

	provider, err := buildProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("daemon: build provider: %w", err)
	}

	summarizer := providers.NewSummarizer(provider, cfg.Agent.Model, 1024)
	compactionEngine := compaction.NewEngine(summarizer, logger.With(slog.String("component", "compaction")))

	// No individual tool implementations are in scope (spec's Non-goals);
	// Composite with zero remotes keeps the merge path exercised so a
	// later MCP/plugin-backed remote registry slots in without callers
	// changing.
	tools := policy.Composite(policy.NewRegistry())

	promptSource := newWorkspacePromptSource(workspace, cfg.Prompt)

	executor := turn.New(store, locker, compactionEngine, tools, provider, promptSource.resolve, turn.Config{
		Model:  cfg.Agent.Model,
		Logger: logger.With(slog.String("component", "turn")),
	})
	executor.WorkspaceRoot = workspace

	rtr, err := router.New(cfg, executor, nil, metrics, tracer, logger.With(slog.String("component", "router")))
	if err != nil {
		return nil, fmt.Errorf("daemon: build router: %w", err)
	}
	live := newLiveRouter(rtr)

	channels := channel.NewRegistry()

	scheduler := cron.New(cfg.Cron, cfg.Agent.ID, live, channels, metrics, logger.With(slog.String("component", "cron")))

	ipcServer := ipc.New(live, store, metrics, logger.With(slog.String("component", "ipc")))

	return &Daemon{
		Config:        cfg,
		Logger:        logger,
		Metrics:       metrics,
		Store:         store,
		Locker:        locker,
		Provider:      provider,
		Tools:         tools,
		Executor:      executor,
		Router:        rtr,
		Scheduler:     scheduler,
		IPC:           ipcServer,
		Channels:      channels,
		tracer:        tracer,
		promptSource:  promptSource,
		live:          live,
		traceShutdown: traceShutdown,
	}, nil
}

// NewLoop constructs a channel.Loop over ch, wired to this daemon's live
// router, session store, and metrics, and registers it into Channels so
// the cron announce flow and future reloads can address it by channel
// ID. Call before Start.
func (d *Daemon) NewLoop(ch channel.Channel) *channel.Loop {
	l := channel.New(ch, d.live, d.Store, d.Metrics, d.Logger.With(slog.String("channel", ch.ID())))
	d.Channels.Register(l)
	d.loops = append(d.loops, l)
	return l
}

// Reload applies a new Config's hot-reloadable fields (spec §4.11:
// agent.model, users, cron): a fresh Executor and Router are built from
// newCfg and swapped into the live façade atomically, and the scheduler's
// job set is rebuilt. Channel loops and the IPC listener are untouched —
// they address the daemon through the live façade and never hold a
// *router.Router directly.
func (d *Daemon) Reload(newCfg *config.Config) error {
	executor := turn.New(d.Store, d.Locker, d.Executor.Compaction, d.Tools, d.Provider, d.promptSource.resolve, turn.Config{
		Model:  newCfg.Agent.Model,
		Logger: d.Logger.With(slog.String("component", "turn")),
	})
	executor.WorkspaceRoot = resolveWorkspace(newCfg)

	rtr, err := router.New(newCfg, executor, nil, d.Metrics, d.tracer, d.Logger.With(slog.String("component", "router")))
	if err != nil {
		return fmt.Errorf("daemon: reload router: %w", err)
	}

	d.Config = newCfg
	d.Executor = executor
	d.Router = rtr
	d.live.swap(rtr)
	d.Scheduler.Reload(newCfg.Cron)
	return nil
}

// Start brings up the IPC listener, the scheduler, and every registered
// channel loop, then blocks until ctx is cancelled or a component fails.
// It returns nil on a clean shutdown via ctx, the first component error
// otherwise.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.IPC.Listen(d.Config.IPC.SocketPath); err != nil {
		return fmt.Errorf("daemon: listen on ipc socket: %w", err)
	}

	d.Scheduler.Start(ctx)

	errCh := make(chan error, 1+len(d.loops))
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := d.IPC.Serve(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("ipc: %w", err)
		}
	}()

	for _, l := range d.loops {
		l := l
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Run(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("channel %s: %w", l.Channel.ID(), err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	wg.Wait()
	return nil
}

// Stop tears components down in reverse order: the IPC listener closes
// first so no new control-plane work starts, then the scheduler, then
// tracing is flushed. Channel loops already observe ctx cancellation from
// Start's caller; ctx here only bounds the tracing flush.
func (d *Daemon) Stop(ctx context.Context) error {
	if err := d.IPC.Close(); err != nil {
		d.Logger.Warn("daemon: close ipc listener", slog.Any("error", err))
	}
	d.Scheduler.Stop()
	if d.traceShutdown != nil {
		if err := d.traceShutdown(ctx); err != nil {
			return fmt.Errorf("daemon: shutdown tracing: %w", err)
		}
	}
	return nil
}

func resolveWorkspace(cfg *config.Config) string {
	if strings.TrimSpace(cfg.Agent.Workspace) == "" {
		return "."
	}
	return cfg.Agent.Workspace
}

// buildProvider dispatches on cfg.Provider.Name, wrapping multiple
// resolved API keys in a KeyPool-backed PooledProvider so a multi-key
// deployment spreads load instead of exhausting one key's rate limit.
func buildProvider(cfg *config.Config) (providers.Provider, error) {
	keys, err := cfg.Provider.ResolvedAPIKeys()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("provider %q requires at least one api key", cfg.Provider.Name)
	}

	build := func(key string) (providers.Provider, error) {
		switch cfg.Provider.Name {
		case "", "anthropic":
			return providers.NewAnthropicProvider(providers.AnthropicConfig{
				APIKey:       key,
				DefaultModel: cfg.Agent.Model,
			})
		case "openai":
			return providers.NewOpenAIProvider(key, ""), nil
		default:
			return nil, fmt.Errorf("unknown provider %q", cfg.Provider.Name)
		}
	}

	if len(keys) == 1 {
		return build(keys[0])
	}

	pool, err := providers.NewKeyPool(keys, 1, 1)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]providers.Provider, len(keys))
	for _, k := range keys {
		p, err := build(k)
		if err != nil {
			return nil, err
		}
		byKey[k] = p
	}
	return providers.NewPooledProvider(cfg.Provider.Name, pool, byKey), nil
}

// workspacePromptSource resolves a turn.PromptContext from workspace
// files declared in PromptConfig, re-read on every call so an operator
// editing IDENTITY.md/BEHAVIOR.md takes effect on the next turn without a
// restart, mirroring the teacher's readPromptFileLimited-at-call-time
// convention rather than caching file contents at startup.
type workspacePromptSource struct {
	root string
	cfg  config.PromptConfig
}

func newWorkspacePromptSource(root string, cfg config.PromptConfig) *workspacePromptSource {
	return &workspacePromptSource{root: root, cfg: cfg}
}

func (s *workspacePromptSource) resolve(ctx context.Context, req turn.Request, session *models.Session) (prompt.Input, error) {
	in := prompt.Input{
		IdentityText:   s.readOptional("IDENTITY.md"),
		BehaviorText:   s.readOptional("BEHAVIOR.md"),
		ChannelFormats: s.resolveChannelFormats(),
	}

	for _, f := range s.cfg.SharedFiles {
		in.WorkspaceFiles = append(in.WorkspaceFiles, s.loadWorkspaceFile(f))
	}
	for _, f := range s.cfg.UserFiles {
		in.WorkspaceFiles = append(in.WorkspaceFiles, s.loadWorkspaceFile(f))
	}
	return in, nil
}

// builtinChannelFormats are the per-channel-family formatting instructions
// spec §4.3 names (e.g. Signal has no markdown rendering). A workspace
// file at channels/<family>.md overrides the corresponding entry here.
var builtinChannelFormats = map[string]string{
	"signal":   "Plain text only: no markdown, no headers, no code fences. This channel renders messages as raw text.",
	"terminal": "Full markdown formatting is fine; this channel renders it directly.",
}

func (s *workspacePromptSource) resolveChannelFormats() map[string]prompt.ChannelFormat {
	out := make(map[string]prompt.ChannelFormat, len(builtinChannelFormats))
	for family, def := range builtinChannelFormats {
		content := def
		if override := strings.TrimSpace(s.readOptional(filepath.Join("channels", family+".md"))); override != "" {
			content = override
		}
		out[family] = prompt.ChannelFormat{Family: family, Content: content}
	}
	return out
}

func (s *workspacePromptSource) loadWorkspaceFile(f config.PromptFileConfig) prompt.WorkspaceFile {
	content := s.readOptional(f.Path)
	trimmed := strings.TrimSpace(content)
	override := strings.HasPrefix(trimmed, "<!-- override -->")
	if override {
		content = strings.TrimSpace(strings.TrimPrefix(trimmed, "<!-- override -->"))
	}
	trust, err := models.ParseTrustLevel(f.Trust)
	if err != nil {
		trust = models.Public
	}
	return prompt.WorkspaceFile{
		Label:    f.Path,
		Content:  content,
		MinTrust: trust,
		Override: override,
	}
}

func (s *workspacePromptSource) readOptional(relPath string) string {
	data, err := os.ReadFile(filepath.Join(s.root, relPath))
	if err != nil {
		return ""
	}
	return string(data)
}
