package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/kestrelhq/relay/internal/channel"
	"github.com/kestrelhq/relay/internal/config"
	"github.com/kestrelhq/relay/pkg/models"
)

func testConfig(t *testing.T, socketPath string) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Agent: config.AgentConfig{
			ID:        "main",
			Model:     "claude-sonnet-4-20250514",
			Workspace: t.TempDir(),
		},
		Provider: config.ProviderConfig{
			Name:    "anthropic",
			APIKeys: []string{"test-key"},
		},
		IPC: config.IPCConfig{SocketPath: socketPath},
	}
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("invalid test config: %v", err)
	}
	return cfg
}

func TestBuildAssemblesEveryComponent(t *testing.T) {
	d, err := Build(testConfig(t, t.TempDir()+"/relay.sock"), nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if d.Store == nil || d.Locker == nil || d.Provider == nil || d.Tools == nil ||
		d.Executor == nil || d.Router == nil || d.Scheduler == nil || d.IPC == nil || d.Channels == nil {
		t.Fatalf("expected every component populated, got %+v", d)
	}
}

// blockingChannel never receives a message; it exists only to exercise
// Start/Stop's lifecycle without a real transport.
type blockingChannel struct{ id string }

func (c *blockingChannel) ID() string { return c.id }
func (c *blockingChannel) Recv(ctx context.Context) (models.InboundMessage, error) {
	<-ctx.Done()
	return models.InboundMessage{}, ctx.Err()
}
func (c *blockingChannel) Send(ctx context.Context, action channel.OutboundAction) (channel.SendReceipt, error) {
	return channel.SendReceipt{Delivered: true}, nil
}
func (c *blockingChannel) Probe(ctx context.Context) channel.Health { return channel.Health{Connected: true} }

func TestStartStopsCleanlyOnContextCancel(t *testing.T) {
	d, err := Build(testConfig(t, t.TempDir()+"/relay.sock"), nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	d.NewLoop(&blockingChannel{id: "stub"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after context cancellation")
	}

	if err := d.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestReloadSwapsLiveRouterAndSchedulerJobs(t *testing.T) {
	cfg := testConfig(t, t.TempDir()+"/relay.sock")
	d, err := Build(cfg, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	newCfg := *cfg
	newCfg.Agent.Model = "claude-opus-4"
	newCfg.Cron = []config.CronConfig{{Name: "job", Cron: "0 0 1 1 *", Message: "hi"}}

	if err := d.Reload(&newCfg); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if d.Executor.Config.Model != "claude-opus-4" {
		t.Fatalf("expected reloaded executor model, got %q", d.Executor.Config.Model)
	}

	// The live façade used by already-constructed components must observe
	// the swap without those components being rebuilt: routing still
	// succeeds against the reloaded router, not a stale one.
	decision, _, err := d.live.Route(context.Background(), models.InboundMessage{ChannelID: "dm", Kind: models.InboundText})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if decision.SessionKey.AgentID != newCfg.Agent.ID {
		t.Fatalf("expected decision routed against reloaded config, got %+v", decision)
	}
}
