// Package cron implements the scheduler (spec §3/§4.9): periodic tasks
// that run as turns on an isolated session and, unless their output is the
// heartbeat suppression token, announce a result onto a delivery channel.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/kestrelhq/relay/internal/config"
	"github.com/kestrelhq/relay/internal/telemetry"
	"github.com/kestrelhq/relay/pkg/models"
)

// HeartbeatSuppressToken mirrors internal/channel's suppression token: a
// cron task's own output is checked against it before the announce flow
// ever reaches a Translator.
const HeartbeatSuppressToken = "HEARTBEAT_OK"

const announcePreamble = "The following is the raw result of a scheduled background task. " +
	"Summarize it naturally for the person you're talking to, in your own voice. " +
	"Do not mention that this came from a scheduled task or any internal scheduling mechanism.\n\n"

var cronParser = cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor)

// Dispatcher is the subset of *router.Router the scheduler depends on.
type Dispatcher interface {
	InjectCollectText(ctx context.Context, injection models.SessionInjection) (string, error)
}

// Deliverer posts collected text to an outbound channel by name, bypassing
// routing. *channel.Registry satisfies this.
type Deliverer interface {
	Deliver(channelName, target, text string) error
}

type job struct {
	cfg      config.CronConfig
	schedule cronlib.Schedule
	nextRun  time.Time
}

// Scheduler runs the configured cron tasks on a tick loop, grounded on the
// same parse-then-poll shape as the rest of this codebase's scheduled work:
// robfig/cron/v3 only parses expressions and computes next-run times, the
// Scheduler owns its own ticker rather than robfig's own run loop.
type Scheduler struct {
	jobs       []*job
	dispatcher Dispatcher
	deliverer  Deliverer
	agentID    string
	logger     *slog.Logger
	metrics    *telemetry.Metrics

	now          func() time.Time
	tickInterval time.Duration

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// New builds a Scheduler from the configured cron entries. Entries with an
// unparsable expression are skipped with a warning rather than failing
// startup for the whole agent.
func New(entries []config.CronConfig, agentID string, dispatcher Dispatcher, deliverer Deliverer, metrics *telemetry.Metrics, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		dispatcher:   dispatcher,
		deliverer:    deliverer,
		agentID:      agentID,
		logger:       logger,
		metrics:      metrics,
		now:          time.Now,
		tickInterval: time.Second,
	}
	now := s.now()
	for _, entry := range entries {
		j, err := s.buildJob(entry, now)
		if err != nil {
			s.logger.Warn("cron: job skipped", slog.String("name", entry.Name), slog.Any("error", err))
			continue
		}
		s.jobs = append(s.jobs, j)
	}
	return s
}

func (s *Scheduler) buildJob(cfg config.CronConfig, now time.Time) (*job, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, errors.New("cron entry missing name")
	}
	if strings.TrimSpace(cfg.Message) == "" {
		return nil, fmt.Errorf("cron entry %q missing message", name)
	}
	schedule, err := cronParser.Parse(strings.TrimSpace(cfg.Cron))
	if err != nil {
		return nil, fmt.Errorf("cron entry %q: %w", name, err)
	}
	return &job{cfg: cfg, schedule: schedule, nextRun: schedule.Next(now)}, nil
}

// Start begins the tick loop. It returns immediately; the loop runs until
// ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runDue(ctx)
			}
		}
	}()
}

// Stop waits for the tick loop to exit (the caller must already have
// cancelled the context Start was given).
func (s *Scheduler) Stop() {
	s.wg.Wait()
}

// RunDue executes every job whose schedule has elapsed. Exported so tests
// and a manual "run cron now" admin path don't have to wait on the ticker.
func (s *Scheduler) RunDue(ctx context.Context) int {
	return s.runDue(ctx)
}

// Reload rebuilds the job list from entries, replacing the running set.
// Jobs already mid-run are unaffected; the new set takes effect on the
// next tick. Grounded on config.ApplyReload marking "cron" hot-reloadable
// (spec §4.11) without requiring a scheduler restart.
func (s *Scheduler) Reload(entries []config.CronConfig) {
	now := s.now()
	var jobs []*job
	for _, entry := range entries {
		j, err := s.buildJob(entry, now)
		if err != nil {
			s.logger.Warn("cron: job skipped on reload", slog.String("name", entry.Name), slog.Any("error", err))
			continue
		}
		jobs = append(jobs, j)
	}

	s.mu.Lock()
	s.jobs = jobs
	s.mu.Unlock()
	s.logger.Info("cron: reloaded job set", slog.Int("count", len(jobs)))
}

func (s *Scheduler) runDue(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	jobs := s.jobs
	s.mu.Unlock()

	fired := 0
	for _, j := range jobs {
		if now.Before(j.nextRun) {
			continue
		}
		j.nextRun = j.schedule.Next(now)
		s.runJob(ctx, j)
		fired++
	}
	return fired
}

func (s *Scheduler) runJob(ctx context.Context, j *job) {
	name := j.cfg.Name
	logger := s.logger.With(slog.String("cron_job", name))

	taskSession := models.SessionKey{AgentID: s.agentID, Kind: models.CronKind(name)}
	raw, err := s.dispatcher.InjectCollectText(ctx, models.SessionInjection{
		TargetSession: taskSession,
		Content:       j.cfg.Message,
		Trust:         models.Owner,
		Source:        models.CronSource(name),
	})
	s.recordRun(name, err)
	if err != nil {
		logger.Error("cron: task turn failed", slog.Any("error", err))
		return
	}

	if strings.TrimSpace(raw) == HeartbeatSuppressToken {
		logger.Info("cron: task suppressed output, nothing delivered")
		return
	}

	if j.cfg.Deliver == nil {
		logger.Info("cron: task produced output with no delivery target configured")
		return
	}

	if j.cfg.User == "" {
		// No user to announce through (a group has no single DM session);
		// deliver the raw task output as-is.
		s.deliver(logger, j.cfg.Deliver.Channel, j.cfg.Deliver.Target, raw)
		return
	}

	announceSession := models.SessionKey{AgentID: s.agentID, Kind: models.DMKind(j.cfg.Deliver.Channel, j.cfg.Deliver.Target)}
	announced, err := s.dispatcher.InjectCollectText(ctx, models.SessionInjection{
		TargetSession: announceSession,
		Content:       announcePreamble + raw,
		Trust:         models.Owner,
		UserName:      j.cfg.User,
		Source:        models.CronSource(name),
	})
	if err != nil {
		logger.Error("cron: announce turn failed", slog.Any("error", err))
		return
	}
	if strings.TrimSpace(announced) == "" {
		return
	}
	s.deliver(logger, j.cfg.Deliver.Channel, j.cfg.Deliver.Target, announced)
}

func (s *Scheduler) deliver(logger *slog.Logger, channelName, target, text string) {
	if s.deliverer == nil {
		logger.Warn("cron: no deliverer configured, dropping output")
		return
	}
	if err := s.deliverer.Deliver(channelName, target, text); err != nil {
		logger.Error("cron: delivery failed", slog.String("channel", channelName), slog.Any("error", err))
	}
}

func (s *Scheduler) recordRun(name string, err error) {
	logger := s.logger.With(slog.String("cron_job", name))
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	logger.Info("cron: task ran", slog.String("outcome", outcome))
	if s.metrics != nil && s.metrics.CronRunsTotal != nil {
		s.metrics.CronRunsTotal.WithLabelValues(name, outcome).Inc()
	}
}
