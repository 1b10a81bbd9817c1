// Package scheduler runs background maintenance tasks on cron
// schedules: knowledge-graph sync, golden-route refresh, and memory
// compaction. Tasks yield to request traffic: a latency probe pauses
// them while the service is under pressure.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lontar-ai/lontar/pkg/config"
	"github.com/lontar-ai/lontar/pkg/logger"
	"github.com/lontar-ai/lontar/pkg/observability"
)

// Task is one unit of scheduled work. Tasks must honor ctx
// cancellation; long tasks chunk their work and call Checkpoint
// between chunks.
type Task func(ctx context.Context) error

// Probe reports recent request latency. The scheduler pauses while the
// p95 exceeds the configured backpressure threshold.
type Probe interface {
	P95() time.Duration
}

type Scheduler struct {
	cfg   *config.SchedulerConfig
	cron  *cron.Cron
	probe Probe
	log   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
}

func New(cfg *config.SchedulerConfig, probe Probe) (*Scheduler, error) {
	if cfg == nil {
		return nil, fmt.Errorf("scheduler config is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg: cfg,
		// Overlapping runs of one task are skipped, not queued.
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		probe:  probe,
		log:    logger.For("scheduler"),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Register schedules a named task. spec accepts standard five-field
// cron expressions and the @every form.
func (s *Scheduler) Register(name, spec string, task Task) error {
	if name == "" || task == nil {
		return fmt.Errorf("task name and function are required")
	}
	_, err := s.cron.AddFunc(spec, func() { s.runTask(name, task) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for task %s: %w", spec, name, err)
	}
	s.log.Info("registered task", "task", name, "schedule", spec)
	return nil
}

// RegisterConfigured schedules the task under its config entry,
// skipping disabled or unconfigured tasks.
func (s *Scheduler) RegisterConfigured(name string, task Task) error {
	tc, ok := s.cfg.Tasks[name]
	if !ok || !tc.Enabled {
		s.log.Debug("task not enabled", "task", name)
		return nil
	}
	return s.Register(name, tc.Schedule, task)
}

func (s *Scheduler) runTask(name string, task Task) {
	if s.Paused() {
		s.log.Info("skipping task under backpressure", "task", name, "p95", s.probe.P95())
		return
	}

	start := time.Now()
	err := task(s.ctx)
	duration := time.Since(start)
	observability.GetGlobalMetrics().RecordTaskRun(s.ctx, name, duration, err)
	if err != nil {
		s.log.Warn("task failed", "task", name, "duration", duration, "error", err)
		return
	}
	s.log.Info("task completed", "task", name, "duration", duration)
}

// Paused reports whether background work should yield to request
// traffic.
func (s *Scheduler) Paused() bool {
	if s.probe == nil || s.cfg.BackpressureLatency <= 0 {
		return false
	}
	return s.probe.P95() > s.cfg.BackpressureLatency
}

// Checkpoint is called by long tasks between chunks of work. It
// returns the context error on cancellation and otherwise waits out
// backpressure, re-checking once per second.
func (s *Scheduler) Checkpoint(ctx context.Context) error {
	for s.Paused() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return ctx.Err()
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.log.Info("scheduler started", "backpressure_latency", s.cfg.BackpressureLatency)
}

// Stop halts scheduling and waits for running tasks. Tasks still
// running after the grace period have their contexts cancelled and get
// one more grace period to unwind.
func (s *Scheduler) Stop(grace time.Duration) error {
	if grace <= 0 {
		grace = s.cfg.StopGrace
	}
	if grace <= 0 {
		grace = 30 * time.Second
	}

	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-time.After(grace):
	}

	s.log.Warn("cancelling tasks that outlived the grace period")
	s.cancel()
	select {
	case <-stopped.Done():
		return nil
	case <-time.After(grace):
		return fmt.Errorf("tasks did not stop within %s", grace)
	}
}
