// Package jobs runs the periodic sweep and sample retention.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fuomag9/serverlord/internal/clock"
	"github.com/fuomag9/serverlord/internal/monitor"
	"github.com/fuomag9/serverlord/internal/store"
)

// Reporter receives job outcomes
type Reporter interface {
	SweepCompleted(res monitor.SweepResult, err error)
	PruneCompleted(removed int64, err error)
}

// Options configures the scheduler
type Options struct {
	SweepInterval time.Duration
	PruneInterval time.Duration
	// MaxAge drops samples older than this (0 disables)
	MaxAge time.Duration
	// MaxPerTask keeps at most this many samples per task (0 disables)
	MaxPerTask   int
	StoreTimeout time.Duration
	Reporter     Reporter
	Logger       *slog.Logger
}

// Scheduler manages background jobs
type Scheduler struct {
	cron    *cron.Cron
	sweeper *monitor.Sweeper
	store   store.TaskStore
	clock   clock.Clock
	opts    Options
	logger  *slog.Logger

	// jobs run under ctx; Stop cancels it so in-flight store calls abort
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a new job scheduler
func NewScheduler(sweeper *monitor.Sweeper, s store.TaskStore, c clock.Clock, opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 30 * time.Second
	}

	cl := cronLogger{logger: logger.With("component", "cron")}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		sweeper: sweeper,
		store:   s,
		clock:   c,
		opts:    opts,
		logger:  logger,
	}
}

// Start registers the jobs and starts the scheduler. Jobs run under a
// context derived from ctx that Stop cancels.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.opts.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	if _, err := s.cron.AddFunc(every(s.opts.SweepInterval), func() {
		s.RunSweep(s.ctx)
	}); err != nil {
		s.cancel()
		return fmt.Errorf("schedule sweep: %w", err)
	}

	if s.retentionEnabled() {
		if _, err := s.cron.AddFunc(every(s.opts.PruneInterval), func() {
			s.RunPrune(s.ctx)
		}); err != nil {
			s.cancel()
			return fmt.Errorf("schedule retention: %w", err)
		}
	}

	s.cron.Start()
	s.logger.Info("job scheduler started",
		"sweep_interval", s.opts.SweepInterval, "retention", s.retentionEnabled())
	return nil
}

// Stop cancels running jobs, stops the scheduler and waits for the jobs to
// return, up to ctx
func (s *Scheduler) Stop(ctx context.Context) {
	if s.cancel != nil {
		s.cancel()
	}
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("job scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn("job scheduler stop timed out", "err", ctx.Err())
	}
}

// RunSweep runs one sweep tick
func (s *Scheduler) RunSweep(ctx context.Context) {
	res, err := s.sweeper.Tick(ctx)
	if s.opts.Reporter != nil {
		s.opts.Reporter.SweepCompleted(res, err)
	}

	switch {
	case err != nil:
		s.logger.Error("sweep failed", "err", err)
	case res.Skipped:
		s.logger.Warn("sweep skipped, previous tick still running")
	default:
		s.logger.Debug("sweep completed", "checked", res.Checked, "duration", res.Duration)
	}
}

// RunPrune applies the retention policy once
func (s *Scheduler) RunPrune(ctx context.Context) {
	if !s.retentionEnabled() {
		return
	}

	policy := store.RetentionPolicy{KeepLast: s.opts.MaxPerTask}
	if s.opts.MaxAge > 0 {
		policy.OlderThan = s.clock.Now().Add(-s.opts.MaxAge)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()

	removed, err := s.store.PruneSamples(ctx, policy)
	if s.opts.Reporter != nil {
		s.opts.Reporter.PruneCompleted(removed, err)
	}
	if err != nil {
		s.logger.Error("failed to prune samples", "err", err)
		return
	}
	s.logger.Info("pruned old samples", "removed", removed)
}

func (s *Scheduler) retentionEnabled() bool {
	return s.opts.PruneInterval > 0 && (s.opts.MaxAge > 0 || s.opts.MaxPerTask > 0)
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// cronLogger routes cron's logging through slog
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "err", err)...)
}
