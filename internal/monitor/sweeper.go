package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fuomag9/serverlord/internal/models"
	"github.com/fuomag9/serverlord/internal/store"
)

// SweepResult summarizes one sweep tick
type SweepResult struct {
	Now          time.Time
	Checked      int
	Recorded     int
	Transitioned int
	Failed       int
	Alive        int
	Dead         int
	// Skipped is set when the tick did not run because another was in progress
	Skipped  bool
	Duration time.Duration
}

// Sweeper periodically detects tasks that missed their heartbeat and
// accounts elapsed time for every monitored task.
type Sweeper struct {
	engine      *Engine
	concurrency int
	running     atomic.Bool
}

// NewSweeper creates a sweeper that checks up to concurrency tasks at once
func NewSweeper(engine *Engine, concurrency int) *Sweeper {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Sweeper{engine: engine, concurrency: concurrency}
}

// Tick runs one sweep. All tasks are judged against the same instant.
// Errors on individual tasks are logged and counted; an error is returned
// only when the task list itself cannot be read. Overlapping calls are
// skipped, never run concurrently.
func (s *Sweeper) Tick(ctx context.Context) (SweepResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.engine.logger.Warn("sweep still running, skipping tick")
		return SweepResult{Skipped: true}, nil
	}
	defer s.running.Store(false)

	started := time.Now()
	now := s.engine.Now()
	result := SweepResult{Now: now}

	listCtx, cancel := context.WithTimeout(ctx, s.engine.timeout)
	tasks, err := s.engine.store.ListMonitored(listCtx)
	cancel()
	if err != nil {
		result.Duration = time.Since(started)
		return result, fmt.Errorf("list monitored tasks: %w", err)
	}

	var recorded, transitioned, failed, alive, dead atomic.Int64

	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		id, status := task.ID, task.Status
		g.Go(func() error {
			ev, err := s.SweepTask(ctx, id, now)
			switch {
			case err == nil:
				if ev != nil {
					recorded.Add(1)
					if ev.Transition() {
						transitioned.Add(1)
					}
					status = ev.To
				}
				if status == models.StatusDead {
					dead.Add(1)
				} else {
					alive.Add(1)
				}
			case errors.Is(err, store.ErrNotFound):
				// deleted since listing
			default:
				failed.Add(1)
				s.engine.logger.Error("sweep task failed", "task_id", id, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Checked = len(tasks)
	result.Recorded = int(recorded.Load())
	result.Transitioned = int(transitioned.Load())
	result.Failed = int(failed.Load())
	result.Alive = int(alive.Load())
	result.Dead = int(dead.Load())
	result.Duration = time.Since(started)

	if result.Transitioned > 0 || result.Failed > 0 {
		s.engine.logger.Info("sweep finished",
			"checked", result.Checked,
			"transitioned", result.Transitioned,
			"failed", result.Failed,
			"duration", result.Duration)
	}

	return result, nil
}

// SweepTask re-checks one task under its lock against now. The state read
// under the lock is authoritative: a ping that landed after the tick
// started wins. Returns a nil event when there was nothing to record.
func (s *Sweeper) SweepTask(ctx context.Context, id int64, now time.Time) (*Event, error) {
	policy := s.engine.policy
	return s.engine.mutate(ctx, id, func(current models.Task) (*change, error) {
		next, ok := policy.applySweep(current, now)
		if !ok {
			return nil, nil
		}
		return &change{task: next, sample: newSample(next, now, models.SourceSweep)}, nil
	})
}
