// Package monitor implements the heartbeat engine: ping handling, liveness
// sweeps and owner edits, all serialized per task.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fuomag9/serverlord/internal/clock"
	"github.com/fuomag9/serverlord/internal/models"
	"github.com/fuomag9/serverlord/internal/store"
)

// Options configures an Engine
type Options struct {
	Policy       Policy
	StoreTimeout time.Duration
	Logger       *slog.Logger
}

// Engine owns the per-task locks and the store access shared by the
// receiver, the sweeper and the task service.
type Engine struct {
	store   store.TaskStore
	clock   clock.Clock
	policy  Policy
	timeout time.Duration
	locks   *lockArena
	logger  *slog.Logger

	mu        sync.RWMutex
	observers []Observer
}

// NewEngine creates an engine over the given store and clock
func NewEngine(s store.TaskStore, c clock.Clock, opts Options) *Engine {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		store:   s,
		clock:   c,
		policy:  opts.Policy,
		timeout: opts.StoreTimeout,
		locks:   newLockArena(),
		logger:  opts.Logger,
	}
}

// Subscribe registers an observer for committed task changes
func (e *Engine) Subscribe(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, o)
}

// Now returns the engine clock's current time
func (e *Engine) Now() time.Time {
	return e.clock.Now()
}

func (e *Engine) publish(ev Event) {
	e.mu.RLock()
	observers := e.observers
	e.mu.RUnlock()

	for _, o := range observers {
		o.TaskChanged(ev)
	}
}

// change is what a mutation wants written
type change struct {
	task   models.Task
	sample models.Sample
	// audit appends the sample without touching the task
	audit bool
}

// mutateFunc computes the change for a freshly read task. Returning nil
// means there is nothing to write.
type mutateFunc func(task models.Task) (*change, error)

// mutate reads task id under its lock, applies fn and stores the result.
// A version conflict is retried once with a fresh read, then surfaced.
// Observers are notified after the lock is released.
func (e *Engine) mutate(ctx context.Context, id int64, fn mutateFunc) (*Event, error) {
	lockCtx, cancel := context.WithTimeout(ctx, e.timeout)
	release, err := e.locks.acquire(lockCtx, id)
	cancel()
	if err != nil {
		return nil, err
	}

	ev, err := e.mutateLocked(ctx, id, fn)
	release()

	if err == nil && ev != nil {
		e.publish(*ev)
	}
	return ev, err
}

func (e *Engine) mutateLocked(ctx context.Context, id int64, fn mutateFunc) (*Event, error) {
	for attempt := 0; ; attempt++ {
		ev, err := e.writeOnce(ctx, id, fn)
		if errors.Is(err, store.ErrConflict) && attempt == 0 {
			e.logger.Warn("task changed concurrently, retrying", "task_id", id)
			continue
		}
		return ev, err
	}
}

func (e *Engine) writeOnce(ctx context.Context, id int64, fn mutateFunc) (*Event, error) {
	sctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	current, err := e.store.Get(sctx, id)
	if err != nil {
		return nil, err
	}

	c, err := fn(current)
	if err != nil || c == nil {
		return nil, err
	}

	if c.audit {
		c.sample.TaskID = id
		if err := e.store.AppendSample(sctx, c.sample); err != nil {
			return nil, err
		}
		return &Event{Task: current, Sample: c.sample, From: current.Status, To: current.Status}, nil
	}

	saved, err := e.store.Save(sctx, c.task, c.sample)
	if err != nil {
		return nil, err
	}
	return &Event{Task: saved, Sample: c.sample, From: current.Status, To: saved.Status}, nil
}

// withLock runs fn while holding task id's lock
func (e *Engine) withLock(ctx context.Context, id int64, fn func(ctx context.Context) error) error {
	lockCtx, cancel := context.WithTimeout(ctx, e.timeout)
	release, err := e.locks.acquire(lockCtx, id)
	cancel()
	if err != nil {
		return err
	}
	defer release()

	sctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return fn(sctx)
}
