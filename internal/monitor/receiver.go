package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fuomag9/serverlord/internal/models"
	"github.com/fuomag9/serverlord/internal/store"
)

// ErrInvalidToken is returned for a ping whose token resolves to no task.
// It carries no detail about which tasks exist.
var ErrInvalidToken = errors.New("invalid ping token")

// Annotation is the optional status information sent along with a ping
type Annotation struct {
	Outcome         models.PingOutcome
	DurationSeconds *float64
}

// PingResult is the outcome of an accepted ping
type PingResult struct {
	TaskID int64
	Status models.Status
	// OutOfOrder is set when the ping was older than the last accepted one
	// and only recorded for audit
	OutOfOrder bool
}

// Receiver accepts heartbeats
type Receiver struct {
	engine *Engine
}

// NewReceiver creates a heartbeat receiver
func NewReceiver(engine *Engine) *Receiver {
	return &Receiver{engine: engine}
}

// ReceivePing records a heartbeat for the task identified by token, observed
// at observedAt. A zero observedAt means now.
func (r *Receiver) ReceivePing(ctx context.Context, token string, observedAt time.Time, note Annotation) (PingResult, error) {
	if token == "" {
		return PingResult{}, ErrInvalidToken
	}
	if observedAt.IsZero() {
		observedAt = r.engine.Now()
	}
	observedAt = observedAt.UTC().Truncate(time.Millisecond)

	lookupCtx, cancel := context.WithTimeout(ctx, r.engine.timeout)
	task, err := r.engine.store.GetByToken(lookupCtx, token)
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return PingResult{}, ErrInvalidToken
		}
		return PingResult{}, fmt.Errorf("resolve ping token: %w", err)
	}

	policy := r.engine.policy
	ev, err := r.engine.mutate(ctx, task.ID, func(current models.Task) (*change, error) {
		next, accepted := policy.applyPing(current, observedAt)
		if !accepted {
			sample := newSample(current, observedAt, models.SourceAudit)
			annotate(&sample, note)
			return &change{task: current, sample: sample, audit: true}, nil
		}
		sample := newSample(next, observedAt, models.SourcePing)
		annotate(&sample, note)
		return &change{task: next, sample: sample}, nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// deleted between lookup and lock
			return PingResult{}, ErrInvalidToken
		}
		return PingResult{}, fmt.Errorf("record ping for task %d: %w", task.ID, err)
	}

	r.engine.logger.Debug("ping received",
		"task_id", ev.Task.ID, "status", ev.To, "out_of_order", ev.Sample.Source == models.SourceAudit)

	return PingResult{
		TaskID:     ev.Task.ID,
		Status:     ev.To,
		OutOfOrder: ev.Sample.Source == models.SourceAudit,
	}, nil
}

func annotate(sample *models.Sample, note Annotation) {
	sample.Outcome = note.Outcome
	sample.DurationSeconds = note.DurationSeconds
}
