// Package store holds durable task and sample state.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/fuomag9/serverlord/internal/models"
)

var (
	// ErrNotFound is returned when a task does not exist
	ErrNotFound = errors.New("task not found")
	// ErrStorageUnavailable is returned when the backend fails or times out
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrConflict is returned when a task changed since it was read
	ErrConflict = errors.New("concurrent task modification")
)

// TaskUpdate contains owner-editable fields of a task. Nil fields are left unchanged.
type TaskUpdate struct {
	Name            *string
	IntervalSeconds *int
	TaskNumber      *int
}

// Empty reports whether the update changes nothing
func (u TaskUpdate) Empty() bool {
	return u.Name == nil && u.IntervalSeconds == nil && u.TaskNumber == nil
}

// RetentionPolicy bounds sample growth
type RetentionPolicy struct {
	// OlderThan drops samples with a timestamp before this instant (zero disables)
	OlderThan time.Time
	// KeepLast keeps at most this many newest samples per task (0 disables)
	KeepLast int
}

// TaskStore defines durable storage of tasks and their samples.
//
// Mutations of a single task are expected to be serialized by the caller;
// Save and Update additionally enforce an optimistic version check so that a
// writer in another process is detected as ErrConflict.
type TaskStore interface {
	Create(ctx context.Context, task models.Task) (models.Task, error)
	Get(ctx context.Context, id int64) (models.Task, error)
	GetByToken(ctx context.Context, token string) (models.Task, error)
	Update(ctx context.Context, id int64, update TaskUpdate) (models.Task, error)
	Delete(ctx context.Context, id int64) error
	ListByOwner(ctx context.Context, ownerID int64) ([]models.Task, error)
	// ListMonitored returns every task that has left pending
	ListMonitored(ctx context.Context) ([]models.Task, error)

	// Save writes task state (matching task.Version) and appends sample in
	// one atomic step. The returned task carries the new version.
	Save(ctx context.Context, task models.Task, sample models.Sample) (models.Task, error)
	AppendSample(ctx context.Context, sample models.Sample) error
	// ListSamples returns samples with since <= timestamp <= until ordered by
	// timestamp; a zero bound is open.
	ListSamples(ctx context.Context, taskID int64, since, until time.Time) ([]models.Sample, error)
	// Snapshot reads a task and its samples as of one consistent point
	Snapshot(ctx context.Context, taskID int64, since, until time.Time) (models.Task, []models.Sample, error)
	PruneSamples(ctx context.Context, policy RetentionPolicy) (int64, error)

	Close() error
}

// inRange reports whether ts lies within the optional bounds
func inRange(ts, since, until time.Time) bool {
	if !since.IsZero() && ts.Before(since) {
		return false
	}
	if !until.IsZero() && ts.After(until) {
		return false
	}
	return true
}
