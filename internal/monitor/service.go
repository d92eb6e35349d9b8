package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/fuomag9/serverlord/internal/models"
	"github.com/fuomag9/serverlord/internal/store"
)

// ErrInvalidTask is returned when task input fails validation
var ErrInvalidTask = errors.New("invalid task")

// MaxIntervalSeconds caps the expected heartbeat interval at 30 days
const MaxIntervalSeconds = 30 * 24 * 60 * 60

// NewTask holds the fields an owner supplies when creating a task
type NewTask struct {
	OwnerID         int64
	Name            string
	IntervalSeconds int
	TaskNumber      int
}

// TaskService handles owner-initiated task changes. Edits and deletes take
// the same per-task lock as pings and sweeps.
type TaskService struct {
	engine *Engine
}

// NewTaskService creates a task service
func NewTaskService(engine *Engine) *TaskService {
	return &TaskService{engine: engine}
}

// Create registers a new pending task with a fresh ping token
func (s *TaskService) Create(ctx context.Context, in NewTask) (models.Task, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return models.Task{}, fmt.Errorf("%w: name is required", ErrInvalidTask)
	}
	if err := validateInterval(in.IntervalSeconds); err != nil {
		return models.Task{}, err
	}

	now := s.engine.Now()
	task := models.Task{
		OwnerID:         in.OwnerID,
		Name:            name,
		TaskNumber:      in.TaskNumber,
		IntervalSeconds: in.IntervalSeconds,
		PingToken:       uuid.NewString(),
		Status:          models.StatusPending,
		PreviousStatus:  models.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	sctx, cancel := context.WithTimeout(ctx, s.engine.timeout)
	defer cancel()

	created, err := s.engine.store.Create(sctx, task)
	if err != nil {
		return models.Task{}, fmt.Errorf("create task: %w", err)
	}

	s.engine.logger.Info("task created", "task_id", created.ID, "owner_id", created.OwnerID)
	return created, nil
}

// Get returns a task
func (s *TaskService) Get(ctx context.Context, id int64) (models.Task, error) {
	sctx, cancel := context.WithTimeout(ctx, s.engine.timeout)
	defer cancel()
	return s.engine.store.Get(sctx, id)
}

// List returns all tasks of an owner
func (s *TaskService) List(ctx context.Context, ownerID int64) ([]models.Task, error) {
	sctx, cancel := context.WithTimeout(ctx, s.engine.timeout)
	defer cancel()
	return s.engine.store.ListByOwner(sctx, ownerID)
}

// Update applies owner edits. Status and counters are owned by the engine
// and cannot be edited.
func (s *TaskService) Update(ctx context.Context, id int64, update store.TaskUpdate) (models.Task, error) {
	if update.Name != nil {
		name := strings.TrimSpace(*update.Name)
		if name == "" {
			return models.Task{}, fmt.Errorf("%w: name must not be empty", ErrInvalidTask)
		}
		update.Name = &name
	}
	if update.IntervalSeconds != nil {
		if err := validateInterval(*update.IntervalSeconds); err != nil {
			return models.Task{}, err
		}
	}

	var updated models.Task
	err := s.engine.withLock(ctx, id, func(sctx context.Context) error {
		var err error
		for attempt := 0; attempt < 2; attempt++ {
			updated, err = s.engine.store.Update(sctx, id, update)
			if !errors.Is(err, store.ErrConflict) {
				break
			}
		}
		return err
	})
	if err != nil {
		return models.Task{}, err
	}
	return updated, nil
}

// Delete removes a task and its samples
func (s *TaskService) Delete(ctx context.Context, id int64) error {
	err := s.engine.withLock(ctx, id, func(sctx context.Context) error {
		return s.engine.store.Delete(sctx, id)
	})
	if err != nil {
		return err
	}

	s.engine.locks.forget(id)
	s.engine.logger.Info("task deleted", "task_id", id)
	return nil
}

func validateInterval(seconds int) error {
	if seconds < 1 || seconds > MaxIntervalSeconds {
		return fmt.Errorf("%w: interval must be between 1 and %d seconds", ErrInvalidTask, MaxIntervalSeconds)
	}
	return nil
}
