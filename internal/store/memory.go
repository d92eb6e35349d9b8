package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/fuomag9/serverlord/internal/models"
)

// MemoryStore is a thread-safe in-memory implementation of TaskStore.
// Each task owns its samples behind one lock, so a task and its samples are
// always read and written together.
type MemoryStore struct {
	tasks    *xsync.Map[int64, *taskEntry]
	tokens   *xsync.Map[string, int64]
	nextID   atomic.Int64
	sampleID atomic.Int64
}

type taskEntry struct {
	mu      sync.RWMutex
	task    models.Task
	samples []models.Sample
	deleted bool
}

// Compile-time assertion that MemoryStore implements TaskStore.
var _ TaskStore = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:  xsync.NewMap[int64, *taskEntry](),
		tokens: xsync.NewMap[string, int64](),
	}
}

func checkContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// entry returns the live entry for id with its lock held
func (s *MemoryStore) entry(id int64, write bool) (*taskEntry, error) {
	e, ok := s.tasks.Load(id)
	if !ok {
		return nil, ErrNotFound
	}
	if write {
		e.mu.Lock()
	} else {
		e.mu.RLock()
	}
	if e.deleted {
		if write {
			e.mu.Unlock()
		} else {
			e.mu.RUnlock()
		}
		return nil, ErrNotFound
	}
	return e, nil
}

// Create adds a new task and assigns its ID
func (s *MemoryStore) Create(ctx context.Context, task models.Task) (models.Task, error) {
	if err := checkContext(ctx); err != nil {
		return models.Task{}, err
	}

	id := s.nextID.Add(1)
	if _, loaded := s.tokens.LoadOrStore(task.PingToken, id); loaded {
		return models.Task{}, fmt.Errorf("%w: duplicate ping token", ErrConflict)
	}

	task.ID = id
	task.Version = 1
	s.tasks.Store(id, &taskEntry{task: task})
	return task, nil
}

// Get retrieves a task by ID
func (s *MemoryStore) Get(ctx context.Context, id int64) (models.Task, error) {
	if err := checkContext(ctx); err != nil {
		return models.Task{}, err
	}

	e, err := s.entry(id, false)
	if err != nil {
		return models.Task{}, err
	}
	defer e.mu.RUnlock()

	return e.task, nil
}

// GetByToken retrieves a task by its ping token
func (s *MemoryStore) GetByToken(ctx context.Context, token string) (models.Task, error) {
	if err := checkContext(ctx); err != nil {
		return models.Task{}, err
	}

	id, ok := s.tokens.Load(token)
	if !ok {
		return models.Task{}, ErrNotFound
	}
	return s.Get(ctx, id)
}

// Update applies owner edits to a task
func (s *MemoryStore) Update(ctx context.Context, id int64, update TaskUpdate) (models.Task, error) {
	if err := checkContext(ctx); err != nil {
		return models.Task{}, err
	}

	e, err := s.entry(id, true)
	if err != nil {
		return models.Task{}, err
	}
	defer e.mu.Unlock()

	if update.Name != nil {
		e.task.Name = *update.Name
	}
	if update.IntervalSeconds != nil {
		e.task.IntervalSeconds = *update.IntervalSeconds
	}
	if update.TaskNumber != nil {
		e.task.TaskNumber = *update.TaskNumber
	}
	e.task.UpdatedAt = time.Now().UTC()
	e.task.Version++

	return e.task, nil
}

// Delete removes a task together with all of its samples
func (s *MemoryStore) Delete(ctx context.Context, id int64) error {
	if err := checkContext(ctx); err != nil {
		return err
	}

	e, err := s.entry(id, true)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	e.deleted = true
	e.samples = nil
	s.tokens.Delete(e.task.PingToken)
	s.tasks.Delete(id)
	return nil
}

// ListByOwner returns all tasks of an owner ordered by ID
func (s *MemoryStore) ListByOwner(ctx context.Context, ownerID int64) ([]models.Task, error) {
	return s.list(ctx, func(t *models.Task) bool { return t.OwnerID == ownerID })
}

// ListMonitored returns every non-pending task ordered by ID
func (s *MemoryStore) ListMonitored(ctx context.Context) ([]models.Task, error) {
	return s.list(ctx, func(t *models.Task) bool { return t.Status != models.StatusPending })
}

func (s *MemoryStore) list(ctx context.Context, keep func(*models.Task) bool) ([]models.Task, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	tasks := make([]models.Task, 0)
	s.tasks.Range(func(_ int64, e *taskEntry) bool {
		e.mu.RLock()
		if !e.deleted && keep(&e.task) {
			tasks = append(tasks, e.task)
		}
		e.mu.RUnlock()
		return true
	})

	slices.SortFunc(tasks, func(a, b models.Task) int { return cmp.Compare(a.ID, b.ID) })
	return tasks, nil
}

// Save writes task state and appends sample atomically
func (s *MemoryStore) Save(ctx context.Context, task models.Task, sample models.Sample) (models.Task, error) {
	if err := checkContext(ctx); err != nil {
		return models.Task{}, err
	}

	e, err := s.entry(task.ID, true)
	if err != nil {
		return models.Task{}, err
	}
	defer e.mu.Unlock()

	if e.task.Version != task.Version {
		return models.Task{}, ErrConflict
	}

	task.Version++
	task.UpdatedAt = time.Now().UTC()
	e.task = task

	sample.TaskID = task.ID
	sample.ID = s.sampleID.Add(1)
	e.samples = append(e.samples, sample)

	return task, nil
}

// AppendSample appends a sample to a task's series
func (s *MemoryStore) AppendSample(ctx context.Context, sample models.Sample) error {
	if err := checkContext(ctx); err != nil {
		return err
	}

	e, err := s.entry(sample.TaskID, true)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	sample.ID = s.sampleID.Add(1)
	e.samples = append(e.samples, sample)
	return nil
}

// ListSamples returns a task's samples within the range ordered by timestamp
func (s *MemoryStore) ListSamples(ctx context.Context, taskID int64, since, until time.Time) ([]models.Sample, error) {
	_, samples, err := s.Snapshot(ctx, taskID, since, until)
	if errors.Is(err, ErrNotFound) {
		return []models.Sample{}, nil
	}
	return samples, err
}

// Snapshot returns a task and its samples under one read lock
func (s *MemoryStore) Snapshot(ctx context.Context, taskID int64, since, until time.Time) (models.Task, []models.Sample, error) {
	if err := checkContext(ctx); err != nil {
		return models.Task{}, nil, err
	}

	e, err := s.entry(taskID, false)
	if err != nil {
		return models.Task{}, nil, err
	}
	defer e.mu.RUnlock()

	samples := make([]models.Sample, 0, len(e.samples))
	for _, sample := range e.samples {
		if inRange(sample.Timestamp, since, until) {
			samples = append(samples, sample)
		}
	}
	sortSamples(samples)

	return e.task, samples, nil
}

// PruneSamples enforces the retention policy on every task
func (s *MemoryStore) PruneSamples(ctx context.Context, policy RetentionPolicy) (int64, error) {
	if err := checkContext(ctx); err != nil {
		return 0, err
	}

	var removed int64
	s.tasks.Range(func(_ int64, e *taskEntry) bool {
		e.mu.Lock()
		defer e.mu.Unlock()

		before := len(e.samples)
		if !policy.OlderThan.IsZero() {
			e.samples = slices.DeleteFunc(e.samples, func(sample models.Sample) bool {
				return sample.Timestamp.Before(policy.OlderThan)
			})
		}
		if policy.KeepLast > 0 && len(e.samples) > policy.KeepLast {
			sortSamples(e.samples)
			e.samples = slices.Clone(e.samples[len(e.samples)-policy.KeepLast:])
		}
		removed += int64(before - len(e.samples))
		return ctx.Err() == nil
	})

	return removed, nil
}

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error {
	return nil
}

// sortSamples orders samples by timestamp, keeping insertion order for ties
func sortSamples(samples []models.Sample) {
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].Timestamp.Before(samples[j].Timestamp)
	})
}
