package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/fuomag9/serverlord/internal/models"
)

// PostgresStore is a GORM-backed implementation of TaskStore
type PostgresStore struct {
	db *gorm.DB
}

// Compile-time assertion that PostgresStore implements TaskStore.
var _ TaskStore = (*PostgresStore)(nil)

// NewPostgresStore wraps an open GORM connection. The schema is expected to
// be migrated already (see internal/database).
func NewPostgresStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// translate maps GORM and driver errors onto the store's error taxonomy
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict), errors.Is(err, ErrStorageUnavailable):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
}

// Create adds a new task and assigns its ID
func (s *PostgresStore) Create(ctx context.Context, task models.Task) (models.Task, error) {
	task.ID = 0
	task.Version = 1
	if err := s.db.WithContext(ctx).Create(&task).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return models.Task{}, fmt.Errorf("%w: duplicate ping token", ErrConflict)
		}
		return models.Task{}, translate(err)
	}
	return task, nil
}

// Get retrieves a task by ID
func (s *PostgresStore) Get(ctx context.Context, id int64) (models.Task, error) {
	var task models.Task
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&task).Error
	return task, translate(err)
}

// GetByToken retrieves a task by its ping token
func (s *PostgresStore) GetByToken(ctx context.Context, token string) (models.Task, error) {
	var task models.Task
	err := s.db.WithContext(ctx).Where("ping_token = ?", token).First(&task).Error
	return task, translate(err)
}

// Update applies owner edits to a task, bumping its version
func (s *PostgresStore) Update(ctx context.Context, id int64, update TaskUpdate) (models.Task, error) {
	var task models.Task
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&task).Error; err != nil {
			return err
		}

		changes := map[string]interface{}{
			"version":    task.Version + 1,
			"updated_at": time.Now().UTC(),
		}
		if update.Name != nil {
			changes["name"] = *update.Name
		}
		if update.IntervalSeconds != nil {
			changes["interval_seconds"] = *update.IntervalSeconds
		}
		if update.TaskNumber != nil {
			changes["task_number"] = *update.TaskNumber
		}

		result := tx.Model(&models.Task{}).
			Where("id = ? AND version = ?", id, task.Version).
			Updates(changes)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrConflict
		}

		return tx.Where("id = ?", id).First(&task).Error
	})
	if err != nil {
		return models.Task{}, translate(err)
	}
	return task, nil
}

// Delete removes a task and all of its samples in one transaction
func (s *PostgresStore) Delete(ctx context.Context, id int64) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("task_id = ?", id).Delete(&models.Sample{}).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", id).Delete(&models.Task{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	return translate(err)
}

// ListByOwner returns all tasks of an owner ordered by ID
func (s *PostgresStore) ListByOwner(ctx context.Context, ownerID int64) ([]models.Task, error) {
	tasks := []models.Task{}
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("id ASC").
		Find(&tasks).Error
	return tasks, translate(err)
}

// ListMonitored returns every non-pending task ordered by ID
func (s *PostgresStore) ListMonitored(ctx context.Context) ([]models.Task, error) {
	tasks := []models.Task{}
	err := s.db.WithContext(ctx).
		Where("status <> ?", models.StatusPending).
		Order("id ASC").
		Find(&tasks).Error
	return tasks, translate(err)
}

// Save writes task state and appends sample in one transaction. The row is
// only written if its version still matches; otherwise ErrConflict.
func (s *PostgresStore) Save(ctx context.Context, task models.Task, sample models.Sample) (models.Task, error) {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Task{}).
			Where("id = ? AND version = ?", task.ID, task.Version).
			Updates(map[string]interface{}{
				"status":          task.Status,
				"previous_status": task.PreviousStatus,
				"last_ping_at":    task.LastPingAt,
				"accounted_at":    task.AccountedAt,
				"uptime_ms":       task.UptimeMS,
				"downtime_ms":     task.DowntimeMS,
				"version":         task.Version + 1,
				"updated_at":      now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&models.Task{}).Where("id = ?", task.ID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ErrNotFound
			}
			return ErrConflict
		}

		sample.ID = 0
		sample.TaskID = task.ID
		return tx.Create(&sample).Error
	})
	if err != nil {
		return models.Task{}, translate(err)
	}

	task.Version++
	task.UpdatedAt = now
	return task, nil
}

// AppendSample appends a sample to a task's series
func (s *PostgresStore) AppendSample(ctx context.Context, sample models.Sample) error {
	sample.ID = 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Task{}).Where("id = ?", sample.TaskID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		return tx.Create(&sample).Error
	})
	return translate(err)
}

func samplesQuery(tx *gorm.DB, taskID int64, since, until time.Time) *gorm.DB {
	query := tx.Where("task_id = ?", taskID)
	if !since.IsZero() {
		query = query.Where("timestamp >= ?", since)
	}
	if !until.IsZero() {
		query = query.Where("timestamp <= ?", until)
	}
	return query.Order("timestamp ASC").Order("id ASC")
}

// ListSamples returns a task's samples within the range ordered by timestamp
func (s *PostgresStore) ListSamples(ctx context.Context, taskID int64, since, until time.Time) ([]models.Sample, error) {
	samples := []models.Sample{}
	err := samplesQuery(s.db.WithContext(ctx), taskID, since, until).Find(&samples).Error
	return samples, translate(err)
}

// Snapshot reads a task and its samples inside one repeatable-read transaction
func (s *PostgresStore) Snapshot(ctx context.Context, taskID int64, since, until time.Time) (models.Task, []models.Sample, error) {
	var task models.Task
	samples := []models.Sample{}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", taskID).First(&task).Error; err != nil {
			return err
		}
		return samplesQuery(tx, taskID, since, until).Find(&samples).Error
	}, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return models.Task{}, nil, translate(err)
	}
	return task, samples, nil
}

// PruneSamples enforces the retention policy on every task
func (s *PostgresStore) PruneSamples(ctx context.Context, policy RetentionPolicy) (int64, error) {
	var removed int64
	db := s.db.WithContext(ctx)

	if !policy.OlderThan.IsZero() {
		result := db.Where("timestamp < ?", policy.OlderThan).Delete(&models.Sample{})
		if result.Error != nil {
			return removed, translate(result.Error)
		}
		removed += result.RowsAffected
	}

	if policy.KeepLast > 0 {
		result := db.Exec(`
			DELETE FROM samples
			WHERE id IN (
				SELECT id FROM (
					SELECT id, ROW_NUMBER() OVER (
						PARTITION BY task_id ORDER BY timestamp DESC, id DESC
					) AS rn
					FROM samples
				) ranked
				WHERE ranked.rn > ?
			)
		`, policy.KeepLast)
		if result.Error != nil {
			return removed, translate(result.Error)
		}
		removed += result.RowsAffected
	}

	return removed, nil
}

// Close closes the underlying connection pool
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
