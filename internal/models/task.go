package models

import "time"

// Task represents a monitored process that reports heartbeats
type Task struct {
	ID              int64      `json:"id" gorm:"primaryKey;autoIncrement"`
	OwnerID         int64      `json:"user_id" gorm:"column:owner_id;not null;index"`
	Name            string     `json:"name" gorm:"not null"`
	TaskNumber      int        `json:"task_number" gorm:"default:0"`
	IntervalSeconds int        `json:"interval" gorm:"column:interval_seconds;not null"`
	PingToken       string     `json:"-" gorm:"uniqueIndex;not null"`
	Status          Status     `json:"status" gorm:"type:varchar(16);not null;index"`
	PreviousStatus  Status     `json:"previous_status" gorm:"type:varchar(16);not null"`
	LastPingAt      *time.Time `json:"last_ping"`
	AccountedAt     *time.Time `json:"last_checked"` // accounting cursor: elapsed time before it is attributed
	UptimeMS        int64      `json:"-" gorm:"column:uptime_ms;not null;default:0"`
	DowntimeMS      int64      `json:"-" gorm:"column:downtime_ms;not null;default:0"`
	Version         int64      `json:"-" gorm:"not null;default:0"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TableName specifies the table name for Task
func (Task) TableName() string {
	return "tasks"
}

// Interval returns the expected maximum gap between heartbeats
func (t *Task) Interval() time.Duration {
	return time.Duration(t.IntervalSeconds) * time.Second
}

// UptimeSeconds returns the cumulative uptime in seconds
func (t *Task) UptimeSeconds() float64 {
	return float64(t.UptimeMS) / 1000
}

// DowntimeSeconds returns the cumulative downtime in seconds
func (t *Task) DowntimeSeconds() float64 {
	return float64(t.DowntimeMS) / 1000
}

// Deadline returns the instant after which a silent task counts as dead.
// Pending tasks have no deadline.
func (t *Task) Deadline(grace time.Duration) (time.Time, bool) {
	if t.LastPingAt == nil {
		return time.Time{}, false
	}
	return t.LastPingAt.Add(t.Interval() + grace), true
}
