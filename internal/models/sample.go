package models

import "time"

// SampleSource records which component produced a sample
type SampleSource string

const (
	SourcePing  SampleSource = "ping"
	SourceSweep SampleSource = "sweep"
	SourceAudit SampleSource = "audit" // out-of-order ping, no duration change
)

// PingOutcome is the optional status annotation on a ping
type PingOutcome string

const (
	OutcomeNone    PingOutcome = ""
	OutcomeStarted PingOutcome = "started"
	OutcomeSuccess PingOutcome = "success"
	OutcomeFailure PingOutcome = "failure"
)

// ParsePingOutcome parses a ping status annotation. "completed" is accepted
// as an alias of success.
func ParsePingOutcome(s string) (PingOutcome, bool) {
	switch s {
	case "":
		return OutcomeNone, true
	case "started":
		return OutcomeStarted, true
	case "success", "completed":
		return OutcomeSuccess, true
	case "failure":
		return OutcomeFailure, true
	}
	return OutcomeNone, false
}

// Sample is an immutable time-series observation of a task
type Sample struct {
	ID              int64        `json:"id" gorm:"primaryKey;autoIncrement"`
	TaskID          int64        `json:"task_id" gorm:"not null;index:idx_samples_task_time"`
	Timestamp       time.Time    `json:"timestamp" gorm:"not null;index:idx_samples_task_time"`
	Status          Status       `json:"status" gorm:"type:varchar(16);not null"`
	UptimeMS        int64        `json:"-" gorm:"column:uptime_ms;not null"`
	DowntimeMS      int64        `json:"-" gorm:"column:downtime_ms;not null"`
	Source          SampleSource `json:"source" gorm:"type:varchar(16);not null"`
	Outcome         PingOutcome  `json:"outcome,omitempty" gorm:"type:varchar(16)"`
	DurationSeconds *float64     `json:"duration,omitempty"`
}

// TableName specifies the table name for Sample
func (Sample) TableName() string {
	return "samples"
}

// UptimeSeconds returns the cumulative uptime at the time of the sample
func (s *Sample) UptimeSeconds() float64 {
	return float64(s.UptimeMS) / 1000
}

// DowntimeSeconds returns the cumulative downtime at the time of the sample
func (s *Sample) DowntimeSeconds() float64 {
	return float64(s.DowntimeMS) / 1000
}
