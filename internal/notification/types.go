package notification

import (
	"context"
	"time"

	"github.com/fuomag9/serverlord/internal/models"
)

// Sender delivers a transition message to an external collaborator
type Sender interface {
	// Name returns the unique identifier for this sender
	Name() string

	// Send delivers one message
	Send(ctx context.Context, message *Message) error
}

// Message describes a task status transition
type Message struct {
	Title           string        `json:"title"`
	Body            string        `json:"body"`
	TaskID          int64         `json:"task_id"`
	TaskName        string        `json:"task_name"`
	OwnerID         int64         `json:"user_id"`
	Status          models.Status `json:"status"`
	PreviousStatus  models.Status `json:"previous_status"`
	LastPing        *time.Time    `json:"last_ping"`
	Time            time.Time     `json:"time"`
	UptimeSeconds   float64       `json:"uptime_seconds"`
	DowntimeSeconds float64       `json:"downtime_seconds"`
	Important       bool          `json:"important"`
}
