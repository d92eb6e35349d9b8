package notification

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fuomag9/serverlord/internal/models"
	"github.com/fuomag9/serverlord/internal/monitor"
)

// Dispatcher turns alive/dead transitions into messages and hands them to a
// sender from a background queue, so the engine never waits on delivery
type Dispatcher struct {
	sender  Sender
	queue   chan *Message
	timeout time.Duration
	logger  *slog.Logger
}

// Compile-time assertion that Dispatcher observes engine events.
var _ monitor.Observer = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher with a queue of the given size
func NewDispatcher(sender Sender, queueSize int, logger *slog.Logger) *Dispatcher {
	if queueSize < 1 {
		queueSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sender:  sender,
		queue:   make(chan *Message, queueSize),
		timeout: 15 * time.Second,
		logger:  logger,
	}
}

// TaskChanged queues a message for alive->dead and dead->alive transitions.
// The first ping of a task is not reported.
func (d *Dispatcher) TaskChanged(e monitor.Event) {
	msg := messageFor(e)
	if msg == nil {
		return
	}

	select {
	case d.queue <- msg:
	default:
		d.logger.Warn("notification queue full, dropping message",
			"task_id", e.Task.ID, "sender", d.sender.Name())
	}
}

// Run delivers queued messages until ctx is done
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-d.queue:
			sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
			err := d.sender.Send(sendCtx, msg)
			cancel()
			if err != nil {
				d.logger.Error("failed to send notification",
					"sender", d.sender.Name(), "task_id", msg.TaskID, "status", msg.Status, "err", err)
			}
		}
	}
}

func messageFor(e monitor.Event) *Message {
	if !e.Transition() || e.From == models.StatusPending {
		return nil
	}

	t := e.Task
	msg := &Message{
		TaskID:          t.ID,
		TaskName:        t.Name,
		OwnerID:         t.OwnerID,
		Status:          e.To,
		PreviousStatus:  e.From,
		LastPing:        t.LastPingAt,
		Time:            e.Sample.Timestamp,
		UptimeSeconds:   t.UptimeSeconds(),
		DowntimeSeconds: t.DowntimeSeconds(),
	}

	switch e.To {
	case models.StatusDead:
		msg.Title = "Task is DEAD"
		msg.Body = fmt.Sprintf("%s missed its heartbeat (expected every %ds)", t.Name, t.IntervalSeconds)
		msg.Important = true
	case models.StatusAlive:
		msg.Title = "Task is ALIVE"
		msg.Body = fmt.Sprintf("%s is sending heartbeats again", t.Name)
	default:
		return nil
	}
	return msg
}
