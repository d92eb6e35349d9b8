package monitor

import (
	"fmt"
	"time"

	"github.com/fuomag9/serverlord/internal/models"
)

// Attribution decides how the silent gap after a missed heartbeat is split
// between uptime and downtime.
type Attribution int

const (
	// AttributeAtDeadline counts time up to last_ping + interval + grace as
	// uptime and the remainder as downtime.
	AttributeAtDeadline Attribution = iota
	// AttributeAtLastPing holds time after a ping until it is confirmed by the
	// next ping (uptime) or the deadline is missed (the whole gap is downtime).
	AttributeAtLastPing
)

// ParseAttribution parses "deadline" or "last_ping"
func ParseAttribution(s string) (Attribution, error) {
	switch s {
	case "", "deadline":
		return AttributeAtDeadline, nil
	case "last_ping":
		return AttributeAtLastPing, nil
	}
	return AttributeAtDeadline, fmt.Errorf("unknown attribution policy %q", s)
}

func (a Attribution) String() string {
	if a == AttributeAtLastPing {
		return "last_ping"
	}
	return "deadline"
}

// Policy holds the accounting rules. All functions on it are pure: they take
// a task and an instant and return the task as it should be stored.
//
// Every task past its first ping carries an accounting cursor (AccountedAt).
// Each step attributes exactly [cursor, t) and moves the cursor to t, so no
// interval is counted twice or skipped whichever of ping and sweep runs first.
type Policy struct {
	GracePeriod        time.Duration
	Attribution        Attribution
	CountPendingUptime bool
}

// Overdue reports whether a non-pending task has missed its deadline at now
func (p Policy) Overdue(t *models.Task, now time.Time) bool {
	deadline, ok := t.Deadline(p.GracePeriod)
	return ok && now.After(deadline)
}

// applyPing accounts a heartbeat observed at the given instant. The second
// return is false for an out-of-order ping, which must not change the task.
func (p Policy) applyPing(t models.Task, at time.Time) (models.Task, bool) {
	if t.LastPingAt != nil && at.Before(*t.LastPingAt) {
		return t, false
	}

	switch t.Status {
	case models.StatusPending:
		if p.CountPendingUptime && at.After(t.CreatedAt) {
			t.UptimeMS += at.Sub(t.CreatedAt).Milliseconds()
		}
		t.AccountedAt = timePtr(at)
	case models.StatusAlive:
		p.accrueAlive(&t, at, true)
	case models.StatusDead:
		accrueDead(&t, at)
	}

	t = transition(t, models.StatusAlive)
	t.LastPingAt = timePtr(at)
	return t, true
}

// applySweep accounts elapsed time at now and flips an overdue alive task to
// dead. The second return is false when there is nothing to record: pending
// tasks, or a tick that is older than the task's cursor and changes nothing.
func (p Policy) applySweep(t models.Task, now time.Time) (models.Task, bool) {
	if t.Status == models.StatusPending || t.AccountedAt == nil {
		return t, false
	}

	overdue := p.Overdue(&t, now)
	if !now.After(*t.AccountedAt) && !(t.Status == models.StatusAlive && overdue) {
		return t, false
	}

	switch t.Status {
	case models.StatusAlive:
		p.accrueAlive(&t, now, false)
		if overdue {
			t = transition(t, models.StatusDead)
		}
	case models.StatusDead:
		accrueDead(&t, now)
	}
	return t, true
}

// accrueAlive attributes [cursor, to) of an alive task
func (p Policy) accrueAlive(t *models.Task, to time.Time, confirmed bool) {
	from := *t.AccountedAt
	if !to.After(from) {
		return
	}
	deadline, _ := t.Deadline(p.GracePeriod)

	switch p.Attribution {
	case AttributeAtLastPing:
		if !to.After(deadline) {
			if !confirmed {
				// not yet known whether this stretch was up
				return
			}
			t.UptimeMS += to.Sub(from).Milliseconds()
		} else {
			t.DowntimeMS += to.Sub(from).Milliseconds()
		}
	default:
		boundary := deadline
		if boundary.Before(from) {
			boundary = from
		}
		if boundary.After(to) {
			boundary = to
		}
		t.UptimeMS += boundary.Sub(from).Milliseconds()
		t.DowntimeMS += to.Sub(boundary).Milliseconds()
	}
	t.AccountedAt = timePtr(to)
}

// accrueDead attributes [cursor, to) of a dead task as downtime
func accrueDead(t *models.Task, to time.Time) {
	from := *t.AccountedAt
	if !to.After(from) {
		return
	}
	t.DowntimeMS += to.Sub(from).Milliseconds()
	t.AccountedAt = timePtr(to)
}

// transition moves the task to next, remembering the status it left
func transition(t models.Task, next models.Status) models.Task {
	status, err := t.Status.Transition(next)
	if err != nil || status == t.Status {
		return t
	}
	t.PreviousStatus = t.Status
	t.Status = status
	return t
}

func newSample(t models.Task, at time.Time, source models.SampleSource) models.Sample {
	return models.Sample{
		TaskID:     t.ID,
		Timestamp:  at,
		Status:     t.Status,
		UptimeMS:   t.UptimeMS,
		DowntimeMS: t.DowntimeMS,
		Source:     source,
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
