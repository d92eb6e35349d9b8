// Package uptime derives uptime percentages and chart series from stored
// task samples.
package uptime

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/fuomag9/serverlord/internal/clock"
	"github.com/fuomag9/serverlord/internal/models"
	"github.com/fuomag9/serverlord/internal/store"
)

// Calculator calculates uptime statistics for tasks
type Calculator struct {
	store   store.TaskStore
	clock   clock.Clock
	timeout time.Duration
}

// NewCalculator creates a new uptime calculator
func NewCalculator(s store.TaskStore, c clock.Clock, timeout time.Duration) *Calculator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Calculator{store: s, clock: c, timeout: timeout}
}

// Point is one entry of a chart series
type Point struct {
	Timestamp        time.Time     `json:"timestamp"`
	Status           models.Status `json:"status"`
	UptimePercentage float64       `json:"uptime_percentage"`
	UptimeSeconds    float64       `json:"uptime_seconds"`
	DowntimeSeconds  float64       `json:"downtime_seconds"`
}

// UserPoint is one entry of an owner's combined series. Samples of all the
// owner's tasks taken at the same instant are merged into one point.
type UserPoint struct {
	Point
	AliveCount          int     `json:"alive_count"`
	DeadCount           int     `json:"dead_count"`
	TotalTaskCount      int     `json:"total_task_count"`
	AvgUptimePercentage float64 `json:"avg_uptime_percentage"`
	HealthScore         float64 `json:"health_score"`
}

// Percentage returns uptime / (uptime + downtime) as a fraction in [0, 1],
// or 0 when nothing has been observed yet
func Percentage(uptimeMS, downtimeMS int64) float64 {
	total := uptimeMS + downtimeMS
	if total <= 0 {
		return 0
	}
	return float64(uptimeMS) / float64(total)
}

// Series returns a task's samples within the window (0 means all history),
// deduplicated by timestamp, sorted ascending and downsampled to maxPoints.
// The task is read in the same snapshot as its samples.
func (c *Calculator) Series(ctx context.Context, taskID int64, window time.Duration, maxPoints int) (models.Task, []models.Sample, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	task, samples, err := c.store.Snapshot(ctx, taskID, c.since(window), time.Time{})
	if err != nil {
		return models.Task{}, nil, err
	}
	return task, Downsample(Dedupe(samples), maxPoints), nil
}

// Points converts samples to chart points
func Points(samples []models.Sample) []Point {
	points := make([]Point, 0, len(samples))
	for i := range samples {
		points = append(points, pointOf(&samples[i]))
	}
	return points
}

func pointOf(s *models.Sample) Point {
	return Point{
		Timestamp:        s.Timestamp,
		Status:           s.Status,
		UptimePercentage: Percentage(s.UptimeMS, s.DowntimeMS) * 100,
		UptimeSeconds:    s.UptimeSeconds(),
		DowntimeSeconds:  s.DowntimeSeconds(),
	}
}

// UserSeries merges the series of all the owner's tasks by timestamp and
// downsamples the result to maxPoints
func (c *Calculator) UserSeries(ctx context.Context, ownerID int64, window time.Duration, maxPoints int) ([]UserPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	tasks, err := c.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	since := c.since(window)
	var all []models.Sample
	for _, task := range tasks {
		samples, err := c.store.ListSamples(ctx, task.ID, since, time.Time{})
		if err != nil {
			return nil, fmt.Errorf("list samples of task %d: %w", task.ID, err)
		}
		all = append(all, Dedupe(samples)...)
	}

	return Downsample(Merge(all), maxPoints), nil
}

// Merge groups samples of different tasks by timestamp. A point is dead if
// any task was dead at that instant.
func Merge(samples []models.Sample) []UserPoint {
	byTime := make(map[int64]*UserPoint)
	percentSums := make(map[int64]float64)
	keys := make([]int64, 0)

	for i := range samples {
		s := &samples[i]
		key := s.Timestamp.UnixMilli()
		p, ok := byTime[key]
		if !ok {
			p = &UserPoint{Point: Point{Timestamp: s.Timestamp, Status: models.StatusAlive}}
			byTime[key] = p
			keys = append(keys, key)
		}

		p.UptimeSeconds += s.UptimeSeconds()
		p.DowntimeSeconds += s.DowntimeSeconds()
		percentSums[key] += Percentage(s.UptimeMS, s.DowntimeMS) * 100
		switch s.Status {
		case models.StatusAlive:
			p.AliveCount++
		case models.StatusDead:
			p.DeadCount++
			p.Status = models.StatusDead
		}
		p.TotalTaskCount++
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	points := make([]UserPoint, 0, len(keys))
	for _, key := range keys {
		p := byTime[key]
		total := p.UptimeSeconds + p.DowntimeSeconds
		if total > 0 {
			p.UptimePercentage = p.UptimeSeconds / total * 100
		}
		p.AvgUptimePercentage = percentSums[key] / float64(p.TotalTaskCount)
		if counted := p.AliveCount + p.DeadCount; counted > 0 {
			p.HealthScore = float64(p.AliveCount) / float64(counted) * 100
		}
		points = append(points, *p)
	}
	return points
}

// UserAggregate returns the mean uptime fraction across an owner's tasks,
// skipping tasks that have no observed time. With a non-zero window the
// fraction of each task covers only that window, measured from the counters
// of its first and last sample in range.
func (c *Calculator) UserAggregate(ctx context.Context, ownerID int64, window time.Duration) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	tasks, err := c.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return 0, err
	}

	var sum float64
	var counted int
	for _, task := range tasks {
		up, down := task.UptimeMS, task.DowntimeMS
		if window > 0 {
			samples, err := c.store.ListSamples(ctx, task.ID, c.since(window), time.Time{})
			if err != nil {
				return 0, fmt.Errorf("list samples of task %d: %w", task.ID, err)
			}
			up, down = windowTotals(samples)
		}
		if up+down == 0 {
			continue
		}
		sum += Percentage(up, down)
		counted++
	}

	if counted == 0 {
		return 0, nil
	}
	return sum / float64(counted), nil
}

// windowTotals returns how much the counters grew across the samples
func windowTotals(samples []models.Sample) (int64, int64) {
	if len(samples) < 2 {
		return 0, 0
	}
	first, last := samples[0], samples[len(samples)-1]
	return last.UptimeMS - first.UptimeMS, last.DowntimeMS - first.DowntimeMS
}

func (c *Calculator) since(window time.Duration) time.Time {
	if window <= 0 {
		return time.Time{}
	}
	return c.clock.Now().Add(-window)
}

// Dedupe sorts samples by timestamp and keeps the first sample seen for
// each timestamp
func Dedupe(samples []models.Sample) []models.Sample {
	sorted := make([]models.Sample, len(samples))
	copy(sorted, samples)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	out := sorted[:0]
	for i, s := range sorted {
		if i > 0 && s.Timestamp.Equal(out[len(out)-1].Timestamp) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Downsample picks at most maxPoints items by uniform stride, always keeping
// the first and the newest item. Items are never averaged. maxPoints <= 0
// disables downsampling.
func Downsample[T any](items []T, maxPoints int) []T {
	n := len(items)
	if maxPoints <= 0 || n <= maxPoints {
		return items
	}
	if maxPoints == 1 {
		return []T{items[n-1]}
	}

	out := make([]T, 0, maxPoints)
	for i := 0; i < maxPoints; i++ {
		idx := int(math.Round(float64(i) * float64(n-1) / float64(maxPoints-1)))
		out = append(out, items[idx])
	}
	return out
}

// ParseTimeRange parses the dashboard's range names (1h, 6h, 12h, 24h, 7d,
// 30d, 90d, all) or any Go duration. "all" returns 0.
func ParseTimeRange(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "all":
		return 0, nil
	case "":
		return 30 * 24 * time.Hour, nil
	}

	if strings.HasSuffix(s, "d") {
		var days int
		if _, err := fmt.Sscanf(s, "%dd", &days); err == nil && days > 0 && fmt.Sprintf("%dd", days) == s {
			return time.Duration(days) * 24 * time.Hour, nil
		}
		return 0, fmt.Errorf("invalid time range %q", s)
	}

	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid time range %q", s)
	}
	return d, nil
}
