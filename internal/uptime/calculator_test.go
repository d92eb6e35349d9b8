package uptime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fuomag9/serverlord/internal/clock"
	"github.com/fuomag9/serverlord/internal/models"
	"github.com/fuomag9/serverlord/internal/store"
)

var t0 = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

func sample(offset time.Duration, status models.Status, up, down int64) models.Sample {
	return models.Sample{
		Timestamp:  t0.Add(offset),
		Status:     status,
		UptimeMS:   up,
		DowntimeMS: down,
		Source:     models.SourceSweep,
	}
}

func TestPercentage(t *testing.T) {
	require.InDelta(t, 0.9, Percentage(90_000, 10_000), 1e-9)
	require.Equal(t, 0.0, Percentage(0, 0))
	require.Equal(t, 1.0, Percentage(5, 0))
	require.Equal(t, 0.0, Percentage(0, 5))
}

func TestDedupeKeepsFirstOccurrence(t *testing.T) {
	samples := []models.Sample{
		sample(2*time.Second, models.StatusAlive, 2, 0),
		sample(time.Second, models.StatusAlive, 1, 0),
		sample(2*time.Second, models.StatusDead, 99, 99),
		sample(0, models.StatusAlive, 0, 0),
	}

	out := Dedupe(samples)
	require.Len(t, out, 3)
	require.True(t, out[0].Timestamp.Equal(t0))
	require.Equal(t, int64(2), out[2].UptimeMS)
	// the input is left untouched
	require.True(t, samples[0].Timestamp.Equal(t0.Add(2*time.Second)))
}

func TestDownsample(t *testing.T) {
	var samples []models.Sample
	for i := range 9 {
		samples = append(samples, sample(time.Duration(i)*time.Minute, models.StatusAlive, int64(i), 0))
	}

	out := Downsample(samples, 3)
	require.Len(t, out, 3)
	require.Equal(t, int64(0), out[0].UptimeMS)
	require.Equal(t, int64(4), out[1].UptimeMS)
	require.Equal(t, int64(8), out[2].UptimeMS)

	require.Len(t, Downsample(samples, 20), 9)
	require.Len(t, Downsample(samples, 0), 9)

	newest := Downsample(samples, 1)
	require.Len(t, newest, 1)
	require.Equal(t, int64(8), newest[0].UptimeMS)

	ints := Downsample([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, 4)
	require.Equal(t, []int{0, 3, 6, 9}, ints)
}

func TestMerge(t *testing.T) {
	samples := []models.Sample{
		sample(0, models.StatusAlive, 10_000, 0),
		sample(0, models.StatusDead, 5_000, 5_000),
		sample(time.Minute, models.StatusAlive, 20_000, 0),
	}

	points := Merge(samples)
	require.Len(t, points, 2)

	first := points[0]
	require.Equal(t, models.StatusDead, first.Status)
	require.Equal(t, 1, first.AliveCount)
	require.Equal(t, 1, first.DeadCount)
	require.Equal(t, 2, first.TotalTaskCount)
	require.InDelta(t, 15.0, first.UptimeSeconds, 1e-9)
	require.InDelta(t, 5.0, first.DowntimeSeconds, 1e-9)
	require.InDelta(t, 75.0, first.UptimePercentage, 1e-9)
	require.InDelta(t, 75.0, first.AvgUptimePercentage, 1e-9)
	require.InDelta(t, 50.0, first.HealthScore, 1e-9)

	require.Equal(t, models.StatusAlive, points[1].Status)
	require.InDelta(t, 100.0, points[1].HealthScore, 1e-9)
}

func TestParseTimeRange(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"1h", time.Hour, false},
		{"6h", 6 * time.Hour, false},
		{"24h", 24 * time.Hour, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"90D", 90 * 24 * time.Hour, false},
		{"all", 0, false},
		{"", 30 * 24 * time.Hour, false},
		{"90m", 90 * time.Minute, false},
		{"0d", 0, true},
		{"7dd", 0, true},
		{"-1h", 0, true},
		{"forever", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimeRange(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func seed(t *testing.T, s store.TaskStore, owner int64, token string, up, down int64) models.Task {
	t.Helper()
	task, err := s.Create(t.Context(), models.Task{
		OwnerID:         owner,
		Name:            token,
		IntervalSeconds: 60,
		PingToken:       token,
		Status:          models.StatusPending,
		PreviousStatus:  models.StatusPending,
		CreatedAt:       t0,
	})
	require.NoError(t, err)

	if up+down == 0 {
		return task
	}

	ping := t0
	accounted := t0.Add(time.Duration(up+down) * time.Millisecond)
	task.Status = models.StatusAlive
	task.LastPingAt = &ping
	task.AccountedAt = &accounted
	task.UptimeMS = up
	task.DowntimeMS = down
	saved, err := s.Save(t.Context(), task, models.Sample{
		TaskID:     task.ID,
		Timestamp:  accounted,
		Status:     models.StatusAlive,
		UptimeMS:   up,
		DowntimeMS: down,
		Source:     models.SourceSweep,
	})
	require.NoError(t, err)
	return saved
}

func TestCalculatorUserAggregate(t *testing.T) {
	s := store.NewMemoryStore()
	calc := NewCalculator(s, clock.NewManual(t0.Add(time.Hour)), time.Second)

	seed(t, s, 1, "a", 90_000, 10_000)
	seed(t, s, 1, "b", 50_000, 50_000)
	seed(t, s, 1, "never-pinged", 0, 0)
	seed(t, s, 2, "other-owner", 0, 100_000)

	avg, err := calc.UserAggregate(t.Context(), 1, 0)
	require.NoError(t, err)
	require.InDelta(t, 0.7, avg, 1e-9)

	none, err := calc.UserAggregate(t.Context(), 3, 0)
	require.NoError(t, err)
	require.Equal(t, 0.0, none)
}

func TestCalculatorSeries(t *testing.T) {
	s := store.NewMemoryStore()
	now := t0.Add(24 * time.Hour)
	calc := NewCalculator(s, clock.NewManual(now), time.Second)

	task := seed(t, s, 1, "series", 0, 0)
	for i := range 10 {
		at := now.Add(-time.Duration(10-i) * time.Hour)
		require.NoError(t, s.AppendSample(t.Context(), models.Sample{
			TaskID:    task.ID,
			Timestamp: at,
			Status:    models.StatusAlive,
			UptimeMS:  int64(i) * 1000,
			Source:    models.SourceSweep,
		}))
	}

	_, all, err := calc.Series(t.Context(), task.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 10)

	_, recent, err := calc.Series(t.Context(), task.ID, 5*time.Hour, 0)
	require.NoError(t, err)
	require.Len(t, recent, 5)

	_, capped, err := calc.Series(t.Context(), task.ID, 0, 4)
	require.NoError(t, err)
	require.Len(t, capped, 4)
	require.Equal(t, int64(9000), capped[3].UptimeMS)

	points := Points(capped)
	require.InDelta(t, 9.0, points[3].UptimeSeconds, 1e-9)
	require.InDelta(t, 100.0, points[3].UptimePercentage, 1e-9)
}

func TestCalculatorUserSeries(t *testing.T) {
	s := store.NewMemoryStore()
	calc := NewCalculator(s, clock.NewManual(t0.Add(time.Hour)), time.Second)

	seed(t, s, 1, "a", 60_000, 0)
	seed(t, s, 1, "b", 30_000, 30_000)

	points, err := calc.UserSeries(t.Context(), 1, 0, 10)
	require.NoError(t, err)
	require.Len(t, points, 1)
	require.Equal(t, 2, points[0].AliveCount)
	require.InDelta(t, 75.0, points[0].UptimePercentage, 1e-9)
}
