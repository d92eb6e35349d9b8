package monitor

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fuomag9/serverlord/internal/clock"
	"github.com/fuomag9/serverlord/internal/models"
	"github.com/fuomag9/serverlord/internal/store"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	engine   *Engine
	clock    *clock.Manual
	store    store.TaskStore
	receiver *Receiver
	sweeper  *Sweeper
	tasks    *TaskService
}

func newHarness(t *testing.T, policy Policy, s store.TaskStore) *harness {
	t.Helper()
	if s == nil {
		s = store.NewMemoryStore()
	}
	clk := clock.NewManual(epoch)
	engine := NewEngine(s, clk, Options{Policy: policy, StoreTimeout: time.Second})
	return &harness{
		engine:   engine,
		clock:    clk,
		store:    s,
		receiver: NewReceiver(engine),
		sweeper:  NewSweeper(engine, 4),
		tasks:    NewTaskService(engine),
	}
}

func (h *harness) create(t *testing.T, interval int) models.Task {
	t.Helper()
	task, err := h.tasks.Create(t.Context(), NewTask{OwnerID: 1, Name: "cron-job", IntervalSeconds: interval})
	require.NoError(t, err)
	return task
}

// at moves the clock to epoch+offset
func (h *harness) at(offset time.Duration) time.Time {
	h.clock.Set(epoch.Add(offset))
	return h.clock.Now()
}

func (h *harness) ping(t *testing.T, task models.Task) PingResult {
	t.Helper()
	res, err := h.receiver.ReceivePing(t.Context(), task.PingToken, time.Time{}, Annotation{})
	require.NoError(t, err)
	return res
}

func (h *harness) tick(t *testing.T) SweepResult {
	t.Helper()
	res, err := h.sweeper.Tick(t.Context())
	require.NoError(t, err)
	return res
}

func (h *harness) get(t *testing.T, id int64) models.Task {
	t.Helper()
	task, err := h.store.Get(t.Context(), id)
	require.NoError(t, err)
	return task
}

func TestFirstPingMakesTaskAlive(t *testing.T) {
	h := newHarness(t, Policy{}, nil)
	task := h.create(t, 60)
	require.Equal(t, models.StatusPending, task.Status)
	require.Nil(t, task.LastPingAt)

	h.at(10 * time.Second)
	res := h.ping(t, task)
	require.Equal(t, task.ID, res.TaskID)
	require.Equal(t, models.StatusAlive, res.Status)

	got := h.get(t, task.ID)
	require.Equal(t, models.StatusAlive, got.Status)
	require.Equal(t, models.StatusPending, got.PreviousStatus)
	require.NotNil(t, got.LastPingAt)
	// pending time is not counted by default
	require.Zero(t, got.UptimeMS)
	require.Zero(t, got.DowntimeMS)
}

func TestCountPendingUptime(t *testing.T) {
	h := newHarness(t, Policy{CountPendingUptime: true}, nil)
	task := h.create(t, 60)

	h.at(30 * time.Second)
	h.ping(t, task)

	require.Equal(t, int64(30_000), h.get(t, task.ID).UptimeMS)
}

func TestPendingTasksAreNotSwept(t *testing.T) {
	h := newHarness(t, Policy{}, nil)
	task := h.create(t, 1)

	h.at(time.Hour)
	res := h.tick(t)
	require.Zero(t, res.Checked)
	require.Zero(t, res.Recorded)
	require.Equal(t, models.StatusPending, h.get(t, task.ID).Status)
}

func TestSweepMarksDeadAfterDeadline(t *testing.T) {
	h := newHarness(t, Policy{}, nil)
	task := h.create(t, 60)
	h.ping(t, task)

	h.at(30 * time.Second)
	h.tick(t)
	got := h.get(t, task.ID)
	require.Equal(t, models.StatusAlive, got.Status)
	require.Equal(t, int64(30_000), got.UptimeMS)

	// exactly at the deadline the task is still alive
	h.at(60 * time.Second)
	h.tick(t)
	got = h.get(t, task.ID)
	require.Equal(t, models.StatusAlive, got.Status)
	require.Equal(t, int64(60_000), got.UptimeMS)
	require.Zero(t, got.DowntimeMS)

	h.at(65 * time.Second)
	res := h.tick(t)
	require.Equal(t, 1, res.Transitioned)
	got = h.get(t, task.ID)
	require.Equal(t, models.StatusDead, got.Status)
	require.Equal(t, models.StatusAlive, got.PreviousStatus)
	require.Equal(t, int64(60_000), got.UptimeMS)
	require.Equal(t, int64(5_000), got.DowntimeMS)

	h.at(90 * time.Second)
	res = h.tick(t)
	require.Zero(t, res.Transitioned)
	got = h.get(t, task.ID)
	require.Equal(t, models.StatusDead, got.Status)
	require.Equal(t, int64(30_000), got.DowntimeMS)
}

func TestSweepDetectsLateWithoutIntermediateTicks(t *testing.T) {
	h := newHarness(t, Policy{GracePeriod: 10 * time.Second}, nil)
	task := h.create(t, 60)
	h.ping(t, task)

	h.at(100 * time.Second)
	h.tick(t)
	got := h.get(t, task.ID)
	require.Equal(t, models.StatusDead, got.Status)
	require.Equal(t, int64(70_000), got.UptimeMS)
	require.Equal(t, int64(30_000), got.DowntimeMS)
}

func TestPingRevivesDeadTask(t *testing.T) {
	h := newHarness(t, Policy{}, nil)
	task := h.create(t, 60)
	h.ping(t, task)

	h.at(80 * time.Second)
	h.tick(t)

	h.at(100 * time.Second)
	res := h.ping(t, task)
	require.Equal(t, models.StatusAlive, res.Status)

	got := h.get(t, task.ID)
	require.Equal(t, models.StatusDead, got.PreviousStatus)
	require.Equal(t, int64(60_000), got.UptimeMS)
	require.Equal(t, int64(40_000), got.DowntimeMS)
}

func TestLatePingOnOverdueAliveTask(t *testing.T) {
	h := newHarness(t, Policy{}, nil)
	task := h.create(t, 60)
	h.ping(t, task)

	// the sweeper never saw it overdue
	h.at(75 * time.Second)
	h.ping(t, task)

	got := h.get(t, task.ID)
	require.Equal(t, models.StatusAlive, got.Status)
	require.Equal(t, int64(60_000), got.UptimeMS)
	require.Equal(t, int64(15_000), got.DowntimeMS)
}

func TestLastPingAttribution(t *testing.T) {
	h := newHarness(t, Policy{Attribution: AttributeAtLastPing}, nil)
	task := h.create(t, 60)
	h.ping(t, task)

	// unconfirmed stretch is held back
	h.at(30 * time.Second)
	h.tick(t)
	require.Zero(t, h.get(t, task.ID).UptimeMS)

	h.at(50 * time.Second)
	h.ping(t, task)
	require.Equal(t, int64(50_000), h.get(t, task.ID).UptimeMS)

	h.at(200 * time.Second)
	h.tick(t)
	got := h.get(t, task.ID)
	require.Equal(t, models.StatusDead, got.Status)
	require.Equal(t, int64(50_000), got.UptimeMS)
	require.Equal(t, int64(150_000), got.DowntimeMS)
}

func TestOutOfOrderPingIsAuditOnly(t *testing.T) {
	h := newHarness(t, Policy{}, nil)
	task := h.create(t, 60)
	h.ping(t, task)

	h.at(20 * time.Second)
	h.ping(t, task)
	before := h.get(t, task.ID)

	res, err := h.receiver.ReceivePing(t.Context(), task.PingToken, epoch.Add(5*time.Second), Annotation{})
	require.NoError(t, err)
	require.True(t, res.OutOfOrder)

	after := h.get(t, task.ID)
	require.True(t, after.LastPingAt.Equal(*before.LastPingAt))
	require.Equal(t, before.UptimeMS, after.UptimeMS)
	require.Equal(t, before.DowntimeMS, after.DowntimeMS)
	require.Equal(t, before.Version, after.Version)

	samples, err := h.store.ListSamples(t.Context(), task.ID, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, samples, 3)
	require.Equal(t, models.SourceAudit, samples[1].Source)
}

func TestPingAnnotationsAreStored(t *testing.T) {
	h := newHarness(t, Policy{}, nil)
	task := h.create(t, 60)

	duration := 12.5
	_, err := h.receiver.ReceivePing(t.Context(), task.PingToken, time.Time{}, Annotation{
		Outcome:         models.OutcomeFailure,
		DurationSeconds: &duration,
	})
	require.NoError(t, err)

	samples, err := h.store.ListSamples(t.Context(), task.ID, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, samples, 1)
	require.Equal(t, models.OutcomeFailure, samples[0].Outcome)
	require.Equal(t, 12.5, *samples[0].DurationSeconds)
	// annotations never affect liveness
	require.Equal(t, models.StatusAlive, samples[0].Status)
}

func TestUnknownTokenIsInvalid(t *testing.T) {
	h := newHarness(t, Policy{}, nil)

	_, err := h.receiver.ReceivePing(t.Context(), "no-such-token", time.Time{}, Annotation{})
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = h.receiver.ReceivePing(t.Context(), "", time.Time{}, Annotation{})
	require.ErrorIs(t, err, ErrInvalidToken)
}

// Every mix of pings, late ticks and stale pings must attribute the time
// since the first ping exactly once.
func TestAccountingIsExact(t *testing.T) {
	policies := map[string]Policy{
		"deadline":       {},
		"deadline-grace": {GracePeriod: 7 * time.Second},
		"last-ping":      {Attribution: AttributeAtLastPing},
	}

	for name, policy := range policies {
		t.Run(name, func(t *testing.T) {
			rng := rand.New(rand.NewPCG(42, 7))
			h := newHarness(t, policy, nil)
			task := h.create(t, 30)

			first := h.at(0)
			h.ping(t, task)

			offset := time.Duration(0)
			var lastUp, lastDown int64
			for range 500 {
				offset += time.Duration(rng.IntN(45_000)) * time.Millisecond
				now := h.at(offset)

				switch rng.IntN(4) {
				case 0:
					h.ping(t, task)
				case 1:
					h.tick(t)
				case 2:
					// stale tick computed before the latest change
					_, err := h.sweeper.SweepTask(t.Context(), task.ID, now.Add(-time.Duration(rng.IntN(5000))*time.Millisecond))
					require.NoError(t, err)
				case 3:
					_, err := h.receiver.ReceivePing(t.Context(), task.PingToken,
						now.Add(-time.Duration(rng.IntN(60_000))*time.Millisecond), Annotation{})
					require.NoError(t, err)
				}

				got := h.get(t, task.ID)
				require.GreaterOrEqual(t, got.UptimeMS, lastUp)
				require.GreaterOrEqual(t, got.DowntimeMS, lastDown)
				require.Equal(t, got.AccountedAt.Sub(first).Milliseconds(), got.UptimeMS+got.DowntimeMS)
				require.False(t, got.AccountedAt.After(now))
				lastUp, lastDown = got.UptimeMS, got.DowntimeMS
			}

			// a final ping settles every policy
			end := h.at(offset + time.Second)
			h.ping(t, task)
			got := h.get(t, task.ID)
			require.Equal(t, end.Sub(first).Milliseconds(), got.UptimeMS+got.DowntimeMS)
		})
	}
}

func TestPingAndSweepRace(t *testing.T) {
	h := newHarness(t, Policy{}, nil)

	for range 50 {
		h.at(0)
		task := h.create(t, 60)
		h.ping(t, task)

		now := h.at(70 * time.Second)

		var wg sync.WaitGroup
		var pingErr, sweepErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, pingErr = h.receiver.ReceivePing(context.Background(), task.PingToken, now, Annotation{})
		}()
		go func() {
			defer wg.Done()
			_, sweepErr = h.sweeper.SweepTask(context.Background(), task.ID, now)
		}()
		wg.Wait()
		require.NoError(t, pingErr)
		require.NoError(t, sweepErr)

		got := h.get(t, task.ID)
		require.Equal(t, models.StatusAlive, got.Status)
		require.Equal(t, int64(60_000), got.UptimeMS)
		require.Equal(t, int64(10_000), got.DowntimeMS)

		samples, err := h.store.ListSamples(t.Context(), task.ID, time.Time{}, time.Time{})
		require.NoError(t, err)
		last := samples[len(samples)-1]
		require.Equal(t, models.StatusAlive, last.Status)
		require.Equal(t, int64(70_000), last.UptimeMS+last.DowntimeMS)
		for _, s := range samples {
			require.LessOrEqual(t, s.UptimeMS+s.DowntimeMS, int64(70_000))
		}
	}
}

func TestDeleteRemovesTaskAndSamples(t *testing.T) {
	h := newHarness(t, Policy{}, nil)
	task := h.create(t, 60)
	h.ping(t, task)
	h.at(90 * time.Second)
	h.tick(t)
	require.Equal(t, 1, h.engine.locks.size())

	require.NoError(t, h.tasks.Delete(t.Context(), task.ID))
	require.Zero(t, h.engine.locks.size())

	_, err := h.tasks.Get(t.Context(), task.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	samples, err := h.store.ListSamples(t.Context(), task.ID, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Empty(t, samples)

	_, err = h.receiver.ReceivePing(t.Context(), task.PingToken, time.Time{}, Annotation{})
	require.ErrorIs(t, err, ErrInvalidToken)

	require.ErrorIs(t, h.tasks.Delete(t.Context(), task.ID), store.ErrNotFound)
}

func TestTaskServiceValidation(t *testing.T) {
	h := newHarness(t, Policy{}, nil)
	ctx := t.Context()

	_, err := h.tasks.Create(ctx, NewTask{OwnerID: 1, Name: "  ", IntervalSeconds: 60})
	require.ErrorIs(t, err, ErrInvalidTask)
	_, err = h.tasks.Create(ctx, NewTask{OwnerID: 1, Name: "x", IntervalSeconds: 0})
	require.ErrorIs(t, err, ErrInvalidTask)

	task := h.create(t, 60)
	require.NotEmpty(t, task.PingToken)
	other := h.create(t, 60)
	require.NotEqual(t, task.PingToken, other.PingToken)

	empty := ""
	_, err = h.tasks.Update(ctx, task.ID, store.TaskUpdate{Name: &empty})
	require.ErrorIs(t, err, ErrInvalidTask)

	name, interval := " renamed ", 120
	updated, err := h.tasks.Update(ctx, task.ID, store.TaskUpdate{Name: &name, IntervalSeconds: &interval})
	require.NoError(t, err)
	require.Equal(t, "renamed", updated.Name)
	require.Equal(t, 120, updated.IntervalSeconds)
	require.Equal(t, models.StatusPending, updated.Status)
}

func TestObserversSeeTransitions(t *testing.T) {
	h := newHarness(t, Policy{}, nil)

	var mu sync.Mutex
	var events []Event
	h.engine.Subscribe(ObserverFunc(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	}))

	task := h.create(t, 60)
	h.ping(t, task)
	h.at(30 * time.Second)
	h.tick(t)
	h.at(90 * time.Second)
	h.tick(t)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 3)
	require.True(t, events[0].Transition())
	require.Equal(t, models.StatusPending, events[0].From)
	require.False(t, events[1].Transition())
	require.True(t, events[2].Transition())
	require.Equal(t, models.StatusDead, events[2].To)
	require.Equal(t, models.SourceSweep, events[2].Sample.Source)
}

// failingStore fails writes for one task and can inject one conflict
type failingStore struct {
	*store.MemoryStore
	failID    int64
	conflicts atomic.Int32
	block     chan struct{}
	entered   chan struct{}
}

func (s *failingStore) Save(ctx context.Context, task models.Task, sample models.Sample) (models.Task, error) {
	if task.ID == s.failID {
		return models.Task{}, store.ErrStorageUnavailable
	}
	if s.conflicts.Add(-1) >= 0 {
		return models.Task{}, store.ErrConflict
	}
	return s.MemoryStore.Save(ctx, task, sample)
}

func (s *failingStore) ListMonitored(ctx context.Context) ([]models.Task, error) {
	if s.block != nil {
		s.entered <- struct{}{}
		<-s.block
	}
	return s.MemoryStore.ListMonitored(ctx)
}

func TestSweepIsolatesTaskErrors(t *testing.T) {
	fs := &failingStore{MemoryStore: store.NewMemoryStore()}
	h := newHarness(t, Policy{}, fs)

	var tasks []models.Task
	for range 4 {
		task := h.create(t, 10)
		h.ping(t, task)
		tasks = append(tasks, task)
	}
	fs.failID = tasks[1].ID

	h.at(time.Minute)
	res := h.tick(t)
	require.Equal(t, 4, res.Checked)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, 3, res.Transitioned)

	require.Equal(t, models.StatusAlive, h.get(t, tasks[1].ID).Status)
	require.Equal(t, models.StatusDead, h.get(t, tasks[0].ID).Status)
}

func TestConflictIsRetriedOnce(t *testing.T) {
	fs := &failingStore{MemoryStore: store.NewMemoryStore()}
	h := newHarness(t, Policy{}, fs)
	task := h.create(t, 60)

	fs.conflicts.Store(1)
	res := h.ping(t, task)
	require.Equal(t, models.StatusAlive, res.Status)

	fs.conflicts.Store(2)
	_, err := h.receiver.ReceivePing(t.Context(), task.PingToken, time.Time{}, Annotation{})
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestOverlappingTicksAreSkipped(t *testing.T) {
	fs := &failingStore{
		MemoryStore: store.NewMemoryStore(),
		block:       make(chan struct{}),
		entered:     make(chan struct{}),
	}
	h := newHarness(t, Policy{}, fs)

	done := make(chan SweepResult)
	go func() {
		res, _ := h.sweeper.Tick(context.Background())
		done <- res
	}()
	<-fs.entered

	res, err := h.sweeper.Tick(t.Context())
	require.NoError(t, err)
	require.True(t, res.Skipped)

	close(fs.block)
	require.False(t, (<-done).Skipped)
}

func TestLockWaitTimesOut(t *testing.T) {
	s := store.NewMemoryStore()
	clk := clock.NewManual(epoch)
	engine := NewEngine(s, clk, Options{StoreTimeout: 20 * time.Millisecond})
	tasks := NewTaskService(engine)

	task, err := tasks.Create(t.Context(), NewTask{OwnerID: 1, Name: "slow", IntervalSeconds: 60})
	require.NoError(t, err)

	release, err := engine.locks.acquire(t.Context(), task.ID)
	require.NoError(t, err)
	defer release()

	_, err = NewReceiver(engine).ReceivePing(t.Context(), task.PingToken, time.Time{}, Annotation{})
	require.ErrorIs(t, err, store.ErrStorageUnavailable)
}

func TestParseAttribution(t *testing.T) {
	a, err := ParseAttribution("deadline")
	require.NoError(t, err)
	require.Equal(t, AttributeAtDeadline, a)

	a, err = ParseAttribution("last_ping")
	require.NoError(t, err)
	require.Equal(t, AttributeAtLastPing, a)
	require.Equal(t, "last_ping", a.String())

	_, err = ParseAttribution("midpoint")
	require.Error(t, err)
}

func TestStorageErrorsPropagate(t *testing.T) {
	h := newHarness(t, Policy{}, nil)
	task := h.create(t, 60)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := h.receiver.ReceivePing(ctx, task.PingToken, time.Time{}, Annotation{})
	require.True(t, errors.Is(err, store.ErrStorageUnavailable))
}
