package monitor

import (
	"context"
	"fmt"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/fuomag9/serverlord/internal/store"
)

// taskLock is a one-slot semaphore, so waiting for it can be abandoned
type taskLock struct {
	ch chan struct{}
}

// lockArena hands out one exclusive lock per task id. Unrelated tasks never
// contend with each other.
type lockArena struct {
	locks *xsync.Map[int64, *taskLock]
}

func newLockArena() *lockArena {
	return &lockArena{locks: xsync.NewMap[int64, *taskLock]()}
}

// acquire blocks until the task's lock is held or ctx is done
func (a *lockArena) acquire(ctx context.Context, id int64) (func(), error) {
	l, ok := a.locks.Load(id)
	if !ok {
		l, _ = a.locks.LoadOrStore(id, &taskLock{ch: make(chan struct{}, 1)})
	}

	select {
	case l.ch <- struct{}{}:
		return func() { <-l.ch }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for task %d: %v", store.ErrStorageUnavailable, id, ctx.Err())
	}
}

// forget drops the lock of a deleted task
func (a *lockArena) forget(id int64) {
	a.locks.Delete(id)
}

func (a *lockArena) size() int {
	return a.locks.Size()
}
