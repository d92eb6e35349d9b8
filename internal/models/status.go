package models

import (
	"errors"
	"fmt"
)

// Status is the liveness state of a monitored task
type Status string

const (
	StatusPending Status = "pending"
	StatusAlive   Status = "alive"
	StatusDead    Status = "dead"
)

// ErrIllegalTransition is returned when a status change is not allowed
var ErrIllegalTransition = errors.New("illegal status transition")

// CanTransition reports whether a task may move from s to next.
// Staying in the same status is allowed for alive and dead (re-detection);
// nothing ever returns to pending.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusAlive
	case StatusAlive:
		return next == StatusAlive || next == StatusDead
	case StatusDead:
		return next == StatusDead || next == StatusAlive
	}
	return false
}

// Transition returns next if the move is legal
func (s Status) Transition(next Status) (Status, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s, next)
	}
	return next, nil
}
