package common

import (
	"errors"
	"fmt"
)

var ErrReentrantCall = errors.New("reentrant call")

// ReentrancyLock is a busy flag scoped to one component. It is held for the
// duration of a state-mutating call, including any external callback the call
// makes, so nested entries are rejected instead of observing a half-applied
// update. The lock is not a mutex: callers are serialised by the host and the
// flag only has to catch re-entry from the same call stack.
type ReentrancyLock struct {
	name string
	busy bool
}

// NewReentrancyLock returns an idle lock labelled for error reporting.
func NewReentrancyLock(name string) *ReentrancyLock {
	return &ReentrancyLock{name: name}
}

// Enter marks the component busy or fails if it already is.
func (l *ReentrancyLock) Enter() error {
	if l.busy {
		return fmt.Errorf("%w: %s", ErrReentrantCall, l.name)
	}
	l.busy = true
	return nil
}

// Exit releases the lock.
func (l *ReentrancyLock) Exit() {
	l.busy = false
}

// Busy reports whether a call is in flight.
func (l *ReentrancyLock) Busy() bool {
	return l.busy
}

// Name returns the label supplied at construction.
func (l *ReentrancyLock) Name() string {
	return l.name
}
