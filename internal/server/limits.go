package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrBudgetExceeded is returned by [Limits.Reserve] when admitting another
// session would exceed the process-wide buffered-audio budget.
var ErrBudgetExceeded = errors.New("server: buffered audio budget exhausted")

// Limits bounds the resources shared by every connection of a server: the
// total audio all open sessions may buffer and the number of recognitions
// running at once.
//
// Each session reserves its full per-session cap when it starts, so a session
// that was admitted can always buffer up to that cap.
type Limits struct {
	sessionCap time.Duration
	budgetMs   int64
	budget     *semaphore.Weighted
	workers    *semaphore.Weighted
}

// NewLimits returns limits admitting sessions of at most sessionCap audio
// while the sum of admitted caps stays within budget. workers bounds
// concurrent ASR calls; values below one are treated as one.
func NewLimits(sessionCap, budget time.Duration, workers int) *Limits {
	if workers < 1 {
		workers = 1
	}
	if budget < sessionCap {
		budget = sessionCap
	}
	return &Limits{
		sessionCap: sessionCap,
		budgetMs:   budget.Milliseconds(),
		budget:     semaphore.NewWeighted(budget.Milliseconds()),
		workers:    semaphore.NewWeighted(int64(workers)),
	}
}

// SessionCap returns the maximum audio duration of a single session.
func (l *Limits) SessionCap() time.Duration { return l.sessionCap }

// Reserve claims budget for one session without blocking. The returned
// release function is idempotent.
func (l *Limits) Reserve() (release func(), err error) {
	n := l.sessionCap.Milliseconds()
	if !l.budget.TryAcquire(n) {
		return nil, fmt.Errorf("%w (limit %s)", ErrBudgetExceeded, time.Duration(l.budgetMs)*time.Millisecond)
	}
	return sync.OnceFunc(func() { l.budget.Release(n) }), nil
}

// AcquireWorker blocks until an ASR slot is free or ctx ends.
func (l *Limits) AcquireWorker(ctx context.Context) (release func(), err error) {
	if err := l.workers.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("server: wait for asr worker: %w", err)
	}
	return sync.OnceFunc(func() { l.workers.Release(1) }), nil
}
