package broker

import (
	"context"
	"sync/atomic"
	"time"
)

// Outcome claims. A unit's result is settled by whichever of its worker
// (about to commit) or its timeout claims it first.
const (
	outcomeOpen int32 = iota
	outcomeCommit
	outcomeTimeout
)

// unit is one schedulable unit of work. The body and its arguments are
// captured in exec; the typed future lives behind exec and fail.
type unit struct {
	seq      int64
	name     string
	niceness int
	startup  bool

	// ctx carries the unit's timeout. It is detached from the caller's
	// cancellation so a running unit is never interrupted by it.
	ctx     context.Context
	release func()

	// exec runs the unit on w and resolves its future. It reports whether
	// the worker must retire.
	exec func(w *worker) (retire bool)

	// fail resolves the future with err unless it is already resolved.
	fail func(err error) bool

	index     int // position in the pending heap, -1 when not queued
	submitted time.Time

	outcome atomic.Int32
}

// claimCommit reserves the outcome for the worker. It fails once the
// timeout has been delivered, after which nothing may commit.
func (u *unit) claimCommit() bool {
	return u.outcome.CompareAndSwap(outcomeOpen, outcomeCommit) || u.outcome.Load() == outcomeCommit
}

// claimTimeout reserves the outcome for the timeout. It fails once the
// worker has started to commit.
func (u *unit) claimTimeout() bool {
	return u.outcome.CompareAndSwap(outcomeOpen, outcomeTimeout)
}

// committing reports whether the worker claimed the outcome.
func (u *unit) committing() bool {
	return u.outcome.Load() == outcomeCommit
}

func (u *unit) label() string {
	if u.name != "" {
		return u.name
	}
	return "unit"
}
