package broker

import (
	"container/heap"
	"slices"
	"sync"
)

// queue holds pending units and hands them to idle workers.
//
// Startup units wait in a FIFO and run one at a time in submission order.
// Regular units wait in a niceness heap behind the gate, which opens once
// startup is sealed and every startup unit has succeeded. If a startup unit
// fails the gate fails instead: everything pending is rejected with the
// startup error and so is every later submission.
//
// The queue is unbounded; submit never blocks.
type queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	startup     []*unit
	pending     unitHeap
	outstanding int  // startup units admitted and not yet finished
	startupBusy bool // a startup unit is running
	sealed      bool // no more startup units from construction

	open      bool
	failed    error
	admitting bool
	closed    bool

	running int
	idle    chan struct{} // closed when nothing is pending or running

	// onGate is called once, outside the lock, when the gate opens (nil)
	// or fails.
	onGate  func(err error)
	metrics *metrics
}

func newQueue(m *metrics, onGate func(error)) *queue {
	q := &queue{
		admitting: true,
		onGate:    onGate,
		metrics:   m,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// submit admits u. It fails if the queue stopped admitting, if startup
// failed, or if a startup unit arrives after the gate opened.
func (q *queue) submit(u *unit) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch {
	case q.failed != nil:
		return q.failed
	case !q.admitting || q.closed:
		return newError(CodeQueueClosed, u.name, "broker is shutting down", nil)
	case u.startup && q.open:
		return newError(CodeMisuse, u.name, "startup work submitted after startup completed", nil)
	}

	if u.startup {
		u.index = -1
		q.startup = append(q.startup, u)
		q.outstanding++
	} else {
		heap.Push(&q.pending, u)
	}
	q.metrics.pending.Inc()
	q.cond.Signal()
	return nil
}

// seal marks the end of construction-time startup submissions. The gate
// opens as soon as every admitted startup unit has succeeded.
func (q *queue) seal() {
	q.mu.Lock()
	q.sealed = true
	opened := q.maybeOpenLocked()
	q.mu.Unlock()

	if opened {
		q.onGate(nil)
	}
}

func (q *queue) maybeOpenLocked() bool {
	if q.open || q.closed || q.failed != nil || !q.sealed || q.outstanding > 0 {
		return false
	}
	q.open = true
	q.cond.Broadcast()
	return true
}

// next blocks until a unit may run and returns it, or returns nil once the
// queue is closed or startup has failed.
func (q *queue) next() *unit {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.closed || q.failed != nil {
			return nil
		}
		if !q.startupBusy && len(q.startup) > 0 {
			u := q.startup[0]
			q.startup[0] = nil
			q.startup = q.startup[1:]
			q.startupBusy = true
			q.dispatchLocked()
			return u
		}
		if q.open && q.pending.Len() > 0 {
			u := heap.Pop(&q.pending).(*unit)
			q.dispatchLocked()
			return u
		}
		q.cond.Wait()
	}
}

func (q *queue) dispatchLocked() {
	q.running++
	q.metrics.pending.Dec()
	q.metrics.busy.Inc()
}

// finish records that a dispatched unit completed.
func (q *queue) finish(u *unit) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.running--
	if u.startup {
		q.startupBusy = false
	}
	q.metrics.busy.Dec()
	q.idleLocked()
	q.cond.Broadcast()
}

// startupFinished settles one startup unit. A nil err may open the gate;
// a non-nil err fails it and returns the units that must be rejected.
func (q *queue) startupFinished(err error) []*unit {
	q.mu.Lock()
	q.outstanding--

	if err == nil {
		opened := q.maybeOpenLocked()
		q.mu.Unlock()
		if opened {
			q.onGate(nil)
		}
		return nil
	}

	if q.failed != nil || q.closed {
		q.mu.Unlock()
		return nil
	}
	q.failed = err
	dropped := q.drainLocked()
	q.mu.Unlock()

	q.onGate(err)
	return dropped
}

// fail fails the gate without a running startup unit, as when a startup
// hook returns an error during construction.
func (q *queue) fail(err error) []*unit {
	q.mu.Lock()
	if q.failed != nil || q.closed {
		q.mu.Unlock()
		return nil
	}
	q.failed = err
	dropped := q.drainLocked()
	q.mu.Unlock()

	q.onGate(err)
	return dropped
}

// remove withdraws a pending regular unit. Startup units and units already
// dispatched cannot be withdrawn.
func (q *queue) remove(u *unit) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if u.startup || u.index < 0 || u.index >= q.pending.Len() || q.pending[u.index] != u {
		return false
	}
	heap.Remove(&q.pending, u.index)
	q.metrics.pending.Dec()
	q.idleLocked()
	return true
}

// stopAdmission rejects new submissions while pending ones keep running.
func (q *queue) stopAdmission() {
	q.mu.Lock()
	q.admitting = false
	q.mu.Unlock()
}

// close stops dispatch and returns every pending unit so the caller can
// reject it. Units already running are left to finish.
func (q *queue) close() []*unit {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	q.admitting = false
	dropped := q.drainLocked()
	q.cond.Broadcast()
	return dropped
}

func (q *queue) drainLocked() []*unit {
	dropped := slices.Clone(q.startup)
	for i := range q.startup {
		q.startup[i] = nil
	}
	q.startup = nil
	for q.pending.Len() > 0 {
		dropped = append(dropped, heap.Pop(&q.pending).(*unit))
	}
	q.metrics.pending.Sub(float64(len(dropped)))
	q.idleLocked()
	q.cond.Broadcast()
	return dropped
}

// isClosed reports whether dispatch has stopped for good.
func (q *queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of pending units, startup ones included.
func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.startup) + q.pending.Len()
}

// idleCh returns a channel closed once nothing is pending or running.
func (q *queue) idleCh() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.idle == nil {
		q.idle = make(chan struct{})
	}
	ch := q.idle
	q.idleLocked()
	return ch
}

func (q *queue) isIdleLocked() bool {
	return q.running == 0 && len(q.startup) == 0 && q.pending.Len() == 0
}

func (q *queue) idleLocked() {
	if q.idle != nil && q.isIdleLocked() {
		close(q.idle)
		q.idle = nil
	}
}
