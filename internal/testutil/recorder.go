package testutil

import (
	"slices"
	"sync"
	"time"
)

// Recorder collects events from concurrent goroutines in arrival order.
//
// Thread-safety: all methods are safe for concurrent use via internal mutex.
type Recorder struct {
	mu     sync.Mutex
	events []string
	notify chan struct{}
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

// Record appends an event.
func (r *Recorder) Record(event string) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()

	// Non-blocking: the buffer of 1 coalesces signals.
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Len returns the number of recorded events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// WaitFor blocks until at least n events are recorded or timeout elapses.
// Returns false on timeout.
func (r *Recorder) WaitFor(n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if r.Len() >= n {
			return true
		}
		select {
		case <-r.notify:
		case <-deadline.C:
			return r.Len() >= n
		}
	}
}

// Reset clears the recorder for reuse.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
