package broker

import "sync/atomic"

// sequence is a monotonic counter stamping units in submission order.
// Ties in niceness are broken by it, so it must never repeat.
type sequence struct {
	seq atomic.Int64
}

// Next returns the next sequence number.
func (s *sequence) Next() int64 {
	return s.seq.Add(1)
}

// Current returns the last number handed out.
func (s *sequence) Current() int64 {
	return s.seq.Load()
}
