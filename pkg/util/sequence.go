package util

import "sync/atomic"

// Sequencer hands out strictly increasing sequence numbers. Replay calls
// Reset with the highest persisted value so new numbers continue after it.
type Sequencer struct {
	v atomic.Uint64
}

func (s *Sequencer) Next() uint64 {
	return s.v.Add(1)
}

func (s *Sequencer) Current() uint64 {
	return s.v.Load()
}

// Reset raises the sequence to at least v. It never moves it backwards.
func (s *Sequencer) Reset(v uint64) {
	for {
		cur := s.v.Load()
		if v <= cur || s.v.CompareAndSwap(cur, v) {
			return
		}
	}
}
