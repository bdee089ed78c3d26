package queue

import "sync/atomic"

// sequence allocates queue-scoped entry ids.
//
// Ids are strictly increasing for the life of a queue: the high-water mark
// is persisted with the index, so draining a queue never recycles ids.
type sequence struct {
	last atomic.Int64
}

// newSequenceAt creates a sequence whose next id is start+1.
func newSequenceAt(start int64) *sequence {
	s := &sequence{}
	if start < 0 {
		start = 0
	}
	s.last.Store(start)
	return s
}

// Next returns the next id.
func (s *sequence) Next() int64 {
	return s.last.Add(1)
}

// Current returns the last allocated id without allocating.
func (s *sequence) Current() int64 {
	return s.last.Load()
}
