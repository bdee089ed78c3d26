package service

import "time"

// gate is a non-reentrant try-lock.
type gate chan struct{}

func newGate() gate {
	return make(gate, 1)
}

// tryAcquire waits at most timeout for the gate.
func (g gate) tryAcquire(timeout time.Duration) bool {
	select {
	case g <- struct{}{}:
		return true
	default:
	}
	if timeout <= 0 {
		return false
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case g <- struct{}{}:
		return true
	case <-t.C:
		return false
	}
}

func (g gate) release() {
	<-g
}

func (g gate) busy() bool {
	return len(g) > 0
}
