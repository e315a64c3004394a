package gateway

import "sync/atomic"

// Latch admits at most one holder at a time. It is used to run the
// unauthorized flow once no matter how many requests fail with 401.
type Latch struct {
	busy atomic.Bool
}

// TryEnter acquires the latch, reporting false if it is already held.
func (l *Latch) TryEnter() bool {
	return l.busy.CompareAndSwap(false, true)
}

// Exit releases the latch.
func (l *Latch) Exit() {
	l.busy.Store(false)
}
