package switchml

import "sync"

// Barrier blocks participating goroutines until all of them arrive. The
// scheduler uses one to keep every worker thread on the same job. Destroy
// wakes all waiters and makes the barrier permanently fall through, which is
// how Stop unblocks worker threads parked between jobs.
type Barrier struct {
	numParticipants int

	mu        sync.Mutex
	cond      sync.Cond
	count     int
	flag      bool // distinguishes adjacent invocations to avoid deadlocks
	destroyed bool
}

// NewBarrier creates a barrier for the given number of participants.
func NewBarrier(numParticipants int) *Barrier {
	b := &Barrier{numParticipants: numParticipants, count: numParticipants}
	b.cond.L = &b.mu
	return b
}

// Wait blocks until all participants arrive. It returns false if the barrier
// was destroyed while waiting or before arriving.
func (b *Barrier) Wait() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return false
	}
	flag := b.flag
	b.count--
	if b.count == 0 {
		b.count = b.numParticipants
		b.flag = !b.flag
		b.cond.Broadcast()
		return true
	}
	for flag == b.flag && !b.destroyed {
		b.cond.Wait()
	}
	return !b.destroyed
}

// Destroy wakes all waiting participants and makes every future Wait return
// false immediately.
func (b *Barrier) Destroy() {
	b.mu.Lock()
	b.destroyed = true
	b.mu.Unlock()
	b.cond.Broadcast()
}
