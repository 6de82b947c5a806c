package parallel

import "time"

import "sync"

// SyncBarrier is a reusable generational barrier. Each generation releases
// once the configured number of parties has arrived; the barrier then resets
// itself for the next generation. Exactly one waiter per generation (the
// last to arrive) gets the serial indicator, mirroring
// PTHREAD_BARRIER_SERIAL_THREAD.
type SyncBarrier struct {
	mu         sync.Mutex
	parties    int
	waiting    int
	generation uint64
	release    chan struct{}
}

// NewSyncBarrier creates a barrier for parties participants.
func NewSyncBarrier(parties int) *SyncBarrier {
	if parties < 1 {
		parties = 1
	}
	return &SyncBarrier{
		parties: parties,
		release: make(chan struct{}),
	}
}

// Wait blocks until the current generation completes. The last arriver
// trips the barrier and returns true; everyone else returns false.
func (b *SyncBarrier) Wait() bool {
	b.mu.Lock()
	b.waiting++
	if b.waiting >= b.parties {
		b.trip()
		b.mu.Unlock()
		return true
	}
	ch := b.release
	b.mu.Unlock()
	<-ch
	return false
}

// WaitTimeout is Wait with a deadline. The second result is false when the
// timeout elapsed before the barrier tripped; the waiter is then withdrawn
// from the generation.
func (b *SyncBarrier) WaitTimeout(timeout time.Duration) (serial bool, ok bool) {
	b.mu.Lock()
	b.waiting++
	if b.waiting >= b.parties {
		b.trip()
		b.mu.Unlock()
		return true, true
	}
	gen := b.generation
	ch := b.release
	b.mu.Unlock()

	select {
	case <-ch:
		return false, true
	case <-time.After(timeout):
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.generation != gen {
		// Tripped while we were timing out.
		return false, true
	}
	b.waiting--
	return false, false
}

// Reset abandons the current generation, releasing every blocked waiter
// (they all return the non-serial indicator).
func (b *SyncBarrier) Reset() {
	b.mu.Lock()
	b.trip()
	b.mu.Unlock()
}

// trip advances to the next generation. Caller holds the mutex.
func (b *SyncBarrier) trip() {
	b.waiting = 0
	b.generation++
	close(b.release)
	b.release = make(chan struct{})
}

// Generation returns the completed-generation count.
func (b *SyncBarrier) Generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation
}

// Parties returns the participant count the barrier was sized for.
func (b *SyncBarrier) Parties() int {
	return b.parties
}
