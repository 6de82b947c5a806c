package parallel

import "sync"
import "sync/atomic"

// WorkItem is one unit of queued work. The payload is opaque to the queue.
type WorkItem struct {
	ID        uint64
	Partition int
	Estimate  uint64
	Payload   any
}

// WorkQueue is a bounded double-ended queue for one worker. The owner pushes
// and pops at the back; idle peers steal from the front when stealing is
// enabled. A mutex guards the deque; steals are infrequent relative to local
// pops, so the contention stays acceptable.
type WorkQueue struct {
	mu       sync.Mutex
	items    []WorkItem
	capacity int

	stealingEnabled uint32

	stolenFrom uint64 // items taken out of this queue by thieves
	stolenInto uint64 // items this queue's owner stole from victims
}

// NewWorkQueue creates a queue. capacity 0 means unbounded. Stealing starts
// enabled.
func NewWorkQueue(capacity int) *WorkQueue {
	q := &WorkQueue{capacity: capacity}
	q.stealingEnabled = 1
	return q
}

// Push adds an item at the owner end, reporting false when the queue is at
// capacity.
func (q *WorkQueue) Push(item WorkItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, item)
	return true
}

// Pop removes the most recently pushed item (owner end).
func (q *WorkQueue) Pop() (WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return WorkItem{}, false
	}
	n := len(q.items) - 1
	item := q.items[n]
	q.items = q.items[:n]
	return item, true
}

// Peek returns the next item the owner would pop, without removing it.
func (q *WorkQueue) Peek() (WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return WorkItem{}, false
	}
	return q.items[len(q.items)-1], true
}

// Steal removes the oldest item (thief end) from victim into q. It fails
// when the victim is empty or has stealing disabled.
func (q *WorkQueue) Steal(victim *WorkQueue) (WorkItem, bool) {
	if victim == nil || victim == q {
		return WorkItem{}, false
	}
	if atomic.LoadUint32(&victim.stealingEnabled) == 0 {
		return WorkItem{}, false
	}
	victim.mu.Lock()
	if len(victim.items) == 0 {
		victim.mu.Unlock()
		return WorkItem{}, false
	}
	item := victim.items[0]
	victim.items = victim.items[1:]
	victim.mu.Unlock()

	atomic.AddUint64(&victim.stolenFrom, 1)
	atomic.AddUint64(&q.stolenInto, 1)
	return item, true
}

// EnableStealing allows peers to steal from this queue.
func (q *WorkQueue) EnableStealing() {
	atomic.StoreUint32(&q.stealingEnabled, 1)
}

// DisableStealing blocks peers from stealing from this queue.
func (q *WorkQueue) DisableStealing() {
	atomic.StoreUint32(&q.stealingEnabled, 0)
}

// Len returns the current queue size.
func (q *WorkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Empty reports whether the queue is empty.
func (q *WorkQueue) Empty() bool {
	return q.Len() == 0
}

// Full reports whether a bounded queue is at capacity.
func (q *WorkQueue) Full() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.capacity > 0 && len(q.items) >= q.capacity
}

// StealStats returns how many items thieves took from this queue and how
// many this queue's owner stole from victims.
func (q *WorkQueue) StealStats() (stolenFrom, stolenInto uint64) {
	return atomic.LoadUint64(&q.stolenFrom), atomic.LoadUint64(&q.stolenInto)
}
