package batch

import "sync"

// Queue is a bounded blocking FIFO of batches. Enqueue blocks while the
// queue is full, Dequeue blocks while it is empty. Close wakes every waiter;
// afterwards Enqueue always fails and Dequeue drains the remaining batches
// then returns nil. Submit order is preserved.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	items    []*Batch
	capacity int
	closed   bool
}

// NewQueue creates a queue. capacity 0 means unbounded.
func NewQueue(capacity int) *Queue {
	q := &Queue{capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends a batch, blocking while the queue is full. It reports
// false once the queue is closed.
func (q *Queue) Enqueue(b *Batch) bool {
	if b == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.capacity > 0 && len(q.items) >= q.capacity && !q.closed {
		q.notFull.Wait()
	}
	if q.closed {
		return false
	}
	q.items = append(q.items, b)
	q.notEmpty.Signal()
	return true
}

// TryEnqueue appends without blocking, reporting false when full or closed.
func (q *Queue) TryEnqueue(b *Batch) bool {
	if b == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || (q.capacity > 0 && len(q.items) >= q.capacity) {
		return false
	}
	q.items = append(q.items, b)
	q.notEmpty.Signal()
	return true
}

// Dequeue removes the oldest batch, blocking while the queue is empty. It
// returns nil once the queue is closed and drained.
func (q *Queue) Dequeue() *Batch {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		return nil
	}
	b := q.items[0]
	q.items = q.items[1:]
	q.notFull.Signal()
	return b
}

// TryDequeue removes the oldest batch without blocking, or returns nil.
func (q *Queue) TryDequeue() *Batch {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	b := q.items[0]
	q.items = q.items[1:]
	q.notFull.Signal()
	return b
}

// Peek returns the oldest batch without removing it.
func (q *Queue) Peek() *Batch {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// Len returns the current queue size.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Empty reports whether the queue is empty.
func (q *Queue) Empty() bool {
	return q.Len() == 0
}

// Full reports whether a bounded queue is at capacity.
func (q *Queue) Full() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.capacity > 0 && len(q.items) >= q.capacity
}

// Close marks the queue closed and wakes every blocked producer and
// consumer.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
	q.mu.Unlock()
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Clear releases every queued batch and empties the queue.
func (q *Queue) Clear() {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.notFull.Broadcast()
	q.mu.Unlock()

	for _, b := range items {
		b.Release()
	}
}
