// Package lockfree implements a Michael-Scott multi-producer multi-consumer queue.
package lockfree

import "runtime"
import "sync/atomic"
import "time"

// node is a single queue link. Retired nodes are released to the garbage
// collector, never reused while a stale reference could still observe them,
// so the classic CAS ABA hazard cannot arise. The sequence number stamped on
// every allocation is a diagnostic ordering mark.
type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
	seq   uint64
}

// Stats is a snapshot of queue counters.
type Stats struct {
	TotalEnqueued   uint64
	TotalDequeued   uint64
	EnqueueFailures uint64
	DequeueFailures uint64
	Dropped         uint64
	CurrentSize     uint64
	Utilization     float64 // negative when unbounded
}

// Queue is a lock-free MPMC FIFO queue. Enqueue and Dequeue never block
// except via the explicit spin of DequeueTimeout, or when the queue is
// bounded with DropOnFull disabled, in which case Enqueue spins until space
// frees. The zero value is not usable; construct with New.
type Queue[T any] struct {
	head atomic.Pointer[node[T]]
	tail atomic.Pointer[node[T]]

	size            int64
	totalEnqueued   uint64
	totalDequeued   uint64
	enqueueFailures uint64
	dequeueFailures uint64
	dropped         uint64

	seqCounter uint64

	// freeList is a preallocation cache fed only by PreallocateNodes.
	// Dequeued nodes are never pushed back while the queue is live: a
	// consumer stalled mid-CAS may still hold a pointer to them, and
	// reusing the address would let its stale compare-and-swap succeed
	// against a rebuilt head (ABA).
	freeList     atomic.Pointer[node[T]]
	freeCount    int64
	maxFreeNodes int64

	maxSize    uint64
	dropOnFull bool
}

// maxFreeNodesDefault caps the preallocated node cache.
const maxFreeNodesDefault = 1000

// New creates a queue. maxSize 0 means unbounded. When maxSize > 0,
// dropOnFull selects between dropping the item (Enqueue returns false and the
// drop counter increments) and spinning until space frees.
func New[T any](maxSize uint64, dropOnFull bool) *Queue[T] {
	q := &Queue[T]{
		maxSize:      maxSize,
		dropOnFull:   dropOnFull,
		maxFreeNodes: maxFreeNodesDefault,
	}
	dummy := &node[T]{}
	q.head.Store(dummy)
	q.tail.Store(dummy)
	return q
}

// allocNode takes a node from the preallocation cache or allocates a fresh
// one, and stamps it with a new monotonic sequence number.
func (q *Queue[T]) allocNode(value T) *node[T] {
	var n *node[T]
	for {
		head := q.freeList.Load()
		if head == nil {
			break
		}
		next := head.next.Load()
		if q.freeList.CompareAndSwap(head, next) {
			n = head
			atomic.AddInt64(&q.freeCount, -1)
			break
		}
	}
	if n == nil {
		n = &node[T]{}
	}
	n.value = value
	n.next.Store(nil)
	atomic.StoreUint64(&n.seq, atomic.AddUint64(&q.seqCounter, 1))
	return n
}

// Enqueue appends value and reports whether it was accepted. It only returns
// false in bounded drop-on-full mode (the item is dropped and counted).
func (q *Queue[T]) Enqueue(value T) bool {
	for q.maxSize > 0 && uint64(atomic.LoadInt64(&q.size)) >= q.maxSize {
		if q.dropOnFull {
			atomic.AddUint64(&q.dropped, 1)
			atomic.AddUint64(&q.enqueueFailures, 1)
			return false
		}
		runtime.Gosched()
	}

	q.insert(q.allocNode(value))
	return true
}

// Requeue reinserts an item the queue already accepted once, bypassing the
// size bound. Drain-and-requeue scans need it: a drop-on-full tier refilled
// by concurrent producers mid-scan would otherwise drop the drained items,
// and spinning for space could wait forever on a queue only the scanner
// drains. The overshoot is transient and at most the number of items held
// out by the scan.
func (q *Queue[T]) Requeue(value T) {
	q.insert(q.allocNode(value))
}

func (q *Queue[T]) insert(n *node[T]) {
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if tail != q.tail.Load() {
			continue
		}
		if next == nil {
			if tail.next.CompareAndSwap(nil, n) {
				q.tail.CompareAndSwap(tail, n)
				atomic.AddInt64(&q.size, 1)
				atomic.AddUint64(&q.totalEnqueued, 1)
				return
			}
		} else {
			// Tail is lagging, advance it.
			q.tail.CompareAndSwap(tail, next)
		}
	}
}

// Dequeue removes the oldest value. The second result is false when the
// queue is empty.
func (q *Queue[T]) Dequeue() (T, bool) {
	var zero T
	for {
		head := q.head.Load()
		headSeq := atomic.LoadUint64(&head.seq)
		tail := q.tail.Load()
		next := head.next.Load()
		if head != q.head.Load() || headSeq != atomic.LoadUint64(&head.seq) {
			continue
		}
		if head == tail {
			if next == nil {
				atomic.AddUint64(&q.dequeueFailures, 1)
				return zero, false
			}
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		value := next.value
		if q.head.CompareAndSwap(head, next) {
			atomic.AddInt64(&q.size, -1)
			atomic.AddUint64(&q.totalDequeued, 1)
			// head retires to the GC; see the freeList comment.
			return value, true
		}
	}
}

// DequeueTimeout spins until a value arrives or the timeout elapses.
func (q *Queue[T]) DequeueTimeout(timeout time.Duration) (T, bool) {
	deadline := time.Now().Add(timeout)
	for {
		value, ok := q.Dequeue()
		if ok {
			return value, true
		}
		if time.Now().After(deadline) {
			var zero T
			return zero, false
		}
		runtime.Gosched()
	}
}

// Peek returns the oldest value without removing it. The result is advisory:
// by the time the caller acts on it, a concurrent consumer may already have
// taken it.
func (q *Queue[T]) Peek() (T, bool) {
	head := q.head.Load()
	next := head.next.Load()
	if next == nil {
		var zero T
		return zero, false
	}
	return next.value, true
}

// EnqueueBatch enqueues items in order and returns the count actually
// transferred, stopping at the first failure.
func (q *Queue[T]) EnqueueBatch(items []T) int {
	for i, item := range items {
		if !q.Enqueue(item) {
			return i
		}
	}
	return len(items)
}

// DequeueBatch fills out with up to len(out) values and returns the count
// actually transferred.
func (q *Queue[T]) DequeueBatch(out []T) int {
	for i := range out {
		value, ok := q.Dequeue()
		if !ok {
			return i
		}
		out[i] = value
	}
	return len(out)
}

// Len returns the current queue size.
func (q *Queue[T]) Len() uint64 {
	n := atomic.LoadInt64(&q.size)
	if n < 0 {
		return 0
	}
	return uint64(n)
}

// Empty reports whether the queue is empty.
func (q *Queue[T]) Empty() bool {
	head := q.head.Load()
	return head.next.Load() == nil
}

// Full reports whether a bounded queue is at capacity. Always false when
// unbounded.
func (q *Queue[T]) Full() bool {
	if q.maxSize == 0 {
		return false
	}
	return q.Len() >= q.maxSize
}

// Utilization returns size/capacity, or -1 when unbounded.
func (q *Queue[T]) Utilization() float64 {
	if q.maxSize == 0 {
		return -1.0
	}
	return float64(q.Len()) / float64(q.maxSize)
}

// Stats returns a counter snapshot.
func (q *Queue[T]) Stats() Stats {
	return Stats{
		TotalEnqueued:   atomic.LoadUint64(&q.totalEnqueued),
		TotalDequeued:   atomic.LoadUint64(&q.totalDequeued),
		EnqueueFailures: atomic.LoadUint64(&q.enqueueFailures),
		DequeueFailures: atomic.LoadUint64(&q.dequeueFailures),
		Dropped:         atomic.LoadUint64(&q.dropped),
		CurrentSize:     q.Len(),
		Utilization:     q.Utilization(),
	}
}

// ResetStats zeroes the counters.
func (q *Queue[T]) ResetStats() {
	atomic.StoreUint64(&q.totalEnqueued, 0)
	atomic.StoreUint64(&q.totalDequeued, 0)
	atomic.StoreUint64(&q.enqueueFailures, 0)
	atomic.StoreUint64(&q.dequeueFailures, 0)
	atomic.StoreUint64(&q.dropped, 0)
}

// Clear drains the queue, invoking drain for each value if non-nil.
// Not safe to call concurrently with producers or consumers: quiesce them
// first.
func (q *Queue[T]) Clear(drain func(T)) {
	for {
		value, ok := q.Dequeue()
		if !ok {
			return
		}
		if drain != nil {
			drain(value)
		}
	}
}

// PreallocateNodes seeds the free list with count nodes and returns how many
// were added.
func (q *Queue[T]) PreallocateNodes(count int) int {
	added := 0
	for i := 0; i < count; i++ {
		if atomic.LoadInt64(&q.freeCount) >= q.maxFreeNodes {
			break
		}
		n := &node[T]{}
		for {
			head := q.freeList.Load()
			n.next.Store(head)
			if q.freeList.CompareAndSwap(head, n) {
				break
			}
		}
		atomic.AddInt64(&q.freeCount, 1)
		added++
	}
	return added
}

// TrimFreeNodes shrinks the free list down to target nodes and returns how
// many were released to the garbage collector.
func (q *Queue[T]) TrimFreeNodes(target int) int {
	freed := 0
	for atomic.LoadInt64(&q.freeCount) > int64(target) {
		head := q.freeList.Load()
		if head == nil {
			break
		}
		next := head.next.Load()
		if q.freeList.CompareAndSwap(head, next) {
			atomic.AddInt64(&q.freeCount, -1)
			freed++
		}
	}
	return freed
}

// validateIterationCap bounds the reachability walk in Validate.
const validateIterationCap = 1000000

// Validate checks structural sanity: head and tail are set and tail is
// reachable from head. Like Clear, callers must quiesce producers and
// consumers first.
func (q *Queue[T]) Validate() bool {
	head := q.head.Load()
	tail := q.tail.Load()
	if head == nil || tail == nil {
		return false
	}
	current := head
	for i := 0; i < validateIterationCap; i++ {
		if current == tail {
			return true
		}
		next := current.next.Load()
		if next == nil {
			return current == tail
		}
		current = next
	}
	return false
}
