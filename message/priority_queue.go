package message

import "time"

import "github.com/justmebob123/crystalline/lockfree"

// PriorityQueue is four independent lock-free queues, one per priority tier.
// Dequeue always drains CRITICAL first, then HIGH, NORMAL, LOW. The priority
// is strict, not round-robin: sustained CRITICAL traffic starves the lower
// tiers. That limitation is deliberate and unmitigated; control traffic is
// expected to be sparse.
type PriorityQueue struct {
	tiers [NumPriorities]*lockfree.Queue[*Message]
}

// NewPriorityQueue creates a priority queue. maxPerTier bounds each tier
// (0 = unbounded); a full tier drops new messages.
func NewPriorityQueue(maxPerTier uint64) *PriorityQueue {
	pq := &PriorityQueue{}
	for i := range pq.tiers {
		pq.tiers[i] = lockfree.New[*Message](maxPerTier, true)
	}
	return pq
}

// Enqueue adds a message to its priority tier and reports acceptance.
func (pq *PriorityQueue) Enqueue(m *Message) bool {
	if m == nil || m.Priority < 0 || int(m.Priority) >= NumPriorities {
		return false
	}
	return pq.tiers[m.Priority].Enqueue(m)
}

// Dequeue removes the highest-priority message, or returns nil when every
// tier is empty.
func (pq *PriorityQueue) Dequeue() *Message {
	for p := NumPriorities - 1; p >= 0; p-- {
		if m, ok := pq.tiers[p].Dequeue(); ok {
			return m
		}
	}
	return nil
}

// DequeueTimeout spins until a message arrives or the timeout elapses.
func (pq *PriorityQueue) DequeueTimeout(timeout time.Duration) *Message {
	deadline := time.Now().Add(timeout)
	for {
		if m := pq.Dequeue(); m != nil {
			return m
		}
		if time.Now().After(deadline) {
			return nil
		}
	}
}

// DequeueForReceiver removes the highest-priority message addressed to
// receiver (directly or by Broadcast). This is an O(n) drain-and-requeue
// scan meant only for rare control traffic, never the steady-state path.
func (pq *PriorityQueue) DequeueForReceiver(receiver int) *Message {
	return pq.scan(func(m *Message) bool {
		return m.Receiver == receiver || m.Receiver == Broadcast
	})
}

// DequeueType removes the highest-priority message of the given type. O(n),
// same caveat as DequeueForReceiver.
func (pq *PriorityQueue) DequeueType(t Type) *Message {
	return pq.scan(func(m *Message) bool { return m.Type == t })
}

// scan drains each tier looking for the first match, requeueing everything
// else in its original order. The requeue must not drop: the tiers are
// drop-on-full, and a concurrent producer filling the freed slots would
// otherwise destroy messages the queue already accepted.
func (pq *PriorityQueue) scan(match func(*Message) bool) *Message {
	for p := NumPriorities - 1; p >= 0; p-- {
		tier := pq.tiers[p]
		var kept []*Message
		var found *Message
		for {
			m, ok := tier.Dequeue()
			if !ok {
				break
			}
			if found == nil && match(m) {
				found = m
				continue
			}
			kept = append(kept, m)
		}
		for _, m := range kept {
			tier.Requeue(m)
		}
		if found != nil {
			return found
		}
	}
	return nil
}

// Len returns the total queued message count across tiers.
func (pq *PriorityQueue) Len() uint64 {
	var total uint64
	for _, tier := range pq.tiers {
		total += tier.Len()
	}
	return total
}

// TierLen returns the queued count for one priority tier.
func (pq *PriorityQueue) TierLen(p Priority) uint64 {
	if p < 0 || int(p) >= NumPriorities {
		return 0
	}
	return pq.tiers[p].Len()
}

// Empty reports whether every tier is empty.
func (pq *PriorityQueue) Empty() bool {
	for _, tier := range pq.tiers {
		if !tier.Empty() {
			return false
		}
	}
	return true
}

// Stats returns per-tier counter snapshots indexed by Priority.
func (pq *PriorityQueue) Stats() [NumPriorities]lockfree.Stats {
	var out [NumPriorities]lockfree.Stats
	for i, tier := range pq.tiers {
		out[i] = tier.Stats()
	}
	return out
}

// Clear drains every tier. Callers must quiesce producers and consumers
// first.
func (pq *PriorityQueue) Clear() {
	for _, tier := range pq.tiers {
		tier.Clear(nil)
	}
}
