package batch

import "fmt"
import "sync"
import "sync/atomic"

import "github.com/pkg/errors"

// Pool is a fixed set of preallocated batches with availability flags.
// Allocate blocks until a slot frees; TryAllocate returns nil instead and
// counts a miss. Released pool batches become available again once their
// reference count reaches zero.
type Pool struct {
	mu        sync.Mutex
	available *sync.Cond

	batches []*Batch
	free    []bool

	batchSize int
	width     int

	allocations uint64
	releases    uint64
	hits        uint64
	misses      uint64
}

// NewPool preallocates poolSize batches of batchSize samples with width
// values per sample.
func NewPool(poolSize, batchSize, width int) (*Pool, error) {
	if poolSize <= 0 {
		return nil, errors.New("batch: pool size must be positive")
	}
	p := &Pool{
		batches:   make([]*Batch, poolSize),
		free:      make([]bool, poolSize),
		batchSize: batchSize,
		width:     width,
	}
	p.available = sync.NewCond(&p.mu)
	for i := range p.batches {
		b := NewBatch(uint64(i), 0, batchSize, width)
		b.pooled = true
		b.pool = p
		b.slot = i
		p.batches[i] = b
		p.free[i] = true
	}
	return p, nil
}

// Allocate takes a batch from the pool, blocking until one is available.
func (p *Pool) Allocate() *Batch {
	p.mu.Lock()
	defer p.mu.Unlock()

	atomic.AddUint64(&p.allocations, 1)
	for {
		for i, free := range p.free {
			if free {
				p.free[i] = false
				atomic.AddUint64(&p.hits, 1)
				b := p.batches[i]
				b.reset()
				return b
			}
		}
		p.available.Wait()
	}
}

// TryAllocate takes a batch without blocking, or returns nil and counts a
// miss.
func (p *Pool) TryAllocate() *Batch {
	p.mu.Lock()
	defer p.mu.Unlock()

	atomic.AddUint64(&p.allocations, 1)
	for i, free := range p.free {
		if free {
			p.free[i] = false
			atomic.AddUint64(&p.hits, 1)
			b := p.batches[i]
			b.reset()
			return b
		}
	}
	atomic.AddUint64(&p.misses, 1)
	return nil
}

// put marks a batch slot available again. Called by Batch.Release at
// refcount zero.
func (p *Pool) put(b *Batch) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b.slot < 0 || b.slot >= len(p.batches) || p.batches[b.slot] != b {
		return
	}
	atomic.AddUint64(&p.releases, 1)
	p.free[b.slot] = true
	p.available.Signal()
}

// Resize grows the pool to newSize slots. Shrinking is not supported, and
// resize is not safe to run concurrently with Allocate/Release: quiesce the
// pool first.
func (p *Pool) Resize(newSize int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if newSize < len(p.batches) {
		return errors.Errorf("batch: cannot shrink pool from %d to %d", len(p.batches), newSize)
	}
	for i := len(p.batches); i < newSize; i++ {
		b := NewBatch(uint64(i), 0, p.batchSize, p.width)
		b.pooled = true
		b.pool = p
		b.slot = i
		p.batches = append(p.batches, b)
		p.free = append(p.free, true)
	}
	p.available.Broadcast()
	return nil
}

// Size returns the pool slot count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batches)
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Allocations uint64
	Releases    uint64
	Hits        uint64
	Misses      uint64
}

// Stats returns the counter snapshot.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Allocations: atomic.LoadUint64(&p.allocations),
		Releases:    atomic.LoadUint64(&p.releases),
		Hits:        atomic.LoadUint64(&p.hits),
		Misses:      atomic.LoadUint64(&p.misses),
	}
}

// Efficiency returns hits/(hits+misses), or 0 before any allocation.
func (p *Pool) Efficiency() float64 {
	s := p.Stats()
	total := s.Hits + s.Misses
	if total == 0 {
		return 0.0
	}
	return float64(s.Hits) / float64(total)
}

// String dumps the pool counters.
func (p *Pool) String() string {
	s := p.Stats()
	return fmt.Sprintf("pool[size=%d alloc=%d release=%d hit=%d miss=%d eff=%.2f]",
		p.Size(), s.Allocations, s.Releases, s.Hits, s.Misses, p.Efficiency())
}
