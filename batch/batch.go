// Package batch implements training batch objects, the bounded blocking
// batch queue and the preallocated batch pool.
package batch

import "sync"
import "sync/atomic"
import "time"

import "github.com/pkg/errors"

// Batch is one unit of training data flowing to a leaf sphere. The payload
// layout is opaque to the coordination core: Input, Target and Mask are flat
// sample-major slices of Width values per sample. A batch is shared by
// reference count; Retain/Release replace any direct free. Pool-owned
// batches return to their pool when the count reaches zero.
type Batch struct {
	ID    uint64
	Epoch uint32

	Input  []float64
	Target []float64
	Mask   []float64

	Size  int // samples
	Width int // values per sample

	pooled bool
	pool   *Pool
	slot   int

	refs int32

	mu             sync.Mutex
	processed      bool
	processingTime time.Duration
}

// NewBatch creates a standalone batch with space for size samples of width
// values each and a reference count of one.
func NewBatch(id uint64, epoch uint32, size, width int) *Batch {
	b := &Batch{
		ID:     id,
		Epoch:  epoch,
		Size:   size,
		Width:  width,
		Input:  make([]float64, size*width),
		Target: make([]float64, size*width),
		Mask:   make([]float64, size*width),
	}
	b.refs = 1
	return b
}

// Retain increments the reference count.
func (b *Batch) Retain() {
	atomic.AddInt32(&b.refs, 1)
}

// Release decrements the reference count. At zero, a pool-owned batch goes
// back to its pool; a standalone batch is simply left to the garbage
// collector.
func (b *Batch) Release() {
	if atomic.AddInt32(&b.refs, -1) != 0 {
		return
	}
	if b.pooled && b.pool != nil {
		b.pool.put(b)
	}
}

// RefCount returns the current reference count.
func (b *Batch) RefCount() int {
	return int(atomic.LoadInt32(&b.refs))
}

// MarkProcessed records completion and the time processing took.
func (b *Batch) MarkProcessed(d time.Duration) {
	b.mu.Lock()
	b.processed = true
	b.processingTime = d
	b.mu.Unlock()
}

// Processed reports whether the batch has been processed, and how long it
// took.
func (b *Batch) Processed() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.processed, b.processingTime
}

// reset prepares a pooled batch for reuse.
func (b *Batch) reset() {
	b.mu.Lock()
	b.processed = false
	b.processingTime = 0
	b.mu.Unlock()
	atomic.StoreInt32(&b.refs, 1)
}

// Split divides the batch's samples across n new batches: an even share
// each, with the remainder going to the first. The payload slices alias the
// source batch, so the source must stay retained while the splits are live.
func (b *Batch) Split(n int) ([]*Batch, error) {
	if n <= 0 {
		return nil, errors.New("batch: split count must be positive")
	}
	if b.Size < n {
		return nil, errors.Errorf("batch: cannot split %d samples into %d parts", b.Size, n)
	}

	per := b.Size / n
	first := per + b.Size%n

	splits := make([]*Batch, n)
	offset := 0
	for i := 0; i < n; i++ {
		size := per
		if i == 0 {
			size = first
		}
		lo := offset * b.Width
		hi := (offset + size) * b.Width
		splits[i] = &Batch{
			ID:     b.ID*1000 + uint64(i),
			Epoch:  b.Epoch,
			Size:   size,
			Width:  b.Width,
			Input:  b.Input[lo:hi],
			Target: b.Target[lo:hi],
			Mask:   b.Mask[lo:hi],
			refs:   1,
		}
		offset += size
	}
	return splits, nil
}

// Merge concatenates batches into one new batch. All inputs must share the
// same sample width; a mismatch fails the merge with no allocation kept.
func Merge(batches []*Batch) (*Batch, error) {
	if len(batches) == 0 {
		return nil, errors.New("batch: nothing to merge")
	}
	width := batches[0].Width
	total := 0
	for i, b := range batches {
		if b == nil {
			return nil, errors.Errorf("batch: nil batch at %d", i)
		}
		if b.Width != width {
			return nil, errors.Errorf("batch: shape mismatch at %d: width %d != %d", i, b.Width, width)
		}
		total += b.Size
	}

	merged := NewBatch(batches[0].ID, batches[0].Epoch, total, width)
	offset := 0
	for _, b := range batches {
		n := b.Size * b.Width
		copy(merged.Input[offset:], b.Input[:n])
		copy(merged.Target[offset:], b.Target[:n])
		copy(merged.Mask[offset:], b.Mask[:n])
		offset += n
	}
	return merged, nil
}
