// Package gradient implements per-node gradient buffers and their bottom-up
// tree reduction into a single aggregate for the optimizer step.
package gradient

import "math"
import "sync"

import "github.com/pkg/errors"

// Buffer accumulates gradients for one worker node. All methods lock; the
// raw values are never exposed mutably.
type Buffer struct {
	mu sync.Mutex

	Owner     int
	Partition int

	data       []float64
	batchCount int

	norm float64
	min  float64
	max  float64
	mean float64

	ready   bool
	invalid bool

	nanCount uint64
	infCount uint64
}

// NewBuffer allocates a zeroed buffer of size elements.
func NewBuffer(owner, partition, size int) (*Buffer, error) {
	if size < 1 {
		return nil, errors.Errorf("gradient: buffer size %d", size)
	}
	return &Buffer{
		Owner:     owner,
		Partition: partition,
		data:      make([]float64, size),
	}, nil
}

// Size returns the element count.
func (b *Buffer) Size() int {
	return len(b.data)
}

// Values returns a copy of the current contents.
func (b *Buffer) Values() []float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]float64, len(b.data))
	copy(out, b.data)
	return out
}

// BatchCount returns how many batches have contributed.
func (b *Buffer) BatchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.batchCount
}

// Ready reports whether the buffer has been finalized for pulling.
func (b *Buffer) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

func (b *Buffer) setReady(v bool) {
	b.mu.Lock()
	b.ready = v
	b.mu.Unlock()
}

// Invalid reports whether a stability scan found NaN or Inf.
func (b *Buffer) Invalid() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.invalid
}

// Counts returns how many NaN and Inf elements stability scans have seen.
func (b *Buffer) Counts() (nan, inf uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nanCount, b.infCount
}

// Zero resets contents, counters and flags for the next epoch.
func (b *Buffer) Zero() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.data {
		b.data[i] = 0
	}
	b.batchCount = 0
	b.norm, b.min, b.max, b.mean = 0, 0, 0, 0
	b.ready = false
	b.invalid = false
}

// AddValues accumulates one gradient contribution elementwise.
func (b *Buffer) AddValues(grad []float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(grad) != len(b.data) {
		return errors.Errorf("gradient: contribution size %d, buffer size %d", len(grad), len(b.data))
	}
	for i, g := range grad {
		b.data[i] += g
	}
	b.batchCount++
	return nil
}

// Add accumulates another buffer, scaled by weight, and folds in its batch
// count. Used by tree reduction to pull a child's finalized sum.
func (b *Buffer) Add(other *Buffer, weight float64) error {
	vals := other.Values()
	batches := other.BatchCount()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(vals) != len(b.data) {
		return errors.Errorf("gradient: buffer size %d vs %d", len(vals), len(b.data))
	}
	for i, v := range vals {
		b.data[i] += v * weight
	}
	b.batchCount += batches
	return nil
}

// Scale multiplies every element by f.
func (b *Buffer) Scale(f float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.data {
		b.data[i] *= f
	}
}

// ComputeStats refreshes norm, min, max and mean.
func (b *Buffer) ComputeStats() (norm, min, max, mean float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var sumSq, sum float64
	b.min = math.Inf(1)
	b.max = math.Inf(-1)
	for _, v := range b.data {
		sumSq += v * v
		sum += v
		if v < b.min {
			b.min = v
		}
		if v > b.max {
			b.max = v
		}
	}
	b.norm = math.Sqrt(sumSq)
	b.mean = sum / float64(len(b.data))
	return b.norm, b.min, b.max, b.mean
}

// CheckStability scans for NaN/Inf. Any hit marks the buffer invalid and
// returns an error; an invalid buffer must never be propagated.
func (b *Buffer) CheckStability() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var nan, inf uint64
	for _, v := range b.data {
		if math.IsNaN(v) {
			nan++
		} else if math.IsInf(v, 0) {
			inf++
		}
	}
	b.nanCount += nan
	b.infCount += inf
	if nan > 0 || inf > 0 {
		b.invalid = true
		return errors.Errorf("gradient: unstable buffer owner=%d (%d NaN, %d Inf)", b.Owner, nan, inf)
	}
	return nil
}

// ClipByValue clamps every element to [-v, v].
func (b *Buffer) ClipByValue(v float64) {
	if v <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, x := range b.data {
		if x > v {
			b.data[i] = v
		} else if x < -v {
			b.data[i] = -v
		}
	}
}

// ClipByNorm rescales the buffer to global L2 norm maxNorm when it exceeds
// it, and returns the pre-clip norm either way.
func (b *Buffer) ClipByNorm(maxNorm float64) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var sumSq float64
	for _, v := range b.data {
		sumSq += v * v
	}
	norm := math.Sqrt(sumSq)
	if maxNorm > 0 && norm > maxNorm {
		scale := maxNorm / norm
		for i := range b.data {
			b.data[i] *= scale
		}
	}
	b.norm = norm
	return norm
}

// Copy returns an independent snapshot.
func (b *Buffer) Copy() *Buffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := &Buffer{
		Owner:      b.Owner,
		Partition:  b.Partition,
		data:       append([]float64(nil), b.data...),
		batchCount: b.batchCount,
		norm:       b.norm,
		min:        b.min,
		max:        b.max,
		mean:       b.mean,
		ready:      b.ready,
		invalid:    b.invalid,
	}
	return out
}

// MergeBuffers sums srcs elementwise into a fresh buffer owned like the
// first source. Fails on size mismatch.
func MergeBuffers(srcs []*Buffer) (*Buffer, error) {
	if len(srcs) == 0 {
		return nil, errors.New("gradient: nothing to merge")
	}
	out, err := NewBuffer(srcs[0].Owner, srcs[0].Partition, srcs[0].Size())
	if err != nil {
		return nil, err
	}
	for _, s := range srcs {
		if err := out.Add(s, 1); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SplitBuffer divides src into n contiguous pieces, remainder to the first.
func SplitBuffer(src *Buffer, n int) ([]*Buffer, error) {
	if n < 1 {
		return nil, errors.Errorf("gradient: split into %d pieces", n)
	}
	vals := src.Values()
	if len(vals) < n {
		return nil, errors.Errorf("gradient: cannot split %d elements into %d pieces", len(vals), n)
	}
	share := len(vals) / n
	rem := len(vals) % n
	out := make([]*Buffer, n)
	off := 0
	for i := range out {
		size := share
		if i == 0 {
			size += rem
		}
		b, err := NewBuffer(src.Owner, src.Partition, size)
		if err != nil {
			return nil, err
		}
		copy(b.data, vals[off:off+size])
		off += size
		out[i] = b
	}
	return out, nil
}
