package gradient

import "sync"
import "time"

import "github.com/pkg/errors"

// DefaultMaxChildren is the fan-out limit inherited from the sphere
// partitioning scheme.
const DefaultMaxChildren = 12

// State is the reduction lifecycle of one node's context.
type State int

const (
	// Accumulating accepts per-batch contributions.
	Accumulating State = iota
	// Reducing pulls finalized child buffers.
	Reducing
	// Finalized holds the clipped, stability-checked aggregate.
	Finalized
	// Propagated means the parent has consumed this buffer.
	Propagated
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Accumulating:
		return "ACCUMULATING"
	case Reducing:
		return "REDUCING"
	case Finalized:
		return "FINALIZED"
	case Propagated:
		return "PROPAGATED"
	}
	return "UNKNOWN"
}

// Strategy controls when children are pulled during reduction.
type Strategy int

const (
	// Immediate pulls a child as soon as it finalizes.
	Immediate Strategy = iota
	// Deferred pulls all children together at reduction time.
	Deferred
	// Hierarchical pulls level by level, bottom-up. This is the mode the
	// coordinator uses for epoch reduction.
	Hierarchical
)

// ReduceOp is how a node finalizes its aggregate. Interior nodes keep raw
// sums (ReduceSum); configuring ReduceMean at the root yields the global
// batch average.
type ReduceOp int

const (
	ReduceSum ReduceOp = iota
	ReduceMean
	ReduceWeighted
)

// ClipConfig bounds the finalized gradient. Zero values disable a clip.
type ClipConfig struct {
	ByValue       float64
	ByNorm        float64
	CheckNumerics bool
}

type childRef struct {
	ctx    *Context
	weight float64
	pulled bool
}

// Context drives one node's share of the tree reduction.
type Context struct {
	mu sync.Mutex

	buf      *Buffer
	children []childRef

	maxChildren int
	state       State
	strategy    Strategy
	op          ReduceOp
	clip        ClipConfig

	expectedBatches int

	accumTime  time.Duration
	reduceTime time.Duration
}

// NewContext builds a reduction context with a zeroed buffer.
func NewContext(owner, partition, size int, strategy Strategy, op ReduceOp, clip ClipConfig) (*Context, error) {
	buf, err := NewBuffer(owner, partition, size)
	if err != nil {
		return nil, err
	}
	return &Context{
		buf:         buf,
		maxChildren: DefaultMaxChildren,
		strategy:    strategy,
		op:          op,
		clip:        clip,
	}, nil
}

// Buffer returns the node's gradient buffer.
func (c *Context) Buffer() *Buffer {
	return c.buf
}

// State returns the current reduction state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetExpectedBatches sets the per-epoch batch quota for AccumulationComplete.
func (c *Context) SetExpectedBatches(n int) {
	c.mu.Lock()
	c.expectedBatches = n
	c.mu.Unlock()
}

// SetMaxChildren overrides the fan-out limit. It cannot drop below 1 or
// below the registered child count.
func (c *Context) SetMaxChildren(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n < 1 {
		return errors.Errorf("gradient: max children %d out of range", n)
	}
	if n < len(c.children) {
		return errors.Errorf("gradient: %d children already registered, cannot cap at %d", len(c.children), n)
	}
	c.maxChildren = n
	return nil
}

// RegisterChild attaches a child context with the given pull weight.
// Weights other than 1 only matter under ReduceWeighted.
func (c *Context) RegisterChild(child *Context, weight float64) error {
	if child == nil || child == c {
		return errors.New("gradient: invalid child context")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.children) >= c.maxChildren {
		return errors.Errorf("gradient: owner %d already has %d children", c.buf.Owner, c.maxChildren)
	}
	for _, ref := range c.children {
		if ref.ctx == child {
			return errors.New("gradient: child already registered")
		}
	}
	if c.op != ReduceWeighted {
		weight = 1
	}
	c.children = append(c.children, childRef{ctx: child, weight: weight})
	return nil
}

// UnregisterChild detaches a child. Its past contributions, if any, stay in
// the buffer.
func (c *Context) UnregisterChild(child *Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, ref := range c.children {
		if ref.ctx == child {
			c.children = append(c.children[:i], c.children[i+1:]...)
			return nil
		}
	}
	return errors.New("gradient: child not registered")
}

// Children returns the registered child count.
func (c *Context) Children() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.children)
}

// AccumulateBatch folds one batch's gradient into the local buffer. Only
// valid while Accumulating.
func (c *Context) AccumulateBatch(grad []float64) error {
	c.mu.Lock()
	if c.state != Accumulating {
		c.mu.Unlock()
		return errors.Errorf("gradient: accumulate in state %v", c.state)
	}
	c.mu.Unlock()
	start := time.Now()
	err := c.buf.AddValues(grad)
	c.mu.Lock()
	c.accumTime += time.Since(start)
	c.mu.Unlock()
	return err
}

// Timing returns the cumulative time spent accumulating batches and pulling
// children since the last Reset.
func (c *Context) Timing() (accum, reduce time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accumTime, c.reduceTime
}

// AccumulationComplete reports whether the batch quota has been reached.
func (c *Context) AccumulationComplete() bool {
	c.mu.Lock()
	quota := c.expectedBatches
	c.mu.Unlock()
	return quota > 0 && c.buf.BatchCount() >= quota
}

// ChildrenFinalized reports whether every registered child has reached
// Finalized or beyond.
func (c *Context) ChildrenFinalized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ref := range c.children {
		if s := ref.ctx.State(); s != Finalized && s != Propagated {
			return false
		}
	}
	return true
}

// AccumulateFromChildren pulls finalized child buffers into the local one.
// Under Deferred and Hierarchical the node moves to Reducing and every child
// must already be Finalized; one that is not fails the call closed, marking
// this buffer invalid so nothing is propagated. Under Immediate the call
// pulls whatever children are ready, skips the rest for a later pass, and
// only moves to Reducing once the last child has been pulled. An invalid
// child buffer fails closed under every strategy.
func (c *Context) AccumulateFromChildren() error {
	c.mu.Lock()
	if c.state != Accumulating && c.state != Reducing {
		c.mu.Unlock()
		return errors.Errorf("gradient: reduce in state %v", c.state)
	}
	strategy := c.strategy
	if strategy != Immediate {
		c.state = Reducing
	}
	children := make([]*childRef, 0, len(c.children))
	for i := range c.children {
		if !c.children[i].pulled {
			children = append(children, &c.children[i])
		}
	}
	c.mu.Unlock()

	start := time.Now()
	defer func() {
		c.mu.Lock()
		c.reduceTime += time.Since(start)
		c.mu.Unlock()
	}()
	for _, ref := range children {
		if s := ref.ctx.State(); s != Finalized {
			if strategy == Immediate {
				continue
			}
			c.buf.mu.Lock()
			c.buf.invalid = true
			c.buf.mu.Unlock()
			return errors.Errorf("gradient: child owner %d not finalized (state %v)", ref.ctx.buf.Owner, s)
		}
		if ref.ctx.buf.Invalid() {
			c.buf.mu.Lock()
			c.buf.invalid = true
			c.buf.mu.Unlock()
			return errors.Errorf("gradient: child owner %d buffer invalid", ref.ctx.buf.Owner)
		}
		if err := c.buf.Add(ref.ctx.buf, ref.weight); err != nil {
			return err
		}
		ref.ctx.markPropagated()
		c.mu.Lock()
		ref.pulled = true
		c.mu.Unlock()
	}
	if strategy == Immediate {
		c.mu.Lock()
		all := true
		for i := range c.children {
			if !c.children[i].pulled {
				all = false
				break
			}
		}
		if all {
			c.state = Reducing
		}
		c.mu.Unlock()
	}
	return nil
}

// Finalize applies the reduce op, clipping and the stability scan, then
// marks the buffer ready. A leaf transitions Accumulating -> Finalized
// directly; interior nodes call AccumulateFromChildren first.
func (c *Context) Finalize() error {
	c.mu.Lock()
	if c.state == Accumulating && len(c.children) == 0 {
		c.state = Reducing
	}
	if c.state != Reducing {
		c.mu.Unlock()
		return errors.Errorf("gradient: finalize in state %v", c.state)
	}
	for i := range c.children {
		if !c.children[i].pulled {
			c.mu.Unlock()
			return errors.Errorf("gradient: child owner %d not yet pulled", c.children[i].ctx.buf.Owner)
		}
	}
	op := c.op
	clip := c.clip
	c.mu.Unlock()

	if op == ReduceMean {
		if n := c.buf.BatchCount(); n > 1 {
			c.buf.Scale(1 / float64(n))
		}
	}
	if clip.ByValue > 0 {
		c.buf.ClipByValue(clip.ByValue)
	}
	if clip.ByNorm > 0 {
		c.buf.ClipByNorm(clip.ByNorm)
	}
	if clip.CheckNumerics {
		if err := c.buf.CheckStability(); err != nil {
			return err
		}
	}
	c.buf.ComputeStats()
	c.buf.setReady(true)

	c.mu.Lock()
	c.state = Finalized
	c.mu.Unlock()
	return nil
}

func (c *Context) markPropagated() {
	c.mu.Lock()
	if c.state == Finalized {
		c.state = Propagated
	}
	c.mu.Unlock()
}

// Reset zeroes the buffer and returns to Accumulating for the next epoch.
// Child registrations survive.
func (c *Context) Reset() {
	c.mu.Lock()
	c.state = Accumulating
	c.accumTime = 0
	c.reduceTime = 0
	for i := range c.children {
		c.children[i].pulled = false
	}
	c.mu.Unlock()
	c.buf.Zero()
}
