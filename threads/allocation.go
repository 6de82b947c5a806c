// Package threads maps physical worker threads to logical work partitions
// and load-balances the assignment.
package threads

import "fmt"
import "runtime"
import "sort"
import "sync"

import "github.com/klauspost/cpuid/v2"
import "github.com/pkg/errors"

// Strategy selects how partitions are dealt to threads.
type Strategy int

const (
	// OneToOne assigns one thread per partition (requires threads >= partitions).
	OneToOne Strategy = iota
	// RoundRobin deals partitions to threads cyclically.
	RoundRobin
	// Balanced packs partitions onto threads longest-processing-time first:
	// partitions sorted by estimated workload descending, each assigned to
	// the currently least-loaded thread.
	Balanced
	// PriorityBased deals partitions cyclically in a caller-supplied order.
	PriorityBased
	// Dynamic starts Balanced and recomputes from measured workloads on
	// Rebalance.
	Dynamic
)

// String returns the strategy name.
func (s Strategy) String() string {
	switch s {
	case OneToOne:
		return "ONE_TO_ONE"
	case RoundRobin:
		return "ROUND_ROBIN"
	case Balanced:
		return "BALANCED"
	case PriorityBased:
		return "PRIORITY_BASED"
	case Dynamic:
		return "DYNAMIC"
	}
	return "UNKNOWN"
}

// WorkloadEstimator predicts the work units a partition will cost. It must
// be safe to invoke from arbitrary worker threads.
type WorkloadEstimator func(partition int, ctx any) uint64

// Mapping is one thread's share of the partitions.
type Mapping struct {
	Thread         int
	PreferredCPU   int
	Partitions     []int
	EstimatedUnits uint64
	Actual         float64
}

// Allocation is a thread-to-partition assignment.
type Allocation struct {
	mu sync.RWMutex

	strategy      Strategy
	numThreads    int
	numPartitions int

	mappings          []Mapping
	partitionToThread []int

	estimator    WorkloadEstimator
	estimatorCtx any

	partitionActuals []uint64

	minWorkload float64
	maxWorkload float64
}

// DetectPhysicalCores returns the physical core count, falling back to the
// scheduler's CPU count when cpuid cannot tell.
func DetectPhysicalCores() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// OptimalThreadCount returns min(physical cores, partitions).
func OptimalThreadCount(partitions int) int {
	cores := DetectPhysicalCores()
	if cores < 1 {
		return 1
	}
	if cores > partitions {
		return partitions
	}
	return cores
}

// NewAllocation auto-selects the strategy the way the original partitioner
// does: OneToOne when threads cover the partitions, RoundRobin otherwise.
func NewAllocation(numThreads, numPartitions int) (*Allocation, error) {
	strategy := RoundRobin
	if numThreads >= numPartitions {
		strategy = OneToOne
	}
	return NewAllocationWithStrategy(numThreads, numPartitions, strategy, nil, nil)
}

// NewAllocationWithStrategy builds the assignment with an explicit strategy.
// The estimator may be nil (uniform workload assumed). PriorityBased callers
// use NewPriorityAllocation instead.
func NewAllocationWithStrategy(numThreads, numPartitions int, strategy Strategy,
	estimator WorkloadEstimator, estimatorCtx any) (*Allocation, error) {
	if numThreads < 1 {
		return nil, errors.New("threads: need at least one thread")
	}
	if numPartitions < 1 {
		return nil, errors.New("threads: need at least one partition")
	}
	if strategy == OneToOne && numThreads < numPartitions {
		return nil, errors.Errorf("threads: ONE_TO_ONE needs %d threads, have %d",
			numPartitions, numThreads)
	}
	if estimator == nil {
		estimator = UniformWorkload
	}

	a := &Allocation{
		strategy:      strategy,
		numThreads:    numThreads,
		numPartitions: numPartitions,
		estimator:     estimator,
		estimatorCtx:  estimatorCtx,
	}
	a.initMappings()

	switch strategy {
	case OneToOne:
		a.assignOneToOne()
	case RoundRobin:
		a.assignRoundRobin()
	case Balanced, Dynamic:
		a.assignBalanced(a.estimateAll())
	case PriorityBased:
		return nil, errors.New("threads: PRIORITY_BASED requires NewPriorityAllocation")
	default:
		return nil, errors.Errorf("threads: unknown strategy %d", strategy)
	}

	a.recomputeBalanceFactor()
	return a, nil
}

// NewPriorityAllocation deals partitions cyclically in the caller-supplied
// order. The order must be a permutation of the partition ids.
func NewPriorityAllocation(numThreads, numPartitions int, order []int) (*Allocation, error) {
	if numThreads < 1 || numPartitions < 1 {
		return nil, errors.New("threads: need at least one thread and partition")
	}
	if len(order) != numPartitions {
		return nil, errors.Errorf("threads: priority order has %d entries, want %d",
			len(order), numPartitions)
	}
	seen := make([]bool, numPartitions)
	for _, g := range order {
		if g < 0 || g >= numPartitions || seen[g] {
			return nil, errors.Errorf("threads: priority order is not a permutation (partition %d)", g)
		}
		seen[g] = true
	}

	a := &Allocation{
		strategy:      PriorityBased,
		numThreads:    numThreads,
		numPartitions: numPartitions,
		estimator:     UniformWorkload,
	}
	a.initMappings()
	for i, g := range order {
		a.assign(i%numThreads, g, a.estimator(g, nil))
	}
	a.recomputeBalanceFactor()
	return a, nil
}

func (a *Allocation) initMappings() {
	a.mappings = make([]Mapping, a.numThreads)
	for t := range a.mappings {
		a.mappings[t] = Mapping{Thread: t, PreferredCPU: t}
	}
	a.partitionToThread = make([]int, a.numPartitions)
	for g := range a.partitionToThread {
		a.partitionToThread[g] = -1
	}
}

// assign attaches partition g to thread t. Caller holds the lock or is
// still constructing.
func (a *Allocation) assign(t, g int, units uint64) {
	m := &a.mappings[t]
	m.Partitions = append(m.Partitions, g)
	m.EstimatedUnits += units
	a.partitionToThread[g] = t
}

func (a *Allocation) estimateAll() []uint64 {
	units := make([]uint64, a.numPartitions)
	for g := range units {
		units[g] = a.estimator(g, a.estimatorCtx)
	}
	return units
}

func (a *Allocation) assignOneToOne() {
	for g := 0; g < a.numPartitions; g++ {
		a.assign(g, g, a.estimator(g, a.estimatorCtx))
	}
	// Threads beyond the partition count stay unassigned.
}

func (a *Allocation) assignRoundRobin() {
	for g := 0; g < a.numPartitions; g++ {
		a.assign(g%a.numThreads, g, a.estimator(g, a.estimatorCtx))
	}
}

// assignBalanced packs longest-processing-time first.
func (a *Allocation) assignBalanced(units []uint64) {
	order := make([]int, len(units))
	for g := range order {
		order[g] = g
	}
	sort.Slice(order, func(i, j int) bool {
		gi, gj := order[i], order[j]
		if units[gi] != units[gj] {
			return units[gi] > units[gj]
		}
		return gi < gj
	})
	for _, g := range order {
		least := 0
		for t := 1; t < a.numThreads; t++ {
			if a.mappings[t].EstimatedUnits < a.mappings[least].EstimatedUnits {
				least = t
			}
		}
		a.assign(least, g, units[g])
	}
}

// recomputeBalanceFactor ignores idle threads: spare threads beyond the
// partition count say nothing about how evenly the work itself is spread.
func (a *Allocation) recomputeBalanceFactor() {
	a.minWorkload = -1
	a.maxWorkload = 0
	for t := range a.mappings {
		load := float64(a.mappings[t].EstimatedUnits)
		if load == 0 {
			continue
		}
		if load > a.maxWorkload {
			a.maxWorkload = load
		}
		if a.minWorkload < 0 || load < a.minWorkload {
			a.minWorkload = load
		}
	}
	if a.minWorkload < 0 {
		a.minWorkload = 0
	}
}

// Strategy returns the active strategy.
func (a *Allocation) Strategy() Strategy {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.strategy
}

// Threads returns the physical thread count.
func (a *Allocation) Threads() int { return a.numThreads }

// Partitions returns the work partition count.
func (a *Allocation) Partitions() int { return a.numPartitions }

// PartitionsForThread returns the partitions assigned to thread t.
func (a *Allocation) PartitionsForThread(t int) ([]int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if t < 0 || t >= a.numThreads {
		return nil, errors.Errorf("threads: thread %d out of range", t)
	}
	out := make([]int, len(a.mappings[t].Partitions))
	copy(out, a.mappings[t].Partitions)
	return out, nil
}

// ThreadForPartition returns the thread owning partition g, or -1.
func (a *Allocation) ThreadForPartition(g int) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if g < 0 || g >= a.numPartitions {
		return -1
	}
	return a.partitionToThread[g]
}

// Workload returns thread t's estimated work units.
func (a *Allocation) Workload(t int) uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if t < 0 || t >= a.numThreads {
		return 0
	}
	return a.mappings[t].EstimatedUnits
}

// Validate checks that every partition maps to exactly one thread.
func (a *Allocation) Validate() error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	covered := make([]bool, a.numPartitions)
	for t := range a.mappings {
		for _, g := range a.mappings[t].Partitions {
			if g < 0 || g >= a.numPartitions {
				return errors.Errorf("threads: invalid partition %d on thread %d", g, t)
			}
			if covered[g] {
				return errors.Errorf("threads: partition %d assigned to multiple threads", g)
			}
			if a.partitionToThread[g] != t {
				return errors.Errorf("threads: partition %d map disagrees with thread %d", g, t)
			}
			covered[g] = true
		}
	}
	for g, ok := range covered {
		if !ok {
			return errors.Errorf("threads: partition %d not assigned to any thread", g)
		}
	}
	return nil
}

// LoadBalanceFactor returns min/max estimated workload across threads that
// hold work. 1.0 is perfect balance.
func (a *Allocation) LoadBalanceFactor() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.maxWorkload == 0 {
		return 1.0
	}
	return a.minWorkload / a.maxWorkload
}

// UpdateActuals records measured per-partition workloads for Rebalance.
func (a *Allocation) UpdateActuals(perPartition []uint64) error {
	if len(perPartition) != a.numPartitions {
		return errors.Errorf("threads: got %d actuals, want %d", len(perPartition), a.numPartitions)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.partitionActuals = append([]uint64(nil), perPartition...)
	for t := range a.mappings {
		var sum uint64
		for _, g := range a.mappings[t].Partitions {
			sum += perPartition[g]
		}
		a.mappings[t].Actual = float64(sum)
	}
	return nil
}

// Rebalance recomputes a Balanced assignment from the most recent measured
// workloads and swaps the mapping in. It requires UpdateActuals first.
func (a *Allocation) Rebalance() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.partitionActuals == nil {
		return errors.New("threads: no measured workloads; call UpdateActuals first")
	}
	units := a.partitionActuals
	a.mappings = make([]Mapping, a.numThreads)
	for t := range a.mappings {
		a.mappings[t] = Mapping{Thread: t, PreferredCPU: t}
	}
	for g := range a.partitionToThread {
		a.partitionToThread[g] = -1
	}
	a.assignBalanced(units)
	a.strategy = Dynamic
	a.recomputeBalanceFactor()
	return nil
}

// String dumps the allocation, one thread per line.
func (a *Allocation) String() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := fmt.Sprintf("allocation[%s threads=%d partitions=%d balance=%.3f]\n",
		a.strategy, a.numThreads, a.numPartitions, a.balanceLocked())
	for t := range a.mappings {
		m := &a.mappings[t]
		s += fmt.Sprintf("  thread %d: partitions=%v units=%d\n", t, m.Partitions, m.EstimatedUnits)
	}
	return s
}

func (a *Allocation) balanceLocked() float64 {
	if a.maxWorkload == 0 {
		return 1.0
	}
	return a.minWorkload / a.maxWorkload
}
