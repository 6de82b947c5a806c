package coordinator

import "sync"
import "sync/atomic"
import "time"

import "github.com/justmebob123/crystalline/hierarchy"

// EpochState tracks one batch-distribution/reduction/step cycle.
type EpochState struct {
	number    uint32
	active    uint32
	total     uint64
	processed uint64

	failed    uint32
	failStage atomic.Value // string

	started time.Time
}

// Number returns the current epoch number, starting at 1 for the first
// started epoch.
func (e *EpochState) Number() uint32 {
	return atomic.LoadUint32(&e.number)
}

// Active reports whether an epoch is in flight.
func (e *EpochState) Active() bool {
	return atomic.LoadUint32(&e.active) != 0
}

// Total returns the epoch's batch quota.
func (e *EpochState) Total() uint64 {
	return atomic.LoadUint64(&e.total)
}

// Processed returns how many batches leaves have completed this epoch.
func (e *EpochState) Processed() uint64 {
	return atomic.LoadUint64(&e.processed)
}

// BatchesDone reports whether the epoch's batch quota has been met.
func (e *EpochState) BatchesDone() bool {
	return e.Processed() >= e.Total()
}

// Failed reports whether this epoch was marked failed, and at which stage.
func (e *EpochState) Failed() (bool, string) {
	if atomic.LoadUint32(&e.failed) == 0 {
		return false, ""
	}
	stage, _ := e.failStage.Load().(string)
	return true, stage
}

func (e *EpochState) markFailed(stage string) {
	if atomic.CompareAndSwapUint32(&e.failed, 0, 1) {
		e.failStage.Store(stage)
	}
}

func (e *EpochState) begin(total uint64) {
	atomic.AddUint32(&e.number, 1)
	atomic.StoreUint64(&e.total, total)
	atomic.StoreUint64(&e.processed, 0)
	atomic.StoreUint32(&e.failed, 0)
	e.failStage.Store("")
	e.started = time.Now()
	atomic.StoreUint32(&e.active, 1)
}

func (e *EpochState) finish() {
	atomic.StoreUint32(&e.active, 0)
}

// NodeStat is one node's counters as sampled by the health monitor.
type NodeStat struct {
	ID         int
	State      hierarchy.NodeState
	Processed  uint64
	QueueDepth uint64
}

// SystemHealth is the coordinator's aggregate view of node liveness, with
// per-node state, inbox depth and processed counts from the last sample.
type SystemHealth struct {
	mu sync.Mutex

	HealthyNodes int
	FailedNodes  int
	FlaggedIDs   []int
	Nodes        []NodeStat
	LastCheck    time.Time
}

func (h *SystemHealth) update(healthy int, flagged []int, nodes []NodeStat) {
	h.mu.Lock()
	h.HealthyNodes = healthy
	h.FailedNodes = len(flagged)
	h.FlaggedIDs = append(h.FlaggedIDs[:0], flagged...)
	h.Nodes = append(h.Nodes[:0], nodes...)
	h.LastCheck = time.Now()
	h.mu.Unlock()
}

// Snapshot returns a copy safe to read without holding the lock.
func (h *SystemHealth) Snapshot() SystemHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	return SystemHealth{
		HealthyNodes: h.HealthyNodes,
		FailedNodes:  h.FailedNodes,
		FlaggedIDs:   append([]int(nil), h.FlaggedIDs...),
		Nodes:        append([]NodeStat(nil), h.Nodes...),
		LastCheck:    h.LastCheck,
	}
}
