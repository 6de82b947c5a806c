package coordinator

import "fmt"
import "sync"
import "sync/atomic"
import "time"

import "github.com/google/uuid"
import "github.com/pkg/errors"

import "github.com/justmebob123/crystalline/batch"
import "github.com/justmebob123/crystalline/gradient"
import "github.com/justmebob123/crystalline/hierarchy"
import "github.com/justmebob123/crystalline/message"
import "github.com/justmebob123/crystalline/parallel"
import "github.com/justmebob123/crystalline/threads"

// State is the coordinator lifecycle.
type State int32

const (
	StateInitializing State = iota
	StateRunning
	StatePaused
	StateStopping
	// StateStopped is absorbing.
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateRunning:
		return "RUNNING"
	case StatePaused:
		return "PAUSED"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	}
	return "UNKNOWN"
}

const idleSleep = 500 * time.Microsecond

// leafDequeCapacity bounds each leaf's private batch deque.
const leafDequeCapacity = 32

// batchPrefetch is how many batches a leaf pulls from the shared queue per
// refill. The extras park in its deque, where an idle sibling can steal them.
const batchPrefetch = 4

// fanOutWorkers bounds the goroutines used to fan an operation across the
// hierarchy.
const fanOutWorkers = 8

// Coordinator owns the root of the sphere hierarchy and drives training
// epochs across it.
type Coordinator struct {
	RunID string

	cfg    Config
	gradFn GradientFunc
	store  ParameterStore
	serial Serializer

	tree    *hierarchy.Tree
	batches *batch.Queue

	state int32

	mu         sync.Mutex
	params     []float64
	lastUpdate []float64
	step       uint64
	barrier    *parallel.SyncBarrier
	roles      map[int]bool
	heartbeats map[int]*int64
	leafQueues map[int]*parallel.WorkQueue

	epoch  EpochState
	health SystemHealth

	wg         sync.WaitGroup
	stopHealth chan struct{}
}

// New builds the hierarchy and the shared batch queue. The store and
// serializer may be nil when weight broadcast or checkpoint payloads are
// not needed.
func New(cfg Config, gradFn GradientFunc, store ParameterStore, serial Serializer) (*Coordinator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if gradFn == nil {
		return nil, errors.New("coordinator: gradient callback required")
	}
	c := &Coordinator{
		RunID:      uuid.New().String(),
		cfg:        cfg,
		gradFn:     gradFn,
		store:      store,
		serial:     serial,
		batches:    batch.NewQueue(cfg.BatchQueueCapacity),
		params:     make([]float64, cfg.GradientSize),
		roles:      make(map[int]bool),
		heartbeats: make(map[int]*int64),
		leafQueues: make(map[int]*parallel.WorkQueue),
		stopHealth: make(chan struct{}),
	}
	if err := c.buildTree(); err != nil {
		return nil, err
	}
	return c, nil
}

// buildTree spreads the leaves across the control nodes with the balanced
// allocation so no control node aggregates more children than another.
func (c *Coordinator) buildTree() error {
	tree, err := hierarchy.NewTree(hierarchy.TreeConfig{
		GradientSize:  c.cfg.GradientSize,
		Clip:          c.cfg.Clip,
		RootOp:        gradient.ReduceMean,
		InboxCapacity: c.cfg.InboxCapacity,
	})
	if err != nil {
		return err
	}
	c.tree = tree
	c.roles[tree.Root().ID] = true
	c.trackNode(tree.Root().ID)

	parents := []int{tree.Root().ID}
	if c.cfg.ControlNodes > 0 {
		parents = parents[:0]
		for p := 0; p < c.cfg.ControlNodes; p++ {
			ctrl, err := tree.AddChild(tree.Root().ID, p, true)
			if err != nil {
				return err
			}
			c.roles[ctrl.ID] = true
			c.trackNode(ctrl.ID)
			parents = append(parents, ctrl.ID)
		}
	}

	alloc, err := threads.NewAllocationWithStrategy(len(parents), c.cfg.LeafNodes,
		threads.Balanced, threads.UniformWorkload, nil)
	if err != nil {
		return err
	}
	slots := make(map[int]int, len(parents))
	for leaf := 0; leaf < c.cfg.LeafNodes; leaf++ {
		parent := parents[alloc.ThreadForPartition(leaf)]
		n, err := tree.AddChild(parent, slots[parent], false)
		if err != nil {
			return err
		}
		slots[parent]++
		c.trackNode(n.ID)
		c.leafQueues[n.ID] = parallel.NewWorkQueue(leafDequeCapacity)
	}
	return tree.Validate()
}

func (c *Coordinator) trackNode(id int) {
	hb := time.Now().UnixNano()
	c.heartbeats[id] = &hb
}

// State returns the coordinator lifecycle state.
func (c *Coordinator) State() State {
	return State(atomic.LoadInt32(&c.state))
}

func (c *Coordinator) setState(s State) {
	atomic.StoreInt32(&c.state, int32(s))
}

func (c *Coordinator) running() bool {
	s := c.State()
	return s == StateRunning || s == StatePaused
}

// Tree exposes the hierarchy for inspection.
func (c *Coordinator) Tree() *hierarchy.Tree {
	return c.tree
}

// Batches is the shared queue an external data source pushes into.
func (c *Coordinator) Batches() *batch.Queue {
	return c.batches
}

// Epoch returns the epoch state.
func (c *Coordinator) Epoch() *EpochState {
	return &c.epoch
}

// Health returns a snapshot of the latest liveness check.
func (c *Coordinator) Health() SystemHealth {
	return c.health.Snapshot()
}

// Params returns a copy of the current parameter vector.
func (c *Coordinator) Params() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]float64(nil), c.params...)
}

// SetParams replaces the parameter vector before Start.
func (c *Coordinator) SetParams(p []float64) error {
	if len(p) != c.cfg.GradientSize {
		return errors.Errorf("coordinator: %d params, want %d", len(p), c.cfg.GradientSize)
	}
	c.mu.Lock()
	copy(c.params, p)
	c.mu.Unlock()
	return nil
}

// LastUpdate returns the aggregate gradient applied by the most recent
// optimizer step.
func (c *Coordinator) LastUpdate() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]float64(nil), c.lastUpdate...)
}

// Step returns how many optimizer steps have been applied.
func (c *Coordinator) Step() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.step
}

// Start launches one goroutine per node plus the health monitor.
func (c *Coordinator) Start() error {
	if c.State() != StateInitializing {
		return errors.Errorf("coordinator: start in state %v", c.State())
	}
	c.setState(StateRunning)
	c.tree.TraversePre(c.tree.Root().ID, func(n *hierarchy.Node) error {
		c.launchNode(n)
		return nil
	})
	if c.cfg.HealthInterval > 0 {
		c.wg.Add(1)
		go c.healthLoop()
	}
	return nil
}

func (c *Coordinator) launchNode(n *hierarchy.Node) {
	c.mu.Lock()
	control := c.roles[n.ID]
	c.mu.Unlock()
	c.wg.Add(1)
	if control {
		go c.runControl(n)
	} else {
		go c.runLeaf(n)
	}
}

// Stop requests cooperative shutdown and joins every node goroutine before
// returning.
func (c *Coordinator) Stop() error {
	s := c.State()
	if s != StateRunning && s != StatePaused {
		return errors.Errorf("coordinator: stop in state %v", s)
	}
	c.setState(StateStopping)
	c.broadcast(message.New(message.ShutdownRequest, message.PriorityCritical, c.tree.Root().ID, message.Broadcast))
	c.batches.Close()
	close(c.stopHealth)
	c.wg.Wait()
	c.setState(StateStopped)
	return nil
}

// Pause stops leaves from accepting new batches. In-flight batches finish.
func (c *Coordinator) Pause() error {
	if c.State() != StateRunning {
		return errors.Errorf("coordinator: pause in state %v", c.State())
	}
	c.setState(StatePaused)
	return nil
}

// Resume reopens batch acceptance.
func (c *Coordinator) Resume() error {
	if c.State() != StatePaused {
		return errors.Errorf("coordinator: resume in state %v", c.State())
	}
	c.setState(StateRunning)
	return nil
}

// StartEpoch resets every gradient context, arms a barrier sized to the
// hierarchy and opens the epoch for totalBatches batches.
func (c *Coordinator) StartEpoch(totalBatches int) error {
	if !c.running() {
		return errors.Errorf("coordinator: start epoch in state %v", c.State())
	}
	if c.epoch.Active() {
		return errors.Errorf("coordinator: epoch %d still active", c.epoch.Number())
	}
	if totalBatches < 1 {
		return errors.Errorf("coordinator: epoch of %d batches", totalBatches)
	}
	c.fanOut(func(n *hierarchy.Node) {
		n.Grad.Reset()
	})
	// Each leaf may finalize as soon as it has absorbed its share of the
	// epoch. The shares sum to at least totalBatches, so leaves cannot all
	// stop before the global count completes.
	leaves := c.tree.Leaves(c.tree.Root().ID)
	if len(leaves) > 0 {
		quota := (totalBatches + len(leaves) - 1) / len(leaves)
		for _, leaf := range leaves {
			leaf.Grad.SetExpectedBatches(quota)
		}
	}
	c.mu.Lock()
	c.barrier = parallel.NewSyncBarrier(c.tree.Count())
	c.mu.Unlock()
	c.epoch.begin(uint64(totalBatches))
	c.broadcast(withPayload(
		message.New(message.EpochStart, message.PriorityHigh, c.tree.Root().ID, message.Broadcast),
		message.EpochPayload{Epoch: int(c.epoch.Number()), TotalBatches: totalBatches, LearningRate: c.cfg.LearningRate}))
	return nil
}

// WaitEpochComplete blocks until the root buffer is finalized, then applies
// exactly one optimizer step and broadcasts the weights. timeout <= 0 waits
// indefinitely. A failed epoch returns an error naming the failing stage
// and the healthy/failed node counts.
func (c *Coordinator) WaitEpochComplete(timeout time.Duration) error {
	if !c.epoch.Active() {
		return errors.New("coordinator: no active epoch")
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	root := c.tree.Root()
	for {
		if failed, stage := c.epoch.Failed(); failed {
			c.epoch.finish()
			h := c.Health()
			return errors.Errorf("coordinator: epoch %d failed at stage %q (%d healthy, %d failed nodes)",
				c.epoch.Number(), stage, h.HealthyNodes, h.FailedNodes)
		}
		if s := root.Grad.State(); s == gradient.Finalized {
			break
		}
		if timeout > 0 && !time.Now().Before(deadline) {
			c.epoch.markFailed("epoch_wait")
			c.epoch.finish()
			return errors.Errorf("coordinator: epoch %d timed out after %v", c.epoch.Number(), timeout)
		}
		if !c.running() {
			c.epoch.finish()
			return errors.New("coordinator: stopped during epoch")
		}
		time.Sleep(idleSleep)
	}

	update := root.Grad.Buffer().Values()
	c.mu.Lock()
	for i, g := range update {
		c.params[i] -= c.cfg.LearningRate * g
	}
	c.lastUpdate = update
	c.step++
	weights := append([]float64(nil), c.params...)
	c.mu.Unlock()
	c.epoch.finish()

	if c.store != nil {
		if err := c.store.BroadcastWeights(weights); err != nil {
			return errors.Wrap(err, "coordinator: weight broadcast")
		}
	}
	c.broadcast(withPayload(
		message.New(message.WeightsUpdated, message.PriorityHigh, c.tree.Root().ID, message.Broadcast),
		message.WeightPayload{Version: int(c.step)}))
	return nil
}

// EndEpoch is WaitEpochComplete without a timeout.
func (c *Coordinator) EndEpoch() error {
	return c.WaitEpochComplete(0)
}

// SpawnSphere attaches a new node under parentID at the given partition
// slot and, when the coordinator is running, starts its goroutine. A node
// spawned mid-epoch sits the current epoch out.
func (c *Coordinator) SpawnSphere(parentID, partition int, control bool) (*hierarchy.Node, error) {
	n, err := c.tree.AddChild(parentID, partition, control)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.roles[n.ID] = control
	hb := time.Now().UnixNano()
	c.heartbeats[n.ID] = &hb
	if !control {
		c.leafQueues[n.ID] = parallel.NewWorkQueue(leafDequeCapacity)
	}
	c.mu.Unlock()
	if c.running() {
		c.launchNode(n)
	}
	return n, nil
}

// TerminateSphere removes a node and its subtree. Pending work messages in
// the subtree's inboxes are rerouted to the root or discarded per policy,
// and batches parked in the subtree's deques go back to the shared queue
// or are released.
func (c *Coordinator) TerminateSphere(id int) error {
	n := c.tree.Node(id)
	if n == nil {
		return errors.Errorf("coordinator: node %d not found", id)
	}
	var pending []*message.Message
	var parked []*batch.Batch
	c.tree.TraversePre(id, func(sub *hierarchy.Node) error {
		for {
			m := sub.Inbox.Dequeue()
			if m == nil {
				break
			}
			if c.cfg.RequeueOnTerminate && (m.Type == message.WorkOffer || m.Type == message.WorkRequest) {
				pending = append(pending, m)
			}
		}
		c.mu.Lock()
		q := c.leafQueues[sub.ID]
		delete(c.leafQueues, sub.ID)
		c.mu.Unlock()
		if q != nil {
			for {
				item, ok := q.Pop()
				if !ok {
					break
				}
				parked = append(parked, item.Payload.(*batch.Batch))
			}
		}
		return nil
	})
	if err := c.tree.Terminate(id); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.roles, id)
	delete(c.heartbeats, id)
	c.mu.Unlock()
	root := c.tree.Root()
	for _, m := range pending {
		// A broadcast pointer may still sit in live inboxes; reroute a
		// copy, never the shared message.
		clone := *m
		clone.Receiver = root.ID
		root.Inbox.Enqueue(&clone)
	}
	for _, b := range parked {
		if c.cfg.RequeueOnTerminate && c.batches.TryEnqueue(b) {
			continue
		}
		b.Release()
	}
	return nil
}

// RecoverSphere terminates a flagged node and respawns it in the same slot
// under the same parent. The failed node's partial epoch contribution is
// lost; with AbortEpochOnFailure set, an active epoch is failed instead of
// silently under-averaging.
func (c *Coordinator) RecoverSphere(id int) (*hierarchy.Node, error) {
	n := c.tree.Node(id)
	if n == nil {
		return nil, errors.Errorf("coordinator: node %d not found", id)
	}
	parent, partition := n.Parent(), n.Partition
	c.mu.Lock()
	control := c.roles[id]
	c.mu.Unlock()
	if parent < 0 {
		return nil, errors.New("coordinator: cannot recover the root")
	}
	if err := c.TerminateSphere(id); err != nil {
		return nil, err
	}
	if c.epoch.Active() && c.cfg.AbortEpochOnFailure {
		c.epoch.markFailed("recovery")
	}
	return c.SpawnSphere(parent, partition, control)
}

// broadcast fans a message out to every inbox. It clones nothing: each
// inbox gets the same message pointer, which is read-only after
// construction.
func (c *Coordinator) broadcast(m *message.Message) {
	c.fanOut(func(n *hierarchy.Node) {
		n.Inbox.Enqueue(m)
	})
}

// fanOut applies f to every node in the hierarchy concurrently. f must be
// safe to call from arbitrary goroutines.
func (c *Coordinator) fanOut(f func(n *hierarchy.Node)) {
	var nodes []*hierarchy.Node
	c.tree.TraversePre(c.tree.Root().ID, func(n *hierarchy.Node) error {
		nodes = append(nodes, n)
		return nil
	})
	parallel.ForEach(len(nodes), fanOutWorkers, func(i int) {
		f(nodes[i])
	})
}

func withPayload(m *message.Message, payload any) *message.Message {
	m.Payload = payload
	return m
}

func (c *Coordinator) heartbeat(id int) {
	c.mu.Lock()
	hb := c.heartbeats[id]
	c.mu.Unlock()
	if hb != nil {
		atomic.StoreInt64(hb, time.Now().UnixNano())
	}
}

func (c *Coordinator) currentBarrier() *parallel.SyncBarrier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.barrier
}

// checkInbox drains control messages. Returns false when the node should
// shut down.
func (c *Coordinator) checkInbox(n *hierarchy.Node) bool {
	for {
		m := n.Inbox.DequeueForReceiver(n.ID)
		if m == nil {
			return true
		}
		m.MarkProcessed()
		switch m.Type {
		case message.ShutdownRequest:
			return false
		case message.StatsRequest:
			reply := message.New(message.StatsReport, message.PriorityLow, n.ID, m.Sender)
			reply.Payload = message.StatsPayload{NodeID: n.ID, BatchesProcessed: n.Processed(), QueueDepth: n.Inbox.Len()}
			if to := c.tree.Node(m.Sender); to != nil {
				to.Inbox.Enqueue(reply)
			}
		}
	}
}

// runLeaf is the batch-processing loop. Pause gates only the acceptance of
// new batches; a dequeued batch always completes.
func (c *Coordinator) runLeaf(n *hierarchy.Node) {
	defer c.wg.Done()
	n.SetState(hierarchy.StateIdle)
	var lastFinalized uint32
	if c.epoch.Active() {
		// Spawned mid-epoch: sit this one out.
		lastFinalized = c.epoch.Number()
	}
	for c.running() {
		if n.State() == hierarchy.StateTerminated {
			return
		}
		c.heartbeat(n.ID)
		if !c.checkInbox(n) {
			return
		}
		if !c.epoch.Active() {
			time.Sleep(idleSleep)
			continue
		}
		epochNum := c.epoch.Number()
		if c.epoch.BatchesDone() || n.Grad.AccumulationComplete() {
			if lastFinalized < epochNum {
				lastFinalized = epochNum
				c.finalizeLeaf(n)
			}
			time.Sleep(idleSleep)
			continue
		}
		if c.State() == StatePaused {
			time.Sleep(idleSleep)
			continue
		}
		b := c.nextBatch(n)
		if b == nil {
			time.Sleep(idleSleep)
			continue
		}
		c.processBatch(n, b)
	}
}

// nextBatch feeds a leaf: its own deque first, then the shared queue with a
// prefetch into the deque, then a steal from a sibling leaf's deque.
func (c *Coordinator) nextBatch(n *hierarchy.Node) *batch.Batch {
	c.mu.Lock()
	own := c.leafQueues[n.ID]
	c.mu.Unlock()
	if own == nil {
		return c.batches.TryDequeue()
	}
	if item, ok := own.Pop(); ok {
		return item.Payload.(*batch.Batch)
	}
	if b := c.batches.TryDequeue(); b != nil {
		for i := 1; i < batchPrefetch; i++ {
			extra := c.batches.TryDequeue()
			if extra == nil {
				break
			}
			if !own.Push(workItem(n, extra)) {
				if !c.batches.TryEnqueue(extra) {
					extra.Release()
				}
				break
			}
		}
		return b
	}
	c.mu.Lock()
	victims := make([]*parallel.WorkQueue, 0, len(c.leafQueues))
	for id, q := range c.leafQueues {
		if id != n.ID {
			victims = append(victims, q)
		}
	}
	c.mu.Unlock()
	for _, v := range victims {
		if item, ok := own.Steal(v); ok {
			return item.Payload.(*batch.Batch)
		}
	}
	return nil
}

func workItem(n *hierarchy.Node, b *batch.Batch) parallel.WorkItem {
	return parallel.WorkItem{ID: b.ID, Partition: n.Partition, Estimate: uint64(b.Size), Payload: b}
}

func (c *Coordinator) processBatch(n *hierarchy.Node, b *batch.Batch) {
	n.SetState(hierarchy.StateWorking)
	start := time.Now()
	_, grad, err := c.gradFn(b, c.Params())
	if err != nil {
		c.reportError(n, "compute", err)
	} else if err := n.Grad.AccumulateBatch(grad); err != nil {
		c.reportError(n, "accumulate", err)
	}
	b.MarkProcessed(time.Since(start))
	b.Release()
	n.IncProcessed()
	atomic.AddUint64(&c.epoch.processed, 1)
	n.SetState(hierarchy.StateIdle)
}

func (c *Coordinator) finalizeLeaf(n *hierarchy.Node) {
	if err := n.Grad.Finalize(); err != nil {
		c.reportError(n, "finalize", err)
		return
	}
	c.awaitBarrier(n)
}

// runControl is the aggregation loop for interior nodes and the root. It
// reduces once all children have finalized the current epoch.
func (c *Coordinator) runControl(n *hierarchy.Node) {
	defer c.wg.Done()
	var lastFinalized uint32
	if c.epoch.Active() {
		lastFinalized = c.epoch.Number()
	}
	for c.running() {
		if n.State() == hierarchy.StateTerminated {
			return
		}
		c.heartbeat(n.ID)
		if !c.checkInbox(n) {
			return
		}
		epochNum := c.epoch.Number()
		if !c.epoch.Active() || !c.epoch.BatchesDone() || lastFinalized >= epochNum {
			time.Sleep(idleSleep)
			continue
		}
		if failed, _ := c.epoch.Failed(); failed {
			lastFinalized = epochNum
			continue
		}
		if !n.Grad.ChildrenFinalized() {
			time.Sleep(idleSleep)
			continue
		}
		lastFinalized = epochNum
		if err := n.Grad.AccumulateFromChildren(); err != nil {
			c.reportError(n, "reduce", err)
			continue
		}
		if err := n.Grad.Finalize(); err != nil {
			c.reportError(n, "finalize", err)
			continue
		}
		c.awaitBarrier(n)
	}
}

// awaitBarrier parks the node until the whole hierarchy has finalized the
// epoch, bounded so a lost peer cannot wedge the loop.
func (c *Coordinator) awaitBarrier(n *hierarchy.Node) {
	bar := c.currentBarrier()
	if bar == nil {
		return
	}
	n.SetState(hierarchy.StateWaiting)
	timeout := c.cfg.EpochBarrierTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	bar.WaitTimeout(timeout)
	c.mu.Lock()
	control := c.roles[n.ID]
	c.mu.Unlock()
	if control {
		n.SetState(hierarchy.StateControl)
	} else {
		n.SetState(hierarchy.StateIdle)
	}
}

func (c *Coordinator) reportError(n *hierarchy.Node, stage string, err error) {
	c.epoch.markFailed(stage)
	m := message.New(message.ErrorReport, message.PriorityCritical, n.ID, c.tree.Root().ID)
	m.Payload = message.ErrorPayload{NodeID: n.ID, Stage: stage, Reason: err.Error()}
	c.tree.Root().Inbox.Enqueue(m)
	fmt.Println("node", n.ID, "failed at", stage+":", err)
}

// healthLoop samples node heartbeats plus each node's state, inbox depth
// and processed count. Spheres unresponsive past the timeout are flagged,
// not auto-recovered; the caller decides between RecoverSphere and abort.
func (c *Coordinator) healthLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopHealth:
			return
		case <-ticker.C:
		}
		now := time.Now().UnixNano()
		limit := c.cfg.SphereTimeout.Nanoseconds()
		var flagged []int
		healthy := 0
		c.mu.Lock()
		for id, hb := range c.heartbeats {
			if limit > 0 && now-atomic.LoadInt64(hb) > limit {
				flagged = append(flagged, id)
			} else {
				healthy++
			}
		}
		c.mu.Unlock()
		var nodes []NodeStat
		c.tree.TraversePre(c.tree.Root().ID, func(n *hierarchy.Node) error {
			nodes = append(nodes, NodeStat{
				ID:         n.ID,
				State:      n.State(),
				Processed:  n.Processed(),
				QueueDepth: n.Inbox.Len(),
			})
			return nil
		})
		c.health.update(healthy, flagged, nodes)
	}
}
