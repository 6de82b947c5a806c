package coordinator

import "os"
import "strings"
import "sync"
import "testing"
import "time"

import "github.com/justmebob123/crystalline/batch"
import "github.com/justmebob123/crystalline/hierarchy"
import "github.com/justmebob123/crystalline/message"

type recordingStore struct {
	mu         sync.Mutex
	broadcasts int
	last       []float64
}

func (s *recordingStore) BroadcastWeights(weights []float64) error {
	s.mu.Lock()
	s.broadcasts++
	s.last = append(s.last[:0], weights...)
	s.mu.Unlock()
	return nil
}

type blobSerializer struct {
	snapshot []byte
	restored []byte
}

func (s *blobSerializer) Snapshot() ([]byte, error) { return s.snapshot, nil }
func (s *blobSerializer) Restore(data []byte) error {
	s.restored = append([]byte(nil), data...)
	return nil
}

func constantGradient(vec []float64) GradientFunc {
	return func(b *batch.Batch, params []float64) (float64, []float64, error) {
		return 0, append([]float64(nil), vec...), nil
	}
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.GradientSize = 4
	cfg.HealthInterval = 20 * time.Millisecond
	cfg.SphereTimeout = 10 * time.Second
	cfg.EpochBarrierTimeout = 2 * time.Second
	cfg.CheckpointDir = t.TempDir()
	return cfg
}

func pushBatches(c *Coordinator, n int, epoch uint32) {
	for i := 0; i < n; i++ {
		c.Batches().Enqueue(batch.NewBatch(uint64(i), epoch, 4, 1))
	}
}

func TestEndToEndOneStepPerEpoch(t *testing.T) {
	vec := []float64{0.5, -1, 2, 0.25}
	store := &recordingStore{}
	c, err := New(testConfig(t), constantGradient(vec), store, nil)
	if err != nil {
		t.Fatal(err)
	}
	// 1 root + 2 control + 8 leaves.
	if got := c.Tree().Count(); got != 11 {
		t.Fatalf("tree has %d nodes, want 11", got)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	for epoch := 1; epoch <= 2; epoch++ {
		if err := c.StartEpoch(100); err != nil {
			t.Fatal(err)
		}
		pushBatches(c, 100, uint32(epoch))
		if err := c.WaitEpochComplete(10 * time.Second); err != nil {
			t.Fatal(err)
		}
		if c.Step() != uint64(epoch) {
			t.Fatalf("epoch %d: %d optimizer steps", epoch, c.Step())
		}
		// 100 identical contributions average back to the constant vector.
		update := c.LastUpdate()
		for i := range vec {
			if diff := update[i] - vec[i]; diff > 1e-12 || diff < -1e-12 {
				t.Errorf("epoch %d update[%d] = %v, want %v", epoch, i, update[i], vec[i])
			}
		}
	}
	store.mu.Lock()
	broadcasts := store.broadcasts
	store.mu.Unlock()
	if broadcasts != 2 {
		t.Errorf("%d weight broadcasts, want 2", broadcasts)
	}
	params := c.Params()
	cfg := testConfig(t)
	for i := range vec {
		want := -2 * cfg.LearningRate * vec[i]
		if diff := params[i] - want; diff > 1e-12 || diff < -1e-12 {
			t.Errorf("params[%d] = %v, want %v", i, params[i], want)
		}
	}
}

func TestPauseGatesNewBatches(t *testing.T) {
	c, err := New(testConfig(t), constantGradient([]float64{1, 1, 1, 1}), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	if err := c.StartEpoch(50); err != nil {
		t.Fatal(err)
	}
	if err := c.Pause(); err != nil {
		t.Fatal(err)
	}
	pushBatches(c, 50, 1)
	time.Sleep(50 * time.Millisecond)
	if got := c.Epoch().Processed(); got != 0 {
		t.Errorf("processed %d batches while paused", got)
	}
	if err := c.Resume(); err != nil {
		t.Fatal(err)
	}
	if err := c.WaitEpochComplete(10 * time.Second); err != nil {
		t.Fatal(err)
	}
}

func TestStateTransitions(t *testing.T) {
	c, err := New(testConfig(t), constantGradient([]float64{1, 1, 1, 1}), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.State() != StateInitializing {
		t.Errorf("state %v, want INITIALIZING", c.State())
	}
	if err := c.Pause(); err == nil {
		t.Error("pause before start should fail")
	}
	if err := c.StartEpoch(1); err == nil {
		t.Error("epoch before start should fail")
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); err == nil {
		t.Error("double start should fail")
	}
	if err := c.Resume(); err == nil {
		t.Error("resume while running should fail")
	}
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	if c.State() != StateStopped {
		t.Errorf("state %v, want STOPPED", c.State())
	}
	if err := c.Stop(); err == nil {
		t.Error("double stop should fail")
	}
}

func TestSpawnAndTerminateSphere(t *testing.T) {
	cfg := testConfig(t)
	cfg.ControlNodes = 0
	cfg.LeafNodes = 2
	c, err := New(cfg, constantGradient([]float64{1, 0, 0, 0}), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	n, err := c.SpawnSphere(c.Tree().Root().ID, 5, false)
	if err != nil {
		t.Fatal(err)
	}
	if c.Tree().Count() != 4 {
		t.Fatalf("tree has %d nodes after spawn", c.Tree().Count())
	}
	if err := c.TerminateSphere(n.ID); err != nil {
		t.Fatal(err)
	}
	if c.Tree().Node(n.ID) != nil {
		t.Error("terminated sphere still present")
	}
	if err := c.Tree().Validate(); err != nil {
		t.Error(err)
	}
}

func TestLeafDequePrefetchAndSteal(t *testing.T) {
	cfg := testConfig(t)
	cfg.ControlNodes = 0
	cfg.LeafNodes = 2
	c, err := New(cfg, constantGradient([]float64{1, 0, 0, 0}), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	leaves := c.Tree().Leaves(c.Tree().Root().ID)
	busy, idle := leaves[0], leaves[1]
	pushBatches(c, 6, 1)

	// A dry deque refills from the shared queue: one batch returned, the
	// prefetched extras parked.
	if c.nextBatch(busy) == nil {
		t.Fatal("no batch from the shared queue")
	}
	if got := c.leafQueues[busy.ID].Len(); got != batchPrefetch-1 {
		t.Fatalf("deque holds %d batches after refill, want %d", got, batchPrefetch-1)
	}

	// The warm deque is served before the shared queue.
	shared := c.Batches().Len()
	if c.nextBatch(busy) == nil {
		t.Fatal("no batch from the deque")
	}
	if c.Batches().Len() != shared {
		t.Error("deque hit still drew from the shared queue")
	}

	// The other leaf drains the shared queue, then its own deque, and then
	// must steal the busy leaf's parked batches.
	for c.nextBatch(idle) != nil {
	}
	if got := c.leafQueues[busy.ID].Len(); got != 0 {
		t.Errorf("busy leaf still holds %d batches after stealing", got)
	}
	if from, _ := c.leafQueues[busy.ID].StealStats(); from == 0 {
		t.Error("no steals recorded against the busy leaf's deque")
	}
	if _, into := c.leafQueues[idle.ID].StealStats(); into == 0 {
		t.Error("idle leaf recorded no stolen batches")
	}
}

func TestStatsRequestRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	cfg.ControlNodes = 0
	cfg.LeafNodes = 1
	c, err := New(cfg, constantGradient([]float64{1, 0, 0, 0}), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	root := c.Tree().Root()
	leaf := c.Tree().Leaves(root.ID)[0]
	leaf.IncProcessed()

	leaf.Inbox.Enqueue(message.New(message.StatsRequest, message.PriorityNormal, root.ID, leaf.ID))
	if !c.checkInbox(leaf) {
		t.Fatal("stats request must not shut the node down")
	}
	reply := root.Inbox.DequeueType(message.StatsReport)
	if reply == nil {
		t.Fatal("no stats report at the root")
	}
	p, ok := reply.Payload.(message.StatsPayload)
	if !ok {
		t.Fatalf("payload %T", reply.Payload)
	}
	if p.NodeID != leaf.ID || p.BatchesProcessed != 1 {
		t.Errorf("report = %+v", p)
	}
}

func TestTerminateReroutesClonedWorkMessages(t *testing.T) {
	cfg := testConfig(t)
	cfg.ControlNodes = 0
	cfg.LeafNodes = 2
	cfg.RequeueOnTerminate = true
	c, err := New(cfg, constantGradient([]float64{1, 0, 0, 0}), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	root := c.Tree().Root()
	leaves := c.Tree().Leaves(root.ID)
	victim := leaves[0]

	offer := message.New(message.WorkOffer, message.PriorityNormal, leaves[1].ID, message.Broadcast)
	victim.Inbox.Enqueue(offer)
	parked := batch.NewBatch(7, 1, 4, 1)
	c.leafQueues[victim.ID].Push(workItem(victim, parked))

	if err := c.TerminateSphere(victim.ID); err != nil {
		t.Fatal(err)
	}
	got := root.Inbox.DequeueType(message.WorkOffer)
	if got == nil {
		t.Fatal("work message not rerouted to the root")
	}
	if got == offer {
		t.Error("reroute must copy the message, not mutate the shared pointer")
	}
	if got.Receiver != root.ID {
		t.Errorf("rerouted receiver = %d, want %d", got.Receiver, root.ID)
	}
	if offer.Receiver != message.Broadcast {
		t.Error("original broadcast message was mutated")
	}
	rb := c.Batches().TryDequeue()
	if rb == nil || rb.ID != 7 {
		t.Errorf("parked batch not back on the shared queue: %+v", rb)
	}
	if _, ok := c.leafQueues[victim.ID]; ok {
		t.Error("terminated leaf still owns a deque")
	}
}

func TestTerminateDiscardsWorkByPolicy(t *testing.T) {
	cfg := testConfig(t)
	cfg.ControlNodes = 0
	cfg.LeafNodes = 2
	cfg.RequeueOnTerminate = false
	c, err := New(cfg, constantGradient([]float64{1, 0, 0, 0}), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	root := c.Tree().Root()
	victim := c.Tree().Leaves(root.ID)[0]

	victim.Inbox.Enqueue(message.New(message.WorkOffer, message.PriorityNormal, root.ID, victim.ID))
	c.leafQueues[victim.ID].Push(workItem(victim, batch.NewBatch(9, 1, 4, 1)))

	if err := c.TerminateSphere(victim.ID); err != nil {
		t.Fatal(err)
	}
	if m := root.Inbox.DequeueType(message.WorkOffer); m != nil {
		t.Errorf("discard policy rerouted a message: %+v", m)
	}
	if b := c.Batches().TryDequeue(); b != nil {
		t.Errorf("discard policy requeued a batch: %+v", b)
	}
}

func TestRecoverSphereAbortsEpochByPolicy(t *testing.T) {
	cfg := testConfig(t)
	cfg.AbortEpochOnFailure = true
	c, err := New(cfg, constantGradient([]float64{1, 0, 0, 0}), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	if err := c.StartEpoch(10); err != nil {
		t.Fatal(err)
	}
	leaves := c.Tree().Leaves(c.Tree().Root().ID)
	victim := leaves[0]
	parent, partition := victim.Parent(), victim.Partition
	replacement, err := c.RecoverSphere(victim.ID)
	if err != nil {
		t.Fatal(err)
	}
	if replacement.Parent() != parent || replacement.Partition != partition {
		t.Error("replacement not in the failed node's slot")
	}
	err = c.WaitEpochComplete(time.Second)
	if err == nil {
		t.Fatal("aborted epoch should fail the wait")
	}
	if !strings.Contains(err.Error(), "recovery") {
		t.Errorf("error should name the recovery stage: %v", err)
	}
	if c.Step() != 0 {
		t.Error("no optimizer step may be applied for a failed epoch")
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	serial := &blobSerializer{snapshot: []byte("weights-blob")}
	c, err := New(cfg, constantGradient([]float64{1, 1, 1, 1}), nil, serial)
	if err != nil {
		t.Fatal(err)
	}
	c.SetParams([]float64{1, 2, 3, 4})
	id, err := c.Checkpoint("run1")
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("empty checkpoint id")
	}

	serial2 := &blobSerializer{}
	c2, err := New(cfg, constantGradient([]float64{1, 1, 1, 1}), nil, serial2)
	if err != nil {
		t.Fatal(err)
	}
	if err := c2.Restore("run1"); err != nil {
		t.Fatal(err)
	}
	if c2.Tree().Count() != c.Tree().Count() {
		t.Errorf("restored %d nodes, want %d", c2.Tree().Count(), c.Tree().Count())
	}
	if err := c2.Tree().Validate(); err != nil {
		t.Error(err)
	}
	got := c2.Params()
	for i, want := range []float64{1, 2, 3, 4} {
		if got[i] != want {
			t.Errorf("restored params[%d] = %v, want %v", i, got[i], want)
		}
	}
	if string(serial2.restored) != "weights-blob" {
		t.Errorf("serializer payload %q", serial2.restored)
	}
	// The restored coordinator must be startable.
	if err := c2.Start(); err != nil {
		t.Fatal(err)
	}
	if err := c2.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestRestoreRejectsCorruptCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	c, err := New(cfg, constantGradient([]float64{1, 1, 1, 1}), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Checkpoint("good"); err != nil {
		t.Fatal(err)
	}
	path := c.checkpointPath("good")
	if err := os.WriteFile(path, []byte("not a checkpoint"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := c.Restore("good"); err == nil {
		t.Error("corrupt checkpoint must fail the restore")
	}
	if err := c.Restore("missing"); err == nil {
		t.Error("missing checkpoint must fail the restore")
	}
}

func TestHealthMonitorFlagsSilentNodes(t *testing.T) {
	cfg := testConfig(t)
	cfg.ControlNodes = 0
	cfg.LeafNodes = 1
	cfg.HealthInterval = 10 * time.Millisecond
	cfg.SphereTimeout = time.Hour
	c, err := New(cfg, constantGradient([]float64{1, 0, 0, 0}), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	time.Sleep(40 * time.Millisecond)
	h := c.Health()
	if h.FailedNodes != 0 || h.HealthyNodes != 2 {
		t.Errorf("health = %d healthy, %d failed; want 2/0", h.HealthyNodes, h.FailedNodes)
	}
	if h.LastCheck.IsZero() {
		t.Error("health monitor never ran")
	}
	if len(h.Nodes) != 2 {
		t.Fatalf("sampled %d node stats, want 2", len(h.Nodes))
	}
	for _, ns := range h.Nodes {
		if ns.State == hierarchy.StateTerminated {
			t.Errorf("node %d sampled as terminated", ns.ID)
		}
	}
}

func TestThirteenthSphereRejected(t *testing.T) {
	cfg := testConfig(t)
	cfg.ControlNodes = 0
	cfg.LeafNodes = hierarchy.FanOut
	c, err := New(cfg, constantGradient([]float64{1, 0, 0, 0}), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	root := c.Tree().Root()
	if _, err := c.SpawnSphere(root.ID, 0, false); err == nil {
		t.Fatal("13th sphere should be rejected")
	}
	if len(root.Children()) != hierarchy.FanOut {
		t.Errorf("root has %d children, want %d", len(root.Children()), hierarchy.FanOut)
	}
}
