package coordinator

import "bytes"
import "compress/zlib"
import "encoding/json"
import "io"
import "os"
import "path/filepath"
import "sort"
import "sync/atomic"
import "time"

import "github.com/google/uuid"
import "github.com/pkg/errors"

import "github.com/justmebob123/crystalline/batch"
import "github.com/justmebob123/crystalline/gradient"
import "github.com/justmebob123/crystalline/hierarchy"
import "github.com/justmebob123/crystalline/parallel"

type nodeRecord struct {
	ID        int  `json:"id"`
	Parent    int  `json:"parent"`
	Partition int  `json:"partition"`
	Level     int  `json:"level"`
	Control   bool `json:"control"`
}

type checkpointFile struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	RunID   string    `json:"run_id"`
	Epoch   uint32    `json:"epoch"`
	Step    uint64    `json:"step"`
	Created time.Time `json:"created"`

	Params   []float64    `json:"params"`
	Topology []nodeRecord `json:"topology"`

	// Payload is the external serializer's opaque snapshot.
	Payload []byte `json:"payload,omitempty"`
}

func (c *Coordinator) checkpointPath(name string) string {
	dir := c.cfg.CheckpointDir
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, name+".ckpt")
}

// Checkpoint snapshots epoch state, parameters and hierarchy topology to a
// zlib-compressed JSON file and returns the checkpoint id. The external
// serializer, if set, contributes an opaque payload.
func (c *Coordinator) Checkpoint(name string) (string, error) {
	if name == "" {
		return "", errors.New("coordinator: checkpoint needs a name")
	}
	ck := checkpointFile{
		ID:      uuid.New().String(),
		Name:    name,
		RunID:   c.RunID,
		Epoch:   c.epoch.Number(),
		Created: time.Now(),
		Params:  c.Params(),
	}
	c.mu.Lock()
	ck.Step = c.step
	c.mu.Unlock()

	c.tree.TraversePre(c.tree.Root().ID, func(n *hierarchy.Node) error {
		c.mu.Lock()
		control := c.roles[n.ID]
		c.mu.Unlock()
		ck.Topology = append(ck.Topology, nodeRecord{
			ID:        n.ID,
			Parent:    n.Parent(),
			Partition: n.Partition,
			Level:     n.Level,
			Control:   control,
		})
		return nil
	})

	if c.serial != nil {
		payload, err := c.serial.Snapshot()
		if err != nil {
			return "", errors.Wrap(err, "coordinator: serializer snapshot")
		}
		ck.Payload = payload
	}

	raw, err := json.Marshal(&ck)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	if err := os.WriteFile(c.checkpointPath(name), buf.Bytes(), 0644); err != nil {
		return "", errors.Wrap(err, "coordinator: checkpoint write")
	}
	return ck.ID, nil
}

// Restore reloads a checkpoint by name, rebuilding the hierarchy topology
// and resuming at the recorded epoch and step. Only valid before Start or
// after Stop. A corrupt checkpoint fails the call outright.
func (c *Coordinator) Restore(name string) error {
	switch c.State() {
	case StateInitializing, StateStopped:
	default:
		return errors.Errorf("coordinator: restore in state %v", c.State())
	}

	data, err := os.ReadFile(c.checkpointPath(name))
	if err != nil {
		return errors.Wrap(err, "coordinator: checkpoint read")
	}
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "coordinator: corrupt checkpoint")
	}
	raw, err := io.ReadAll(zr)
	zr.Close()
	if err != nil {
		return errors.Wrap(err, "coordinator: corrupt checkpoint")
	}
	var ck checkpointFile
	if err := json.Unmarshal(raw, &ck); err != nil {
		return errors.Wrap(err, "coordinator: corrupt checkpoint")
	}
	if len(ck.Params) != c.cfg.GradientSize {
		return errors.Errorf("coordinator: checkpoint has %d params, want %d", len(ck.Params), c.cfg.GradientSize)
	}
	if len(ck.Topology) == 0 || ck.Topology[0].Parent != -1 {
		return errors.New("coordinator: corrupt checkpoint: bad topology root")
	}

	tree, roles, heartbeats, err := c.rebuildTopology(ck.Topology)
	if err != nil {
		return err
	}
	if c.serial != nil && ck.Payload != nil {
		if err := c.serial.Restore(ck.Payload); err != nil {
			return errors.Wrap(err, "coordinator: serializer restore")
		}
	}

	c.mu.Lock()
	c.tree = tree
	c.roles = roles
	c.heartbeats = heartbeats
	c.leafQueues = make(map[int]*parallel.WorkQueue)
	for id, control := range roles {
		if !control {
			c.leafQueues[id] = parallel.NewWorkQueue(leafDequeCapacity)
		}
	}
	copy(c.params, ck.Params)
	c.step = ck.Step
	// A stopped coordinator's queue and stop channel are spent; replace
	// them so Start works again.
	c.batches = batch.NewQueue(c.cfg.BatchQueueCapacity)
	c.stopHealth = make(chan struct{})
	c.mu.Unlock()
	atomic.StoreUint32(&c.epoch.number, ck.Epoch)
	atomic.StoreUint32(&c.epoch.active, 0)
	atomic.StoreUint64(&c.epoch.total, 0)
	atomic.StoreUint64(&c.epoch.processed, 0)
	atomic.StoreUint32(&c.epoch.failed, 0)
	c.setState(StateInitializing)
	return nil
}

// rebuildTopology replays node creation in id order so parents always exist
// before their children and the arena reassigns the recorded ids.
func (c *Coordinator) rebuildTopology(records []nodeRecord) (*hierarchy.Tree, map[int]bool, map[int]*int64, error) {
	tree, err := hierarchy.NewTree(hierarchy.TreeConfig{
		GradientSize:  c.cfg.GradientSize,
		Clip:          c.cfg.Clip,
		RootOp:        gradient.ReduceMean,
		InboxCapacity: c.cfg.InboxCapacity,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	roles := make(map[int]bool, len(records))
	heartbeats := make(map[int]*int64, len(records))
	roles[tree.Root().ID] = true
	hb := time.Now().UnixNano()
	heartbeats[tree.Root().ID] = &hb

	rest := append([]nodeRecord(nil), records[1:]...)
	sort.Slice(rest, func(i, j int) bool { return rest[i].ID < rest[j].ID })
	for _, r := range rest {
		n, err := tree.AddChild(r.Parent, r.Partition, r.Control)
		if err != nil {
			return nil, nil, nil, errors.Wrap(err, "coordinator: corrupt checkpoint topology")
		}
		if n.ID != r.ID {
			return nil, nil, nil, errors.Errorf("coordinator: corrupt checkpoint: node id %d replayed as %d", r.ID, n.ID)
		}
		roles[n.ID] = r.Control
		nhb := time.Now().UnixNano()
		heartbeats[n.ID] = &nhb
	}
	if err := tree.Validate(); err != nil {
		return nil, nil, nil, errors.Wrap(err, "coordinator: corrupt checkpoint topology")
	}
	return tree, roles, heartbeats, nil
}
