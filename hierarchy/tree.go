package hierarchy

import "fmt"
import "sync"

import "github.com/pkg/errors"

import "github.com/justmebob123/crystalline/gradient"

// TreeConfig sizes the arena and its gradient contexts.
type TreeConfig struct {
	// MaxChildren caps the fan-out per node. 0 means FanOut.
	MaxChildren int
	// GradientSize is the element count of every node's gradient buffer.
	GradientSize int
	// Clip applies to every node's finalize step.
	Clip gradient.ClipConfig
	// RootOp is the root's reduce op; interior and leaf nodes always keep
	// raw sums so the aggregate stays exact up the tree.
	RootOp gradient.ReduceOp
	// InboxCapacity bounds each node's message inbox per priority tier.
	// 0 is unbounded.
	InboxCapacity uint64
}

// Tree is the arena of worker nodes. The root is created with the tree and
// lives until teardown; all other nodes come and go via AddChild and
// Terminate.
type Tree struct {
	mu sync.RWMutex

	cfg    TreeConfig
	nodes  map[int]*Node
	nextID int
	rootID int
}

// Visitor is called per node during traversal. It must be safe to invoke
// from arbitrary worker threads. A non-nil error stops the walk.
type Visitor func(n *Node) error

// NewTree builds an arena holding only the root node, in control role.
func NewTree(cfg TreeConfig) (*Tree, error) {
	if cfg.MaxChildren == 0 {
		cfg.MaxChildren = FanOut
	}
	if cfg.MaxChildren < 1 {
		return nil, errors.Errorf("hierarchy: max children %d", cfg.MaxChildren)
	}
	if cfg.GradientSize < 1 {
		return nil, errors.Errorf("hierarchy: gradient size %d", cfg.GradientSize)
	}
	t := &Tree{cfg: cfg, nodes: make(map[int]*Node)}
	grad, err := gradient.NewContext(0, 0, cfg.GradientSize, gradient.Hierarchical, cfg.RootOp, cfg.Clip)
	if err != nil {
		return nil, err
	}
	if err := grad.SetMaxChildren(cfg.MaxChildren); err != nil {
		return nil, err
	}
	root := newNode(0, 0, 0, -1, cfg.InboxCapacity, grad)
	root.state = StateControl
	t.nodes[0] = root
	t.rootID = 0
	t.nextID = 1
	return t, nil
}

// Root returns the root node.
func (t *Tree) Root() *Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nodes[t.rootID]
}

// Node looks up a node by id, nil if absent.
func (t *Tree) Node(id int) *Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nodes[id]
}

// Count returns the live node count.
func (t *Tree) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// AddChild attaches a new node under parentID with the given partition slot.
// Rejected, with no mutation, when the parent is full or the partition is
// already taken among the siblings. Control nodes route and aggregate only.
func (t *Tree) AddChild(parentID, partition int, control bool) (*Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	parent, ok := t.nodes[parentID]
	if !ok {
		return nil, errors.Errorf("hierarchy: parent %d not found", parentID)
	}
	if parent.State() == StateTerminated {
		return nil, errors.Errorf("hierarchy: parent %d is terminated", parentID)
	}
	if partition < 0 || partition >= t.cfg.MaxChildren {
		return nil, errors.Errorf("hierarchy: partition %d out of range [0,%d)", partition, t.cfg.MaxChildren)
	}

	parent.mu.Lock()
	if len(parent.children) >= t.cfg.MaxChildren {
		parent.mu.Unlock()
		return nil, errors.Errorf("hierarchy: node %d already has %d children", parentID, t.cfg.MaxChildren)
	}
	for _, cid := range parent.children {
		if t.nodes[cid].Partition == partition {
			parent.mu.Unlock()
			return nil, errors.Errorf("hierarchy: partition %d taken under node %d", partition, parentID)
		}
	}
	parent.mu.Unlock()

	id := t.nextID
	grad, err := gradient.NewContext(id, partition, t.cfg.GradientSize, gradient.Hierarchical, gradient.ReduceSum, t.cfg.Clip)
	if err != nil {
		return nil, err
	}
	if err := grad.SetMaxChildren(t.cfg.MaxChildren); err != nil {
		return nil, err
	}
	if err := parent.Grad.RegisterChild(grad, 1); err != nil {
		return nil, err
	}
	t.nextID++

	child := newNode(id, parent.Level+1, partition, parentID, t.cfg.InboxCapacity, grad)
	if control {
		child.state = StateControl
	}
	t.nodes[id] = child

	parent.mu.Lock()
	parent.children = append(parent.children, id)
	parent.mu.Unlock()
	return child, nil
}

// Terminate removes a node and its entire subtree from the arena, marking
// every removed node Terminated. The root cannot be terminated.
func (t *Tree) Terminate(id int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[id]
	if !ok {
		return errors.Errorf("hierarchy: node %d not found", id)
	}
	if id == t.rootID {
		return errors.New("hierarchy: cannot terminate the root")
	}

	parent := t.nodes[n.parent]
	if parent != nil {
		if err := parent.Grad.UnregisterChild(n.Grad); err != nil {
			return err
		}
		parent.mu.Lock()
		for i, cid := range parent.children {
			if cid == id {
				parent.children = append(parent.children[:i], parent.children[i+1:]...)
				break
			}
		}
		parent.mu.Unlock()
	}
	t.removeSubtree(id)
	return nil
}

func (t *Tree) removeSubtree(id int) {
	n, ok := t.nodes[id]
	if !ok {
		return
	}
	for _, cid := range n.Children() {
		t.removeSubtree(cid)
	}
	n.mu.Lock()
	n.state = StateTerminated
	n.cond.Broadcast()
	n.mu.Unlock()
	delete(t.nodes, id)
}

// Siblings returns the ids of the other children of the node's parent.
func (t *Tree) Siblings(id int) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok || n.parent < 0 {
		return nil
	}
	var out []int
	for _, cid := range t.nodes[n.parent].Children() {
		if cid != id {
			out = append(out, cid)
		}
	}
	return out
}

// TraversePre walks the subtree rooted at id parent-before-children.
func (t *Tree) TraversePre(id int, visit Visitor) error {
	n := t.Node(id)
	if n == nil {
		return errors.Errorf("hierarchy: node %d not found", id)
	}
	if err := visit(n); err != nil {
		return err
	}
	for _, cid := range n.Children() {
		if err := t.TraversePre(cid, visit); err != nil {
			return err
		}
	}
	return nil
}

// TraversePost walks the subtree rooted at id children-before-parent, the
// order gradient reduction runs in.
func (t *Tree) TraversePost(id int, visit Visitor) error {
	n := t.Node(id)
	if n == nil {
		return errors.Errorf("hierarchy: node %d not found", id)
	}
	for _, cid := range n.Children() {
		if err := t.TraversePost(cid, visit); err != nil {
			return err
		}
	}
	return visit(n)
}

// Leaves returns all leaf nodes under id in pre-order.
func (t *Tree) Leaves(id int) []*Node {
	var out []*Node
	t.TraversePre(id, func(n *Node) error {
		if n.IsLeaf() {
			out = append(out, n)
		}
		return nil
	})
	return out
}

// Depth returns the maximum level plus one.
func (t *Tree) Depth() int {
	depth := 0
	t.TraversePre(t.rootID, func(n *Node) error {
		if n.Level+1 > depth {
			depth = n.Level + 1
		}
		return nil
	})
	return depth
}

// Validate checks structural consistency: every node reachable from the
// root, parent/child links agreeing, partitions unique per parent.
func (t *Tree) Validate() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[int]bool, len(t.nodes))
	var walk func(id int) error
	walk = func(id int) error {
		n, ok := t.nodes[id]
		if !ok {
			return errors.Errorf("hierarchy: dangling child id %d", id)
		}
		if seen[id] {
			return errors.Errorf("hierarchy: node %d reachable twice", id)
		}
		seen[id] = true
		parts := make(map[int]bool)
		for _, cid := range n.Children() {
			c, ok := t.nodes[cid]
			if !ok {
				return errors.Errorf("hierarchy: dangling child id %d under %d", cid, id)
			}
			if c.parent != id {
				return errors.Errorf("hierarchy: node %d parent link disagrees", cid)
			}
			if c.Level != n.Level+1 {
				return errors.Errorf("hierarchy: node %d level %d under level %d", cid, c.Level, n.Level)
			}
			if parts[c.Partition] {
				return errors.Errorf("hierarchy: duplicate partition %d under %d", c.Partition, id)
			}
			parts[c.Partition] = true
			if err := walk(cid); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(t.rootID); err != nil {
		return err
	}
	if len(seen) != len(t.nodes) {
		return errors.Errorf("hierarchy: %d nodes unreachable from root", len(t.nodes)-len(seen))
	}
	return nil
}

// String dumps the whole hierarchy, one node per line, indented by level.
func (t *Tree) String() string {
	var s string
	t.TraversePre(t.rootID, func(n *Node) error {
		for i := 0; i < n.Level; i++ {
			s += "  "
		}
		s += fmt.Sprintf("%v\n", n)
		return nil
	})
	return s
}
