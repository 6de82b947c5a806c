// Package hierarchy maintains the worker sphere tree: an arena of nodes
// indexed by integer id, fan-out limited, with per-node state, message
// inbox and gradient reduction context.
package hierarchy

import "fmt"
import "sync"
import "sync/atomic"
import "time"

import "github.com/justmebob123/crystalline/gradient"
import "github.com/justmebob123/crystalline/message"

// FanOut is the maximum children per node, inherited from the kissing
// spheres partitioning scheme.
const FanOut = 12

// NodeState is a worker node's lifecycle state.
type NodeState int

const (
	StateInitializing NodeState = iota
	StateIdle
	StateWorking
	// StateControl marks interior nodes that only route and aggregate,
	// never processing batches.
	StateControl
	StateWaiting
	StateTerminated
)

// String returns the state name.
func (s NodeState) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateIdle:
		return "IDLE"
	case StateWorking:
		return "WORKING"
	case StateControl:
		return "CONTROL"
	case StateWaiting:
		return "WAITING"
	case StateTerminated:
		return "TERMINATED"
	}
	return "UNKNOWN"
}

// Node is one worker sphere. Parent and children are ids into the owning
// Tree's arena, never pointers.
type Node struct {
	ID        int
	Level     int
	Partition int

	parent   int
	children []int

	mu    sync.Mutex
	cond  *sync.Cond
	state NodeState

	processed uint64

	Inbox *message.PriorityQueue
	Grad  *gradient.Context
}

// IncProcessed bumps the lifetime batch counter.
func (n *Node) IncProcessed() {
	atomic.AddUint64(&n.processed, 1)
}

// Processed returns how many batches this node has processed.
func (n *Node) Processed() uint64 {
	return atomic.LoadUint64(&n.processed)
}

func newNode(id, level, partition, parent int, inboxCap uint64, grad *gradient.Context) *Node {
	n := &Node{
		ID:        id,
		Level:     level,
		Partition: partition,
		parent:    parent,
		Inbox:     message.NewPriorityQueue(inboxCap),
		Grad:      grad,
	}
	n.cond = sync.NewCond(&n.mu)
	n.state = StateInitializing
	return n
}

// State returns the current state.
func (n *Node) State() NodeState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// SetState transitions the node and wakes state waiters. Terminated is
// absorbing.
func (n *Node) SetState(s NodeState) {
	n.mu.Lock()
	if n.state != StateTerminated {
		n.state = s
		n.cond.Broadcast()
	}
	n.mu.Unlock()
}

// WaitForState blocks until the node reaches want. timeout <= 0 waits
// indefinitely. Returns false on timeout or if the node terminates first
// (unless Terminated is the wanted state).
func (n *Node) WaitForState(want NodeState, timeout time.Duration) bool {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		timer := time.AfterFunc(timeout, n.cond.Broadcast)
		defer timer.Stop()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for n.state != want {
		if n.state == StateTerminated {
			return false
		}
		if timeout > 0 && !time.Now().Before(deadline) {
			return false
		}
		n.cond.Wait()
	}
	return true
}

// Parent returns the parent id, -1 for the root.
func (n *Node) Parent() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.parent
}

// Children returns a copy of the child ids.
func (n *Node) Children() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]int(nil), n.children...)
}

// IsLeaf reports whether the node has no children.
func (n *Node) IsLeaf() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.children) == 0
}

// String formats the node for hierarchy dumps.
func (n *Node) String() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return fmt.Sprintf("node %d level=%d partition=%d state=%s children=%v",
		n.ID, n.Level, n.Partition, n.state, n.children)
}
