package hierarchy

import "testing"
import "time"

import "github.com/justmebob123/crystalline/gradient"

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	tree, err := NewTree(TreeConfig{GradientSize: 4, RootOp: gradient.ReduceMean})
	if err != nil {
		t.Fatal(err)
	}
	return tree
}

func TestAddChildAndLookup(t *testing.T) {
	tree := newTestTree(t)
	child, err := tree.AddChild(0, 3, false)
	if err != nil {
		t.Fatal(err)
	}
	if child.Level != 1 || child.Partition != 3 || child.Parent() != 0 {
		t.Errorf("child = %v", child)
	}
	if tree.Node(child.ID) != child {
		t.Error("lookup by id failed")
	}
	if tree.Count() != 2 {
		t.Errorf("count %d, want 2", tree.Count())
	}
	if err := tree.Validate(); err != nil {
		t.Error(err)
	}
}

func TestThirteenthChildRejected(t *testing.T) {
	tree := newTestTree(t)
	ids := make([]int, 0, FanOut)
	for p := 0; p < FanOut; p++ {
		c, err := tree.AddChild(0, p, false)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, c.ID)
	}
	if _, err := tree.AddChild(0, 0, false); err == nil {
		t.Fatal("13th child should be rejected")
	}
	// The existing 12 must be untouched.
	got := tree.Root().Children()
	if len(got) != FanOut {
		t.Fatalf("root has %d children, want %d", len(got), FanOut)
	}
	for i, id := range ids {
		if got[i] != id {
			t.Errorf("child %d changed: %d vs %d", i, got[i], id)
		}
	}
	if err := tree.Validate(); err != nil {
		t.Error(err)
	}
}

func TestConfiguredFanOutAboveDefault(t *testing.T) {
	// The configured cap must reach the gradient contexts too, or a wide
	// tree fails at child 13 regardless of MaxChildren.
	tree, err := NewTree(TreeConfig{MaxChildren: 14, GradientSize: 4, RootOp: gradient.ReduceMean})
	if err != nil {
		t.Fatal(err)
	}
	for p := 0; p < 14; p++ {
		if _, err := tree.AddChild(0, p, false); err != nil {
			t.Fatalf("child %d rejected: %v", p+1, err)
		}
	}
	if _, err := tree.AddChild(0, 0, false); err == nil {
		t.Fatal("15th child should be rejected at fan-out 14")
	}
	if tree.Root().Grad.Children() != 14 {
		t.Errorf("root gradient has %d children, want 14", tree.Root().Grad.Children())
	}
	if err := tree.Validate(); err != nil {
		t.Error(err)
	}
}

func TestDuplicatePartitionRejected(t *testing.T) {
	tree := newTestTree(t)
	if _, err := tree.AddChild(0, 5, false); err != nil {
		t.Fatal(err)
	}
	if _, err := tree.AddChild(0, 5, false); err == nil {
		t.Error("duplicate partition under the same parent should be rejected")
	}
	if _, err := tree.AddChild(0, FanOut, false); err == nil {
		t.Error("out-of-range partition should be rejected")
	}
}

func TestTerminateSubtree(t *testing.T) {
	tree := newTestTree(t)
	mid, _ := tree.AddChild(0, 0, true)
	leaf, _ := tree.AddChild(mid.ID, 1, false)
	other, _ := tree.AddChild(0, 1, false)

	if err := tree.Terminate(mid.ID); err != nil {
		t.Fatal(err)
	}
	if tree.Node(mid.ID) != nil || tree.Node(leaf.ID) != nil {
		t.Error("terminated subtree still in arena")
	}
	if leaf.State() != StateTerminated {
		t.Errorf("leaf state %v, want TERMINATED", leaf.State())
	}
	if tree.Node(other.ID) == nil {
		t.Error("sibling subtree lost")
	}
	if tree.Root().Grad.Children() != 1 {
		t.Errorf("root has %d gradient children, want 1", tree.Root().Grad.Children())
	}
	if err := tree.Terminate(0); err == nil {
		t.Error("root termination should be rejected")
	}
	if err := tree.Validate(); err != nil {
		t.Error(err)
	}
}

func TestTraversalOrders(t *testing.T) {
	tree := newTestTree(t)
	a, _ := tree.AddChild(0, 0, true)
	tree.AddChild(a.ID, 0, false)
	tree.AddChild(0, 1, false)

	var pre, post []int
	tree.TraversePre(0, func(n *Node) error {
		pre = append(pre, n.ID)
		return nil
	})
	tree.TraversePost(0, func(n *Node) error {
		post = append(post, n.ID)
		return nil
	})
	if pre[0] != 0 {
		t.Errorf("pre-order must start at the root, got %v", pre)
	}
	if post[len(post)-1] != 0 {
		t.Errorf("post-order must end at the root, got %v", post)
	}
	if tree.Depth() != 3 {
		t.Errorf("depth %d, want 3", tree.Depth())
	}
	if got := len(tree.Leaves(0)); got != 2 {
		t.Errorf("%d leaves, want 2", got)
	}
}

func TestSiblings(t *testing.T) {
	tree := newTestTree(t)
	a, _ := tree.AddChild(0, 0, false)
	b, _ := tree.AddChild(0, 1, false)
	c, _ := tree.AddChild(0, 2, false)
	sibs := tree.Siblings(b.ID)
	if len(sibs) != 2 || sibs[0] != a.ID || sibs[1] != c.ID {
		t.Errorf("siblings of %d = %v", b.ID, sibs)
	}
	if tree.Siblings(0) != nil {
		t.Error("root has no siblings")
	}
}

func TestWaitForState(t *testing.T) {
	tree := newTestTree(t)
	n, _ := tree.AddChild(0, 0, false)

	if n.WaitForState(StateIdle, 20*time.Millisecond) {
		t.Error("wait should time out before any transition")
	}
	done := make(chan bool)
	go func() {
		done <- n.WaitForState(StateIdle, time.Second)
	}()
	time.Sleep(10 * time.Millisecond)
	n.SetState(StateIdle)
	if !<-done {
		t.Error("waiter should observe IDLE")
	}

	go func() {
		done <- n.WaitForState(StateWorking, time.Second)
	}()
	time.Sleep(10 * time.Millisecond)
	tree.Terminate(n.ID)
	if <-done {
		t.Error("termination should fail the wait")
	}
}
