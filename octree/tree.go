package octree

import (
	"github.com/pkg/errors"
)

// childTable holds the eight octant slots of a subdivided node.
type childTable [NumChildren]NodeID

func newChildTable() *childTable {
	var ct childTable
	for i := range ct {
		ct[i] = NoNode
	}
	return &ct
}

// arenaNode is a single slot in the arena. A leaf carries a nil child table so that it has no per
// child storage until it is first subdivided.
type arenaNode[T any] struct {
	value    T
	children *childTable
	live     bool
}

// Tree is a sparse octree whose nodes are stored contiguously and reference their children by
// stable index. The payload type T carries whatever each node stores; child table management is
// owned entirely by the tree. A Tree is not safe for concurrent use.
type Tree[T any] struct {
	nodes      []arenaNode[T]
	free       []NodeID
	root       NodeID
	newPayload func() T
	count      int
}

// NewTree returns a tree holding a single default-initialized root. newPayload builds the payload
// of every node the tree allocates; a nil newPayload uses the zero value of T.
func NewTree[T any](newPayload func() T) *Tree[T] {
	if newPayload == nil {
		newPayload = func() T {
			var zero T
			return zero
		}
	}
	t := &Tree[T]{newPayload: newPayload}
	t.root = t.alloc()
	return t
}

func (t *Tree[T]) alloc() NodeID {
	n := arenaNode[T]{value: t.newPayload(), live: true}
	t.count++
	if l := len(t.free); l > 0 {
		id := t.free[l-1]
		t.free = t.free[:l-1]
		t.nodes[id] = n
		return id
	}
	t.nodes = append(t.nodes, n)
	return NodeID(len(t.nodes) - 1)
}

func (t *Tree[T]) release(id NodeID) {
	n := &t.nodes[id]
	if n.children != nil {
		for _, c := range n.children {
			if c != NoNode {
				t.release(c)
			}
		}
	}
	var zero T
	*n = arenaNode[T]{value: zero}
	t.free = append(t.free, id)
	t.count--
}

func (t *Tree[T]) node(id NodeID) (*arenaNode[T], error) {
	if uint64(id) >= uint64(len(t.nodes)) || !t.nodes[id].live {
		return nil, errors.Wrapf(ErrInvalidNode, "id %d", id)
	}
	return &t.nodes[id], nil
}

// Root returns the id of the root node.
func (t *Tree[T]) Root() NodeID {
	return t.root
}

// Len returns the number of live nodes, the root included.
func (t *Tree[T]) Len() int {
	return t.count
}

// Valid reports whether id refers to a live node.
func (t *Tree[T]) Valid(id NodeID) bool {
	_, err := t.node(id)
	return err == nil
}

// Value returns a pointer to the payload of id, or nil if id is not a live node. The pointer is
// invalidated by the next allocation.
func (t *Tree[T]) Value(id NodeID) *T {
	n, err := t.node(id)
	if err != nil {
		return nil
	}
	return &n.value
}

// CreateChild installs a new default-initialized node at slot i of id and returns it. The child
// table is allocated on first use. Creating into an occupied slot fails with ErrChildExists and
// leaves the existing child untouched.
func (t *Tree[T]) CreateChild(id NodeID, i int) (NodeID, error) {
	if err := checkChildIndex(i); err != nil {
		return NoNode, err
	}
	n, err := t.node(id)
	if err != nil {
		return NoNode, err
	}
	if n.children == nil {
		n.children = newChildTable()
	}
	if n.children[i] != NoNode {
		return NoNode, errors.Wrapf(ErrChildExists, "node %d slot %d", id, i)
	}
	child := t.alloc()
	// alloc may grow the arena so the parent has to be looked up again.
	t.nodes[id].children[i] = child
	return child, nil
}

// ChildExists reports whether slot i of id holds a child.
func (t *Tree[T]) ChildExists(id NodeID, i int) bool {
	return t.Child(id, i) != NoNode
}

// Child returns the child at slot i of id or NoNode.
func (t *Tree[T]) Child(id NodeID, i int) NodeID {
	if checkChildIndex(i) != nil {
		return NoNode
	}
	n, err := t.node(id)
	if err != nil || n.children == nil {
		return NoNode
	}
	return n.children[i]
}

// HasChildren reports whether id has at least one child.
func (t *Tree[T]) HasChildren(id NodeID) bool {
	return t.NumChildren(id) > 0
}

// NumChildren returns how many of id's slots hold a child.
func (t *Tree[T]) NumChildren(id NodeID) int {
	n, err := t.node(id)
	if err != nil || n.children == nil {
		return 0
	}
	count := 0
	for _, c := range n.children {
		if c != NoNode {
			count++
		}
	}
	return count
}

// DeleteChild frees the subtree rooted at slot i of id. When the last child goes the child table
// is released and id becomes a leaf again. Deleting an empty slot is a no-op.
func (t *Tree[T]) DeleteChild(id NodeID, i int) error {
	if err := checkChildIndex(i); err != nil {
		return err
	}
	n, err := t.node(id)
	if err != nil {
		return err
	}
	if n.children == nil || n.children[i] == NoNode {
		return nil
	}
	t.release(n.children[i])
	n.children[i] = NoNode
	for _, c := range n.children {
		if c != NoNode {
			return nil
		}
	}
	n.children = nil
	return nil
}

// DeleteChildren frees every subtree below id.
func (t *Tree[T]) DeleteChildren(id NodeID) error {
	for i := 0; i < NumChildren; i++ {
		if err := t.DeleteChild(id, i); err != nil {
			return err
		}
	}
	return nil
}

// Walk visits the subtree rooted at the root in depth-first pre-order. Returning false from fn
// skips the children of the visited node.
func (t *Tree[T]) Walk(fn func(id NodeID, depth int) bool) {
	t.WalkFrom(t.root, 0, fn)
}

// WalkFrom is Walk starting at id, which is reported at the given depth.
func (t *Tree[T]) WalkFrom(id NodeID, depth int, fn func(id NodeID, depth int) bool) {
	if !t.Valid(id) || !fn(id, depth) {
		return
	}
	children := t.nodes[id].children
	if children == nil {
		return
	}
	for _, c := range *children {
		if c != NoNode {
			t.WalkFrom(c, depth+1, fn)
		}
	}
}
