// Package sumtree implements an array-backed binary sum tree for
// priority-proportional sampling in O(log n) per operation.
package sumtree

import "fmt"

// Tree stores a fixed number of leaf priorities. Each internal node
// holds the sum of the priorities below it, so the root always equals
// the sum of every leaf and sampling can descend from the root without
// building a cumulative array.
type Tree struct {
	nodes    []float64
	capacity int
}

// New creates a Tree with the given leaf capacity.
func New(capacity int) (*Tree, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("new: capacity must be >= 1")
	}

	return &Tree{
		nodes:    make([]float64, 2*capacity-1),
		capacity: capacity,
	}, nil
}

// Capacity returns the number of leaves the tree holds.
func (t *Tree) Capacity() int {
	return t.capacity
}

// Update sets the priority of the leaf at dataIndex and propagates the
// change to the root. Only the delta travels up the tree; the sums are
// never recomputed from scratch.
func (t *Tree) Update(dataIndex int, priority float64) error {
	if dataIndex < 0 || dataIndex >= t.capacity {
		return fmt.Errorf("update: leaf index out of range \n\twant[0, %v)"+
			"\n\thave(%v)", t.capacity, dataIndex)
	}
	if priority < 0 {
		return fmt.Errorf("update: priority must be non-negative, got %v",
			priority)
	}

	i := dataIndex + t.capacity - 1
	delta := priority - t.nodes[i]
	t.nodes[i] = priority

	for i != 0 {
		i = (i - 1) / 2
		t.nodes[i] += delta
	}
	return nil
}

// Priority returns the priority currently stored at leaf dataIndex.
func (t *Tree) Priority(dataIndex int) float64 {
	return t.nodes[dataIndex+t.capacity-1]
}

// Total returns the sum of all leaf priorities.
func (t *Tree) Total() float64 {
	return t.nodes[0]
}

// Sample descends from the root and returns the data index of the leaf
// whose cumulative priority range contains value. The value argument
// should lie in [0, Total()).
//
// If every leaf priority is zero the first leaf is returned; a guarded
// caller never samples an empty tree, but an unguarded one must not
// crash.
func (t *Tree) Sample(value float64) int {
	parent := 0
	for {
		left := 2*parent + 1
		if left >= len(t.nodes) {
			return parent - (t.capacity - 1)
		}

		if value <= t.nodes[left] {
			parent = left
		} else {
			value -= t.nodes[left]
			parent = left + 1
		}
	}
}

// Max returns the largest leaf priority in the tree. Runs in O(n); it
// is called once per insertion, on leaves only.
func (t *Tree) Max() float64 {
	max := 0.0
	for _, p := range t.nodes[t.capacity-1:] {
		if p > max {
			max = p
		}
	}
	return max
}

// Clear zeroes every node in the tree.
func (t *Tree) Clear() {
	for i := range t.nodes {
		t.nodes[i] = 0
	}
}
