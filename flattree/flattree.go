// Package flattree maps a binary tree onto a linear index space.
//
// Leaves live at even indices and parents at odd indices, in-order:
//
//	0
//	    1
//	2
//	        3
//	4
//	    5
//	6
//
// All functions are pure arithmetic over uint64 indices. Nothing here
// hashes, stores, or allocates beyond the FullRoots result slice.
package flattree

// Depth returns the depth of a node. Leaves have depth 0.
func Depth(index uint64) uint64 {
	var depth uint64
	for index&1 == 1 {
		depth++
		index >>= 1
	}
	return depth
}

// Offset returns the distance of a node from the left edge of its depth.
func Offset(index uint64) uint64 {
	if index&1 == 0 {
		return index / 2
	}
	return index >> (Depth(index) + 1)
}

// Index returns the node at a given depth and offset.
func Index(depth, offset uint64) uint64 {
	return (offset << (depth + 1)) | ((1 << depth) - 1)
}

// Parent returns the parent of a node.
func Parent(index uint64) uint64 {
	depth := Depth(index)
	return Index(depth+1, Offset(index)>>1)
}

// Sibling returns the node sharing a parent with the given node.
func Sibling(index uint64) uint64 {
	depth := Depth(index)
	return Index(depth, Offset(index)^1)
}

// LeftChild returns the left child of a node.
// The second return value is false for leaves, which have no children.
func LeftChild(index uint64) (uint64, bool) {
	depth := Depth(index)
	if depth == 0 {
		return 0, false
	}
	return Index(depth-1, Offset(index)<<1), true
}

// RightChild returns the right child of a node.
// The second return value is false for leaves, which have no children.
func RightChild(index uint64) (uint64, bool) {
	depth := Depth(index)
	if depth == 0 {
		return 0, false
	}
	return Index(depth-1, (Offset(index)<<1)+1), true
}

// LeftSpan returns the leftmost leaf index in the subtree of a node.
func LeftSpan(index uint64) uint64 {
	depth := Depth(index)
	return index + 1 - (1 << depth)
}

// RightSpan returns the rightmost leaf index in the subtree of a node.
func RightSpan(index uint64) uint64 {
	depth := Depth(index)
	return index + (1 << depth) - 1
}

// Spans returns the left and right span of a node.
func Spans(index uint64) (uint64, uint64) {
	return LeftSpan(index), RightSpan(index)
}

// Count returns the number of nodes in the subtree of a node,
// the node itself included.
func Count(index uint64) uint64 {
	depth := Depth(index)
	return (2 << depth) - 1
}

// FullRoots returns the roots of the full subtrees left of the given
// leaf boundary. The index must be an even leaf boundary (2 * blocks).
// The second return value is false for odd indices.
func FullRoots(index uint64) ([]uint64, bool) {
	if index&1 == 1 {
		return nil, false
	}
	roots := []uint64{}
	remaining := index >> 1
	var offset uint64
	for remaining > 0 {
		factor := uint64(1)
		for factor<<1 <= remaining {
			factor <<= 1
		}
		roots = append(roots, offset+factor-1)
		offset += 2 * factor
		remaining -= factor
	}
	return roots, true
}
