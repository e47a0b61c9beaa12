package core

import (
	"github.com/replog/replog/crypto"
	"github.com/replog/replog/flattree"
)

// Merkle grows a flat in-order tree one leaf at a time. Only the
// current root set is kept: when the two rightmost roots complete a
// subtree they merge into their parent, so an append touches O(log n)
// nodes and the tree is never rebuilt from scratch.
type Merkle struct {
	roots  []Node
	blocks uint32
}

// NewMerkle reconstructs a Merkle from a previously stored root set.
// An empty root set yields an empty tree.
func NewMerkle(roots []Node) *Merkle {
	var blocks uint32
	if len(roots) > 0 {
		last := roots[len(roots)-1]
		blocks = 1 + uint32(flattree.RightSpan(last.Index)/2)
	}
	return &Merkle{roots: roots, blocks: blocks}
}

// Next appends a leaf hash covering length entry bytes and merges
// completed subtrees.
func (m *Merkle) Next(hash crypto.Hash, length uint32) {
	index := 2 * uint64(m.blocks)
	m.blocks++

	m.roots = append(m.roots, Node{Index: index, Length: length, Hash: hash})

	for len(m.roots) > 1 {
		left := m.roots[len(m.roots)-2]
		right := m.roots[len(m.roots)-1]

		parent := flattree.Parent(left.Index)
		if parent != flattree.Parent(right.Index) {
			break
		}

		combined := left.Length + right.Length
		merged := Node{
			Index:  parent,
			Length: combined,
			Hash:   crypto.ParentHash(left.Hash, right.Hash, combined),
		}
		m.roots = m.roots[:len(m.roots)-2]
		m.roots = append(m.roots, merged)
	}
}

// Roots returns a copy of the current root set in ascending node order.
func (m *Merkle) Roots() []Node {
	roots := make([]Node, len(m.roots))
	copy(roots, m.roots)
	return roots
}

// Blocks returns the number of leaves in the tree.
func (m *Merkle) Blocks() uint32 {
	return m.blocks
}

// RootHash returns the hash over the current root set. This is the
// value the feed owner signs on every append.
func (m *Merkle) RootHash() crypto.Hash {
	hashes := make([]crypto.Hash, len(m.roots))
	lengths := make([]uint32, len(m.roots))
	for i, root := range m.roots {
		hashes[i] = root.Hash
		lengths[i] = root.Length
	}
	return crypto.RootHash(hashes, lengths)
}

// Clone returns an independent copy of the tree. Used to verify a
// remote entry against the tree it would produce before committing it.
func (m *Merkle) Clone() *Merkle {
	roots := make([]Node, len(m.roots))
	copy(roots, m.roots)
	return &Merkle{roots: roots, blocks: m.blocks}
}
