package core

import (
	"fmt"
	"sort"

	"github.com/replog/replog/crypto"
	"github.com/replog/replog/flattree"
)

// Proof lets a holder of nothing but the feed's public key verify one
// entry against a signed root set. Siblings are the node hashes on the
// path from the entry's leaf up to its covering root; Roots are the
// remaining roots of the root set. Proofs are derived on demand from
// the current tree and are invalidated by the next append.
type Proof struct {
	// Index is the entry index the proof was generated for.
	Index uint32

	// Siblings run bottom-up: each node is the flat-tree sibling of
	// the running subtree at that level.
	Siblings []Node

	// Roots are the root-set nodes not on the entry's path, in
	// ascending node order.
	Roots []Node
}

// Proof generates the proof for the entry at index against the current
// tree shape. ErrNotFound if the index is unwritten. The proof pairs
// with the signature from RootSignature.
func (c *Core) Proof(index uint32) (*Proof, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if index >= c.length {
		return nil, ErrNotFound
	}

	leaf := 2 * uint64(index)
	roots := c.merkle.Roots()

	covering := -1
	for i, root := range roots {
		if flattree.LeftSpan(root.Index) <= leaf && leaf <= flattree.RightSpan(root.Index) {
			covering = i
			break
		}
	}
	if covering < 0 {
		return nil, fmt.Errorf("core: no root covers entry %d", index)
	}

	proof := &Proof{Index: index}
	for cur := leaf; cur != roots[covering].Index; cur = flattree.Parent(cur) {
		sibling, err := c.nodeAt(flattree.Sibling(cur))
		if err != nil {
			return nil, err
		}
		proof.Siblings = append(proof.Siblings, sibling)
	}
	for i, root := range roots {
		if i != covering {
			proof.Roots = append(proof.Roots, root)
		}
	}
	return proof, nil
}

// nodeAt recomputes the tree node at a flat index from stored entries.
// Interior nodes are not persisted; only the root set is. Caller holds
// the lock.
func (c *Core) nodeAt(index uint64) (Node, error) {
	if index&1 == 0 {
		data, _, err := c.readEntry(uint32(index / 2))
		if err != nil {
			return Node{}, err
		}
		return Node{
			Index:  index,
			Length: uint32(len(data)),
			Hash:   crypto.LeafHash(data),
		}, nil
	}

	leftIndex, _ := flattree.LeftChild(index)
	rightIndex, _ := flattree.RightChild(index)
	left, err := c.nodeAt(leftIndex)
	if err != nil {
		return Node{}, err
	}
	right, err := c.nodeAt(rightIndex)
	if err != nil {
		return Node{}, err
	}
	combined := left.Length + right.Length
	return Node{
		Index:  index,
		Length: combined,
		Hash:   crypto.ParentHash(left.Hash, right.Hash, combined),
	}, nil
}

// VerifyProof checks one entry against a signed root set: it recomputes
// the leaf hash from data, folds in the proof siblings in flat-tree
// order (the lower-indexed node is always the left parent input),
// reassembles the root set, and checks the owner's signature over its
// hash. Any mismatch at any step returns ErrVerification; it never
// panics on malformed input.
func VerifyProof(index uint32, data []byte, proof *Proof, treeSig crypto.Signature, publicKey crypto.PublicKey) error {
	if proof == nil || proof.Index != index {
		return fmt.Errorf("%w: proof index mismatch", ErrVerification)
	}

	cur := 2 * uint64(index)
	hash := crypto.LeafHash(data)
	length := uint32(len(data))

	for _, sibling := range proof.Siblings {
		if flattree.Sibling(cur) != sibling.Index {
			return fmt.Errorf("%w: sibling out of order", ErrVerification)
		}
		combined := length + sibling.Length
		if sibling.Index < cur {
			hash = crypto.ParentHash(sibling.Hash, hash, combined)
		} else {
			hash = crypto.ParentHash(hash, sibling.Hash, combined)
		}
		length = combined
		cur = flattree.Parent(cur)
	}

	rootSet := make([]Node, 0, len(proof.Roots)+1)
	rootSet = append(rootSet, proof.Roots...)
	rootSet = append(rootSet, Node{Index: cur, Length: length, Hash: hash})
	sort.Slice(rootSet, func(i, j int) bool {
		return rootSet[i].Index < rootSet[j].Index
	})
	for i := 1; i < len(rootSet); i++ {
		if rootSet[i].Index == rootSet[i-1].Index {
			return fmt.Errorf("%w: duplicate root node", ErrVerification)
		}
	}

	hashes := make([]crypto.Hash, len(rootSet))
	lengths := make([]uint32, len(rootSet))
	for i, root := range rootSet {
		hashes[i] = root.Hash
		lengths[i] = root.Length
	}
	rootHash := crypto.RootHash(hashes, lengths)

	if !treeSig.Verify(publicKey, rootHash.Bytes()) {
		return fmt.Errorf("%w: bad root signature", ErrVerification)
	}
	return nil
}
