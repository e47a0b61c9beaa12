package crypto

import (
	"encoding/binary"
	"errors"

	"lukechampine.com/blake3"
)

// HashSize is the byte length of all tree hashes.
const HashSize = 32

// Domain-separation prefixes guard against second-preimage attacks on
// the tree: a leaf hash can never be replayed as a parent or root hash.
// https://en.wikipedia.org/wiki/Merkle_tree#Second_preimage_attack
var (
	leafType   = [1]byte{0x00}
	parentType = [1]byte{0x01}
	rootType   = [1]byte{0x02}
)

// Hash is a BLAKE3 tree hash.
type Hash [HashSize]byte

// NewHash creates a Hash from exactly HashSize bytes.
func NewHash(data []byte) (Hash, error) {
	var h Hash
	if len(data) != HashSize {
		return h, errors.New("invalid hash size")
	}
	copy(h[:], data)
	return h, nil
}

// Bytes returns the hash as a byte slice.
func (h Hash) Bytes() []byte {
	return h[:]
}

// LeafHash hashes entry bytes into a leaf Hash.
func LeafHash(data []byte) Hash {
	hasher := blake3.New(HashSize, nil)
	hasher.Write(leafType[:])
	hasher.Write(uint32Bytes(uint32(len(data))))
	hasher.Write(data)
	return sum(hasher)
}

// ParentHash hashes two child hashes and their combined byte length
// into a parent Hash.
func ParentHash(left, right Hash, length uint32) Hash {
	hasher := blake3.New(HashSize, nil)
	hasher.Write(parentType[:])
	hasher.Write(uint32Bytes(length))
	hasher.Write(left[:])
	hasher.Write(right[:])
	return sum(hasher)
}

// RootHash hashes the current set of top-level tree hashes, with their
// subtree byte lengths, into the hash that gets signed. hashes and
// lengths run in ascending node order and must have equal length.
func RootHash(hashes []Hash, lengths []uint32) Hash {
	hasher := blake3.New(HashSize, nil)
	hasher.Write(rootType[:])
	for i, h := range hashes {
		hasher.Write(uint32Bytes(lengths[i]))
		hasher.Write(h[:])
	}
	return sum(hasher)
}

func sum(hasher *blake3.Hasher) Hash {
	var h Hash
	hasher.Sum(h[:0])
	return h
}

func uint32Bytes(n uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], n)
	return buf[:]
}
