package core

import (
	"encoding/binary"
	"errors"

	"github.com/replog/replog/crypto"
)

// NodeSize is the serialized byte length of a Node.
const NodeSize = 8 + 4 + crypto.HashSize

// Node is one position in the flat in-order tree: a leaf hash at an
// even index or a parent hash at an odd index, together with the byte
// length of the entries its subtree covers.
type Node struct {
	Index  uint64
	Length uint32
	Hash   crypto.Hash
}

// MarshalBinary serializes the node as index | length | hash,
// little-endian.
func (n Node) MarshalBinary() ([]byte, error) {
	buf := make([]byte, NodeSize)
	binary.LittleEndian.PutUint64(buf[0:8], n.Index)
	binary.LittleEndian.PutUint32(buf[8:12], n.Length)
	copy(buf[12:], n.Hash[:])
	return buf, nil
}

// UnmarshalNode deserializes a node written by MarshalBinary.
func UnmarshalNode(data []byte) (Node, error) {
	var n Node
	if len(data) != NodeSize {
		return n, errors.New("core: invalid node size")
	}
	n.Index = binary.LittleEndian.Uint64(data[0:8])
	n.Length = binary.LittleEndian.Uint32(data[8:12])
	copy(n.Hash[:], data[12:])
	return n, nil
}
