package core

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"

	"github.com/replog/replog/crypto"
)

// SignatureSize is the serialized byte length of a BlockSignature.
const SignatureSize = 2 * ed25519.SignatureSize

// BlockSize is the serialized byte length of a Block.
const BlockSize = 8 + 4 + SignatureSize

// BlockSignature carries the two signatures attached to every entry:
// Data signs the entry's leaf hash, Tree signs the root-set hash of the
// tree as of this entry's append. Together they let a replica accept
// the entry without trusting the sender.
type BlockSignature struct {
	Data crypto.Signature
	Tree crypto.Signature
}

// Block is the stored metadata of one entry: its byte offset into the
// feed, its length, and its signatures.
type Block struct {
	Offset    uint64
	Length    uint32
	Signature BlockSignature
}

// MarshalBinary serializes the block as offset | length | data
// signature | tree signature, little-endian.
func (b Block) MarshalBinary() ([]byte, error) {
	if len(b.Signature.Data) != ed25519.SignatureSize ||
		len(b.Signature.Tree) != ed25519.SignatureSize {
		return nil, errors.New("core: invalid block signature size")
	}
	buf := make([]byte, BlockSize)
	binary.LittleEndian.PutUint64(buf[0:8], b.Offset)
	binary.LittleEndian.PutUint32(buf[8:12], b.Length)
	copy(buf[12:12+ed25519.SignatureSize], b.Signature.Data)
	copy(buf[12+ed25519.SignatureSize:], b.Signature.Tree)
	return buf, nil
}

// UnmarshalBlock deserializes a block written by MarshalBinary.
func UnmarshalBlock(data []byte) (Block, error) {
	var b Block
	if len(data) != BlockSize {
		return b, errors.New("core: invalid block size")
	}
	b.Offset = binary.LittleEndian.Uint64(data[0:8])
	b.Length = binary.LittleEndian.Uint32(data[8:12])
	b.Signature.Data = crypto.NewSignature(data[12 : 12+ed25519.SignatureSize])
	b.Signature.Tree = crypto.NewSignature(data[12+ed25519.SignatureSize:])
	return b, nil
}
