package core

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/replog/replog/crypto"
	"github.com/replog/replog/storage"
)

// MaxLength is the maximum number of entries in a Core.
const MaxLength = math.MaxUint32 - 1

// MaxBlockSize is the maximum byte size of a single entry.
const MaxBlockSize = math.MaxUint32

// Storage slot 0 holds the serialized root set; entry i lives at slot
// i+1 as data followed by its Block footer.
const stateSlot = 0

var (
	// ErrNotFound is returned when reading an index that was never
	// appended. A normal condition, not a failure.
	ErrNotFound = errors.New("core: entry not found")

	// ErrVerification is returned when an entry's hash, proof, or
	// signature does not check out. The entry is never stored.
	ErrVerification = errors.New("core: verification failed")

	// ErrNoPrivateKey is returned by Append on a read-only Core.
	ErrNoPrivateKey = errors.New("core: no private key, cannot append")
)

// Core is an append-only, single-writer, signed log.
//
// Reading entries requires only the feed's public key; appending
// requires the private key. Every append extends the merkle tree and
// re-signs the root set, so any entry can later be verified in
// isolation against the owner's signature. Entries received from
// untrusted peers enter only through AppendVerified.
type Core struct {
	mu    sync.Mutex
	store storage.Storage

	merkle     *Merkle
	publicKey  crypto.PublicKey
	privateKey crypto.PrivateKey

	length     uint32
	byteLength uint64
}

// NewCore opens a Core over the given storage. A previously persisted
// root set is picked up, so reopening a feed resumes where it left off.
// privateKey may be nil for a read-only replica.
func NewCore(store storage.Storage, publicKey crypto.PublicKey, privateKey crypto.PrivateKey) (*Core, error) {
	merkle, err := readMerkle(store)
	if err != nil {
		return nil, err
	}

	c := &Core{
		store:      store,
		merkle:     merkle,
		publicKey:  publicKey,
		privateKey: privateKey,
		length:     merkle.Blocks(),
	}

	if c.length > 0 {
		_, block, err := c.readEntry(c.length - 1)
		if err != nil {
			return nil, fmt.Errorf("read head entry: %w", err)
		}
		c.byteLength = block.Offset + uint64(block.Length)
	}
	return c, nil
}

// Length returns the number of entries in the Core.
func (c *Core) Length() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.length
}

// ByteLength returns the total content bytes in the Core.
func (c *Core) ByteLength() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byteLength
}

// PublicKey returns the feed's public key.
func (c *Core) PublicKey() crypto.PublicKey {
	return c.publicKey
}

// DiscoveryKey returns the feed's discovery key.
func (c *Core) DiscoveryKey() crypto.DiscoveryKey {
	return crypto.NewDiscoveryKey(c.publicKey)
}

// Writable reports whether this Core holds the private key.
func (c *Core) Writable() bool {
	return c.privateKey != nil
}

// Append writes data at the next free index, extends the tree, and
// signs the entry's leaf hash and the new root set with the owner key.
// It returns the index the entry landed at. Storage failures propagate
// and leave the in-memory tree untouched.
func (c *Core) Append(data []byte) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.privateKey == nil {
		return 0, ErrNoPrivateKey
	}

	leaf := crypto.LeafHash(data)
	dataSig, err := crypto.Sign(c.privateKey, leaf.Bytes())
	if err != nil {
		return 0, err
	}

	next := c.merkle.Clone()
	next.Next(leaf, uint32(len(data)))

	rootHash := next.RootHash()
	treeSig, err := crypto.Sign(c.privateKey, rootHash.Bytes())
	if err != nil {
		return 0, err
	}

	return c.commit(data, BlockSignature{Data: dataSig, Tree: treeSig}, next)
}

// AppendVerified writes an entry received from a remote peer at the
// next free index. The data signature is checked against the entry's
// leaf hash and the tree signature against the root set the append
// would produce; on any mismatch nothing is stored and ErrVerification
// is returned, leaving disposition to the caller.
func (c *Core) AppendVerified(data []byte, sig BlockSignature) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	leaf := crypto.LeafHash(data)
	if !sig.Data.Verify(c.publicKey, leaf.Bytes()) {
		return 0, fmt.Errorf("%w: bad data signature", ErrVerification)
	}

	next := c.merkle.Clone()
	next.Next(leaf, uint32(len(data)))

	if !sig.Tree.Verify(c.publicKey, next.RootHash().Bytes()) {
		return 0, fmt.Errorf("%w: bad tree signature", ErrVerification)
	}

	return c.commit(data, sig, next)
}

// commit persists the entry and the new root set, then swaps in the
// extended tree. Caller holds the lock.
func (c *Core) commit(data []byte, sig BlockSignature, next *Merkle) (uint32, error) {
	if len(data) > MaxBlockSize {
		return 0, errors.New("core: entry exceeds max block size")
	}
	if c.length >= MaxLength {
		return 0, errors.New("core: feed is full")
	}

	index := c.length
	block := Block{
		Offset:    c.byteLength,
		Length:    uint32(len(data)),
		Signature: sig,
	}

	if err := c.writeEntry(index, data, block); err != nil {
		return 0, err
	}
	if err := writeMerkle(c.store, next); err != nil {
		return 0, fmt.Errorf("write tree state: %w", err)
	}

	c.merkle = next
	c.length++
	c.byteLength += uint64(len(data))
	return index, nil
}

// Get returns the entry at index with its signatures, or ErrNotFound.
func (c *Core) Get(index uint32) ([]byte, BlockSignature, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if index >= c.length {
		return nil, BlockSignature{}, ErrNotFound
	}
	data, block, err := c.readEntry(index)
	if err != nil {
		return nil, BlockSignature{}, err
	}
	return data, block.Signature, nil
}

// Head returns the most recently appended entry, or ErrNotFound for an
// empty Core.
func (c *Core) Head() ([]byte, BlockSignature, error) {
	c.mu.Lock()
	length := c.length
	c.mu.Unlock()

	if length == 0 {
		return nil, BlockSignature{}, ErrNotFound
	}
	return c.Get(length - 1)
}

// RootSignature returns the current root set and the owner's signature
// over its hash. The root set only ever grows in coverage: every
// appended entry is subsumed by some returned root. ErrNotFound on an
// empty Core.
func (c *Core) RootSignature() ([]Node, crypto.Signature, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.length == 0 {
		return nil, nil, ErrNotFound
	}
	_, block, err := c.readEntry(c.length - 1)
	if err != nil {
		return nil, nil, err
	}
	return c.merkle.Roots(), block.Signature.Tree, nil
}

// Flush makes all completed appends durable.
func (c *Core) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Flush()
}

func (c *Core) writeEntry(index uint32, data []byte, block Block) error {
	footer, err := block.MarshalBinary()
	if err != nil {
		return err
	}
	buf := make([]byte, 0, len(data)+BlockSize)
	buf = append(buf, data...)
	buf = append(buf, footer...)
	if err := c.store.Write(uint64(index)+1, buf); err != nil {
		return fmt.Errorf("write entry %d: %w", index, err)
	}
	return nil
}

func (c *Core) readEntry(index uint32) ([]byte, Block, error) {
	raw, err := c.store.Read(uint64(index) + 1)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, Block{}, ErrNotFound
	}
	if err != nil {
		return nil, Block{}, fmt.Errorf("read entry %d: %w", index, err)
	}
	if len(raw) < BlockSize {
		return nil, Block{}, fmt.Errorf("core: entry %d truncated", index)
	}
	block, err := UnmarshalBlock(raw[len(raw)-BlockSize:])
	if err != nil {
		return nil, Block{}, err
	}
	return raw[:len(raw)-BlockSize], block, nil
}

func writeMerkle(store storage.Storage, merkle *Merkle) error {
	roots := merkle.Roots()
	buf := make([]byte, 0, len(roots)*NodeSize)
	for _, root := range roots {
		b, err := root.MarshalBinary()
		if err != nil {
			return err
		}
		buf = append(buf, b...)
	}
	return store.Write(stateSlot, buf)
}

func readMerkle(store storage.Storage) (*Merkle, error) {
	data, err := store.Read(stateSlot)
	if errors.Is(err, storage.ErrNotFound) {
		return NewMerkle(nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tree state: %w", err)
	}
	if len(data)%NodeSize != 0 {
		return nil, errors.New("core: corrupt tree state")
	}

	roots := make([]Node, 0, len(data)/NodeSize)
	for start := 0; start < len(data); start += NodeSize {
		root, err := UnmarshalNode(data[start : start+NodeSize])
		if err != nil {
			return nil, err
		}
		roots = append(roots, root)
	}
	return NewMerkle(roots), nil
}
