package replication

import (
	"errors"
	"fmt"

	"github.com/replog/replog/core"
	"github.com/replog/replog/crypto"
	"github.com/replog/replog/protocol"
)

var (
	// ErrNotSynced is returned from OnClose when the remote announced
	// more entries than were transferred before the channel closed.
	ErrNotSynced = errors.New("replication: remote has more data")
	// ErrPeerMisbehaving aborts a channel after repeated entries that
	// fail signature verification.
	ErrPeerMisbehaving = errors.New("replication: peer sent unverifiable data")
)

// maxStrikes is how many unverifiable Data messages a peer gets before
// the replica gives up on it.
const maxStrikes = 3

// Replica reacts to channel events for one feed. Implementations are
// driven by a single Link goroutine, so no internal locking is needed.
type Replica interface {
	// OnOpen is called once the channel is established and returns the
	// first request to send, if any.
	OnOpen() (*protocol.Request, error)
	// OnRequest answers a peer request with the entry, or with a
	// counter-request when the entry is missing and the peer is known
	// to be ahead. At most one of the returns is non-nil.
	OnRequest(req *protocol.Request) (*protocol.Data, *protocol.Request, error)
	// OnData ingests a received entry and returns the next request, if
	// any. A returned error tears the channel down.
	OnData(data *protocol.Data) (*protocol.Request, error)
	// OnClose is called when the channel closes.
	OnClose() error
}

// CoreReplica is the eager, full, sequential synchronization strategy
// for a Core: it always requests the next entry it is missing, and the
// index of each request tells the peer how far this side has gotten.
// Both sides of a session run the same logic, so two cores converge on
// the longer feed.
type CoreReplica struct {
	core *core.Core

	// remoteLength is the peer's entry count as implied by its
	// requests: a peer asking for index i holds everything below i.
	remoteLength uint32
	hasRemote    bool

	strikes int
}

// NewCoreReplica wraps a core for replication. The core may be written
// locally between sessions, but not while a Link is driving it.
func NewCoreReplica(c *core.Core) *CoreReplica {
	return &CoreReplica{core: c}
}

// DiscoveryKey returns the discovery key of the underlying core.
func (r *CoreReplica) DiscoveryKey() crypto.DiscoveryKey {
	return r.core.DiscoveryKey()
}

// PublicKey returns the feed key of the underlying core.
func (r *CoreReplica) PublicKey() crypto.PublicKey {
	return r.core.PublicKey()
}

func (r *CoreReplica) updateRemoteLength(index uint32) {
	if r.hasRemote && index <= r.remoteLength {
		return
	}
	r.hasRemote = true
	r.remoteLength = index
}

// OnOpen requests the first entry this side is missing.
func (r *CoreReplica) OnOpen() (*protocol.Request, error) {
	return &protocol.Request{Index: r.core.Length()}, nil
}

// OnRequest serves the requested entry if we have it. If we do not and
// the peer is ahead of us, it answers with a request of our own so the
// exchange keeps moving; otherwise both sides are drained and the
// channel goes quiet.
func (r *CoreReplica) OnRequest(req *protocol.Request) (*protocol.Data, *protocol.Request, error) {
	r.updateRemoteLength(req.Index)

	data, sig, err := r.core.Get(req.Index)
	if err == nil {
		response := &protocol.Data{
			Index:         req.Index,
			Data:          data,
			DataSignature: sig.Data.Bytes(),
			TreeSignature: sig.Tree.Bytes(),
		}
		return response, nil, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return nil, nil, err
	}

	length := r.core.Length()
	if uint64(length) >= core.MaxLength || r.remoteLength <= length {
		return nil, nil, nil
	}
	return nil, &protocol.Request{Index: length}, nil
}

// OnData verifies and appends a received entry. Entries must arrive in
// feed order; anything else re-anchors the exchange at our current
// length. Verification failures are counted and eventually fatal for
// the channel.
func (r *CoreReplica) OnData(data *protocol.Data) (*protocol.Request, error) {
	length := r.core.Length()
	if data.Index != length {
		return &protocol.Request{Index: length}, nil
	}

	sig := core.BlockSignature{
		Data: crypto.Signature(data.DataSignature),
		Tree: crypto.Signature(data.TreeSignature),
	}
	if _, err := r.core.AppendVerified(data.Data, sig); err != nil {
		if !errors.Is(err, core.ErrVerification) {
			return nil, err
		}
		r.strikes++
		if r.strikes >= maxStrikes {
			return nil, fmt.Errorf("%w: %d verification failures", ErrPeerMisbehaving, r.strikes)
		}
		return &protocol.Request{Index: length}, nil
	}

	next := r.core.Length()
	if uint64(next) >= core.MaxLength {
		return nil, nil
	}
	return &protocol.Request{Index: next}, nil
}

// OnClose reports whether the feed caught up with everything the peer
// announced.
func (r *CoreReplica) OnClose() error {
	if r.hasRemote && r.core.Length() < r.remoteLength {
		return fmt.Errorf("%w: have %d of %d entries", ErrNotSynced, r.core.Length(), r.remoteLength)
	}
	return nil
}
