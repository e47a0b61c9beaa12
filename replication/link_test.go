package replication_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/replog/replog/core"
	"github.com/replog/replog/crypto"
	"github.com/replog/replog/protocol"
	"github.com/replog/replog/replication"
	"github.com/replog/replog/testutil"
)

// waitForLength polls until the core holds the wanted number of entries.
func waitForLength(t *testing.T, c *core.Core, want uint32) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for c.Length() < want {
		if time.Now().After(deadline) {
			t.Fatalf("core stuck at %d of %d entries", c.Length(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestReplicateToEmptyCore(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	source, err := testutil.NewFilledCore(
		[]byte("first"), []byte("second"), []byte("third"))
	require.NoError(t, err)
	replica, err := testutil.NewReadOnlyCore(source.PublicKey())
	require.NoError(t, err)

	a, b, err := testutil.NewConnectedLinks(ctx)
	require.NoError(t, err)

	aDone := make(chan error, 1)
	bDone := make(chan error, 1)
	go func() { aDone <- a.Link.Run(ctx) }()
	go func() { bDone <- b.Link.Run(ctx) }()

	require.NoError(t, a.Handle.Open(source.PublicKey(), replication.NewCoreReplica(source)))
	require.NoError(t, b.Handle.Open(source.PublicKey(), replication.NewCoreReplica(replica)))

	waitForLength(t, replica, source.Length())

	require.NoError(t, a.Handle.Quit())
	require.NoError(t, <-aDone)

	// Side b may already have wound down cleanly when the session
	// dropped; a late Quit then reports the link as closed.
	if err := b.Handle.Quit(); err != nil {
		require.ErrorIs(t, err, replication.ErrLinkClosed)
	}
	require.NoError(t, <-bDone)

	// The replica is byte for byte the source.
	require.Equal(t, source.Length(), replica.Length())
	require.Equal(t, source.ByteLength(), replica.ByteLength())
	for i := uint32(0); i < source.Length(); i++ {
		want, _, err := source.Get(i)
		require.NoError(t, err)
		got, _, err := replica.Get(i)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	sourceRoots, _, err := source.RootSignature()
	require.NoError(t, err)
	replicaRoots, _, err := replica.RootSignature()
	require.NoError(t, err)
	require.Equal(t, sourceRoots, replicaRoots)
}

func TestReplicateBothWaysIsSymmetric(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The responder holds the data this time; direction of the
	// handshake must not matter.
	source, err := testutil.NewFilledCore([]byte("only"))
	require.NoError(t, err)
	replica, err := testutil.NewReadOnlyCore(source.PublicKey())
	require.NoError(t, err)

	a, b, err := testutil.NewConnectedLinks(ctx)
	require.NoError(t, err)
	go a.Link.Run(ctx)
	go b.Link.Run(ctx)

	require.NoError(t, a.Handle.Open(source.PublicKey(), replication.NewCoreReplica(replica)))
	require.NoError(t, b.Handle.Open(source.PublicKey(), replication.NewCoreReplica(source)))

	waitForLength(t, replica, 1)
	data, _, err := replica.Get(0)
	require.NoError(t, err)
	require.Equal(t, []byte("only"), data)
}

func TestQuitBeforeSyncedFails(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	source, err := testutil.NewFilledCore([]byte("first"), []byte("second"))
	require.NoError(t, err)
	replica, err := testutil.NewReadOnlyCore(source.PublicKey())
	require.NoError(t, err)

	a, b, err := testutil.NewConnectedLinks(ctx)
	require.NoError(t, err)

	bDone := make(chan error, 1)
	go a.Link.Run(ctx)
	go func() { bDone <- b.Link.Run(ctx) }()

	// The replica side learns the source is ahead, then quits without
	// transferring anything: its replica reports the gap.
	replicaSide := &stalledReplica{inner: replication.NewCoreReplica(replica)}
	require.NoError(t, a.Handle.Open(source.PublicKey(), replication.NewCoreReplica(source)))
	require.NoError(t, b.Handle.Open(source.PublicKey(), replicaSide))

	// Wait until the source's opening request announced its length.
	deadline := time.Now().Add(5 * time.Second)
	for !replicaSide.sawRequest.Load() {
		if time.Now().After(deadline) {
			t.Fatal("source never announced its length")
		}
		time.Sleep(time.Millisecond)
	}

	require.NoError(t, b.Handle.Quit())
	err = <-bDone
	require.ErrorIs(t, err, replication.ErrNotSynced)
}

// stalledReplica observes requests without ever asking for data, so it
// knows the peer is ahead but never catches up.
type stalledReplica struct {
	inner      *replication.CoreReplica
	sawRequest atomic.Bool
}

func (s *stalledReplica) OnOpen() (*protocol.Request, error) { return nil, nil }

func (s *stalledReplica) OnRequest(req *protocol.Request) (*protocol.Data, *protocol.Request, error) {
	_, _, err := s.inner.OnRequest(req)
	s.sawRequest.Store(true)
	return nil, nil, err
}

func (s *stalledReplica) OnData(data *protocol.Data) (*protocol.Request, error) {
	return s.inner.OnData(data)
}

func (s *stalledReplica) OnClose() error { return s.inner.OnClose() }

func TestCloseMidTransferDiscardsPendingRequest(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	source, err := testutil.NewFilledCore([]byte("first"), []byte("second"), []byte("third"))
	require.NoError(t, err)
	replica, err := testutil.NewReadOnlyCore(source.PublicKey())
	require.NoError(t, err)

	a, b, err := testutil.NewConnectedLinks(ctx)
	require.NoError(t, err)

	aDone := make(chan error, 1)
	bDone := make(chan error, 1)
	go func() { aDone <- a.Link.Run(ctx) }()
	go func() { bDone <- b.Link.Run(ctx) }()

	// The source serves exactly one entry and then swallows requests,
	// so the fetching side always has a request in flight when the
	// channel is closed under it.
	sourceSide := &oneShotSource{inner: replication.NewCoreReplica(source)}
	replicaSide := &closeTracker{inner: replication.NewCoreReplica(replica)}
	require.NoError(t, a.Handle.Open(source.PublicKey(), sourceSide))
	require.NoError(t, b.Handle.Open(source.PublicKey(), replicaSide))

	deadline := time.Now().Add(5 * time.Second)
	for sourceSide.served.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("second request never arrived, served %d", sourceSide.served.Load())
		}
		time.Sleep(time.Millisecond)
	}

	// Close from the data-holding side while the fetcher's request for
	// index 1 is still unanswered.
	require.NoError(t, a.Handle.Close(source.DiscoveryKey()))

	deadline = time.Now().Add(5 * time.Second)
	for !replicaSide.closed.Load() {
		if time.Now().After(deadline) {
			t.Fatal("fetching side never saw the channel close")
		}
		time.Sleep(time.Millisecond)
	}

	// The pending request is gone with the channel: both loops wind
	// down cleanly instead of waiting on an answer that never comes.
	require.Equal(t, uint32(1), replica.Length())
	require.NoError(t, a.Handle.Quit())
	require.NoError(t, <-aDone)
	if err := b.Handle.Quit(); err != nil {
		require.ErrorIs(t, err, replication.ErrLinkClosed)
	}
	require.NoError(t, <-bDone)
}

// oneShotSource answers the first request and drops the rest, leaving
// the peer's follow-up request dangling.
type oneShotSource struct {
	inner  *replication.CoreReplica
	served atomic.Int32
}

func (s *oneShotSource) OnOpen() (*protocol.Request, error) { return nil, nil }

func (s *oneShotSource) OnRequest(req *protocol.Request) (*protocol.Data, *protocol.Request, error) {
	if s.served.Add(1) > 1 {
		return nil, nil, nil
	}
	return s.inner.OnRequest(req)
}

func (s *oneShotSource) OnData(data *protocol.Data) (*protocol.Request, error) {
	return s.inner.OnData(data)
}

func (s *oneShotSource) OnClose() error { return s.inner.OnClose() }

// closeTracker records that the link handed the channel close to its
// replica.
type closeTracker struct {
	inner  *replication.CoreReplica
	closed atomic.Bool
}

func (c *closeTracker) OnOpen() (*protocol.Request, error) { return c.inner.OnOpen() }

func (c *closeTracker) OnRequest(req *protocol.Request) (*protocol.Data, *protocol.Request, error) {
	return c.inner.OnRequest(req)
}

func (c *closeTracker) OnData(data *protocol.Data) (*protocol.Request, error) {
	return c.inner.OnData(data)
}

func (c *closeTracker) OnClose() error {
	c.closed.Store(true)
	return c.inner.OnClose()
}

func TestUnknownFeedIsIgnored(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	source, err := testutil.NewFilledCore([]byte("data"))
	require.NoError(t, err)

	a, b, err := testutil.NewConnectedLinks(ctx)
	require.NoError(t, err)

	discovered := make(chan crypto.DiscoveryKey, 1)
	b.Link.OnDiscovery = func(dk crypto.DiscoveryKey) error {
		select {
		case discovered <- dk:
		default:
		}
		return nil
	}

	go a.Link.Run(ctx)
	go b.Link.Run(ctx)

	// Only side a opens; side b has no replica for the feed but its
	// discovery hook hears about it.
	require.NoError(t, a.Handle.Open(source.PublicKey(), replication.NewCoreReplica(source)))

	select {
	case dk := <-discovered:
		require.Equal(t, source.DiscoveryKey(), dk)
	case <-time.After(5 * time.Second):
		t.Fatal("discovery hook never fired")
	}
}
