package protocol

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/replog/replog/crypto"
)

func newSessionPair(t *testing.T, opts Options) (*Protocol, *Protocol) {
	t.Helper()

	initiatorConn, responderConn := net.Pipe()

	initiatorOpts := opts
	initiatorOpts.Initiator = true
	responderOpts := opts
	responderOpts.Initiator = false

	initiator := NewProtocol(initiatorConn, initiatorOpts)
	responder := NewProtocol(responderConn, responderOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errs := make(chan error, 2)
	go func() { errs <- initiator.Handshake(ctx) }()
	go func() { errs <- responder.Handshake(ctx) }()
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	t.Cleanup(func() {
		initiator.Close()
		responder.Close()
	})
	return initiator, responder
}

// awaitEvent pulls events until one of the wanted type arrives.
func awaitEvent[T Event](t *testing.T, p *Protocol) T {
	t.Helper()
	for {
		ev, err := p.Next()
		require.NoError(t, err)
		if typed, ok := ev.(T); ok {
			return typed
		}
	}
}

func TestSessionHandshake(t *testing.T) {
	initiator, responder := newSessionPair(t, Options{})
	require.Equal(t, SessionReady, initiator.State())
	require.Equal(t, SessionReady, responder.State())
}

func TestSessionChannelExchange(t *testing.T) {
	initiator, responder := newSessionPair(t, Options{})

	key, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	discoveryKey := crypto.NewDiscoveryKey(key)

	require.NoError(t, initiator.OpenChannel(key))
	require.NoError(t, responder.OpenChannel(key))

	iOpen := awaitEvent[EventChannelOpen](t, initiator)
	require.Equal(t, discoveryKey, iOpen.DiscoveryKey)
	rOpen := awaitEvent[EventChannelOpen](t, responder)
	require.Equal(t, discoveryKey, rOpen.DiscoveryKey)

	// Request flows one way.
	require.NoError(t, initiator.Request(discoveryKey, 0))
	msg := awaitEvent[EventMessage](t, responder)
	require.Equal(t, discoveryKey, msg.DiscoveryKey)
	req, ok := msg.Message.(*Request)
	require.True(t, ok)
	require.Equal(t, uint32(0), req.Index)

	// Data flows back.
	require.NoError(t, responder.Data(discoveryKey, &Data{
		Index:         0,
		Data:          []byte("payload"),
		DataSignature: make([]byte, 64),
		TreeSignature: make([]byte, 64),
	}))
	msg = awaitEvent[EventMessage](t, initiator)
	data, ok := msg.Message.(*Data)
	require.True(t, ok)
	require.Equal(t, []byte("payload"), data.Data)

	// Close propagates to both sides.
	require.NoError(t, initiator.CloseChannel(discoveryKey))
	iClose := awaitEvent[EventChannelClose](t, initiator)
	require.Equal(t, discoveryKey, iClose.DiscoveryKey)
	rClose := awaitEvent[EventChannelClose](t, responder)
	require.Equal(t, discoveryKey, rClose.DiscoveryKey)

	// The channel is gone; sends are refused.
	require.ErrorIs(t, initiator.Request(discoveryKey, 1), ErrProtocol)
}

func TestSessionDiscoveryEvent(t *testing.T) {
	initiator, responder := newSessionPair(t, Options{})

	key, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	discoveryKey := crypto.NewDiscoveryKey(key)

	// Only one side opens; the other learns the discovery key and can
	// join afterwards.
	require.NoError(t, initiator.OpenChannel(key))
	announced := awaitEvent[EventDiscoveryKey](t, responder)
	require.Equal(t, discoveryKey, announced.DiscoveryKey)

	require.NoError(t, responder.OpenChannel(key))
	awaitEvent[EventChannelOpen](t, responder)
	awaitEvent[EventChannelOpen](t, initiator)
}

func TestSessionConflictingReopenClosesChannel(t *testing.T) {
	initiator, responder := newSessionPair(t, Options{})

	key, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	discoveryKey := crypto.NewDiscoveryKey(key)

	require.NoError(t, initiator.OpenChannel(key))
	require.NoError(t, responder.OpenChannel(key))
	awaitEvent[EventChannelOpen](t, initiator)
	awaitEvent[EventChannelOpen](t, responder)

	// A reopen that disagrees with the established channel tears that
	// channel down but leaves the session running.
	err = initiator.dispatch(9, KindOpen, (&Open{
		DiscoveryKey: discoveryKey[:],
		Capability:   []byte("mismatched"),
	}).marshal())
	require.NoError(t, err)

	closed := awaitEvent[EventChannelClose](t, initiator)
	require.Equal(t, discoveryKey, closed.DiscoveryKey)
	require.Equal(t, SessionReady, initiator.State())

	// The remote observes the Close and drops the channel too.
	rClosed := awaitEvent[EventChannelClose](t, responder)
	require.Equal(t, discoveryKey, rClosed.DiscoveryKey)

	// The feed can be announced again on the same session.
	require.NoError(t, initiator.OpenChannel(key))
	announced := awaitEvent[EventDiscoveryKey](t, responder)
	require.Equal(t, discoveryKey, announced.DiscoveryKey)
}

func TestSessionSendBeforeOpen(t *testing.T) {
	initiator, _ := newSessionPair(t, Options{})

	key, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	discoveryKey := crypto.NewDiscoveryKey(key)

	require.ErrorIs(t, initiator.Request(discoveryKey, 0), ErrProtocol)
	require.ErrorIs(t, initiator.Send(discoveryKey, &Open{}), ErrProtocol)
}

func TestSessionClose(t *testing.T) {
	initiator, responder := newSessionPair(t, Options{})

	require.NoError(t, initiator.Close())
	_, err := initiator.Next()
	require.ErrorIs(t, err, ErrClosed)

	// The remote observes the hangup as a clean close.
	_, err = responder.Next()
	require.ErrorIs(t, err, ErrClosed)
	require.Equal(t, SessionClosed, responder.State())
}

func TestSessionTimeout(t *testing.T) {
	_, responder := newSessionPair(t, Options{Timeout: 50 * time.Millisecond})

	_, err := responder.Next()
	require.ErrorIs(t, err, ErrTimeout)
}

func TestSessionHandshakeCancellation(t *testing.T) {
	conn, remote := net.Pipe()
	defer remote.Close()

	p := NewProtocol(conn, Options{Initiator: false})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// Nothing ever arrives; cancellation must unblock the handshake.
	err := p.Handshake(ctx)
	require.Error(t, err)
}
