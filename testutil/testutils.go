package testutil

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"

	"github.com/replog/replog/core"
	"github.com/replog/replog/crypto"
	"github.com/replog/replog/protocol"
	"github.com/replog/replog/replication"
	"github.com/replog/replog/storage"
)

// GenerateRandomBytes returns n bytes of cryptographically random data.
func GenerateRandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return buf, nil
}

// NewTestKeyPair generates a fresh feed keypair.
func NewTestKeyPair() (crypto.PublicKey, crypto.PrivateKey, error) {
	return crypto.GenerateKeyPair()
}

// NewMemoryCore creates a writable core over in-memory storage.
func NewMemoryCore() (*core.Core, error) {
	publicKey, privateKey, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return core.NewCore(storage.NewMemory(), publicKey, privateKey)
}

// NewReadOnlyCore creates a core over in-memory storage that can only
// verify and store entries signed by the holder of the feed key.
func NewReadOnlyCore(publicKey crypto.PublicKey) (*core.Core, error) {
	return core.NewCore(storage.NewMemory(), publicKey, nil)
}

// NewFilledCore creates a writable in-memory core holding the given
// entries.
func NewFilledCore(entries ...[]byte) (*core.Core, error) {
	c, err := NewMemoryCore()
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if _, err := c.Append(entry); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ConnectedLink is one side of an in-process replication pair.
type ConnectedLink struct {
	Link   *replication.Link
	Handle *replication.Handle
}

// NewConnectedLinks builds two Links joined by an in-memory pipe, with
// the handshake already completed. The first returned side is the
// initiator.
func NewConnectedLinks(ctx context.Context) (*ConnectedLink, *ConnectedLink, error) {
	initiatorConn, responderConn := net.Pipe()

	type result struct {
		side *ConnectedLink
		err  error
	}
	initiatorResult := make(chan result, 1)
	responderResult := make(chan result, 1)

	connect := func(conn net.Conn, initiator bool, out chan<- result) {
		link, handle, err := replication.NewLink(ctx, conn, protocol.Options{Initiator: initiator})
		out <- result{side: &ConnectedLink{Link: link, Handle: handle}, err: err}
	}
	go connect(initiatorConn, true, initiatorResult)
	go connect(responderConn, false, responderResult)

	initiator := <-initiatorResult
	responder := <-responderResult
	if initiator.err != nil {
		return nil, nil, initiator.err
	}
	if responder.err != nil {
		return nil, nil, responder.err
	}
	return initiator.side, responder.side, nil
}
