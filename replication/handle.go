package replication

import (
	"github.com/replog/replog/crypto"
)

type commandOp int

const (
	opOpen commandOp = iota
	opReopen
	opClose
	opQuit
)

type command struct {
	op           commandOp
	key          crypto.PublicKey
	discoveryKey crypto.DiscoveryKey
	replica      Replica
}

// Handle controls a running Link from other goroutines. All methods
// return ErrLinkClosed once the link's Run loop has exited.
type Handle struct {
	link *Link
}

func (h *Handle) send(cmd command) error {
	select {
	case h.link.commands <- cmd:
		return nil
	case <-h.link.done:
		return ErrLinkClosed
	}
}

// Open registers a replica for a feed and announces the channel to the
// peer.
func (h *Handle) Open(key crypto.PublicKey, replica Replica) error {
	return h.send(command{op: opOpen, key: key, replica: replica})
}

// Reopen replays a replica's OnOpen on an already established channel,
// restarting the exchange after local appends.
func (h *Handle) Reopen(key crypto.PublicKey) error {
	return h.send(command{op: opReopen, key: key})
}

// Close tears down the channel for a discovery key and drops its
// replica without calling OnClose.
func (h *Handle) Close(discoveryKey crypto.DiscoveryKey) error {
	return h.send(command{op: opClose, discoveryKey: discoveryKey})
}

// Quit ends replication. Every replica's OnClose runs; Run returns an
// error if any replica was still behind.
func (h *Handle) Quit() error {
	return h.send(command{op: opQuit})
}
