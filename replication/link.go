package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/replog/replog/crypto"
	"github.com/replog/replog/protocol"
)

// ErrLinkClosed is returned by Handle operations after the link's Run
// loop has exited.
var ErrLinkClosed = errors.New("replication: link closed")

// Link drives replication over one protocol session. It owns the
// session and a set of replicas keyed by discovery key, and runs a
// single event loop: protocol events and Handle commands are both
// serialized through it, so replicas never see concurrent calls.
type Link struct {
	protocol *protocol.Protocol
	log      *slog.Logger

	replicas map[crypto.DiscoveryKey]Replica
	commands chan command
	done     chan struct{}

	// OnDiscovery, when set before Run, is called for feeds the remote
	// announces that no local replica covers. The hook may call
	// Handle.Open to join in. Unset, unknown feeds are ignored.
	OnDiscovery func(crypto.DiscoveryKey) error
}

// NewLink wraps a connection, performs the handshake and returns the
// link together with the Handle used to control it. The caller must
// then call Run to start replicating.
func NewLink(ctx context.Context, conn net.Conn, opts protocol.Options) (*Link, *Handle, error) {
	p := protocol.NewProtocol(conn, opts)
	if err := p.Handshake(ctx); err != nil {
		return nil, nil, err
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	l := &Link{
		protocol: p,
		log:      log.With("initiator", opts.Initiator),
		replicas: make(map[crypto.DiscoveryKey]Replica),
		commands: make(chan command, 16),
		done:     make(chan struct{}),
	}
	return l, &Handle{link: l}, nil
}

// Run replicates until the session ends, Quit is received, or ctx is
// canceled. On exit every replica's OnClose has run; the returned
// error is nil when all replicas finished synced.
func (l *Link) Run(ctx context.Context) error {
	defer close(l.done)
	defer l.protocol.Close()

	events := make(chan protocolEvent)
	go l.pump(events)

	for {
		select {
		case <-ctx.Done():
			l.closeReplicas()
			return ctx.Err()
		case cmd := <-l.commands:
			ok, err := l.handleCommand(cmd)
			if err != nil {
				l.closeReplicas()
				return err
			}
			if !ok {
				return nil
			}
		case ev := <-events:
			if ev.err != nil {
				return l.finish(ev.err)
			}
			if err := l.handleEvent(ev.event); err != nil {
				l.closeReplicas()
				return err
			}
		}
	}
}

type protocolEvent struct {
	event protocol.Event
	err   error
}

// pump forwards session events into the select loop.
func (l *Link) pump(events chan<- protocolEvent) {
	for {
		ev, err := l.protocol.Next()
		select {
		case events <- protocolEvent{event: ev, err: err}:
		case <-l.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// finish handles session termination: every replica gets its OnClose.
// A clean remote hangup with all replicas synced is a success; a
// replica that was still behind surfaces the session error.
func (l *Link) finish(err error) error {
	closeErr := l.closeReplicas()
	if closeErr == nil {
		return nil
	}
	if errors.Is(err, protocol.ErrClosed) {
		return closeErr
	}
	return fmt.Errorf("%w (session: %v)", closeErr, err)
}

func (l *Link) closeReplicas() error {
	var firstErr error
	for discoveryKey, replica := range l.replicas {
		if err := replica.OnClose(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(l.replicas, discoveryKey)
	}
	return firstErr
}

func (l *Link) handleCommand(cmd command) (bool, error) {
	switch cmd.op {
	case opOpen:
		discoveryKey := crypto.NewDiscoveryKey(cmd.key)
		l.replicas[discoveryKey] = cmd.replica
		if err := l.protocol.OpenChannel(cmd.key); err != nil {
			return false, err
		}
		return true, nil
	case opReopen:
		return true, l.replicaOnOpen(crypto.NewDiscoveryKey(cmd.key))
	case opClose:
		delete(l.replicas, cmd.discoveryKey)
		return true, l.protocol.CloseChannel(cmd.discoveryKey)
	case opQuit:
		if err := l.closeReplicas(); err != nil {
			return false, fmt.Errorf("quit before replication finished: %w", err)
		}
		return false, nil
	default:
		return false, fmt.Errorf("replication: unknown command %d", cmd.op)
	}
}

func (l *Link) handleEvent(ev protocol.Event) error {
	switch ev := ev.(type) {
	case protocol.EventDiscoveryKey:
		if l.OnDiscovery != nil {
			return l.OnDiscovery(ev.DiscoveryKey)
		}
		l.log.Debug("ignoring unknown feed", "discovery_key", ev.DiscoveryKey.String())
		return nil
	case protocol.EventChannelOpen:
		return l.replicaOnOpen(ev.DiscoveryKey)
	case protocol.EventChannelClose:
		return l.replicaOnClose(ev.DiscoveryKey)
	case protocol.EventMessage:
		switch m := ev.Message.(type) {
		case *protocol.Request:
			return l.replicaOnRequest(ev.DiscoveryKey, m)
		case *protocol.Data:
			return l.replicaOnData(ev.DiscoveryKey, m)
		default:
			return nil
		}
	default:
		return nil
	}
}

func (l *Link) replicaOnOpen(discoveryKey crypto.DiscoveryKey) error {
	replica, ok := l.replicas[discoveryKey]
	if !ok {
		return nil
	}
	req, err := replica.OnOpen()
	if err != nil {
		return err
	}
	if req != nil {
		return l.protocol.Send(discoveryKey, req)
	}
	return nil
}

func (l *Link) replicaOnClose(discoveryKey crypto.DiscoveryKey) error {
	replica, ok := l.replicas[discoveryKey]
	if !ok {
		return nil
	}
	delete(l.replicas, discoveryKey)
	return replica.OnClose()
}

func (l *Link) replicaOnRequest(discoveryKey crypto.DiscoveryKey, req *protocol.Request) error {
	replica, ok := l.replicas[discoveryKey]
	if !ok {
		return nil
	}
	data, counter, err := replica.OnRequest(req)
	if err != nil {
		return err
	}
	switch {
	case data != nil:
		return l.protocol.Send(discoveryKey, data)
	case counter != nil:
		return l.protocol.Send(discoveryKey, counter)
	default:
		return nil
	}
}

func (l *Link) replicaOnData(discoveryKey crypto.DiscoveryKey, data *protocol.Data) error {
	replica, ok := l.replicas[discoveryKey]
	if !ok {
		return nil
	}
	req, err := replica.OnData(data)
	if err != nil {
		return err
	}
	if req != nil {
		return l.protocol.Send(discoveryKey, req)
	}
	return nil
}
