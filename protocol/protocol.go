package protocol

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/replog/replog/crypto"
	"github.com/replog/replog/noise"
)

// Session errors. ErrProtocol covers peer behavior that violates the
// wire contract and is always fatal to the session.
var (
	ErrProtocol = errors.New("protocol: protocol violation")
	ErrTimeout  = errors.New("protocol: session timed out")
	ErrClosed   = errors.New("protocol: session closed")
)

// SessionState tracks the lifecycle of a Protocol.
type SessionState int

const (
	// SessionConnecting is the state before the handshake starts.
	SessionConnecting SessionState = iota
	// SessionHandshaking means the key exchange is in flight.
	SessionHandshaking
	// SessionReady means channel traffic can flow.
	SessionReady
	// SessionClosed is terminal.
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionHandshaking:
		return "handshaking"
	case SessionReady:
		return "ready"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is something the session surfaces to its owner via Next.
type Event interface{ event() }

// EventDiscoveryKey reports that the remote opened a channel for a feed
// we have not opened locally. The owner may answer with OpenChannel if
// it holds the feed key, or ignore it.
type EventDiscoveryKey struct {
	DiscoveryKey crypto.DiscoveryKey
}

// EventChannelOpen reports that a channel is established in both
// directions with a verified capability.
type EventChannelOpen struct {
	DiscoveryKey crypto.DiscoveryKey
}

// EventChannelClose reports that a channel was torn down, by either
// side.
type EventChannelClose struct {
	DiscoveryKey crypto.DiscoveryKey
}

// EventMessage carries a Request or Data received on an open channel.
type EventMessage struct {
	DiscoveryKey crypto.DiscoveryKey
	Message      Message
}

func (EventDiscoveryKey) event() {}
func (EventChannelOpen) event()  {}
func (EventChannelClose) event() {}
func (EventMessage) event()      {}

// Options configure a Protocol session.
type Options struct {
	// Initiator selects the handshake role. The dialing side initiates.
	Initiator bool
	// Timeout is the maximum time to wait for inbound traffic once the
	// session is ready. Zero disables the inactivity timeout.
	Timeout time.Duration
	// MaxMessageSize caps a single frame. Zero means
	// DefaultMaxMessageSize.
	MaxMessageSize uint32
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Protocol is one replication session over a reliable byte stream. It
// multiplexes any number of feed channels over a single encrypted
// connection. After Handshake, events are consumed with Next while
// OpenChannel, CloseChannel, Request and Data may be called from other
// goroutines.
type Protocol struct {
	conn net.Conn
	br   *bufio.Reader
	opts Options
	log  *slog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	state     SessionState
	outcome   *noise.Outcome
	transport *noise.Transport
	channels  *channelMap
	err       error

	events chan Event
	done   chan struct{}
}

// NewProtocol wraps a connection in a session. The connection is owned
// by the session from here on and closed with it.
func NewProtocol(conn net.Conn, opts Options) *Protocol {
	if opts.MaxMessageSize == 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Protocol{
		conn:     conn,
		br:       bufio.NewReader(conn),
		opts:     opts,
		log:      log.With("initiator", opts.Initiator),
		state:    SessionConnecting,
		channels: newChannelMap(),
		events:   make(chan Event, 64),
		done:     make(chan struct{}),
	}
}

// State returns the current session state.
func (p *Protocol) State() SessionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Handshake runs the key exchange. Handshake frames travel in the
// clear; everything after travels encrypted. On success the session is
// ready and a background reader starts delivering events to Next.
func (p *Protocol) Handshake(ctx context.Context) error {
	p.mu.Lock()
	if p.state != SessionConnecting {
		p.mu.Unlock()
		return fmt.Errorf("%w: handshake in state %s", ErrProtocol, p.state)
	}
	p.state = SessionHandshaking
	p.mu.Unlock()

	stop := p.watchContext(ctx)
	defer stop()

	hs, err := noise.NewHandshake(p.opts.Initiator)
	if err != nil {
		return p.fatal(err)
	}

	msg, err := hs.Start()
	if err != nil {
		return p.fatal(err)
	}
	if msg != nil {
		if err := p.writeRawFrame(msg); err != nil {
			return p.fatal(err)
		}
	}

	for !hs.Complete() {
		frame, err := readFrame(p.br, p.opts.MaxMessageSize)
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			return p.fatal(err)
		}
		reply, err := hs.Consume(frame)
		if err != nil {
			return p.fatal(err)
		}
		if reply != nil {
			if err := p.writeRawFrame(reply); err != nil {
				return p.fatal(err)
			}
		}
	}

	outcome, transport, err := hs.Result()
	if err != nil {
		return p.fatal(err)
	}

	p.mu.Lock()
	p.outcome = outcome
	p.transport = transport
	p.state = SessionReady
	p.mu.Unlock()

	p.log.Debug("session established",
		"remote_static", fmt.Sprintf("%x", outcome.RemoteStatic))

	go p.readLoop()
	return nil
}

// watchContext tears the connection down when ctx is canceled, which
// unblocks any pending read.
func (p *Protocol) watchContext(ctx context.Context) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.conn.SetReadDeadline(time.Now())
		case <-stopped:
		case <-p.done:
		}
	}()
	return func() { close(stopped) }
}

// Next returns the next session event. It blocks until an event
// arrives or the session ends; after the session ends it returns the
// terminal error, ErrClosed for a clean shutdown.
func (p *Protocol) Next() (Event, error) {
	ev, ok := <-p.events
	if !ok {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.err != nil {
			return nil, p.err
		}
		return nil, ErrClosed
	}
	return ev, nil
}

// OpenChannel announces a channel for a feed key, sending the derived
// discovery key and a session-bound capability. If the remote already
// announced the same feed, its capability is verified here and the
// channel becomes open.
func (p *Protocol) OpenChannel(key crypto.PublicKey) error {
	p.mu.Lock()
	if p.state != SessionReady {
		p.mu.Unlock()
		return fmt.Errorf("%w: open channel in state %s", ErrProtocol, p.state)
	}
	ch := p.channels.attachLocal(key)
	localID := ch.localID
	discoveryKey := ch.discoveryKey
	capability := crypto.Capability(p.outcome.HandshakeHash, p.outcome.LocalNonce, key)
	p.mu.Unlock()

	open := &Open{DiscoveryKey: discoveryKey[:], Capability: capability}
	if err := p.writePacket(localID, open); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if ch.hasRemote && ch.state != ChannelOpen {
		return p.establishLocked(ch)
	}
	return nil
}

// CloseChannel tears down the channel for a discovery key and notifies
// the remote.
func (p *Protocol) CloseChannel(discoveryKey crypto.DiscoveryKey) error {
	p.mu.Lock()
	ch, ok := p.channels.get(discoveryKey)
	if !ok {
		p.mu.Unlock()
		return nil
	}
	localID := ch.localID
	p.channels.remove(discoveryKey)
	p.mu.Unlock()

	if localID != 0 {
		if err := p.writePacket(localID, &Close{DiscoveryKey: discoveryKey[:]}); err != nil {
			return err
		}
	}
	p.emit(EventChannelClose{DiscoveryKey: discoveryKey})
	return nil
}

// Request sends a Request on an open channel.
func (p *Protocol) Request(discoveryKey crypto.DiscoveryKey, index uint32) error {
	return p.Send(discoveryKey, &Request{Index: index})
}

// Data sends a Data message on an open channel.
func (p *Protocol) Data(discoveryKey crypto.DiscoveryKey, data *Data) error {
	return p.Send(discoveryKey, data)
}

// Send transmits a Request or Data on an open channel.
func (p *Protocol) Send(discoveryKey crypto.DiscoveryKey, m Message) error {
	switch m.Kind() {
	case KindRequest, KindData:
	default:
		return fmt.Errorf("%w: cannot send %s directly", ErrProtocol, m.Kind())
	}

	p.mu.Lock()
	ch, ok := p.channels.get(discoveryKey)
	if !ok || ch.state != ChannelOpen {
		p.mu.Unlock()
		return fmt.Errorf("%w: channel %s is not open", ErrProtocol, discoveryKey)
	}
	localID := ch.localID
	p.mu.Unlock()

	return p.writePacket(localID, m)
}

// Close shuts the session down. Pending Next calls return ErrClosed.
func (p *Protocol) Close() error {
	p.mu.Lock()
	if p.state == SessionClosed {
		p.mu.Unlock()
		return nil
	}
	p.state = SessionClosed
	started := p.transport != nil
	p.mu.Unlock()

	close(p.done)
	err := p.conn.Close()
	if !started {
		// No read loop to drain the channel.
		close(p.events)
	}
	return err
}

func (p *Protocol) fatal(err error) error {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.state = SessionClosed
	p.mu.Unlock()
	p.conn.Close()
	return err
}

// readLoop pulls frames off the wire, decrypts them and dispatches
// channel messages until the session ends.
func (p *Protocol) readLoop() {
	defer close(p.events)

	for {
		if p.opts.Timeout > 0 {
			p.conn.SetReadDeadline(time.Now().Add(p.opts.Timeout))
		}
		frame, err := readFrame(p.br, p.opts.MaxMessageSize)
		if err != nil {
			p.finishRead(err)
			return
		}

		p.mu.Lock()
		transport := p.transport
		p.mu.Unlock()

		body, err := transport.Decrypt(frame)
		if err != nil {
			p.finishRead(err)
			return
		}

		channelID, kind, payload, err := decodePacket(body)
		if err != nil {
			p.finishRead(err)
			return
		}

		if err := p.dispatch(channelID, kind, payload); err != nil {
			p.finishRead(err)
			return
		}
	}
}

// finishRead records the terminal session error. A remote hangup and a
// local Close both count as a clean shutdown.
func (p *Protocol) finishRead(err error) {
	select {
	case <-p.done:
		err = ErrClosed
	default:
	}
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		err = ErrClosed
	case errors.As(err, &netErr) && netErr.Timeout():
		err = fmt.Errorf("%w: no traffic for %s", ErrTimeout, p.opts.Timeout)
	}

	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.state = SessionClosed
	p.mu.Unlock()
	p.conn.Close()
}

// dispatch routes one decrypted packet. Unknown channels and kinds on
// unestablished channels are dropped, not fatal: the remote may be
// racing our own Close.
func (p *Protocol) dispatch(channelID uint32, kind Kind, payload []byte) error {
	if channelID == 0 && kind != KindOpen {
		// Channel id 0 is reserved for stream traffic; nothing is
		// defined there after the handshake.
		p.log.Debug("dropping stream-level message", "kind", kind.String())
		return nil
	}

	switch kind {
	case KindOpen:
		m, err := DecodeMessage(kind, payload)
		if err != nil {
			return err
		}
		return p.handleOpen(channelID, m.(*Open))
	case KindClose:
		m, err := DecodeMessage(kind, payload)
		if err != nil {
			return err
		}
		p.handleClose(m.(*Close))
		return nil
	case KindRequest, KindData:
		m, err := DecodeMessage(kind, payload)
		if err != nil {
			return err
		}
		p.mu.Lock()
		ch, ok := p.channels.byRemoteID(channelID)
		open := ok && ch.state == ChannelOpen
		var discoveryKey crypto.DiscoveryKey
		if ok {
			discoveryKey = ch.discoveryKey
		}
		p.mu.Unlock()
		if !open {
			p.log.Debug("dropping message on unestablished channel",
				"channel", channelID, "kind", kind.String())
			return nil
		}
		p.emit(EventMessage{DiscoveryKey: discoveryKey, Message: m})
		return nil
	default:
		return fmt.Errorf("%w: unknown message kind %d", ErrProtocol, kind)
	}
}

func (p *Protocol) handleOpen(remoteID uint32, open *Open) error {
	if len(open.DiscoveryKey) != crypto.DiscoveryKeySize {
		return fmt.Errorf("%w: discovery key of %d bytes", ErrProtocol, len(open.DiscoveryKey))
	}
	var discoveryKey crypto.DiscoveryKey
	copy(discoveryKey[:], open.DiscoveryKey)

	p.mu.Lock()
	if existing, ok := p.channels.get(discoveryKey); ok && existing.hasRemote {
		same := existing.remoteID == remoteID && bytes.Equal(existing.remoteCapability, open.Capability)
		if same {
			p.mu.Unlock()
			// Retransmitted open, nothing to do.
			return nil
		}
		// A conflicting reopen means the two sides disagree about the
		// channel. Tear the channel down; the rest of the session is
		// unaffected and the owner may open the feed again.
		localID := existing.localID
		p.channels.remove(discoveryKey)
		p.mu.Unlock()
		p.log.Warn("conflicting reopen, closing channel",
			"discovery_key", discoveryKey.String())
		if localID != 0 {
			p.writePacket(localID, &Close{DiscoveryKey: discoveryKey[:]})
		}
		p.emit(EventChannelClose{DiscoveryKey: discoveryKey})
		return nil
	}
	ch := p.channels.attachRemote(discoveryKey, remoteID, open.Capability)
	if ch.localID == 0 {
		// We have not opened this feed; let the owner decide.
		p.mu.Unlock()
		p.emit(EventDiscoveryKey{DiscoveryKey: discoveryKey})
		return nil
	}
	err := p.establishLocked(ch)
	p.mu.Unlock()
	return err
}

// establishLocked verifies the remote capability of a channel that is
// attached on both sides. Verification failure closes the channel but
// not the session: the remote may hold a different key for the same
// discovery key. Callers hold p.mu.
func (p *Protocol) establishLocked(ch *channel) error {
	if ch.state != ChannelOpening {
		return nil
	}
	err := crypto.VerifyCapability(
		ch.remoteCapability, p.outcome.HandshakeHash, p.outcome.RemoteNonce, ch.key)
	if err != nil {
		discoveryKey := ch.discoveryKey
		localID := ch.localID
		p.channels.remove(discoveryKey)
		p.log.Warn("channel capability rejected",
			"discovery_key", discoveryKey.String(), "err", err)

		p.mu.Unlock()
		p.writePacket(localID, &Close{DiscoveryKey: discoveryKey[:]})
		p.emit(EventChannelClose{DiscoveryKey: discoveryKey})
		p.mu.Lock()
		return nil
	}

	ch.state = ChannelOpen
	discoveryKey := ch.discoveryKey
	p.mu.Unlock()
	p.emit(EventChannelOpen{DiscoveryKey: discoveryKey})
	p.mu.Lock()
	return nil
}

func (p *Protocol) handleClose(m *Close) {
	if len(m.DiscoveryKey) != crypto.DiscoveryKeySize {
		return
	}
	var discoveryKey crypto.DiscoveryKey
	copy(discoveryKey[:], m.DiscoveryKey)

	p.mu.Lock()
	_, ok := p.channels.get(discoveryKey)
	if ok {
		p.channels.remove(discoveryKey)
	}
	p.mu.Unlock()
	if ok {
		p.emit(EventChannelClose{DiscoveryKey: discoveryKey})
	}
}

// emit delivers an event, dropping it if the session is shutting down.
func (p *Protocol) emit(ev Event) {
	select {
	case p.events <- ev:
	case <-p.done:
	}
}

// writePacket encrypts and frames one channel message.
func (p *Protocol) writePacket(channelID uint32, m Message) error {
	p.mu.Lock()
	transport := p.transport
	state := p.state
	p.mu.Unlock()
	if state != SessionReady || transport == nil {
		return fmt.Errorf("%w: write in state %s", ErrProtocol, state)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	body, err := transport.Encrypt(encodePacket(channelID, m))
	if err != nil {
		return err
	}
	return writeFrame(p.conn, body)
}

func (p *Protocol) writeRawFrame(body []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return writeFrame(p.conn, body)
}
