package noise

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/flynn/noise"
)

// The handshake pattern is Noise XX over X25519 with ChaCha20-Poly1305
// and BLAKE2b: mutually authenticated, static keys exchanged under
// encryption, no pre-shared knowledge required.
var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2b)

// NonceSize is the byte length of the session nonces exchanged inside
// the handshake payloads.
const NonceSize = 24

// State tracks handshake progress. Any failure moves directly to
// StateClosed; a closed handshake is never resumed or retried here.
type State int

const (
	// StateIdle is the initial state before any message moved.
	StateIdle State = iota
	// StateHandshaking means at least one handshake message has been
	// produced or consumed.
	StateHandshaking
	// StateTransport means the handshake completed and transport
	// cipher states exist.
	StateTransport
	// StateClosed means the handshake failed or was torn down.
	StateClosed
)

// ErrHandshake wraps any cryptographic failure during the handshake.
// It is fatal to the session.
var ErrHandshake = errors.New("noise: handshake failed")

// Outcome is the result of a completed handshake.
type Outcome struct {
	Initiator     bool
	LocalStatic   []byte
	RemoteStatic  []byte
	LocalNonce    []byte
	RemoteNonce   []byte
	HandshakeHash []byte
}

// Handshake drives one side of the XX exchange. The initiator calls
// Start to produce the first message; both sides then feed received
// messages to Consume until Complete reports true.
type Handshake struct {
	state      State
	initiator  bool
	hs         *noise.HandshakeState
	localNonce []byte
	payload    []byte
	outcome    *Outcome
	transport  *Transport
}

// NewHandshake creates a handshake with a fresh static keypair.
func NewHandshake(initiator bool) (*Handshake, error) {
	key, err := cipherSuite.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: key,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	return &Handshake{
		state:      StateIdle,
		initiator:  initiator,
		hs:         hs,
		localNonce: nonce,
		payload:    encodeNoisePayload(nonce),
		outcome: &Outcome{
			Initiator:   initiator,
			LocalStatic: key.Public,
			LocalNonce:  nonce,
		},
	}, nil
}

// State returns the current handshake state.
func (h *Handshake) State() State {
	return h.state
}

// Initiator reports which side of the exchange this is.
func (h *Handshake) Initiator() bool {
	return h.initiator
}

// Complete reports whether transport cipher states are established.
func (h *Handshake) Complete() bool {
	return h.state == StateTransport
}

// Start produces the initiator's first message. On the responder side
// it returns nil: the responder waits for the initiator's hello.
func (h *Handshake) Start() ([]byte, error) {
	if h.state != StateIdle {
		return nil, fmt.Errorf("%w: start in state %d", ErrHandshake, h.state)
	}
	if !h.initiator {
		h.state = StateHandshaking
		return nil, nil
	}

	msg, _, _, err := h.hs.WriteMessage(nil, h.payload)
	if err != nil {
		h.state = StateClosed
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	h.state = StateHandshaking
	return msg, nil
}

// Consume processes a received handshake message and returns the reply
// to send, if any. A bad MAC or malformed message closes the handshake;
// the error is not recoverable within this component.
func (h *Handshake) Consume(msg []byte) ([]byte, error) {
	if h.state != StateHandshaking {
		return nil, fmt.Errorf("%w: message in state %d", ErrHandshake, h.state)
	}

	payload, cs1, cs2, err := h.hs.ReadMessage(nil, msg)
	if err != nil {
		h.state = StateClosed
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	if h.initiator {
		// Read message 2, send message 3, done.
		reply, rcs1, rcs2, err := h.hs.WriteMessage(nil, h.payload)
		if err != nil {
			h.state = StateClosed
			return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		if err := h.finish(payload, rcs1, rcs2); err != nil {
			return nil, err
		}
		return reply, nil
	}

	if cs1 == nil {
		// Read message 1, send message 2.
		reply, _, _, err := h.hs.WriteMessage(nil, h.payload)
		if err != nil {
			h.state = StateClosed
			return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		return reply, nil
	}

	// Read message 3, done.
	if err := h.finish(payload, cs1, cs2); err != nil {
		return nil, err
	}
	return nil, nil
}

func (h *Handshake) finish(payload []byte, cs1, cs2 *noise.CipherState) error {
	remoteNonce, err := decodeNoisePayload(payload)
	if err != nil {
		h.state = StateClosed
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	h.outcome.RemoteNonce = remoteNonce
	h.outcome.RemoteStatic = h.hs.PeerStatic()
	h.outcome.HandshakeHash = h.hs.ChannelBinding()

	// The first cipher state always encrypts initiator -> responder.
	if h.initiator {
		h.transport = &Transport{send: cs1, recv: cs2}
	} else {
		h.transport = &Transport{send: cs2, recv: cs1}
	}
	h.state = StateTransport
	return nil
}

// Result returns the handshake outcome and transport cipher pair.
// It errors unless the handshake completed.
func (h *Handshake) Result() (*Outcome, *Transport, error) {
	if h.state != StateTransport {
		return nil, nil, fmt.Errorf("%w: handshake not complete", ErrHandshake)
	}
	return h.outcome, h.transport, nil
}
