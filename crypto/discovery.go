package crypto

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/blake2b"
)

// DiscoveryKeySize is the byte length of a discovery key.
const DiscoveryKeySize = 32

// Canonical derivation contexts. Changing either breaks compatibility
// with every existing peer.
var (
	discoveryContext  = []byte("replog discovery")
	capabilityContext = []byte("replog capability")
)

// ErrCapability is returned when a capability proof does not verify.
var ErrCapability = errors.New("crypto: invalid channel capability")

// DiscoveryKey is the public rendezvous label of a feed. It is derived
// one-way from the feed's public key, so announcing it does not reveal
// the key needed to verify the feed's contents.
type DiscoveryKey [DiscoveryKeySize]byte

// String returns the hex-encoded discovery key.
func (dk DiscoveryKey) String() string {
	return hex.EncodeToString(dk[:])
}

// NewDiscoveryKey derives the discovery key of a public key:
// keyed BLAKE2b-256 with the public key as key over a fixed context.
// The derivation is deterministic and cannot be inverted to recover
// the public key.
func NewDiscoveryKey(publicKey PublicKey) DiscoveryKey {
	var dk DiscoveryKey
	hasher, err := blake2b.New256(publicKey.Bytes())
	if err != nil {
		// Only reachable with an oversized key, which PublicKey is not.
		panic(err)
	}
	hasher.Write(discoveryContext)
	hasher.Sum(dk[:0])
	return dk
}

// Capability proves to the remote peer that we know the feed key behind
// a discovery key, without sending the feed key. It is bound to the
// session by the handshake hash and to the sending direction by the
// sender's handshake nonce, so it cannot be replayed on another
// connection or reflected back.
func Capability(handshakeHash, senderNonce []byte, feedKey PublicKey) []byte {
	hasher, err := blake2b.New256(handshakeHash)
	if err != nil {
		panic(err)
	}
	hasher.Write(capabilityContext)
	hasher.Write(senderNonce)
	hasher.Write(feedKey.Bytes())
	return hasher.Sum(nil)
}

// VerifyCapability checks a capability received from the remote peer
// against the feed key we hold locally. remoteNonce is the nonce the
// remote sent during the handshake. A failure rejects the channel open,
// not the session.
func VerifyCapability(capability, handshakeHash, remoteNonce []byte, feedKey PublicKey) error {
	if len(capability) == 0 {
		return errors.New("crypto: missing channel capability")
	}
	expected := Capability(handshakeHash, remoteNonce, feedKey)
	if subtle.ConstantTimeCompare(capability, expected) != 1 {
		return ErrCapability
	}
	return nil
}
