package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"

	"lukechampine.com/blake3"
)

// PublicKey identifies a feed and verifies signatures over its entries.
// The implementation uses Ed25519 public keys.
type PublicKey []byte

// NewPublicKeyFromBytes creates a PublicKey from a byte slice.
// The input is copied to keep the key immutable.
func NewPublicKeyFromBytes(data []byte) PublicKey {
	pk := make([]byte, len(data))
	copy(pk, data)
	return PublicKey(pk)
}

// NewPublicKeyFromString creates a PublicKey from a hex-encoded string.
func NewPublicKeyFromString(data string) (PublicKey, error) {
	rawBytes, err := hex.DecodeString(data)
	if err != nil {
		return nil, err
	}
	return NewPublicKeyFromBytes(rawBytes), nil
}

// Bytes returns the public key as a byte slice.
func (pk PublicKey) Bytes() []byte {
	return pk
}

// Equal compares two public keys in constant time.
func (pk PublicKey) Equal(other PublicKey) bool {
	return subtle.ConstantTimeCompare(pk, other) == 1
}

// String returns the hex-encoded public key.
// Useful for logging and as a map key.
func (pk PublicKey) String() string {
	return hex.EncodeToString(pk)
}

// PrivateKey signs feed entries. Only the feed owner holds it; sharing
// it allows conflicting writes that corrupt the feed.
type PrivateKey []byte

// NewPrivateKeyFromBytes creates a PrivateKey from a byte slice.
// The input is copied to keep the key immutable.
func NewPrivateKeyFromBytes(data []byte) PrivateKey {
	sk := make([]byte, len(data))
	copy(sk, data)
	return PrivateKey(sk)
}

// Bytes returns the private key as a byte slice.
// Handle with care, this exposes signing key material.
func (sk PrivateKey) Bytes() []byte {
	return sk
}

// PublicKey returns the public key half of this private key.
// For Ed25519 the public key is embedded in the private key bytes.
func (sk PrivateKey) PublicKey() (PublicKey, error) {
	if len(sk) < ed25519.PrivateKeySize {
		return nil, errors.New("invalid private key size")
	}
	return PublicKey(sk[32:]), nil
}

// GenerateKeyPair generates a new Ed25519 key pair for a feed.
func GenerateKeyPair() (PublicKey, PrivateKey, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return PublicKey(publicKey), PrivateKey(privateKey), nil
}

// DeriveKeyPair derives a named sub-keypair from a parent private key.
// The same parent and name always produce the same pair, so one root
// secret can own many feeds.
func DeriveKeyPair(parent PrivateKey, name string) (PublicKey, PrivateKey, error) {
	if len(parent) != ed25519.PrivateKeySize {
		return nil, nil, errors.New("invalid private key size")
	}
	var seed [ed25519.SeedSize]byte
	blake3.DeriveKey(seed[:], name, parent.Bytes()[:32])
	privateKey := ed25519.NewKeyFromSeed(seed[:])
	return PublicKey(privateKey.Public().(ed25519.PublicKey)),
		PrivateKey(privateKey), nil
}

// Signature is an Ed25519 signature produced with a feed's private key.
type Signature []byte

// NewSignature creates a Signature from a byte slice.
// The input is copied to keep the signature immutable.
func NewSignature(data []byte) Signature {
	sig := make([]byte, len(data))
	copy(sig, data)
	return Signature(sig)
}

// Bytes returns the signature as a byte slice.
func (s Signature) Bytes() []byte {
	return []byte(s)
}

// Verify reports whether this signature is valid for data under publicKey.
func (s Signature) Verify(publicKey PublicKey, data []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(s) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), data, s)
}

// String returns the hex-encoded signature.
func (s Signature) String() string {
	return hex.EncodeToString(s.Bytes())
}

// Sign signs data with the given private key using Ed25519.
func Sign(privateKey PrivateKey, data []byte) (Signature, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid private key size")
	}
	signature := ed25519.Sign(ed25519.PrivateKey(privateKey), data)
	return Signature(signature), nil
}
