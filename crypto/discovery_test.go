package crypto

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDiscoveryKey(t *testing.T) {
	publicKey, _, err := GenerateKeyPair()
	require.NoError(t, err)

	dk := NewDiscoveryKey(publicKey)
	require.Equal(t, dk, NewDiscoveryKey(publicKey))

	// The discovery key never equals the public key it derives from.
	require.NotEqual(t, publicKey.Bytes(), dk[:])

	other, _, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NotEqual(t, dk, NewDiscoveryKey(other))
}

func TestCapability(t *testing.T) {
	feedKey, _, err := GenerateKeyPair()
	require.NoError(t, err)

	handshakeHash := make([]byte, 32)
	nonce := make([]byte, 24)
	_, err = rand.Read(handshakeHash)
	require.NoError(t, err)
	_, err = rand.Read(nonce)
	require.NoError(t, err)

	capability := Capability(handshakeHash, nonce, feedKey)
	require.NoError(t, VerifyCapability(capability, handshakeHash, nonce, feedKey))

	// Bound to the session.
	otherHash := make([]byte, 32)
	_, err = rand.Read(otherHash)
	require.NoError(t, err)
	require.ErrorIs(t, VerifyCapability(capability, otherHash, nonce, feedKey), ErrCapability)

	// Bound to the sending direction by the nonce.
	otherNonce := make([]byte, 24)
	_, err = rand.Read(otherNonce)
	require.NoError(t, err)
	require.ErrorIs(t, VerifyCapability(capability, handshakeHash, otherNonce, feedKey), ErrCapability)

	// Bound to the feed key.
	otherKey, _, err := GenerateKeyPair()
	require.NoError(t, err)
	require.ErrorIs(t, VerifyCapability(capability, handshakeHash, nonce, otherKey), ErrCapability)

	// Missing capability is rejected outright.
	require.Error(t, VerifyCapability(nil, handshakeHash, nonce, feedKey))
}
