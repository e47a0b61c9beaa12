package noise

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// runHandshake shuttles messages between the two sides until both are
// in transport state.
func runHandshake(t *testing.T) (*Handshake, *Handshake) {
	t.Helper()

	initiator, err := NewHandshake(true)
	require.NoError(t, err)
	responder, err := NewHandshake(false)
	require.NoError(t, err)

	msg1, err := initiator.Start()
	require.NoError(t, err)
	require.NotNil(t, msg1)

	none, err := responder.Start()
	require.NoError(t, err)
	require.Nil(t, none)

	msg2, err := responder.Consume(msg1)
	require.NoError(t, err)
	require.NotNil(t, msg2)

	msg3, err := initiator.Consume(msg2)
	require.NoError(t, err)
	require.NotNil(t, msg3)
	require.True(t, initiator.Complete())

	final, err := responder.Consume(msg3)
	require.NoError(t, err)
	require.Nil(t, final)
	require.True(t, responder.Complete())

	return initiator, responder
}

func TestHandshake(t *testing.T) {
	initiator, responder := runHandshake(t)

	iOut, _, err := initiator.Result()
	require.NoError(t, err)
	rOut, _, err := responder.Result()
	require.NoError(t, err)

	require.True(t, iOut.Initiator)
	require.False(t, rOut.Initiator)

	// Each side learned the other's static key.
	require.Equal(t, iOut.LocalStatic, rOut.RemoteStatic)
	require.Equal(t, rOut.LocalStatic, iOut.RemoteStatic)

	// Nonces crossed over inside the handshake payloads.
	require.Len(t, iOut.LocalNonce, NonceSize)
	require.Equal(t, iOut.LocalNonce, rOut.RemoteNonce)
	require.Equal(t, rOut.LocalNonce, iOut.RemoteNonce)

	// Both sides agree on the transcript.
	require.NotEmpty(t, iOut.HandshakeHash)
	require.Equal(t, iOut.HandshakeHash, rOut.HandshakeHash)
}

func TestTransport(t *testing.T) {
	initiator, responder := runHandshake(t)
	_, iTransport, err := initiator.Result()
	require.NoError(t, err)
	_, rTransport, err := responder.Result()
	require.NoError(t, err)

	// Initiator to responder.
	ciphertext, err := iTransport.Encrypt([]byte("ping"))
	require.NoError(t, err)
	require.NotEqual(t, []byte("ping"), ciphertext)
	plaintext, err := rTransport.Decrypt(ciphertext)
	require.NoError(t, err)
	require.Equal(t, []byte("ping"), plaintext)

	// Responder to initiator.
	ciphertext, err = rTransport.Encrypt([]byte("pong"))
	require.NoError(t, err)
	plaintext, err = iTransport.Decrypt(ciphertext)
	require.NoError(t, err)
	require.Equal(t, []byte("pong"), plaintext)
}

func TestTransportRejectsTampering(t *testing.T) {
	initiator, responder := runHandshake(t)
	_, iTransport, err := initiator.Result()
	require.NoError(t, err)
	_, rTransport, err := responder.Result()
	require.NoError(t, err)

	ciphertext, err := iTransport.Encrypt([]byte("authentic"))
	require.NoError(t, err)
	ciphertext[0] ^= 0xff
	_, err = rTransport.Decrypt(ciphertext)
	require.ErrorIs(t, err, ErrAuth)
}

func TestTransportRejectsReplay(t *testing.T) {
	initiator, responder := runHandshake(t)
	_, iTransport, err := initiator.Result()
	require.NoError(t, err)
	_, rTransport, err := responder.Result()
	require.NoError(t, err)

	ciphertext, err := iTransport.Encrypt([]byte("once"))
	require.NoError(t, err)
	_, err = rTransport.Decrypt(ciphertext)
	require.NoError(t, err)

	// The receive nonce has advanced; the same frame cannot land twice.
	_, err = rTransport.Decrypt(ciphertext)
	require.ErrorIs(t, err, ErrAuth)
}

func TestHandshakeRejectsGarbage(t *testing.T) {
	responder, err := NewHandshake(false)
	require.NoError(t, err)
	_, err = responder.Start()
	require.NoError(t, err)

	garbage := make([]byte, 96)
	_, err = rand.Read(garbage)
	require.NoError(t, err)

	_, err = responder.Consume(garbage)
	require.ErrorIs(t, err, ErrHandshake)
	require.Equal(t, StateClosed, responder.State())

	// A closed handshake stays closed.
	_, err = responder.Consume(garbage)
	require.ErrorIs(t, err, ErrHandshake)
	_, _, err = responder.Result()
	require.Error(t, err)
}

func TestHandshakeStateMachine(t *testing.T) {
	h, err := NewHandshake(true)
	require.NoError(t, err)
	require.Equal(t, StateIdle, h.State())
	require.True(t, h.Initiator())

	// Consume before Start is refused.
	_, err = h.Consume([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrHandshake)

	_, err = h.Start()
	require.NoError(t, err)
	require.Equal(t, StateHandshaking, h.State())

	// Starting twice is refused.
	_, err = h.Start()
	require.ErrorIs(t, err, ErrHandshake)

	// Result before completion is refused.
	_, _, err = h.Result()
	require.ErrorIs(t, err, ErrHandshake)
}
