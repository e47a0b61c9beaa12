package noise

import (
	"errors"
	"fmt"

	"github.com/flynn/noise"
)

// ErrAuth is returned when decryption fails authentication. It is
// fatal to the session: a bad tag means tampering or a desynced cipher
// stream, and neither is ever silently resynchronized.
var ErrAuth = errors.New("noise: message authentication failed")

// Transport is the post-handshake cipher pair. The two directions are
// independent cipher states with their own nonce counters.
//
// Encrypt and Decrypt are not safe for concurrent use on the same
// direction; the session's read and write paths each own one.
type Transport struct {
	send *noise.CipherState
	recv *noise.CipherState
}

// Encrypt seals plaintext for the peer.
func (t *Transport) Encrypt(plaintext []byte) ([]byte, error) {
	ciphertext, err := t.send.Encrypt(nil, nil, plaintext)
	if err != nil {
		return nil, fmt.Errorf("noise: encrypt: %w", err)
	}
	return ciphertext, nil
}

// Decrypt opens a ciphertext from the peer, returning ErrAuth if the
// authentication tag does not verify.
func (t *Transport) Decrypt(ciphertext []byte) ([]byte, error) {
	plaintext, err := t.recv.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, ErrAuth
	}
	return plaintext, nil
}
