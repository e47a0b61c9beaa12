// Package noise establishes the encrypted session two peers replicate
// over. It wraps the Noise XX handshake (X25519, ChaCha20-Poly1305,
// BLAKE2b) in an explicit state machine and exchanges a random session
// nonce inside each side's handshake payload. The completed handshake
// yields a Transport, an independent AEAD cipher state per direction,
// and an Outcome whose handshake hash and nonces bind channel
// capabilities to this session.
package noise
