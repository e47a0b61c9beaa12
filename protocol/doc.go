// Package protocol implements the encrypted replication wire protocol.
//
// A session starts with a Noise XX handshake (see the noise package)
// carried in plaintext length-prefixed frames. Every frame after the
// handshake is an AEAD ciphertext; its plaintext is a packet of the
// form
//
//	uint32 LE channel id | kind byte | protobuf payload
//
// Channel id 0 is reserved for stream-level traffic. Feeds are
// multiplexed as channels: each side announces a feed with Open,
// carrying the feed's discovery key and a capability that proves
// knowledge of the feed public key without revealing it. The
// capability is bound to this session by the handshake hash and to the
// sending direction by the sender's handshake nonce, so it cannot be
// replayed elsewhere. Once both sides have opened a feed and verified
// each other's capability, Request and Data messages flow on the
// channel until either side sends Close.
//
// Sessions are symmetric after the handshake: either side may open
// channels, request entries and serve them.
package protocol
