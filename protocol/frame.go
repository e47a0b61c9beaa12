package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxMessageSize caps a single frame body. Frames above the
// limit abort the session rather than allocating unboundedly.
const DefaultMaxMessageSize = 4 << 20

// packetHeaderSize is the channel id plus the kind byte.
const packetHeaderSize = 5

// readFrame reads one length-prefixed frame: a little-endian uint32
// body length followed by the body itself.
func readFrame(r io.Reader, max uint32) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(header[:])
	if length > max {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit %d", ErrProtocol, length, max)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// writeFrame writes one length-prefixed frame.
func writeFrame(w io.Writer, body []byte) error {
	buf := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	_, err := w.Write(buf)
	return err
}

// encodePacket lays out a channel message as it travels inside an
// encrypted frame: little-endian uint32 channel id, kind byte, payload.
func encodePacket(channel uint32, m Message) []byte {
	payload := m.marshal()
	buf := make([]byte, packetHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf, channel)
	buf[4] = byte(m.Kind())
	copy(buf[packetHeaderSize:], payload)
	return buf
}

// decodePacket splits a decrypted frame body into channel id, kind and
// message payload.
func decodePacket(body []byte) (channel uint32, kind Kind, payload []byte, err error) {
	if len(body) < packetHeaderSize {
		return 0, 0, nil, fmt.Errorf("%w: truncated packet of %d bytes", ErrProtocol, len(body))
	}
	channel = binary.LittleEndian.Uint32(body)
	kind = Kind(body[4])
	return channel, kind, body[packetHeaderSize:], nil
}
