package noise

import (
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

// NoisePayload { nonce: bytes = 1 } is the only message carried inside
// the handshake's encrypted payloads. The field number is load-bearing
// for wire compatibility.
const noisePayloadNonceField = 1

func encodeNoisePayload(nonce []byte) []byte {
	buf := protowire.AppendTag(nil, noisePayloadNonceField, protowire.BytesType)
	return protowire.AppendBytes(buf, nonce)
}

func decodeNoisePayload(buf []byte) ([]byte, error) {
	var nonce []byte
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, errors.New("noise: malformed payload")
		}
		buf = buf[n:]

		if num == noisePayloadNonceField && typ == protowire.BytesType {
			value, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, errors.New("noise: malformed payload")
			}
			nonce = append([]byte(nil), value...)
			buf = buf[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, buf)
		if n < 0 {
			return nil, errors.New("noise: malformed payload")
		}
		buf = buf[n:]
	}
	if nonce == nil {
		return nil, errors.New("noise: payload missing nonce")
	}
	return nonce, nil
}
