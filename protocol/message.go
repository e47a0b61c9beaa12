package protocol

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Kind is the one-byte wire tag of a channel message.
type Kind byte

// Wire kinds. The values are load-bearing for compatibility.
const (
	KindOpen    Kind = 0
	KindClose   Kind = 1
	KindRequest Kind = 2
	KindData    Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindOpen:
		return "open"
	case KindClose:
		return "close"
	case KindRequest:
		return "request"
	case KindData:
		return "data"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// Message is one of the four channel messages: Open, Close, Request,
// Data. Payload bodies are protobuf-encoded; the field numbers below
// are fixed by the wire format.
type Message interface {
	Kind() Kind
	marshal() []byte
}

// Open announces a channel for a feed, identified by its discovery key,
// and carries a capability proving knowledge of the feed key.
type Open struct {
	DiscoveryKey []byte // field 1, required
	Capability   []byte // field 2, optional
}

// Kind returns KindOpen.
func (m *Open) Kind() Kind { return KindOpen }

func (m *Open) marshal() []byte {
	buf := protowire.AppendTag(nil, 1, protowire.BytesType)
	buf = protowire.AppendBytes(buf, m.DiscoveryKey)
	if m.Capability != nil {
		buf = protowire.AppendTag(buf, 2, protowire.BytesType)
		buf = protowire.AppendBytes(buf, m.Capability)
	}
	return buf
}

// Close tears down the channel for a discovery key.
type Close struct {
	DiscoveryKey []byte // field 1, required
}

// Kind returns KindClose.
func (m *Close) Kind() Kind { return KindClose }

func (m *Close) marshal() []byte {
	buf := protowire.AppendTag(nil, 1, protowire.BytesType)
	return protowire.AppendBytes(buf, m.DiscoveryKey)
}

// Request asks the peer for the entry at an index.
type Request struct {
	Index uint32 // field 1, required
}

// Kind returns KindRequest.
func (m *Request) Kind() Kind { return KindRequest }

func (m *Request) marshal() []byte {
	buf := protowire.AppendTag(nil, 1, protowire.VarintType)
	return protowire.AppendVarint(buf, uint64(m.Index))
}

// Data answers a Request with the entry bytes and the signatures that
// let the receiver verify them. Field 3 is reserved.
type Data struct {
	Index         uint32 // field 1, required
	Data          []byte // field 2, required
	DataSignature []byte // field 4, required
	TreeSignature []byte // field 5, required
}

// Kind returns KindData.
func (m *Data) Kind() Kind { return KindData }

func (m *Data) marshal() []byte {
	buf := protowire.AppendTag(nil, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(m.Index))
	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	buf = protowire.AppendBytes(buf, m.Data)
	buf = protowire.AppendTag(buf, 4, protowire.BytesType)
	buf = protowire.AppendBytes(buf, m.DataSignature)
	buf = protowire.AppendTag(buf, 5, protowire.BytesType)
	buf = protowire.AppendBytes(buf, m.TreeSignature)
	return buf
}

// DecodeMessage parses a message payload for a wire kind.
func DecodeMessage(kind Kind, payload []byte) (Message, error) {
	fields, err := parseFields(payload)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindOpen:
		m := &Open{DiscoveryKey: fields.bytes[1], Capability: fields.bytes[2]}
		if m.DiscoveryKey == nil {
			return nil, fmt.Errorf("%w: open missing discovery key", ErrProtocol)
		}
		return m, nil
	case KindClose:
		m := &Close{DiscoveryKey: fields.bytes[1]}
		if m.DiscoveryKey == nil {
			return nil, fmt.Errorf("%w: close missing discovery key", ErrProtocol)
		}
		return m, nil
	case KindRequest:
		index, ok := fields.varints[1]
		if !ok {
			return nil, fmt.Errorf("%w: request missing index", ErrProtocol)
		}
		if index > math.MaxUint32 {
			return nil, fmt.Errorf("%w: request index %d out of range", ErrProtocol, index)
		}
		return &Request{Index: uint32(index)}, nil
	case KindData:
		index, ok := fields.varints[1]
		if index > math.MaxUint32 {
			return nil, fmt.Errorf("%w: data index %d out of range", ErrProtocol, index)
		}
		m := &Data{
			Index:         uint32(index),
			Data:          fields.bytes[2],
			DataSignature: fields.bytes[4],
			TreeSignature: fields.bytes[5],
		}
		if !ok || m.Data == nil || m.DataSignature == nil || m.TreeSignature == nil {
			return nil, fmt.Errorf("%w: data message missing fields", ErrProtocol)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: unknown message kind %d", ErrProtocol, kind)
	}
}

type fieldSet struct {
	bytes   map[protowire.Number][]byte
	varints map[protowire.Number]uint64
}

func parseFields(buf []byte) (*fieldSet, error) {
	fields := &fieldSet{
		bytes:   make(map[protowire.Number][]byte),
		varints: make(map[protowire.Number]uint64),
	}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, fmt.Errorf("%w: malformed message", ErrProtocol)
		}
		buf = buf[n:]

		switch typ {
		case protowire.BytesType:
			value, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: malformed message", ErrProtocol)
			}
			fields.bytes[num] = append([]byte(nil), value...)
			buf = buf[n:]
		case protowire.VarintType:
			value, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: malformed message", ErrProtocol)
			}
			fields.varints[num] = value
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: malformed message", ErrProtocol)
			}
			buf = buf[n:]
		}
	}
	return fields, nil
}
