package protocol

import (
	"github.com/replog/replog/crypto"
)

// ChannelState tracks the lifecycle of a channel on this side of the
// session.
type ChannelState int

const (
	// ChannelOpening means one side has announced the channel and the
	// other has not yet.
	ChannelOpening ChannelState = iota
	// ChannelOpen means both sides announced it and the remote
	// capability verified.
	ChannelOpen
	// ChannelClosed means the channel was torn down.
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelOpening:
		return "opening"
	case ChannelOpen:
		return "open"
	case ChannelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// channel is the per-feed state of a multiplexed channel. A channel is
// fully established once both a local id and a remote id are attached
// and the remote capability checked out.
type channel struct {
	discoveryKey crypto.DiscoveryKey
	key          crypto.PublicKey // set on the side that opened locally
	state        ChannelState

	localID   uint32 // 0 means not yet opened locally
	remoteID  uint32
	hasRemote bool

	remoteCapability []byte
}

func (c *channel) connected() bool {
	return c.localID != 0 && c.hasRemote
}

// channelMap multiplexes channels over one session. Local ids start at
// 1; id 0 is reserved for stream-level messages.
type channelMap struct {
	channels map[crypto.DiscoveryKey]*channel
	remote   map[uint32]crypto.DiscoveryKey
	nextID   uint32
}

func newChannelMap() *channelMap {
	return &channelMap{
		channels: make(map[crypto.DiscoveryKey]*channel),
		remote:   make(map[uint32]crypto.DiscoveryKey),
		nextID:   1,
	}
}

// attachLocal assigns a fresh local id for a feed we are opening. The
// channel is created if the remote has not announced it yet.
func (m *channelMap) attachLocal(key crypto.PublicKey) *channel {
	discoveryKey := crypto.NewDiscoveryKey(key)
	ch, ok := m.channels[discoveryKey]
	if !ok {
		ch = &channel{discoveryKey: discoveryKey, state: ChannelOpening}
		m.channels[discoveryKey] = ch
	}
	ch.key = key
	if ch.localID == 0 {
		ch.localID = m.nextID
		m.nextID++
	}
	return ch
}

// attachRemote records the remote side's id and capability for a feed.
func (m *channelMap) attachRemote(discoveryKey crypto.DiscoveryKey, remoteID uint32, capability []byte) *channel {
	ch, ok := m.channels[discoveryKey]
	if !ok {
		ch = &channel{discoveryKey: discoveryKey, state: ChannelOpening}
		m.channels[discoveryKey] = ch
	}
	if ch.hasRemote {
		delete(m.remote, ch.remoteID)
	}
	ch.remoteID = remoteID
	ch.hasRemote = true
	ch.remoteCapability = capability
	m.remote[remoteID] = discoveryKey
	return ch
}

func (m *channelMap) get(discoveryKey crypto.DiscoveryKey) (*channel, bool) {
	ch, ok := m.channels[discoveryKey]
	return ch, ok
}

func (m *channelMap) byRemoteID(remoteID uint32) (*channel, bool) {
	discoveryKey, ok := m.remote[remoteID]
	if !ok {
		return nil, false
	}
	return m.get(discoveryKey)
}

// remove drops a channel and frees its remote id mapping.
func (m *channelMap) remove(discoveryKey crypto.DiscoveryKey) {
	ch, ok := m.channels[discoveryKey]
	if !ok {
		return
	}
	if ch.hasRemote {
		delete(m.remote, ch.remoteID)
	}
	ch.state = ChannelClosed
	delete(m.channels, discoveryKey)
}

func (m *channelMap) len() int { return len(m.channels) }
