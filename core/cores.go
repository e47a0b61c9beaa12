package core

import (
	"sync"

	"github.com/replog/replog/crypto"
)

// Cores holds a set of feeds addressable by public key or discovery
// key. The replication layer serves remote channel opens out of it.
type Cores struct {
	mu          sync.RWMutex
	byDiscovery map[crypto.DiscoveryKey]*Core
	discovery   map[string]crypto.DiscoveryKey // public key hex -> discovery
}

// NewCores creates an empty collection.
func NewCores() *Cores {
	return &Cores{
		byDiscovery: make(map[crypto.DiscoveryKey]*Core),
		discovery:   make(map[string]crypto.DiscoveryKey),
	}
}

// Insert adds a Core, replacing any previous Core with the same key.
func (cs *Cores) Insert(c *Core) {
	dk := c.DiscoveryKey()
	cs.mu.Lock()
	cs.byDiscovery[dk] = c
	cs.discovery[c.PublicKey().String()] = dk
	cs.mu.Unlock()
}

// ByPublic returns the Core for a public key, or nil.
func (cs *Cores) ByPublic(publicKey crypto.PublicKey) *Core {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	dk, ok := cs.discovery[publicKey.String()]
	if !ok {
		return nil
	}
	return cs.byDiscovery[dk]
}

// ByDiscovery returns the Core for a discovery key, or nil.
func (cs *Cores) ByDiscovery(dk crypto.DiscoveryKey) *Core {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.byDiscovery[dk]
}

// Len returns the number of contained Cores.
func (cs *Cores) Len() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.byDiscovery)
}

// DiscoveryKeys returns the discovery keys of all contained Cores in
// arbitrary order.
func (cs *Cores) DiscoveryKeys() []crypto.DiscoveryKey {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	keys := make([]crypto.DiscoveryKey, 0, len(cs.byDiscovery))
	for dk := range cs.byDiscovery {
		keys = append(keys, dk)
	}
	return keys
}

// PublicKeys returns the public keys of all contained Cores in
// arbitrary order.
func (cs *Cores) PublicKeys() []crypto.PublicKey {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	keys := make([]crypto.PublicKey, 0, len(cs.byDiscovery))
	for _, c := range cs.byDiscovery {
		keys = append(keys, c.PublicKey())
	}
	return keys
}
