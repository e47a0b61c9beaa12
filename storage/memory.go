package storage

import "sync"

// Memory is an in-memory Storage, used for tests and ephemeral feeds.
type Memory struct {
	mu     sync.RWMutex
	blocks map[uint64][]byte
}

// NewMemory creates an empty in-memory storage.
func NewMemory() *Memory {
	return &Memory{blocks: make(map[uint64][]byte)}
}

// Read returns the block at index, or ErrNotFound.
func (m *Memory) Read(index uint64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blocks[index]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Write stores a copy of data at index.
func (m *Memory) Write(index uint64, data []byte) error {
	stored := make([]byte, len(data))
	copy(stored, data)
	m.mu.Lock()
	m.blocks[index] = stored
	m.mu.Unlock()
	return nil
}

// Flush is a no-op for memory storage.
func (m *Memory) Flush() error {
	return nil
}
