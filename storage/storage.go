// Package storage defines the backend port a feed persists through:
// raw byte blocks addressed by index. The core package consumes this
// interface and never assumes a medium; Memory backs tests and File
// backs the CLI.
package storage

import "errors"

// ErrNotFound is returned by Read for an index that was never written.
// It is an expected condition, not a failure.
var ErrNotFound = errors.New("storage: index not found")

// Storage persists byte blocks by index.
//
// Implementations may cache or buffer as they see fit, but a Read after
// a successful Write of the same index must return the written bytes,
// and Flush must make all completed writes durable. Any I/O failure is
// returned to the caller unmodified; nothing in the core retries.
type Storage interface {
	// Read returns the block at index, or ErrNotFound.
	Read(index uint64) ([]byte, error)

	// Write stores a block at index, replacing any previous block.
	Write(index uint64, data []byte) error

	// Flush makes previous writes durable.
	Flush() error
}
