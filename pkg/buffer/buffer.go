// Package buffer provides the platform abstraction every other component in
// this module is built on: a named, resizable byte region, with a
// memory-mapped implementation for real stores and a heap implementation for
// tests. Higher layers never touch files or mmap directly; they only ever
// see a [Buffer].
package buffer

import "errors"

// ErrGrowFailed is returned when a Buffer cannot be resized, e.g. because
// the backing file couldn't be extended or remapped.
var ErrGrowFailed = errors.New("buffer: grow failed")

// Buffer is a named, resizable byte region. Bytes beyond what was
// originally requested but within Size() are zero-filled.
type Buffer interface {
	// Name returns the name this buffer was created with.
	Name() string

	// Size returns the current size in bytes.
	Size() int

	// Data returns the buffer's backing bytes. The slice is valid until the
	// next call to Resize, which may remap to a new address.
	Data() []byte

	// Resize grows the buffer to at least newSize bytes, preserving
	// existing content. Shrinking is not supported. Returns ErrGrowFailed
	// wrapped with the underlying cause on failure.
	Resize(newSize int) error

	// Close releases any resources (unmaps, closes file descriptors).
	Close() error
}

// Factory creates buffers identified by name. A store's buffer factory is
// an injected dependency: all higher layers (ChunkManager and up) depend
// only on this interface, never on a concrete mmap or heap implementation.
type Factory interface {
	// Create returns a buffer named name with at least minSize bytes,
	// creating new backing storage if one does not already exist, or
	// reopening and growing existing storage to minSize otherwise.
	Create(name string, minSize int) (Buffer, error)
}
