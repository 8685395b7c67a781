// Package fs provides a filesystem abstraction so storage components can be
// exercised against an in-memory or fault-injecting implementation in tests
// without touching the real filesystem.
//
// The main types are:
//   - [FS]: interface for filesystem operations
//   - [File]: interface for open files (satisfied by [os.File])
//   - [Real]: production implementation using the [os] package
package fs

import (
	"io"
	"os"
)

// File represents an open file descriptor.
//
// This interface is satisfied by [os.File]. It only covers the operations
// [MmapFactory] actually performs on an open file: mapping it, growing it,
// and releasing it.
type File interface {
	io.Closer

	// Fd returns the file descriptor. Used for low-level operations like
	// mmap and flock.
	Fd() uintptr

	// Stat returns the [os.FileInfo] for this file. See [os.File.Stat].
	Stat() (os.FileInfo, error)

	// Truncate changes the size of the file. See [os.File.Truncate].
	Truncate(size int64) error
}

// FS defines filesystem operations for opening and preparing files.
//
// Methods mirror their [os] package equivalents but can be intercepted for
// testing. Kept narrow on purpose: it covers only what buffer's mmap-backed
// factory needs, not the full surface of the [os] package.
type FS interface {
	// OpenFile opens a file with specified flags and permissions. See [os.OpenFile].
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// MkdirAll creates a directory and all parents. See [os.MkdirAll].
	MkdirAll(path string, perm os.FileMode) error
}

// Compile-time interface check.
var _ File = (*os.File)(nil)
