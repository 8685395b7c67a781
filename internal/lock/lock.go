// Package lock provides advisory cross-process file locking for coordinating
// growth of the chunk files backing a [shmstore] store, so that two
// processes mapping the same store never extend it concurrently.
package lock

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by TryLock when the lock is already held.
var ErrWouldBlock = errors.New("lock: would block")

// FileLock is a held exclusive lock on a path, backed by flock(2). It also
// serializes acquisition within this process via an in-memory registry, since
// flock only arbitrates between distinct open file descriptions and two
// TryLock calls from the same process on the same path would otherwise both
// succeed.
type FileLock struct {
	path string
	fd   int
}

var (
	registryMu sync.Mutex
	registry   = map[string]struct{}{}
)

// TryLock attempts to acquire an exclusive lock on path without blocking.
// The file is created if it does not exist. Returns [ErrWouldBlock] if the
// lock is held by this or another process.
func TryLock(path string) (*FileLock, error) {
	registryMu.Lock()
	if _, held := registry[path]; held {
		registryMu.Unlock()
		return nil, ErrWouldBlock
	}
	registry[path] = struct{}{}
	registryMu.Unlock()

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0o600)
	if err != nil {
		releaseRegistry(path)
		return nil, fmt.Errorf("lock: open %s: %w", path, err)
	}

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = unix.Close(fd)
		releaseRegistry(path)
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return nil, ErrWouldBlock
		}
		return nil, fmt.Errorf("lock: flock %s: %w", path, err)
	}

	return &FileLock{path: path, fd: fd}, nil
}

// Close releases the lock. Safe to call on a nil *FileLock.
func (l *FileLock) Close() error {
	if l == nil {
		return nil
	}

	err := unix.Flock(l.fd, unix.LOCK_UN)
	closeErr := unix.Close(l.fd)
	releaseRegistry(l.path)

	if err != nil {
		return fmt.Errorf("lock: unlock %s: %w", l.path, err)
	}
	return closeErr
}

func releaseRegistry(path string) {
	registryMu.Lock()
	delete(registry, path)
	registryMu.Unlock()
}
