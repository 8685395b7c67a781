package buffer

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"shmstore/internal/lock"
	"shmstore/pkg/fs"
)

// MmapFactory creates file-backed, memory-mapped buffers rooted at a
// directory. Each buffer name maps to one file in that directory.
type MmapFactory struct {
	dir  string
	fsys fs.FS
}

// NewMmapFactory returns a Factory that stores each buffer as a file under
// dir. dir is created if it does not exist.
func NewMmapFactory(dir string) (*MmapFactory, error) {
	fsys := fs.NewReal()
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("buffer: creating %s: %w", dir, err)
	}
	return &MmapFactory{dir: dir, fsys: fsys}, nil
}

// Create implements [Factory].
func (f *MmapFactory) Create(name string, minSize int) (Buffer, error) {
	path := filepath.Join(f.dir, name)

	lk, err := lock.TryLock(path + ".growlock")
	if err != nil {
		return nil, fmt.Errorf("buffer: locking %s: %w", name, err)
	}
	defer func() { _ = lk.Close() }()

	file, err := f.fsys.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("buffer: opening %s: %w", name, err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("buffer: stat %s: %w", name, err)
	}

	size := int(info.Size())
	if size < minSize {
		if err := file.Truncate(int64(minSize)); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("%w: truncate %s: %v", ErrGrowFailed, name, err)
		}
		size = minSize
	}

	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("buffer: mmap %s: %w", name, err)
	}

	return &mmapBuffer{name: name, path: path, file: file, data: data}, nil
}

type mmapBuffer struct {
	name string
	path string
	file fs.File
	data []byte
}

func (b *mmapBuffer) Name() string { return b.name }
func (b *mmapBuffer) Size() int    { return len(b.data) }
func (b *mmapBuffer) Data() []byte { return b.data }

// Resize grows the buffer in place following the teacher's
// unmap-truncate-remap mmap lifecycle, serialized by an exclusive advisory
// lock on a sidecar ".growlock" file so that two processes mapping the same
// store never extend it concurrently.
func (b *mmapBuffer) Resize(newSize int) error {
	if newSize <= len(b.data) {
		return nil
	}

	lk, err := lock.TryLock(b.path + ".growlock")
	if err != nil {
		return fmt.Errorf("%w: locking %s: %v", ErrGrowFailed, b.name, err)
	}
	defer func() { _ = lk.Close() }()

	if err := unix.Munmap(b.data); err != nil {
		return fmt.Errorf("%w: munmap %s: %v", ErrGrowFailed, b.name, err)
	}

	if err := b.file.Truncate(int64(newSize)); err != nil {
		return fmt.Errorf("%w: truncate %s: %v", ErrGrowFailed, b.name, err)
	}

	data, err := unix.Mmap(int(b.file.Fd()), 0, newSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("%w: remap %s: %v", ErrGrowFailed, b.name, err)
	}

	b.data = data
	return nil
}

func (b *mmapBuffer) Close() error {
	if b.data == nil {
		return nil
	}
	err := unix.Munmap(b.data)
	b.data = nil
	if closeErr := b.file.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}
