package blobstore

import (
	"sync/atomic"
	"unsafe"
)

// lockMode records whether an Object's underlying slot was acquired for
// shared (read) or exclusive (write) access.
type lockMode int

const (
	lockRead lockMode = iota
	lockWrite
)

// controlBlock is the ref-counted state shared by every Retain of the
// same Object: the store, the slot index and the offset the lock was
// acquired under, a direct pointer into the blob's memory, and a count of
// live references. The lock held on index is released when the last
// reference is Closed.
type controlBlock[T any] struct {
	store    *Store
	index    uint64
	offset   uint64
	ptr      *T
	mode     lockMode
	refCount atomic.Int64
}

// Object is a lock-holding handle to a blob of type T. Because this
// module has no destructors, callers must call Close when done with it,
// the same way they would release a mutex; Retain/Close on the same
// Object mirror the teacher's copy/drop pairing without relying on
// garbage collection to release the lock.
type Object[T any] struct {
	cb *controlBlock[T]
}

// New allocates and stores value, returning a write-locked Object.
func New[T any](s *Store, value T) (*Object[T], error) {
	index, err := s.findFreeSlot()
	if err != nil {
		return nil, err
	}

	size := uint64(unsafe.Sizeof(value))
	allocIdx, err := s.alloc.Allocate(size)
	if err != nil {
		return nil, err
	}

	data, err := s.alloc.At(allocIdx)
	if err != nil {
		return nil, err
	}
	*(*T)(unsafe.Pointer(&data[0])) = value

	md := s.metadata.At(index)
	md.Size = size
	md.Offset.Store(allocIdx)
	md.LockState.Store(0)
	md.NextFree.Store(-1)

	return acquire[T](s, index, lockWrite)
}

// NewBytes allocates a blob sized to exactly len(data) bytes and copies data
// into it, returning a write-locked handle. Unlike New[T], which sizes the
// blob to unsafe.Sizeof(T), NewBytes lets a caller store a variable-length
// payload that doesn't have a fixed in-memory layout — e.g. the output of an
// arbitrary encoder, as with PutEncoded.
func NewBytes(s *Store, data []byte) (*Object[byte], error) {
	index, err := s.findFreeSlot()
	if err != nil {
		return nil, err
	}

	size := uint64(len(data))
	allocIdx, err := s.alloc.Allocate(size)
	if err != nil {
		return nil, err
	}

	dst, err := s.alloc.At(allocIdx)
	if err != nil {
		return nil, err
	}
	copy(dst, data)

	md := s.metadata.At(index)
	md.Size = size
	md.Offset.Store(allocIdx)
	md.LockState.Store(0)
	md.NextFree.Store(-1)

	return acquire[byte](s, index, lockWrite)
}

// PutEncoded encodes value with encode and stores the result via NewBytes,
// for a value type whose in-memory layout isn't trivially copyable (a
// string, a type holding pointers, a variable-length structure) and so
// can't go through New[T] directly.
func PutEncoded[T any](s *Store, value T, encode func(T) ([]byte, error)) (*Object[byte], error) {
	data, err := encode(value)
	if err != nil {
		return nil, err
	}
	return NewBytes(s, data)
}

// Get acquires a shared (read) lock on index and returns a handle to its
// value as T.
func Get[T any](s *Store, index uint64) (*Object[T], error) {
	return acquire[T](s, index, lockRead)
}

// GetMutable acquires an exclusive (write) lock on index and returns a
// handle to its value as T.
func GetMutable[T any](s *Store, index uint64) (*Object[T], error) {
	return acquire[T](s, index, lockWrite)
}

func acquire[T any](s *Store, index uint64, mode lockMode) (*Object[T], error) {
	var ok bool
	if mode == lockWrite {
		ok = s.acquireWriteLock(index)
	} else {
		ok = s.acquireReadLock(index)
	}
	if !ok {
		return nil, ErrNotFound
	}

	data, offset, err := s.rawData(index)
	if err != nil {
		s.unlock(index)
		return nil, err
	}

	cb := &controlBlock[T]{
		store:  s,
		index:  index,
		offset: offset,
		ptr:    (*T)(unsafe.Pointer(&data[0])),
		mode:   mode,
	}
	cb.refCount.Store(1)

	return &Object[T]{cb: cb}, nil
}

// Get returns a pointer to the underlying value.
func (o *Object[T]) Get() *T { return o.cb.ptr }

// Index returns the blob's store index.
func (o *Object[T]) Index() uint64 { return o.cb.index }

// Size returns the blob's payload size in bytes.
func (o *Object[T]) Size() uint64 { return o.cb.store.Size(o.cb.index) }

// Bytes reinterprets the payload as a byte slice spanning its full stored
// size, rather than just unsafe.Sizeof(T) bytes starting at Get(). This is
// how a handle obtained from NewBytes (or Get[byte] against such a blob) is
// meant to be read back, since its size need not match unsafe.Sizeof(T).
func (o *Object[T]) Bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(o.cb.ptr)), o.Size())
}

// Retain increments the reference count and returns a new handle sharing
// the same lock; the lock isn't released until every retained handle (and
// the original) has been Closed.
func (o *Object[T]) Retain() *Object[T] {
	o.cb.refCount.Add(1)
	return &Object[T]{cb: o.cb}
}

// Close releases this handle. Once the last handle sharing its control
// block is closed, the underlying lock is released.
func (o *Object[T]) Close() {
	if o == nil || o.cb == nil {
		return
	}
	if o.cb.refCount.Add(-1) == 0 {
		o.cb.store.unlock(o.cb.index)
	}
	o.cb = nil
}

// CompareAndSwap atomically swaps the data offsets of o and other's slots,
// succeeding only if both still hold the offsets recorded when their locks
// were acquired. Used to publish two sides of a pointer swap atomically.
func (o *Object[T]) CompareAndSwap(other *Object[T]) bool {
	if o == nil || o.cb == nil || other == nil || other.cb == nil {
		return false
	}
	return o.cb.store.CompareAndSwap(o.cb.index, o.cb.offset, other.cb.offset) &&
		o.cb.store.CompareAndSwap(other.cb.index, other.cb.offset, o.cb.offset)
}

// Clone deep-copies the underlying blob into a new slot and returns a
// write-locked handle to the copy.
func (o *Object[T]) Clone() (*Object[T], error) {
	cloneIdx, err := o.cb.store.Clone(o.cb.index)
	if err != nil {
		return nil, err
	}
	return GetMutable[T](o.cb.store, cloneIdx)
}

// Downgrade converts this handle's write lock to a read lock in place. It
// only succeeds (returning true) when this is the sole reference to the
// control block; otherwise it leaves the lock untouched and returns false,
// since downgrading while another handle might still be writing through
// it would be unsound.
func (o *Object[T]) Downgrade() bool {
	if o.cb.refCount.Load() != 1 || o.cb.mode != lockWrite {
		return false
	}
	o.cb.store.downgradeWriteLock(o.cb.index)
	o.cb.mode = lockRead
	return true
}

// Upgrade converts this handle's read lock to a write lock in place,
// under the same sole-reference condition as Downgrade.
func (o *Object[T]) Upgrade() bool {
	if o.cb.refCount.Load() != 1 || o.cb.mode != lockRead {
		return false
	}
	o.cb.store.upgradeReadLock(o.cb.index)
	o.cb.mode = lockWrite
	return true
}
