// Package blobstore implements stable-index storage for variable-sized,
// trivially-copyable values over a [chunk.Manager]-backed allocator: a
// metadata vector of (offset, size, lock, free-list) entries addressed by
// index, with the payload bytes themselves owned by an
// [shmstore/pkg/allocator.Allocator].
//
// Indices are stable across Drop and reuse: slot 0 is reserved as the
// free-list head, and a dropped slot is tombstoned (readers already
// holding a lock keep working) before it's spliced onto the free list for
// the next New to recycle.
package blobstore

import (
	"errors"
	"runtime"

	"shmstore/pkg/allocator"
	"shmstore/pkg/buffer"
	"shmstore/pkg/chunk"
	"shmstore/pkg/chunkedvector"
)

// InvalidIndex is never a valid slot index.
const InvalidIndex = ^uint64(0)

// ErrNotFound is returned when an index doesn't refer to a live blob, e.g.
// because it was dropped, or was never allocated.
var ErrNotFound = errors.New("blobstore: not found")

// Store owns a metadata vector and the allocator backing its blobs.
type Store struct {
	alloc    *allocator.Allocator
	metadata *chunkedvector.Vector[Metadata]
}

// Open creates or reattaches a Store. dataMgr backs the allocator; the
// metadata vector is a separate chunk sequence under namePrefix.
func Open(factory buffer.Factory, namePrefix string, metadataChunkSize int, dataMgr *chunk.Manager) (*Store, error) {
	alloc, err := allocator.Open(dataMgr)
	if err != nil {
		return nil, err
	}

	metadata, err := chunkedvector.Open[Metadata](factory, namePrefix+"_metadata", metadataChunkSize)
	if err != nil {
		return nil, err
	}

	s := &Store{alloc: alloc, metadata: metadata}

	if s.metadata.IsEmpty() {
		if _, err := s.metadata.EmplaceBack(Metadata{}); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Len returns the number of live (non-free, non-tombstoned) blobs.
func (s *Store) Len() uint64 {
	total := s.metadata.Size() - 1
	return total - s.freeSlotCount()
}

// IsEmpty reports whether the store holds no blobs.
func (s *Store) IsEmpty() bool { return s.Len() == 0 }

func (s *Store) freeSlotCount() uint64 {
	var count uint64
	for i := uint64(1); i < s.metadata.Size(); i++ {
		md := s.metadata.At(i)
		if md != nil && !md.isOccupied() {
			count++
		}
	}
	return count
}

// findFreeSlot returns the index of a reusable slot from the free list, or
// appends a new one if the free list is empty.
func (s *Store) findFreeSlot() (uint64, error) {
	for {
		head := s.metadata.At(0)
		freeIdx := head.NextFree.Load()
		if freeIdx == 0 {
			return s.metadata.EmplaceBack(Metadata{})
		}

		next := s.metadata.At(uint64(freeIdx))
		nextNext := next.NextFree.Load()
		if head.NextFree.CompareAndSwap(freeIdx, nextNext) {
			next.NextFree.Store(-1)
			return uint64(freeIdx), nil
		}
	}
}

// rawData returns the backing payload bytes for index, or ErrNotFound if
// the slot is free, tombstoned, or empty.
func (s *Store) rawData(index uint64) ([]byte, uint64, error) {
	if index == InvalidIndex {
		return nil, 0, ErrNotFound
	}
	md := s.metadata.At(index)
	if md == nil || !md.isOccupied() || md.Size == 0 {
		return nil, 0, ErrNotFound
	}
	offset := md.Offset.Load()
	data, err := s.alloc.At(offset)
	if err != nil {
		return nil, 0, err
	}
	return data, offset, nil
}

// PeekByte returns the first byte of the payload stored at index, without
// acquiring a lock. Only safe for fields that never change after a blob is
// constructed, such as a node's type tag.
func (s *Store) PeekByte(index uint64) (byte, error) {
	data, _, err := s.rawData(index)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, ErrNotFound
	}
	return data[0], nil
}

// Size returns the payload size in bytes stored at index, or 0 if index
// doesn't refer to a live blob.
func (s *Store) Size(index uint64) uint64 {
	if index == InvalidIndex {
		return 0
	}
	md := s.metadata.At(index)
	if md == nil || !md.isOccupied() {
		return 0
	}
	return md.Size
}

// CompareAndSwap atomically replaces the data offset stored at index,
// succeeding only if it currently equals expectedOffset. Used to publish a
// copy-on-write mutation.
func (s *Store) CompareAndSwap(index, expectedOffset, newOffset uint64) bool {
	md := s.metadata.At(index)
	if md == nil || !md.isOccupied() {
		return false
	}
	return md.Offset.CompareAndSwap(expectedOffset, newOffset)
}

// Clone deep-copies the blob at index into a new slot and returns its
// index. The caller must already hold a lock on index.
func (s *Store) Clone(index uint64) (uint64, error) {
	md := s.metadata.At(index)
	if md == nil || !md.isOccupied() {
		return 0, ErrNotFound
	}

	cloneIdx, err := s.findFreeSlot()
	if err != nil {
		return 0, err
	}

	allocIdx, err := s.alloc.Allocate(md.Size)
	if err != nil {
		return 0, err
	}

	src, err := s.alloc.At(md.Offset.Load())
	if err != nil {
		return 0, err
	}
	dst, err := s.alloc.At(allocIdx)
	if err != nil {
		return 0, err
	}
	copy(dst, src)

	cloneMd := s.metadata.At(cloneIdx)
	cloneMd.Size = md.Size
	cloneMd.Offset.Store(allocIdx)
	cloneMd.LockState.Store(0)
	cloneMd.NextFree.Store(-1)

	return cloneIdx, nil
}

// Drop tombstones the blob at index. If nothing holds a lock on it, it is
// immediately spliced onto the free list and its data deallocated;
// otherwise that happens when the last lock is released.
func (s *Store) Drop(index uint64) error {
	if index == InvalidIndex {
		return nil
	}
	md := s.metadata.At(index)
	if md == nil || !md.setTombstone() {
		return nil
	}
	if md.LockState.Load() != 0 {
		return nil
	}
	return s.finishDrop(index)
}

func (s *Store) finishDrop(index uint64) error {
	md := s.metadata.At(index)
	allocOffset := md.Offset.Load()
	head := s.metadata.At(0)

	for {
		firstFree := head.NextFree.Load()
		var tombstone int64
		if !md.NextFree.CompareAndSwap(tombstone, firstFree) {
			continue
		}
		if !head.NextFree.CompareAndSwap(firstFree, int64(index)) {
			md.NextFree.Store(tombstone)
			continue
		}
		return s.alloc.Deallocate(allocOffset)
	}
}

func (s *Store) acquireReadLock(index uint64) bool {
	for {
		md := s.metadata.At(index)
		if md == nil || !md.isOccupied() {
			return false
		}
		state := md.LockState.Load()
		if state >= 0 && md.LockState.CompareAndSwap(state, state+1) {
			return true
		}
		runtime.Gosched()
	}
}

func (s *Store) acquireWriteLock(index uint64) bool {
	for {
		md := s.metadata.At(index)
		if md == nil || !md.isOccupied() {
			return false
		}
		if md.LockState.CompareAndSwap(0, writeLockFlag) {
			return true
		}
		runtime.Gosched()
	}
}

func (s *Store) unlock(index uint64) {
	md := s.metadata.At(index)
	if md == nil {
		return
	}

	for {
		expected := md.LockState.Load()
		newState := (expected &^ writeLockFlag) - 1
		if newState < 0 {
			newState = 0
		}
		if md.LockState.CompareAndSwap(expected, newState) {
			break
		}
	}

	if md.isTombstone() && md.LockState.Load() == 0 {
		_ = s.finishDrop(index)
	}
}

func (s *Store) downgradeWriteLock(index uint64) {
	md := s.metadata.At(index)
	if md == nil || !md.isOccupied() {
		return
	}
	if md.LockState.Load() > 0 {
		return
	}
	for {
		expected := md.LockState.Load() & writeLockFlag
		if md.LockState.CompareAndSwap(expected, 1) {
			return
		}
		runtime.Gosched()
	}
}

func (s *Store) upgradeReadLock(index uint64) {
	md := s.metadata.At(index)
	if md == nil || !md.isOccupied() {
		return
	}
	if md.LockState.Load() == writeLockFlag {
		return
	}
	for {
		if md.LockState.CompareAndSwap(1, writeLockFlag) {
			return
		}
		runtime.Gosched()
	}
}

// Iterator walks live (non-free) slots in index order, skipping slot 0.
type Iterator struct {
	store *Store
	index uint64
}

// Begin returns an Iterator positioned at the first live slot.
func (s *Store) Begin() *Iterator {
	it := &Iterator{store: s, index: 1}
	it.advance()
	return it
}

// End returns an Iterator positioned past the last slot.
func (s *Store) End() *Iterator {
	return &Iterator{store: s, index: s.metadata.Size()}
}

func (it *Iterator) advance() {
	for {
		md := it.store.metadata.At(it.index)
		if md == nil || md.isOccupied() {
			return
		}
		it.index++
	}
}

// Next advances to the next live slot.
func (it *Iterator) Next() { it.index++; it.advance() }

// Index returns the current slot index.
func (it *Iterator) Index() uint64 { return it.index }

// Done reports whether the iterator has passed the last slot.
func (it *Iterator) Done() bool { return it.index >= it.store.metadata.Size() }
