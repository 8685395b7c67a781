package blobstore

import "sync/atomic"

// writeLockFlag occupies the top bit of a lock state; a positive lock
// state below it counts concurrent readers.
const writeLockFlag int32 = -1 << 31

// Metadata is one entry in a Store's metadata vector: where a blob lives,
// how big it is, and its lock/free-list state. It lives directly in
// shared memory (as an element of a chunkedvector.Vector[Metadata]), so
// every field past Size is a process-shared atomic.
type Metadata struct {
	// Size is the payload size in bytes. Only ever written while holding
	// the slot's write lock, so it doesn't need to be atomic itself.
	Size uint64

	// Offset is the allocator index of the blob's data.
	Offset atomic.Uint64

	// LockState is 0 (unlocked), a positive reader count, or writeLockFlag
	// (write-locked).
	LockState atomic.Int32

	// NextFree is -1 while the slot is occupied, 0 while tombstoned or at
	// the tail of the free list, and the index of the next free slot
	// otherwise.
	NextFree atomic.Int64
}

func (m *Metadata) isOccupied() bool  { return m.NextFree.Load() == -1 }
func (m *Metadata) isTombstone() bool { return m.NextFree.Load() == 0 }

// setTombstone marks an occupied slot for removal. Returns false if the
// slot was already tombstoned or on the free list.
func (m *Metadata) setTombstone() bool {
	return m.NextFree.CompareAndSwap(-1, 0)
}
