// Package allocator implements a lock-free free-list allocator of
// variable-sized byte ranges over a [chunk.Manager]. Taking a node off the
// free list (on Allocate) uses the Harris mark-and-sweep linked-list
// deletion scheme, while Deallocate only inserts: a node is logically
// removed by setting the top bit of its next-pointer before it is
// physically unlinked, so a concurrent searcher that observes the mark
// helps finish the unlink instead of racing past a half-removed node.
// The free list is kept sorted by (size, index) so that two allocation
// requests of the same size are served deterministically.
package allocator

import (
	"encoding/binary"
	"errors"
	"fmt"

	"shmstore/internal/atomicio"
	"shmstore/pkg/chunk"
)

// ErrNotAllocated is returned by Deallocate when index does not refer to a
// currently allocated block.
var ErrNotAllocated = errors.New("allocator: index not allocated")

// invalidIndex is the free-list sentinel: the top bit (the Harris mark) is
// always clear, and no valid encoded index has all the remaining bits set.
const invalidIndex = ^uint64(0) >> 1

const allocatorMagic = 0x12345678
const allocatedSignature = 0xbeefcafe

// state header layout, at offset 0 of the logical chunk 0 address space:
//
//	[0:4)  magic uint32
//	[4:8)  padding
//	[8:16) free list head index, atomic uint64
const stateHeaderSize = 16

// node header layout, immediately preceding every allocated or free range:
//
//	[0:4)   version, atomic uint32 (odd = allocated, even = free)
//	[4:8)   padding
//	[8:16)  index: this node's own header index
//	[16:24) size: total bytes including this header, atomic uint64
//	[24:32) next: next free-list entry's header index, atomic uint64,
//	              top bit is the Harris mark
//	[32:40) signature, for debugging
const nodeHeaderSize = 40

// Allocator hands out byte ranges from a growable chunk.Manager, tracking
// free space with a lock-free sorted free list.
type Allocator struct {
	mgr *chunk.Manager
}

// Open attaches an Allocator to mgr, initializing its free list on first
// use (detected via a magic number at the start of chunk 0).
func Open(mgr *chunk.Manager) (*Allocator, error) {
	a := &Allocator{mgr: mgr}
	if err := a.initializeIfNecessary(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Allocator) initializeIfNecessary() error {
	hdr, err := a.mustStateHeader()
	if err != nil {
		return err
	}

	if binary.LittleEndian.Uint32(hdr[0:4]) == allocatorMagic {
		return nil
	}

	binary.LittleEndian.PutUint32(hdr[0:4], allocatorMagic)
	atomicio.StoreU64(hdr[8:16], invalidIndex)

	firstNode := chunk.Encode(0, stateHeaderSize)
	size := uint64(a.mgr.Capacity()) - stateHeaderSize
	return a.initFreeNode(firstNode, firstNode, size)
}

func (a *Allocator) mustStateHeader() ([]byte, error) {
	data, err := a.mgr.AtChunkOffset(0, 0)
	if err != nil {
		return nil, fmt.Errorf("allocator: reading state header: %w", err)
	}
	return data[:stateHeaderSize], nil
}

func (a *Allocator) freeListWord() []byte {
	hdr, err := a.mustStateHeader()
	if err != nil {
		panic(fmt.Sprintf("allocator: %v", err))
	}
	return hdr[8:16]
}

func (a *Allocator) header(headerIndex uint64) ([]byte, error) {
	data, err := a.mgr.At(headerIndex)
	if err != nil {
		return nil, err
	}
	if len(data) < nodeHeaderSize {
		return nil, chunk.ErrOutOfRange
	}
	return data[:nodeHeaderSize], nil
}

func versionField(hdr []byte) []byte   { return hdr[0:4] }
func indexField(hdr []byte) []byte     { return hdr[8:16] }
func sizeField(hdr []byte) []byte      { return hdr[16:24] }
func nextField(hdr []byte) []byte      { return hdr[24:32] }
func signatureField(hdr []byte) []byte { return hdr[32:40] }

func isMarked(v uint64) bool      { return v&(uint64(1)<<63) != 0 }
func marked(v uint64) uint64      { return v | (uint64(1) << 63) }
func unmarked(v uint64) uint64    { return v &^ (uint64(1) << 63) }
func isAllocated(version uint32) bool { return version&1 == 1 }

func calculateBytesNeeded(bytesRequested uint64) uint64 {
	// Round the payload up to 8 bytes so every node header, and the atomic
	// words in it, stays 8-byte aligned.
	needed := nodeHeaderSize + (bytesRequested+7)&^7
	if needed < nodeHeaderSize {
		return nodeHeaderSize
	}
	return needed
}

// Allocate reserves a byte range of at least bytesRequested bytes and
// returns the encoded index of its first byte. It grows the backing
// chunk.Manager by one chunk at a time when the free list can't satisfy
// the request.
func (a *Allocator) Allocate(bytesRequested uint64) (uint64, error) {
	bytesNeeded := calculateBytesNeeded(bytesRequested)

	for {
		headerIdx, found, err := a.allocateFromFreeList(bytesNeeded)
		if err != nil {
			return 0, err
		}

		if found {
			hdr, err := a.header(headerIdx)
			if err != nil {
				return 0, err
			}

			atomicio.AddU32(versionField(hdr), 1)

			size := atomicio.LoadU64(sizeField(hdr))
			if size > bytesNeeded+nodeHeaderSize {
				remaining := size - bytesNeeded
				remainderIdx := headerIdx + bytesNeeded
				if err := a.initFreeNode(remainderIdx, remainderIdx, remaining); err != nil {
					return 0, err
				}
				atomicio.StoreU64(sizeField(hdr), bytesNeeded)
			}

			return headerIdx + nodeHeaderSize, nil
		}

		nextChunk := a.mgr.NumChunks()
		_, size, err := a.mgr.EnsureChunk(nextChunk)
		if err != nil {
			return 0, fmt.Errorf("allocator: growing: %w", err)
		}

		newIdx := chunk.Encode(nextChunk, 0)
		if err := a.initFreeNode(newIdx, newIdx, uint64(size)); err != nil {
			return 0, err
		}
	}
}

// Deallocate returns the range starting at index to the free list. index
// must be a value previously returned by Allocate and not already freed.
func (a *Allocator) Deallocate(index uint64) error {
	headerIdx := index - nodeHeaderSize

	hdr, err := a.header(headerIdx)
	if err != nil {
		return err
	}

	if !isAllocated(atomicio.LoadU32(versionField(hdr))) {
		return fmt.Errorf("%w: index %d", ErrNotAllocated, index)
	}

	return a.freeNode(headerIdx)
}

// At returns the payload bytes of the allocation starting at index.
func (a *Allocator) At(index uint64) ([]byte, error) {
	headerIdx := index - nodeHeaderSize

	hdr, err := a.header(headerIdx)
	if err != nil {
		return nil, err
	}

	payloadLen := atomicio.LoadU64(sizeField(hdr)) - nodeHeaderSize

	data, err := a.mgr.At(index)
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) < payloadLen {
		return nil, chunk.ErrOutOfRange
	}
	return data[:payloadLen], nil
}

// Capacity returns the number of payload bytes available at index,
// which may exceed what was originally requested.
func (a *Allocator) Capacity(index uint64) (uint64, error) {
	headerIdx := index - nodeHeaderSize
	hdr, err := a.header(headerIdx)
	if err != nil {
		return 0, err
	}
	return atomicio.LoadU64(sizeField(hdr)) - nodeHeaderSize, nil
}

// initFreeNode writes a fresh node header at headerIdx (self-referencing
// index selfIdx, for nodes that span exactly one chunk) and immediately
// frees it, mirroring the allocate-then-deallocate initialization every
// new chunk and every carved-off split remainder goes through.
func (a *Allocator) initFreeNode(headerIdx, selfIdx, size uint64) error {
	hdr, err := a.header(headerIdx)
	if err != nil {
		return err
	}

	atomicio.StoreU64(sizeField(hdr), size)
	atomicio.StoreU64(indexField(hdr), selfIdx)
	atomicio.StoreU64(nextField(hdr), invalidIndex)
	atomicio.StoreU64(signatureField(hdr), allocatedSignature)
	// A split remainder's header holds stale bytes, so only bump the
	// version when it is not already odd.
	if !isAllocated(atomicio.LoadU32(versionField(hdr))) {
		atomicio.AddU32(versionField(hdr), 1) // now allocated (odd)
	}

	return a.freeNode(headerIdx)
}

// freeNode flips headerIdx's version to free and inserts it into the
// sorted free list at the position for its (size, index) key.
func (a *Allocator) freeNode(headerIdx uint64) error {
	hdr, err := a.header(headerIdx)
	if err != nil {
		return err
	}

	atomicio.AddU32(versionField(hdr), 1) // now free (even)

	size := atomicio.LoadU64(sizeField(hdr))
	selfIdx := atomicio.LoadU64(indexField(hdr))

	for {
		left, right, err := a.searchBySize(size, selfIdx)
		if err != nil {
			return err
		}

		if right == selfIdx {
			// Already on the list: a racing deallocate of this same node got
			// here first. Clear any removal mark a concurrent
			// allocateFromFreeList left on it and treat this as success
			// rather than linking the node to itself.
			rhdr, err := a.header(right)
			if err != nil {
				return err
			}
			next := atomicio.LoadU64(nextField(rhdr))
			if isMarked(next) {
				atomicio.CASU64(nextField(rhdr), next, unmarked(next))
			}
			return nil
		}

		atomicio.StoreU64(nextField(hdr), right)

		casWord := a.freeListWord()
		if left != invalidIndex {
			lhdr, err := a.header(left)
			if err != nil {
				return err
			}
			casWord = nextField(lhdr)
		}

		if atomicio.CASU64(casWord, right, headerIdx) {
			return nil
		}
	}
}

// allocateFromFreeList finds and claims the first free node whose size is
// at least bytesNeeded, marking it removed with the Harris top bit before
// unlinking it. Returns found=false if the free list has nothing big
// enough.
func (a *Allocator) allocateFromFreeList(bytesNeeded uint64) (uint64, bool, error) {
	for {
		left, right, err := a.searchBySize(bytesNeeded, 0)
		if err != nil {
			return 0, false, err
		}
		if right == invalidIndex {
			return 0, false, nil
		}

		hdr, err := a.header(right)
		if err != nil {
			return 0, false, err
		}

		rightNext := atomicio.LoadU64(nextField(hdr))
		if isMarked(rightNext) {
			continue
		}

		if !atomicio.CASU64(nextField(hdr), rightNext, marked(rightNext)) {
			continue
		}

		casWord := a.freeListWord()
		if left != invalidIndex {
			lhdr, err := a.header(left)
			if err != nil {
				return 0, false, err
			}
			casWord = nextField(lhdr)
		}
		// Best effort: if this loses the race, the next search's cleanup
		// pass physically unlinks the now-marked node instead.
		atomicio.CASU64(casWord, right, rightNext)

		return right, true, nil
	}
}

// searchBySize walks the free list to find (left, right) such that left's
// key is less than (size, tieIndex) and right's key is greater than or
// equal to it, opportunistically unlinking any marked (logically deleted)
// nodes it passes over.
func (a *Allocator) searchBySize(size, tieIndex uint64) (left, right uint64, err error) {
searchAgain:
	for {
		left = invalidIndex
		leftNext := invalidIndex

		curIndex := invalidIndex
		curNext := atomicio.LoadU64(a.freeListWord())

		for {
			if !isMarked(curNext) {
				left = curIndex
				leftNext = curNext
			}

			nextUnmarked := unmarked(curNext)
			if nextUnmarked == invalidIndex {
				curIndex = invalidIndex
				break
			}

			hdr, err := a.header(nextUnmarked)
			if err != nil {
				return 0, 0, err
			}
			curIndex = nextUnmarked
			curSize := atomicio.LoadU64(sizeField(hdr))
			curNext = atomicio.LoadU64(nextField(hdr))

			if !isMarked(curNext) && !keyLess(curSize, curIndex, size, tieIndex) {
				break
			}
		}

		right = curIndex

		if leftNext == right {
			if right != invalidIndex {
				hdr, err := a.header(right)
				if err != nil {
					return 0, 0, err
				}
				if isMarked(atomicio.LoadU64(nextField(hdr))) {
					continue searchAgain
				}
			}
			return left, right, nil
		}

		casWord := a.freeListWord()
		if left != invalidIndex {
			lhdr, err := a.header(left)
			if err != nil {
				return 0, 0, err
			}
			casWord = nextField(lhdr)
		}

		if atomicio.CASU64(casWord, leftNext, right) {
			if right != invalidIndex {
				hdr, err := a.header(right)
				if err != nil {
					return 0, 0, err
				}
				if isMarked(atomicio.LoadU64(nextField(hdr))) {
					continue searchAgain
				}
			}
			return left, right, nil
		}
	}
}

func keyLess(size, index, targetSize, targetIndex uint64) bool {
	if size != targetSize {
		return size < targetSize
	}
	return index < targetIndex
}
