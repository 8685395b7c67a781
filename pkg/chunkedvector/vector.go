// Package chunkedvector implements an append-only, index-addressable
// vector of fixed-size records on top of a [chunk.Manager], with
// lock-free tail append: the vector's own size word lives in the first
// bytes of logical chunk 0, ahead of the chunk.Manager's internal chunk-
// count bookkeeping, which is already transparent to callers of
// chunk.Manager.At.
package chunkedvector

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"shmstore/internal/atomicio"
	"shmstore/pkg/buffer"
	"shmstore/pkg/chunk"
)

// ErrEmpty is returned by PopBack on an empty vector.
var ErrEmpty = errors.New("chunkedvector: pop_back on empty vector")

const sizeWordLen = 8

// Vector is an append-only vector of fixed-size T records, process-shared
// via an atomic size word and lock-free tail append.
type Vector[T any] struct {
	mgr      *chunk.Manager
	elemSize uint64
}

// Open creates or reattaches a Vector. requestedChunkSize is the minimum
// size (in bytes) of the first chunk; it is rounded up to a multiple of
// sizeof(T).
func Open[T any](factory buffer.Factory, namePrefix string, requestedChunkSize int) (*Vector[T], error) {
	var zero T
	elemSize := int(unsafe.Sizeof(zero))
	if elemSize == 0 {
		elemSize = 1
	}

	base := requestedChunkSize
	if base < elemSize {
		base = elemSize
	}
	base = ((base + elemSize - 1) / elemSize) * elemSize

	mgr, err := chunk.Open(factory, namePrefix, base)
	if err != nil {
		return nil, fmt.Errorf("chunkedvector: %w", err)
	}

	return &Vector[T]{mgr: mgr, elemSize: uint64(elemSize)}, nil
}

func (v *Vector[T]) sizeWord() []byte {
	data, err := v.mgr.AtChunkOffset(0, 0)
	if err != nil {
		// Chunk 0 always exists (chunk.Manager creates it in Open).
		panic(fmt.Sprintf("chunkedvector: chunk 0 unavailable: %v", err))
	}
	return data[:sizeWordLen]
}

// Size returns the number of elements appended so far.
func (v *Vector[T]) Size() uint64 { return atomicio.LoadU64(v.sizeWord()) }

// IsEmpty reports whether the vector has no elements.
func (v *Vector[T]) IsEmpty() bool { return v.Size() == 0 }

// Capacity returns the number of elements the currently loaded chunks can
// hold without further growth.
func (v *Vector[T]) Capacity() uint64 {
	return uint64(v.mgr.Capacity()) / v.elemSize
}

// locate returns the (chunk index, byte offset within that chunk's
// logical address space) for element i, shifting by the vector's own
// 8-byte size word for elements that land in chunk 0.
func (v *Vector[T]) locate(i uint64) (chunkIdx int, byteOffset uint64) {
	byteOffset = i * v.elemSize

	chunkCap := v.chunk0Capacity()
	for byteOffset >= chunkCap {
		byteOffset -= chunkCap
		chunkCap *= 2
		chunkIdx++
	}
	if chunkIdx == 0 {
		byteOffset += sizeWordLen
	}
	return chunkIdx, byteOffset
}

// chunk0Capacity is the base chunk size, recovered from the doubling
// schedule (mgr.Capacity() with exactly one chunk loaded).
func (v *Vector[T]) chunk0Capacity() uint64 {
	data, err := v.mgr.AtChunkOffset(0, 0)
	if err != nil {
		panic("chunkedvector: chunk 0 unavailable")
	}
	// chunk 0's usable length, as handed back by the chunk manager, is
	// exactly the base chunk size (the manager already subtracted its own
	// header).
	return uint64(len(data))
}

// EmplaceBack appends value and returns its index. The append is
// lock-free: the size word is incremented with an atomic fetch-add before
// the slot is materialized, and a slot is only visible to At once the
// backing chunk exists and the value has been written into it.
func (v *Vector[T]) EmplaceBack(value T) (uint64, error) {
	oldSize := atomicio.AddU64(v.sizeWord(), 1) - 1

	chunkIdx, byteOffset := v.locate(oldSize)

	if _, _, err := v.mgr.EnsureChunk(chunkIdx); err != nil {
		return 0, fmt.Errorf("chunkedvector: growing for index %d: %w", oldSize, err)
	}

	data, err := v.mgr.AtChunkOffset(chunkIdx, byteOffset)
	if err != nil {
		return 0, fmt.Errorf("chunkedvector: locating index %d: %w", oldSize, err)
	}

	*(*T)(unsafe.Pointer(&data[0])) = value

	return oldSize, nil
}

// PopBack removes the last element. Returns ErrEmpty if the vector is
// empty.
func (v *Vector[T]) PopBack() error {
	word := v.sizeWord()
	for {
		old := atomicio.LoadU64(word)
		if old == 0 {
			return ErrEmpty
		}
		if atomicio.CASU64(word, old, old-1) {
			return nil
		}
	}
}

// At returns a pointer to element i, or nil if i is at or beyond the
// current size. The returned pointer aliases the vector's backing memory
// directly; callers synchronize access the same way the BlobStore
// synchronizes access to metadata entries (via the entry's own atomic
// fields), since this package has no notion of per-element locking.
func (v *Vector[T]) At(i uint64) *T {
	for {
		if i >= v.Size() {
			return nil
		}

		chunkIdx, byteOffset := v.locate(i)
		data, err := v.mgr.AtChunkOffset(chunkIdx, byteOffset)
		if err != nil {
			// The size word raced ahead of chunk materialization by
			// another goroutine; yield and retry.
			runtime.Gosched()
			continue
		}

		return (*T)(unsafe.Pointer(&data[0]))
	}
}

// Reserve ensures the vector can hold at least n elements without further
// chunk growth.
func (v *Vector[T]) Reserve(n uint64) error {
	if n == 0 {
		return nil
	}
	chunkIdx, _ := v.locate(n - 1)
	for i := 0; i <= chunkIdx; i++ {
		if _, _, err := v.mgr.EnsureChunk(i); err != nil {
			return fmt.Errorf("chunkedvector: reserve: %w", err)
		}
	}
	return nil
}

// Resize sets the vector's size to n, growing backing chunks first if n
// is larger than the current size. It does not zero or otherwise
// initialize newly-included slots.
func (v *Vector[T]) Resize(n uint64) error {
	word := v.sizeWord()
	for {
		current := atomicio.LoadU64(word)
		if n > current {
			if err := v.Reserve(n); err != nil {
				return err
			}
		}
		if atomicio.CASU64(word, current, n) {
			return nil
		}
	}
}
