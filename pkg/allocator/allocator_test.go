package allocator_test

import (
	"errors"
	"testing"

	"shmstore/pkg/allocator"
	"shmstore/pkg/buffer"
	"shmstore/pkg/chunk"
)

func newTestAllocator(t *testing.T, baseSize int) *allocator.Allocator {
	t.Helper()

	mgr, err := chunk.Open(buffer.NewHeapFactory(), "t", baseSize)
	if err != nil {
		t.Fatalf("chunk.Open: %v", err)
	}
	a, err := allocator.Open(mgr)
	if err != nil {
		t.Fatalf("allocator.Open: %v", err)
	}
	return a
}

func TestAllocate_ReturnsWritableRegionOfRequestedSize(t *testing.T) {
	a := newTestAllocator(t, 4096)

	idx, err := a.Allocate(64)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	data, err := a.At(idx)
	if err != nil {
		t.Fatalf("At: %v", err)
	}
	if len(data) < 64 {
		t.Fatalf("At() returned %d bytes, want at least 64", len(data))
	}

	for i := range data[:64] {
		data[i] = byte(i)
	}
	for i := range data[:64] {
		if data[i] != byte(i) {
			t.Fatalf("byte %d = %d after write, want %d", i, data[i], byte(i))
		}
	}
}

func TestAllocateDeallocate_SlotIsReusable(t *testing.T) {
	a := newTestAllocator(t, 4096)

	idx1, err := a.Allocate(32)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := a.Deallocate(idx1); err != nil {
		t.Fatalf("Deallocate: %v", err)
	}

	idx2, err := a.Allocate(32)
	if err != nil {
		t.Fatalf("Allocate (after free): %v", err)
	}
	if idx2 != idx1 {
		t.Errorf("Allocate after Deallocate returned a different index (%d vs %d); "+
			"expected the freed node to be reused for a same-size request", idx2, idx1)
	}
}

func TestDeallocate_TwiceReturnsErrNotAllocated(t *testing.T) {
	a := newTestAllocator(t, 4096)

	idx, err := a.Allocate(16)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := a.Deallocate(idx); err != nil {
		t.Fatalf("Deallocate: %v", err)
	}
	if err := a.Deallocate(idx); !errors.Is(err, allocator.ErrNotAllocated) {
		t.Fatalf("second Deallocate error = %v, want ErrNotAllocated", err)
	}
}

func TestAllocate_DistinctRegionsDontOverlap(t *testing.T) {
	a := newTestAllocator(t, 4096)

	idx1, err := a.Allocate(64)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	idx2, err := a.Allocate(64)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	d1, err := a.At(idx1)
	if err != nil {
		t.Fatalf("At(idx1): %v", err)
	}
	d2, err := a.At(idx2)
	if err != nil {
		t.Fatalf("At(idx2): %v", err)
	}

	for i := range d1[:64] {
		d1[i] = 0xAA
	}
	for i := range d2[:64] {
		d2[i] = 0xBB
	}
	for i, v := range d1[:64] {
		if v != 0xAA {
			t.Fatalf("region 1 byte %d = %#x, want 0xAA (clobbered by region 2?)", i, v)
		}
	}
}

func TestAllocate_GrowsBackingChunksWhenFreeListExhausted(t *testing.T) {
	a := newTestAllocator(t, 128)

	// Request more allocations than a single small base chunk can satisfy;
	// each one that doesn't fit forces EnsureChunk to grow the manager.
	var indices []uint64
	for i := 0; i < 20; i++ {
		idx, err := a.Allocate(32)
		if err != nil {
			t.Fatalf("Allocate(%d): %v", i, err)
		}
		indices = append(indices, idx)
	}

	seen := make(map[uint64]bool, len(indices))
	for _, idx := range indices {
		if seen[idx] {
			t.Fatalf("Allocate returned duplicate index %d", idx)
		}
		seen[idx] = true
	}
}

func TestCapacity_MayExceedRequestedSize(t *testing.T) {
	a := newTestAllocator(t, 4096)

	idx, err := a.Allocate(1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	cap, err := a.Capacity(idx)
	if err != nil {
		t.Fatalf("Capacity: %v", err)
	}
	if cap < 1 {
		t.Fatalf("Capacity() = %d, want at least 1", cap)
	}
}
