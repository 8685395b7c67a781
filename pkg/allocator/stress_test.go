package allocator_test

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"shmstore/pkg/allocator"
	"shmstore/pkg/buffer"
	"shmstore/pkg/chunk"
)

// TestScenario_AllocatorStress runs many goroutines concurrently through
// allocate/write/read/free cycles of varying sizes against a single
// allocator, checking that no goroutine ever observes a payload clobbered
// by another goroutine's concurrently-live allocation.
func TestScenario_AllocatorStress(t *testing.T) {
	const numWorkers = 8
	const iterations = 1000

	mgr, err := chunk.Open(buffer.NewHeapFactory(), "t", 1<<16)
	if err != nil {
		t.Fatalf("chunk.Open: %v", err)
	}
	a, err := allocator.Open(mgr)
	if err != nil {
		t.Fatalf("allocator.Open: %v", err)
	}

	var g errgroup.Group
	for worker := 0; worker < numWorkers; worker++ {
		worker := worker
		g.Go(func() error {
			rnd := rand.New(rand.NewSource(int64(worker) + 1))

			for i := 0; i < iterations; i++ {
				size := uint64(1 + rnd.Intn(512))

				idx, err := a.Allocate(size)
				if err != nil {
					return fmt.Errorf("worker %d iter %d: Allocate(%d): %w", worker, i, size, err)
				}

				data, err := a.At(idx)
				if err != nil {
					return fmt.Errorf("worker %d iter %d: At(%d): %w", worker, i, idx, err)
				}
				if uint64(len(data)) < size {
					return fmt.Errorf("worker %d iter %d: At(%d) returned %d bytes, want at least %d",
						worker, i, idx, len(data), size)
				}

				pattern := byte(worker*iterations + i)
				for j := range data[:size] {
					data[j] = pattern
				}
				for j, b := range data[:size] {
					if b != pattern {
						return fmt.Errorf("worker %d iter %d: byte %d of index %d = %#x, want %#x "+
							"(another live allocation must overlap this range)", worker, i, j, idx, b, pattern)
					}
				}

				if err := a.Deallocate(idx); err != nil {
					return fmt.Errorf("worker %d iter %d: Deallocate(%d): %w", worker, i, idx, err)
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

// TestScenario_ConcurrentDoubleDeallocate races several goroutines through
// Deallocate on the same index. Deallocate's front-door isAllocated check
// only rules out a *sequential* double free; when two calls race past it
// before either flips the version, freeNode's search can find the node
// already re-inserted by the other racer at its own sorted slot. If the
// self-reference guard is missing, that links the node to itself and wedges
// every later search on this free list into an infinite loop, which shows up
// here as a hang.
func TestScenario_ConcurrentDoubleDeallocate(t *testing.T) {
	const rounds = 200
	const racers = 8

	mgr, err := chunk.Open(buffer.NewHeapFactory(), "t", 1<<16)
	if err != nil {
		t.Fatalf("chunk.Open: %v", err)
	}
	a, err := allocator.Open(mgr)
	if err != nil {
		t.Fatalf("allocator.Open: %v", err)
	}

	for round := 0; round < rounds; round++ {
		idx, err := a.Allocate(64)
		if err != nil {
			t.Fatalf("round %d: Allocate: %v", round, err)
		}

		var g errgroup.Group
		for i := 0; i < racers; i++ {
			g.Go(func() error {
				if err := a.Deallocate(idx); err != nil && !errors.Is(err, allocator.ErrNotAllocated) {
					return err
				}
				return nil
			})
		}

		done := make(chan error, 1)
		go func() { done <- g.Wait() }()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("round %d: racing Deallocate: %v", round, err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("round %d: racing Deallocate hung — free list likely corrupted into a self-referencing cycle", round)
		}

		// A fresh allocate/deallocate cycle must still complete: if the race
		// above corrupted the free list, this hangs too.
		idx2, err := a.Allocate(64)
		if err != nil {
			t.Fatalf("round %d: Allocate after race: %v", round, err)
		}
		if err := a.Deallocate(idx2); err != nil {
			t.Fatalf("round %d: Deallocate after race: %v", round, err)
		}
	}
}
