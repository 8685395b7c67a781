package btree_test

import (
	"testing"

	"shmstore/pkg/blobstore"
	"shmstore/pkg/btree"
	"shmstore/pkg/buffer"
	"shmstore/pkg/chunk"
)

func newTestTree(t *testing.T) *btree.Tree[int64, int64] {
	t.Helper()

	factory := buffer.NewHeapFactory()

	dataMgr, err := chunk.Open(factory, "test_data", 4096)
	if err != nil {
		t.Fatalf("chunk.Open: %v", err)
	}

	st, err := blobstore.Open(factory, "test", 4096, dataMgr)
	if err != nil {
		t.Fatalf("blobstore.Open: %v", err)
	}

	tree, err := btree.Open[int64, int64](st)
	if err != nil {
		t.Fatalf("btree.Open: %v", err)
	}

	return tree
}

func TestIterator_AscendingScan(t *testing.T) {
	tree := newTestTree(t)

	inserted := []int64{40, 10, 30, 20, 5, 35, 15, 25}
	for _, k := range inserted {
		if err := tree.Insert(k, k*100); err != nil {
			t.Fatalf("Insert(%d): %v", k, err)
		}
	}

	it, err := tree.Seek(0)
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	defer it.Close()

	var got []int64
	for it.Valid() {
		k, err := it.Key()
		if err != nil {
			t.Fatalf("Key: %v", err)
		}
		v, err := it.Value()
		if err != nil {
			t.Fatalf("Value: %v", err)
		}
		if v != k*100 {
			t.Errorf("Value(%d) = %d, want %d", k, v, k*100)
		}
		got = append(got, k)
		if err := it.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}

	want := []int64{5, 10, 15, 20, 25, 30, 35, 40}
	if len(got) != len(want) {
		t.Fatalf("scanned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("scanned %v, want %v", got, want)
		}
	}
}

func TestIterator_SeekMidRange(t *testing.T) {
	tree := newTestTree(t)

	for _, k := range []int64{10, 20, 30, 40, 50} {
		if err := tree.Insert(k, k); err != nil {
			t.Fatalf("Insert(%d): %v", k, err)
		}
	}

	it, err := tree.Seek(25)
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	defer it.Close()

	if !it.Valid() {
		t.Fatal("Seek(25): iterator not valid")
	}
	k, err := it.Key()
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	if k != 30 {
		t.Errorf("Seek(25) landed on key %d, want 30", k)
	}
}

func TestIterator_SeekPastEnd(t *testing.T) {
	tree := newTestTree(t)

	for _, k := range []int64{1, 2, 3} {
		if err := tree.Insert(k, k); err != nil {
			t.Fatalf("Insert(%d): %v", k, err)
		}
	}

	it, err := tree.Seek(100)
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	defer it.Close()

	if it.Valid() {
		t.Fatal("Seek past every key: want exhausted iterator")
	}
}
