package blobstore_test

import (
	"testing"

	"golang.org/x/sync/errgroup"

	"shmstore/pkg/blobstore"
	"shmstore/pkg/buffer"
	"shmstore/pkg/chunk"
)

type point struct {
	X int64
	Y int64
}

func newTestStore(t *testing.T) *blobstore.Store {
	t.Helper()

	factory := buffer.NewHeapFactory()
	dataMgr, err := chunk.Open(factory, "t_data", 4096)
	if err != nil {
		t.Fatalf("chunk.Open: %v", err)
	}
	st, err := blobstore.Open(factory, "t", 4096, dataMgr)
	if err != nil {
		t.Fatalf("blobstore.Open: %v", err)
	}
	return st
}

func TestNewGet_Roundtrip(t *testing.T) {
	st := newTestStore(t)

	obj, err := blobstore.New(st, point{X: 1, Y: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	idx := obj.Index()
	obj.Close()

	got, err := blobstore.Get[point](st, idx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer got.Close()

	if *got.Get() != (point{X: 1, Y: 2}) {
		t.Fatalf("Get() = %+v, want {1 2}", *got.Get())
	}
}

func TestNewBytes_RoundtripsArbitraryLength(t *testing.T) {
	st := newTestStore(t)

	payload := []byte("a variable-length payload that isn't a fixed Go type")
	obj, err := blobstore.NewBytes(st, payload)
	if err != nil {
		t.Fatalf("NewBytes: %v", err)
	}
	idx := obj.Index()
	obj.Close()

	got, err := blobstore.Get[byte](st, idx)
	if err != nil {
		t.Fatalf("Get[byte]: %v", err)
	}
	defer got.Close()

	if string(got.Bytes()) != string(payload) {
		t.Fatalf("Bytes() = %q, want %q", got.Bytes(), payload)
	}
}

func TestPutEncoded_StoresEncoderOutput(t *testing.T) {
	st := newTestStore(t)

	encode := func(s string) ([]byte, error) { return []byte(s), nil }

	obj, err := blobstore.PutEncoded(st, "hello world", encode)
	if err != nil {
		t.Fatalf("PutEncoded: %v", err)
	}
	idx := obj.Index()
	obj.Close()

	got, err := blobstore.Get[byte](st, idx)
	if err != nil {
		t.Fatalf("Get[byte]: %v", err)
	}
	defer got.Close()

	if string(got.Bytes()) != "hello world" {
		t.Fatalf("Bytes() = %q, want %q", got.Bytes(), "hello world")
	}
}

func TestDrop_MakesIndexUnreachable(t *testing.T) {
	st := newTestStore(t)

	obj, err := blobstore.New(st, point{X: 5, Y: 6})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	idx := obj.Index()
	obj.Close()

	if err := st.Drop(idx); err != nil {
		t.Fatalf("Drop: %v", err)
	}

	if _, err := blobstore.Get[point](st, idx); err != blobstore.ErrNotFound {
		t.Fatalf("Get() after Drop error = %v, want ErrNotFound", err)
	}
}

func TestDrop_RecyclesIndexForNextNew(t *testing.T) {
	st := newTestStore(t)

	obj1, err := blobstore.New(st, point{X: 1, Y: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	idx1 := obj1.Index()
	obj1.Close()

	if err := st.Drop(idx1); err != nil {
		t.Fatalf("Drop: %v", err)
	}

	obj2, err := blobstore.New(st, point{X: 2, Y: 2})
	if err != nil {
		t.Fatalf("New (after drop): %v", err)
	}
	defer obj2.Close()

	if obj2.Index() != idx1 {
		t.Errorf("New after Drop got index %d, want recycled index %d", obj2.Index(), idx1)
	}
}

func TestClone_IsIndependentCopy(t *testing.T) {
	st := newTestStore(t)

	orig, err := blobstore.New(st, point{X: 1, Y: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	clone, err := orig.Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}

	if clone.Index() == orig.Index() {
		t.Fatalf("Clone returned the same index as the original")
	}
	if *clone.Get() != *orig.Get() {
		t.Fatalf("Clone() = %+v, want a copy of %+v", *clone.Get(), *orig.Get())
	}

	clone.Get().X = 99
	if orig.Get().X == 99 {
		t.Fatalf("mutating the clone affected the original: clone and original share memory")
	}

	orig.Close()
	clone.Close()
}

func TestCompareAndSwap_PublishesNewVersionAtomically(t *testing.T) {
	st := newTestStore(t)

	orig, err := blobstore.New(st, point{X: 1, Y: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	clone, err := orig.Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	clone.Get().X = 42

	if !orig.CompareAndSwap(clone) {
		t.Fatal("CompareAndSwap: want success on first attempt")
	}

	origIdx := orig.Index()
	orig.Close()
	clone.Close()

	got, err := blobstore.Get[point](st, origIdx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer got.Close()

	if got.Get().X != 42 {
		t.Fatalf("after CompareAndSwap, index %d holds X=%d, want 42", origIdx, got.Get().X)
	}
}

func TestGet_ConcurrentReadersDontBlockEachOther(t *testing.T) {
	st := newTestStore(t)

	obj, err := blobstore.New(st, point{X: 1, Y: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	idx := obj.Index()
	obj.Close()

	r1, err := blobstore.Get[point](st, idx)
	if err != nil {
		t.Fatalf("Get (r1): %v", err)
	}
	defer r1.Close()

	r2, err := blobstore.Get[point](st, idx)
	if err != nil {
		t.Fatalf("Get (r2), while another reader is active: %v", err)
	}
	r2.Close()
}

func TestPeekByte_ReadsFirstByteWithoutLocking(t *testing.T) {
	st := newTestStore(t)

	obj, err := blobstore.New(st, point{X: 0x11, Y: 0x22})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	idx := obj.Index()
	obj.Close()

	b, err := st.PeekByte(idx)
	if err != nil {
		t.Fatalf("PeekByte: %v", err)
	}
	// point.X is the first field (little-endian int64): its low byte is
	// the struct's first byte.
	if b != 0x11 {
		t.Fatalf("PeekByte() = %#x, want 0x11", b)
	}
}

func TestLen_ReflectsLiveBlobsOnly(t *testing.T) {
	st := newTestStore(t)

	if st.Len() != 0 {
		t.Fatalf("Len() on empty store = %d, want 0", st.Len())
	}

	obj, err := blobstore.New(st, point{X: 1, Y: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	idx := obj.Index()
	obj.Close()

	if st.Len() != 1 {
		t.Fatalf("Len() after one New = %d, want 1", st.Len())
	}

	if err := st.Drop(idx); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if st.Len() != 0 {
		t.Fatalf("Len() after Drop = %d, want 0", st.Len())
	}
}

func TestIterate_WalksLiveSlotsInAscendingIndexOrder(t *testing.T) {
	st := newTestStore(t)

	var indices []uint64
	for i := 0; i < 5; i++ {
		obj, err := blobstore.New(st, point{X: int64(i), Y: int64(i)})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		indices = append(indices, obj.Index())
		obj.Close()
	}

	// Drop a slot in the middle; the iterator must skip it without disturbing
	// the ascending order of what remains.
	dropped := indices[2]
	if err := st.Drop(dropped); err != nil {
		t.Fatalf("Drop: %v", err)
	}

	var want []uint64
	for _, idx := range indices {
		if idx != dropped {
			want = append(want, idx)
		}
	}

	var got []uint64
	for it := st.Begin(); !it.Done(); it.Next() {
		got = append(got, it.Index())
	}

	if len(got) != len(want) {
		t.Fatalf("Begin/Next visited %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Begin/Next visited %v, want %v", got, want)
		}
	}

	end := st.End()
	if !end.Done() {
		t.Fatalf("End() iterator should already be Done()")
	}
}

// TestScenario_TombstonedReader: a reader holding a handle on an index
// keeps seeing the original payload across a concurrent Drop of that same
// index, and the index is only recycled once the reader releases it.
func TestScenario_TombstonedReader(t *testing.T) {
	st := newTestStore(t)

	obj, err := blobstore.New(st, point{X: 7, Y: 8})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	idx := obj.Index()
	obj.Close()

	reader, err := blobstore.Get[point](st, idx)
	if err != nil {
		t.Fatalf("Get (reader): %v", err)
	}

	dropped := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		defer close(dropped)
		return st.Drop(idx)
	})
	<-dropped
	if err := g.Wait(); err != nil {
		t.Fatalf("Drop: %v", err)
	}

	if *reader.Get() != (point{X: 7, Y: 8}) {
		t.Fatalf("reader.Get() after concurrent Drop = %+v, want the original payload", *reader.Get())
	}

	if _, err := blobstore.Get[point](st, idx); err != blobstore.ErrNotFound {
		t.Fatalf("Get() on a tombstoned index with an outstanding reader = %v, want ErrNotFound", err)
	}

	reader.Close()

	if _, err := blobstore.Get[point](st, idx); err != blobstore.ErrNotFound {
		t.Fatalf("Get() after the reader released = %v, want ErrNotFound", err)
	}

	obj2, err := blobstore.New(st, point{X: 1, Y: 2})
	if err != nil {
		t.Fatalf("New (after release): %v", err)
	}
	defer obj2.Close()
	if obj2.Index() != idx {
		t.Errorf("New after the reader released got index %d, want the recycled index %d", obj2.Index(), idx)
	}
}
