package btree

import (
	"cmp"

	"shmstore/pkg/blobstore"
)

// Tree is a copy-on-write B+tree over a blobstore.Store. All mutation goes
// through a Transaction; Search reads the latest committed version directly.
type Tree[K cmp.Ordered, V any] struct {
	store *blobstore.Store
}

// Open attaches a Tree to store, bootstrapping an empty root and head if
// store is freshly created.
func Open[K cmp.Ordered, V any](store *blobstore.Store) (*Tree[K, V], error) {
	t := &Tree[K, V]{store: store}
	if store.IsEmpty() {
		if err := t.bootstrap(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// bootstrap creates the permanent head record (landing at index 1, since
// it's the very first blob ever created in an empty store) pointing at a
// freshly created empty root leaf.
func (t *Tree[K, V]) bootstrap() error {
	headObj, err := blobstore.New[Head](t.store, Head{})
	if err != nil {
		return err
	}
	defer headObj.Close()

	leafObj, err := blobstore.New[Leaf](t.store, newLeaf())
	if err != nil {
		return err
	}
	defer leafObj.Close()

	h := headObj.Get()
	h.Version = 0
	h.Root = leafObj.Index()
	h.Previous = invalidIndex
	return nil
}

func (t *Tree[K, V]) currentRoot() (uint64, error) {
	headObj, err := blobstore.Get[Head](t.store, headIndex)
	if err != nil {
		return 0, err
	}
	defer headObj.Close()
	return headObj.Get().Root, nil
}

// Search returns the value stored for key in the latest committed version,
// if any.
func (t *Tree[K, V]) Search(key K) (V, bool, error) {
	root, err := t.currentRoot()
	if err != nil {
		var zero V
		return zero, false, err
	}
	return searchAt[K, V](t.store, root, key)
}

func searchAt[K cmp.Ordered, V any](store *blobstore.Store, index uint64, key K) (V, bool, error) {
	var zero V
	kd, err := peekKind(store, index)
	if err != nil {
		return zero, false, err
	}

	if kd == kindLeaf {
		leafObj, err := blobstore.Get[Leaf](store, index)
		if err != nil {
			return zero, false, err
		}
		defer leafObj.Close()
		leaf := leafObj.Get()
		pos, found, err := searchPos[K](store, leaf.Keys[:], leaf.N, key)
		if err != nil || !found {
			return zero, false, err
		}
		value, err := loadValue[V](store, leaf.Values[pos])
		return value, err == nil, err
	}

	internalObj, err := blobstore.Get[Internal](store, index)
	if err != nil {
		return zero, false, err
	}
	internal := internalObj.Get()
	pos, found, err := searchPos[K](store, internal.Keys[:], internal.N, key)
	if err != nil {
		internalObj.Close()
		return zero, false, err
	}
	childPos := pos
	if found {
		childPos++
	}
	child := internal.Children[childPos]
	internalObj.Close()
	return searchAt[K, V](store, child, key)
}

// Insert adds key/value, retrying the whole transaction if a concurrent
// commit wins the race for the head slot. Returns ErrKeyExists without
// retrying if key is already present.
func (t *Tree[K, V]) Insert(key K, value V) error {
	for {
		tx, err := t.Begin()
		if err != nil {
			return err
		}
		if err := tx.Insert(key, value); err != nil {
			tx.Abort()
			return err
		}
		ok, err := tx.Commit()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
}

// Delete removes key, returning the deleted value and whether it was
// present. Retries on commit conflicts the same way Insert does.
func (t *Tree[K, V]) Delete(key K) (V, bool, error) {
	for {
		tx, err := t.Begin()
		if err != nil {
			var zero V
			return zero, false, err
		}
		value, found, err := tx.Delete(key)
		if err != nil {
			tx.Abort()
			var zero V
			return zero, false, err
		}
		ok, err := tx.Commit()
		if err != nil {
			var zero V
			return zero, false, err
		}
		if ok {
			return value, found, nil
		}
	}
}
