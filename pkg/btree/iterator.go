package btree

import (
	"cmp"

	"shmstore/pkg/blobstore"
)

// Iterator walks leaf entries in ascending key order starting from a Seek
// position. It holds a read lock on the leaf it is currently positioned on;
// Close (or exhausting the iterator) releases it.
type Iterator[K cmp.Ordered, V any] struct {
	store *blobstore.Store

	// pathToRoot holds the indices of every internal node above the
	// current leaf, root first, leaf's immediate parent last.
	pathToRoot []uint64
	leaf       *blobstore.Object[Leaf]
	keyIndex   uint64
}

// Seek returns an iterator positioned at the first entry with a key greater
// than or equal to key (or past the end, if none exists) in the latest
// committed version.
func (t *Tree[K, V]) Seek(key K) (*Iterator[K, V], error) {
	root, err := t.currentRoot()
	if err != nil {
		return nil, err
	}
	return seekFrom[K, V](t.store, root, key, nil)
}

// Search returns the value stored for key as seen by this transaction: its
// own uncommitted root if it has inserted or deleted anything, otherwise the
// root it began from. Unaffected by other transactions committing after
// Begin, since those publish a different head record entirely.
func (tx *Transaction[K, V]) Search(key K) (V, bool, error) {
	return searchAt[K, V](tx.tree.store, tx.newHead.Get().Root, key)
}

// Seek returns an iterator over this transaction's own view of the tree, the
// same snapshot Search reads from. A read-only transaction (one that never
// calls Insert or Delete) gives a stable view of the tree as of Begin, even
// after later transactions commit.
func (tx *Transaction[K, V]) Seek(key K) (*Iterator[K, V], error) {
	return seekFrom[K, V](tx.tree.store, tx.newHead.Get().Root, key, nil)
}

func seekFrom[K cmp.Ordered, V any](store *blobstore.Store, index uint64, key K, pathToRoot []uint64) (*Iterator[K, V], error) {
	kd, err := peekKind(store, index)
	if err != nil {
		return nil, err
	}

	if kd == kindLeaf {
		leafObj, err := blobstore.Get[Leaf](store, index)
		if err != nil {
			return nil, err
		}
		leaf := leafObj.Get()
		pos, _, err := searchPos[K](store, leaf.Keys[:], leaf.N, key)
		if err != nil {
			leafObj.Close()
			return nil, err
		}
		it := &Iterator[K, V]{store: store, pathToRoot: pathToRoot, leaf: leafObj, keyIndex: pos}
		if pos >= leaf.N {
			if err := it.advanceToNextNode(); err != nil {
				return nil, err
			}
		}
		return it, nil
	}

	internalObj, err := blobstore.Get[Internal](store, index)
	if err != nil {
		return nil, err
	}
	internal := internalObj.Get()
	pos, found, err := searchPos[K](store, internal.Keys[:], internal.N, key)
	if err != nil {
		internalObj.Close()
		return nil, err
	}
	childPos := pos
	if found {
		childPos++
	}
	child := internal.Children[childPos]
	internalObj.Close()
	return seekFrom[K, V](store, child, key, append(pathToRoot, index))
}

// Valid reports whether the iterator is positioned on an entry. Once it
// advances past the last leaf's last key, Valid returns false permanently.
func (it *Iterator[K, V]) Valid() bool { return it.leaf != nil }

// Key returns the key at the current position.
func (it *Iterator[K, V]) Key() (K, error) {
	leaf := it.leaf.Get()
	return loadKey[K](it.store, leaf.Keys[it.keyIndex])
}

// Value returns the value at the current position.
func (it *Iterator[K, V]) Value() (V, error) {
	leaf := it.leaf.Get()
	return loadValue[V](it.store, leaf.Values[it.keyIndex])
}

// Next advances to the next entry in ascending key order.
func (it *Iterator[K, V]) Next() error {
	it.keyIndex++
	if it.keyIndex >= it.leaf.Get().N {
		return it.advanceToNextNode()
	}
	return nil
}

// Close releases the read lock held on the current leaf, if any. Safe to
// call on an already-exhausted iterator.
func (it *Iterator[K, V]) Close() {
	if it.leaf != nil {
		it.leaf.Close()
		it.leaf = nil
	}
}

// advanceToNextNode moves to the first entry of the next leaf in ascending
// order: climb path_to_root until an ancestor where the current node isn't
// the rightmost child, then descend leftmost from that ancestor's next
// child.
func (it *Iterator[K, V]) advanceToNextNode() error {
	if len(it.pathToRoot) == 0 {
		it.Close()
		return nil
	}

	currentIndex := it.leaf.Index()
	it.Close()

	parentIndex := it.pathToRoot[len(it.pathToRoot)-1]
	parentObj, err := blobstore.Get[Internal](it.store, parentIndex)
	if err != nil {
		return err
	}
	parent := parentObj.Get()

	for currentIndex == parent.Children[parent.N] {
		currentIndex = parentIndex
		it.pathToRoot = it.pathToRoot[:len(it.pathToRoot)-1]
		parentObj.Close()

		if len(it.pathToRoot) == 0 {
			return nil
		}

		parentIndex = it.pathToRoot[len(it.pathToRoot)-1]
		parentObj, err = blobstore.Get[Internal](it.store, parentIndex)
		if err != nil {
			return err
		}
		parent = parentObj.Get()
	}

	childIndex := uint64(0)
	for childIndex < parent.N && parent.Children[childIndex] != currentIndex {
		childIndex++
	}
	nextIndex := parent.Children[childIndex+1]
	parentObj.Close()

	return it.descendLeftmost(nextIndex)
}

func (it *Iterator[K, V]) descendLeftmost(index uint64) error {
	for {
		kd, err := peekKind(it.store, index)
		if err != nil {
			return err
		}

		if kd == kindLeaf {
			leafObj, err := blobstore.Get[Leaf](it.store, index)
			if err != nil {
				return err
			}
			it.leaf = leafObj
			it.keyIndex = 0
			return nil
		}

		it.pathToRoot = append(it.pathToRoot, index)
		internalObj, err := blobstore.Get[Internal](it.store, index)
		if err != nil {
			return err
		}
		index = internalObj.Get().Children[0]
		internalObj.Close()
	}
}
