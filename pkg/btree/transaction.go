package btree

import (
	"cmp"
	"errors"

	"shmstore/pkg/blobstore"
)

// ErrKeyExists is returned by Insert when the key is already present; this
// tree does not support multi-valued keys.
var ErrKeyExists = errors.New("btree: key already exists")

const headIndex = 1

// Transaction is a single copy-on-write mutation pass over the tree. Begin
// snapshots the current head and clones it; every node touched by Insert or
// Delete is cloned into a fresh slot (or mutated in place if this
// transaction already owns the clone). Commit publishes the new head with a
// single compare-and-swap, racing against any other in-flight transaction.
type Transaction[K cmp.Ordered, V any] struct {
	tree    *Tree[K, V]
	oldHead *blobstore.Object[Head]
	newHead *blobstore.Object[Head]
	version uint64

	newObjects       map[uint64]struct{}
	discardedObjects map[uint64]struct{}
}

// Begin starts a new transaction against t's current head.
func (t *Tree[K, V]) Begin() (*Transaction[K, V], error) {
	oldHead, err := blobstore.Get[Head](t.store, headIndex)
	if err != nil {
		return nil, err
	}
	newHead, err := oldHead.Clone()
	if err != nil {
		oldHead.Close()
		return nil, err
	}
	newHead.Get().Version++
	newHead.Get().Previous = newHead.Index()

	return &Transaction[K, V]{
		tree:             t,
		oldHead:          oldHead,
		newHead:          newHead,
		version:          newHead.Get().Version,
		newObjects:       map[uint64]struct{}{newHead.Index(): {}},
		discardedObjects: map[uint64]struct{}{},
	}, nil
}

func (tx *Transaction[K, V]) trackNew(index uint64)       { tx.newObjects[index] = struct{}{} }
func (tx *Transaction[K, V]) trackDiscarded(index uint64) { tx.discardedObjects[index] = struct{}{} }
func (tx *Transaction[K, V]) isNew(index uint64) bool     { _, ok := tx.newObjects[index]; return ok }

// drop records that index is no longer reachable from the new tree: it is
// removed from newObjects, so neither Abort nor a failed Commit frees it,
// and added to discardedObjects, which nothing reclaims.
func (tx *Transaction[K, V]) drop(index uint64) {
	delete(tx.newObjects, index)
	tx.discardedObjects[index] = struct{}{}
}

// Commit publishes the transaction by swapping the permanent head slot
// (index 1) with the transaction's new head clone. Success is linearized at
// the CAS: on failure another transaction committed first, every blob this
// transaction created is dropped, and the caller should retry against the
// new head. On success, old versions remain reachable via the previous
// chain; nothing is cleaned up.
func (tx *Transaction[K, V]) Commit() (bool, error) {
	ok := tx.oldHead.CompareAndSwap(tx.newHead)
	tx.oldHead.Close()
	tx.newHead.Close()
	if !ok {
		return false, tx.cleanupNewObjects()
	}
	return true, nil
}

// Abort discards every blob this transaction created, leaving the store
// exactly as it was before Begin.
func (tx *Transaction[K, V]) Abort() error {
	tx.oldHead.Close()
	tx.newHead.Close()
	return tx.cleanupNewObjects()
}

func (tx *Transaction[K, V]) cleanupNewObjects() error {
	for index := range tx.newObjects {
		if err := tx.tree.store.Drop(index); err != nil {
			return err
		}
	}
	return nil
}

func txNew[K cmp.Ordered, V any, T any](tx *Transaction[K, V], value T) (*blobstore.Object[T], error) {
	obj, err := blobstore.New[T](tx.tree.store, value)
	if err != nil {
		return nil, err
	}
	tx.trackNew(obj.Index())
	return obj, nil
}

// mutable returns a write-locked handle to obj, either by upgrading its lock
// in place (if this transaction already owns a clone at this index) or by
// cloning it fresh and discarding the original.
func mutable[K cmp.Ordered, V any, T any](tx *Transaction[K, V], obj *blobstore.Object[T]) (*blobstore.Object[T], error) {
	if tx.isNew(obj.Index()) {
		obj.Upgrade()
		return obj, nil
	}
	clone, err := obj.Clone()
	if err != nil {
		return nil, err
	}
	tx.trackDiscarded(obj.Index())
	tx.trackNew(clone.Index())
	obj.Close()
	return clone, nil
}

func loadKey[K any](store *blobstore.Store, index uint64) (K, error) {
	obj, err := blobstore.Get[K](store, index)
	if err != nil {
		var zero K
		return zero, err
	}
	defer obj.Close()
	return *obj.Get(), nil
}

func loadValue[V any](store *blobstore.Store, index uint64) (V, error) {
	obj, err := blobstore.Get[V](store, index)
	if err != nil {
		var zero V
		return zero, err
	}
	defer obj.Close()
	return *obj.Get(), nil
}

// searchPos performs a linear scan of the first n blob indices in keys,
// returning the position of the first entry greater than or equal to key.
// Order is small (4 by default) so linear scan beats the bookkeeping of a
// binary search.
func searchPos[K cmp.Ordered](store *blobstore.Store, keys []uint64, n uint64, key K) (uint64, bool, error) {
	for i := uint64(0); i < n; i++ {
		k, err := loadKey[K](store, keys[i])
		if err != nil {
			return 0, false, err
		}
		if key == k {
			return i, true, nil
		}
		if key < k {
			return i, false, nil
		}
	}
	return n, false, nil
}

// insertionBundle is returned by the recursive insert helpers. left is the
// index of the (possibly cloned) node that was inserted into or, if that
// node had to split, of its left half; key and right then describe the new
// separator key and right sibling to be inserted into the parent.
type insertionBundle struct {
	left  uint64
	key   uint64
	right uint64
}

func noSplit(left uint64) insertionBundle { return insertionBundle{left: left, key: invalidIndex, right: invalidIndex} }

// Insert adds key/value to the tree as seen by this transaction. Returns
// ErrKeyExists if key is already present.
func (tx *Transaction[K, V]) Insert(key K, value V) error {
	keyObj, err := txNew[K, V](tx, key)
	if err != nil {
		return err
	}
	valueObj, err := txNew[K, V](tx, value)
	if err != nil {
		keyObj.Close()
		return err
	}
	keyIdx, valueIdx := keyObj.Index(), valueObj.Index()
	keyObj.Close()
	valueObj.Close()

	rootIdx := tx.newHead.Get().Root
	bundle, err := tx.insertNode(rootIdx, keyIdx, valueIdx)
	if err != nil {
		return err
	}

	if bundle.right == invalidIndex {
		tx.newHead.Get().Root = bundle.left
		return nil
	}

	newRoot := newInternal()
	newRoot.N = 1
	newRoot.Keys[0] = bundle.key
	newRoot.Children[0] = bundle.left
	newRoot.Children[1] = bundle.right
	newRootObj, err := txNew[K, V](tx, newRoot)
	if err != nil {
		return err
	}
	tx.newHead.Get().Root = newRootObj.Index()
	newRootObj.Close()
	return nil
}

func (tx *Transaction[K, V]) insertNode(index, keyIdx, valueIdx uint64) (insertionBundle, error) {
	kd, err := peekKind(tx.tree.store, index)
	if err != nil {
		return insertionBundle{}, err
	}
	if kd == kindLeaf {
		leafObj, err := blobstore.Get[Leaf](tx.tree.store, index)
		if err != nil {
			return insertionBundle{}, err
		}
		return tx.insertIntoLeaf(leafObj, keyIdx, valueIdx)
	}
	internalObj, err := blobstore.Get[Internal](tx.tree.store, index)
	if err != nil {
		return insertionBundle{}, err
	}
	return tx.insertIntoInternal(internalObj, keyIdx, valueIdx)
}

func (tx *Transaction[K, V]) insertIntoLeaf(obj *blobstore.Object[Leaf], keyIdx, valueIdx uint64) (insertionBundle, error) {
	mutObj, err := mutable(tx, obj)
	if err != nil {
		return insertionBundle{}, err
	}
	leaf := mutObj.Get()

	if leaf.isFull() {
		rightObj, middleKeyIdx, err := tx.splitLeaf(mutObj)
		if err != nil {
			mutObj.Close()
			return insertionBundle{}, err
		}
		k, err := loadKey[K](tx.tree.store, keyIdx)
		if err != nil {
			mutObj.Close()
			rightObj.Close()
			return insertionBundle{}, err
		}
		middleKey, err := loadKey[K](tx.tree.store, middleKeyIdx)
		if err != nil {
			mutObj.Close()
			rightObj.Close()
			return insertionBundle{}, err
		}

		if k >= middleKey {
			sub, err := tx.insertIntoLeaf(rightObj, keyIdx, valueIdx)
			left := mutObj.Index()
			mutObj.Close()
			if err != nil {
				return insertionBundle{}, err
			}
			return insertionBundle{left: left, key: middleKeyIdx, right: sub.left}, nil
		}
		sub, err := tx.insertIntoLeaf(mutObj, keyIdx, valueIdx)
		right := rightObj.Index()
		rightObj.Close()
		if err != nil {
			return insertionBundle{}, err
		}
		return insertionBundle{left: sub.left, key: middleKeyIdx, right: right}, nil
	}

	k, err := loadKey[K](tx.tree.store, keyIdx)
	if err != nil {
		mutObj.Close()
		return insertionBundle{}, err
	}

	i := leaf.N
	for i > 0 {
		existing, err := loadKey[K](tx.tree.store, leaf.Keys[i-1])
		if err != nil {
			mutObj.Close()
			return insertionBundle{}, err
		}
		if k >= existing {
			if k == existing {
				mutObj.Close()
				return insertionBundle{}, ErrKeyExists
			}
			break
		}
		leaf.Keys[i] = leaf.Keys[i-1]
		leaf.Values[i] = leaf.Values[i-1]
		i--
	}
	leaf.Keys[i] = keyIdx
	leaf.Values[i] = valueIdx
	leaf.N++

	idx := mutObj.Index()
	mutObj.Close()
	return noSplit(idx), nil
}

func (tx *Transaction[K, V]) splitLeaf(leftObj *blobstore.Object[Leaf]) (*blobstore.Object[Leaf], uint64, error) {
	left := leftObj.Get()
	mid := (left.N - 1) / 2
	middleKeyIdx := left.Keys[mid]

	right := newLeaf()
	right.N = left.N - mid
	for i := uint64(0); i < right.N; i++ {
		right.Keys[i] = left.Keys[mid+i]
		right.Values[i] = left.Values[mid+i]
		left.Keys[mid+i] = invalidIndex
		left.Values[mid+i] = invalidIndex
	}
	left.N = mid
	left.Keys[mid] = invalidIndex

	rightObj, err := txNew[K, V](tx, right)
	if err != nil {
		return nil, 0, err
	}
	return rightObj, middleKeyIdx, nil
}

func (tx *Transaction[K, V]) insertIntoInternal(obj *blobstore.Object[Internal], keyIdx, valueIdx uint64) (insertionBundle, error) {
	internal := obj.Get()
	k, err := loadKey[K](tx.tree.store, keyIdx)
	if err != nil {
		obj.Close()
		return insertionBundle{}, err
	}
	pos, found, err := searchPos[K](tx.tree.store, internal.Keys[:], internal.N, k)
	if err != nil {
		obj.Close()
		return insertionBundle{}, err
	}
	childPos := pos
	if found {
		childPos++
	}
	childIdx := internal.Children[childPos]

	childBundle, err := tx.insertNode(childIdx, keyIdx, valueIdx)
	if err != nil {
		obj.Close()
		return insertionBundle{}, err
	}

	newObj, err := mutable(tx, obj)
	if err != nil {
		return insertionBundle{}, err
	}
	node := newObj.Get()
	node.Children[childPos] = childBundle.left

	if childBundle.right == invalidIndex {
		idx := newObj.Index()
		newObj.Close()
		return noSplit(idx), nil
	}

	if node.isFull() {
		rightObj, middleKeyIdx, err := tx.splitInternal(newObj)
		if err != nil {
			newObj.Close()
			return insertionBundle{}, err
		}
		middleKey, err := loadKey[K](tx.tree.store, middleKeyIdx)
		if err != nil {
			newObj.Close()
			rightObj.Close()
			return insertionBundle{}, err
		}
		childKey, err := loadKey[K](tx.tree.store, childBundle.key)
		if err != nil {
			newObj.Close()
			rightObj.Close()
			return insertionBundle{}, err
		}

		if childKey < middleKey {
			err = tx.insertKeyChild(newObj.Get(), childBundle.key, childBundle.right)
		} else {
			err = tx.insertKeyChild(rightObj.Get(), childBundle.key, childBundle.right)
		}
		result := insertionBundle{left: newObj.Index(), key: middleKeyIdx, right: rightObj.Index()}
		newObj.Close()
		rightObj.Close()
		return result, err
	}

	if err := tx.insertKeyChild(node, childBundle.key, childBundle.right); err != nil {
		newObj.Close()
		return insertionBundle{}, err
	}
	idx := newObj.Index()
	newObj.Close()
	return noSplit(idx), nil
}

// insertKeyChild inserts newKeyIdx/newChildIdx into node at their sorted
// position, under the assumption node is not full.
func (tx *Transaction[K, V]) insertKeyChild(node *Internal, newKeyIdx, newChildIdx uint64) error {
	newKey, err := loadKey[K](tx.tree.store, newKeyIdx)
	if err != nil {
		return err
	}
	i := node.N
	for i > 0 {
		existing, err := loadKey[K](tx.tree.store, node.Keys[i-1])
		if err != nil {
			return err
		}
		if newKey >= existing {
			break
		}
		node.Keys[i] = node.Keys[i-1]
		node.Children[i+1] = node.Children[i]
		i--
	}
	node.Keys[i] = newKeyIdx
	node.Children[i+1] = newChildIdx
	node.N++
	return nil
}

func (tx *Transaction[K, V]) splitInternal(leftObj *blobstore.Object[Internal]) (*blobstore.Object[Internal], uint64, error) {
	left := leftObj.Get()
	mid := (left.N - 1) / 2
	middleKeyIdx := left.Keys[mid]

	right := newInternal()
	right.N = left.N - mid - 1
	for i := uint64(0); i < right.N; i++ {
		right.Keys[i] = left.Keys[mid+i+1]
		right.Children[i] = left.Children[mid+i+1]
		left.Keys[mid+i+1] = invalidIndex
		left.Children[mid+i+1] = invalidIndex
	}
	right.Children[right.N] = left.Children[mid+right.N+1]
	left.Children[mid+right.N+1] = invalidIndex
	left.N = mid
	left.Keys[mid] = invalidIndex

	rightObj, err := txNew[K, V](tx, right)
	if err != nil {
		return nil, 0, err
	}
	return rightObj, middleKeyIdx, nil
}
