package btree

import (
	"cmp"

	"shmstore/pkg/blobstore"
)

// node is a handle to either a Leaf or an Internal node, acquired at a
// point where the caller doesn't yet know (or care) which kind it is.
// Exactly one of leaf/internal is non-nil.
type node[K cmp.Ordered, V any] struct {
	leaf     *blobstore.Object[Leaf]
	internal *blobstore.Object[Internal]
}

func getNode[K cmp.Ordered, V any](store *blobstore.Store, index uint64, write bool) (node[K, V], error) {
	kd, err := peekKind(store, index)
	if err != nil {
		return node[K, V]{}, err
	}
	if kd == kindLeaf {
		var obj *blobstore.Object[Leaf]
		if write {
			obj, err = blobstore.GetMutable[Leaf](store, index)
		} else {
			obj, err = blobstore.Get[Leaf](store, index)
		}
		if err != nil {
			return node[K, V]{}, err
		}
		return node[K, V]{leaf: obj}, nil
	}
	var obj *blobstore.Object[Internal]
	if write {
		obj, err = blobstore.GetMutable[Internal](store, index)
	} else {
		obj, err = blobstore.Get[Internal](store, index)
	}
	if err != nil {
		return node[K, V]{}, err
	}
	return node[K, V]{internal: obj}, nil
}

func (n node[K, V]) isLeaf() bool { return n.leaf != nil }

func (n node[K, V]) index() uint64 {
	if n.leaf != nil {
		return n.leaf.Index()
	}
	return n.internal.Index()
}

func (n node[K, V]) numKeys() uint64 {
	if n.leaf != nil {
		return n.leaf.Get().N
	}
	return n.internal.Get().N
}

func (n node[K, V]) willUnderflow() bool {
	if n.leaf != nil {
		return n.leaf.Get().willUnderflow()
	}
	return n.internal.Get().willUnderflow()
}

func (n node[K, V]) close() {
	if n.leaf != nil {
		n.leaf.Close()
	} else if n.internal != nil {
		n.internal.Close()
	}
}

func mutableNode[K cmp.Ordered, V any](tx *Transaction[K, V], n node[K, V]) (node[K, V], error) {
	if n.leaf != nil {
		obj, err := mutable(tx, n.leaf)
		if err != nil {
			return node[K, V]{}, err
		}
		return node[K, V]{leaf: obj}, nil
	}
	obj, err := mutable(tx, n.internal)
	if err != nil {
		return node[K, V]{}, err
	}
	return node[K, V]{internal: obj}, nil
}

// Delete removes key from the tree as seen by this transaction, returning
// the deleted value and whether it was present.
func (tx *Transaction[K, V]) Delete(key K) (V, bool, error) {
	var zero V
	rootIdx := tx.newHead.Get().Root

	root, err := getNode[K, V](tx.tree.store, rootIdx, false)
	if err != nil {
		return zero, false, err
	}
	newRoot, err := mutableNode(tx, root)
	if err != nil {
		return zero, false, err
	}

	if newRoot.isLeaf() {
		tx.newHead.Get().Root = newRoot.index()
		return tx.deleteFromLeaf(newRoot.leaf, key)
	}

	internal := newRoot.internal.Get()
	pos, found, err := searchPos[K](tx.tree.store, internal.Keys[:], internal.N, key)
	if err != nil {
		newRoot.close()
		return zero, false, err
	}

	var childPos uint64
	if found {
		childPos = pos + 1
	} else {
		childPos = pos
	}

	value, ok, newRootIdx, err := tx.deleteDescend(newRoot.internal, childPos, key)
	if err != nil {
		return zero, false, err
	}
	tx.newHead.Get().Root = newRootIdx
	return value, ok, nil
}

// deleteDescend deletes key from the subtree rooted at parent's child at
// childIndex, rebalancing that child first if it would underflow. Returns
// the (possibly changed, if parent collapsed) index that should replace
// parent in its own parent's Children array.
func (tx *Transaction[K, V]) deleteDescend(parent *blobstore.Object[Internal], childIndex uint64, key K) (V, bool, uint64, error) {
	var zero V
	p := parent.Get()
	childIdx := p.Children[childIndex]

	child, err := getNode[K, V](tx.tree.store, childIdx, false)
	if err != nil {
		parent.Close()
		return zero, false, 0, err
	}

	var current node[K, V]
	if child.willUnderflow() {
		rebalanced, err := tx.rebalanceChild(parent, childIndex, child)
		if err != nil {
			return zero, false, 0, err
		}
		current = rebalanced

		if parent.Get().N == 0 {
			selfIdx := parent.Index()
			tx.drop(selfIdx)
			parent.Close()

			if current.isLeaf() {
				v, ok, err := tx.deleteFromLeaf(current.leaf, key)
				return v, ok, current.leaf.Index(), err
			}
			v, ok, newIdx, err := tx.deleteFromInternal(current.internal, key)
			return v, ok, newIdx, err
		}
	} else {
		mutChild, err := mutableNode(tx, child)
		if err != nil {
			parent.Close()
			return zero, false, 0, err
		}
		parent.Get().Children[childIndex] = mutChild.index()
		current = mutChild
	}

	if current.isLeaf() {
		v, ok, err := tx.deleteFromLeaf(current.leaf, key)
		idx := parent.Index()
		parent.Close()
		return v, ok, idx, err
	}
	v, ok, newChildIdx, err := tx.deleteFromInternal(current.internal, key)
	if err == nil {
		parent.Get().Children[childIndex] = newChildIdx
	}
	idx := parent.Index()
	parent.Close()
	return v, ok, idx, err
}

func (tx *Transaction[K, V]) deleteFromLeaf(obj *blobstore.Object[Leaf], key K) (V, bool, error) {
	var zero V
	leaf := obj.Get()
	pos, found, err := searchPos[K](tx.tree.store, leaf.Keys[:], leaf.N, key)
	if err != nil {
		obj.Close()
		return zero, false, err
	}
	if !found {
		obj.Close()
		return zero, false, nil
	}

	value, err := loadValue[V](tx.tree.store, leaf.Values[pos])
	if err != nil {
		obj.Close()
		return zero, false, err
	}

	for j := pos + 1; j < leaf.N; j++ {
		leaf.Keys[j-1] = leaf.Keys[j]
		leaf.Values[j-1] = leaf.Values[j]
	}
	leaf.N--
	obj.Close()
	return value, true, nil
}

// deleteFromInternal deletes key from the subtree rooted at node, returning
// the deleted value and the (possibly unchanged) index that should replace
// node in its parent.
func (tx *Transaction[K, V]) deleteFromInternal(obj *blobstore.Object[Internal], key K) (V, bool, uint64, error) {
	var zero V
	n := obj.Get()
	pos, found, err := searchPos[K](tx.tree.store, n.Keys[:], n.N, key)
	if err != nil {
		idx := obj.Index()
		obj.Close()
		return zero, false, idx, err
	}

	if found {
		value, ok, newIdx, err := tx.deleteDescend(obj, pos+1, key)
		if err != nil || !ok {
			return value, ok, newIdx, err
		}
		// The successor key used as this node's separator was just deleted;
		// replace it with the new smallest key of the right subtree.
		again, err := blobstore.GetMutable[Internal](tx.tree.store, newIdx)
		if err != nil {
			return value, ok, newIdx, err
		}
		an := again.Get()
		p2, found2, err := searchPos[K](tx.tree.store, an.Keys[:], an.N, key)
		if err != nil {
			again.Close()
			return value, ok, newIdx, err
		}
		if found2 {
			succIdx, err := tx.successorKey(an.Children[p2+1])
			if err != nil {
				again.Close()
				return value, ok, newIdx, err
			}
			an.Keys[p2] = succIdx
		}
		again.Close()
		return value, ok, newIdx, nil
	}

	return tx.deleteDescend(obj, pos, key)
}

// successorKey returns the blob index of the smallest key stored under the
// subtree rooted at index (its leftmost leaf's first key).
func (tx *Transaction[K, V]) successorKey(index uint64) (uint64, error) {
	for {
		kd, err := peekKind(tx.tree.store, index)
		if err != nil {
			return 0, err
		}
		if kd == kindLeaf {
			leafObj, err := blobstore.Get[Leaf](tx.tree.store, index)
			if err != nil {
				return 0, err
			}
			key := leafObj.Get().Keys[0]
			leafObj.Close()
			return key, nil
		}
		internalObj, err := blobstore.Get[Internal](tx.tree.store, index)
		if err != nil {
			return 0, err
		}
		child := internalObj.Get().Children[0]
		internalObj.Close()
		index = child
	}
}

// rebalanceChild borrows a key from a non-underflowing sibling of child, or
// merges child with whichever sibling it has, and returns the node that
// should occupy child's old slot.
func (tx *Transaction[K, V]) rebalanceChild(parent *blobstore.Object[Internal], childIndex uint64, child node[K, V]) (node[K, V], error) {
	p := parent.Get()

	if childIndex > 0 {
		leftIdx := p.Children[childIndex-1]
		left, err := getNode[K, V](tx.tree.store, leftIdx, false)
		if err != nil {
			return node[K, V]{}, err
		}
		if !left.willUnderflow() {
			return tx.borrowFromLeft(parent, childIndex, left, child)
		}
		left.close()
	}

	if childIndex+1 <= p.N {
		rightIdx := p.Children[childIndex+1]
		right, err := getNode[K, V](tx.tree.store, rightIdx, false)
		if err != nil {
			return node[K, V]{}, err
		}
		if !right.willUnderflow() {
			return tx.borrowFromRight(parent, childIndex, child, right)
		}
		right.close()
	}

	return tx.mergeChildWithSibling(parent, childIndex, child)
}

func (tx *Transaction[K, V]) borrowFromLeft(parent *blobstore.Object[Internal], childIndex uint64, left, right node[K, V]) (node[K, V], error) {
	newLeft, err := mutableNode(tx, left)
	if err != nil {
		right.close()
		return node[K, V]{}, err
	}
	newRight, err := mutableNode(tx, right)
	if err != nil {
		newLeft.close()
		return node[K, V]{}, err
	}

	p := parent.Get()
	p.Children[childIndex-1] = newLeft.index()
	p.Children[childIndex] = newRight.index()

	if newRight.isLeaf() {
		rl := newLeft.leaf.Get()
		rr := newRight.leaf.Get()
		for i := rr.N; i > 0; i-- {
			rr.Keys[i] = rr.Keys[i-1]
			rr.Values[i] = rr.Values[i-1]
		}
		rr.Keys[0] = rl.Keys[rl.N-1]
		rr.Values[0] = rl.Values[rl.N-1]
		p.Keys[childIndex-1] = rl.Keys[rl.N-1]
		rl.Keys[rl.N-1] = invalidIndex
		rl.Values[rl.N-1] = invalidIndex
		rr.N++
		rl.N--
	} else {
		il := newLeft.internal.Get()
		ir := newRight.internal.Get()
		for i := ir.N; i > 0; i-- {
			ir.Keys[i] = ir.Keys[i-1]
		}
		for i := ir.N + 1; i > 0; i-- {
			ir.Children[i] = ir.Children[i-1]
		}
		ir.Children[0] = il.Children[il.N]
		il.Children[il.N] = invalidIndex
		ir.Keys[0] = p.Keys[childIndex-1]
		p.Keys[childIndex-1] = il.Keys[il.N-1]
		il.Keys[il.N-1] = invalidIndex
		ir.N++
		il.N--
	}

	newLeft.close()
	return newRight, nil
}

func (tx *Transaction[K, V]) borrowFromRight(parent *blobstore.Object[Internal], childIndex uint64, left, right node[K, V]) (node[K, V], error) {
	newLeft, err := mutableNode(tx, left)
	if err != nil {
		right.close()
		return node[K, V]{}, err
	}
	newRight, err := mutableNode(tx, right)
	if err != nil {
		newLeft.close()
		return node[K, V]{}, err
	}

	p := parent.Get()
	p.Children[childIndex] = newLeft.index()
	p.Children[childIndex+1] = newRight.index()

	var separator uint64
	if newLeft.isLeaf() {
		rl := newLeft.leaf.Get()
		rr := newRight.leaf.Get()
		rl.Keys[rl.N] = rr.Keys[0]
		rl.Values[rl.N] = rr.Values[0]
		for i := uint64(1); i < rr.N; i++ {
			rr.Keys[i-1] = rr.Keys[i]
			rr.Values[i-1] = rr.Values[i]
		}
		rr.Keys[rr.N-1] = invalidIndex
		rr.Values[rr.N-1] = invalidIndex
		separator = rr.Keys[0]
		rl.N++
		rr.N--
	} else {
		il := newLeft.internal.Get()
		ir := newRight.internal.Get()
		il.Keys[il.N] = p.Keys[childIndex]
		il.Children[il.N+1] = ir.Children[0]
		for i := uint64(1); i <= ir.N; i++ {
			ir.Children[i-1] = ir.Children[i]
		}
		ir.Children[ir.N] = invalidIndex
		separator = ir.Keys[0]
		for i := uint64(1); i < ir.N; i++ {
			ir.Keys[i-1] = ir.Keys[i]
		}
		ir.Keys[ir.N-1] = invalidIndex
		il.N++
		ir.N--
	}
	p.Keys[childIndex] = separator

	newRight.close()
	return newLeft, nil
}

func (tx *Transaction[K, V]) mergeChildWithSibling(parent *blobstore.Object[Internal], childIndex uint64, child node[K, V]) (node[K, V], error) {
	p := parent.Get()

	var left, right node[K, V]
	var keyIndexInParent uint64
	var err error

	if childIndex < p.N {
		keyIndexInParent = childIndex
		left, err = mutableNode(tx, child)
		if err != nil {
			return node[K, V]{}, err
		}
		p.Children[childIndex] = left.index()
		right, err = getNode[K, V](tx.tree.store, p.Children[childIndex+1], false)
		if err != nil {
			left.close()
			return node[K, V]{}, err
		}
	} else {
		keyIndexInParent = childIndex - 1
		leftConst, err2 := getNode[K, V](tx.tree.store, p.Children[childIndex-1], false)
		if err2 != nil {
			return node[K, V]{}, err2
		}
		left, err = mutableNode(tx, leftConst)
		if err != nil {
			return node[K, V]{}, err
		}
		p.Children[childIndex-1] = left.index()
		right = child
	}

	if left.isLeaf() {
		tx.mergeLeaves(left.leaf, right.leaf)
	} else {
		tx.mergeInternals(left.internal, right.internal, p.Keys[keyIndexInParent])
	}
	tx.drop(right.index())
	right.close()

	for i := keyIndexInParent; i < p.N-1; i++ {
		p.Keys[i] = p.Keys[i+1]
		p.Children[i+1] = p.Children[i+2]
	}
	p.N--

	return left, nil
}

func (tx *Transaction[K, V]) mergeLeaves(left, right *blobstore.Object[Leaf]) {
	l := left.Get()
	r := right.Get()
	for i := uint64(0); i < r.N; i++ {
		l.Keys[l.N] = r.Keys[i]
		l.Values[l.N] = r.Values[i]
		l.N++
	}
}

func (tx *Transaction[K, V]) mergeInternals(left, right *blobstore.Object[Internal], parentKey uint64) {
	l := left.Get()
	r := right.Get()
	l.Keys[l.N] = parentKey
	l.Children[l.N+1] = r.Children[0]
	l.N++
	for i := uint64(0); i < r.N; i++ {
		l.Keys[l.N] = r.Keys[i]
		l.Children[l.N+1] = r.Children[i+1]
		l.N++
	}
}
