package btree

import (
	"cmp"
	"errors"
	"fmt"
	"strings"

	"shmstore/pkg/blobstore"
)

// ErrVersionNotFound is returned by DebugString when version does not
// appear on the Previous chain reachable from the current head.
var ErrVersionNotFound = errors.New("btree: version not found")

// DebugString returns a breadth-first textual dump of the tree snapshot at
// version: one line per depth, nodes left to right, internal nodes showing
// their separator keys in parentheses and leaves showing their key:value
// pairs in brackets. version must be the current head's version or an
// older one still reachable via Previous links.
func (t *Tree[K, V]) DebugString(version uint64) (string, error) {
	root, err := t.rootAtVersion(version)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	level := []uint64{root}
	for depth := 0; len(level) > 0; depth++ {
		fmt.Fprintf(&b, "depth %d:", depth)

		var next []uint64
		for _, index := range level {
			children, err := writeNode[K, V](&b, t.store, index)
			if err != nil {
				return "", err
			}
			next = append(next, children...)
		}
		b.WriteByte('\n')
		level = next
	}
	return b.String(), nil
}

// writeNode writes one node's inline representation to b and returns its
// children, if any.
func writeNode[K cmp.Ordered, V any](b *strings.Builder, store *blobstore.Store, index uint64) ([]uint64, error) {
	kd, err := peekKind(store, index)
	if err != nil {
		return nil, err
	}

	if kd == kindLeaf {
		leafObj, err := blobstore.Get[Leaf](store, index)
		if err != nil {
			return nil, err
		}
		defer leafObj.Close()
		leaf := leafObj.Get()

		b.WriteString(" [")
		for i := uint64(0); i < leaf.N; i++ {
			if i > 0 {
				b.WriteString(" ")
			}
			k, err := loadKey[K](store, leaf.Keys[i])
			if err != nil {
				return nil, err
			}
			v, err := loadValue[V](store, leaf.Values[i])
			if err != nil {
				return nil, err
			}
			fmt.Fprintf(b, "%v:%v", k, v)
		}
		b.WriteString("]")
		return nil, nil
	}

	internalObj, err := blobstore.Get[Internal](store, index)
	if err != nil {
		return nil, err
	}
	defer internalObj.Close()
	internal := internalObj.Get()

	b.WriteString(" (")
	for i := uint64(0); i < internal.N; i++ {
		if i > 0 {
			b.WriteString(" ")
		}
		k, err := loadKey[K](store, internal.Keys[i])
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(b, "%v", k)
	}
	b.WriteString(")")

	children := make([]uint64, internal.N+1)
	copy(children, internal.Children[:internal.N+1])
	return children, nil
}

// rootAtVersion walks the Previous chain starting at the permanent head
// slot until it finds the Head record whose Version matches.
func (t *Tree[K, V]) rootAtVersion(version uint64) (uint64, error) {
	index := uint64(headIndex)
	for {
		headObj, err := blobstore.Get[Head](t.store, index)
		if err != nil {
			return 0, err
		}
		h := *headObj.Get()
		headObj.Close()

		if h.Version == version {
			return h.Root, nil
		}
		if h.Previous == invalidIndex || h.Previous == index {
			return 0, ErrVersionNotFound
		}
		index = h.Previous
	}
}
