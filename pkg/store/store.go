// Package store wires the lower layers (buffer, chunk, allocator,
// blobstore, btree) into the two-file-sequence layout a real deployment
// uses: a metadata chunk sequence and a data chunk sequence per named
// store, plus a small sidecar recording the sizes they were created with.
package store

import (
	"cmp"
	"fmt"
	"path/filepath"

	"shmstore/internal/storefile"
	"shmstore/pkg/blobstore"
	"shmstore/pkg/btree"
	"shmstore/pkg/buffer"
	"shmstore/pkg/chunk"
)

// DefaultDataChunkSize and DefaultMetadataChunkSize are used by Open when
// the store doesn't already exist on disk.
const (
	DefaultDataChunkSize     = 1 << 20
	DefaultMetadataChunkSize = 1 << 16
)

// Config controls the sizes a store is created with. Zero fields fall
// back to the Default* constants. Ignored when reattaching an existing
// store: the sizes recorded in its sidecar file win, see [storefile].
type Config struct {
	DataChunkSize     int
	MetadataChunkSize int
}

func (c Config) withDefaults() Config {
	if c.DataChunkSize == 0 {
		c.DataChunkSize = DefaultDataChunkSize
	}
	if c.MetadataChunkSize == 0 {
		c.MetadataChunkSize = DefaultMetadataChunkSize
	}
	return c
}

// Open creates or reattaches a blobstore.Store rooted at dir, using
// namePrefix to name its two chunk sequences (namePrefix+"_data_i",
// namePrefix+"_metadata_i") and a namePrefix+".json" sidecar for the
// chunk-size parameters it was created with.
func Open(dir, namePrefix string, cfg Config) (*blobstore.Store, error) {
	factory, err := buffer.NewMmapFactory(dir)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return OpenWithFactory(factory, filepath.Join(dir, namePrefix+".json"), namePrefix, cfg)
}

// OpenWithFactory is Open with an injected buffer.Factory, letting tests
// use buffer.HeapFactory without touching the filesystem.
func OpenWithFactory(factory buffer.Factory, sidecarPath, namePrefix string, cfg Config) (*blobstore.Store, error) {
	params, err := storefile.LoadOrSave(sidecarPath, storefile.Params{
		DataChunkSize:     cfg.withDefaults().DataChunkSize,
		MetadataChunkSize: cfg.withDefaults().MetadataChunkSize,
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	dataMgr, err := chunk.Open(factory, namePrefix+"_data", params.DataChunkSize)
	if err != nil {
		return nil, fmt.Errorf("store: opening data chunks: %w", err)
	}

	st, err := blobstore.Open(factory, namePrefix, params.MetadataChunkSize, dataMgr)
	if err != nil {
		return nil, fmt.Errorf("store: opening blobstore: %w", err)
	}

	return st, nil
}

// OpenTree is Open followed by attaching a B+tree of the given key/value
// types, bootstrapping an empty tree if the store is new.
func OpenTree[K cmp.Ordered, V any](dir, namePrefix string, cfg Config) (*btree.Tree[K, V], error) {
	st, err := Open(dir, namePrefix, cfg)
	if err != nil {
		return nil, err
	}
	return btree.Open[K, V](st)
}
