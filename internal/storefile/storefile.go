// Package storefile persists the parameters a store was created with, in a
// small JSON sidecar file alongside the data and metadata chunk files.
//
// chunk.Manager rounds its requested chunk size up to a power of two and
// keeps that value only in memory; nothing in the chunk or buffer files
// themselves records it. Reopening a store with a different requested size
// than it was created with would silently misinterpret every encoded
// index, since chunk boundaries (and therefore offsets) would fall in
// different places. This file is what lets a reopening process recover the
// exact sizes the store was built with instead of requiring the caller to
// remember them.
package storefile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
)

// FileName is a generic sidecar file name. pkg/store does not use it: its
// Open names the sidecar namePrefix+".json" alongside the chunk files.
const FileName = "store.json"

// formatVersion identifies the sidecar schema. Bump it if the fields below
// change in an incompatible way.
const formatVersion = 1

// ErrVersionMismatch is returned by Load when the sidecar file was written
// by an incompatible format version.
var ErrVersionMismatch = errors.New("storefile: version mismatch")

// Params are the parameters a store was created with, recorded once at
// creation time; on every reopen the recorded values replace whatever the
// caller passes.
type Params struct {
	// DataChunkSize is the requested (pre-rounding) base chunk size for the
	// allocator's backing chunk.Manager.
	DataChunkSize int `json:"data_chunk_size"`

	// MetadataChunkSize is the requested base chunk size for the
	// blobstore's metadata chunkedvector.
	MetadataChunkSize int `json:"metadata_chunk_size"`
}

type document struct {
	FormatVersion int    `json:"format_version"`
	Params        Params `json:"params"`
}

// Save writes params to path, atomically replacing any existing file.
func Save(path string, params Params) error {
	doc := document{FormatVersion: formatVersion, Params: params}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("storefile: marshal: %w", err)
	}

	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("storefile: write %s: %w", path, err)
	}

	return nil
}

// Load reads params previously written by Save. Returns ErrVersionMismatch
// if the file was written by an incompatible format version.
func Load(path string) (Params, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-controlled, not user input
	if err != nil {
		return Params{}, fmt.Errorf("storefile: read %s: %w", path, err)
	}

	var doc document

	if err := json.Unmarshal(data, &doc); err != nil {
		return Params{}, fmt.Errorf("storefile: parse %s: %w", path, err)
	}

	if doc.FormatVersion != formatVersion {
		return Params{}, fmt.Errorf("%w: %s has version %d, want %d",
			ErrVersionMismatch, path, doc.FormatVersion, formatVersion)
	}

	return doc.Params, nil
}

// LoadOrSave loads params from path if it exists, otherwise saves want and
// returns it unchanged. Use this on store open: the first creator's
// parameters win and every later opener gets them back in place of its own;
// a differing want is not reported as an error.
func LoadOrSave(path string, want Params) (Params, error) {
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return Params{}, fmt.Errorf("storefile: stat %s: %w", path, err)
	}

	if err := Save(path, want); err != nil {
		return Params{}, err
	}

	return want, nil
}
