package storefile_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"shmstore/internal/storefile"
)

func TestSaveLoad_Roundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), storefile.FileName)

	want := storefile.Params{DataChunkSize: 4096, MetadataChunkSize: 1024}

	if err := storefile.Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := storefile.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got != want {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}
}

func TestSave_OverwritesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), storefile.FileName)

	if err := storefile.Save(path, storefile.Params{DataChunkSize: 1, MetadataChunkSize: 1}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	want := storefile.Params{DataChunkSize: 8192, MetadataChunkSize: 2048}
	if err := storefile.Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := storefile.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got != want {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), storefile.FileName)

	if _, err := storefile.Load(path); err == nil {
		t.Fatal("Load() on missing file: want error, got nil")
	}
}

func TestLoad_VersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), storefile.FileName)

	if err := storefile.Save(path, storefile.Params{DataChunkSize: 1, MetadataChunkSize: 1}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Simulate a file written by a future, incompatible format version.
	corrupted := `{"format_version": 99, "params": {"data_chunk_size": 1, "metadata_chunk_size": 1}}`
	if err := os.WriteFile(path, []byte(corrupted), 0o600); err != nil {
		t.Fatalf("os.WriteFile: %v", err)
	}

	_, err := storefile.Load(path)
	if !errors.Is(err, storefile.ErrVersionMismatch) {
		t.Errorf("Load() error = %v, want ErrVersionMismatch", err)
	}
}

func TestLoadOrSave_FirstCallerWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), storefile.FileName)

	first := storefile.Params{DataChunkSize: 4096, MetadataChunkSize: 1024}
	got, err := storefile.LoadOrSave(path, first)
	if err != nil {
		t.Fatalf("LoadOrSave (create): %v", err)
	}
	if got != first {
		t.Errorf("LoadOrSave() = %+v, want %+v", got, first)
	}

	second := storefile.Params{DataChunkSize: 99999, MetadataChunkSize: 99999}
	got, err = storefile.LoadOrSave(path, second)
	if err != nil {
		t.Fatalf("LoadOrSave (reopen): %v", err)
	}
	if got != first {
		t.Errorf("LoadOrSave() on reopen = %+v, want original %+v", got, first)
	}
}
