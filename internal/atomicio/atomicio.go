// Package atomicio provides atomic load/store/CAS helpers over byte slices
// backed by a memory-mapped region, where the usual sync/atomic pointer
// types aren't available because the underlying storage is []byte rather
// than a Go-allocated word.
//
// All offsets this package is called with must be 8- (or 4-) byte aligned;
// every on-disk record in this module is laid out with natural alignment
// and no padding, so this always holds for mapped files on the platforms
// unix.Mmap supports.
package atomicio

import (
	"sync/atomic"
	"unsafe"
)

func word64(buf []byte) *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&buf[0]))
}

func word32(buf []byte) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&buf[0]))
}

// LoadU64 atomically loads the uint64 at buf[0:8].
func LoadU64(buf []byte) uint64 { return word64(buf).Load() }

// StoreU64 atomically stores v at buf[0:8].
func StoreU64(buf []byte, v uint64) { word64(buf).Store(v) }

// CASU64 atomically compares-and-swaps buf[0:8], reporting success.
func CASU64(buf []byte, old, new uint64) bool { return word64(buf).CompareAndSwap(old, new) }

// AddU64 atomically adds delta to buf[0:8] and returns the new value.
func AddU64(buf []byte, delta uint64) uint64 { return word64(buf).Add(delta) }

// LoadU32 atomically loads the uint32 at buf[0:4].
func LoadU32(buf []byte) uint32 { return word32(buf).Load() }

// StoreU32 atomically stores v at buf[0:4].
func StoreU32(buf []byte, v uint32) { word32(buf).Store(v) }

// CASU32 atomically compares-and-swaps buf[0:4], reporting success.
func CASU32(buf []byte, old, new uint32) bool { return word32(buf).CompareAndSwap(old, new) }

// AddU32 atomically adds delta to buf[0:4] and returns the new value.
func AddU32(buf []byte, delta uint32) uint32 { return word32(buf).Add(delta) }
