// Package chunk implements the growable, chunked memory-mapped address
// space every higher layer in this module is built on: a sequence of
// doubling-size buffers, addressed by a single 64-bit encoded index, that
// can be extended concurrently by any participant without a global lock.
package chunk

import (
	"errors"
	"fmt"
	"sync"

	"shmstore/internal/atomicio"
	"shmstore/pkg/buffer"
)

// ErrOutOfRange is returned by At when the encoded index does not resolve
// to a currently mapped byte.
var ErrOutOfRange = errors.New("chunk: index out of range")

// ErrTooManyChunks is returned by EnsureChunk when growing would require a
// chunk index that doesn't fit in the 7 reserved bits of an encoded index.
var ErrTooManyChunks = errors.New("chunk: too many chunks")

const (
	// chunkIndexShift is the bit position of the 7-bit chunk-index field of
	// an encoded index (bits 56-62); bit 63 is reserved for the allocator's Harris
	// mark and must never be set by encoding.
	chunkIndexShift = 56
	chunkIndexMask  = 0x7F
	offsetMask      = (uint64(1) << chunkIndexShift) - 1

	// maxChunks is the number of chunk indices representable in 7 bits
	// (0-127), i.e. the 128th chunk (0-indexed 127) is the last one
	// EnsureChunk allows.
	maxChunks = 128

	headerWordSize = 8 // chunk 0's leading chunk-count word
)

// Manager maintains an ordered, lazily-created list of chunks and
// translates encoded indices into byte slices.
type Manager struct {
	factory    buffer.Factory
	namePrefix string
	baseSize   int

	mu     sync.RWMutex
	chunks []buffer.Buffer
}

// Open creates or reattaches a Manager. namePrefix identifies the buffer
// sequence (each chunk i is named namePrefix+"_"+i); baseSize is rounded up
// to a power of two and used as chunk 0's payload size.
func Open(factory buffer.Factory, namePrefix string, baseSize int) (*Manager, error) {
	m := &Manager{
		factory:    factory,
		namePrefix: namePrefix,
		baseSize:   nextPow2(baseSize),
	}

	chunk0, err := factory.Create(chunkName(namePrefix, 0), m.baseSize+headerWordSize)
	if err != nil {
		return nil, fmt.Errorf("chunk: creating chunk 0: %w", err)
	}
	m.chunks = []buffer.Buffer{chunk0}

	// Account for chunk 0 in the shared count word (a no-op on reattach).
	if _, _, err := m.EnsureChunk(0); err != nil {
		return nil, err
	}

	if _, err := m.loadChunksIfNecessary(); err != nil {
		return nil, err
	}

	return m, nil
}

func chunkName(prefix string, i int) string {
	return fmt.Sprintf("%s_%d", prefix, i)
}

func nextPow2(x int) int {
	if x <= 1 {
		return 1
	}
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	x |= x >> 32
	return x + 1
}

func (m *Manager) countWord() []byte {
	return m.chunks[0].Data()[:headerWordSize]
}

// decodeNumChunks splits the encoded word into (increments - decrements).
func decodeNumChunks(encoded uint64) uint64 {
	return (encoded >> 32) - (encoded & 0xFFFFFFFF)
}

func incrementNumChunks(encoded, value uint64) uint64 {
	return ((encoded + (value << 32)) & 0xFFFFFFFF00000000) | (encoded & 0xFFFFFFFF)
}

func setNumChunks(encoded, want uint64) uint64 {
	have := decodeNumChunks(encoded)
	if want <= have {
		return encoded
	}
	return incrementNumChunks(encoded, want-have)
}

// NumChunks returns the number of chunks currently accounted for in the
// shared chunk-count word (which may be ahead of len(m.chunks) if another
// participant has claimed a chunk index this Manager hasn't materialized
// yet).
func (m *Manager) NumChunks() int {
	return int(decodeNumChunks(atomicio.LoadU64(m.countWord())))
}

// EnsureChunk guarantees chunk k exists, creating it (and any implied
// predecessor) if necessary. Returns the chunk's data (including, for
// chunk 0, the header offset already applied) and its size. Concurrent
// calls for the same k are idempotent.
func (m *Manager) EnsureChunk(k int) (data []byte, size int, err error) {
	if k >= maxChunks {
		return nil, 0, fmt.Errorf("%w: chunk %d", ErrTooManyChunks, k)
	}

	for {
		encoded := atomicio.LoadU64(m.countWord())
		numChunks := decodeNumChunks(encoded)

		if uint64(k) < numChunks {
			m.mu.RLock()
			if k < len(m.chunks) {
				d := m.chunks[k].Data()
				if k == 0 {
					d = d[headerWordSize:]
				}
				m.mu.RUnlock()
				return d, len(d), nil
			}
			m.mu.RUnlock()
			continue
		}

		want := setNumChunks(encoded, uint64(k+1))
		if atomicio.CASU64(m.countWord(), encoded, want) {
			if _, err := m.loadChunksIfNecessary(); err != nil {
				return nil, 0, err
			}

			m.mu.RLock()
			if k < len(m.chunks) {
				d := m.chunks[k].Data()
				if k == 0 {
					d = d[headerWordSize:]
				}
				m.mu.RUnlock()
				return d, len(d), nil
			}
			m.mu.RUnlock()
		}
		// Lost the CAS race, or our own materialization hasn't landed yet;
		// loop and try again.
	}
}

// loadChunksIfNecessary materializes any chunk buffers implied by the
// current chunk-count word that this Manager hasn't created locally yet.
func (m *Manager) loadChunksIfNecessary() (int, error) {
	numChunks := int(decodeNumChunks(atomicio.LoadU64(m.countWord())))

	m.mu.Lock()
	defer m.mu.Unlock()

	added := 0
	for len(m.chunks) < numChunks {
		i := len(m.chunks)
		b, err := m.factory.Create(chunkName(m.namePrefix, i), m.baseSize<<i)
		if err != nil {
			return added, fmt.Errorf("chunk: creating chunk %d: %w", i, err)
		}
		m.chunks = append(m.chunks, b)
		added++
	}
	return added, nil
}

// At resolves an encoded index to its backing byte slice, starting at that
// offset and extending to the end of the chunk. Returns ErrOutOfRange if
// the chunk or offset isn't currently mapped.
func (m *Manager) At(index uint64) ([]byte, error) {
	return m.AtChunkOffset(ChunkOf(index), OffsetOf(index))
}

// AtChunkOffset is At split into its (chunk, offset) components.
func (m *Manager) AtChunkOffset(chunkIdx int, offset uint64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if chunkIdx >= len(m.chunks) {
		return nil, ErrOutOfRange
	}

	data := m.chunks[chunkIdx].Data()
	if chunkIdx == 0 {
		offset += headerWordSize
	}
	if offset >= uint64(len(data)) {
		return nil, ErrOutOfRange
	}
	return data[offset:], nil
}

// Capacity returns the sum of the sizes of all chunks currently accounted
// for in the chunk-count word (which may exceed len(m.chunks) transiently).
func (m *Manager) Capacity() int {
	numChunks := int(decodeNumChunks(atomicio.LoadU64(m.countWord())))
	total, size := 0, m.baseSize
	for i := 0; i < numChunks; i++ {
		total += size
		size *= 2
	}
	return total
}

// Encode packs a chunk index and an in-chunk offset into a single 64-bit
// index. The top bit is always 0.
func Encode(chunkIdx int, offset uint64) uint64 {
	return (uint64(chunkIdx&chunkIndexMask) << chunkIndexShift) | (offset & offsetMask)
}

// ChunkOf extracts the chunk index from an encoded index, masking off the
// allocator's reserved top bit first.
func ChunkOf(index uint64) int {
	return int((index &^ (uint64(1) << 63)) >> chunkIndexShift)
}

// OffsetOf extracts the in-chunk offset from an encoded index.
func OffsetOf(index uint64) uint64 {
	return index & offsetMask
}
