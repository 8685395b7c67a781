package buffer

// HeapFactory creates in-process, non-persistent buffers. Used by tests that
// exercise the chunk/allocator/blobstore/btree engines without touching the
// filesystem.
type HeapFactory struct {
	buffers map[string]*heapBuffer
}

// NewHeapFactory returns a Factory backed by plain Go byte slices.
func NewHeapFactory() *HeapFactory {
	return &HeapFactory{buffers: make(map[string]*heapBuffer)}
}

// Create implements [Factory]. Calling Create again with a name already in
// use grows (never shrinks) the existing buffer, mirroring MmapFactory's
// reattach behavior.
func (f *HeapFactory) Create(name string, minSize int) (Buffer, error) {
	if b, ok := f.buffers[name]; ok {
		if err := b.Resize(minSize); err != nil {
			return nil, err
		}
		return b, nil
	}

	b := &heapBuffer{name: name, data: make([]byte, minSize)}
	f.buffers[name] = b
	return b, nil
}

type heapBuffer struct {
	name string
	data []byte
}

func (b *heapBuffer) Name() string { return b.name }
func (b *heapBuffer) Size() int    { return len(b.data) }
func (b *heapBuffer) Data() []byte { return b.data }

func (b *heapBuffer) Resize(newSize int) error {
	if newSize <= len(b.data) {
		return nil
	}
	grown := make([]byte, newSize)
	copy(grown, b.data)
	b.data = grown
	return nil
}

func (b *heapBuffer) Close() error { return nil }
