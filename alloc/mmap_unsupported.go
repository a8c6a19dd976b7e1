//go:build !linux && !darwin

package alloc

// DefaultChunkSize is the size of each mapping an Mmap allocator adds.
const DefaultChunkSize = 64 * 1024 * 1024

// On unsupported platforms, Mmap falls back to the heap allocator.
type Mmap struct {
	*Heap
}

func NewMmap(path string, blockSize, chunkSize int) (*Mmap, error) {
	h, err := NewHeap(blockSize)
	if err != nil {
		return nil, err
	}
	return &Mmap{Heap: h}, nil
}

func (m *Mmap) Sync() error { return nil }
