// Package alloc provides fixed-size block allocators for node memory.
package alloc

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

var (
	ErrInvalidBlockSize = errors.New("alloc: invalid block size")
	ErrClosed           = errors.New("alloc: allocator closed")
)

// Allocator hands out blocks of BlockSize bytes. Contents of a returned block
// are unspecified.
type Allocator interface {
	Alloc() ([]byte, error)
	Free(block []byte)
	BlockSize() int
	Stats() Stats
	Close() error
}

// Stats reports allocator usage.
type Stats struct {
	InUse  int64 // blocks handed out and not yet freed
	Mapped int64 // bytes reserved from the OS (mmap allocators only)
}

// Heap recycles blocks through a sync.Pool.
type Heap struct {
	blockSize int
	pool      sync.Pool
	inUse     atomic.Int64
}

// NewHeap creates a heap allocator for blocks of blockSize bytes.
func NewHeap(blockSize int) (*Heap, error) {
	if blockSize <= 0 {
		return nil, ErrInvalidBlockSize
	}
	h := &Heap{blockSize: blockSize}
	h.pool.New = func() any {
		b := make([]byte, blockSize)
		return &b
	}
	return h, nil
}

func (h *Heap) Alloc() ([]byte, error) {
	h.inUse.Add(1)
	return *h.pool.Get().(*[]byte), nil
}

func (h *Heap) Free(block []byte) {
	if cap(block) < h.blockSize {
		return
	}
	block = block[:h.blockSize]
	h.inUse.Add(-1)
	h.pool.Put(&block)
}

func (h *Heap) BlockSize() int { return h.blockSize }

func (h *Heap) Stats() Stats {
	return Stats{InUse: h.inUse.Load()}
}

func (h *Heap) Close() error { return nil }
