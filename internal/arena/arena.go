// Package arena maps generation-tagged indices to objects.
//
// A Ref packs a slot index with the slot's generation at allocation time.
// Freeing a slot bumps its generation, so a stale Ref resolves to nil instead
// of to whatever object reuses the slot.
package arena

import (
	"sync"
	"sync/atomic"
)

const (
	chunkBits = 12
	chunkSize = 1 << chunkBits
	chunkMask = chunkSize - 1
	// MaxChunks limits the arena to MaxChunks*4096 live slots.
	MaxChunks = 1 << 16
)

// Ref identifies an arena slot at a specific generation. The zero Ref is nil.
type Ref uint64

// Nil is the zero reference.
const Nil Ref = 0

func makeRef(gen, index uint32) Ref {
	return Ref(uint64(gen)<<32 | uint64(index))
}

// Index returns the slot index.
func (r Ref) Index() uint32 { return uint32(r) }

// Gen returns the generation the reference was issued at.
func (r Ref) Gen() uint32 { return uint32(r >> 32) }

type slot[T any] struct {
	gen  atomic.Uint32
	val  atomic.Pointer[T]
	next atomic.Uint32 // free list link
}

type chunk[T any] [chunkSize]slot[T]

// Arena is safe for concurrent use.
type Arena[T any] struct {
	chunks [MaxChunks]atomic.Pointer[chunk[T]]
	mu     sync.Mutex // serialises chunk creation only

	next atomic.Uint32 // next never-used index; index 0 is reserved
	free atomic.Uint64 // free list head: tag<<32 | index
	live atomic.Int64
}

// New creates an empty arena.
func New[T any]() *Arena[T] {
	a := &Arena[T]{}
	a.next.Store(1)
	return a
}

func (a *Arena[T]) slot(index uint32) *slot[T] {
	ci := index >> chunkBits
	c := a.chunks[ci].Load()
	if c == nil {
		a.mu.Lock()
		if c = a.chunks[ci].Load(); c == nil {
			c = new(chunk[T])
			a.chunks[ci].Store(c)
		}
		a.mu.Unlock()
	}
	return &c[index&chunkMask]
}

func (a *Arena[T]) pop() uint32 {
	for {
		head := a.free.Load()
		index := uint32(head)
		if index == 0 {
			return 0
		}
		next := a.slot(index).next.Load()
		tag := head>>32 + 1
		if a.free.CompareAndSwap(head, tag<<32|uint64(next)) {
			return index
		}
	}
}

func (a *Arena[T]) push(index uint32) {
	s := a.slot(index)
	for {
		head := a.free.Load()
		s.next.Store(uint32(head))
		tag := head>>32 + 1
		if a.free.CompareAndSwap(head, tag<<32|uint64(index)) {
			return
		}
	}
}

// Alloc stores v in a free slot and returns its reference.
func (a *Arena[T]) Alloc(v *T) Ref {
	index := a.pop()
	if index == 0 {
		index = a.next.Add(1) - 1
		if index>>chunkBits >= MaxChunks {
			panic("arena: out of slots")
		}
	}
	s := a.slot(index)
	s.val.Store(v)
	a.live.Add(1)
	return makeRef(s.gen.Load(), index)
}

// Get resolves r, returning nil if the slot was freed since r was issued.
func (a *Arena[T]) Get(r Ref) *T {
	index := r.Index()
	if index == 0 || index >= a.next.Load() {
		return nil
	}
	c := a.chunks[index>>chunkBits].Load()
	if c == nil {
		return nil
	}
	s := &c[index&chunkMask]
	if s.gen.Load() != r.Gen() {
		return nil
	}
	v := s.val.Load()
	if s.gen.Load() != r.Gen() {
		return nil
	}
	return v
}

// Free releases r's slot. It reports false if r was already stale.
func (a *Arena[T]) Free(r Ref) bool {
	index := r.Index()
	if index == 0 || index >= a.next.Load() {
		return false
	}
	s := a.slot(index)
	if !s.gen.CompareAndSwap(r.Gen(), r.Gen()+1) {
		return false
	}
	s.val.Store(nil)
	a.live.Add(-1)
	a.push(index)
	return true
}

// Len returns the number of live slots.
func (a *Arena[T]) Len() int {
	return int(a.live.Load())
}
