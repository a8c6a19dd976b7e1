// Package pmwcas implements a lock-free multi-word compare-and-swap over 64-bit
// words.
//
// Each Word holds a pointer to an immutable cell. A cell either carries a plain
// value, marks the word as claimed by an in-flight Descriptor, or is a pending
// claim that turns into a mark only while its descriptor is still undecided.
// Cells and descriptors are ordinary garbage-collected objects that are never
// reused, so a pointer comparison on a cell can never suffer ABA, and a thread
// that finds a stale descriptor reference can always read its final outcome.
package pmwcas

import (
	"sync/atomic"
)

// Word is a 64-bit value that can take part in a Descriptor. The zero value
// reads as 0.
type Word struct {
	p atomic.Pointer[cell]
}

type cell struct {
	val  uint64
	desc *Descriptor // non-nil while the word is claimed by desc
	idx  int         // target index inside desc

	// A pending claim stands for prev until settled.
	pending bool
	prev    *cell
}

// Load returns the logical value of the word, helping any undecided descriptor
// found in it.
func (w *Word) Load() uint64 {
	for {
		c := w.p.Load()
		switch {
		case c == nil:
			return 0
		case c.desc == nil:
			return c.val
		case c.pending:
			c.desc.settle(w, c)
			continue
		}
		if c.desc.status.Load() == undecided {
			c.desc.help()
		}
		return c.desc.resolve(c.idx)
	}
}

// Store sets the word unconditionally. Only use it before the word is visible
// to other goroutines.
func (w *Word) Store(v uint64) {
	w.p.Store(&cell{val: v})
}

// CompareAndSwap is a single-word shorthand that still cooperates with
// descriptors already installed in w.
func (w *Word) CompareAndSwap(old, new uint64) bool {
	for {
		c := w.p.Load()
		var cur uint64
		switch {
		case c == nil:
		case c.desc == nil:
			cur = c.val
		case c.pending:
			c.desc.settle(w, c)
			continue
		default:
			if c.desc.status.Load() == undecided {
				c.desc.help()
				continue
			}
			cur = c.desc.resolve(c.idx)
		}
		if cur != old {
			return false
		}
		if w.p.CompareAndSwap(c, &cell{val: new}) {
			return true
		}
	}
}
