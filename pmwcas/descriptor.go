package pmwcas

import (
	"fmt"
	"slices"
	"sync/atomic"
	"unsafe"
)

const (
	undecided uint32 = iota
	succeeded
	failed
)

type target struct {
	word *Word
	old  uint64
	new  uint64
	mark *cell // installed in word while the descriptor is undecided
}

// Descriptor collects the targets of one multi-word update. A descriptor is
// single use: build it with AddTarget, then call Execute once.
type Descriptor struct {
	pool     *Pool
	status   atomic.Uint32
	targets  []target
	executed bool
}

// AddTarget declares that word must hold old for the update to succeed, and
// will hold new afterwards. Adding the same word twice, or more words than the
// pool allows, panics.
func (d *Descriptor) AddTarget(word *Word, old, new uint64) {
	if d.executed {
		panic("pmwcas: AddTarget after Execute")
	}
	if len(d.targets) >= d.pool.maxTargets {
		panic(fmt.Sprintf("pmwcas: descriptor exceeds %d targets", d.pool.maxTargets))
	}
	for i := range d.targets {
		if d.targets[i].word == word {
			panic("pmwcas: word added twice to one descriptor")
		}
	}
	d.targets = append(d.targets, target{word: word, old: old, new: new})
}

// Execute installs every target atomically, or none. It reports false when at
// least one word no longer held its expected value.
func (d *Descriptor) Execute() bool {
	if d.executed {
		panic("pmwcas: descriptor executed twice")
	}
	d.executed = true
	if len(d.targets) == 0 {
		return true
	}

	// Claim words in address order so that two descriptors helping each other
	// can never wait in a cycle.
	slices.SortFunc(d.targets, func(a, b target) int {
		pa, pb := uintptr(unsafe.Pointer(a.word)), uintptr(unsafe.Pointer(b.word))
		switch {
		case pa < pb:
			return -1
		case pa > pb:
			return 1
		}
		return 0
	})
	for i := range d.targets {
		d.targets[i].mark = &cell{desc: d, idx: i}
	}

	d.help()

	ok := d.status.Load() == succeeded
	d.pool.record(ok)
	return ok
}

// help drives d to completion. Any goroutine that meets d inside a word may
// call it.
func (d *Descriptor) help() {
	if d.status.Load() == undecided {
		outcome := succeeded
	install:
		for i := range d.targets {
			t := &d.targets[i]
			for {
				if d.status.Load() != undecided {
					break install
				}
				c := t.word.p.Load()
				if c == t.mark {
					break
				}
				var cur uint64
				switch {
				case c == nil:
				case c.desc == nil:
					cur = c.val
				case c.pending:
					c.desc.settle(t.word, c)
					continue
				default:
					if c.desc.status.Load() == undecided {
						d.pool.helped.Add(1)
						c.desc.help()
						continue
					}
					cur = c.desc.resolve(c.idx)
				}
				if cur != t.old {
					outcome = failed
					break install
				}
				d.claim(i, c)
			}
		}
		d.status.CompareAndSwap(undecided, outcome)
	}

	// Replace our marks with plain values. Words we never claimed, or that a
	// faster helper already released, are left alone.
	ok := d.status.Load() == succeeded
	for i := range d.targets {
		t := &d.targets[i]
		v := t.old
		if ok {
			v = t.new
		}
		if t.word.p.Load() == t.mark {
			t.word.p.CompareAndSwap(t.mark, &cell{val: v})
		}
	}
}

// claim replaces c, which held target i's expected value, with a pending
// claim and settles it. A helper may reach this long after it last saw d
// undecided; the pending claim keeps such a late helper from marking a word
// on behalf of a decided descriptor.
func (d *Descriptor) claim(i int, c *cell) {
	t := &d.targets[i]
	p := &cell{desc: d, idx: i, pending: true, prev: c}
	if t.word.p.CompareAndSwap(c, p) {
		d.settle(t.word, p)
	}
}

// settle turns the pending claim p in w into d's mark while d is undecided,
// and back into the cell it replaced otherwise.
func (d *Descriptor) settle(w *Word, p *cell) {
	next := p.prev
	if d.status.Load() == undecided {
		next = d.targets[p.idx].mark
	}
	w.p.CompareAndSwap(p, next)
}

// resolve returns the logical value of target i once d is decided.
func (d *Descriptor) resolve(i int) uint64 {
	if d.status.Load() == succeeded {
		return d.targets[i].new
	}
	return d.targets[i].old
}
