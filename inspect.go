package bztree

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Dump writes every reachable node, depth first, as seen under one epoch
// guard. Verbose output includes each slot with its state. Dump takes no
// part in the concurrency protocol; concurrent writers make the output a
// mixture of before and after.
func (t *Tree) Dump(w io.Writer, verbose bool) {
	g := t.epochs.Enter()
	defer g.Release()

	fmt.Fprintf(w, "bztree %s epoch=%d nodes=%d\n", t.id, g.Epoch(), t.nodes.Len())
	t.dumpNode(w, t.load(t.rootRef()), g.Epoch(), verbose, 1)
}

func (t *Tree) dumpNode(w io.Writer, n *node, epoch uint64, verbose bool, depth int) {
	n.dump(w, epoch, verbose, strings.Repeat("  ", depth))
	if n.leaf {
		return
	}
	for i := range n.children {
		t.dumpNode(w, t.load(n.child(i)), epoch, verbose, depth+1)
	}
}

// ForEach calls fn for every record in key order until fn returns false. The
// key slice is only valid during the call. Records changed concurrently may
// or may not be seen.
func (t *Tree) ForEach(fn func(key []byte, payload uint64) bool) {
	g := t.epochs.Enter()
	defer g.Release()

	t.forEach(t.load(t.rootRef()), fn)
}

func (t *Tree) forEach(n *node, fn func([]byte, uint64) bool) bool {
	if n.leaf {
		for _, r := range n.visibleRecords() {
			if !fn(r.key, r.payload) {
				return false
			}
		}
		return true
	}
	for i := range n.children {
		if !t.forEach(t.load(n.child(i)), fn) {
			return false
		}
	}
	return true
}

// Verify checks structural invariants of a quiescent tree: key order and
// separator bounds, uniform leaf depth, unique visible keys, and status word
// accounting. Violations are reported wrapped around ErrCorrupt.
func (t *Tree) Verify() error {
	g := t.epochs.Enter()
	defer g.Release()

	leafDepth := -1
	return t.verifyNode(t.load(t.rootRef()), nil, nil, 0, &leafDepth)
}

// verifyNode checks n, whose keys must fall in [lo, hi); nil bounds are open.
func (t *Tree) verifyNode(n *node, lo, hi []byte, depth int, leafDepth *int) error {
	inRange := func(k []byte) bool {
		return (lo == nil || bytes.Compare(k, lo) >= 0) && (hi == nil || bytes.Compare(k, hi) < 0)
	}

	if !n.leaf {
		if len(n.children) != n.numKeys()+1 {
			return errors.Wrapf(ErrCorrupt, "internal node %d: %d keys, %d children",
				n.ref.Index(), n.numKeys(), len(n.children))
		}
		keys := n.keys()
		for i, k := range keys {
			if !inRange(k) {
				return errors.Wrapf(ErrCorrupt, "internal node %d: separator %q outside bounds", n.ref.Index(), k)
			}
			if i > 0 && bytes.Compare(keys[i-1], k) >= 0 {
				return errors.Wrapf(ErrCorrupt, "internal node %d: separators out of order at %d", n.ref.Index(), i)
			}
		}
		for i := range n.children {
			c := t.nodes.Get(n.child(i))
			if c == nil {
				return errors.Wrapf(ErrCorrupt, "internal node %d: child %d unresolvable", n.ref.Index(), i)
			}
			clo, chi := lo, hi
			if i > 0 {
				clo = keys[i-1]
			}
			if i < len(keys) {
				chi = keys[i]
			}
			if err := t.verifyNode(c, clo, chi, depth+1, leafDepth); err != nil {
				return err
			}
		}
		return nil
	}

	if *leafDepth < 0 {
		*leafDepth = depth
	} else if *leafDepth != depth {
		return errors.Wrapf(ErrCorrupt, "leaf %d at depth %d, expected %d", n.ref.Index(), depth, *leafDepth)
	}

	s := n.loadStatus()
	if s.recordCount() > len(n.meta) {
		return errors.Wrapf(ErrCorrupt, "leaf %d: %d records, %d slots", n.ref.Index(), s.recordCount(), len(n.meta))
	}
	block, deleted, deletedBytes := n.sortedBytes, 0, 0
	for i := 0; i < s.recordCount(); i++ {
		m := n.loadMeta(i)
		// A frozen leaf may keep appends abandoned when it froze.
		if m.reserved() && !s.frozen() {
			return errors.Wrapf(ErrCorrupt, "leaf %d: slot %d still reserved", n.ref.Index(), i)
		}
		if i >= n.sorted {
			block += m.total()
		}
		if m.deleted() {
			deleted++
			deletedBytes += m.total()
		}
	}
	if block != s.blockSize() || deleted != s.deletedCount() || deletedBytes != s.deleteSize() {
		return errors.Wrapf(ErrCorrupt, "leaf %d: slots disagree with status %s", n.ref.Index(), s)
	}

	recs := n.visibleRecords()
	for i, r := range recs {
		if !inRange(r.key) {
			return errors.Wrapf(ErrCorrupt, "leaf %d: key %q outside bounds", n.ref.Index(), r.key)
		}
		if i > 0 && bytes.Equal(recs[i-1].key, r.key) {
			return errors.Wrapf(ErrCorrupt, "leaf %d: duplicate visible key %q", n.ref.Index(), r.key)
		}
	}
	return nil
}
