package bztree

import (
	"bztree/internal/arena"
)

// Structural modifications. A node is never changed in place once frozen:
// it is replaced by one or two fresh nodes and the replacement is installed
// with a single MwCAS on the parent (or the root word). Every goroutine that
// meets a frozen node runs the same replacement, so a stalled owner never
// blocks anyone. Exactly one installation wins; losers discard what they
// built and retry from the root.

// leafNeedsSplit reports whether a consolidated leaf holding recs would be
// too full to keep accepting inserts.
func (t *Tree) leafNeedsSplit(recs []record) bool {
	live := leafLiveSize(recs)
	if live > t.opts.splitThreshold || t.opts.leafNodeSize-live < (t.opts.leafNodeSize-headerSize)/4 {
		return true
	}
	return len(recs) > leafSlots(t.opts.leafNodeSize)*3/4
}

// separatorCost is the space one more separator of keyLen bytes takes in an
// internal node.
func separatorCost(keyLen int) int {
	return metaSize + childSize + pad8(keyLen)
}

// internalFits reports whether an internal node with keys can take sep.
func (t *Tree) internalFits(keys [][]byte, sep []byte) bool {
	return internalSize(keys)+separatorCost(len(sep)) <= t.opts.internalNodeSize && len(keys) < maxSlots
}

// internalNeedsSplit reports whether an internal node with keys could fail to
// take a separator of maximum length.
func (t *Tree) internalNeedsSplit(keys [][]byte) bool {
	return internalSize(keys)+separatorCost(t.maxKey) > t.opts.internalNodeSize || len(keys) >= maxSlots-1
}

// replace rebuilds the frozen node at level of st and tries to install the
// result. It reports whether this goroutine's installation won.
func (t *Tree) replace(st *stack, level int) bool {
	n := st.at(level).node
	if !n.loadStatus().frozen() {
		return false
	}

	if n.leaf {
		recs := n.visibleRecords()
		if t.leafNeedsSplit(recs) {
			mid := len(recs) / 2
			right := t.newLeaf(recs[mid:])
			left := t.newLeaf(recs[:mid])
			return t.installSplit(st, level, left, right, right.keyAt(0))
		}
		if t.installReplacement(st, level, t.newLeaf(recs)) {
			t.consolidations.Add(1)
			return true
		}
		return false
	}

	keys, children := n.keys(), n.childRefs()
	if t.internalNeedsSplit(keys) {
		lk, lc, sep, rk, rc := splitSeparators(keys, children)
		return t.installSplit(st, level, t.newInternal(lk, lc), t.newInternal(rk, rc), sep)
	}
	return t.installReplacement(st, level, t.newInternal(keys, children))
}

// installReplacement swaps the node at level for repl in one step. The parent
// must not be frozen, which the MwCAS checks by naming its status word. On
// failure repl is discarded and a frozen parent is helped along.
func (t *Tree) installReplacement(st *stack, level int, repl *node) bool {
	old := st.at(level).node
	d := t.pool.Begin()
	if level == 0 {
		d.AddTarget(&t.root, uint64(old.ref), uint64(repl.ref))
	} else {
		parent := st.at(level - 1).node
		ps := parent.loadStatus()
		if ps.frozen() {
			t.discard(repl)
			t.replace(st, level-1)
			return false
		}
		d.AddTarget(&parent.status, uint64(ps), uint64(ps))
		d.AddTarget(&parent.children[st.at(level).slot], uint64(old.ref), uint64(repl.ref))
	}

	if !d.Execute() {
		t.discard(repl)
		return false
	}
	t.retire(old)
	return true
}

// installSplit links left and right, separated by sep, in place of the node at
// level. The parent is frozen and rebuilt with the extra separator; the
// rebuilt parent is installed one level further up. A parent without room is
// split first and the caller retries.
func (t *Tree) installSplit(st *stack, level int, left, right *node, sep []byte) bool {
	old := st.at(level).node

	if level == 0 {
		root := t.newInternal([][]byte{sep}, []arena.Ref{left.ref, right.ref})
		d := t.pool.Begin()
		d.AddTarget(&t.root, uint64(old.ref), uint64(root.ref))
		if !d.Execute() {
			t.discard(root, left, right)
			return false
		}
		t.retire(old)
		t.splits.Add(1)
		t.logger.Info("root split", "tree", t.id, "leaf", old.leaf)
		return true
	}

	parent := st.at(level - 1).node
	slot := st.at(level).slot
	ps := parent.loadStatus()
	if ps.frozen() {
		t.discard(left, right)
		t.replace(st, level-1)
		return false
	}
	if !t.internalFits(parent.keys(), sep) {
		t.discard(left, right)
		if parent.freeze(t.pool, ps) {
			t.replace(st, level-1)
		}
		return false
	}
	if !parent.freeze(t.pool, ps) {
		t.discard(left, right)
		return false
	}

	// The parent is frozen by us; its children are final.
	keys, children := parent.keys(), parent.childRefs()
	if children[slot] != old.ref {
		t.discard(left, right)
		t.replace(st, level-1)
		return false
	}
	k, c := withSplitChild(keys, children, slot, sep, left.ref, right.ref)
	if !t.installReplacement(st, level-1, t.newInternal(k, c)) {
		t.discard(left, right)
		return false
	}
	t.retire(old)
	t.splits.Add(1)
	return true
}

// afterDelete restructures the leaf at the top of st once deletes have left
// it wasteful: consolidation when enough bytes are dead, a merge with a
// sibling when little is live.
func (t *Tree) afterDelete(st *stack) {
	leaf := st.top().node
	s := leaf.loadStatus()
	if s.frozen() {
		return
	}
	if s.deleteSize() >= t.opts.consolidateThreshold {
		if leaf.freeze(t.pool, s) {
			t.replace(st, st.depth()-1)
		}
		return
	}
	if t.opts.mergeThreshold > 0 && st.depth() > 1 && leaf.liveSize(s) < t.opts.mergeThreshold {
		t.merge(st)
	}
}

// merge folds the leaf at the top of st into an adjacent sibling under the
// same parent. Both leaves are frozen in one step; if the merge then cannot
// go ahead they are consolidated separately instead. A parent below the root
// keeps at least two children; a root left with one child collapses into the
// merged leaf.
func (t *Tree) merge(st *stack) bool {
	level := st.depth() - 1
	leaf, slot := st.top().node, st.top().slot
	parent := st.at(level - 1).node
	ps := parent.loadStatus()
	if ps.frozen() {
		return false
	}
	children := parent.childRefs()
	if len(children) < 2 || (len(children) == 2 && level-1 != 0) {
		return false
	}

	sibSlot := slot - 1
	if slot == 0 {
		sibSlot = 1
	}
	sib := t.nodes.Get(children[sibSlot])
	if sib == nil || !sib.leaf {
		return false
	}
	ls, ss := leaf.loadStatus(), sib.loadStatus()
	if ls.frozen() || ss.frozen() {
		return false
	}
	if leaf.liveSize(ls)+sib.liveSize(ss)-headerSize > t.opts.splitThreshold {
		return false
	}

	d := t.pool.Begin()
	d.AddTarget(&leaf.status, uint64(ls), uint64(ls.freeze()))
	d.AddTarget(&sib.status, uint64(ss), uint64(ss.freeze()))
	if !d.Execute() {
		return false
	}

	sibStack := st.withTop(frame{node: sib, slot: sibSlot})
	lo, hi, a := leaf, sib, slot
	if sibSlot < slot {
		lo, hi, a = sib, leaf, sibSlot
	}
	recs := append(lo.visibleRecords(), hi.visibleRecords()...)
	if t.leafNeedsSplit(recs) || !parent.freeze(t.pool, ps) {
		t.replace(st, level)
		t.replace(sibStack, level)
		return false
	}

	keys, children := parent.keys(), parent.childRefs()
	if children[slot] != leaf.ref || children[sibSlot] != sib.ref {
		t.replace(st, level-1)
		return false
	}

	merged := t.newLeaf(recs)
	repl := merged
	if len(children) > 2 {
		k, c := withMergedChildren(keys, children, a, merged.ref)
		repl = t.newInternal(k, c)
	}
	if !t.installReplacement(st, level-1, repl) {
		if repl != merged {
			t.discard(merged)
		}
		return false
	}

	t.retire(leaf)
	t.retire(sib)
	t.merges.Add(1)
	if repl == merged {
		t.logger.Info("root collapsed", "tree", t.id)
	}
	return true
}
