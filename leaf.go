package bztree

import (
	"bytes"
	"encoding/binary"
	"runtime"
	"slices"
	"sort"

	"bztree/pmwcas"
)

// writeRecord copies key and payload into the space m describes. The slot
// must be reserved by the caller and not yet visible.
func (n *node) writeRecord(m recordMeta, key []byte, payload uint64) {
	off := m.offset()
	copy(n.data[off:], key)
	clear(n.data[off+len(key) : off+pad8(len(key))])
	binary.LittleEndian.PutUint64(n.data[off+pad8(len(key)):], payload)
}

// freeSpace is the room left between the sorted region and the appended
// records once the metadata of every slot is accounted for.
func (n *node) freeSpace(s status) int {
	return n.size - headerSize - s.recordCount()*metaSize - s.blockSize()
}

// liveSize estimates the bytes a consolidated copy of the leaf would need.
func (n *node) liveSize(s status) int {
	live := s.recordCount() - s.deletedCount()
	return headerSize + live*metaSize + s.blockSize() - s.deleteSize()
}

func leafLiveSize(recs []record) int {
	size := headerSize
	for _, r := range recs {
		size += metaSize + leafRecordSize(len(r.key))
	}
	return size
}

// find returns the newest visible slot below limit that holds key, or -1.
func (n *node) find(key []byte, limit int) (int, recordMeta) {
	for i := limit - 1; i >= n.sorted; i-- {
		m := n.loadMeta(i)
		if m.visible() && bytes.Equal(n.key(m), key) {
			return i, m
		}
	}

	lim := min(limit, n.sorted)
	i := sort.Search(lim, func(j int) bool {
		return bytes.Compare(n.key(n.loadMeta(j)), key) >= 0
	})
	if i < lim {
		if m := n.loadMeta(i); m.visible() && bytes.Equal(n.key(m), key) {
			return i, m
		}
	}
	return -1, 0
}

// lookup finds the visible slot for key as of one status snapshot. The scan
// reads one slot at a time, so an upsert landing mid-scan can hide both its
// old and its new record. Every delete and every upsert flip changes the
// status word, which never repeats a value: a miss only counts when the word
// held still across the scan.
func (n *node) lookup(key []byte) (status, int, recordMeta) {
	return n.lookupFrom(key, n.loadStatus())
}

// lookupFrom is lookup starting from a status snapshot s taken earlier.
func (n *node) lookupFrom(key []byte, s status) (status, int, recordMeta) {
	for {
		i, m := n.find(key, s.recordCount())
		if i >= 0 {
			return s, i, m
		}
		again := n.loadStatus()
		if again == s {
			return s, -1, 0
		}
		s = again
	}
}

// read looks key up. Frozen leaves are still readable.
func (n *node) read(key []byte) (uint64, bool) {
	_, i, m := n.lookup(key)
	if i < 0 {
		return 0, false
	}
	return n.payload(m), true
}

// reserve claims the next slot and space for a record with keyLen key bytes.
// The slot is invisible until publish.
func (n *node) reserve(pool *pmwcas.Pool, keyLen int) (int, recordMeta, error) {
	total := leafRecordSize(keyLen)
	for {
		s := n.loadStatus()
		if s.frozen() {
			return 0, 0, errFrozen
		}
		slot := s.recordCount()
		if slot >= len(n.meta) || n.freeSpace(s) < metaSize+total {
			return 0, 0, errOutOfSpace
		}

		next := s.withRecord(total)
		offset := len(n.data) - (next.blockSize() - n.sortedBytes)
		m := makeMeta(metaReserved, offset, keyLen, total)

		d := pool.Begin()
		d.AddTarget(&n.status, uint64(s), uint64(next))
		d.AddTarget(&n.meta[slot], 0, uint64(m))
		if d.Execute() {
			return slot, m, nil
		}
	}
}

// inFlightBelow reports whether an appended slot older than slot is still
// reserved.
func (n *node) inFlightBelow(slot int) bool {
	for i := slot - 1; i >= n.sorted; i-- {
		if n.loadMeta(i).reserved() {
			return true
		}
	}
	return false
}

// publish makes the reserved slot visible. Slots reserved earlier are
// resolved first, so the uniqueness check below sees every record that could
// become visible ahead of this one. An insert that finds key already visible
// backs its slot out as deleted; an upsert deletes the older record in the
// same step that makes its own visible.
func (n *node) publish(pool *pmwcas.Pool, slot int, m recordMeta, key []byte, upsert bool) error {
	for {
		s := n.loadStatus()
		if s.frozen() {
			return errFrozen
		}
		if n.inFlightBelow(slot) {
			runtime.Gosched()
			continue
		}

		prev, pm := n.find(key, slot)
		d := pool.Begin()
		switch {
		case prev >= 0 && !upsert:
			d.AddTarget(&n.status, uint64(s), uint64(s.withDelete(m.total())))
			d.AddTarget(&n.meta[slot], uint64(m), uint64(m.asDeleted()))
			if d.Execute() {
				return ErrKeyExists
			}
			continue
		case prev >= 0:
			d.AddTarget(&n.status, uint64(s), uint64(s.withDelete(pm.total())))
			d.AddTarget(&n.meta[prev], uint64(pm), uint64(pm.asDeleted()))
		default:
			d.AddTarget(&n.status, uint64(s), uint64(s))
		}
		d.AddTarget(&n.meta[slot], uint64(m), uint64(m.asVisible()))
		if d.Execute() {
			return nil
		}
	}
}

// markDeleted turns a visible slot into a deleted one.
func (n *node) markDeleted(pool *pmwcas.Pool, slot int) error {
	for {
		s := n.loadStatus()
		if s.frozen() {
			return errFrozen
		}
		m := n.loadMeta(slot)
		if !m.visible() {
			return errAlreadyDeleted
		}

		d := pool.Begin()
		d.AddTarget(&n.status, uint64(s), uint64(s.withDelete(m.total())))
		d.AddTarget(&n.meta[slot], uint64(m), uint64(m.asDeleted()))
		if d.Execute() {
			return nil
		}
	}
}

// remove deletes the visible record for key.
func (n *node) remove(pool *pmwcas.Pool, key []byte) error {
	for {
		s, i, _ := n.lookup(key)
		if s.frozen() {
			return errFrozen
		}
		if i < 0 {
			return ErrKeyNotFound
		}
		if err := n.markDeleted(pool, i); err != errAlreadyDeleted {
			return err
		}
	}
}

// visibleRecords returns the visible records in key order. Keys alias the
// node's block; the result is only stable once the node is frozen.
func (n *node) visibleRecords() []record {
	s := n.loadStatus()
	recs := make([]record, 0, s.recordCount()-s.deletedCount())
	for i := 0; i < s.recordCount(); i++ {
		m := n.loadMeta(i)
		if m.visible() {
			recs = append(recs, record{key: n.key(m), payload: n.payload(m)})
		}
	}
	slices.SortFunc(recs, func(a, b record) int {
		return bytes.Compare(a.key, b.key)
	})
	return recs
}
