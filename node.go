package bztree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/cespare/xxhash/v2"

	"bztree/internal/arena"
	"bztree/pmwcas"
)

const (
	nodeMagic    uint32 = 0x627a6e64 // "bznd"
	kindLeaf     byte   = 0x01
	kindInternal byte   = 0x02
)

// node is a leaf or an internal node.
//
// NODE LAYOUT:
// ┌─────────────────────────────────────────────────────────────────────┐
// │ Header (32 bytes)                                                   │
// │ Magic, Kind, Size, SortedCount, SortedBytes, CreatedEpoch           │
// ├─────────────────────────────────────────────────────────────────────┤
// │ Sorted region (written at creation, forward growth) →               │
// │   Key[0] | Payload[0] | Key[1] | Payload[1] | ...                   │
// ├─────────────────────────────────────────────────────────────────────┤
// │ Free space                                                          │
// ├─────────────────────────────────────────────────────────────────────┤
// │ ← Appended records (backward growth from the end)                   │
// └─────────────────────────────────────────────────────────────────────┘
//
// The status word and one metadata word per slot live beside the block as
// pmwcas words; they are the only mutable state. Record bytes are written once,
// before the slot turns visible. Internal nodes carry keys only; child
// references are words too, swapped when a child is replaced.
type node struct {
	ref   arena.Ref
	leaf  bool
	size  int    // configured capacity in bytes
	buf   []byte // header followed by the data area
	data  []byte
	owned bool // buf belongs to the tree's block allocator

	status pmwcas.Word
	meta   []pmwcas.Word

	sorted      int // slots [0, sorted) were written in key order at creation
	sortedBytes int // data bytes used by the sorted region
	created     uint64

	children []pmwcas.Word
}

type record struct {
	key     []byte
	payload uint64
}

func writeHeader(buf []byte, kind byte, size, sorted, sortedBytes int, created uint64) {
	binary.LittleEndian.PutUint32(buf[0:4], nodeMagic)
	buf[4] = kind
	binary.LittleEndian.PutUint32(buf[8:12], uint32(size))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(sorted))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(sortedBytes))
	binary.LittleEndian.PutUint64(buf[24:32], created)
}

// leafSlots is the most records a leaf of size bytes can ever hold. Large
// leaves run out of slots before they run out of bytes.
func leafSlots(size int) int {
	return min((size-headerSize)/(metaSize+leafRecordSize(1)), maxSlots)
}

// initLeaf lays out recs, which must be sorted and unique, as the sorted
// region of a fresh leaf backed by buf.
func initLeaf(buf []byte, size int, recs []record, created uint64) *node {
	n := &node{
		leaf:    true,
		size:    size,
		buf:     buf[:size],
		data:    buf[headerSize:size],
		meta:    make([]pmwcas.Word, leafSlots(size)),
		sorted:  len(recs),
		created: created,
	}

	offset := 0
	for i, r := range recs {
		total := leafRecordSize(len(r.key))
		n.writeRecord(makeMeta(0, offset, len(r.key), total), r.key, r.payload)
		n.meta[i].Store(uint64(makeMeta(metaVisible, offset, len(r.key), total)))
		offset += total
	}
	n.sortedBytes = offset
	n.status.Store(uint64(makeStatus(len(recs), offset)))
	writeHeader(n.buf, kindLeaf, size, n.sorted, n.sortedBytes, created)
	return n
}

// internalSize is the capacity an internal node with keys consumes.
func internalSize(keys [][]byte) int {
	size := headerSize + childSize
	for _, k := range keys {
		size += metaSize + childSize + pad8(len(k))
	}
	return size
}

// initInternal copies keys into a fresh internal node; len(children) must be
// len(keys)+1. Child i covers keys in [keys[i-1], keys[i]).
func initInternal(size int, keys [][]byte, children []arena.Ref, created uint64) *node {
	dataBytes := 0
	for _, k := range keys {
		dataBytes += pad8(len(k))
	}
	buf := make([]byte, headerSize+dataBytes)
	n := &node{
		size:     size,
		buf:      buf,
		data:     buf[headerSize:],
		meta:     make([]pmwcas.Word, len(keys)),
		sorted:   len(keys),
		created:  created,
		children: make([]pmwcas.Word, len(children)),
	}

	offset := 0
	for i, k := range keys {
		copy(n.data[offset:], k)
		n.meta[i].Store(uint64(makeMeta(metaVisible, offset, len(k), pad8(len(k)))))
		offset += pad8(len(k))
	}
	for i, c := range children {
		n.children[i].Store(uint64(c))
	}
	n.sortedBytes = offset
	n.status.Store(uint64(makeStatus(len(keys), offset)))
	writeHeader(n.buf, kindInternal, size, n.sorted, n.sortedBytes, created)
	return n
}

func (n *node) loadStatus() status {
	return status(n.status.Load())
}

func (n *node) loadMeta(i int) recordMeta {
	return recordMeta(n.meta[i].Load())
}

func (n *node) key(m recordMeta) []byte {
	off := m.offset()
	return n.data[off : off+m.keyLen() : off+m.keyLen()]
}

func (n *node) payload(m recordMeta) uint64 {
	off := m.offset() + pad8(m.keyLen())
	return binary.LittleEndian.Uint64(n.data[off:])
}

// freeze sets the frozen bit if the status word still equals s. A false
// result means another goroutine froze or changed the node first; the caller
// re-reads instead of waiting.
func (n *node) freeze(pool *pmwcas.Pool, s status) bool {
	if s.frozen() {
		return false
	}
	d := pool.Begin()
	d.AddTarget(&n.status, uint64(s), uint64(s.freeze()))
	return d.Execute()
}

// Internal node accessors. Keys never change; child words only change while
// the node is not frozen.

func (n *node) numKeys() int {
	return len(n.meta)
}

func (n *node) keyAt(i int) []byte {
	return n.key(n.loadMeta(i))
}

func (n *node) child(i int) arena.Ref {
	return arena.Ref(n.children[i].Load())
}

// childIndex picks the child whose range holds key.
func (n *node) childIndex(key []byte) int {
	return sort.Search(n.numKeys(), func(i int) bool {
		return bytes.Compare(key, n.keyAt(i)) < 0
	})
}

func (n *node) keys() [][]byte {
	keys := make([][]byte, n.numKeys())
	for i := range keys {
		keys[i] = n.keyAt(i)
	}
	return keys
}

func (n *node) childRefs() []arena.Ref {
	refs := make([]arena.Ref, len(n.children))
	for i := range refs {
		refs[i] = n.child(i)
	}
	return refs
}

// withSplitChild returns the separator layout after child slot split into
// left and right around sep.
func withSplitChild(keys [][]byte, children []arena.Ref, slot int, sep []byte, left, right arena.Ref) ([][]byte, []arena.Ref) {
	k := make([][]byte, 0, len(keys)+1)
	k = append(k, keys[:slot]...)
	k = append(k, sep)
	k = append(k, keys[slot:]...)

	c := make([]arena.Ref, 0, len(children)+1)
	c = append(c, children[:slot]...)
	c = append(c, left, right)
	c = append(c, children[slot+1:]...)
	return k, c
}

// withMergedChildren returns the layout after children a and a+1 are replaced
// by merged, dropping the separator between them.
func withMergedChildren(keys [][]byte, children []arena.Ref, a int, merged arena.Ref) ([][]byte, []arena.Ref) {
	k := make([][]byte, 0, len(keys)-1)
	k = append(k, keys[:a]...)
	k = append(k, keys[a+1:]...)

	c := make([]arena.Ref, 0, len(children)-1)
	c = append(c, children[:a]...)
	c = append(c, merged)
	c = append(c, children[a+2:]...)
	return k, c
}

// splitSeparators divides an internal layout around its median key, which
// moves up as the new separator.
func splitSeparators(keys [][]byte, children []arena.Ref) (lk [][]byte, lc []arena.Ref, sep []byte, rk [][]byte, rc []arena.Ref) {
	mid := len(keys) / 2
	return keys[:mid], children[:mid+1], keys[mid], keys[mid+1:], children[mid+1:]
}

// dump writes a description of the node as seen at epoch. Verbose output
// lists every slot.
func (n *node) dump(w io.Writer, epoch uint64, verbose bool, indent string) {
	s := n.loadStatus()
	kind := "leaf"
	immutable := n.buf
	if n.leaf {
		immutable = n.buf[:headerSize+n.sortedBytes]
	} else {
		kind = "internal"
	}
	fmt.Fprintf(w, "%s%s ref=%d/%d size=%d created=%d epoch=%d sorted=%d checksum=%016x\n",
		indent, kind, n.ref.Index(), n.ref.Gen(), n.size, n.created, epoch, n.sorted,
		xxhash.Sum64(immutable))
	fmt.Fprintf(w, "%s  status: %s\n", indent, s)
	if !verbose {
		return
	}

	if !n.leaf {
		fmt.Fprintf(w, "%s  [  -] child=%d\n", indent, n.child(0).Index())
		for i := 0; i < n.numKeys(); i++ {
			fmt.Fprintf(w, "%s  [%3d] key=%q child=%d\n", indent, i, n.keyAt(i), n.child(i+1).Index())
		}
		return
	}
	for i := 0; i < s.recordCount(); i++ {
		m := n.loadMeta(i)
		if !m.hasKey() {
			fmt.Fprintf(w, "%s  [%3d] %-8s off=%d len=%d\n", indent, i, m.state(), m.offset(), m.total())
			continue
		}
		fmt.Fprintf(w, "%s  [%3d] %-8s off=%d len=%d key=%q payload=%d\n",
			indent, i, m.state(), m.offset(), m.total(), n.key(m), n.payload(m))
	}
}
