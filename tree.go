package bztree

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"bztree/alloc"
	"bztree/epoch"
	"bztree/internal/arena"
	"bztree/pmwcas"
)

// Tree is a lock-free ordered map from byte-string keys to uint64 payloads.
// All methods are safe for concurrent use.
type Tree struct {
	id     string
	opts   Options
	maxKey int

	pool   *pmwcas.Pool
	epochs *epoch.Manager
	nodes  *arena.Arena[node]
	blocks alloc.Allocator
	root   pmwcas.Word

	cache      *leafCache
	logger     Logger
	contention *contentionReporter
	closed     atomic.Bool

	splits         atomic.Uint64
	consolidations atomic.Uint64
	merges         atomic.Uint64
	retries        atomic.Uint64

	// Test hooks, nil in production.
	afterLeafLoad func(*node)
	beforePublish func(*node)
}

// Stats is a snapshot of tree activity.
type Stats struct {
	Height         int
	Nodes          int
	Splits         uint64
	Consolidations uint64
	Merges         uint64
	Retries        uint64
	CacheHits      uint64
	CacheMisses    uint64
	Blocks         alloc.Stats
	Descriptors    pmwcas.Stats
	Epochs         epoch.Stats
}

type opKind int

const (
	opInsert opKind = iota
	opUpsert
	opDelete
)

func (k opKind) String() string {
	switch k {
	case opInsert:
		return "insert"
	case opUpsert:
		return "upsert"
	case opDelete:
		return "delete"
	}
	return "unknown"
}

// New creates an empty tree whose words are updated through pool. The pool
// may be shared by several trees and must outlive them.
func New(pool *pmwcas.Pool, options ...Option) (*Tree, error) {
	opts := DefaultOptions()
	for _, opt := range options {
		opt(&opts)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, errors.Wrap(ErrInvalidParameter, "nil descriptor pool")
	}
	if pool.MaxTargets() < 3 {
		return nil, errors.Wrapf(ErrInvalidParameter, "pool allows %d targets per descriptor, need 3", pool.MaxTargets())
	}

	var blocks alloc.Allocator
	var err error
	if opts.useMmap {
		blocks, err = alloc.NewMmap(opts.mmapPath, opts.leafNodeSize, opts.mmapChunkSize)
	} else {
		blocks, err = alloc.NewHeap(opts.leafNodeSize)
	}
	if err != nil {
		return nil, errors.Wrap(err, "create block allocator")
	}

	t := &Tree{
		id:     uuid.NewString(),
		opts:   opts,
		maxKey: opts.maxKeySize(),
		pool:   pool,
		epochs: pool.Epochs(),
		nodes:  arena.New[node](),
		blocks: blocks,
		logger: opts.logger,
	}
	t.contention = newContentionReporter(t.logger, t.id)

	if opts.leafCacheSize > 0 {
		t.cache, err = newLeafCache(opts.leafCacheSize)
		if err != nil {
			blocks.Close()
			return nil, errors.Wrap(err, "create leaf cache")
		}
	}

	root := t.newLeaf(nil)
	t.root.Store(uint64(root.ref))

	t.logger.Info("bztree created",
		"tree", t.id,
		"leaf_node_size", opts.leafNodeSize,
		"internal_node_size", opts.internalNodeSize,
		"split_threshold", opts.splitThreshold,
		"merge_threshold", opts.mergeThreshold,
		"max_key_size", t.maxKey)
	return t, nil
}

// ID returns the identifier the tree logs under.
func (t *Tree) ID() string {
	return t.id
}

// MaxKeySize returns the longest key the tree accepts.
func (t *Tree) MaxKeySize() int {
	return t.maxKey
}

func (t *Tree) checkKey(key []byte) error {
	if t.closed.Load() {
		return ErrTreeClosed
	}
	if len(key) == 0 {
		return ErrKeyEmpty
	}
	if len(key) > t.maxKey {
		return errors.Wrapf(ErrKeyTooLarge, "key of %d bytes exceeds %d", len(key), t.maxKey)
	}
	return nil
}

// Insert adds key with payload. It fails with ErrKeyExists if key is present.
func (t *Tree) Insert(key []byte, payload uint64) error {
	return t.write(opInsert, key, payload)
}

// Upsert sets key to payload whether or not key is present.
func (t *Tree) Upsert(key []byte, payload uint64) error {
	return t.write(opUpsert, key, payload)
}

func (t *Tree) write(op opKind, key []byte, payload uint64) error {
	if err := t.checkKey(key); err != nil {
		return err
	}
	g := t.epochs.Enter()
	defer g.Release()

	st := newStack()
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			t.retries.Add(1)
			t.contention.retried(op.String(), attempt)
		}

		leaf := t.traverseToLeaf(st, key)
		err := t.appendToLeaf(leaf, key, payload, op == opUpsert)
		switch err {
		case nil:
			if op == opUpsert {
				t.afterDelete(st)
			}
			return nil
		case ErrKeyExists:
			return err
		case errFrozen:
			t.replace(st, st.depth()-1)
		case errOutOfSpace:
			if s := leaf.loadStatus(); leaf.freeze(t.pool, s) || s.frozen() {
				t.replace(st, st.depth()-1)
			}
		default:
			return err
		}
	}
}

func (t *Tree) appendToLeaf(leaf *node, key []byte, payload uint64, upsert bool) error {
	s := leaf.loadStatus()
	if s.frozen() {
		return errFrozen
	}
	if !upsert {
		if i, _ := leaf.find(key, s.recordCount()); i >= 0 {
			return ErrKeyExists
		}
	}

	slot, m, err := leaf.reserve(t.pool, len(key))
	if err != nil {
		return err
	}
	leaf.writeRecord(m, key, payload)
	if t.beforePublish != nil {
		t.beforePublish(leaf)
	}
	return leaf.publish(t.pool, slot, m, key, upsert)
}

// Delete removes key. It fails with ErrKeyNotFound if key is absent.
func (t *Tree) Delete(key []byte) error {
	if err := t.checkKey(key); err != nil {
		return err
	}
	g := t.epochs.Enter()
	defer g.Release()

	st := newStack()
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			t.retries.Add(1)
			t.contention.retried(opDelete.String(), attempt)
		}

		leaf := t.traverseToLeaf(st, key)
		switch err := leaf.remove(t.pool, key); err {
		case nil:
			t.afterDelete(st)
			return nil
		case errFrozen:
			t.replace(st, st.depth()-1)
		default:
			return err
		}
	}
}

// Read returns the payload stored under key, or ErrKeyNotFound.
func (t *Tree) Read(key []byte) (uint64, error) {
	if err := t.checkKey(key); err != nil {
		return 0, err
	}
	g := t.epochs.Enter()
	defer g.Release()

	leaf := t.cache.lookup(t, key)
	if leaf == nil {
		leaf = t.traverseToLeaf(newStack(), key)
		t.cache.remember(key, leaf)
	}
	if t.afterLeafLoad != nil {
		t.afterLeafLoad(leaf)
	}

	payload, ok := leaf.read(key)
	if !ok {
		return 0, ErrKeyNotFound
	}
	return payload, nil
}

func (t *Tree) rootRef() arena.Ref {
	return arena.Ref(t.root.Load())
}

// load resolves a reference that must be live under the caller's guard.
func (t *Tree) load(ref arena.Ref) *node {
	n := t.nodes.Get(ref)
	if n == nil {
		t.corrupt("unresolvable node reference %d/%d", ref.Index(), ref.Gen())
	}
	return n
}

// corrupt reports a broken structural invariant. Continuing would hand out
// wrong answers.
func (t *Tree) corrupt(format string, args ...any) {
	err := errors.Wrapf(ErrCorrupt, format, args...)
	t.logger.Error("bztree invariant violated", "tree", t.id, "error", err)
	panic(err)
}

// traverseToLeaf walks from the root to the leaf covering key, recording the
// path in st. A frozen internal node met on the way is still navigable; its
// parent slot is re-read first so a finished replacement is picked up.
func (t *Tree) traverseToLeaf(st *stack, key []byte) *node {
	st.reset()
	n := t.load(t.rootRef())
	st.push(frame{node: n, slot: -1})

	for !n.leaf {
		slot := n.childIndex(key)
		ref := n.child(slot)
		c := t.load(ref)
		if !c.leaf && c.loadStatus().frozen() {
			if again := n.child(slot); again != ref {
				c = t.load(again)
			}
		}
		st.push(frame{node: c, slot: slot})
		n = c
	}
	return n
}

func (t *Tree) newLeaf(recs []record) *node {
	buf, err := t.blocks.Alloc()
	owned := err == nil
	if err != nil {
		t.logger.Warn("block allocation failed, using heap", "tree", t.id, "error", err)
		buf = make([]byte, t.opts.leafNodeSize)
	}
	n := initLeaf(buf, t.opts.leafNodeSize, recs, t.epochs.Current())
	n.owned = owned
	n.ref = t.nodes.Alloc(n)
	return n
}

func (t *Tree) newInternal(keys [][]byte, children []arena.Ref) *node {
	n := initInternal(t.opts.internalNodeSize, keys, children, t.epochs.Current())
	n.ref = t.nodes.Alloc(n)
	return n
}

func (t *Tree) release(n *node) {
	t.nodes.Free(n.ref)
	if n.owned {
		t.blocks.Free(n.buf)
	}
}

// retire frees an unlinked node once no guard can still reach it.
func (t *Tree) retire(n *node) {
	t.epochs.Retire(func() { t.release(n) })
}

// discard frees nodes that were never published.
func (t *Tree) discard(nodes ...*node) {
	for _, n := range nodes {
		t.release(n)
	}
}

// Height returns the number of levels, 1 for a lone root leaf.
func (t *Tree) Height() int {
	g := t.epochs.Enter()
	defer g.Release()

	h := 1
	for n := t.load(t.rootRef()); !n.leaf; n = t.load(n.child(0)) {
		h++
	}
	return h
}

// Stats returns a snapshot of tree activity.
func (t *Tree) Stats() Stats {
	s := Stats{
		Height:         t.Height(),
		Nodes:          t.nodes.Len(),
		Splits:         t.splits.Load(),
		Consolidations: t.consolidations.Load(),
		Merges:         t.merges.Load(),
		Retries:        t.retries.Load(),
		Blocks:         t.blocks.Stats(),
		Descriptors:    t.pool.Stats(),
		Epochs:         t.epochs.Stats(),
	}
	if t.cache != nil {
		s.CacheHits, s.CacheMisses = t.cache.hits.Load(), t.cache.misses.Load()
	}
	return s
}

func (s Stats) String() string {
	return fmt.Sprintf("height=%d nodes=%d splits=%d consolidations=%d merges=%d retries=%d",
		s.Height, s.Nodes, s.Splits, s.Consolidations, s.Merges, s.Retries)
}

// Close releases the tree's block allocator. The pool is left open. No other
// method may run concurrently with or after Close.
func (t *Tree) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.cache.purge()
	if m, ok := t.blocks.(*alloc.Mmap); ok {
		if err := m.Sync(); err != nil {
			t.logger.Warn("block sync failed", "tree", t.id, "error", err)
		}
	}
	stats := t.Stats()
	t.logger.Info("bztree closed", "tree", t.id, "stats", stats.String())
	return t.blocks.Close()
}
