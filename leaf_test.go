package bztree

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bztree/pmwcas"
)

func newTestLeaf(t *testing.T, size int, recs ...record) (*node, *pmwcas.Pool) {
	t.Helper()
	pool := pmwcas.NewPool(pmwcas.WithReclaimInterval(0))
	t.Cleanup(pool.Close)
	return initLeaf(make([]byte, size), size, recs, 1), pool
}

func rec(key string, payload uint64) record {
	return record{key: []byte(key), payload: payload}
}

// appendRecord runs the full reserve, write, publish sequence.
func appendRecord(n *node, pool *pmwcas.Pool, key string, payload uint64, upsert bool) error {
	slot, m, err := n.reserve(pool, len(key))
	if err != nil {
		return err
	}
	n.writeRecord(m, []byte(key), payload)
	return n.publish(pool, slot, m, []byte(key), upsert)
}

func TestLeafSortedRegion(t *testing.T) {
	t.Parallel()

	leaf, _ := newTestLeaf(t, 512, rec("a", 1), rec("bb", 2), rec("ccc", 3))
	assert.Equal(t, 3, leaf.sorted)
	assert.Equal(t, 3*16, leaf.sortedBytes)

	for key, want := range map[string]uint64{"a": 1, "bb": 2, "ccc": 3} {
		got, ok := leaf.read([]byte(key))
		require.True(t, ok, key)
		assert.Equal(t, want, got)
	}
	_, ok := leaf.read([]byte("b"))
	assert.False(t, ok)
}

func TestLeafAppendAndRead(t *testing.T) {
	t.Parallel()

	leaf, pool := newTestLeaf(t, 512, rec("m", 1))
	require.NoError(t, appendRecord(leaf, pool, "z", 26, false))
	require.NoError(t, appendRecord(leaf, pool, "a", 1, false))

	s := leaf.loadStatus()
	assert.Equal(t, 3, s.recordCount())
	assert.Equal(t, 3*16, s.blockSize())

	v, ok := leaf.read([]byte("z"))
	require.True(t, ok)
	assert.Equal(t, uint64(26), v)

	// Appended records grow back from the end of the block
	last := leaf.loadMeta(2)
	assert.Equal(t, len(leaf.data)-2*16, last.offset())

	recs := leaf.visibleRecords()
	require.Len(t, recs, 3)
	assert.Equal(t, "a", string(recs[0].key))
	assert.Equal(t, "m", string(recs[1].key))
	assert.Equal(t, "z", string(recs[2].key))
}

func TestLeafInsertDuplicateBacksOut(t *testing.T) {
	t.Parallel()

	leaf, pool := newTestLeaf(t, 512, rec("k", 1))
	err := appendRecord(leaf, pool, "k", 2, false)
	assert.Equal(t, ErrKeyExists, err)

	s := leaf.loadStatus()
	assert.Equal(t, 2, s.recordCount(), "the slot stays consumed")
	assert.Equal(t, 1, s.deletedCount())
	assert.True(t, leaf.loadMeta(1).deleted())

	v, _ := leaf.read([]byte("k"))
	assert.Equal(t, uint64(1), v)
}

func TestLeafUpsertReplaces(t *testing.T) {
	t.Parallel()

	leaf, pool := newTestLeaf(t, 512, rec("k", 1))
	require.NoError(t, appendRecord(leaf, pool, "k", 2, true))
	require.NoError(t, appendRecord(leaf, pool, "k", 3, true))

	v, ok := leaf.read([]byte("k"))
	require.True(t, ok)
	assert.Equal(t, uint64(3), v)

	visible := 0
	for i := 0; i < leaf.loadStatus().recordCount(); i++ {
		if leaf.loadMeta(i).visible() {
			visible++
		}
	}
	assert.Equal(t, 1, visible, "one visible record per key")
	assert.Equal(t, 2, leaf.loadStatus().deletedCount())
	assert.Len(t, leaf.visibleRecords(), 1)
}

func TestLeafRemove(t *testing.T) {
	t.Parallel()

	leaf, pool := newTestLeaf(t, 512, rec("a", 1), rec("b", 2))
	require.NoError(t, leaf.remove(pool, []byte("a")))
	assert.Equal(t, ErrKeyNotFound, leaf.remove(pool, []byte("a")))
	assert.Equal(t, errAlreadyDeleted, leaf.markDeleted(pool, 0))

	_, ok := leaf.read([]byte("a"))
	assert.False(t, ok)

	s := leaf.loadStatus()
	assert.Equal(t, 1, s.deletedCount())
	assert.Equal(t, 16, s.deleteSize())
	assert.Equal(t, headerSize+metaSize+16, leaf.liveSize(s))
}

func TestLeafFrozen(t *testing.T) {
	t.Parallel()

	leaf, pool := newTestLeaf(t, 512, rec("a", 1))
	slot, m, err := leaf.reserve(pool, 1)
	require.NoError(t, err)
	leaf.writeRecord(m, []byte("b"), 2)

	require.True(t, leaf.freeze(pool, leaf.loadStatus()))
	assert.False(t, leaf.freeze(pool, leaf.loadStatus()), "freeze is single shot")

	assert.Equal(t, errFrozen, leaf.publish(pool, slot, m, []byte("b"), false))
	_, _, err = leaf.reserve(pool, 1)
	assert.Equal(t, errFrozen, err)
	assert.Equal(t, errFrozen, leaf.remove(pool, []byte("a")))

	// Still readable; the unpublished record never shows up
	v, ok := leaf.read([]byte("a"))
	assert.True(t, ok)
	assert.Equal(t, uint64(1), v)
	_, ok = leaf.read([]byte("b"))
	assert.False(t, ok)
	assert.Len(t, leaf.visibleRecords(), 1)
}

func TestLeafOutOfSpace(t *testing.T) {
	t.Parallel()

	leaf, pool := newTestLeaf(t, MinNodeSize)
	var err error
	n := 0
	for ; err == nil; n++ {
		err = appendRecord(leaf, pool, fmt.Sprintf("key%03d", n), uint64(n), false)
	}
	assert.Equal(t, errOutOfSpace, err)

	// 224 bytes of space, 24 per record including its metadata word
	assert.Equal(t, (MinNodeSize-headerSize)/24, n-1)
	assert.Less(t, leaf.freeSpace(leaf.loadStatus()), metaSize+leafRecordSize(6))
}

func TestLeafPublishWaitsForOlderReservation(t *testing.T) {
	t.Parallel()

	leaf, pool := newTestLeaf(t, 512)
	key := []byte("same")

	slotA, mA, err := leaf.reserve(pool, len(key))
	require.NoError(t, err)
	slotB, mB, err := leaf.reserve(pool, len(key))
	require.NoError(t, err)
	require.Less(t, slotA, slotB)
	leaf.writeRecord(mA, key, 1)
	leaf.writeRecord(mB, key, 2)

	done := make(chan error, 1)
	go func() { done <- leaf.publish(pool, slotB, mB, key, false) }()

	select {
	case err := <-done:
		t.Fatalf("newer slot resolved before the older one: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, leaf.publish(pool, slotA, mA, key, false))
	assert.Equal(t, ErrKeyExists, <-done)

	v, _ := leaf.read(key)
	assert.Equal(t, uint64(1), v, "older insert wins")
}

func TestLeafFindRespectsLimit(t *testing.T) {
	t.Parallel()

	leaf, pool := newTestLeaf(t, 512, rec("k", 1))
	require.NoError(t, appendRecord(leaf, pool, "x", 9, false))

	i, _ := leaf.find([]byte("x"), 1)
	assert.Equal(t, -1, i, "slots at or above the limit are ignored")
	i, m := leaf.find([]byte("x"), 2)
	assert.Equal(t, 1, i)
	assert.Equal(t, uint64(9), leaf.payload(m))
}

func TestLeafLookupRescansAfterUpsertFlip(t *testing.T) {
	t.Parallel()

	leaf, pool := newTestLeaf(t, 512, rec("k", 1))

	// A reader that took its snapshot before the upsert only scans slot 0,
	// which the upsert turns into a tombstone.
	before := leaf.loadStatus()
	require.NoError(t, appendRecord(leaf, pool, "k", 2, true))

	i, _ := leaf.find([]byte("k"), before.recordCount())
	require.Equal(t, -1, i, "a single pass over the old view misses the key")

	s, i, m := leaf.lookupFrom([]byte("k"), before)
	require.Equal(t, 1, i)
	assert.Equal(t, uint64(2), leaf.payload(m))
	assert.Equal(t, leaf.loadStatus(), s)

	// A genuine miss returns once the status word holds still
	_, i, _ = leaf.lookupFrom([]byte("absent"), before)
	assert.Equal(t, -1, i)
}

func TestLeafReadDuringUpserts(t *testing.T) {
	t.Parallel()

	leaf, pool := newTestLeaf(t, MaxNodeSize, rec("k", 0))
	const upserts = 2000

	done := make(chan struct{})
	errs := make(chan error, 4)
	for range 4 {
		go func() {
			for {
				select {
				case <-done:
					errs <- nil
					return
				default:
				}
				if _, ok := leaf.read([]byte("k")); !ok {
					errs <- fmt.Errorf("key missing from a leaf that always holds it")
					return
				}
			}
		}()
	}

	for i := 1; i <= upserts; i++ {
		require.NoError(t, appendRecord(leaf, pool, "k", uint64(i), true))
	}
	close(done)
	for range 4 {
		require.NoError(t, <-errs)
	}

	v, ok := leaf.read([]byte("k"))
	require.True(t, ok)
	assert.Equal(t, uint64(upserts), v)
}
