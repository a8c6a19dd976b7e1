package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type item struct{ v int }

func TestAllocGetFree(t *testing.T) {
	t.Parallel()

	a := New[item]()
	assert.Nil(t, a.Get(Nil))

	r := a.Alloc(&item{v: 1})
	require.NotEqual(t, Nil, r)
	assert.Equal(t, 1, a.Get(r).v)
	assert.Equal(t, 1, a.Len())

	assert.True(t, a.Free(r))
	assert.Nil(t, a.Get(r), "freed ref must not resolve")
	assert.False(t, a.Free(r), "double free is rejected")
	assert.Equal(t, 0, a.Len())
}

func TestReuseBumpsGeneration(t *testing.T) {
	t.Parallel()

	a := New[item]()
	r1 := a.Alloc(&item{v: 1})
	require.True(t, a.Free(r1))

	r2 := a.Alloc(&item{v: 2})
	assert.Equal(t, r1.Index(), r2.Index(), "free slot is reused")
	assert.Equal(t, r1.Gen()+1, r2.Gen())
	assert.Nil(t, a.Get(r1), "stale ref sees nothing, not the new occupant")
	assert.Equal(t, 2, a.Get(r2).v)
}

func TestOutOfRangeRef(t *testing.T) {
	t.Parallel()

	a := New[item]()
	assert.Nil(t, a.Get(makeRef(0, 12345)))
	assert.False(t, a.Free(makeRef(0, 12345)))
}

func TestGrowsAcrossChunks(t *testing.T) {
	t.Parallel()

	a := New[item]()
	refs := make([]Ref, 3*chunkSize)
	for i := range refs {
		refs[i] = a.Alloc(&item{v: i})
	}
	for i, r := range refs {
		require.Equal(t, i, a.Get(r).v)
	}
	assert.Equal(t, len(refs), a.Len())
}

func TestConcurrentAllocFree(t *testing.T) {
	t.Parallel()

	a := New[item]()
	var g errgroup.Group
	for id := range 8 {
		g.Go(func() error {
			held := make([]Ref, 0, 64)
			for i := range 5000 {
				r := a.Alloc(&item{v: id*1_000_000 + i})
				if !assert.Equal(t, id*1_000_000+i, a.Get(r).v) {
					return nil
				}
				held = append(held, r)
				if len(held) == cap(held) {
					for _, h := range held {
						assert.True(t, a.Free(h))
					}
					held = held[:0]
				}
			}
			for _, h := range held {
				a.Free(h)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 0, a.Len())
}
