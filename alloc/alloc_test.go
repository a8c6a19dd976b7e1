package alloc

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeap(t *testing.T) {
	t.Parallel()

	_, err := NewHeap(0)
	assert.ErrorIs(t, err, ErrInvalidBlockSize)

	h, err := NewHeap(512)
	require.NoError(t, err)
	defer h.Close()

	b, err := h.Alloc()
	require.NoError(t, err)
	assert.Len(t, b, 512)
	assert.Equal(t, int64(1), h.Stats().InUse)

	h.Free(b)
	assert.Equal(t, int64(0), h.Stats().InUse)

	h.Free(make([]byte, 16)) // foreign block ignored
	assert.Equal(t, int64(0), h.Stats().InUse)
}

func TestSentinelsMatchThroughWrapping(t *testing.T) {
	t.Parallel()

	_, err := NewHeap(-1)
	assert.ErrorIs(t, err, ErrInvalidBlockSize)
	assert.ErrorIs(t, errors.Wrap(ErrClosed, "alloc block"), ErrClosed)
}
