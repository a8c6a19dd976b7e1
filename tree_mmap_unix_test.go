//go:build linux || darwin

package bztree

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTreeMmapBlocks(t *testing.T) {
	t.Parallel()

	for name, path := range map[string]string{
		"anonymous": "",
		"file":      filepath.Join(t.TempDir(), "leaves.pmem"),
	} {
		t.Run(name, func(t *testing.T) {
			tree, _ := setup(t, WithParameters(512, 0, 512), WithMmapBlocks(path, 64*512))
			for i := 0; i < 1000; i++ {
				require.NoError(t, tree.Insert(key(i), uint64(i)))
			}
			for i := 0; i < 1000; i++ {
				v, err := tree.Read(key(i))
				require.NoError(t, err)
				require.Equal(t, uint64(i), v)
			}
			assert.Greater(t, tree.Stats().Blocks.InUse, int64(0))
			require.NoError(t, tree.Verify())
		})
	}
}
