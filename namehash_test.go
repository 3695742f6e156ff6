package zipserve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDjb2Hash(t *testing.T) {
	// Hand-computed from the spec's h_{n+1} = h_n*33 + byte_n, seed 5381.
	h := uint32(5381)
	h = h*33 + 'a'
	assert.Equal(t, h, djb2Hash("a"))
}

func TestNameHashIndexAddLookupDelete(t *testing.T) {
	idx := newNameHashIndex()
	require.NoError(t, idx.add("a.txt", 0, 0))
	require.NoError(t, idx.add("b.txt", 1, 0))

	assert.Equal(t, 0, idx.lookup("a.txt"))
	assert.Equal(t, 1, idx.lookup("b.txt"))
	assert.Equal(t, -1, idx.lookup("missing"))

	err := idx.add("a.txt", 2, 0)
	assert.Error(t, err)

	idx.delete("a.txt")
	assert.Equal(t, -1, idx.lookup("a.txt"))
}

func TestNameHashIndexOriginalVsCurrent(t *testing.T) {
	idx := newNameHashIndex()
	idx.addOriginal("orig.txt", 0)

	// Renaming away and deleting should leave the original-only node intact
	// (not physically removed) so a later add with addUnchangedView sees it.
	idx.delete("orig.txt")
	err := idx.add("orig.txt", 5, addUnchangedView)
	assert.Error(t, err)

	// Without the unchanged-view flag, re-adding the vacated name succeeds.
	err = idx.add("orig.txt", 5, 0)
	assert.NoError(t, err)
	assert.Equal(t, 5, idx.lookup("orig.txt"))
}

func TestNameHashIndexRevert(t *testing.T) {
	idx := newNameHashIndex()
	idx.addOriginal("kept.txt", 0)
	require.NoError(t, idx.add("new.txt", 1, 0))
	idx.delete("kept.txt")

	idx.revert()

	assert.Equal(t, 0, idx.lookup("kept.txt"))
	assert.Equal(t, -1, idx.lookup("new.txt"))
}

func TestNameHashIndexGrowsUnderLoad(t *testing.T) {
	idx := newNameHashIndex()
	initial := len(idx.heads)
	for i := 0; i < initial; i++ {
		require.NoError(t, idx.add(string(rune('a'+i%26))+string(rune(i)), i, 0))
	}
	assert.Greater(t, len(idx.heads), initial)
}

func TestNextPowerOfTwo(t *testing.T) {
	assert.Equal(t, 1, nextPowerOfTwo(0))
	assert.Equal(t, 1, nextPowerOfTwo(1))
	assert.Equal(t, 4, nextPowerOfTwo(3))
	assert.Equal(t, 256, nextPowerOfTwo(256))
}
