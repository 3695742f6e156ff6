package zipserve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	original := []byte("the quick brown fox jumps over the lazy dog, repeated. the quick brown fox jumps over the lazy dog.")

	lower := newMemSource(original, Stat{})
	cs := NewCompressSource(lower, deflateAlgorithm{}, 6, false)
	require.NoError(t, cs.Open())
	compressed, err := readAllSource(t, cs)
	require.NoError(t, err)
	require.NoError(t, cs.Close())

	lower2 := newMemSource(compressed, Stat{})
	ds := NewDecompressSource(lower2, deflateAlgorithm{})
	require.NoError(t, ds.Open())
	plain, err := readAllSource(t, ds)
	require.NoError(t, err)

	assert.Equal(t, original, plain)
}

func TestCompressSourcePickBestFallsBackToStore(t *testing.T) {
	// Too short for DEFLATE's own framing overhead to pay for itself.
	tiny := []byte("ab")
	lower := newMemSource(tiny, Stat{})
	cs := NewCompressSource(lower, deflateAlgorithm{}, 6, true)
	require.NoError(t, cs.Open())

	out, err := readAllSource(t, cs)
	require.NoError(t, err)
	assert.Equal(t, tiny, out)

	st, err := cs.Stat()
	require.NoError(t, err)
	assert.Equal(t, uint16(Store), st.Method)
}

func TestCompressSourcePicksCompressedWhenSmaller(t *testing.T) {
	original := make([]byte, compressProbeSize)
	for i := range original {
		original[i] = 'x'
	}
	lower := newMemSource(original, Stat{})
	cs := NewCompressSource(lower, deflateAlgorithm{}, 6, true)
	require.NoError(t, cs.Open())

	out, err := readAllSource(t, cs)
	require.NoError(t, err)

	st, err := cs.Stat()
	require.NoError(t, err)
	assert.Equal(t, uint16(Deflate), st.Method)
	assert.Less(t, len(out), len(original))
}

func TestDecompressSourceIsNotSeekable(t *testing.T) {
	lower := newMemSource(nil, Stat{})
	ds := NewDecompressSource(lower, deflateAlgorithm{})
	_, err := ds.Seek(0, 0)
	assert.Error(t, err)
}
