package zipserve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleOpenCloseCounting(t *testing.T) {
	var l Lifecycle
	assert.Equal(t, 0, l.OpenCount())
	require.NoError(t, l.MarkOpen())
	require.NoError(t, l.MarkOpen())
	assert.Equal(t, 2, l.OpenCount())
	require.NoError(t, l.MarkClosed())
	assert.Equal(t, 1, l.OpenCount())
}

func TestLifecycleBeginWriteRefusesWhileReadersOpen(t *testing.T) {
	var l Lifecycle
	require.NoError(t, l.MarkOpen())
	err := l.BeginWrite()
	assert.Error(t, err)
}

func TestLifecycleBeginWriteRefusesReentry(t *testing.T) {
	var l Lifecycle
	require.NoError(t, l.BeginWrite())
	err := l.BeginWrite()
	assert.Error(t, err)
}

func TestLifecycleCanFree(t *testing.T) {
	var l Lifecycle
	assert.True(t, l.CanFree())
	require.NoError(t, l.MarkOpen())
	assert.False(t, l.CanFree())
	require.NoError(t, l.MarkClosed())
	assert.True(t, l.CanFree())
}

func TestLifecycleFailMarksWriteFailed(t *testing.T) {
	var l Lifecycle
	require.NoError(t, l.BeginWrite())
	sentinel := newErr(ErrWrite)
	err := l.Fail(sentinel)
	assert.Equal(t, sentinel, err)
	assert.Equal(t, sentinel, l.LastError())
	assert.Error(t, l.CommitWrite())
}

func TestCapabilityHas(t *testing.T) {
	c := CapRead | CapSeek
	assert.True(t, c.Has(CapRead))
	assert.True(t, c.Has(CapRead|CapSeek))
	assert.False(t, c.Has(CapWrite))
}

func TestStatMergePrefersExistingFields(t *testing.T) {
	s := Stat{Size: 5, SizeValid: true}
	merged := s.merge(Stat{Size: 99, SizeValid: true, CRC32: 0xff, CRC32Valid: true})
	assert.Equal(t, uint64(5), merged.Size)
	assert.Equal(t, uint32(0xff), merged.CRC32)
}

func TestNewLayeredRestrictsToLowerCapabilities(t *testing.T) {
	lower := newMemSource(nil, Stat{})
	l := newLayered(lower, Writable)
	assert.False(t, l.caps.Has(CapWrite))
}
