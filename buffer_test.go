package zipserve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferGetPutRoundTrip(t *testing.T) {
	data := make([]byte, 15)
	b := &buffer{data: data, ok: true}
	b.putU8(0xab)
	b.putU16(0x1234)
	b.putU32(0xdeadbeef)
	require.True(t, b.ok)

	b.setOffset(0)
	assert.Equal(t, uint8(0xab), b.getU8())
	assert.Equal(t, uint16(0x1234), b.getU16())
	assert.Equal(t, uint32(0xdeadbeef), b.getU32())
}

func TestBufferGetU64RoundTrip(t *testing.T) {
	data := make([]byte, 8)
	b := &buffer{data: data, ok: true}
	b.putU64(0x0102030405060708)
	require.True(t, b.ok)

	b.setOffset(0)
	assert.Equal(t, uint64(0x0102030405060708), b.getU64())
	assert.True(t, b.ok)
}

func TestBufferGetPastEndFailsClosed(t *testing.T) {
	b := &buffer{data: make([]byte, 3), ok: true}
	assert.Equal(t, uint16(0), b.getU16())
	assert.True(t, b.ok)
	// Only one byte left; getU32 overruns and flips ok false, returning 0.
	assert.Equal(t, uint32(0), b.getU32())
	assert.False(t, b.ok)
	// Once ok is false, further reads stay zero and don't panic.
	assert.Equal(t, uint8(0), b.getU8())
}

func TestBufferPutPastEndFailsClosed(t *testing.T) {
	b := &buffer{data: make([]byte, 2), ok: true}
	b.putU32(1)
	assert.False(t, b.ok)
}

func TestBufferSetOffsetValidatesBounds(t *testing.T) {
	b := &buffer{data: make([]byte, 4), ok: true}
	b.setOffset(4)
	assert.True(t, b.ok)
	b.setOffset(5)
	assert.False(t, b.ok)
	b.setOffset(-1)
	assert.False(t, b.ok)
}

func TestBufferRemaining(t *testing.T) {
	b := &buffer{data: make([]byte, 10), ok: true}
	assert.Equal(t, 10, b.remaining())
	b.get(4)
	assert.Equal(t, 6, b.remaining())
	b.ok = false
	assert.Equal(t, 0, b.remaining())
}

func TestBufferReadBounded(t *testing.T) {
	b := &buffer{data: []byte{1, 2, 3}, ok: true}
	dst := make([]byte, 5)
	n := b.read(dst)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte{1, 2, 3}, dst[:3])
}
