package zipserve

import "encoding/binary"

// buffer is a bounds-checked little-endian cursor over a fixed byte slice.
//
// Every binary-format decode in this package goes through it so that
// running off the end of a header is a data condition (ok flips to false
// and further reads return zero values) rather than a panic or memory
// corruption. Once ok is false, it stays false until setOffset is called
// explicitly.
type buffer struct {
	data []byte
	off  int
	ok   bool
}

func newBuffer(data []byte) *buffer {
	return &buffer{data: data, ok: true}
}

func (b *buffer) setOffset(off int) {
	b.off = off
	b.ok = off >= 0 && off <= len(b.data)
}

func (b *buffer) remaining() int {
	if !b.ok {
		return 0
	}
	return len(b.data) - b.off
}

// get returns a slice of the next n bytes and advances the cursor, or nil
// if fewer than n bytes remain.
func (b *buffer) get(n int) []byte {
	if !b.ok || n < 0 || n > len(b.data)-b.off {
		b.ok = false
		return nil
	}
	p := b.data[b.off : b.off+n]
	b.off += n
	return p
}

func (b *buffer) getU8() uint8 {
	p := b.get(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (b *buffer) getU16() uint16 {
	p := b.get(2)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(p)
}

func (b *buffer) getU32() uint32 {
	p := b.get(4)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(p)
}

func (b *buffer) getU64() uint64 {
	p := b.get(8)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(p)
}

// read is a bounded memcpy: it copies up to len(dst) bytes into dst,
// advancing the cursor, and reports how many bytes were actually copied.
func (b *buffer) read(dst []byte) int {
	if !b.ok {
		return 0
	}
	n := len(dst)
	if n > b.remaining() {
		n = b.remaining()
	}
	copy(dst, b.data[b.off:b.off+n])
	b.off += n
	return n
}

func (b *buffer) put(p []byte) {
	if !b.ok || len(p) > len(b.data)-b.off {
		b.ok = false
		return
	}
	copy(b.data[b.off:], p)
	b.off += len(p)
}

func (b *buffer) putU8(v uint8) {
	if !b.ok || b.off+1 > len(b.data) {
		b.ok = false
		return
	}
	b.data[b.off] = v
	b.off++
}

func (b *buffer) putU16(v uint16) {
	if !b.ok || b.off+2 > len(b.data) {
		b.ok = false
		return
	}
	binary.LittleEndian.PutUint16(b.data[b.off:], v)
	b.off += 2
}

func (b *buffer) putU32(v uint32) {
	if !b.ok || b.off+4 > len(b.data) {
		b.ok = false
		return
	}
	binary.LittleEndian.PutUint32(b.data[b.off:], v)
	b.off += 4
}

func (b *buffer) putU64(v uint64) {
	if !b.ok || b.off+8 > len(b.data) {
		b.ok = false
		return
	}
	binary.LittleEndian.PutUint64(b.data[b.off:], v)
	b.off += 8
}
