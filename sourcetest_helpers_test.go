package zipserve

import (
	"bytes"
	"io"
)

// memSource is a minimal in-memory, read-only Source used to exercise the
// layered read-path wrappers (crcSource, compressSource, ...) without
// touching the filesystem. It implements Seek but advertises only CapRead,
// so layers that check CapSeek treat it as non-seekable.
type memSource struct {
	unsupportedWriter
	unsupportedFileAttributes

	data []byte
	stat Stat
	r    *bytes.Reader
}

func newMemSource(data []byte, stat Stat) *memSource {
	return &memSource{data: data, stat: stat}
}

func (m *memSource) Capabilities() Capability { return Readable }

func (m *memSource) Open() error {
	m.r = bytes.NewReader(m.data)
	return nil
}

func (m *memSource) Read(p []byte) (int, error) {
	if m.r == nil {
		return 0, io.EOF
	}
	return m.r.Read(p)
}

func (m *memSource) Close() error { return nil }

func (m *memSource) Seek(offset int64, whence int) (int64, error) {
	return m.r.Seek(offset, whence)
}

func (m *memSource) Tell() (int64, error) {
	return m.r.Seek(0, io.SeekCurrent)
}

func (m *memSource) Stat() (Stat, error) { return m.stat, nil }

func (m *memSource) Free() error { return nil }
