package zipserve

import (
	"errors"
	"io"
	"math"
)

// entryDataLocator resolves the on-disk start of an entry's local file data,
// used by a window source configured with a "source archive + index"
// reference (spec §4.3) to stream a not-yet-written entry's raw bytes out
// of another archive.
type entryDataLocator interface {
	EntryDataOffset(index int) (int64, error)
}

// windowSource restricts a lower Source to the half-open byte range
// [start, start+length), per spec §4.3.
type windowSource struct {
	layered
	unsupportedWriter
	unsupportedFileAttributes

	start  int64
	length int64 // meaningful only if haveLen; otherwise the window extends to lower EOF
	haveLen bool

	// optional deferred resolution: ask locator for EntryDataOffset(index)
	// at Open time and shift start/end by it.
	locator entryDataLocator
	index   int
	useLocator bool

	resolvedStart int64
	resolvedEnd   int64 // start+length once resolved; < 0 if unbounded

	pos        int64 // position relative to window start
	lowerOpen  bool
	statHint   Stat
}

// NewWindowSource restricts lower to [start, start+length). If length is
// negative, the window is unbounded (extends to the lower source's EOF).
func NewWindowSource(lower Source, start, length int64) Source {
	w := &windowSource{start: start}
	if length >= 0 {
		w.length = length
		w.haveLen = true
	}
	w.layered = newLayered(lower, Seekable)
	return w
}

// NewWindowSourceForEntry builds a window source whose [start,start+length)
// is resolved lazily at Open time by asking locator for the local-data start
// of archive entry index, then adding start/length to that offset. This is
// the mechanism spec §4.3 describes for streaming a not-yet-committed
// entry's raw data out of another archive.
func NewWindowSourceForEntry(lower Source, locator entryDataLocator, index int, start, length int64) Source {
	w := &windowSource{start: start, locator: locator, index: index, useLocator: true}
	if length >= 0 {
		w.length = length
		w.haveLen = true
	}
	w.layered = newLayered(lower, Seekable)
	return w
}

const maxWindowEnd = math.MaxInt64

func (w *windowSource) Capabilities() Capability { return w.caps }

func (w *windowSource) Open() error {
	if err := w.checkClosed(); err != nil {
		return err
	}
	base := w.start
	if w.useLocator {
		off, err := w.locator.EntryDataOffset(w.index)
		if err != nil {
			return err
		}
		base = off + w.start
	}
	w.resolvedStart = base
	if w.haveLen {
		if base > 0 && w.length > maxWindowEnd-base {
			return inconsErr(w.index, InconsInvalidFileLength)
		}
		w.resolvedEnd = base + w.length
	} else {
		w.resolvedEnd = -1
	}

	if w.lower == nil {
		return wrapErr(ErrInval, errors.New("window source has no lower source"))
	}
	if !w.lowerOpen {
		if err := w.lower.Open(); err != nil {
			return err
		}
		w.lowerOpen = true
	}
	if w.lower.Capabilities().Has(CapSeek) {
		if _, err := w.lower.Seek(w.resolvedStart, io.SeekStart); err != nil {
			return err
		}
	} else {
		// Not seekable: skip by reading and discarding.
		var discard [32 * 1024]byte
		remaining := w.resolvedStart
		for remaining > 0 {
			n := int64(len(discard))
			if remaining < n {
				n = remaining
			}
			read, err := w.lower.Read(discard[:n])
			remaining -= int64(read)
			if err != nil && (err != io.EOF || remaining > 0) {
				return wrapErr(ErrRead, err)
			}
			if read == 0 && err == nil {
				break
			}
		}
	}
	w.pos = 0
	return w.MarkOpen()
}

func (w *windowSource) remaining() int64 {
	if w.resolvedEnd < 0 {
		return -1
	}
	r := w.resolvedEnd - (w.resolvedStart + w.pos)
	if r < 0 {
		return 0
	}
	return r
}

func (w *windowSource) Read(p []byte) (int, error) {
	rem := w.remaining()
	if rem == 0 {
		return 0, io.EOF
	}
	if rem >= 0 && int64(len(p)) > rem {
		p = p[:rem]
	}
	if w.lower.Capabilities().Has(CapSeek) {
		if _, err := w.lower.Seek(w.resolvedStart+w.pos, io.SeekStart); err != nil {
			return 0, err
		}
	}
	n, err := w.lower.Read(p)
	w.pos += int64(n)
	return n, err
}

func (w *windowSource) Close() error {
	if w.lowerOpen && w.OpenCount() <= 1 {
		w.lowerOpen = false
		_ = w.lower.Close()
	}
	return w.MarkClosed()
}

func (w *windowSource) Seek(offset int64, whence int) (int64, error) {
	w.ResetEOF()
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = w.pos + offset
	case io.SeekEnd:
		if w.resolvedEnd < 0 {
			return 0, wrapErr(ErrSeek, errors.New("window has unknown length"))
		}
		newPos = (w.resolvedEnd - w.resolvedStart) + offset
	}
	if newPos < 0 {
		return 0, wrapErr(ErrSeek, errors.New("negative seek"))
	}
	w.pos = newPos
	return newPos, nil
}

func (w *windowSource) Tell() (int64, error) { return w.pos, nil }

func (w *windowSource) Stat() (Stat, error) {
	st := w.statHint
	if w.haveLen {
		st.Size, st.SizeValid = uint64(w.length), true
	}
	return st, nil
}

// SetStatHint lets the caller (the entry-read pipeline builder) attach the
// CRC/mtime/method metadata from the central directory, which is then
// merged with (and, for Size, overridden by) the window's own length.
func (w *windowSource) SetStatHint(st Stat) { w.statHint = st }

func (w *windowSource) Free() error {
	if !w.CanFree() {
		return wrapErr(ErrInUse, errors.New("window source busy"))
	}
	if w.lower != nil && !w.closed {
		return w.lower.Free()
	}
	return nil
}
