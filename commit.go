package zipserve

import (
	"bytes"
	"errors"
	"hash"
	"hash/crc32"
	"io"
)

// teeCountSource wraps a plaintext Source, counting bytes and accumulating
// their CRC-32 as they're read, so the commit loop can learn an entry's
// final uncompressed size and checksum without trusting any upstream
// Stat() implementation's notion of "size" (which, once compression or
// encryption is layered on, may describe the wrapped stream rather than
// the original content).
type teeCountSource struct {
	Source
	h     hash.Hash32
	count uint64
}

func (t *teeCountSource) Read(p []byte) (int, error) {
	n, err := t.Source.Read(p)
	if n > 0 {
		t.h.Write(p[:n])
		t.count += uint64(n)
	}
	return n, err
}

// entryNeedsRewrite reports whether e's output local header+data cannot be
// a verbatim copy of the original bytes: it's new, deleted, renamed,
// recompressed, re-encrypted, or carries an attached data source, per
// spec §4.9 step 1 ("earliest changed entry").
func entryNeedsRewrite(e *Entry) bool {
	return e.deleted || e.original == nil || e.changed != 0 || e.source != nil
}

// firstRewriteIndex returns the lowest index whose entry needs rewriting,
// or len(entries) if every entry is an unmodified copy of the original
// archive. Archive-level changes (comment, torrentzip) are not considered
// here; Commit checks them separately.
func (ar *Archive) firstRewriteIndex() int {
	for i, e := range ar.entries {
		if entryNeedsRewrite(e) {
			return i
		}
	}
	return len(ar.entries)
}

// Commit writes out every pending change and closes the archive, per spec
// §4.9's commit sequence. On success the Archive is no longer usable;
// callers that want to keep working with the result should Open the
// source again.
func (ar *Archive) Commit() error {
	if ar.closed {
		return newErr(ErrZipClosed)
	}

	k := ar.firstRewriteIndex()
	noArchiveLevelChange := !ar.commentChanged && ar.wantTorrentzip == ar.isTorrentzip
	if k == len(ar.entries) && noArchiveLevelChange {
		ar.closed = true
		return ar.source.Free()
	}
	if ar.readOnly {
		return newErr(ErrRDOnly)
	}

	progress := newProgressTracker(ar.progressFn, ar.cancelFn, ar.progressPrecision)

	var cloneOffset int64
	if k > 0 {
		if k < ar.originalEntryCount {
			cloneOffset = int64(ar.entries[k].original.localOffset)
		} else {
			cloneOffset = int64(ar.originalCdirOffset)
		}
	}

	// BeginWrite refuses while the archive's read side is open (Lifecycle's
	// "no readers while writing" rule), so it must run before we reopen
	// that read side below for the old-bytes copy.
	caps := ar.source.Capabilities()
	var err error
	if cloneOffset > 0 && caps.Has(CapBeginWriteCloning) {
		err = ar.source.BeginWriteCloning(cloneOffset)
	} else {
		err = ar.source.BeginWrite()
	}
	if err != nil {
		return err
	}

	if err := ar.source.Open(); err != nil {
		_ = ar.source.RollbackWrite()
		return err
	}
	defer ar.source.Close()

	if !caps.Has(CapBeginWriteCloning) && cloneOffset > 0 {
		if err := ar.copyPrefix(cloneOffset); err != nil {
			_ = ar.source.RollbackWrite()
			return err
		}
	}

	tzWriter := newTorrentzipWriter(ar.wantTorrentzip)

	survivors := make([]*Entry, 0, len(ar.entries))
	for i := 0; i < k; i++ {
		survivors = append(survivors, ar.entries[i])
	}

	total := len(ar.entries) - k
	done := 0
	for i := k; i < len(ar.entries); i++ {
		e := ar.entries[i]
		if e.deleted {
			done++
			if progress.update(float64(done) / float64(maxInt(total, 1))) {
				_ = ar.source.RollbackWrite()
				return newErr(ErrCancelled)
			}
			continue
		}
		offset, err := ar.source.TellWrite()
		if err != nil {
			_ = ar.source.RollbackWrite()
			return err
		}
		d, err := ar.writeEntry(e, uint64(offset), tzWriter)
		if err != nil {
			_ = ar.source.RollbackWrite()
			return err
		}
		e.original = d
		e.changes = nil
		e.changed = 0
		e.source = nil
		survivors = append(survivors, e)

		done++
		if progress.update(float64(done) / float64(maxInt(total, 1))) {
			_ = ar.source.RollbackWrite()
			return newErr(ErrCancelled)
		}
	}

	cdirOffset, err := ar.source.TellWrite()
	if err != nil {
		_ = ar.source.RollbackWrite()
		return err
	}

	cdirSize := int64(0)
	for _, e := range survivors {
		n, err := tzWriter.writeCentral(ar.source, e.original)
		if err != nil {
			_ = ar.source.RollbackWrite()
			return err
		}
		cdirSize += n
	}

	comment := ar.comment
	if tzWriter.enabled {
		comment = tzWriter.comment()
	}
	if err := writeEOCD(ar.source, len(survivors), uint64(cdirSize), uint64(cdirOffset), comment); err != nil {
		_ = ar.source.RollbackWrite()
		return err
	}

	if err := ar.source.CommitWrite(); err != nil {
		return err
	}

	ar.entries = survivors
	ar.isTorrentzip = tzWriter.enabled
	ar.commentChanged = false
	ar.closed = true

	// Close the read side before Free: Free requires no readers open, and
	// the deferred Close above only runs after this return is evaluated.
	if err := ar.source.Close(); err != nil {
		return err
	}
	return ar.source.Free()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// copyPrefix copies the first n bytes of the archive source's read side
// onto its write side, used as the portable fallback when the source
// doesn't support BeginWriteCloning.
func (ar *Archive) copyPrefix(n int64) error {
	if _, err := ar.source.Seek(0, io.SeekStart); err != nil {
		return wrapErr(ErrSeek, err)
	}
	buf := make([]byte, 64*1024)
	var copied int64
	for copied < n {
		want := n - copied
		if want > int64(len(buf)) {
			want = int64(len(buf))
		}
		nr, rerr := ar.source.Read(buf[:want])
		if nr > 0 {
			if _, werr := ar.source.Write(buf[:nr]); werr != nil {
				return werr
			}
			copied += int64(nr)
		}
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			return wrapErr(ErrRead, rerr)
		}
	}
	if copied != n {
		return wrapErr(ErrRead, errors.New("zip: short read copying archive prefix"))
	}
	return nil
}

// writeEntry writes entry e's local header and data at the write side's
// current position (already seeked to offset), returning the dirent
// describing what was actually written.
func (ar *Archive) writeEntry(e *Entry, offset uint64, tz *torrentzipWriter) (*dirent, error) {
	if !entryNeedsRewrite(e) {
		return ar.copyEntryVerbatim(e, offset)
	}

	d := e.live().clone()
	d.localOffset = offset

	if tz.enabled {
		tz.normalize(d)
	} else {
		d.syncUTF8Flag()
	}

	plain, err := ar.plaintextSourceFor(e)
	if err != nil {
		return nil, err
	}
	if err := plain.Open(); err != nil {
		return nil, err
	}
	defer plain.Close()

	pickBest := d.method == methodReplacedDefault && !tz.enabled
	method := d.method
	if method == methodReplacedDefault || tz.enabled {
		method = Deflate
	}
	level := d.compressionLevel
	if tz.enabled {
		level = 9
	}

	algo := lookupAlgorithm(method)
	if method != Store && algo == nil {
		return nil, newErr(ErrCompNotSupp)
	}

	tee := &teeCountSource{Source: plain, h: crc32.NewIEEE()}

	var pipeline Source = tee
	if method != Store {
		pipeline = NewCompressSource(tee, algo, level, pickBest)
	}

	switch d.encryptionMethod {
	case EncryptionTraditionalPKWARE:
		pw := d.password
		if pw == "" {
			pw = ar.defaultPassword
		}
		pipeline = NewPKWAREEncryptSource(pipeline, pw, d.modified)
	case EncryptionAES128, EncryptionAES192, EncryptionAES256:
		pw := d.password
		if pw == "" {
			pw = ar.defaultPassword
		}
		pipeline = NewWinZipAESEncryptSource(pipeline, pw, d.encryptionMethod)
	}

	if err := pipeline.Open(); err != nil {
		return nil, err
	}
	defer pipeline.Close()

	if tz.enabled || pickBest {
		// Torrentzip's canonical form fixes the general-purpose flags at
		// 0x0002 (APPNOTE "maximum compression" with no data descriptor),
		// so the compressed bytes must be fully buffered before the local
		// header is written, rather than streamed with sizes filled in
		// after the fact. Pick-best needs the same treatment: the method
		// that ends up in the local header (Deflate, or Store on
		// fallback) isn't known until the compressor has decided, which
		// for a small enough entry can happen only after it has seen all
		// of the input.
		var compressed bytes.Buffer
		buf := make([]byte, 64*1024)
		for {
			n, rerr := pipeline.Read(buf)
			if n > 0 {
				compressed.Write(buf[:n])
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				return nil, wrapErr(ErrRead, rerr)
			}
		}

		if pickBest {
			if st, err := pipeline.Stat(); err == nil && st.MethodValid {
				d.method = st.Method
			}
		}

		d.compSize = uint64(compressed.Len())
		d.uncompSize = tee.count
		d.crc32 = tee.h.Sum32()

		if _, err := d.writeLocal(writerAdapter{ar.source}, false); err != nil {
			return nil, err
		}
		if _, err := ar.source.Write(compressed.Bytes()); err != nil {
			return nil, err
		}
		return d, nil
	}

	d.flags |= 1 << 3 // data descriptor follows, since sizes aren't known yet
	if _, err := d.writeLocal(writerAdapter{ar.source}, true); err != nil {
		return nil, err
	}

	buf := make([]byte, 64*1024)
	var compSize uint64
	for {
		n, rerr := pipeline.Read(buf)
		if n > 0 {
			if _, werr := ar.source.Write(buf[:n]); werr != nil {
				return nil, werr
			}
			compSize += uint64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, wrapErr(ErrRead, rerr)
		}
	}

	d.compSize = compSize
	d.uncompSize = tee.count
	d.crc32 = tee.h.Sum32()

	if err := writeDataDescriptor(ar.source, d); err != nil {
		return nil, err
	}

	return d, nil
}

// copyEntryVerbatim streams entry e's original local header and compressed
// bytes unchanged onto the write side, for entries after the rewrite point
// that have no pending changes at all.
func (ar *Archive) copyEntryVerbatim(e *Entry, offset uint64) (*dirent, error) {
	d := e.original.clone()
	d.localOffset = offset

	hdrLen, err := localHeaderLength(ar.source, int64(e.original.localOffset))
	if err != nil {
		return nil, err
	}
	dataLen := int64(e.original.compSize)
	descLen := int64(0)
	if e.original.flags&(1<<3) != 0 {
		descLen = dataDescriptorLen
		if e.original.isZip64() {
			descLen = dataDescriptor64Len
		}
	}
	total := hdrLen + dataLen + descLen

	if _, err := ar.source.Seek(int64(e.original.localOffset), io.SeekStart); err != nil {
		return nil, wrapErr(ErrSeek, err)
	}
	buf := make([]byte, 64*1024)
	var copied int64
	for copied < total {
		want := total - copied
		if want > int64(len(buf)) {
			want = int64(len(buf))
		}
		n, rerr := ar.source.Read(buf[:want])
		if n > 0 {
			if _, werr := ar.source.Write(buf[:n]); werr != nil {
				return nil, werr
			}
			copied += int64(n)
		}
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			return nil, wrapErr(ErrRead, rerr)
		}
	}
	if copied != total {
		return nil, wrapErr(ErrRead, errors.New("zip: short read copying entry data"))
	}
	return d, nil
}

// plaintextSourceFor returns the uncompressed/decrypted content to feed
// the compress+encrypt pipeline: the entry's attached source for new or
// replaced content, or a decode of the original bytes when only metadata
// (name, comment, compression method) changed.
func (ar *Archive) plaintextSourceFor(e *Entry) (Source, error) {
	if e.source != nil {
		return e.source, nil
	}
	idx := -1
	for i, other := range ar.entries {
		if other == e {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, newErr(ErrInternal)
	}
	return ar.OpenEntry(idx, "")
}

// writerAdapter adapts a Source to io.Writer for dirent.writeLocal, which
// only needs the Write side.
type writerAdapter struct{ s Source }

func (w writerAdapter) Write(p []byte) (int, error) { return w.s.Write(p) }

func writeDataDescriptor(w Source, d *dirent) error {
	useZip64 := d.isZip64()
	size := dataDescriptorLen
	if useZip64 {
		size = dataDescriptor64Len
	}
	buf := make([]byte, size)
	b := buffer{data: buf, ok: true}
	b.putU32(dataDescriptorSignature)
	b.putU32(d.crc32)
	if useZip64 {
		b.putU64(d.compSize)
		b.putU64(d.uncompSize)
	} else {
		b.putU32(uint32(d.compSize))
		b.putU32(uint32(d.uncompSize))
	}
	if !b.ok {
		return wrapErr(ErrInternal, errors.New("zip: data descriptor encode overflow"))
	}
	if _, err := w.Write(buf); err != nil {
		return wrapErr(ErrWrite, err)
	}
	return nil
}

// writeEOCD writes the central directory end record, promoting to ZIP64
// (plus the ZIP64 locator) whenever any field overflows its 32-bit slot,
// per spec §4.9's commit sequence.
func writeEOCD(w Source, count int, cdirSize, cdirOffset uint64, comment []byte) error {
	needZip64 := count >= uint16max || cdirSize >= uint32max || cdirOffset >= uint32max

	if needZip64 {
		eocd64Offset, err := w.TellWrite()
		if err != nil {
			return wrapErr(ErrTell, err)
		}
		buf := make([]byte, directory64EndLen)
		b := buffer{data: buf, ok: true}
		b.putU32(directory64EndSignature)
		b.putU64(uint64(directory64EndLen - 12))
		b.putU16(zipVersion45)
		b.putU16(zipVersion45)
		b.putU32(0) // disk number
		b.putU32(0) // disk with central dir start
		b.putU64(uint64(count))
		b.putU64(uint64(count))
		b.putU64(cdirSize)
		b.putU64(cdirOffset)
		if !b.ok {
			return wrapErr(ErrInternal, errors.New("zip: eocd64 encode overflow"))
		}
		if _, err := w.Write(buf); err != nil {
			return wrapErr(ErrWrite, err)
		}

		var locBuf [directory64LocLen]byte
		lb := buffer{data: locBuf[:], ok: true}
		lb.putU32(directory64LocSignature)
		lb.putU32(0) // disk with zip64 eocd
		lb.putU64(uint64(eocd64Offset))
		lb.putU32(1) // total number of disks
		if !lb.ok {
			return wrapErr(ErrInternal, errors.New("zip: eocd64 locator encode overflow"))
		}
		if _, err := w.Write(locBuf[:]); err != nil {
			return wrapErr(ErrWrite, err)
		}
	}

	recCount := count
	if needZip64 {
		recCount = uint16max
	}
	recCdirSize := cdirSize
	if needZip64 {
		recCdirSize = uint32max
	}
	recCdirOffset := cdirOffset
	if needZip64 {
		recCdirOffset = uint32max
	}

	var buf [directoryEndLen]byte
	b := buffer{data: buf[:], ok: true}
	b.putU32(directoryEndSignature)
	b.putU16(0) // disk number
	b.putU16(0) // disk with central dir start
	b.putU16(uint16(recCount))
	b.putU16(uint16(recCount))
	b.putU32(uint32(recCdirSize))
	b.putU32(uint32(recCdirOffset))
	b.putU16(uint16(len(comment)))
	if !b.ok {
		return wrapErr(ErrInternal, errors.New("zip: eocd encode overflow"))
	}
	if _, err := w.Write(buf[:]); err != nil {
		return wrapErr(ErrWrite, err)
	}
	if _, err := w.Write(comment); err != nil {
		return wrapErr(ErrWrite, err)
	}
	return nil
}

