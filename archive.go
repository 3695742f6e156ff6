// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipserve

import (
	"compress/flate"
	"encoding/binary"
	"errors"
	"io"
	"net/http"
	"os"
	"time"
)

// OpenFlags controls Open's behavior, per spec §4.9.
type OpenFlags uint32

const (
	// OpenCheckConsistency runs the local/central header cross-check
	// (CHECKCONS) described in spec §4.7 while reading the central
	// directory.
	OpenCheckConsistency OpenFlags = 1 << iota
	// OpenRDOnly forces a read-only archive even if the source supports
	// writing.
	OpenRDOnly
	// OpenWantTorrentzip normalizes the archive to torrentzip form on
	// commit, per spec §4.9's "Torrentzip normalization".
	OpenWantTorrentzip
)

// methodReplacedDefault is the sentinel spec §4.9 calls REPLACED_DEFAULT:
// file_replace sets it so the commit path recompresses with the default
// method/level instead of preserving whatever the entry previously used.
const methodReplacedDefault uint16 = 0xffff

// Entry is one archive member across its lifetime: the dirent parsed at
// open time (original, nil for a brand-new entry), a clone diverging only
// in caller-touched fields (changes, nil if untouched), an attached data
// source for new/replaced content, and a tombstone flag, per spec §4.6's
// per-entry state machine.
type Entry struct {
	original *dirent
	changes  *dirent
	changed  changedField
	source   Source
	deleted  bool
}

// live returns the dirent that currently describes the entry: changes if
// present, otherwise original.
func (e *Entry) live() *dirent {
	if e.changes != nil {
		return e.changes
	}
	return e.original
}

// Name returns the entry's current name.
func (e *Entry) Name() string { return e.live().name.String() }

// Mode returns the Unix permission/type bits stored in the entry's external
// attributes, or 0 if the entry wasn't recorded by a Unix-like host.
func (e *Entry) Mode() os.FileMode {
	d := e.live()
	switch d.versionMadeBy >> 8 {
	case creatorUnix, creatorMacOSX:
		return unixModeToFileMode(d.externalAttrs >> 16)
	default:
		return 0
	}
}

// Archive is an open ZIP archive: the parsed entry table plus pending
// mutations, per spec §4.9's state machine. It is not safe for concurrent
// use from multiple goroutines.
type Archive struct {
	source   Source
	readOnly bool
	closed   bool

	entries []*Entry
	names   *nameHashIndex

	// originalEntryCount and originalCdirOffset describe the archive as
	// parsed at Open time, before any mutation: used by Commit to find
	// where the unchanged-prefix clone ends when every original entry is
	// kept but new ones were appended, per spec §4.9 step 1.
	originalEntryCount int
	originalCdirOffset uint64

	comment        []byte
	commentChanged bool
	wantTorrentzip bool
	isTorrentzip   bool

	defaultPassword string

	progressFn        ProgressFunc
	cancelFn          CancelFunc
	progressPrecision float64
}

// Open parses source (which must support a seekable read) as a ZIP
// archive, per spec §4.9's Open sequence.
func Open(source Source, flags OpenFlags) (*Archive, error) {
	ar := &Archive{source: source, names: newNameHashIndex()}
	ar.wantTorrentzip = flags&OpenWantTorrentzip != 0

	caps := source.Capabilities()
	if !caps.Has(Seekable) {
		return nil, wrapErr(ErrOpNotSupp, errors.New("zip: archive source is not seekable"))
	}
	ar.readOnly = flags&OpenRDOnly != 0 || !caps.Has(Writable)

	if err := source.Open(); err != nil {
		return nil, err
	}

	st, err := source.Stat()
	if err != nil {
		_ = source.Close()
		return nil, err
	}

	if caps.Has(CapAcceptEmpty) && st.SizeValid && st.Size == 0 {
		_ = source.Close()
		return ar, nil
	}
	if !st.SizeValid {
		_ = source.Close()
		return nil, wrapErr(ErrNoZip, errors.New("zip: archive source does not know its size"))
	}

	info, err := findCentralDirectory(source, int64(st.Size), flags&OpenCheckConsistency != 0)
	if err != nil {
		_ = source.Close()
		return nil, err
	}

	ar.isTorrentzip = info.isTorrentzip
	ar.comment = info.comment
	ar.entries = make([]*Entry, len(info.entries))
	for i, d := range info.entries {
		ar.entries[i] = &Entry{original: d}
		ar.names.addOriginal(d.name.String(), i)
	}
	ar.originalEntryCount = len(info.entries)
	ar.originalCdirOffset = info.cdirOffset

	// The source is only held open transiently here to parse the central
	// directory; every later access (entry reads, commit) reopens it around
	// its own bracket, per Lifecycle's "no readers while writing" rule.
	if err := source.Close(); err != nil {
		return nil, err
	}
	return ar, nil
}

// SetProgress registers the progress/cancel hooks used during Commit, per
// spec §4.9 step 3d. precision is the minimum ratio delta between
// progress callbacks (see progress.go).
func (ar *Archive) SetProgress(fn ProgressFunc, cancel CancelFunc, precision float64) {
	ar.progressFn, ar.cancelFn, ar.progressPrecision = fn, cancel, precision
}

// SetDefaultPassword sets the password used to decrypt/encrypt entries
// that don't carry one of their own.
func (ar *Archive) SetDefaultPassword(password string) { ar.defaultPassword = password }

func (ar *Archive) checkWritable() error {
	if ar.closed {
		return newErr(ErrZipClosed)
	}
	if ar.readOnly {
		return newErr(ErrRDOnly)
	}
	return nil
}

// NumEntries returns the number of entries currently in the archive
// (including tombstoned ones; callers should check Entry.Deleted).
func (ar *Archive) NumEntries() int { return len(ar.entries) }

// EntryAt returns entry i, or nil if out of range.
func (ar *Archive) EntryAt(i int) *Entry {
	if i < 0 || i >= len(ar.entries) {
		return nil
	}
	return ar.entries[i]
}

// Deleted reports whether the entry has been marked for removal.
func (e *Entry) Deleted() bool { return e.deleted }

// FileAdd attaches source as new archive content under name, per spec
// §4.9 file_add.
func (ar *Archive) FileAdd(name string, source Source) (int, error) {
	if err := ar.checkWritable(); err != nil {
		return -1, err
	}
	idx := len(ar.entries)
	if err := ar.names.add(name, idx, 0); err != nil {
		return -1, err
	}
	d := &dirent{name: NewUTF8String(name), modified: time.Now(), versionNeeded: zipVersion20}
	if source.Capabilities().Has(CapGetFileAttributes) {
		if attrs, err := source.GetFileAttributes(); err == nil {
			d.versionMadeBy = uint16(attrs.HostSystem)<<8 | zipVersion20
			d.externalAttrs = attrs.ExternalAttrs
			if attrs.VersionNeeded > d.versionNeeded {
				d.versionNeeded = attrs.VersionNeeded
			}
		}
	}
	ar.entries = append(ar.entries, &Entry{changes: d, source: source})
	return idx, nil
}

// FileReplace attaches source as entry i's new content, marking its
// compression method for recompression with the default parameters at
// commit time, per spec §4.9 file_replace.
func (ar *Archive) FileReplace(i int, source Source) error {
	if err := ar.checkWritable(); err != nil {
		return err
	}
	e := ar.EntryAt(i)
	if e == nil {
		return newErr(ErrNoEnt)
	}
	if e.deleted {
		return newErr(ErrDeleted)
	}
	if e.changes == nil {
		e.changes = e.original.clone()
	}
	e.changes.method = methodReplacedDefault
	e.changed |= changedMethod
	e.source = source
	return nil
}

// FileRename updates entry i's name, maintaining the name index, per spec
// §4.9 file_rename.
func (ar *Archive) FileRename(i int, name string) error {
	if err := ar.checkWritable(); err != nil {
		return err
	}
	e := ar.EntryAt(i)
	if e == nil {
		return newErr(ErrNoEnt)
	}
	if e.deleted {
		return newErr(ErrDeleted)
	}
	oldName := e.Name()
	if oldName == name {
		return nil
	}
	if err := ar.names.add(name, i, 0); err != nil {
		return err
	}
	if e.changes == nil {
		e.changes = e.original.clone()
	}
	e.changes.name = NewUTF8String(name)
	e.changed |= changedName
	ar.names.delete(oldName)
	return nil
}

// SetCompression changes entry i's compression method/level, per spec
// §4.4/§4.9.
func (ar *Archive) SetCompression(i int, method uint16, level int) error {
	if err := ar.checkWritable(); err != nil {
		return err
	}
	e := ar.EntryAt(i)
	if e == nil {
		return newErr(ErrNoEnt)
	}
	if !compressionLevelValid(method, level) {
		return newErr(ErrInval)
	}
	if e.changes == nil {
		e.changes = e.original.clone()
	}
	e.changes.method = method
	e.changes.compressionLevel = level
	e.changed |= changedMethod
	return nil
}

// compressionLevelValid reports whether level is in range for method.
// level 0 always means "algorithm default" and is always accepted. Ranges
// follow each codec's own documented levels: flate 1-9
// (compress/flate.BestSpeed..BestCompression), zstd 1-4
// (zstd.SpeedFastest..SpeedBestCompression); every other algorithm either
// ignores level entirely or clamps internally, so any level is accepted.
func compressionLevelValid(method uint16, level int) bool {
	if level == 0 {
		return true
	}
	switch method {
	case Deflate, methodReplacedDefault:
		return level >= flate.BestSpeed && level <= flate.BestCompression
	case zstdAlgorithm{}.Method():
		return level >= 1 && level <= 4
	default:
		return true
	}
}

// SetFileComment sets entry i's comment.
func (ar *Archive) SetFileComment(i int, comment string) error {
	if err := ar.checkWritable(); err != nil {
		return err
	}
	e := ar.EntryAt(i)
	if e == nil {
		return newErr(ErrNoEnt)
	}
	if len(comment) > uint16max {
		return wrapErr(ErrInval, errors.New("zip: file comment too long"))
	}
	if e.changes == nil {
		e.changes = e.original.clone()
	}
	e.changes.comment = NewUTF8String(comment)
	e.changed |= changedComment
	return nil
}

// SetEntryPassword sets entry i's encryption method and password,
// overriding the archive default.
func (ar *Archive) SetEntryPassword(i int, method EncryptionMethod, password string) error {
	if err := ar.checkWritable(); err != nil {
		return err
	}
	e := ar.EntryAt(i)
	if e == nil {
		return newErr(ErrNoEnt)
	}
	if e.changes == nil {
		e.changes = e.original.clone()
	}
	e.changes.encryptionMethod = method
	e.changes.password = password
	e.changed |= changedEncryptionMethod | changedPassword
	return nil
}

// SetArchiveComment sets the whole-archive comment written at commit.
func (ar *Archive) SetArchiveComment(comment string) error {
	if err := ar.checkWritable(); err != nil {
		return err
	}
	if len(comment) > uint16max {
		return wrapErr(ErrInval, errors.New("zip: archive comment too long"))
	}
	ar.comment = []byte(comment)
	ar.commentChanged = true
	return nil
}

// Delete marks entry i for removal at commit, per spec §4.9 delete.
// Entries without an original (never-committed adds) are tombstoned the
// same way rather than spliced out of the slice immediately; Commit skips
// every tombstoned entry regardless, so the two cases are observably
// identical in the committed archive.
func (ar *Archive) Delete(i int) error {
	if err := ar.checkWritable(); err != nil {
		return err
	}
	e := ar.EntryAt(i)
	if e == nil {
		return newErr(ErrNoEnt)
	}
	if e.deleted {
		return newErr(ErrDeleted)
	}
	ar.names.delete(e.Name())
	e.deleted = true
	return nil
}

// Unchange reverts entry i's pending changes, per spec §4.9 unchange.
// It cannot resurrect an entry that never had an original; callers should
// Delete a brand-new entry instead.
func (ar *Archive) Unchange(i int) error {
	if ar.closed {
		return newErr(ErrZipClosed)
	}
	e := ar.EntryAt(i)
	if e == nil {
		return newErr(ErrNoEnt)
	}
	if e.original == nil {
		return newErr(ErrChanged)
	}
	if e.changes != nil {
		ar.names.delete(e.changes.name.String())
		ar.names.addOriginal(e.original.name.String(), i)
	}
	if e.deleted {
		ar.names.addOriginal(e.original.name.String(), i)
	}
	e.changes = nil
	e.changed = 0
	e.source = nil
	e.deleted = false
	return nil
}

// UnchangeAll reverts every entry's pending changes.
func (ar *Archive) UnchangeAll() {
	for i := range ar.entries {
		if ar.entries[i].original != nil {
			_ = ar.Unchange(i)
		}
	}
}

// UnchangeArchive reverts archive-level pending changes (comment,
// torrentzip request) without touching entries.
func (ar *Archive) UnchangeArchive() {
	ar.commentChanged = false
	ar.wantTorrentzip = false
}

// EntryDataOffset resolves entry index's local-file-data start, per spec
// §4.3's entryDataLocator contract: used by a window source to stream a
// not-yet-committed entry's original bytes out of this archive's source.
func (ar *Archive) EntryDataOffset(index int) (int64, error) {
	e := ar.EntryAt(index)
	if e == nil || e.original == nil {
		return 0, newErr(ErrNoEnt)
	}
	// Bracket our own Open/Close: the caller (a window source resolving its
	// start offset) hasn't opened the lower source yet at this point.
	if err := ar.source.Open(); err != nil {
		return 0, err
	}
	defer ar.source.Close()
	hdrLen, err := localHeaderLength(ar.source, int64(e.original.localOffset))
	if err != nil {
		return 0, err
	}
	return int64(e.original.localOffset) + hdrLen, nil
}

// localHeaderLength returns the byte length of the local header (fixed
// part + filename + extra field) starting at offset, by peeking its
// length fields.
func localHeaderLength(src Source, offset int64) (int64, error) {
	if _, err := src.Seek(offset, io.SeekStart); err != nil {
		return 0, wrapErr(ErrSeek, err)
	}
	var fixed [localFixedLen]byte
	if _, err := io.ReadFull(src, fixed[:]); err != nil {
		return 0, wrapErr(ErrRead, err)
	}
	nameLen := int64(binary.LittleEndian.Uint16(fixed[26:28]))
	extraLen := int64(binary.LittleEndian.Uint16(fixed[28:30]))
	return localFixedLen + nameLen + extraLen, nil
}

// OpenEntry builds the read pipeline for entry i's uncompressed content,
// per spec §4.4: window(local-data-extent) -> [decrypt] -> [decompress]
// -> CRC. If the entry has an attached source (new or replaced content
// not yet committed), that source is returned directly.
func (ar *Archive) OpenEntry(i int, password string) (Source, error) {
	if ar.closed {
		return nil, newErr(ErrZipClosed)
	}
	e := ar.EntryAt(i)
	if e == nil || e.deleted {
		return nil, newErr(ErrNoEnt)
	}
	if e.source != nil {
		return e.source, nil
	}

	d := e.live()
	var src Source = NewWindowSourceForEntry(ar.source, ar, i, 0, int64(d.compSize))

	if d.encryptionMethod != EncryptionNone {
		pw := password
		if pw == "" {
			pw = d.password
		}
		if pw == "" {
			pw = ar.defaultPassword
		}
		if pw == "" {
			return nil, newErr(ErrNoPasswd)
		}
		switch d.encryptionMethod {
		case EncryptionTraditionalPKWARE:
			src = NewPKWAREDecryptSource(src, pw, d.modified)
		case EncryptionAES128, EncryptionAES192, EncryptionAES256:
			src = NewWinZipAESDecryptSource(src, pw, d.encryptionMethod)
		default:
			return nil, newErr(ErrEncrNotSupp)
		}
	}

	if d.method != Store {
		algo := lookupAlgorithm(d.method)
		if algo == nil {
			return nil, newErr(ErrCompNotSupp)
		}
		src = NewDecompressSource(src, algo)
	}

	// WinZip AES version 2 entries store no CRC, so there is nothing to verify.
	expect := Stat{CRC32: d.crc32, CRC32Valid: d.aesVersion != 2, Size: d.uncompSize, SizeValid: true}
	return NewCRCSource(src, expect), nil
}

// Discard revokes all pending changes and frees the archive source
// without writing anything, per spec §4.9's discard.
func (ar *Archive) Discard() error {
	if ar.closed {
		return nil
	}
	ar.closed = true
	return ar.source.Free()
}

// ServeHTTP serves a closed (committed) archive's bytes over HTTP, using
// the archive source's CapRead+CapSeek window to answer range requests.
// This predates the transactional model and is kept as a convenience on
// top of it: it is only meaningful once the archive is closed and no
// longer mutable.
func (ar *Archive) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := ar.source.Open(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer ar.source.Close()

	st, err := ar.source.Stat()
	if err != nil || !st.SizeValid {
		http.Error(w, "archive size unavailable", http.StatusInternalServerError)
		return
	}

	// A committed archive is one contiguous part, but routing it through
	// multiReaderAt keeps ServeHTTP on the same ReaderAt/context-threading
	// plumbing the rest of io.go provides, instead of a bespoke Read/Seek
	// adapter duplicating that logic.
	var parts multiReaderAt
	parts.addSizeReaderAt(&sourceReaderAt{src: ar.source, size: int64(st.Size)})

	_, haveType := w.Header()["Content-Type"]
	if !haveType {
		w.Header().Set("Content-Type", "application/zip")
	}
	rs := io.NewSectionReader(withContext{ctx: r.Context(), r: &parts}, 0, parts.Size())
	http.ServeContent(w, r, "", time.Time{}, rs)
}

// sourceReaderAt adapts a Source's sequential Seek+Read into the
// sizeReaderAt shape multiReaderAt composes over. Source is not safe for
// concurrent use, so callers must serialize ReadAt calls the way
// http.ServeContent already does against a single io.ReaderAt.
type sourceReaderAt struct {
	src  Source
	size int64
}

func (s *sourceReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= s.size {
		return 0, io.EOF
	}
	if _, err := s.src.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(s.src, p)
}

func (s *sourceReaderAt) Size() int64 { return s.size }
