package zipserve

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
)

// Length sentinels recognized by NewFileSource, per spec §6.
const (
	LengthToEnd    int64 = 0
	LengthUnchecked int64 = -2
)

// fileSource is the platform file-I/O backend spec §1 calls out as an
// external collaborator: a generic os.File-based Source good enough for
// POSIX-like systems. Windows-handle-specific backends are out of scope
// (spec §1 Non-goals).
type fileSource struct {
	Lifecycle
	path   string
	length int64 // LengthToEnd or LengthUnchecked or an exact byte count

	f *os.File // read-side handle, opened lazily by Open

	tempPath string
	tempFile *os.File // write-side handle
	create   bool
	excl     bool
}

// NewFileSource opens path as a read/write Source. If create is true and
// the file does not exist, it will be created on commit. length may be
// LengthToEnd (read to actual EOF at Open time) or LengthUnchecked (skip
// the bound check, for partial views), or an exact expected size.
func NewFileSource(path string, create bool, length int64) Source {
	return &fileSource{path: path, length: length, create: create}
}

func (s *fileSource) Capabilities() Capability {
	caps := Writable | CapReopen | CapBeginWriteCloning | CapGetFileAttributes
	if s.create {
		caps |= CapAcceptEmpty
	}
	return caps
}

// Open is reentrant: a fileSource may legitimately be opened more than
// once at a time (e.g. OpenEntry wraps it in a windowSource that opens
// the lower source independently of whatever already holds it open
// during Commit). Only the first logical open touches the filesystem;
// later ones just bump the reader count onto the existing handle.
func (s *fileSource) Open() error {
	if s.f != nil {
		return s.MarkOpen()
	}
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) && s.create {
			return s.MarkOpen()
		}
		return wrapErr(ErrOpen, err)
	}
	s.f = f
	return s.MarkOpen()
}

func (s *fileSource) Read(p []byte) (int, error) {
	if s.f == nil {
		return 0, io.EOF
	}
	return s.f.Read(p)
}

func (s *fileSource) Close() error {
	last := s.openCount <= 1
	if s.f != nil && last {
		err := s.f.Close()
		s.f = nil
		s.MarkClosed()
		if err != nil {
			return wrapErr(ErrClose, err)
		}
		return nil
	}
	return s.MarkClosed()
}

func (s *fileSource) Seek(offset int64, whence int) (int64, error) {
	s.ResetEOF()
	if s.f == nil {
		if offset == 0 {
			return 0, nil
		}
		return 0, wrapErr(ErrSeek, errors.New("seek on nonexistent file"))
	}
	n, err := s.f.Seek(offset, whence)
	if err != nil {
		return 0, wrapErr(ErrSeek, err)
	}
	return n, nil
}

func (s *fileSource) Tell() (int64, error) {
	if s.f == nil {
		return 0, nil
	}
	n, err := s.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, wrapErr(ErrTell, err)
	}
	return n, nil
}

func (s *fileSource) Stat() (Stat, error) {
	var st Stat
	if s.f == nil {
		st.Size, st.SizeValid = 0, true
		return st, nil
	}
	info, err := s.f.Stat()
	if err != nil {
		return st, wrapErr(ErrRead, err)
	}
	size := info.Size()
	if s.length > 0 {
		size = s.length
	}
	st.Size, st.SizeValid = uint64(size), true
	st.Mtime, st.MtimeValid = info.ModTime(), true
	return st, nil
}

func (s *fileSource) Free() error {
	if !s.CanFree() {
		return wrapErr(ErrInUse, errors.New("source has open readers or pending write"))
	}
	return nil
}

func randomTag() string {
	var b [3]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func (s *fileSource) openTemp() error {
	dir := filepath.Dir(s.path)
	base := filepath.Base(s.path)
	name := fmt.Sprintf("%s.%s.part", base, randomTag())
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return wrapErr(ErrTmpOpen, err)
	}
	s.tempFile = f
	s.tempPath = f.Name()
	return nil
}

func (s *fileSource) BeginWrite() error {
	if err := s.Lifecycle.BeginWrite(); err != nil {
		return err
	}
	return s.openTemp()
}

// BeginWriteCloning opens the temp file with its first offset bytes copied
// from the current read-side content, attempting a copy-on-write clone on
// platforms that support it before falling back to a plain copy (spec §5
// "Temp files").
func (s *fileSource) BeginWriteCloning(offset int64) error {
	if err := s.Lifecycle.BeginWrite(); err != nil {
		return err
	}
	if err := s.openTemp(); err != nil {
		return err
	}
	if offset <= 0 {
		return nil
	}

	// The archive's own read side is normally closed by the time Commit
	// reaches here (Lifecycle.BeginWrite refuses while it's open), so
	// there is usually no s.f to clone from yet; open a private handle
	// for the copy instead of requiring the caller to have one open.
	src := s.f
	if src == nil {
		f, err := os.Open(s.path)
		if err != nil {
			return s.Lifecycle.Fail(wrapErr(ErrOpen, err))
		}
		defer f.Close()
		src = f
	} else if _, err := src.Seek(0, io.SeekStart); err != nil {
		return s.Lifecycle.Fail(wrapErr(ErrSeek, err))
	}

	if err := cloneFileRange(src, s.tempFile, offset); err != nil {
		if _, serr := src.Seek(0, io.SeekStart); serr != nil {
			return s.Lifecycle.Fail(wrapErr(ErrSeek, serr))
		}
		if _, cerr := io.CopyN(s.tempFile, src, offset); cerr != nil {
			return s.Lifecycle.Fail(wrapErr(ErrWrite, cerr))
		}
	}
	if _, err := s.tempFile.Seek(offset, io.SeekStart); err != nil {
		return s.Lifecycle.Fail(wrapErr(ErrSeek, err))
	}
	return nil
}

// cloneFileRange attempts a reflink/clone of the first n bytes of src into
// dst. Platform-specific clone syscalls (FICLONERANGE, clonefile) are not
// wired here (spec §1 Non-goal: platform-specific backends); this always
// returns an error so BeginWriteCloning falls back to a plain copy, which is
// functionally equivalent and keeps the core portable.
func cloneFileRange(src, dst *os.File, n int64) error {
	_ = runtime.GOOS
	return errors.New("clone not supported on this platform")
}

func (s *fileSource) CommitWrite() error {
	if s.tempFile == nil {
		return wrapErr(ErrInval, errors.New("no write in progress"))
	}
	if err := s.tempFile.Close(); err != nil {
		return s.Lifecycle.Fail(wrapErr(ErrClose, err))
	}
	if err := os.Rename(s.tempPath, s.path); err != nil {
		return s.Lifecycle.Fail(wrapErr(ErrRename, err))
	}
	s.tempFile = nil
	s.tempPath = ""
	return s.Lifecycle.CommitWrite()
}

func (s *fileSource) RollbackWrite() error {
	if s.tempFile != nil {
		_ = s.tempFile.Close()
		_ = os.Remove(s.tempPath)
		s.tempFile = nil
		s.tempPath = ""
	}
	return s.Lifecycle.RollbackWrite()
}

func (s *fileSource) Write(p []byte) (int, error) {
	if s.tempFile == nil {
		return 0, wrapErr(ErrInval, errors.New("no write in progress"))
	}
	n, err := s.tempFile.Write(p)
	if err != nil {
		return n, s.Lifecycle.Fail(wrapErr(ErrWrite, err))
	}
	return n, nil
}

func (s *fileSource) SeekWrite(offset int64, whence int) error {
	if s.tempFile == nil {
		return wrapErr(ErrInval, errors.New("no write in progress"))
	}
	_, err := s.tempFile.Seek(offset, whence)
	if err != nil {
		return wrapErr(ErrSeek, err)
	}
	return nil
}

func (s *fileSource) TellWrite() (int64, error) {
	if s.tempFile == nil {
		return 0, wrapErr(ErrInval, errors.New("no write in progress"))
	}
	n, err := s.tempFile.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, wrapErr(ErrTell, err)
	}
	return n, nil
}

func (s *fileSource) Remove() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return wrapErr(ErrRemove, err)
	}
	s.SetRemoved()
	return nil
}

func (s *fileSource) GetFileAttributes() (FileAttributes, error) {
	attrs := FileAttributes{HostSystem: creatorUnix, VersionNeeded: zipVersion20}
	if s.f != nil {
		if info, err := s.f.Stat(); err == nil {
			attrs.ExternalAttrs = fileModeToUnixMode(info.Mode()) << 16
		}
	} else if info, err := os.Stat(s.path); err == nil {
		attrs.ExternalAttrs = fileModeToUnixMode(info.Mode()) << 16
	}
	return attrs, nil
}

// bufferSource is a fully in-memory Source, the Go analogue of libzip's
// source_buffer / examples/in-memory.c. It does not accept an empty archive
// for open (ACCEPT_EMPTY is false, unlike file sources), matching spec §6's
// table distinguishing file sources from non-file sources.
type bufferSource struct {
	Lifecycle
	unsupportedFileAttributes
	data   []byte
	reader *bytes.Reader
	wbuf   bytes.Buffer
}

// NewBufferSource builds an in-memory Source over data, useful for tests and
// small in-process archives. It is writable: a committed write replaces data.
func NewBufferSource(data []byte) Source {
	return &bufferSource{data: data}
}

func (s *bufferSource) Capabilities() Capability {
	return Writable | CapReopen
}

// Open is reentrant for the same reason as fileSource.Open: a nested
// OpenEntry pipeline may open the same source a second time while an
// outer Commit still holds it open.
func (s *bufferSource) Open() error {
	if s.reader == nil {
		s.reader = bytes.NewReader(s.data)
	}
	return s.MarkOpen()
}

func (s *bufferSource) Read(p []byte) (int, error) {
	if s.reader == nil {
		return 0, io.EOF
	}
	return s.reader.Read(p)
}

func (s *bufferSource) Close() error {
	if s.openCount <= 1 {
		s.reader = nil
	}
	return s.MarkClosed()
}

func (s *bufferSource) Seek(offset int64, whence int) (int64, error) {
	s.ResetEOF()
	if s.reader == nil {
		return 0, wrapErr(ErrSeek, errors.New("source not open"))
	}
	n, err := s.reader.Seek(offset, whence)
	if err != nil {
		return 0, wrapErr(ErrSeek, err)
	}
	return n, nil
}

func (s *bufferSource) Tell() (int64, error) {
	if s.reader == nil {
		return 0, nil
	}
	return s.reader.Seek(0, io.SeekCurrent)
}

func (s *bufferSource) Stat() (Stat, error) {
	return Stat{Size: uint64(len(s.data)), SizeValid: true}, nil
}

func (s *bufferSource) Free() error {
	if !s.CanFree() {
		return wrapErr(ErrInUse, errors.New("buffer source busy"))
	}
	return nil
}

func (s *bufferSource) BeginWrite() error {
	if err := s.Lifecycle.BeginWrite(); err != nil {
		return err
	}
	s.wbuf.Reset()
	return nil
}

func (s *bufferSource) BeginWriteCloning(offset int64) error {
	if err := s.Lifecycle.BeginWrite(); err != nil {
		return err
	}
	s.wbuf.Reset()
	if offset > 0 && offset <= int64(len(s.data)) {
		s.wbuf.Write(s.data[:offset])
	}
	return nil
}

func (s *bufferSource) CommitWrite() error {
	s.data = append([]byte(nil), s.wbuf.Bytes()...)
	s.wbuf.Reset()
	return s.Lifecycle.CommitWrite()
}

func (s *bufferSource) RollbackWrite() error {
	s.wbuf.Reset()
	return s.Lifecycle.RollbackWrite()
}

func (s *bufferSource) Write(p []byte) (int, error) {
	return s.wbuf.Write(p)
}

func (s *bufferSource) SeekWrite(offset int64, whence int) error {
	return wrapErr(ErrOpNotSupp, errors.New("buffer write side is append-only"))
}

func (s *bufferSource) TellWrite() (int64, error) {
	return int64(s.wbuf.Len()), nil
}

func (s *bufferSource) Remove() error {
	s.data = nil
	s.SetRemoved()
	return nil
}

// Bytes returns the buffer's current committed content.
func (s *bufferSource) Bytes() []byte { return s.data }
