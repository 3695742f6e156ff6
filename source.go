package zipserve

import (
	"errors"
	"io"
	"time"
)

// Capability is a bitmap of the operations a Source supports. Callers
// consult it before calling an operation; calls are not gated on it, and a
// source refuses an operation it lacks itself (the embeddable
// unsupportedWriter/unsupportedFileAttributes return ErrOpNotSupp).
type Capability uint32

const (
	CapRead Capability = 1 << iota
	CapSeek
	CapStat
	CapWrite
	CapSeekWrite
	CapRemove
	CapBeginWriteCloning
	CapReopen           // OPEN may be called again after CLOSE
	CapSupportsReopen   // a just-added entry's source may be read again within the same txn
	CapAcceptEmpty      // a zero-byte stream is a valid archive for this source
	CapGetFileAttributes
)

// Minimum capability sets named by spec §6 "External Interfaces".
const (
	Readable Capability = CapRead
	Seekable            = Readable | CapSeek | CapStat
	Writable            = Seekable | CapWrite | CapSeekWrite | CapRemove
)

// Has reports whether all bits in want are set in c.
func (c Capability) Has(want Capability) bool { return c&want == want }

// EncryptionMethod identifies how an entry's data is encrypted.
type EncryptionMethod uint16

const (
	EncryptionNone         EncryptionMethod = 0
	EncryptionTraditionalPKWARE EncryptionMethod = 0x6601
	EncryptionAES128       EncryptionMethod = 0x0101
	EncryptionAES192       EncryptionMethod = 0x0102
	EncryptionAES256       EncryptionMethod = 0x0103
)

// Stat carries whichever fields a Source knows about its stream. Each field
// has a companion *Valid bool since a layered source often knows only a
// subset (e.g. the window source knows Size but not CRC32).
type Stat struct {
	Size               uint64
	SizeValid          bool
	CompSize           uint64
	CompSizeValid      bool
	Mtime              time.Time
	MtimeValid         bool
	CRC32              uint32
	CRC32Valid         bool
	Method             uint16
	MethodValid        bool
	EncryptionMethod   EncryptionMethod
	EncMethodValid     bool
	Flags              uint16
	FlagsValid         bool
}

// merge fills unset fields of s from other, returning the result. Set fields
// of s always win, matching the window source's "caller-provided stat
// overrides window length" rule (spec §4.3) when applied the right way
// round by the caller.
func (s Stat) merge(other Stat) Stat {
	if !s.SizeValid && other.SizeValid {
		s.Size, s.SizeValid = other.Size, true
	}
	if !s.CompSizeValid && other.CompSizeValid {
		s.CompSize, s.CompSizeValid = other.CompSize, true
	}
	if !s.MtimeValid && other.MtimeValid {
		s.Mtime, s.MtimeValid = other.Mtime, true
	}
	if !s.CRC32Valid && other.CRC32Valid {
		s.CRC32, s.CRC32Valid = other.CRC32, true
	}
	if !s.MethodValid && other.MethodValid {
		s.Method, s.MethodValid = other.Method, true
	}
	if !s.EncMethodValid && other.EncMethodValid {
		s.EncryptionMethod, s.EncMethodValid = other.EncryptionMethod, true
	}
	if !s.FlagsValid && other.FlagsValid {
		s.Flags, s.FlagsValid = other.Flags, true
	}
	return s
}

// FileAttributes supplies host-system/external-attributes/ASCII/version-needed
// hints a source can offer for a newly added entry (spec §4.2 GET_FILE_ATTRIBUTES).
type FileAttributes struct {
	HostSystem    uint8
	ExternalAttrs uint32
	ASCII         bool
	VersionNeeded uint16
}

// Source is the uniform byte-stream abstraction of spec §4.2. Not every
// Source supports every operation; callers must consult Capabilities()
// before calling write-side or seek-side methods. Source embeds io.Reader
// and io.Closer so it composes with the rest of the stdlib io ecosystem for
// the read path; the remaining methods model the write/seek/remove commands.
type Source interface {
	io.Reader
	io.Closer

	// Capabilities returns the fixed capability bitmap for this source.
	Capabilities() Capability

	// Open prepares the source for reading from position 0. May be called
	// again after Close if CapReopen is set.
	Open() error

	Seek(offset int64, whence int) (int64, error)
	Tell() (int64, error)
	Stat() (Stat, error)

	// Free releases the source itself. Only legal once every reader has
	// been Closed and no write is in progress; concrete sources enforce
	// this via the embeddable Lifecycle helper.
	Free() error

	BeginWrite() error
	BeginWriteCloning(offset int64) error
	CommitWrite() error
	RollbackWrite() error
	Write(p []byte) (int, error)
	SeekWrite(offset int64, whence int) error
	TellWrite() (int64, error)

	Remove() error
	GetFileAttributes() (FileAttributes, error)
}

// writeState models the write-side state machine of spec §4.2.
type writeState int

const (
	writeClosed writeState = iota
	writeOpen
	writeFailed
	writeRemoved
)

var (
	// errLifecycleNotSupported is a distinguishable sentinel for embedders
	// of Lifecycle; nothing in this package returns it.
	errLifecycleNotSupported = errors.New("zip: operation not supported by this source")
)

// Lifecycle tracks the open-count/write-state/error-slot bookkeeping shared
// by every concrete Source implementation (spec §4.2 "Lifecycle invariants").
// Concrete sources embed it and call its helpers from their Open/Close/
// BeginWrite/... methods.
type Lifecycle struct {
	openCount  int
	writeState writeState
	err        error
	eof        bool
}

// MarkOpen increments the reader open-count and clears eof. It always
// returns nil, also while a write is in progress: Commit reopens its source
// for reading after BeginWrite.
func (l *Lifecycle) MarkOpen() error {
	l.openCount++
	l.eof = false
	return nil
}

// MarkClosed decrements the open-count. eof is left sticky until the next
// Seek or Open, per spec.
func (l *Lifecycle) MarkClosed() error {
	if l.openCount > 0 {
		l.openCount--
	}
	return nil
}

func (l *Lifecycle) ResetEOF()        { l.eof = false }
func (l *Lifecycle) SetEOF()          { l.eof = true }
func (l *Lifecycle) IsEOF() bool      { return l.eof }
func (l *Lifecycle) OpenCount() int   { return l.openCount }
func (l *Lifecycle) WriteState() writeState { return l.writeState }

// CanFree reports whether Free is currently legal: no open readers and the
// write side is closed.
func (l *Lifecycle) CanFree() bool {
	return l.openCount == 0 && l.writeState == writeClosed
}

// BeginWrite transitions writeClosed -> writeOpen, refusing if readers are
// open or a write is already in progress.
func (l *Lifecycle) BeginWrite() error {
	if l.openCount > 0 {
		return wrapErr(ErrInUse, errors.New("cannot begin write while readers are open"))
	}
	if l.writeState == writeOpen {
		return wrapErr(ErrInUse, errors.New("write already in progress"))
	}
	l.writeState = writeOpen
	return nil
}

func (l *Lifecycle) CommitWrite() error {
	if l.writeState == writeFailed {
		return wrapErr(ErrInval, errors.New("cannot commit a failed write"))
	}
	l.writeState = writeClosed
	return nil
}

func (l *Lifecycle) RollbackWrite() error {
	l.writeState = writeClosed
	return nil
}

func (l *Lifecycle) Fail(err error) error {
	l.writeState = writeFailed
	l.err = err
	return err
}

func (l *Lifecycle) LastError() error { return l.err }

// SetRemoved marks the underlying storage as deleted, which Removed then
// reports. Lifecycle refuses no later call because of it.
func (l *Lifecycle) SetRemoved() { l.writeState = writeRemoved }

func (l *Lifecycle) Removed() bool { return l.writeState == writeRemoved }

// layered wraps a lower Source. A layered source's capability set is computed
// at construction time by intersecting/restricting the lower source's
// capabilities with what the layer itself can do; per spec §4.2 write
// capabilities are always stripped (layered writing is unsupported).
type layered struct {
	Lifecycle

	lower Source
	caps  Capability
	// closed is set by the owning archive at discard time so that a
	// surviving layered source fails cleanly with ErrZipClosed instead of
	// touching a freed lower source (spec §5 "Deferred cleanup").
	closed bool
}

func newLayered(lower Source, own Capability) layered {
	caps := own &^ (CapWrite | CapSeekWrite | CapRemove | CapBeginWriteCloning)
	if lower != nil {
		caps &= lower.Capabilities() | (own &^ Writable)
	}
	return layered{lower: lower, caps: caps}
}

func (l *layered) checkClosed() error {
	if l.closed {
		return newErr(ErrZipClosed)
	}
	return nil
}

// markArchiveClosed is invoked (transitively, through every layered source
// reachable from an archive) when the archive is discarded.
func (l *layered) markArchiveClosed() {
	l.closed = true
}

// unsupportedWriter can be embedded by read-only Source implementations to
// satisfy the Source interface's write-side methods with ErrOpNotSupp.
type unsupportedWriter struct{}

func (unsupportedWriter) BeginWrite() error                     { return newErr(ErrOpNotSupp) }
func (unsupportedWriter) BeginWriteCloning(offset int64) error  { return newErr(ErrOpNotSupp) }
func (unsupportedWriter) CommitWrite() error                    { return newErr(ErrOpNotSupp) }
func (unsupportedWriter) RollbackWrite() error                  { return newErr(ErrOpNotSupp) }
func (unsupportedWriter) Write(p []byte) (int, error)           { return 0, newErr(ErrOpNotSupp) }
func (unsupportedWriter) SeekWrite(offset int64, whence int) error { return newErr(ErrOpNotSupp) }
func (unsupportedWriter) TellWrite() (int64, error)             { return 0, newErr(ErrOpNotSupp) }
func (unsupportedWriter) Remove() error                         { return newErr(ErrOpNotSupp) }

// unsupportedFileAttributes can be embedded by sources with no host-system
// hints to offer.
type unsupportedFileAttributes struct{}

func (unsupportedFileAttributes) GetFileAttributes() (FileAttributes, error) {
	return FileAttributes{}, newErr(ErrOpNotSupp)
}
