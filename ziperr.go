package zipserve

import "fmt"

// Code is a domain error code, mirroring the ZIP_ER_* constants of libzip.
type Code int

// Domain error codes. Not exhaustive of every libzip code, but complete
// for the operations this package implements.
const (
	ErrOK Code = iota
	ErrMultiDisk
	ErrRename
	ErrClose
	ErrSeek
	ErrRead
	ErrWrite
	ErrCRC
	ErrZipClosed
	ErrNoEnt
	ErrExists
	ErrOpen
	ErrTmpOpen
	ErrCompressedData
	ErrMemory
	ErrChanged
	ErrCompNotSupp
	ErrEOF
	ErrInval
	ErrNoZip
	ErrInternal
	ErrIncons
	ErrRemove
	ErrDeleted
	ErrEncrNotSupp
	ErrRDOnly
	ErrNoPasswd
	ErrWrongPasswd
	ErrOpNotSupp
	ErrInUse
	ErrTell
	ErrCancelled
	ErrDataLength
	ErrNotAllowed
)

var codeText = map[Code]string{
	ErrOK:              "no error",
	ErrMultiDisk:       "multi-disk zip archives not supported",
	ErrRename:          "renaming temporary file failed",
	ErrClose:           "closing zip archive failed",
	ErrSeek:            "seek error",
	ErrRead:            "read error",
	ErrWrite:           "write error",
	ErrCRC:             "CRC error",
	ErrZipClosed:       "containing zip archive was closed",
	ErrNoEnt:           "no such file",
	ErrExists:          "file already exists",
	ErrOpen:            "can't open file",
	ErrTmpOpen:         "failure to create temporary file",
	ErrCompressedData:  "compressed data invalid",
	ErrMemory:          "memory allocation failure",
	ErrChanged:         "entry has been changed",
	ErrCompNotSupp:     "compression method not supported",
	ErrEOF:             "premature end of file",
	ErrInval:           "invalid argument",
	ErrNoZip:           "not a zip archive",
	ErrInternal:        "internal error",
	ErrIncons:          "zip archive inconsistent",
	ErrRemove:          "can't remove file",
	ErrDeleted:         "entry has been deleted",
	ErrEncrNotSupp:     "encryption method not supported",
	ErrRDOnly:          "read-only archive",
	ErrNoPasswd:        "no password provided",
	ErrWrongPasswd:     "wrong password provided",
	ErrOpNotSupp:       "operation not supported",
	ErrInUse:           "resource still in use",
	ErrTell:            "tell error",
	ErrCancelled:       "operation cancelled",
	ErrDataLength:      "compressed data length incorrect",
	ErrNotAllowed:      "operation not allowed in torrentzip mode",
}

func (c Code) String() string {
	if s, ok := codeText[c]; ok {
		return s
	}
	return fmt.Sprintf("zip error code %d", int(c))
}

// InconsDetail enumerates the specific consistency failures that ErrIncons
// can carry as its Detail.
type InconsDetail int

const (
	InconsNone InconsDetail = iota
	InconsEOCDNotFound
	InconsCommentLengthInvalid
	InconsCDirOverlapsEOCD
	InconsCDirLengthInvalid
	InconsCDirWrongEntriesCount
	InconsEntryHeaderMismatch
	InconsInvalidZip64EF
	InconsInvalidUTF8InFilename
	InconsInvalidUTF8InComment
	InconsInvalidFileLength
	InconsEFTrailingGarbage
	InconsInvalidEFLength
	InconsMultiDisk
)

var inconsText = map[InconsDetail]string{
	InconsNone:                  "none",
	InconsEOCDNotFound:          "end of central directory not found",
	InconsCommentLengthInvalid:  "archive comment length invalid",
	InconsCDirOverlapsEOCD:      "central directory overlaps end of central directory",
	InconsCDirLengthInvalid:     "central directory length invalid",
	InconsCDirWrongEntriesCount: "wrong number of entries found in central directory",
	InconsEntryHeaderMismatch:   "local and central headers disagree",
	InconsInvalidZip64EF:        "invalid zip64 extra field",
	InconsInvalidUTF8InFilename: "invalid UTF-8 in filename",
	InconsInvalidUTF8InComment:  "invalid UTF-8 in comment",
	InconsInvalidFileLength:     "invalid file length",
	InconsEFTrailingGarbage:     "trailing garbage in extra field",
	InconsInvalidEFLength:       "invalid extra field length",
	InconsMultiDisk:             "archive spans multiple disks",
}

func (d InconsDetail) String() string {
	if s, ok := inconsText[d]; ok {
		return s
	}
	return fmt.Sprintf("inconsistency detail %d", int(d))
}

// Error is the error type returned by this package's public API. It carries
// a domain Code plus, for ErrIncons, the entry index (or -1 for
// archive-level inconsistencies) and a Detail describing the specific
// failure, matching the packed (entry_index<<8 | detail) system code of
// spec §7.
type Error struct {
	Code   Code
	Entry  int // -1 if not entry-specific
	Detail InconsDetail
	// Err is the underlying cause, if any (I/O error, codec error, ...).
	Err error
}

func (e *Error) Error() string {
	if e.Code == ErrIncons {
		if e.Entry >= 0 {
			return fmt.Sprintf("zip: %s: %s (entry %d)", e.Code, e.Detail, e.Entry)
		}
		return fmt.Sprintf("zip: %s: %s", e.Code, e.Detail)
	}
	if e.Err != nil {
		return fmt.Sprintf("zip: %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("zip: %s", e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, zipErr) comparisons by Code alone, ignoring
// Entry/Detail/Err, which matches how callers are expected to branch on
// the domain code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func newErr(code Code) *Error {
	return &Error{Code: code, Entry: -1}
}

func wrapErr(code Code, err error) *Error {
	return &Error{Code: code, Entry: -1, Err: err}
}

func inconsErr(entry int, detail InconsDetail) *Error {
	return &Error{Code: ErrIncons, Entry: entry, Detail: detail}
}
