package zipserve

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"strconv"
)

// CDBUFSIZE is the tail window read at archive-open time: the largest
// possible archive comment plus a plain EOCD plus a ZIP64 locator, per
// spec §4.7 step 1.
const cdBufSize = int64(uint16max) + directoryEndLen + directory64LocLen

var eocdSigBytes = []byte{0x50, 0x4b, 0x05, 0x06}
var eocd64LocSigBytes = []byte{0x50, 0x4b, 0x06, 0x07}

// eocdRecord is the end-of-central-directory data needed to locate and
// validate the central directory, after any ZIP64 promotion.
type eocdRecord struct {
	diskNumber    uint32
	cdirDiskStart uint32
	entriesTotal  uint64
	cdirSize      uint64
	cdirOffset    uint64
	comment       []byte
	isZip64       bool

	// trailerOffset is the absolute offset of whichever record the central
	// directory must end before: the EOCD64 record if one was followed,
	// otherwise the plain EOCD itself (spec §4.7 step 6).
	trailerOffset int64
}

// archiveInfo is the result of locating and parsing an archive's central
// directory, per spec §4.7.
type archiveInfo struct {
	entries      []*dirent
	comment      []byte
	isTorrentzip bool
	cdirOffset   uint64
	cdirSize     uint64
	cdirCRC32    uint32
}

// findCentralDirectory locates the end of central directory record (and
// its ZIP64 extension, if present), parses every central directory entry,
// and (in checkCons mode) cross-checks each entry against its local
// header, per spec §4.7. src must support CapSeek; size is its total byte
// length.
func findCentralDirectory(src Source, size int64, checkCons bool) (*archiveInfo, error) {
	if !src.Capabilities().Has(CapSeek) {
		return nil, newErr(ErrOpNotSupp)
	}

	tail, tailStart, err := readTail(src, size)
	if err != nil {
		return nil, err
	}

	positions := findEOCDCandidates(tail)
	if len(positions) == 0 {
		return nil, inconsErr(-1, InconsEOCDNotFound)
	}

	var chosen *eocdRecord
	var chosenErr error
	if checkCons {
		chosen, chosenErr = pickBestCandidate(src, tail, tailStart, positions, checkCons)
	} else {
		// positions is ordered highest-tail-offset first, i.e. rightmost
		// (closest to end of file) first: take the first that parses.
		for _, pos := range positions {
			rec, err := parseEOCDCandidate(src, tail, tailStart, pos, checkCons)
			if err != nil {
				chosenErr = err
				continue
			}
			chosen = rec
			break
		}
	}
	if chosen == nil {
		if chosenErr == nil {
			chosenErr = inconsErr(-1, InconsEOCDNotFound)
		}
		return nil, chosenErr
	}

	if chosen.cdirOffset+chosen.cdirSize > uint64(chosen.trailerOffset) {
		return nil, inconsErr(-1, InconsCDirOverlapsEOCD)
	}

	entries, cdirBytes, err := readCentralDirectory(src, chosen, checkCons)
	if err != nil {
		return nil, err
	}

	info := &archiveInfo{
		entries:    entries,
		comment:    chosen.comment,
		cdirOffset: chosen.cdirOffset,
		cdirSize:   uint64(len(cdirBytes)),
		cdirCRC32:  crc32.ChecksumIEEE(cdirBytes),
	}
	info.isTorrentzip = detectTorrentzip(chosen.comment, info.cdirCRC32)
	if info.isTorrentzip {
		info.comment = nil
	}

	if checkCons {
		if err := checkConsistency(src, entries); err != nil {
			return nil, err
		}
	}

	return info, nil
}

func readTail(src Source, size int64) ([]byte, int64, error) {
	n := cdBufSize
	if n > size {
		n = size
	}
	start := size - n
	if _, err := src.Seek(start, io.SeekStart); err != nil {
		return nil, 0, wrapErr(ErrSeek, err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(src, buf); err != nil {
		return nil, 0, wrapErr(ErrRead, err)
	}
	return buf, start, nil
}

// findEOCDCandidates returns tail-relative offsets of every 4-byte EOCD
// magic occurrence, ordered from the rightmost (highest offset, closest
// to end of file) to the leftmost.
func findEOCDCandidates(tail []byte) []int {
	var out []int
	limit := len(tail) - directoryEndLen
	for i := limit; i >= 0; i-- {
		if bytes.Equal(tail[i:i+4], eocdSigBytes) {
			out = append(out, i)
		}
	}
	return out
}

func parseEOCDCandidate(src Source, tail []byte, tailStart int64, pos int, checkCons bool) (*eocdRecord, error) {
	end := pos + directoryEndLen
	if end > len(tail) {
		return nil, inconsErr(-1, InconsEOCDNotFound)
	}
	b := newBuffer(tail[pos:end])
	b.get(4) // signature, already matched by the caller
	diskNumber := b.getU16()
	cdirDiskStart := b.getU16()
	b.getU16() // entries on this disk; superseded by entriesTotal below
	entriesTotal := b.getU16()
	cdirSize := b.getU32()
	cdirOffset := b.getU32()
	commentLen := int(b.getU16())
	if !b.ok {
		return nil, inconsErr(-1, InconsEOCDNotFound)
	}

	commentStart := end
	var comment []byte
	switch {
	case commentStart+commentLen <= len(tail):
		comment = tail[commentStart : commentStart+commentLen]
	case commentStart <= len(tail):
		comment = tail[commentStart:]
	}
	if len(comment) != commentLen {
		return nil, inconsErr(-1, InconsCommentLengthInvalid)
	}
	if checkCons && commentStart+commentLen != len(tail) {
		return nil, inconsErr(-1, InconsCommentLengthInvalid)
	}

	rec := &eocdRecord{
		diskNumber:    uint32(diskNumber),
		cdirDiskStart: uint32(cdirDiskStart),
		entriesTotal:  uint64(entriesTotal),
		cdirSize:      uint64(cdirSize),
		cdirOffset:    uint64(cdirOffset),
		comment:       comment,
		trailerOffset: tailStart + int64(pos),
	}

	if pos-directory64LocLen >= 0 {
		locBuf := tail[pos-directory64LocLen : pos]
		if bytes.Equal(locBuf[0:4], eocd64LocSigBytes) {
			eocd64Offset := int64(binary.LittleEndian.Uint64(locBuf[8:16]))
			rec64, err := readEOCD64(src, eocd64Offset)
			if err != nil {
				return nil, err
			}
			rec64.trailerOffset = eocd64Offset
			rec64.comment = comment
			rec = rec64
		}
	}

	if rec.diskNumber != 0 || rec.cdirDiskStart != 0 {
		return nil, inconsErr(-1, InconsMultiDisk)
	}

	return rec, nil
}

func readEOCD64(src Source, offset int64) (*eocdRecord, error) {
	if offset < 0 {
		return nil, inconsErr(-1, InconsEOCDNotFound)
	}
	if _, err := src.Seek(offset, io.SeekStart); err != nil {
		return nil, wrapErr(ErrSeek, err)
	}
	var buf [directory64EndLen]byte
	if _, err := io.ReadFull(src, buf[:]); err != nil {
		return nil, wrapErr(ErrRead, err)
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != directory64EndSignature {
		return nil, inconsErr(-1, InconsEOCDNotFound)
	}
	b := newBuffer(buf[12:]) // skip signature(4) + record size(8)
	b.getU16() // version made by
	b.getU16() // version needed
	diskNum := b.getU32()
	diskStartCD := b.getU32()
	b.getU64() // entries on this disk; superseded by entriesTotal below
	entriesTotal := b.getU64()
	cdirSize := b.getU64()
	cdirOffset := b.getU64()
	if !b.ok {
		return nil, inconsErr(-1, InconsEOCDNotFound)
	}
	return &eocdRecord{
		diskNumber:    diskNum,
		cdirDiskStart: diskStartCD,
		entriesTotal:  entriesTotal,
		cdirSize:      cdirSize,
		cdirOffset:    cdirOffset,
		isZip64:       true,
	}, nil
}

// pickBestCandidate implements spec §4.7 step 3's CHECKCONS rule: parse
// every candidate, then among those whose central directory parses, pick
// the one whose entries best match their local headers.
func pickBestCandidate(src Source, tail []byte, tailStart int64, positions []int, checkCons bool) (*eocdRecord, error) {
	var best *eocdRecord
	bestMismatches := -1
	var lastErr error
	for _, pos := range positions {
		rec, err := parseEOCDCandidate(src, tail, tailStart, pos, checkCons)
		if err != nil {
			lastErr = err
			continue
		}
		entries, _, err := readCentralDirectory(src, rec, false)
		if err != nil {
			lastErr = err
			continue
		}
		mismatches := countMismatches(src, entries)
		if best == nil || mismatches < bestMismatches {
			best = rec
			bestMismatches = mismatches
		}
	}
	if best == nil {
		return nil, lastErr
	}
	return best, nil
}

// readCentralDirectory parses nentry (or more, under the Info-ZIP
// 65,536-chunking workaround) central headers starting at rec.cdirOffset,
// per spec §4.7 steps 5-6. Returns the parsed entries and the raw central
// directory bytes actually consumed (used for the torrentzip CRC check).
func readCentralDirectory(src Source, rec *eocdRecord, checkCons bool) ([]*dirent, []byte, error) {
	if _, err := src.Seek(int64(rec.cdirOffset), io.SeekStart); err != nil {
		return nil, nil, wrapErr(ErrSeek, err)
	}
	cdirBytes := make([]byte, rec.cdirSize)
	if _, err := io.ReadFull(src, cdirBytes); err != nil {
		return nil, nil, inconsErr(-1, InconsCDirLengthInvalid)
	}

	b := newBuffer(cdirBytes)
	var entries []*dirent
	// The Info-ZIP workaround: a plain (non-ZIP64) EOCD's 16-bit entry
	// count wraps at 65,536, so a declared count of exactly 65,535 means
	// "keep parsing until the declared central-directory size is
	// consumed", not "stop at 65,535".
	infoZipWorkaround := !rec.isZip64 && rec.entriesTotal == uint16max
	for b.remaining() > 0 {
		if !infoZipWorkaround && uint64(len(entries)) >= rec.entriesTotal {
			break
		}
		d, err := parseCentralDirent(b, len(entries))
		if err != nil {
			return nil, nil, err
		}
		entries = append(entries, d)
	}

	if checkCons && !infoZipWorkaround && uint64(len(entries)) != rec.entriesTotal {
		return nil, nil, inconsErr(-1, InconsCDirWrongEntriesCount)
	}
	if checkCons && b.remaining() != 0 {
		return nil, nil, inconsErr(-1, InconsCDirLengthInvalid)
	}

	return entries, cdirBytes[:b.off], nil
}

// checkConsistency implements spec §4.7's CHECKCONS pass: every central
// entry's local header must agree with its central counterpart on
// version_needed, comp_method, last_mod, and filename. CRC/sizes must match
// too, except that an entry using a data descriptor may have zeros for them
// in its local header.
func checkConsistency(src Source, entries []*dirent) error {
	for i, ce := range entries {
		le, err := readLocalDirentAt(src, int64(ce.localOffset), i)
		if err != nil {
			return inconsErr(i, InconsEntryHeaderMismatch)
		}
		if localCentralMismatch(ce, le) {
			return inconsErr(i, InconsEntryHeaderMismatch)
		}
	}
	return nil
}

// countMismatches is the best-effort counterpart used to score CHECKCONS
// candidates: errors and mismatches both count against a candidate rather
// than aborting the scan.
func countMismatches(src Source, entries []*dirent) int {
	n := 0
	for i, ce := range entries {
		le, err := readLocalDirentAt(src, int64(ce.localOffset), i)
		if err != nil || localCentralMismatch(ce, le) {
			n++
		}
	}
	return n
}

func readLocalDirentAt(src Source, offset int64, entryIndex int) (*dirent, error) {
	if _, err := src.Seek(offset, io.SeekStart); err != nil {
		return nil, wrapErr(ErrSeek, err)
	}
	fixed := make([]byte, localFixedLen)
	if _, err := io.ReadFull(src, fixed); err != nil {
		return nil, wrapErr(ErrRead, err)
	}
	nameLen := int(binary.LittleEndian.Uint16(fixed[26:28]))
	extraLen := int(binary.LittleEndian.Uint16(fixed[28:30]))
	full := make([]byte, localFixedLen+nameLen+extraLen)
	copy(full, fixed)
	if nameLen+extraLen > 0 {
		if _, err := io.ReadFull(src, full[localFixedLen:]); err != nil {
			return nil, wrapErr(ErrRead, err)
		}
	}
	return parseLocalDirent(newBuffer(full), entryIndex)
}

func localCentralMismatch(ce, le *dirent) bool {
	if ce.versionNeeded != le.versionNeeded {
		return true
	}
	if ce.method != le.method {
		return true
	}
	if !ce.modified.Equal(le.modified) {
		return true
	}
	if ce.name.String() != le.name.String() {
		return true
	}
	hasDataDescriptor := ce.flags&0x0008 != 0
	if hasDataDescriptor {
		if le.crc32 != 0 && le.crc32 != ce.crc32 {
			return true
		}
		if le.compSize != 0 && le.compSize != ce.compSize {
			return true
		}
		if le.uncompSize != 0 && le.uncompSize != ce.uncompSize {
			return true
		}
		return false
	}
	return le.crc32 != ce.crc32 || le.compSize != ce.compSize || le.uncompSize != ce.uncompSize
}

const torrentzipPrefix = "TORRENTZIPPED-"

// detectTorrentzip implements spec §4.7's torrentzip detection: the
// archive comment must be exactly "TORRENTZIPPED-" followed by 8 hex
// digits that decode to the central directory's CRC-32.
func detectTorrentzip(comment []byte, cdirCRC32 uint32) bool {
	if len(comment) != len(torrentzipPrefix)+8 {
		return false
	}
	if string(comment[:len(torrentzipPrefix)]) != torrentzipPrefix {
		return false
	}
	v, err := strconv.ParseUint(string(comment[len(torrentzipPrefix):]), 16, 32)
	if err != nil {
		return false
	}
	return uint32(v) == cdirCRC32
}
