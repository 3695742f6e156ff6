// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipserve

import (
	"encoding/binary"
	"errors"
	"io"
	"time"
)

// changedField is a bitmask of which dirent fields have been modified by the
// caller relative to the entry's original dirent, per spec §3 Entry.changes.
type changedField uint32

const (
	changedMethod changedField = 1 << iota
	changedName
	changedComment
	changedExtra
	changedExternalAttrs
	changedMtime
	changedEncryptionMethod
	changedPassword
)

// dirent is the union of central/local APPNOTE header fields plus the
// derived fields spec §3 calls out (encryption method, compression level,
// password). A single dirent type serves both local and central headers;
// callers request which form to emit via writeLocal/writeCentral.
type dirent struct {
	versionMadeBy uint16
	versionNeeded uint16
	flags         uint16
	method        uint16
	modified      time.Time
	crc32         uint32
	compSize      uint64
	uncompSize    uint64
	name          EncodedString
	comment       EncodedString
	extra         extraFieldList // internal-field-free once parsed
	diskNumber    uint32
	internalAttrs uint16
	externalAttrs uint32
	localOffset   uint64

	encryptionMethod EncryptionMethod
	aesVersion       uint8 // 1 or 2, valid only when encrypted with AES
	compressionLevel int
	password         string
}

func (d *dirent) isZip64() bool {
	return d.compSize >= uint32max || d.uncompSize >= uint32max
}

// nameBytes/commentBytes expose the raw filename/comment bytes for writing.
func (d *dirent) nameBytes() []byte    { return d.name.Raw() }
func (d *dirent) commentBytes() []byte { return d.comment.Raw() }

// syncUTF8Flag sets the general-purpose UTF-8 bit (0x800) when either the
// name or comment is UTF-8 and wasn't already declared so by a parsed
// header: entries built via NewUTF8String (FileAdd/FileRename) carry UTF-8
// raw bytes but start with EncodingUTF8Guess, not Known, so the flag must be
// raised here before the header is serialized.
func (d *dirent) syncUTF8Flag() {
	if d.name.Encoding() == EncodingUTF8Guess || d.comment.Encoding() == EncodingUTF8Guess {
		d.flags |= 0x800
	}
}

// clone returns a deep-enough copy of d suitable for use as an Entry's
// "changes" dirent (spec §3: "a clone of original that diverges only in
// fields flagged by changedField").
func (d *dirent) clone() *dirent {
	c := *d
	c.extra = extraFieldList{records: append([]extraRecord(nil), d.extra.records...)}
	return &c
}

// --- parsing ---

const centralFixedLen = directoryHeaderLen // 46, from struct.go
const localFixedLen = fileHeaderLen        // 30, from struct.go

// parseCentralDirent reads one 46-byte-plus-trailers central directory
// record starting at the buffer's current offset, advancing it past the
// record. entryIndex is used only to tag inconsistency errors.
func parseCentralDirent(b *buffer, entryIndex int) (*dirent, error) {
	hdr := b.get(centralFixedLen)
	if hdr == nil {
		return nil, inconsErr(entryIndex, InconsCDirLengthInvalid)
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != directoryHeaderSignature {
		return nil, inconsErr(entryIndex, InconsCDirLengthInvalid)
	}
	d := &dirent{}
	hb := newBuffer(hdr[4:])
	d.versionMadeBy = hb.getU16()
	d.versionNeeded = hb.getU16()
	d.flags = hb.getU16()
	d.method = hb.getU16()
	modTime := hb.getU16()
	modDate := hb.getU16()
	d.modified = msDosTimeToTime(modDate, modTime)
	d.crc32 = hb.getU32()
	compSize32 := hb.getU32()
	uncompSize32 := hb.getU32()
	nameLen := int(hb.getU16())
	extraLen := int(hb.getU16())
	commentLen := int(hb.getU16())
	diskStart := hb.getU16()
	d.internalAttrs = hb.getU16()
	d.externalAttrs = hb.getU32()
	offset32 := hb.getU32()
	if !hb.ok {
		return nil, inconsErr(entryIndex, InconsCDirLengthInvalid)
	}
	d.diskNumber = uint32(diskStart)
	d.compSize = uint64(compSize32)
	d.uncompSize = uint64(uncompSize32)
	d.localOffset = uint64(offset32)

	nameRaw := b.get(nameLen)
	extraRaw := b.get(extraLen)
	commentRaw := b.get(commentLen)
	if nameRaw == nil || (extraLen > 0 && extraRaw == nil) || (commentLen > 0 && commentRaw == nil) {
		return nil, inconsErr(entryIndex, InconsCDirLengthInvalid)
	}
	d.name = NewEncodedString(nameRaw, d.flags&0x800 != 0)
	d.comment = NewEncodedString(commentRaw, d.flags&0x800 != 0)
	if d.name.Encoding() == EncodingError {
		return nil, inconsErr(entryIndex, InconsInvalidUTF8InFilename)
	}
	if d.comment.Encoding() == EncodingError {
		return nil, inconsErr(entryIndex, InconsInvalidUTF8InComment)
	}

	extra, err := parseExtraField(extraRaw, scopeCentral)
	if err != nil {
		return nil, err
	}
	d.extra = extra

	if err := d.applyUTF8Extras(entryIndex); err != nil {
		return nil, err
	}
	if err := d.applyZip64Extra(entryIndex, compSize32 == uint32max, uncompSize32 == uint32max, offset32 == uint32max, diskStart == uint16max, true); err != nil {
		return nil, err
	}
	if err := d.applyWinZipAES(entryIndex); err != nil {
		return nil, err
	}
	d.extra = d.extra.withoutInternal()
	return d, nil
}

// parseLocalDirent mirrors parseCentralDirent for the 30-byte local header.
// Local headers never carry comment or the full set of fields central
// headers do (offset/disk/external attrs are meaningless locally).
func parseLocalDirent(b *buffer, entryIndex int) (*dirent, error) {
	hdr := b.get(localFixedLen)
	if hdr == nil {
		return nil, inconsErr(entryIndex, InconsEntryHeaderMismatch)
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != fileHeaderSignature {
		return nil, inconsErr(entryIndex, InconsEntryHeaderMismatch)
	}
	d := &dirent{}
	hb := newBuffer(hdr[4:])
	d.versionNeeded = hb.getU16()
	d.flags = hb.getU16()
	d.method = hb.getU16()
	modTime := hb.getU16()
	modDate := hb.getU16()
	d.modified = msDosTimeToTime(modDate, modTime)
	d.crc32 = hb.getU32()
	compSize32 := hb.getU32()
	uncompSize32 := hb.getU32()
	nameLen := int(hb.getU16())
	extraLen := int(hb.getU16())
	if !hb.ok {
		return nil, inconsErr(entryIndex, InconsEntryHeaderMismatch)
	}
	d.compSize = uint64(compSize32)
	d.uncompSize = uint64(uncompSize32)

	nameRaw := b.get(nameLen)
	extraRaw := b.get(extraLen)
	if nameRaw == nil || (extraLen > 0 && extraRaw == nil) {
		return nil, inconsErr(entryIndex, InconsEntryHeaderMismatch)
	}
	d.name = NewEncodedString(nameRaw, d.flags&0x800 != 0)
	if d.name.Encoding() == EncodingError {
		return nil, inconsErr(entryIndex, InconsInvalidUTF8InFilename)
	}

	extra, err := parseExtraField(extraRaw, scopeLocal)
	if err != nil {
		return nil, err
	}
	d.extra = extra
	if err := d.applyUTF8Extras(entryIndex); err != nil {
		return nil, err
	}
	// For local headers, the zip64 payload is always (uncompressed,
	// compressed) regardless of which sentinel fired (spec §4.6 step 2).
	needZip64 := compSize32 == uint32max || uncompSize32 == uint32max
	if err := d.applyZip64Extra(entryIndex, needZip64, needZip64, false, false, false); err != nil {
		return nil, err
	}
	if err := d.applyWinZipAES(entryIndex); err != nil {
		return nil, err
	}
	d.extra = d.extra.withoutInternal()
	return d, nil
}

// applyUTF8Extras implements spec §4.6 step 1: UTF-8 promotion via the
// 0x7075 (filename) / 0x6375 (comment) extra fields, gated on a matching
// CRC-32 over the raw bytes.
func (d *dirent) applyUTF8Extras(entryIndex int) error {
	if r, ok := d.extra.find(efInfoZipUTF8NameID, scopeBoth); ok {
		if err := applyUTF8Record(&d.name, r, entryIndex); err != nil {
			return err
		}
	}
	if r, ok := d.extra.find(efUnixUTF8ID, scopeBoth); ok {
		if err := applyUTF8Record(&d.comment, r, entryIndex); err != nil {
			return err
		}
	}
	return nil
}

func applyUTF8Record(s *EncodedString, r extraRecord, entryIndex int) error {
	if len(r.data) < 5 {
		return nil // malformed record: ignore rather than fail the whole parse
	}
	version := r.data[0]
	if version != 1 {
		return nil
	}
	crc := binary.LittleEndian.Uint32(r.data[1:5])
	s.promoteUTF8(crc, r.data[5:])
	return nil
}

// applyZip64Extra implements spec §4.6 step 2. For central headers the
// fields present correspond one-to-one with which 32-bit sentinels fired,
// in the fixed order (uncompressed, compressed, offset, disk); for local
// headers both sizes are always present together.
func (d *dirent) applyZip64Extra(entryIndex int, needUncomp, needComp, needOffset, needDisk bool, isCentral bool) error {
	if !needUncomp && !needComp && !needOffset && !needDisk {
		return nil
	}
	r, ok := d.extra.find(efZip64ID, scopeBoth)
	if !ok {
		return inconsErr(entryIndex, InconsInvalidZip64EF)
	}
	b := newBuffer(r.data)
	if needUncomp {
		d.uncompSize = b.getU64()
	}
	if needComp {
		d.compSize = b.getU64()
	}
	if isCentral {
		if needOffset {
			d.localOffset = b.getU64()
		}
		if needDisk {
			d.diskNumber = b.getU32()
		}
	}
	if !b.ok {
		return inconsErr(entryIndex, InconsInvalidZip64EF)
	}
	// Many conforming writers emit the full 28-byte record even when only
	// one sentinel fired; residual bytes beyond the fields we needed are
	// the non-triggered fields' real values and are accepted as-is rather
	// than re-validated against the (already authoritative) main header
	// fields.
	return nil
}

// applyWinZipAES implements spec §4.6 step 3.
func (d *dirent) applyWinZipAES(entryIndex int) error {
	if d.method != 99 {
		return nil
	}
	r, ok := d.extra.find(efWinZipAESID, scopeBoth)
	if !ok || len(r.data) < 7 {
		return inconsErr(entryIndex, InconsInvalidZip64EF)
	}
	b := newBuffer(r.data)
	version := b.getU16()
	vendor := b.get(2)
	mode := b.getU8()
	realMethod := b.getU16()
	if !b.ok || string(vendor) != "AE" {
		return inconsErr(entryIndex, InconsInvalidZip64EF)
	}
	switch mode {
	case 1:
		d.encryptionMethod = EncryptionAES128
	case 2:
		d.encryptionMethod = EncryptionAES192
	case 3:
		d.encryptionMethod = EncryptionAES256
	default:
		return inconsErr(entryIndex, InconsInvalidZip64EF)
	}
	d.aesVersion = uint8(version)
	d.method = realMethod
	// version 2 suppresses CRC validity, per spec §4.6 step 3.
	if version == 2 {
		d.crc32 = 0
	}
	return nil
}

// --- writing ---

// writeLocal writes a 30-byte local header plus filename and extra fields.
// forceZip64 writes ZIP64 fields regardless of magnitude (used when
// streaming an entry whose final size is not yet known). Returns whether a
// ZIP64 extra field was emitted.
func (d *dirent) writeLocal(w io.Writer, forceZip64 bool) (bool, error) {
	useZip64 := forceZip64 || d.isZip64()
	extra := d.synthesizeInternalExtra(useZip64, true)
	nameB := d.nameBytes()
	if len(nameB) > uint16max {
		return false, wrapErr(ErrInval, errors.New("zip: filename too long"))
	}
	if len(extra) > uint16max {
		return false, wrapErr(ErrInval, errors.New("zip: extra field too long"))
	}

	modDate, modTime := timeToMsDosTime(d.modified)
	var buf [localFixedLen]byte
	b := buffer{data: buf[:], ok: true}
	b.putU32(fileHeaderSignature)
	versionNeeded := d.versionNeeded
	if useZip64 && versionNeeded < zipVersion45 {
		versionNeeded = zipVersion45
	}
	b.putU16(versionNeeded)
	b.putU16(d.flags)
	b.putU16(d.method)
	b.putU16(modTime)
	b.putU16(modDate)
	b.putU32(d.crc32)
	if useZip64 {
		b.putU32(uint32max)
		b.putU32(uint32max)
	} else {
		b.putU32(uint32(d.compSize))
		b.putU32(uint32(d.uncompSize))
	}
	b.putU16(uint16(len(nameB)))
	b.putU16(uint16(len(extra)))
	if !b.ok {
		return false, wrapErr(ErrInternal, errors.New("zip: local header encode overflow"))
	}
	if _, err := w.Write(buf[:]); err != nil {
		return useZip64, wrapErr(ErrWrite, err)
	}
	if _, err := w.Write(nameB); err != nil {
		return useZip64, wrapErr(ErrWrite, err)
	}
	if _, err := w.Write(extra); err != nil {
		return useZip64, wrapErr(ErrWrite, err)
	}
	return useZip64, nil
}

// writeCentral writes a 46-byte central directory header plus filename,
// extra fields, and comment. Returns whether a ZIP64 extra field was
// emitted.
func (d *dirent) writeCentral(w io.Writer) (bool, error) {
	useZip64 := d.isZip64() || d.localOffset >= uint32max
	extra := d.synthesizeInternalExtra(useZip64, false)
	nameB := d.nameBytes()
	commentB := d.commentBytes()
	if len(nameB) > uint16max || len(extra) > uint16max || len(commentB) > uint16max {
		return false, wrapErr(ErrInval, errors.New("zip: central header field too long"))
	}

	modDate, modTime := timeToMsDosTime(d.modified)
	var buf [centralFixedLen]byte
	b := buffer{data: buf[:], ok: true}
	b.putU32(directoryHeaderSignature)
	b.putU16(d.versionMadeBy)
	versionNeeded := d.versionNeeded
	if useZip64 && versionNeeded < zipVersion45 {
		versionNeeded = zipVersion45
	}
	b.putU16(versionNeeded)
	b.putU16(d.flags)
	b.putU16(d.method)
	b.putU16(modTime)
	b.putU16(modDate)
	b.putU32(d.crc32)
	if d.isZip64() {
		b.putU32(uint32max)
		b.putU32(uint32max)
	} else {
		b.putU32(uint32(d.compSize))
		b.putU32(uint32(d.uncompSize))
	}
	b.putU16(uint16(len(nameB)))
	b.putU16(uint16(len(extra)))
	b.putU16(uint16(len(commentB)))
	b.putU16(0) // disk number start
	b.putU16(d.internalAttrs)
	b.putU32(d.externalAttrs)
	if d.localOffset >= uint32max {
		b.putU32(uint32max)
	} else {
		b.putU32(uint32(d.localOffset))
	}
	if !b.ok {
		return false, wrapErr(ErrInternal, errors.New("zip: central header encode overflow"))
	}
	if _, err := w.Write(buf[:]); err != nil {
		return useZip64, wrapErr(ErrWrite, err)
	}
	if _, err := w.Write(nameB); err != nil {
		return useZip64, wrapErr(ErrWrite, err)
	}
	if _, err := w.Write(extra); err != nil {
		return useZip64, wrapErr(ErrWrite, err)
	}
	if _, err := w.Write(commentB); err != nil {
		return useZip64, wrapErr(ErrWrite, err)
	}
	return useZip64, nil
}

// synthesizeInternalExtra rebuilds the ZIP64/WinZip-AES internal extra
// field records from current dirent state (spec §9 "Extra-field internal
// state") and serializes the full extra-field list (user fields plus
// synthesized internal ones) for the requested header form.
func (d *dirent) synthesizeInternalExtra(useZip64, local bool) []byte {
	list := d.extra.withoutInternal()

	if useZip64 {
		var payload []byte
		// APPNOTE 4.5.3: a local header whose sizes triggered ZIP64 MUST
		// write BOTH uncompressed and compressed, even if only one exceeds
		// the 32-bit limit.
		if local {
			payload = appendU64(appendU64(nil, d.uncompSize), d.compSize)
		} else {
			// The central header sets sentinels (and so expects fields here)
			// only for the values that overflow.
			if d.isZip64() {
				payload = appendU64(appendU64(nil, d.uncompSize), d.compSize)
			}
			if d.localOffset >= uint32max {
				payload = appendU64(payload, d.localOffset)
			}
		}
		list.set(efZip64ID, scopeBoth, payload)
	}

	if d.encryptionMethod == EncryptionAES128 || d.encryptionMethod == EncryptionAES192 || d.encryptionMethod == EncryptionAES256 {
		mode := uint8(1)
		switch d.encryptionMethod {
		case EncryptionAES192:
			mode = 2
		case EncryptionAES256:
			mode = 3
		}
		version := d.aesVersion
		if version == 0 {
			version = 2
		}
		payload := make([]byte, 7)
		b := buffer{data: payload, ok: true}
		b.putU16(uint16(version))
		b.put([]byte("AE"))
		b.putU8(mode)
		b.putU16(d.method) // real compression method
		list.set(efWinZipAESID, scopeBoth, payload)
	}

	if local {
		return list.serialize(scopeLocal)
	}
	return list.serialize(scopeCentral)
}

func appendU64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func msDosTimeToTime(date, timeField uint16) time.Time {
	if date == 0 && timeField == 0 {
		return time.Time{}
	}
	year := int(date>>9) + 1980
	month := int(date>>5) & 0xf
	day := int(date) & 0x1f
	hour := int(timeField >> 11)
	minute := int(timeField>>5) & 0x3f
	second := (int(timeField) & 0x1f) * 2
	if month == 0 {
		month = 1
	}
	if day == 0 {
		day = 1
	}
	return time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)
}
