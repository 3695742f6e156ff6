package zipserve

import (
	"bytes"
	"fmt"
	"hash"
	"hash/crc32"
	"time"
)

// torrentzipEpoch is the fixed timestamp torrentzip stamps on every entry
// (1996-12-24 23:32:00, DOS date 0x2198 / time 0xbc00) so that two
// torrentzip archives of the same content are byte-identical regardless
// of when they were built.
var torrentzipEpoch = time.Date(1996, time.December, 24, 23, 32, 0, 0, time.UTC)

// torrentzipWriter normalizes entries to torrentzip canonical form during
// commit (spec §4.9's "Torrentzip normalization") and accumulates the
// running CRC-32 over the encoded central directory needed for the
// trailing TORRENTZIPPED-XXXXXXXX comment.
type torrentzipWriter struct {
	enabled bool
	h       hash.Hash32
}

func newTorrentzipWriter(enabled bool) *torrentzipWriter {
	tz := &torrentzipWriter{enabled: enabled}
	if enabled {
		tz.h = crc32.NewIEEE()
	}
	return tz
}

// normalize rewrites d's header fields to torrentzip canonical form:
// forced DEFLATE at maximum compression, version 2.0, bit 1 set (max
// compression) and no others, zeroed disk/attribute fields, the fixed
// epoch timestamp, and no extra fields, comment, or encryption.
func (tz *torrentzipWriter) normalize(d *dirent) {
	if !tz.enabled {
		return
	}
	d.versionMadeBy = zipVersion20
	d.versionNeeded = zipVersion20
	d.flags = 0x0002
	d.method = Deflate
	d.compressionLevel = 9
	d.modified = torrentzipEpoch
	d.internalAttrs = 0
	d.externalAttrs = 0
	d.diskNumber = 0
	d.extra = extraFieldList{}
	d.comment = EncodedString{}
	d.encryptionMethod = EncryptionNone
	d.aesVersion = 0
	d.password = ""
}

// writeCentral encodes d's central directory record, folding its bytes
// into the running CRC-32 when torrentzip mode is enabled, then writes it
// to w. Returns the number of bytes written.
func (tz *torrentzipWriter) writeCentral(w Source, d *dirent) (int64, error) {
	var buf bytes.Buffer
	if _, err := d.writeCentral(&buf); err != nil {
		return 0, err
	}
	if tz.enabled {
		tz.h.Write(buf.Bytes())
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return 0, wrapErr(ErrWrite, err)
	}
	return int64(buf.Len()), nil
}

// comment returns the TORRENTZIPPED-XXXXXXXX archive comment for the
// central directory written so far, or nil if torrentzip mode is off.
func (tz *torrentzipWriter) comment() []byte {
	if !tz.enabled {
		return nil
	}
	return []byte(fmt.Sprintf("%s%08X", torrentzipPrefix, tz.h.Sum32()))
}
