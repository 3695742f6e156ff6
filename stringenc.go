package zipserve

import (
	"hash/crc32"
	"unicode/utf8"
)

// StringEncoding classifies how the raw bytes of a filename or comment
// should be interpreted, per spec §3 "Encoded string".
type StringEncoding int

const (
	EncodingUnknown StringEncoding = iota
	EncodingASCII
	EncodingUTF8Known  // general-purpose UTF-8 flag (bit 11) was set
	EncodingUTF8Guess  // bytes happen to be valid, non-ASCII UTF-8
	EncodingCP437
	EncodingError // raw bytes could not be interpreted under any scheme
)

// cp437Table maps CP437 codepoints 0x80-0xFF to their Unicode runes. 0x00-0x7F
// is ASCII-compatible.
var cp437Table = [128]rune{
	0x00C7, 0x00FC, 0x00E9, 0x00E2, 0x00E4, 0x00E0, 0x00E5, 0x00E7,
	0x00EA, 0x00EB, 0x00E8, 0x00EF, 0x00EE, 0x00EC, 0x00C4, 0x00C5,
	0x00C9, 0x00E6, 0x00C6, 0x00F4, 0x00F6, 0x00F2, 0x00FB, 0x00F9,
	0x00FF, 0x00D6, 0x00DC, 0x00A2, 0x00A3, 0x00A5, 0x20A7, 0x0192,
	0x00E1, 0x00ED, 0x00F3, 0x00FA, 0x00F1, 0x00D1, 0x00AA, 0x00BA,
	0x00BF, 0x2310, 0x00AC, 0x00BD, 0x00BC, 0x00A1, 0x00AB, 0x00BB,
	0x2591, 0x2592, 0x2593, 0x2502, 0x2524, 0x2561, 0x2562, 0x2556,
	0x2555, 0x2563, 0x2551, 0x2557, 0x255D, 0x255C, 0x255B, 0x2510,
	0x2514, 0x2534, 0x252C, 0x251C, 0x2500, 0x253C, 0x255E, 0x255F,
	0x255A, 0x2554, 0x2569, 0x2566, 0x2560, 0x2550, 0x256C, 0x2567,
	0x2568, 0x2564, 0x2565, 0x2559, 0x2558, 0x2552, 0x2553, 0x256B,
	0x256A, 0x2518, 0x250C, 0x2588, 0x2584, 0x258C, 0x2590, 0x2580,
	0x03B1, 0x00DF, 0x0393, 0x03C0, 0x03A3, 0x03C3, 0x00B5, 0x03C4,
	0x03A6, 0x0398, 0x03A9, 0x03B4, 0x221E, 0x03C6, 0x03B5, 0x2229,
	0x2261, 0x00B1, 0x2265, 0x2264, 0x2320, 0x2321, 0x00F7, 0x2248,
	0x00B0, 0x2219, 0x00B7, 0x221A, 0x207F, 0x00B2, 0x25A0, 0x00A0,
}

func cp437ToUTF8(raw []byte) string {
	runes := make([]rune, len(raw))
	for i, b := range raw {
		if b < 0x80 {
			runes[i] = rune(b)
		} else {
			runes[i] = cp437Table[b-0x80]
		}
	}
	return string(runes)
}

func isASCII(raw []byte) bool {
	for _, b := range raw {
		if b >= 0x80 {
			return false
		}
	}
	return true
}

// EncodedString is a filename or comment as it appears in a ZIP archive: raw
// bytes, a declared-or-guessed encoding, and a lazily computed UTF-8 form.
type EncodedString struct {
	raw      []byte
	encoding StringEncoding
	utf8     string
	utf8Set  bool
}

// NewEncodedString builds an EncodedString from raw bytes, declaring utf8 if
// the general-purpose UTF-8 bit (flag 0x800) was set in the header. A
// declared-UTF-8 string that isn't actually valid UTF-8 is EncodingError,
// not EncodingUTF8Known.
func NewEncodedString(raw []byte, utf8Declared bool) EncodedString {
	e := EncodedString{raw: append([]byte(nil), raw...)}
	switch {
	case utf8Declared && utf8.Valid(raw):
		e.encoding = EncodingUTF8Known
	case utf8Declared:
		e.encoding = EncodingError
	case isASCII(raw):
		e.encoding = EncodingASCII
	default:
		e.encoding = EncodingCP437
	}
	return e
}

// Raw returns the original undecoded bytes.
func (e EncodedString) Raw() []byte { return e.raw }

// Encoding reports how the raw bytes were classified.
func (e EncodedString) Encoding() StringEncoding { return e.encoding }

// String returns the lazily-computed UTF-8 decoding of the raw bytes.
func (e *EncodedString) String() string {
	if e.utf8Set {
		return e.utf8
	}
	switch e.encoding {
	case EncodingASCII, EncodingUTF8Known, EncodingUTF8Guess:
		e.utf8 = string(e.raw)
	case EncodingCP437:
		e.utf8 = cp437ToUTF8(e.raw)
	default:
		e.utf8 = string(e.raw)
	}
	e.utf8Set = true
	return e.utf8
}

// crc32Raw returns the CRC-32 of the raw bytes, used to match the separately
// stored UTF-8 extra field records (0x6375/0x7075): if it matches, the extra
// field's payload replaces this string, per spec §4.6 step 1.
func (e EncodedString) crc32Raw() uint32 {
	return crc32.ChecksumIEEE(e.raw)
}

// promoteUTF8 replaces the string's value with payload if the stored CRC
// matches the raw bytes' CRC, marking the encoding as UTF8Known.
func (e *EncodedString) promoteUTF8(storedCRC uint32, payload []byte) bool {
	if e.crc32Raw() != storedCRC {
		return false
	}
	e.utf8 = string(payload)
	e.utf8Set = true
	e.encoding = EncodingUTF8Known
	return true
}

// NewUTF8String builds an EncodedString directly from a Go (UTF-8) string,
// for newly added entries.
func NewUTF8String(s string) EncodedString {
	e := EncodedString{raw: []byte(s), utf8: s, utf8Set: true}
	if isASCII(e.raw) {
		e.encoding = EncodingASCII
	} else {
		e.encoding = EncodingUTF8Guess
	}
	return e
}
