package zipserve

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewEncodedStringASCII(t *testing.T) {
	e := NewEncodedString([]byte("hello.txt"), false)
	assert.Equal(t, EncodingASCII, e.Encoding())
	assert.Equal(t, "hello.txt", e.String())
}

func TestNewEncodedStringUTF8Declared(t *testing.T) {
	e := NewEncodedString([]byte("caf\xc3\xa9.txt"), true)
	assert.Equal(t, EncodingUTF8Known, e.Encoding())
	assert.Equal(t, "café.txt", e.String())
}

func TestNewEncodedStringCP437Fallback(t *testing.T) {
	// 0x87 is CP437 for ç, not valid standalone UTF-8.
	e := NewEncodedString([]byte{0x87, 0x87}, false)
	assert.Equal(t, EncodingCP437, e.Encoding())
	assert.Equal(t, "çç", e.String())
}

func TestNewEncodedStringUTF8DeclaredButInvalid(t *testing.T) {
	e := NewEncodedString([]byte{0x87, 0x87}, true)
	assert.Equal(t, EncodingError, e.Encoding())
}

func TestNewUTF8StringRoundTrips(t *testing.T) {
	e := NewUTF8String("résumé.docx")
	assert.Equal(t, EncodingUTF8Guess, e.Encoding())
	assert.Equal(t, "résumé.docx", e.String())
	assert.Equal(t, []byte("résumé.docx"), e.Raw())
}

func TestNewUTF8StringASCIIClassifiedAsASCII(t *testing.T) {
	e := NewUTF8String("plain.txt")
	assert.Equal(t, EncodingASCII, e.Encoding())
}

func TestPromoteUTF8MatchesCRC(t *testing.T) {
	raw := []byte{0x87}
	e := NewEncodedString(raw, false)
	crc := e.crc32Raw()
	ok := e.promoteUTF8(crc, []byte("ç"))
	assert.True(t, ok)
	assert.Equal(t, EncodingUTF8Known, e.Encoding())
	assert.Equal(t, "ç", e.String())
}

func TestPromoteUTF8RejectsCRCMismatch(t *testing.T) {
	e := NewEncodedString([]byte{0x87}, false)
	ok := e.promoteUTF8(0xdeadbeef, []byte("ç"))
	assert.False(t, ok)
	assert.Equal(t, EncodingCP437, e.Encoding())
}
