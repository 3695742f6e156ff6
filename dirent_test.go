package zipserve

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirentLocalHeaderRoundTrip(t *testing.T) {
	d := &dirent{
		versionNeeded: zipVersion20,
		method:        Deflate,
		modified:      time.Date(2020, time.June, 15, 12, 30, 0, 0, time.UTC),
		crc32:         0xdeadbeef,
		compSize:      100,
		uncompSize:    200,
		name:          NewUTF8String("hello.txt"),
	}

	var buf bytes.Buffer
	useZip64, err := d.writeLocal(&buf, false)
	require.NoError(t, err)
	assert.False(t, useZip64)

	b := newBuffer(buf.Bytes())
	parsed, err := parseLocalDirent(b, 0)
	require.NoError(t, err)

	assert.Equal(t, d.method, parsed.method)
	assert.Equal(t, d.crc32, parsed.crc32)
	assert.Equal(t, d.compSize, parsed.compSize)
	assert.Equal(t, d.uncompSize, parsed.uncompSize)
	assert.Equal(t, "hello.txt", parsed.name.String())
	// MS-DOS timestamps only have 2-second resolution.
	assert.WithinDuration(t, d.modified, parsed.modified, 2*time.Second)
}

func TestDirentCentralHeaderRoundTrip(t *testing.T) {
	d := &dirent{
		versionMadeBy: zipVersion20,
		versionNeeded: zipVersion20,
		method:        Store,
		modified:      time.Date(2021, time.January, 2, 3, 4, 0, 0, time.UTC),
		crc32:         0x12345678,
		compSize:      50,
		uncompSize:    50,
		name:          NewUTF8String("dir/file.bin"),
		comment:       NewUTF8String("a comment"),
		externalAttrs: 0x81a40000,
		localOffset:   4096,
	}

	var buf bytes.Buffer
	useZip64, err := d.writeCentral(&buf)
	require.NoError(t, err)
	assert.False(t, useZip64)

	b := newBuffer(buf.Bytes())
	parsed, err := parseCentralDirent(b, 0)
	require.NoError(t, err)

	assert.Equal(t, "dir/file.bin", parsed.name.String())
	assert.Equal(t, "a comment", parsed.comment.String())
	assert.Equal(t, d.externalAttrs, parsed.externalAttrs)
	assert.Equal(t, d.localOffset, parsed.localOffset)
	assert.Equal(t, d.crc32, parsed.crc32)
}

func TestParseLocalDirentRejectsInvalidDeclaredUTF8Name(t *testing.T) {
	d := &dirent{
		versionNeeded: zipVersion20,
		method:        Store,
		name:          NewUTF8String("hello.txt"),
	}
	var buf bytes.Buffer
	_, err := d.writeLocal(&buf, false)
	require.NoError(t, err)
	raw := buf.Bytes()
	// Flip the name bytes to something invalid as UTF-8 while setting the
	// general-purpose UTF-8 flag (bit 11, high byte of the flags field).
	raw[7] |= 0x08
	nameOff := localFixedLen
	raw[nameOff] = 0x87

	b := newBuffer(raw)
	_, err = parseLocalDirent(b, 3)
	require.Error(t, err)
	var zerr *Error
	require.ErrorAs(t, err, &zerr)
	assert.Equal(t, InconsInvalidUTF8InFilename, zerr.Detail)
}

func TestDirentIsZip64(t *testing.T) {
	d := &dirent{compSize: 10, uncompSize: 20}
	assert.False(t, d.isZip64())
	d.uncompSize = uint32max
	assert.True(t, d.isZip64())
}

func TestDirentCloneIsIndependent(t *testing.T) {
	d := &dirent{
		method: Deflate,
		extra:  extraFieldList{records: []extraRecord{{id: 1, data: []byte{1, 2}}}},
	}
	c := d.clone()
	c.method = Store
	c.extra.records = append(c.extra.records, extraRecord{id: 2})

	assert.Equal(t, Deflate, d.method)
	assert.Len(t, d.extra.records, 1)
	assert.Len(t, c.extra.records, 2)
}

func TestDirentSyncUTF8FlagSetsBitForNonASCIIName(t *testing.T) {
	d := &dirent{name: NewUTF8String("café.txt")}
	d.syncUTF8Flag()
	assert.NotZero(t, d.flags&0x800)
}

func TestDirentSyncUTF8FlagLeavesASCIIUntouched(t *testing.T) {
	d := &dirent{name: NewUTF8String("plain.txt")}
	d.syncUTF8Flag()
	assert.Zero(t, d.flags&0x800)
}

func TestMsDosTimeToTimeZeroIsZeroTime(t *testing.T) {
	assert.True(t, msDosTimeToTime(0, 0).IsZero())
}
