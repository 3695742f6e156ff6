package zipserve

import (
	"errors"
	"hash/crc32"
	"io"
)

// crcSource passes bytes through unmodified while maintaining a running
// CRC-32 and byte counter, verifying both against the expected stat fields
// once the lower source reaches EOF from a sequential read starting at
// position 0 (spec §4.4 "CRC layer"). It is used only on the read path; the
// write path's CRC is computed directly by the commit loop as it streams
// the user's plaintext.
type crcSource struct {
	layered
	unsupportedWriter
	unsupportedFileAttributes

	expectCRC      uint32
	expectCRCValid bool
	expectSize     uint64
	expectSizeValid bool

	sum      uint32
	count    uint64
	sawEOF   bool
	sequential bool // true as long as every read has been contiguous from 0
}

// NewCRCSource wraps lower with CRC/length verification against expected
// values taken from stat (typically the central directory entry).
func NewCRCSource(lower Source, expect Stat) Source {
	c := &crcSource{
		expectCRC: expect.CRC32, expectCRCValid: expect.CRC32Valid,
		expectSize: expect.Size, expectSizeValid: expect.SizeValid,
		sequential: true,
	}
	c.layered = newLayered(lower, Readable|CapStat)
	return c
}

func (c *crcSource) Capabilities() Capability { return c.caps }

func (c *crcSource) Open() error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	if err := c.lower.Open(); err != nil {
		return err
	}
	c.sum = 0
	c.count = 0
	c.sawEOF = false
	return c.MarkOpen()
}

func (c *crcSource) Read(p []byte) (int, error) {
	if !c.sequential {
		return c.lower.Read(p)
	}
	n, err := c.lower.Read(p)
	if n > 0 {
		c.sum = crc32.Update(c.sum, crc32.IEEETable, p[:n])
		c.count += uint64(n)
	}
	if err == io.EOF {
		c.sawEOF = true
		if verr := c.verify(); verr != nil {
			return n, verr
		}
	}
	return n, err
}

func (c *crcSource) verify() error {
	if c.expectCRCValid && c.sum != c.expectCRC {
		return newErr(ErrCRC)
	}
	if c.expectSizeValid && c.count != c.expectSize {
		return newErr(ErrDataLength)
	}
	return nil
}

func (c *crcSource) Close() error {
	_ = c.lower.Close()
	return c.MarkClosed()
}

// Seek invalidates sequential verification: once the caller seeks, this
// layer can no longer attest to the whole stream, matching spec §4.4's "only
// verifies when the entire stream was consumed sequentially from the start".
func (c *crcSource) Seek(offset int64, whence int) (int64, error) {
	c.sequential = false
	return c.lower.Seek(offset, whence)
}

func (c *crcSource) Tell() (int64, error) { return c.lower.Tell() }

func (c *crcSource) Stat() (Stat, error) { return c.lower.Stat() }

func (c *crcSource) Free() error {
	if !c.CanFree() {
		return wrapErr(ErrInUse, errors.New("crc source busy"))
	}
	if !c.closed {
		return c.lower.Free()
	}
	return nil
}
