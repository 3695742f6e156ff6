package zipserve

import (
	"bytes"
	"compress/flate"
	"errors"
	"io"

	"github.com/dsnet/compress/bzip2"
	kflate "github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// compressionAlgorithm is the interface spec §1 treats concrete codecs
// through: the core never looks at DEFLATE/BZIP2/LZMA/ZSTD/XZ bit formats
// directly, only at this adapter.
type compressionAlgorithm interface {
	Method() uint16
	VersionNeeded() uint16
	NewReader(r io.Reader) (io.ReadCloser, error)
	NewWriter(w io.Writer, level int) (io.WriteCloser, error)
	// Flags returns the general-purpose bit flags this algorithm wants set
	// for the given level (spec §4.4: DEFLATE level 1-2 -> fast flag,
	// 8-9 -> slow flag).
	Flags(level int) uint16
}

var algorithmRegistry = map[uint16]compressionAlgorithm{}

func registerAlgorithm(a compressionAlgorithm) { algorithmRegistry[a.Method()] = a }

func init() {
	registerAlgorithm(deflateAlgorithm{})
	registerAlgorithm(bzip2Algorithm{})
	registerAlgorithm(lzmaAlgorithm{})
	registerAlgorithm(xzAlgorithm{})
	registerAlgorithm(zstdAlgorithm{})
}

// lookupAlgorithm returns the registered codec for method, or nil (Store,
// method 0, has no codec: it is handled directly by the pipeline).
func lookupAlgorithm(method uint16) compressionAlgorithm {
	return algorithmRegistry[method]
}

// --- DEFLATE, via github.com/klauspost/compress/flate ---

type deflateAlgorithm struct{}

func (deflateAlgorithm) Method() uint16        { return Deflate }
func (deflateAlgorithm) VersionNeeded() uint16 { return zipVersion20 }

func (deflateAlgorithm) NewReader(r io.Reader) (io.ReadCloser, error) {
	return kflate.NewReader(r), nil
}

func (deflateAlgorithm) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	if level == 0 {
		level = flate.DefaultCompression
	}
	return kflate.NewWriter(w, level)
}

func (deflateAlgorithm) Flags(level int) uint16 {
	switch {
	case level >= 1 && level <= 2:
		return 0x0004 // fast
	case level >= 8:
		return 0x0002 // slow/maximum
	default:
		return 0
	}
}

// --- BZIP2, via github.com/dsnet/compress/bzip2 (read+write) ---

type bzip2Algorithm struct{}

func (bzip2Algorithm) Method() uint16        { return 12 }
func (bzip2Algorithm) VersionNeeded() uint16 { return 46 }

func (bzip2Algorithm) NewReader(r io.Reader) (io.ReadCloser, error) {
	return bzip2.NewReader(r, nil)
}

func (bzip2Algorithm) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	if level == 0 {
		level = 9
	}
	return bzip2.NewWriter(w, &bzip2.WriterConfig{Level: level})
}

func (bzip2Algorithm) Flags(level int) uint16 { return 0 }

// --- LZMA, via github.com/ulikunitz/xz/lzma ---

type lzmaAlgorithm struct{}

func (lzmaAlgorithm) Method() uint16        { return 14 }
func (lzmaAlgorithm) VersionNeeded() uint16 { return 63 }

func (lzmaAlgorithm) NewReader(r io.Reader) (io.ReadCloser, error) {
	// The ZIP LZMA format prefixes a 4-byte LZMA SDK version + properties
	// length header before the raw LZMA stream; consume it, then hand the
	// rest to the codec.
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	lr, err := lzma.NewReader(r)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(lr), nil
}

type lzmaWriter struct {
	w       io.Writer
	inner   *lzma.Writer
	headerW bool
}

func (lw *lzmaWriter) Write(p []byte) (int, error) {
	if !lw.headerW {
		// 5.0 SDK version + 2-byte properties-size placeholder (0, unused
		// by decoders that read properties from the LZMA stream itself).
		if _, err := lw.w.Write([]byte{5, 0, 0, 0}); err != nil {
			return 0, err
		}
		lw.headerW = true
	}
	return lw.inner.Write(p)
}

func (lw *lzmaWriter) Close() error { return lw.inner.Close() }

func (lzmaAlgorithm) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	inner, err := lzma.NewWriter(w)
	if err != nil {
		return nil, err
	}
	return &lzmaWriter{w: w, inner: inner}, nil
}

func (lzmaAlgorithm) Flags(level int) uint16 { return 0 }

// --- XZ, via github.com/ulikunitz/xz (not an APPNOTE-registered method;
// exposed under a private-use method id for archives that opt in explicitly) ---

type xzAlgorithm struct{}

func (xzAlgorithm) Method() uint16        { return 95 }
func (xzAlgorithm) VersionNeeded() uint16 { return 63 }

func (xzAlgorithm) NewReader(r io.Reader) (io.ReadCloser, error) {
	xr, err := xz.NewReader(r)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(xr), nil
}

func (xzAlgorithm) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	return xz.NewWriter(w)
}

func (xzAlgorithm) Flags(level int) uint16 { return 0 }

// --- ZSTD, via github.com/klauspost/compress/zstd (not an APPNOTE-registered
// method either; same private-use convention as XZ above) ---

type zstdAlgorithm struct{}

func (zstdAlgorithm) Method() uint16        { return 93 }
func (zstdAlgorithm) VersionNeeded() uint16 { return 63 }

func (zstdAlgorithm) NewReader(r io.Reader) (io.ReadCloser, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return zr.IOReadCloser(), nil
}

func (zstdAlgorithm) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	var opts []zstd.EOption
	switch {
	case level >= 1 && level <= 1:
		opts = append(opts, zstd.WithEncoderLevel(zstd.SpeedFastest))
	case level == 3:
		opts = append(opts, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	case level >= 4:
		opts = append(opts, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	default:
		opts = append(opts, zstd.WithEncoderLevel(zstd.SpeedDefault))
	}
	return zstd.NewWriter(w, opts...)
}

func (zstdAlgorithm) Flags(level int) uint16 { return 0 }

// --- the layer itself ---

// decompressSource decodes a compressed lower stream on Read, per spec §4.4
// "Compression layer" read direction.
type decompressSource struct {
	layered
	unsupportedWriter
	unsupportedFileAttributes

	algo compressionAlgorithm
	r    io.ReadCloser
}

// NewDecompressSource wraps lower (the raw, still-compressed entry bytes)
// with algo's decompressor. method==Store is handled by the caller, which
// should not wrap a decompressSource around it at all.
func NewDecompressSource(lower Source, algo compressionAlgorithm) Source {
	d := &decompressSource{algo: algo}
	d.layered = newLayered(lower, Readable|CapStat)
	return d
}

func (d *decompressSource) Capabilities() Capability { return d.caps }

func (d *decompressSource) Open() error {
	if err := d.checkClosed(); err != nil {
		return err
	}
	if err := d.lower.Open(); err != nil {
		return err
	}
	r, err := d.algo.NewReader(d.lower)
	if err != nil {
		return wrapErr(ErrCompressedData, err)
	}
	d.r = r
	return d.MarkOpen()
}

func (d *decompressSource) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if err != nil && err != io.EOF {
		return n, wrapErr(ErrCompressedData, err)
	}
	return n, err
}

func (d *decompressSource) Close() error {
	if d.r != nil {
		_ = d.r.Close()
	}
	_ = d.lower.Close()
	return d.MarkClosed()
}

func (d *decompressSource) Seek(offset int64, whence int) (int64, error) {
	return 0, wrapErr(ErrOpNotSupp, errors.New("decompressed streams are not seekable"))
}

func (d *decompressSource) Tell() (int64, error) { return 0, newErr(ErrOpNotSupp) }

func (d *decompressSource) Stat() (Stat, error) {
	st, err := d.lower.Stat()
	if err != nil {
		return st, err
	}
	st.Method, st.MethodValid = d.algo.Method(), true
	st.SizeValid = false
	return st, nil
}

func (d *decompressSource) Free() error {
	if !d.CanFree() {
		return wrapErr(ErrInUse, errors.New("decompress source busy"))
	}
	if !d.closed {
		return d.lower.Free()
	}
	return nil
}

// compressSource compresses a lower (plaintext) stream on Read, for the
// write-side pipeline (spec §4.4 "For writing, the inverse composition is
// applied"). It implements the store-fallback rule: if method is
// "pick best" and the whole input fits in, and doesn't shrink below, the
// first internal read from lower, the layer serves the original bytes
// unmodified and reports method Store.
type compressSource struct {
	layered
	unsupportedWriter
	unsupportedFileAttributes

	algo         compressionAlgorithm
	level        int
	pickBest     bool
	started      bool
	storedMode   bool
	storedReader *bytes.Reader
	finalMethod  uint16
	finalFlags   uint16

	outBuf   bytes.Buffer
	cw       io.WriteCloser
	lowerEOF bool
	chunk    []byte
}

const compressProbeSize = 64 * 1024

// NewCompressSource wraps lower (plaintext) with algo's compressor. If
// pickBest is true and algo's output for a short input isn't smaller than
// the input, the layer transparently falls back to Store.
func NewCompressSource(lower Source, algo compressionAlgorithm, level int, pickBest bool) Source {
	c := &compressSource{algo: algo, level: level, pickBest: pickBest, finalMethod: algo.Method()}
	c.layered = newLayered(lower, Readable|CapStat)
	return c
}

func (c *compressSource) Capabilities() Capability { return c.caps }

func (c *compressSource) Open() error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	if err := c.lower.Open(); err != nil {
		return err
	}
	return c.MarkOpen()
}

// start implements the store-fallback probe described above, then sets up
// a compressor that Read pulls into synchronously: no goroutine, no pipe,
// everything runs on the caller's own stack one chunk at a time.
func (c *compressSource) start() error {
	if c.started {
		return nil
	}
	c.started = true

	if c.pickBest {
		probe := make([]byte, compressProbeSize)
		n, err := io.ReadFull(c.lower, probe)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return wrapErr(ErrRead, err)
		}
		probe = probe[:n]
		atEOF := err == io.EOF || err == io.ErrUnexpectedEOF

		var compressed bytes.Buffer
		cw, werr := c.algo.NewWriter(&compressed, c.level)
		if werr != nil {
			return wrapErr(ErrCompNotSupp, werr)
		}
		if _, werr := cw.Write(probe); werr != nil {
			return wrapErr(ErrCompNotSupp, werr)
		}
		if werr := cw.Close(); werr != nil {
			return wrapErr(ErrCompNotSupp, werr)
		}

		if atEOF && compressed.Len() >= len(probe) {
			c.storedMode = true
			c.finalMethod = Store
			c.finalFlags = 0
			c.storedReader = bytes.NewReader(probe)
			return nil
		}

		// Not storable: the compressor above was only for the size probe.
		// Start a fresh one writing into outBuf, seeded with the probe
		// bytes; Read pulls the remainder from lower as needed.
		cw2, werr := c.algo.NewWriter(&c.outBuf, c.level)
		if werr != nil {
			return wrapErr(ErrCompNotSupp, werr)
		}
		c.cw = cw2
		if len(probe) > 0 {
			if _, werr := c.cw.Write(probe); werr != nil {
				return wrapErr(ErrCompNotSupp, werr)
			}
		}
		if atEOF {
			if cerr := c.cw.Close(); cerr != nil {
				return wrapErr(ErrCompNotSupp, cerr)
			}
			c.cw = nil
			c.lowerEOF = true
		}
		return nil
	}

	cw, werr := c.algo.NewWriter(&c.outBuf, c.level)
	if werr != nil {
		return wrapErr(ErrCompNotSupp, werr)
	}
	c.cw = cw
	return nil
}

// fillOnce pulls one chunk from lower and feeds it to the active
// compressor, closing the compressor once lower is exhausted.
func (c *compressSource) fillOnce() error {
	if c.chunk == nil {
		c.chunk = make([]byte, 64*1024)
	}
	n, err := c.lower.Read(c.chunk)
	if n > 0 {
		if _, werr := c.cw.Write(c.chunk[:n]); werr != nil {
			return wrapErr(ErrCompNotSupp, werr)
		}
	}
	switch {
	case err == io.EOF:
		if cerr := c.cw.Close(); cerr != nil {
			return wrapErr(ErrCompNotSupp, cerr)
		}
		c.cw = nil
		c.lowerEOF = true
		return nil
	case err != nil:
		return wrapErr(ErrRead, err)
	default:
		return nil
	}
}

func (c *compressSource) Read(p []byte) (int, error) {
	if err := c.start(); err != nil {
		return 0, err
	}
	if c.storedMode {
		return c.storedReader.Read(p)
	}
	for c.outBuf.Len() == 0 && c.cw != nil {
		if err := c.fillOnce(); err != nil {
			return 0, err
		}
	}
	if c.outBuf.Len() == 0 {
		return 0, io.EOF
	}
	return c.outBuf.Read(p)
}

func (c *compressSource) Close() error {
	if c.cw != nil {
		_ = c.cw.Close()
		c.cw = nil
	}
	_ = c.lower.Close()
	return c.MarkClosed()
}

func (c *compressSource) Seek(offset int64, whence int) (int64, error) {
	return 0, newErr(ErrOpNotSupp)
}

func (c *compressSource) Tell() (int64, error) { return 0, newErr(ErrOpNotSupp) }

func (c *compressSource) Stat() (Stat, error) {
	st, err := c.lower.Stat()
	if err != nil {
		return st, err
	}
	st.Method, st.MethodValid = c.finalMethod, true
	st.Flags, st.FlagsValid = c.finalFlags, true
	st.CompSizeValid = false
	return st, nil
}

func (c *compressSource) Free() error {
	if !c.CanFree() {
		return wrapErr(ErrInUse, errors.New("compress source busy"))
	}
	if !c.closed {
		return c.lower.Free()
	}
	return nil
}
