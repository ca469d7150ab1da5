// Package codec turns completed blobs into cells: it strips the
// compression envelope and decodes the occupancy tree.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/xtxerr/voxeld/internal/errors"
)

// SizePrefix is the length of the big-endian decompressed size that
// precedes every compressed stream.
const SizePrefix = 4

// Algorithm names a compression scheme for flagged blobs.
type Algorithm string

const (
	Zlib Algorithm = "zlib"
	Zstd Algorithm = "zstd"
	LZ4  Algorithm = "lz4"
)

// ParseAlgorithm validates a config value.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(name) {
	case Zlib, Zstd, LZ4:
		return Algorithm(name), nil
	case "":
		return Zlib, nil
	default:
		return "", fmt.Errorf("unknown compression %q: %w", name, errors.ErrInvalidConfig)
	}
}

// Decompressor unwraps size-prefixed compressed blobs.
// It is safe for concurrent use.
type Decompressor struct {
	alg     Algorithm
	maxSize uint32
	zstd    *zstd.Decoder
}

// NewDecompressor creates a Decompressor that refuses blobs declaring more
// than maxSize decompressed bytes.
func NewDecompressor(alg Algorithm, maxSize uint32) (*Decompressor, error) {
	d := &Decompressor{alg: alg, maxSize: maxSize}
	switch alg {
	case Zlib, LZ4:
	case Zstd:
		dec, err := zstd.NewReader(nil,
			zstd.WithDecoderMaxMemory(uint64(maxSize)),
			zstd.WithDecoderConcurrency(0),
		)
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		d.zstd = dec
	default:
		return nil, fmt.Errorf("unknown compression %q: %w", alg, errors.ErrInvalidConfig)
	}
	return d, nil
}

// Algorithm returns the configured scheme.
func (d *Decompressor) Algorithm() Algorithm {
	return d.alg
}

// Close releases decoder resources.
func (d *Decompressor) Close() {
	if d.zstd != nil {
		d.zstd.Close()
	}
}

// Decompress reads the size prefix and inflates the remaining stream.
// The result must be exactly the declared size.
func (d *Decompressor) Decompress(blob []byte) ([]byte, error) {
	if len(blob) < SizePrefix {
		return nil, fmt.Errorf("compressed blob of %d bytes: %w", len(blob), errors.ErrDecompress)
	}
	want := binary.BigEndian.Uint32(blob[:SizePrefix])
	stream := blob[SizePrefix:]

	if want == 0 {
		return nil, fmt.Errorf("declared size is zero: %w", errors.ErrSizeMismatch)
	}
	if want > d.maxSize {
		return nil, fmt.Errorf("declared size %d > %d: %w", want, d.maxSize, errors.ErrDecompress)
	}

	switch d.alg {
	case Zstd:
		return d.inflateZstd(stream, int(want))
	case LZ4:
		return inflateLZ4(stream, int(want))
	default:
		return inflateZlib(stream, int(want))
	}
}

func inflateZlib(stream []byte, want int) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(stream))
	if err != nil {
		return nil, fmt.Errorf("zlib: %w: %w", errors.ErrDecompress, err)
	}
	defer r.Close()

	out := make([]byte, want)
	n, err := io.ReadFull(r, out)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return nil, fmt.Errorf("zlib: got %d bytes, declared %d: %w", n, want, errors.ErrSizeMismatch)
	}
	if err != nil {
		return nil, fmt.Errorf("zlib: %w: %w", errors.ErrDecompress, err)
	}

	// stream must end exactly at the declared size; the checksum is
	// verified on this final read
	var tail [1]byte
	extra, err := r.Read(tail[:])
	if extra > 0 {
		return nil, fmt.Errorf("zlib: stream longer than declared %d: %w", want, errors.ErrSizeMismatch)
	}
	if err != io.EOF {
		return nil, fmt.Errorf("zlib: %w: %w", errors.ErrDecompress, err)
	}
	return out, nil
}

func (d *Decompressor) inflateZstd(stream []byte, want int) ([]byte, error) {
	out, err := d.zstd.DecodeAll(stream, make([]byte, 0, want))
	if err != nil {
		return nil, fmt.Errorf("zstd: %w: %w", errors.ErrDecompress, err)
	}
	if len(out) != want {
		return nil, fmt.Errorf("zstd: got %d bytes, declared %d: %w", len(out), want, errors.ErrSizeMismatch)
	}
	return out, nil
}

func inflateLZ4(stream []byte, want int) ([]byte, error) {
	out := make([]byte, want)
	n, err := lz4.UncompressBlock(stream, out)
	if err != nil {
		return nil, fmt.Errorf("lz4: %w: %w", errors.ErrDecompress, err)
	}
	if n != want {
		return nil, fmt.Errorf("lz4: got %d bytes, declared %d: %w", n, want, errors.ErrSizeMismatch)
	}
	return out, nil
}

// Compress produces a size-prefixed compressed blob. Units and test tools
// use it; the daemon only decompresses.
func Compress(alg Algorithm, data []byte) ([]byte, error) {
	out := binary.BigEndian.AppendUint32(make([]byte, 0, SizePrefix+len(data)/2), uint32(len(data)))

	switch alg {
	case Zstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(data, out), nil

	case LZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			// incompressible input still needs a valid block
			n, err = literalLZ4Block(data, dst)
			if err != nil {
				return nil, err
			}
		}
		return append(out, dst[:n]...), nil

	case Zlib, "":
		var buf bytes.Buffer
		buf.Write(out)
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("zlib compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("zlib compress: %w", err)
		}
		return buf.Bytes(), nil

	default:
		return nil, fmt.Errorf("unknown compression %q: %w", alg, errors.ErrInvalidConfig)
	}
}

// literalLZ4Block encodes data as a single literal-only LZ4 sequence.
func literalLZ4Block(data, dst []byte) (int, error) {
	n := len(data)
	need := 1 + n/255 + 1 + n
	if len(dst) < need {
		return 0, fmt.Errorf("lz4 compress: buffer too small")
	}
	i := 0
	if n < 15 {
		dst[i] = byte(n << 4)
		i++
	} else {
		dst[i] = 0xF0
		i++
		rest := n - 15
		for rest >= 255 {
			dst[i] = 255
			i++
			rest -= 255
		}
		dst[i] = byte(rest)
		i++
	}
	i += copy(dst[i:], data)
	return i, nil
}
