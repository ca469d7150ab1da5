package archive

import (
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/voxeld/internal/storage/types"
)

// BlobRow is one archived blob in Parquet form.
type BlobRow struct {
	UnitID     int32  `parquet:"unit_id"`
	Sequence   int64  `parquet:"sequence"`
	Flags      int32  `parquet:"flags"`
	ReceivedMs int64  `parquet:"received_ms"`
	Payload    []byte `parquet:"payload"`
}

// ItemToRow converts a completed blob to a row.
func ItemToRow(it *types.Item) BlobRow {
	return BlobRow{
		UnitID:     int32(it.UnitID),
		Sequence:   int64(it.Sequence),
		Flags:      int32(it.Flags),
		ReceivedMs: it.ReceivedMs,
		Payload:    it.Payload,
	}
}

// RowToItem converts a row back to a blob.
func RowToItem(r *BlobRow) types.Item {
	return types.Item{
		UnitID:     uint16(r.UnitID),
		Sequence:   uint32(r.Sequence),
		Flags:      uint8(r.Flags),
		ReceivedMs: r.ReceivedMs,
		Payload:    r.Payload,
	}
}

// Compression is a Parquet page codec.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// ParseCompression parses a codec name. Unknown names select zstd.
func ParseCompression(s string) Compression {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

func (c Compression) codec() compress.Codec {
	switch c {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}
