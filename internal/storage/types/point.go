package types

import "fmt"

// CellKey identifies a stored cell.
type CellKey struct {
	X, Y, Z int32
}

func (k CellKey) String() string {
	return fmt.Sprintf("(%d,%d,%d)", k.X, k.Y, k.Z)
}

// Point is one spatial sample.
type Point struct {
	X, Y, Z int32

	// Color
	R, G, B, A uint8

	// TimestampMs is the capture time in Unix milliseconds.
	TimestampMs int64

	// Count is the number of records this point stands for. Always >= 1.
	Count int64
}

// Key returns the cell the point belongs to.
func (p Point) Key() CellKey {
	return CellKey{X: p.X, Y: p.Y, Z: p.Z}
}

// SetRGB sets an opaque color from 0x00RRGGBB.
func (p *Point) SetRGB(rgb uint32) {
	p.R = uint8(rgb >> 16)
	p.G = uint8(rgb >> 8)
	p.B = uint8(rgb)
	p.A = 0xFF
}

// Source tells how a batch arrived.
type Source uint8

const (
	// SourceTree is a reassembled octree blob.
	SourceTree Source = iota
	// SourceBatch is a sample batch, fragmented or not.
	SourceBatch
)

// String returns a human-readable representation of the Source.
func (s Source) String() string {
	switch s {
	case SourceTree:
		return "tree"
	case SourceBatch:
		return "batch"
	default:
		return "unknown"
	}
}

// Batch is the decoded content of one blob.
// Every point shares the batch's capture timestamp.
type Batch struct {
	UnitID     uint16
	Sequence   uint32
	Source     Source
	CapturedMs int64
	Points     []Point
}

// Item is one completed raw blob, before decompression.
type Item struct {
	UnitID     uint16
	Sequence   uint32
	Flags      uint8
	ReceivedMs int64
	Payload    []byte
}
