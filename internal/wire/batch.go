package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/xtxerr/voxeld/internal/errors"
)

const (
	// BatchVersion is the version byte of non-fragmented batches.
	BatchVersion uint8 = 1

	// BatchHeaderSize is the encoded size of BatchHeader.
	BatchHeaderSize = 8

	// SampleSize is the encoded size of one Sample.
	SampleSize = 8

	// MaxBatchSamples is the largest count a batch header can carry.
	MaxBatchSamples = 0xFFFF
)

// BatchHeader frames a run of fixed-size samples.
type BatchHeader struct {
	Version  uint8
	Flags    uint8
	UnitID   uint16
	Count    uint16
	Reserved uint16
}

// Sample is one occupied cell as sent by a unit.
type Sample struct {
	Code  uint32 // 10-10-10 Morton cell code
	Color uint32 // 0x00RRGGBB
}

// Cell decodes the sample's cell code.
func (s Sample) Cell() (x, y, z uint32) {
	return DecodeCell(s.Code)
}

// RGB splits the packed color.
func (s Sample) RGB() (r, g, b uint8) {
	return uint8(s.Color >> 16), uint8(s.Color >> 8), uint8(s.Color)
}

// Kind identifies which framing a datagram uses.
type Kind int

const (
	KindUnknown Kind = iota
	KindFragment
	KindBatch
)

func (k Kind) String() string {
	switch k {
	case KindFragment:
		return "fragment"
	case KindBatch:
		return "batch"
	default:
		return "unknown"
	}
}

// Classify inspects the version byte of a datagram.
func Classify(b []byte) Kind {
	if len(b) == 0 {
		return KindUnknown
	}
	switch b[0] {
	case FragmentVersion:
		return KindFragment
	case BatchVersion:
		return KindBatch
	default:
		return KindUnknown
	}
}

// DecodeBatch reads a batch header and its samples.
// Bytes beyond the declared count are ignored.
func DecodeBatch(b []byte) (BatchHeader, []Sample, error) {
	if len(b) < BatchHeaderSize {
		return BatchHeader{}, nil, fmt.Errorf("batch header: %d bytes: %w", len(b), errors.ErrTooShort)
	}
	h := BatchHeader{
		Version:  b[0],
		Flags:    b[1],
		UnitID:   binary.LittleEndian.Uint16(b[2:4]),
		Count:    binary.LittleEndian.Uint16(b[4:6]),
		Reserved: binary.LittleEndian.Uint16(b[6:8]),
	}
	if h.Version != BatchVersion {
		return h, nil, fmt.Errorf("batch version %d: %w", h.Version, errors.ErrUnsupportedVersion)
	}

	need := BatchHeaderSize + int(h.Count)*SampleSize
	if len(b) < need {
		return h, nil, fmt.Errorf("batch of %d samples needs %d bytes, have %d: %w",
			h.Count, need, len(b), errors.ErrCountMismatch)
	}

	samples := make([]Sample, h.Count)
	body := b[BatchHeaderSize:need]
	for i := range samples {
		rec := body[i*SampleSize : (i+1)*SampleSize]
		samples[i] = Sample{
			Code:  binary.LittleEndian.Uint32(rec[0:4]),
			Color: binary.LittleEndian.Uint32(rec[4:8]),
		}
	}
	return h, samples, nil
}

// AppendBatch appends an encoded batch to dst. Count is taken from
// len(samples).
func AppendBatch(dst []byte, h BatchHeader, samples []Sample) ([]byte, error) {
	if len(samples) > MaxBatchSamples {
		return dst, fmt.Errorf("batch of %d samples: %w", len(samples), errors.ErrCountMismatch)
	}
	var hdr [BatchHeaderSize]byte
	hdr[0] = h.Version
	hdr[1] = h.Flags
	binary.LittleEndian.PutUint16(hdr[2:4], h.UnitID)
	binary.LittleEndian.PutUint16(hdr[4:6], uint16(len(samples)))
	binary.LittleEndian.PutUint16(hdr[6:8], h.Reserved)
	dst = append(dst, hdr[:]...)

	var rec [SampleSize]byte
	for _, s := range samples {
		binary.LittleEndian.PutUint32(rec[0:4], s.Code)
		binary.LittleEndian.PutUint32(rec[4:8], s.Color)
		dst = append(dst, rec[:]...)
	}
	return dst, nil
}
