package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/xtxerr/voxeld/internal/errors"
)

const (
	// FragmentVersion is the version byte of fragmented datagrams.
	FragmentVersion uint8 = 2

	// FragmentHeaderSize is the encoded size of FragmentHeader.
	FragmentHeaderSize = 19

	// MaxDatagramSize is the largest UDP payload over IPv4.
	MaxDatagramSize = 65507
)

// Fragment flag bits.
const (
	// FlagCompressed marks a blob that starts with a 4-byte decompressed
	// length followed by the compressed stream.
	FlagCompressed uint8 = 1 << 0

	// FlagBatchPayload marks a blob holding a batch instead of an octree.
	FlagBatchPayload uint8 = 1 << 1
)

// FragmentHeader frames one slice of a blob.
type FragmentHeader struct {
	Version  uint8
	Flags    uint8
	UnitID   uint8
	Sequence uint32
	Offset   uint32
	Length   uint32
	Total    uint32
}

// Compressed reports whether the blob carries a compressed stream.
func (h FragmentHeader) Compressed() bool {
	return h.Flags&FlagCompressed != 0
}

// End returns offset+length without wrapping.
func (h FragmentHeader) End() uint64 {
	return uint64(h.Offset) + uint64(h.Length)
}

// DecodeFragmentHeader reads the fixed header from the front of b.
// It does not check the payload.
func DecodeFragmentHeader(b []byte) (FragmentHeader, error) {
	if len(b) < FragmentHeaderSize {
		return FragmentHeader{}, fmt.Errorf("fragment header: %d bytes: %w", len(b), errors.ErrTooShort)
	}
	h := FragmentHeader{
		Version:  b[0],
		Flags:    b[1],
		UnitID:   b[2],
		Sequence: binary.BigEndian.Uint32(b[3:7]),
		Offset:   binary.BigEndian.Uint32(b[7:11]),
		Length:   binary.BigEndian.Uint32(b[11:15]),
		Total:    binary.BigEndian.Uint32(b[15:19]),
	}
	if h.Version != FragmentVersion {
		return h, fmt.Errorf("fragment version %d: %w", h.Version, errors.ErrUnsupportedVersion)
	}
	return h, nil
}

// DecodeFragment splits a datagram into header and payload.
// The payload aliases b and is exactly h.Length bytes; trailing bytes are
// ignored. A zero total is rejected since no blob can complete.
func DecodeFragment(b []byte) (FragmentHeader, []byte, error) {
	h, err := DecodeFragmentHeader(b)
	if err != nil {
		return h, nil, err
	}
	if h.Total == 0 {
		return h, nil, fmt.Errorf("fragment total is zero: %w", errors.ErrInvalidHeader)
	}
	rest := b[FragmentHeaderSize:]
	if uint64(len(rest)) < uint64(h.Length) {
		return h, nil, fmt.Errorf("fragment payload %d < length %d: %w", len(rest), h.Length, errors.ErrTooShort)
	}
	return h, rest[:h.Length], nil
}

// AppendFragment appends the encoded header and payload to dst.
// The header's Length is taken from len(payload).
func AppendFragment(dst []byte, h FragmentHeader, payload []byte) []byte {
	var hdr [FragmentHeaderSize]byte
	hdr[0] = h.Version
	hdr[1] = h.Flags
	hdr[2] = h.UnitID
	binary.BigEndian.PutUint32(hdr[3:7], h.Sequence)
	binary.BigEndian.PutUint32(hdr[7:11], h.Offset)
	binary.BigEndian.PutUint32(hdr[11:15], uint32(len(payload)))
	binary.BigEndian.PutUint32(hdr[15:19], h.Total)
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// Split cuts blob into datagrams of at most maxDatagram bytes each.
func Split(unit uint8, seq uint32, flags uint8, blob []byte, maxDatagram int) ([][]byte, error) {
	if maxDatagram <= FragmentHeaderSize {
		return nil, fmt.Errorf("datagram size %d leaves no room for payload: %w", maxDatagram, errors.ErrInvalidConfig)
	}
	if len(blob) == 0 {
		return nil, fmt.Errorf("empty blob: %w", errors.ErrInvalidHeader)
	}
	if uint64(len(blob)) > uint64(^uint32(0)) {
		return nil, fmt.Errorf("blob of %d bytes: %w", len(blob), errors.ErrBlobTooLarge)
	}

	chunk := maxDatagram - FragmentHeaderSize
	out := make([][]byte, 0, (len(blob)+chunk-1)/chunk)
	for off := 0; off < len(blob); off += chunk {
		end := min(off+chunk, len(blob))
		h := FragmentHeader{
			Version:  FragmentVersion,
			Flags:    flags,
			UnitID:   unit,
			Sequence: seq,
			Offset:   uint32(off),
			Total:    uint32(len(blob)),
		}
		out = append(out, AppendFragment(make([]byte, 0, FragmentHeaderSize+end-off), h, blob[off:end]))
	}
	return out, nil
}
