package codec

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/xtxerr/voxeld/internal/errors"
)

func payload(n int, seed int64) []byte {
	r := rand.New(rand.NewSource(seed))
	b := make([]byte, n)
	for i := range b {
		// mostly repetitive so every algorithm finds matches
		if i%16 == 0 {
			b[i] = byte(r.Intn(256))
		} else {
			b[i] = byte(i % 7)
		}
	}
	return b
}

func TestCompressRoundTrip(t *testing.T) {
	for _, alg := range []Algorithm{Zlib, Zstd, LZ4} {
		t.Run(string(alg), func(t *testing.T) {
			d, err := NewDecompressor(alg, 1<<20)
			if err != nil {
				t.Fatalf("NewDecompressor: %v", err)
			}
			defer d.Close()

			for _, n := range []int{1, 14, 15, 300, 64 * 1024} {
				data := payload(n, int64(n))
				blob, err := Compress(alg, data)
				if err != nil {
					t.Fatalf("Compress(%d): %v", n, err)
				}
				if got := binary.BigEndian.Uint32(blob[:SizePrefix]); got != uint32(n) {
					t.Fatalf("expected prefix %d, got %d", n, got)
				}
				out, err := d.Decompress(blob)
				if err != nil {
					t.Fatalf("Decompress(%d): %v", n, err)
				}
				if !bytes.Equal(out, data) {
					t.Fatalf("round trip of %d bytes differs", n)
				}
			}
		})
	}
}

func TestCompressIncompressibleLZ4(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	data := make([]byte, 1000)
	r.Read(data)

	blob, err := Compress(LZ4, data)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	d, _ := NewDecompressor(LZ4, 4096)
	out, err := d.Decompress(blob)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Error("round trip differs")
	}
}

func TestDecompressSizeMismatch(t *testing.T) {
	for _, alg := range []Algorithm{Zlib, Zstd, LZ4} {
		t.Run(string(alg), func(t *testing.T) {
			d, _ := NewDecompressor(alg, 1<<20)
			defer d.Close()

			data := payload(500, 3)
			blob, err := Compress(alg, data)
			if err != nil {
				t.Fatalf("Compress: %v", err)
			}

			bigger := append([]byte(nil), blob...)
			binary.BigEndian.PutUint32(bigger, 501)
			_, err = d.Decompress(bigger)
			if !errors.IsCodecError(err) {
				t.Errorf("declared too large: expected codec error, got %v", err)
			}

			smaller := append([]byte(nil), blob...)
			binary.BigEndian.PutUint32(smaller, 499)
			_, err = d.Decompress(smaller)
			if !errors.IsCodecError(err) {
				t.Errorf("declared too small: expected codec error, got %v", err)
			}
		})
	}
}

func TestDecompressErrors(t *testing.T) {
	d, _ := NewDecompressor(Zlib, 1024)

	tests := []struct {
		name string
		in   []byte
		want error
	}{
		{"no prefix", []byte{0, 0, 1}, errors.ErrDecompress},
		{"zero size", []byte{0, 0, 0, 0, 1, 2}, errors.ErrSizeMismatch},
		{"over limit", []byte{0, 0, 0x10, 0, 1, 2}, errors.ErrDecompress},
		{"garbage", []byte{0, 0, 0, 8, 0xDE, 0xAD, 0xBE, 0xEF}, errors.ErrDecompress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := d.Decompress(tt.in); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestDecompressZlibChecksum(t *testing.T) {
	d, _ := NewDecompressor(Zlib, 1<<20)
	data := payload(4096, 11)
	blob, err := Compress(Zlib, data)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}

	// the adler-32 trailer is the last four bytes of the stream
	bad := bytes.Clone(blob)
	bad[len(bad)-1] ^= 0xFF
	if _, err := d.Decompress(bad); !errors.Is(err, errors.ErrDecompress) {
		t.Errorf("expected ErrDecompress for corrupt checksum, got %v", err)
	}

	out, err := d.Decompress(blob)
	if err != nil || !bytes.Equal(out, data) {
		t.Errorf("intact blob: expected round trip, got %v", err)
	}
}

func TestParseAlgorithm(t *testing.T) {
	if a, err := ParseAlgorithm(""); err != nil || a != Zlib {
		t.Errorf("expected zlib default, got %q %v", a, err)
	}
	if a, err := ParseAlgorithm("lz4"); err != nil || a != LZ4 {
		t.Errorf("expected lz4, got %q %v", a, err)
	}
	if _, err := ParseAlgorithm("brotli"); !errors.Is(err, errors.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := NewDecompressor("snappy", 10); err == nil {
		t.Error("expected error for unknown algorithm")
	}
}

func TestDecodeTree(t *testing.T) {
	// root: child 0 occupied, child 7 inner
	// child 7: child 3 occupied
	stream := []byte{0x02, 0xC0, 0x80, 0x00}

	cells, _, err := DecodeTree(stream)
	if err != nil {
		t.Fatalf("DecodeTree: %v", err)
	}
	want := []Cell{
		{-16384, -16384, -16384},
		{24576, 24576, 8192},
	}
	if len(cells) != len(want) {
		t.Fatalf("expected %v, got %v", want, cells)
	}
	for i := range want {
		if cells[i] != want[i] {
			t.Errorf("cell %d: expected %v, got %v", i, want[i], cells[i])
		}
	}
}

func TestDecodeTreeFreeChildrenIgnored(t *testing.T) {
	// every child free
	cells, _, err := DecodeTree([]byte{0x55, 0x55})
	if err != nil {
		t.Fatalf("DecodeTree: %v", err)
	}
	if len(cells) != 0 {
		t.Errorf("expected no cells, got %v", cells)
	}
}

func TestDecodeTreeFullDepth(t *testing.T) {
	var stream []byte
	for i := 0; i < 15; i++ {
		stream = append(stream, 0x03, 0x00)
	}
	stream = append(stream, 0x02, 0x00)

	cells, _, err := DecodeTree(stream)
	if err != nil {
		t.Fatalf("DecodeTree: %v", err)
	}
	if len(cells) != 1 || cells[0] != (Cell{-32768, -32768, -32768}) {
		t.Errorf("expected corner cell, got %v", cells)
	}
}

func TestDecodeTreeErrors(t *testing.T) {
	tooDeep := bytes.Repeat([]byte{0x03, 0x00}, 17)

	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"half node", []byte{0x03}},
		{"missing child", []byte{0x03, 0x00}},
		{"too deep", tooDeep},
		{"header without data", []byte(TreeMagic + "\nid OcTree\n")},
		{"bad size", []byte(TreeMagic + "\nsize x\ndata\n\x02\x00")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeTree(tt.in)
			if !errors.Is(err, errors.ErrDecode) {
				t.Errorf("expected ErrDecode, got %v", err)
			}
		})
	}
}

func TestDecodeTreeHeader(t *testing.T) {
	blob := []byte(TreeMagic + "\n# comment\nid OcTree\nsize 2\nres 0.05\nfoo bar\ndata\n")
	blob = append(blob, 0x02, 0xC0, 0x80, 0x00)

	cells, hdr, err := DecodeTree(blob)
	if err != nil {
		t.Fatalf("DecodeTree: %v", err)
	}
	if hdr.ID != "OcTree" || hdr.Size != 2 || hdr.Resolution != 0.05 {
		t.Errorf("unexpected header %+v", hdr)
	}
	if len(cells) != 2 {
		t.Errorf("expected 2 cells, got %d", len(cells))
	}

	empty := []byte(TreeMagic + "\nid OcTree\nsize 0\ndata\n")
	cells, _, err = DecodeTree(empty)
	if err != nil || len(cells) != 0 {
		t.Errorf("expected empty tree, got %v %v", cells, err)
	}
}

func TestEnsureTreeHeader(t *testing.T) {
	stream := []byte{0x02, 0x00}

	withHeader := EnsureTreeHeader(stream, "ColorOcTree")
	if !bytes.HasPrefix(withHeader, []byte(TreeMagic+"\nid ColorOcTree\ndata\n")) {
		t.Errorf("unexpected header %q", withHeader)
	}
	if again := EnsureTreeHeader(withHeader, "OcTree"); !bytes.Equal(again, withHeader) {
		t.Error("expected existing header to be kept")
	}

	a, _, err := DecodeTree(stream)
	if err != nil {
		t.Fatalf("DecodeTree raw: %v", err)
	}
	b, hdr, err := DecodeTree(withHeader)
	if err != nil {
		t.Fatalf("DecodeTree with header: %v", err)
	}
	if hdr.ID != "ColorOcTree" {
		t.Errorf("expected id ColorOcTree, got %q", hdr.ID)
	}
	if len(a) != 1 || len(b) != 1 || a[0] != b[0] {
		t.Errorf("expected same cells, got %v and %v", a, b)
	}
}

func TestEncodeTreeRoundTrip(t *testing.T) {
	in := []Cell{
		{0, 0, 0},
		{-1, -1, -1},
		{1, 2, 3},
		{-32768, 32767, 0},
		{100, -200, 300},
		{1, 2, 3},
	}

	stream, err := EncodeTree(in)
	if err != nil {
		t.Fatalf("EncodeTree: %v", err)
	}
	cells, _, err := DecodeTree(stream)
	if err != nil {
		t.Fatalf("DecodeTree: %v", err)
	}

	want := map[Cell]bool{}
	for _, c := range in {
		want[c] = true
	}
	if len(cells) != len(want) {
		t.Fatalf("expected %d cells, got %d: %v", len(want), len(cells), cells)
	}
	for _, c := range cells {
		if !want[c] {
			t.Errorf("unexpected cell %v", c)
		}
	}
}

func TestEncodeTreeBounds(t *testing.T) {
	if _, err := EncodeTree([]Cell{{X: 32768}}); err == nil {
		t.Error("expected error for cell outside tree")
	}
	if out, err := EncodeTree(nil); err != nil || out != nil {
		t.Errorf("expected empty stream, got %v %v", out, err)
	}
}

func TestDecodeTreeLimit(t *testing.T) {
	cells := make([]Cell, 20)
	for i := range cells {
		cells[i] = Cell{X: int32(i * 3), Y: int32(-i), Z: 5}
	}
	stream, err := EncodeTree(cells)
	if err != nil {
		t.Fatalf("EncodeTree: %v", err)
	}

	got, _, err := DecodeTreeLimit(stream, len(cells))
	if err != nil {
		t.Fatalf("DecodeTreeLimit at limit: %v", err)
	}
	if len(got) != len(cells) {
		t.Errorf("expected %d cells, got %d", len(cells), len(got))
	}

	if _, _, err := DecodeTreeLimit(stream, len(cells)-1); !errors.Is(err, errors.ErrDecode) {
		t.Errorf("expected ErrDecode over limit, got %v", err)
	}

	// one full-depth branch repeated: every deepest node yields 8 cells
	var dense []byte
	for i := 0; i < 15; i++ {
		dense = append(dense, 0x03, 0x00)
	}
	dense = append(dense, 0xAA, 0xAA)
	if _, _, err := DecodeTreeLimit(dense, 7); !errors.Is(err, errors.ErrDecode) {
		t.Errorf("expected ErrDecode for 8 cells with limit 7, got %v", err)
	}
	if got, _, err := DecodeTreeLimit(dense, 0); err != nil || len(got) != 8 {
		t.Errorf("expected 8 cells without limit, got %d %v", len(got), err)
	}
}
