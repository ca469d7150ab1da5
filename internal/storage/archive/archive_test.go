package archive

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/voxeld/internal/storage/types"
	"github.com/xtxerr/voxeld/internal/testutil"
)

func item(seq uint32) *types.Item {
	return &types.Item{
		UnitID:     7,
		Sequence:   seq,
		Flags:      1,
		ReceivedMs: 1700000000000 + int64(seq),
		Payload:    testutil.Bytes(64+int(seq), int64(seq)),
	}
}

func TestFileWriteAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "blobs.parquet")

	w, err := CreateFile(path, CompressionZstd)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	in := []*types.Item{item(1), item(2), item(3)}
	if err := w.Write(in); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Write(in); err == nil {
		t.Error("expected error writing to closed file")
	}

	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got) != len(in) {
		t.Fatalf("expected %d rows, got %d", len(in), len(got))
	}
	for i := range in {
		if got[i].UnitID != in[i].UnitID || got[i].Sequence != in[i].Sequence ||
			got[i].Flags != in[i].Flags || got[i].ReceivedMs != in[i].ReceivedMs {
			t.Errorf("row %d: expected %+v, got %+v", i, *in[i], got[i])
		}
		if !bytes.Equal(got[i].Payload, in[i].Payload) {
			t.Errorf("row %d: payload differs", i)
		}
	}
}

func TestParseCompression(t *testing.T) {
	tests := map[string]Compression{
		"":       CompressionNone,
		"none":   CompressionNone,
		"snappy": CompressionSnappy,
		"lz4":    CompressionLZ4,
		"gzip":   CompressionGzip,
		"zstd":   CompressionZstd,
		"bogus":  CompressionZstd,
	}
	for in, want := range tests {
		if got := ParseCompression(in); got != want {
			t.Errorf("ParseCompression(%q): expected %d, got %d", in, want, got)
		}
	}
}

func TestArchiveRotates(t *testing.T) {
	dir := t.TempDir()
	a, err := New(Config{Dir: dir, MaxRows: 4, PollInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Start(); err == nil {
		t.Error("expected error on double start")
	}

	for i := uint32(0); i < 10; i++ {
		if !a.Append(item(i)) {
			t.Fatalf("append %d dropped", i)
		}
	}
	testutil.WaitFor(t, 2*time.Second, "blobs written", func() bool {
		return a.Stats().Written == 10
	})
	if err := a.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	files := a.Files()
	if len(files) != 3 {
		t.Fatalf("expected 3 files, got %v", files)
	}

	var seqs []uint32
	for _, f := range files {
		items, err := ReadFile(f)
		if err != nil {
			t.Fatalf("ReadFile %s: %v", f, err)
		}
		if len(items) > 4 {
			t.Errorf("%s: expected at most 4 rows, got %d", f, len(items))
		}
		for _, it := range items {
			seqs = append(seqs, it.Sequence)
		}
	}
	for i, s := range seqs {
		if s != uint32(i) {
			t.Fatalf("expected sequences in order, got %v", seqs)
		}
	}
}

func TestArchiveStopWritesQueued(t *testing.T) {
	dir := t.TempDir()
	a, err := New(Config{Dir: dir, PollInterval: time.Hour})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// give the writer time to reach its idle wait
	time.Sleep(20 * time.Millisecond)

	a.Append(item(1))
	a.Append(item(2))
	if err := testutil.WithTimeout(2*time.Second, a.Stop); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one file, got %d", len(entries))
	}
	items, err := ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("expected 2 blobs, got %d", len(items))
	}
}

func TestArchiveDropsWhenFull(t *testing.T) {
	a, err := New(Config{Dir: t.TempDir(), QueueSize: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// not started: nothing drains
	a.Append(item(1))
	a.Append(item(2))
	if a.Append(item(3)) {
		t.Error("expected append to full queue to fail")
	}
	if a.Stats().Dropped != 1 {
		t.Errorf("expected 1 dropped, got %d", a.Stats().Dropped)
	}

	if _, err := New(Config{}); err == nil {
		t.Error("expected error without dir")
	}
}
