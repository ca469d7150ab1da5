// voxelsend sends voxel updates to a voxeld instance. It is a load and
// smoke-test tool: it fragments a tree file or synthetic cells the way a
// sensing unit does and writes the datagrams to UDP.
package main

import (
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/xtxerr/voxeld/internal/codec"
	"github.com/xtxerr/voxeld/internal/logging"
	"github.com/xtxerr/voxeld/internal/wire"
)

type options struct {
	addr        string
	file        string
	mode        string
	compression string
	unit        uint8
	seq         uint32
	count       int
	cells       int
	maxDatagram int
	shuffle     bool
	interval    time.Duration
	seed        int64
}

func main() {
	var o options
	flags := pflag.NewFlagSet("voxelsend", pflag.ExitOnError)
	flags.StringVarP(&o.addr, "addr", "a", "127.0.0.1:9000", "voxeld UDP address")
	flags.StringVarP(&o.file, "file", "f", "", "octree file to send instead of synthetic cells")
	flags.StringVar(&o.mode, "mode", "tree", "synthetic payload: tree, batch or legacy")
	flags.StringVar(&o.compression, "compression", "", "compress blobs: zlib, zstd or lz4 (empty sends raw)")
	flags.Uint8Var(&o.unit, "unit", 1, "unit id")
	flags.Uint32Var(&o.seq, "seq", 1, "first sequence number")
	flags.IntVarP(&o.count, "count", "n", 1, "number of blobs to send")
	flags.IntVar(&o.cells, "cells", 1000, "synthetic cells per blob")
	flags.IntVar(&o.maxDatagram, "max-datagram", 1400, "largest datagram to send")
	flags.BoolVar(&o.shuffle, "shuffle", false, "send fragments out of order")
	flags.DurationVar(&o.interval, "interval", 0, "pause between blobs")
	flags.Int64Var(&o.seed, "seed", time.Now().UnixNano(), "random seed")
	flags.Parse(os.Args[1:])

	logging.Init(slog.LevelInfo, false)
	if err := run(o); err != nil {
		fmt.Fprintf(os.Stderr, "voxelsend: %v\n", err)
		os.Exit(1)
	}
}

func run(o options) error {
	log := logging.Component("voxelsend")

	conn, err := net.Dial("udp", o.addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	var file []byte
	if o.file != "" {
		if file, err = os.ReadFile(o.file); err != nil {
			return err
		}
	}

	r := rand.New(rand.NewSource(o.seed))
	var datagrams, bytesSent int
	start := time.Now()

	for i := 0; i < o.count; i++ {
		seq := o.seq + uint32(i)

		var pkts [][]byte
		if o.mode == "legacy" && file == nil {
			pkt, err := legacyBatch(r, uint16(o.unit), o.cells)
			if err != nil {
				return err
			}
			pkts = [][]byte{pkt}
		} else {
			blob, flags, err := buildBlob(o, r, file)
			if err != nil {
				return err
			}
			if pkts, err = wire.Split(o.unit, seq, flags, blob, o.maxDatagram); err != nil {
				return err
			}
		}

		if o.shuffle {
			r.Shuffle(len(pkts), func(a, b int) { pkts[a], pkts[b] = pkts[b], pkts[a] })
		}
		for _, p := range pkts {
			if _, err := conn.Write(p); err != nil {
				return fmt.Errorf("send seq %d: %w", seq, err)
			}
			datagrams++
			bytesSent += len(p)
		}

		if o.interval > 0 {
			time.Sleep(o.interval)
		}
	}

	log.Info("sent",
		"blobs", o.count,
		"datagrams", datagrams,
		"bytes", bytesSent,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// buildBlob returns the blob to fragment and its fragment flags.
func buildBlob(o options, r *rand.Rand, file []byte) ([]byte, uint8, error) {
	var (
		blob  []byte
		flags uint8
		err   error
	)

	switch {
	case file != nil:
		blob = file
	case o.mode == "tree":
		blob, err = codec.EncodeTree(randomCells(r, o.cells))
		if err != nil {
			return nil, 0, err
		}
		blob = codec.EnsureTreeHeader(blob, "OcTree")
	case o.mode == "batch":
		n := min(o.cells, wire.MaxBatchSamples)
		blob, err = wire.AppendBatch(nil, wire.BatchHeader{Version: wire.BatchVersion, UnitID: uint16(o.unit)}, randomSamples(r, n))
		if err != nil {
			return nil, 0, err
		}
		flags |= wire.FlagBatchPayload
	default:
		return nil, 0, fmt.Errorf("unknown mode %q", o.mode)
	}

	if o.compression != "" {
		alg, err := codec.ParseAlgorithm(o.compression)
		if err != nil {
			return nil, 0, err
		}
		if blob, err = codec.Compress(alg, blob); err != nil {
			return nil, 0, err
		}
		flags |= wire.FlagCompressed
	}
	return blob, flags, nil
}

// legacyBatch builds a single-datagram batch, capped to fit one datagram.
func legacyBatch(r *rand.Rand, unit uint16, n int) ([]byte, error) {
	n = min(n, (wire.MaxDatagramSize-wire.BatchHeaderSize)/wire.SampleSize)
	return wire.AppendBatch(nil, wire.BatchHeader{Version: wire.BatchVersion, UnitID: unit}, randomSamples(r, n))
}

// randomCells scatters cells in a 256 cell cube around the origin.
func randomCells(r *rand.Rand, n int) []codec.Cell {
	cells := make([]codec.Cell, n)
	for i := range cells {
		cells[i] = codec.Cell{
			X: int32(r.Intn(256) - 128),
			Y: int32(r.Intn(256) - 128),
			Z: int32(r.Intn(64)),
		}
	}
	return cells
}

func randomSamples(r *rand.Rand, n int) []wire.Sample {
	samples := make([]wire.Sample, n)
	for i := range samples {
		samples[i] = wire.Sample{
			Code:  wire.EncodeCell(uint32(r.Intn(1024)), uint32(r.Intn(1024)), uint32(r.Intn(1024))),
			Color: uint32(r.Intn(0x1000000)),
		}
	}
	return samples
}
