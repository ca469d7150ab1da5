// Package ingest turns datagrams into point batches.
//
// A Dispatcher is shared by every read worker. Fragmented datagrams go
// through the reassembly table; a completed blob is optionally archived,
// decompressed when flagged, decoded as an octree (or as a batch when the
// batch payload flag is set) and pushed to the batch queue. Non-fragmented
// batches skip reassembly. Every failure drops only the datagram or blob it
// concerns.
package ingest

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/xtxerr/voxeld/config"
	"github.com/xtxerr/voxeld/internal/codec"
	"github.com/xtxerr/voxeld/internal/errors"
	"github.com/xtxerr/voxeld/internal/logging"
	"github.com/xtxerr/voxeld/internal/reassembly"
	"github.com/xtxerr/voxeld/internal/storage/types"
	"github.com/xtxerr/voxeld/internal/wire"
)

var log = logging.Component("ingest")

// Queue receives decoded batches. Push must not block.
type Queue interface {
	Push(b *types.Batch) bool
}

// Archiver receives completed raw blobs. Archive must not block.
type Archiver interface {
	Archive(item *types.Item) bool
}

// Observer is told about every outcome, for metrics.
type Observer interface {
	Datagram(kind wire.Kind)
	Dropped(stage string, err error)
	BlobCompleted(c *reassembly.Completed, points int)
	BatchEnqueued(ok bool)
}

// Drop stages reported to Observer.Dropped.
const (
	StageHeader     = "header"
	StageReassembly = "reassembly"
	StageCodec      = "codec"
	StageBatch      = "batch"
)

// Config controls decoding.
type Config struct {
	// PointColor is the 0x00RRGGBB color of octree cells, which carry none.
	PointColor uint32

	// MaxPoints fails a blob decoding to more points. Zero means no limit.
	MaxPoints int
}

// DefaultConfig returns the dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		PointColor: config.DefaultPointColor,
		MaxPoints:  config.DefaultMaxPointsPerBlob,
	}
}

// Dispatcher handles datagrams. It is safe for concurrent use.
type Dispatcher struct {
	cfg     Config
	table   *reassembly.Table
	decomp  *codec.Decompressor
	queue   Queue
	archive Archiver
	obs     Observer
	now     func() time.Time

	// Statistics
	datagrams      atomic.Int64
	headerDrops    atomic.Int64
	reassemblyErrs atomic.Int64
	codecErrs      atomic.Int64
	batchErrs      atomic.Int64
	blobs          atomic.Int64
	points         atomic.Int64
	enqueued       atomic.Int64
	queueDrops     atomic.Int64
	archived       atomic.Int64
	sketches       *sketches
}

// New creates a dispatcher. archive may be nil.
func New(cfg Config, table *reassembly.Table, decomp *codec.Decompressor, q Queue, archive Archiver) (*Dispatcher, error) {
	if table == nil || decomp == nil || q == nil {
		return nil, fmt.Errorf("table, decompressor and queue are required: %w", errors.ErrInvalidConfig)
	}
	return &Dispatcher{
		cfg:      cfg,
		table:    table,
		decomp:   decomp,
		queue:    q,
		archive:  archive,
		now:      time.Now,
		sketches: newSketches(),
	}, nil
}

// SetObserver registers obs. Call before the first Handle.
func (d *Dispatcher) SetObserver(obs Observer) {
	d.obs = obs
}

// Table returns the reassembly table.
func (d *Dispatcher) Table() *reassembly.Table {
	return d.table
}

// Handle processes one datagram from source. data is not retained.
// The returned error says why the datagram or its blob was dropped; it is
// for logging and tests only.
func (d *Dispatcher) Handle(source string, data []byte) error {
	d.datagrams.Add(1)
	kind := wire.Classify(data)
	if d.obs != nil {
		d.obs.Datagram(kind)
	}

	switch kind {
	case wire.KindFragment:
		return d.handleFragment(source, data)
	case wire.KindBatch:
		return d.handleBatch(source, data)
	default:
		err := fmt.Errorf("datagram from %s: %w", source, errors.ErrTooShort)
		if len(data) > 0 {
			err = fmt.Errorf("datagram from %s: version %d: %w", source, data[0], errors.ErrUnsupportedVersion)
		}
		return d.drop(StageHeader, &d.headerDrops, err, "source", source)
	}
}

func (d *Dispatcher) handleFragment(source string, data []byte) error {
	h, payload, err := wire.DecodeFragment(data)
	if err != nil {
		return d.drop(StageHeader, &d.headerDrops, err, "source", source)
	}

	c, err := d.table.Write(h, payload)
	if err != nil {
		return d.drop(StageReassembly, &d.reassemblyErrs, err,
			"source", source, "unit", h.UnitID, "seq", h.Sequence, "offset", h.Offset)
	}
	if c == nil {
		return nil
	}
	return d.complete(c)
}

// complete decodes a reassembled blob and enqueues its points.
func (d *Dispatcher) complete(c *reassembly.Completed) error {
	now := d.now()
	d.blobs.Add(1)
	d.sketches.observe(now.Sub(c.Started), len(c.Data))

	if d.archive != nil {
		item := &types.Item{
			UnitID:     c.Key.UnitID,
			Sequence:   c.Key.Sequence,
			Flags:      c.Flags,
			ReceivedMs: now.UnixMilli(),
			Payload:    c.Data,
		}
		if d.archive.Archive(item) {
			d.archived.Add(1)
		}
	}

	blob := c.Data
	if c.Flags&wire.FlagCompressed != 0 {
		out, err := d.decomp.Decompress(blob)
		if err != nil {
			return d.drop(StageCodec, &d.codecErrs, fmt.Errorf("blob %s: %w", c.Key, err),
				"unit", c.Key.UnitID, "seq", c.Key.Sequence)
		}
		blob = out
	}

	b := &types.Batch{
		UnitID:     c.Key.UnitID,
		Sequence:   c.Key.Sequence,
		CapturedMs: now.UnixMilli(),
	}

	if c.Flags&wire.FlagBatchPayload != 0 {
		_, samples, err := wire.DecodeBatch(blob)
		if err == nil && d.cfg.MaxPoints > 0 && len(samples) > d.cfg.MaxPoints {
			err = fmt.Errorf("batch of %d samples exceeds %d", len(samples), d.cfg.MaxPoints)
		}
		if err != nil {
			return d.drop(StageCodec, &d.codecErrs, fmt.Errorf("blob %s: %w: %w", c.Key, errors.ErrDecode, err),
				"unit", c.Key.UnitID, "seq", c.Key.Sequence)
		}
		b.Source = types.SourceBatch
		b.Points = samplePoints(samples, b.CapturedMs)
	} else {
		cells, _, err := codec.DecodeTreeLimit(blob, d.cfg.MaxPoints)
		if err != nil {
			return d.drop(StageCodec, &d.codecErrs, fmt.Errorf("blob %s: %w", c.Key, err),
				"unit", c.Key.UnitID, "seq", c.Key.Sequence)
		}
		b.Source = types.SourceTree
		b.Points = treePoints(cells, d.cfg.PointColor, b.CapturedMs)
	}

	if d.obs != nil {
		d.obs.BlobCompleted(c, len(b.Points))
	}
	log.Debug("blob decoded",
		"unit", c.Key.UnitID,
		"seq", c.Key.Sequence,
		"fragments", c.Fragments,
		"bytes", len(c.Data),
		"points", len(b.Points))

	d.enqueue(b)
	return nil
}

func (d *Dispatcher) handleBatch(source string, data []byte) error {
	h, samples, err := wire.DecodeBatch(data)
	if err != nil {
		return d.drop(StageBatch, &d.batchErrs, err, "source", source)
	}

	ms := d.now().UnixMilli()
	d.enqueue(&types.Batch{
		UnitID:     h.UnitID,
		Source:     types.SourceBatch,
		CapturedMs: ms,
		Points:     samplePoints(samples, ms),
	})
	return nil
}

func (d *Dispatcher) enqueue(b *types.Batch) {
	if len(b.Points) == 0 {
		return
	}
	ok := d.queue.Push(b)
	if ok {
		d.enqueued.Add(1)
		d.points.Add(int64(len(b.Points)))
	} else {
		d.queueDrops.Add(1)
		log.Warn("batch queue full, batch dropped", "unit", b.UnitID, "seq", b.Sequence, "points", len(b.Points))
	}
	if d.obs != nil {
		d.obs.BatchEnqueued(ok)
	}
}

func (d *Dispatcher) drop(stage string, counter *atomic.Int64, err error, attrs ...any) error {
	counter.Add(1)
	if d.obs != nil {
		d.obs.Dropped(stage, err)
	}
	log.Debug("dropped", append([]any{"stage", stage, "error", err}, attrs...)...)
	return err
}

// Sweep evicts stale reassembly buffers.
func (d *Dispatcher) Sweep() int {
	n := d.table.Sweep()
	if n > 0 {
		log.Info("stale buffers evicted", "count", n, "ttl", d.table.TTL())
	}
	return n
}

func treePoints(cells []codec.Cell, rgb uint32, ms int64) []types.Point {
	if len(cells) == 0 {
		return nil
	}
	pts := make([]types.Point, len(cells))
	for i, c := range cells {
		pts[i] = types.Point{X: c.X, Y: c.Y, Z: c.Z, TimestampMs: ms, Count: 1}
		pts[i].SetRGB(rgb)
	}
	return pts
}

func samplePoints(samples []wire.Sample, ms int64) []types.Point {
	if len(samples) == 0 {
		return nil
	}
	pts := make([]types.Point, len(samples))
	for i, s := range samples {
		x, y, z := s.Cell()
		pts[i] = types.Point{X: int32(x), Y: int32(y), Z: int32(z), TimestampMs: ms, Count: 1}
		pts[i].SetRGB(s.Color)
	}
	return pts
}
