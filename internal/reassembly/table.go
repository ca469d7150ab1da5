// Package reassembly rebuilds blobs from fragments that may arrive in any
// order, more than once, or not at all.
//
// A buffer is created by the first fragment of a key, sized to the declared
// total, and removed in the same critical section that observes its last
// missing byte. Completion is decided on the set of written ranges, so
// duplicated or overlapping fragments can never complete a blob early.
// Overlapping bytes keep the value of the fragment that wrote them first.
//
// Buffers that stop receiving fragments are reclaimed by Sweep.
package reassembly

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/voxeld/config"
	"github.com/xtxerr/voxeld/internal/errors"
	"github.com/xtxerr/voxeld/internal/logging"
	"github.com/xtxerr/voxeld/internal/wire"
)

var log = logging.Component("reassembly")

// Key identifies one in-flight blob.
type Key struct {
	UnitID   uint16
	Sequence uint32
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d", k.UnitID, k.Sequence)
}

// Completed is a fully reassembled blob. Data is owned by the receiver.
type Completed struct {
	Key       Key
	Flags     uint8
	Data      []byte
	Fragments int
	Started   time.Time
}

// Config bounds the table.
type Config struct {
	// Shards is the number of independently locked partitions.
	Shards int

	// MaxBlobSize rejects fragments declaring a larger total.
	MaxBlobSize uint32

	// MaxPending caps the number of in-flight buffers.
	MaxPending int

	// TTL evicts buffers not written for this long.
	TTL time.Duration
}

// DefaultConfig returns the table defaults.
func DefaultConfig() Config {
	return Config{
		Shards:      config.DefaultReassemblyShards,
		MaxBlobSize: config.DefaultMaxBlobSize,
		MaxPending:  config.DefaultMaxPendingBlobs,
		TTL:         config.DefaultBlobTTL,
	}
}

// buffer is a partial blob.
type buffer struct {
	total     uint32
	flags     uint8
	data      []byte
	spans     spanSet
	fragments int
	created   time.Time
	updated   time.Time
}

type shard struct {
	mu      sync.Mutex
	buffers map[Key]*buffer
}

// Table maps keys to partial blobs.
type Table struct {
	cfg    Config
	shards []*shard
	now    func() time.Time

	pending atomic.Int64

	// Statistics
	fragments  atomic.Int64
	created    atomic.Int64
	completed  atomic.Int64
	duplicates atomic.Int64
	overflows  atomic.Int64
	conflicts  atomic.Int64
	rejected   atomic.Int64
	evicted    atomic.Int64
}

// New creates a Table. Zero config fields take defaults.
func New(cfg Config) *Table {
	def := DefaultConfig()
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	if cfg.MaxBlobSize == 0 {
		cfg.MaxBlobSize = def.MaxBlobSize
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = def.MaxPending
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}

	t := &Table{
		cfg:    cfg,
		shards: make([]*shard, cfg.Shards),
		now:    time.Now,
	}
	for i := range t.shards {
		t.shards[i] = &shard{buffers: make(map[Key]*buffer)}
	}
	return t
}

func (t *Table) shardFor(k Key) *shard {
	h := uint32(k.UnitID)*0x9E3779B1 ^ k.Sequence*0x85EBCA77
	h ^= h >> 15
	return t.shards[h%uint32(len(t.shards))]
}

// Write records one fragment.
//
// It returns a non-nil Completed exactly once per blob, on the fragment that
// fills the last gap. A nil Completed with a nil error means the blob is
// still incomplete. ErrOverflow and ErrConflict leave any existing buffer
// untouched.
func (t *Table) Write(h wire.FragmentHeader, payload []byte) (*Completed, error) {
	t.fragments.Add(1)

	key := Key{UnitID: uint16(h.UnitID), Sequence: h.Sequence}
	end := uint64(h.Offset) + uint64(len(payload))

	if h.Total == 0 {
		t.rejected.Add(1)
		return nil, fmt.Errorf("blob %s: total is zero: %w", key, errors.ErrInvalidHeader)
	}
	if h.Total > t.cfg.MaxBlobSize {
		t.rejected.Add(1)
		return nil, fmt.Errorf("blob %s: total %d > %d: %w", key, h.Total, t.cfg.MaxBlobSize, errors.ErrBlobTooLarge)
	}

	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buffers[key]
	if ok && b.total != h.Total {
		t.conflicts.Add(1)
		return nil, fmt.Errorf("blob %s: total %d, buffer has %d: %w", key, h.Total, b.total, errors.ErrConflict)
	}
	if end > uint64(h.Total) {
		t.overflows.Add(1)
		return nil, fmt.Errorf("blob %s: fragment [%d,%d) beyond total %d: %w",
			key, h.Offset, end, h.Total, errors.ErrOverflow)
	}

	now := t.now()
	if !ok {
		if t.pending.Add(1) > int64(t.cfg.MaxPending) {
			t.pending.Add(-1)
			t.rejected.Add(1)
			return nil, fmt.Errorf("blob %s: %d buffers pending: %w", key, t.cfg.MaxPending, errors.ErrTableFull)
		}
		b = &buffer{
			total:   h.Total,
			flags:   h.Flags,
			data:    make([]byte, h.Total),
			created: now,
		}
		s.buffers[key] = b
		t.created.Add(1)
	}

	gaps := b.spans.add(h.Offset, uint32(end))
	if len(gaps) == 0 && len(payload) > 0 {
		t.duplicates.Add(1)
	}
	for _, g := range gaps {
		copy(b.data[g.start:g.end], payload[g.start-h.Offset:g.end-h.Offset])
	}
	b.fragments++
	b.updated = now

	if !b.spans.covers(b.total) {
		return nil, nil
	}

	delete(s.buffers, key)
	t.pending.Add(-1)
	t.completed.Add(1)

	return &Completed{
		Key:       key,
		Flags:     b.flags,
		Data:      b.data,
		Fragments: b.fragments,
		Started:   b.created,
	}, nil
}

// Sweep evicts buffers whose last write is older than the TTL.
// It returns the number of evicted buffers.
func (t *Table) Sweep() int {
	cutoff := t.now().Add(-t.cfg.TTL)
	evicted := 0

	for _, s := range t.shards {
		s.mu.Lock()
		for key, b := range s.buffers {
			if b.updated.Before(cutoff) {
				delete(s.buffers, key)
				evicted++
				log.Debug("evicted stale buffer",
					"unit", key.UnitID,
					"seq", key.Sequence,
					"written", b.spans.written(),
					"total", b.total)
			}
		}
		s.mu.Unlock()
	}

	if evicted > 0 {
		t.pending.Add(int64(-evicted))
		t.evicted.Add(int64(evicted))
	}
	return evicted
}

// Len returns the number of in-flight buffers.
func (t *Table) Len() int {
	return int(t.pending.Load())
}

// TTL returns the eviction age.
func (t *Table) TTL() time.Duration {
	return t.cfg.TTL
}

// Stats holds table statistics.
type Stats struct {
	Pending    int
	Fragments  int64
	Created    int64
	Completed  int64
	Duplicates int64
	Overflows  int64
	Conflicts  int64
	Rejected   int64
	Evicted    int64
}

// Stats returns a snapshot of the table counters.
func (t *Table) Stats() Stats {
	return Stats{
		Pending:    t.Len(),
		Fragments:  t.fragments.Load(),
		Created:    t.created.Load(),
		Completed:  t.completed.Load(),
		Duplicates: t.duplicates.Load(),
		Overflows:  t.overflows.Load(),
		Conflicts:  t.conflicts.Load(),
		Rejected:   t.rejected.Load(),
		Evicted:    t.evicted.Load(),
	}
}
