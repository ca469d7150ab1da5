package aggregate

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/voxeld/config"
	"github.com/xtxerr/voxeld/internal/logging"
	"github.com/xtxerr/voxeld/internal/storage/sink"
	"github.com/xtxerr/voxeld/internal/storage/types"
)

var log = logging.Component("aggregate")

// Lease is the connection a pipeline flushes through.
// *pool.Guard satisfies it.
type Lease interface {
	Conn() sink.Conn
	Reset(ctx context.Context) error
}

// State is the pipeline phase.
type State int32

const (
	Accumulating State = iota
	Flushing
)

// String returns a human-readable representation of the State.
func (s State) String() string {
	switch s {
	case Accumulating:
		return "accumulating"
	case Flushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// Config controls flushing.
type Config struct {
	// BatchSize is the pending point count that triggers a flush.
	BatchSize int

	// FlushTimeout bounds one upsert. Zero means no bound beyond ctx.
	FlushTimeout time.Duration
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:    config.DefaultBatchSize,
		FlushTimeout: config.DefaultFlushTimeout,
	}
}

// FlushResult describes one flush, for observers.
type FlushResult struct {
	Points     int
	Rows       int
	Duration   time.Duration
	Err        error
	Reconnect  bool
	ResetError error
}

// Pipeline accumulates and flushes points for one worker.
// Push, PushBatch and Flush must be called from a single goroutine; Stats
// and State may be read from anywhere.
type Pipeline struct {
	lease   Lease
	cfg     Config
	pending []types.Point
	queued  atomic.Int64
	state   atomic.Int32
	onFlush func(FlushResult)

	// Statistics
	pushed            atomic.Int64
	flushes           atomic.Int64
	rows              atomic.Int64
	fused             atomic.Int64
	failures          atomic.Int64
	discarded         atomic.Int64
	reconnects        atomic.Int64
	reconnectFailures atomic.Int64

	sketchMu sync.Mutex
	sketch   *ddsketch.DDSketch
}

// New creates a Pipeline flushing through lease.
func New(lease Lease, cfg Config) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = config.DefaultBatchSize
	}
	p := &Pipeline{
		lease:   lease,
		cfg:     cfg,
		pending: make([]types.Point, 0, cfg.BatchSize),
	}
	if sketch, err := ddsketch.NewDefaultDDSketch(0.01); err == nil {
		p.sketch = sketch
	}
	return p
}

// OnFlush registers fn to observe every flush.
func (p *Pipeline) OnFlush(fn func(FlushResult)) {
	p.onFlush = fn
}

// Push adds one point and flushes when the threshold is reached.
// A returned error is a failed flush; the pipeline is ready for more
// points either way.
func (p *Pipeline) Push(ctx context.Context, pt types.Point) error {
	p.pending = append(p.pending, pt)
	p.pushed.Add(1)
	p.queued.Store(int64(len(p.pending)))
	if len(p.pending) >= p.cfg.BatchSize {
		return p.Flush(ctx)
	}
	return nil
}

// PushBatch adds points and flushes when the threshold is reached.
func (p *Pipeline) PushBatch(ctx context.Context, pts []types.Point) error {
	p.pending = append(p.pending, pts...)
	p.pushed.Add(int64(len(pts)))
	p.queued.Store(int64(len(p.pending)))
	if len(p.pending) >= p.cfg.BatchSize {
		return p.Flush(ctx)
	}
	return nil
}

// Pending returns the number of points waiting for a flush.
func (p *Pipeline) Pending() int {
	return len(p.pending)
}

// State returns the current phase.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Flush fuses and upserts all pending points.
//
// On failure the connection is checked; a broken connection is reset once.
// The pending points are discarded whether or not the reset succeeds, and
// the upsert error is returned.
func (p *Pipeline) Flush(ctx context.Context) error {
	if len(p.pending) == 0 {
		return nil
	}

	p.state.Store(int32(Flushing))
	defer p.state.Store(int32(Accumulating))

	n := len(p.pending)
	rows := Fuse(p.pending)
	p.fused.Add(int64(n - len(rows)))

	start := time.Now()
	err := p.upsert(ctx, rows)
	elapsed := time.Since(start)
	p.observe(elapsed)

	res := FlushResult{Points: n, Rows: len(rows), Duration: elapsed, Err: err}
	p.pending = p.pending[:0]
	p.queued.Store(0)

	if err == nil {
		p.flushes.Add(1)
		p.rows.Add(int64(len(rows)))
		p.notify(res)
		return nil
	}

	p.failures.Add(1)
	p.discarded.Add(int64(n))

	if p.broken(ctx, err) {
		res.Reconnect = true
		p.reconnects.Add(1)
		if rerr := p.lease.Reset(ctx); rerr != nil {
			res.ResetError = rerr
			p.reconnectFailures.Add(1)
			log.Error("reconnect failed", "error", rerr)
		}
	}

	log.Warn("flush failed, batch discarded",
		"error", err,
		"points", n,
		"rows", len(rows),
		"reconnect", res.Reconnect)
	p.notify(res)

	return fmt.Errorf("flush %d rows: %w", len(rows), err)
}

func (p *Pipeline) upsert(ctx context.Context, rows []types.Point) error {
	if p.cfg.FlushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.FlushTimeout)
		defer cancel()
	}
	return p.lease.Conn().UpsertCells(ctx, rows)
}

// broken checks connection health after a failed upsert.
func (p *Pipeline) broken(ctx context.Context, upsertErr error) bool {
	if sink.IsBroken(upsertErr) {
		return true
	}
	pctx := ctx
	if p.cfg.FlushTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, p.cfg.FlushTimeout)
		defer cancel()
	}
	return p.lease.Conn().Ping(pctx) != nil
}

func (p *Pipeline) observe(d time.Duration) {
	if p.sketch == nil {
		return
	}
	p.sketchMu.Lock()
	p.sketch.Add(float64(d.Microseconds()) / 1000)
	p.sketchMu.Unlock()
}

func (p *Pipeline) notify(res FlushResult) {
	if p.onFlush != nil {
		p.onFlush(res)
	}
}

// Stats holds pipeline statistics.
type Stats struct {
	State             State
	Pending           int
	Pushed            int64
	Flushes           int64
	Rows              int64
	Fused             int64
	Failures          int64
	Discarded         int64
	Reconnects        int64
	ReconnectFailures int64

	// Flush latency in milliseconds (zero when no flush yet)
	FlushP50 float64
	FlushP99 float64
}

// Stats returns a snapshot of pipeline statistics.
func (p *Pipeline) Stats() Stats {
	s := Stats{
		State:             p.State(),
		Pending:           int(p.queued.Load()),
		Pushed:            p.pushed.Load(),
		Flushes:           p.flushes.Load(),
		Rows:              p.rows.Load(),
		Fused:             p.fused.Load(),
		Failures:          p.failures.Load(),
		Discarded:         p.discarded.Load(),
		Reconnects:        p.reconnects.Load(),
		ReconnectFailures: p.reconnectFailures.Load(),
	}

	if p.sketch != nil {
		p.sketchMu.Lock()
		if p.sketch.GetCount() > 0 {
			if v, err := p.sketch.GetValueAtQuantile(0.5); err == nil {
				s.FlushP50 = v
			}
			if v, err := p.sketch.GetValueAtQuantile(0.99); err == nil {
				s.FlushP99 = v
			}
		}
		p.sketchMu.Unlock()
	}
	return s
}
