// Package pool holds a fixed set of storage connections leased to storage
// workers.
//
// Acquire blocks until a slot is free. The returned Guard owns the slot
// until Release; releasing twice, or releasing a guard into a pool it did
// not come from, panics.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/xtxerr/voxeld/internal/errors"
	"github.com/xtxerr/voxeld/internal/logging"
	"github.com/xtxerr/voxeld/internal/storage/sink"
)

var log = logging.Component("pool")

// Pool is a fixed-size connection pool.
type Pool struct {
	dial sink.Dialer

	mu    sync.Mutex
	conns []sink.Conn
	busy  []bool

	free      chan int
	done      chan struct{}
	closeOnce sync.Once

	// Statistics
	acquires      atomic.Int64
	waits         atomic.Int64
	resets        atomic.Int64
	resetFailures atomic.Int64
	dialFailures  atomic.Int64
}

// New dials size connections. A connection that fails to dial takes its
// slot as an unavailable placeholder, to be replaced by the first Reset.
// Only a non-positive size is an error.
func New(ctx context.Context, size int, dial sink.Dialer) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool size %d: %w", size, errors.ErrPoolSize)
	}

	p := &Pool{
		dial:  dial,
		conns: make([]sink.Conn, size),
		busy:  make([]bool, size),
		free:  make(chan int, size),
		done:  make(chan struct{}),
	}

	for i := 0; i < size; i++ {
		conn, err := dial(ctx)
		if err != nil {
			p.dialFailures.Add(1)
			log.Warn("connection unavailable at startup", "slot", i, "error", err)
			conn = &sink.Unavailable{Cause: err}
		}
		p.conns[i] = conn
		p.free <- i
	}

	log.Info("pool ready", "size", size, "unavailable", p.dialFailures.Load())
	return p, nil
}

// Acquire leases a free connection, blocking until one is released, ctx
// is done, or the pool is closed.
func (p *Pool) Acquire(ctx context.Context) (*Guard, error) {
	var slot int
	select {
	case slot = <-p.free:
	default:
		p.waits.Add(1)
		select {
		case slot = <-p.free:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.done:
			return nil, errors.ErrPoolClosed
		}
	}

	select {
	case <-p.done:
		p.free <- slot
		return nil, errors.ErrPoolClosed
	default:
	}

	p.mu.Lock()
	p.busy[slot] = true
	p.mu.Unlock()

	p.acquires.Add(1)
	return &Guard{pool: p, slot: slot}, nil
}

// Release returns g's connection to the pool and wakes one waiter.
func (p *Pool) Release(g *Guard) {
	if g == nil || g.pool != p {
		panic("pool: release of a connection from another pool")
	}
	if !g.released.CompareAndSwap(false, true) {
		panic("pool: connection released twice")
	}

	p.mu.Lock()
	if !p.busy[g.slot] {
		p.mu.Unlock()
		panic(fmt.Sprintf("pool: slot %d is not leased", g.slot))
	}
	p.busy[g.slot] = false
	p.mu.Unlock()

	p.free <- g.slot
}

// Size returns the number of slots.
func (p *Pool) Size() int {
	return len(p.conns)
}

// InUse returns the number of leased slots.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, b := range p.busy {
		if b {
			n++
		}
	}
	return n
}

// Close closes every connection. Pending and future Acquire calls fail
// with ErrPoolClosed.
func (p *Pool) Close() error {
	var errs []error
	p.closeOnce.Do(func() {
		close(p.done)

		p.mu.Lock()
		defer p.mu.Unlock()
		for i, c := range p.conns {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("slot %d: %w", i, err))
			}
		}
	})
	return errors.Join(errs...)
}

func (p *Pool) conn(slot int) sink.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[slot]
}

// reset replaces the connection in slot with a fresh one.
func (p *Pool) reset(ctx context.Context, slot int) error {
	p.resets.Add(1)

	old := p.conn(slot)
	if err := old.Close(); err != nil {
		log.Debug("close before reset failed", "slot", slot, "error", err)
	}

	conn, err := p.dial(ctx)
	if err != nil {
		p.resetFailures.Add(1)
		conn = &sink.Unavailable{Cause: err}
	}

	p.mu.Lock()
	p.conns[slot] = conn
	p.mu.Unlock()

	if err != nil {
		return fmt.Errorf("reset slot %d: %w", slot, err)
	}
	log.Info("connection reset", "slot", slot)
	return nil
}

// Stats holds pool statistics.
type Stats struct {
	Size          int
	InUse         int
	Acquires      int64
	Waits         int64
	Resets        int64
	ResetFailures int64
	DialFailures  int64
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Size:          p.Size(),
		InUse:         p.InUse(),
		Acquires:      p.acquires.Load(),
		Waits:         p.waits.Load(),
		Resets:        p.resets.Load(),
		ResetFailures: p.resetFailures.Load(),
		DialFailures:  p.dialFailures.Load(),
	}
}

// Guard is a scoped lease on one pooled connection.
type Guard struct {
	pool     *Pool
	slot     int
	released atomic.Bool
}

// Conn returns the leased connection. It panics after Release.
func (g *Guard) Conn() sink.Conn {
	if g.released.Load() {
		panic("pool: connection used after release")
	}
	return g.pool.conn(g.slot)
}

// Reset closes the leased connection and dials a replacement once. On
// failure the slot holds an unavailable placeholder and the error is
// returned; the guard stays usable.
func (g *Guard) Reset(ctx context.Context) error {
	if g.released.Load() {
		panic("pool: connection reset after release")
	}
	return g.pool.reset(ctx, g.slot)
}

// Slot returns the pool slot index of the lease.
func (g *Guard) Slot() int {
	return g.slot
}

// Release returns the connection to its pool.
func (g *Guard) Release() {
	g.pool.Release(g)
}
