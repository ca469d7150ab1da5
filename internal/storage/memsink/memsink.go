// Package memsink is an in-process storage backend with the same upsert
// semantics as the SQL sink. It backs the "memory" driver and tests.
package memsink

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/xtxerr/voxeld/internal/errors"
	"github.com/xtxerr/voxeld/internal/storage/sink"
	"github.com/xtxerr/voxeld/internal/storage/types"
)

// Store is the shared cell table behind every Conn.
type Store struct {
	mu       sync.Mutex
	cells    map[types.CellKey]types.Point
	failures []error
	down     bool
	gen      int64

	dials      atomic.Int64
	statements atomic.Int64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{cells: make(map[types.CellKey]types.Point)}
}

// Dialer returns a dialer for connections to s.
func (s *Store) Dialer() sink.Dialer {
	return func(ctx context.Context) (sink.Conn, error) {
		return s.Dial(ctx)
	}
}

// Dial opens a connection. It fails while the store is down.
func (s *Store) Dial(ctx context.Context) (sink.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.down {
		return nil, fmt.Errorf("dial memory store: %w", errors.ErrConnBroken)
	}
	s.dials.Add(1)
	return &Conn{store: s, gen: s.gen}, nil
}

// FailNext makes the next len(errs) upserts fail with errs in order.
// The connection stays healthy.
func (s *Store) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

// SetDown takes the store down or brings it back. Going down breaks every
// open connection; dials fail until the store is up again.
func (s *Store) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if down && !s.down {
		s.gen++
	}
	s.down = down
}

// Get returns the stored point for k.
func (s *Store) Get(k types.CellKey) (types.Point, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.cells[k]
	return p, ok
}

// Put stores p as is, replacing any row for its cell.
func (s *Store) Put(p types.Point) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cells[p.Key()] = p
}

// Len returns the number of stored cells.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cells)
}

// TotalCount returns the sum of all stored counts.
func (s *Store) TotalCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, p := range s.cells {
		n += p.Count
	}
	return n
}

// Dials returns the number of successful dials.
func (s *Store) Dials() int64 {
	return s.dials.Load()
}

// Statements returns the number of successful upserts.
func (s *Store) Statements() int64 {
	return s.statements.Load()
}

// Conn is one connection to a Store.
type Conn struct {
	store  *Store
	gen    int64
	closed atomic.Bool
}

var _ sink.Conn = (*Conn)(nil)

// brokenLocked reports why c cannot be used. Caller holds store.mu.
func (c *Conn) brokenLocked() error {
	if c.closed.Load() {
		return fmt.Errorf("memory conn closed: %w", errors.ErrConnBroken)
	}
	if c.store.down || c.gen != c.store.gen {
		return fmt.Errorf("memory store restarted: %w", errors.ErrConnBroken)
	}
	return nil
}

// UpsertCells applies points as one statement: either every point is
// applied or none. Like the SQL backends, a statement may not touch the
// same cell twice.
func (c *Conn) UpsertCells(ctx context.Context, points []types.Point) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := c.brokenLocked(); err != nil {
		return err
	}
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return errors.Storage("upsert", err)
	}

	seen := make(map[types.CellKey]struct{}, len(points))
	for _, p := range points {
		if _, dup := seen[p.Key()]; dup {
			return errors.Storage("upsert", fmt.Errorf("cell %s affected twice in one statement", p.Key()))
		}
		seen[p.Key()] = struct{}{}
	}

	for _, p := range points {
		if cur, ok := s.cells[p.Key()]; ok {
			cur.Count += p.Count
			s.cells[p.Key()] = cur
			continue
		}
		s.cells[p.Key()] = p
	}
	s.statements.Add(1)
	return nil
}

// Ping implements sink.Conn.
func (c *Conn) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	return c.brokenLocked()
}

// Close implements sink.Conn.
func (c *Conn) Close() error {
	c.closed.Store(true)
	return nil
}
