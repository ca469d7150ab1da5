// Package ingestion runs the storage workers that drain the batch queue.
//
// Each worker leases one pooled connection for its whole lifetime and owns
// one aggregation pipeline. Workers poll the queue, flush when the queue
// runs dry or the flush interval passes, and flush a final time on Stop.
package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/voxeld/config"
	"github.com/xtxerr/voxeld/internal/errors"
	"github.com/xtxerr/voxeld/internal/logging"
	"github.com/xtxerr/voxeld/internal/queue"
	"github.com/xtxerr/voxeld/internal/storage/aggregate"
	"github.com/xtxerr/voxeld/internal/storage/pool"
	"github.com/xtxerr/voxeld/internal/storage/types"
)

var log = logging.Component("ingestion")

// Config controls the storage workers.
type Config struct {
	Workers       int
	BatchSize     int
	FlushInterval time.Duration
	FlushTimeout  time.Duration
	IdleSleep     time.Duration
}

// DefaultConfig returns the worker defaults.
func DefaultConfig() Config {
	return Config{
		Workers:       config.DefaultStorageWorkers,
		BatchSize:     config.DefaultBatchSize,
		FlushInterval: config.DefaultFlushInterval,
		FlushTimeout:  config.DefaultFlushTimeout,
		IdleSleep:     config.DefaultIdleSleep,
	}
}

// FlushObserver is called after every flush of every worker.
type FlushObserver func(worker int, res aggregate.FlushResult)

// Service runs the storage workers.
type Service struct {
	cfg   Config
	queue *queue.Queue[*types.Batch]
	pool  *pool.Pool

	onFlush FlushObserver

	// State
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	pipelines []*aggregate.Pipeline

	// Statistics
	stats Stats
}

// Stats holds worker statistics.
type Stats struct {
	BatchesConsumed atomic.Int64
	PointsConsumed  atomic.Int64
	FlushErrors     atomic.Int64
	AcquireErrors   atomic.Int64
}

// New creates the service. Workers must not exceed the pool size, since
// each holds one connection.
func New(cfg Config, q *queue.Queue[*types.Batch], p *pool.Pool) (*Service, error) {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = def.IdleSleep
	}
	if q == nil || p == nil {
		return nil, fmt.Errorf("queue and pool are required: %w", errors.ErrInvalidConfig)
	}
	if cfg.Workers > p.Size() {
		return nil, errors.NewInvalidValue("storage.workers", cfg.Workers,
			fmt.Sprintf("exceeds pool size %d", p.Size()))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:    cfg,
		queue:  q,
		pool:   p,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// OnFlush registers an observer. Call before Start.
func (s *Service) OnFlush(fn FlushObserver) {
	s.onFlush = fn
}

// Start launches the workers.
func (s *Service) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("storage workers: %w", errors.ErrAlreadyRunning)
	}

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	log.Info("storage workers started",
		"workers", s.cfg.Workers,
		"batch_size", s.cfg.BatchSize,
		"flush_interval", s.cfg.FlushInterval)
	return nil
}

// Stop stops the workers after they drain the queue and flush.
func (s *Service) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()
	s.wg.Wait()

	log.Info("storage workers stopped",
		"batches", s.stats.BatchesConsumed.Load(),
		"points", s.stats.PointsConsumed.Load())
	return nil
}

// IsRunning returns whether the workers are running.
func (s *Service) IsRunning() bool {
	return s.running.Load()
}

func (s *Service) worker(id int) {
	defer s.wg.Done()

	// flushes are not tied to s.ctx so shutdown does not abort an upsert
	fctx := logging.ContextWithWorker(context.Background(), id)

	guard, err := s.pool.Acquire(s.ctx)
	if err != nil {
		s.stats.AcquireErrors.Add(1)
		logging.WithContext(fctx, log).Error("worker could not lease a connection", "error", err)
		return
	}
	defer guard.Release()
	wlog := log.With("slot", guard.Slot())
	logging.WithContext(fctx, wlog).Debug("worker leased a connection")

	pl := aggregate.New(guard, aggregate.Config{
		BatchSize:    s.cfg.BatchSize,
		FlushTimeout: s.cfg.FlushTimeout,
	})
	if s.onFlush != nil {
		pl.OnFlush(func(res aggregate.FlushResult) { s.onFlush(id, res) })
	}

	s.mu.Lock()
	s.pipelines = append(s.pipelines, pl)
	s.mu.Unlock()

	idle := time.NewTimer(s.cfg.IdleSleep)
	defer idle.Stop()
	lastFlush := time.Now()

	for {
		select {
		case <-s.ctx.Done():
			s.drain(fctx, wlog, pl)
			return
		default:
		}

		if b, ok := s.queue.TryPop(); ok {
			s.consume(fctx, wlog, pl, b)
			if time.Since(lastFlush) >= s.cfg.FlushInterval {
				s.flush(fctx, wlog, pl)
				lastFlush = time.Now()
			}
			continue
		}

		if pl.Pending() > 0 {
			s.flush(fctx, wlog, pl)
			lastFlush = time.Now()
		}

		idle.Reset(s.cfg.IdleSleep)
		select {
		case <-s.ctx.Done():
		case <-idle.C:
		}
	}
}

func (s *Service) consume(ctx context.Context, wlog *slog.Logger, pl *aggregate.Pipeline, b *types.Batch) {
	s.stats.BatchesConsumed.Add(1)
	s.stats.PointsConsumed.Add(int64(len(b.Points)))
	if err := pl.PushBatch(ctx, b.Points); err != nil {
		s.stats.FlushErrors.Add(1)
		logging.WithContext(logging.ContextWithUnit(ctx, b.UnitID), wlog).
			Debug("threshold flush failed", "error", err)
	}
}

func (s *Service) flush(ctx context.Context, wlog *slog.Logger, pl *aggregate.Pipeline) {
	if err := pl.Flush(ctx); err != nil {
		s.stats.FlushErrors.Add(1)
		logging.WithContext(ctx, wlog).Debug("flush failed", "error", err)
	}
}

// drain moves what is left in the queue into the pipeline and flushes.
func (s *Service) drain(ctx context.Context, wlog *slog.Logger, pl *aggregate.Pipeline) {
	for {
		b, ok := s.queue.TryPop()
		if !ok {
			break
		}
		s.consume(ctx, wlog, pl, b)
	}
	s.flush(ctx, wlog, pl)
}

// Stats returns current statistics.
func (s *Service) Stats() ServiceStats {
	st := ServiceStats{
		Running:         s.running.Load(),
		Workers:         s.cfg.Workers,
		BatchesConsumed: s.stats.BatchesConsumed.Load(),
		PointsConsumed:  s.stats.PointsConsumed.Load(),
		FlushErrors:     s.stats.FlushErrors.Load(),
		AcquireErrors:   s.stats.AcquireErrors.Load(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pl := range s.pipelines {
		ps := pl.Stats()
		st.Pending += ps.Pending
		st.Flushes += ps.Flushes
		st.RowsWritten += ps.Rows
		st.PointsFused += ps.Fused
		st.PointsDiscarded += ps.Discarded
		st.Reconnects += ps.Reconnects
		st.FlushP99 = max(st.FlushP99, ps.FlushP99)
	}
	return st
}

// ServiceStats holds combined worker statistics.
type ServiceStats struct {
	Running         bool
	Workers         int
	BatchesConsumed int64
	PointsConsumed  int64
	FlushErrors     int64
	AcquireErrors   int64
	Pending         int
	Flushes         int64
	RowsWritten     int64
	PointsFused     int64
	PointsDiscarded int64
	Reconnects      int64
	FlushP99        float64
}
