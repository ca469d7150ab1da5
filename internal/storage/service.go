package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/voxeld/config"
	"github.com/xtxerr/voxeld/internal/errors"
	"github.com/xtxerr/voxeld/internal/logging"
	"github.com/xtxerr/voxeld/internal/queue"
	"github.com/xtxerr/voxeld/internal/storage/archive"
	"github.com/xtxerr/voxeld/internal/storage/backpressure"
	"github.com/xtxerr/voxeld/internal/storage/ingestion"
	"github.com/xtxerr/voxeld/internal/storage/memsink"
	"github.com/xtxerr/voxeld/internal/storage/pool"
	"github.com/xtxerr/voxeld/internal/storage/sink"
	"github.com/xtxerr/voxeld/internal/storage/sqlsink"
	"github.com/xtxerr/voxeld/internal/storage/types"
)

var log = logging.Component("storage")

// DriverMemory selects the in-process backend.
const DriverMemory = "memory"

// Config assembles the storage side.
type Config struct {
	Driver string
	DSN    string
	Table  string
	Chunk  int

	PoolSize      int
	QueueCapacity int
	Workers       ingestion.Config

	// Archive is nil when raw blobs are not archived.
	Archive *archive.Config

	Backpressure         backpressure.Config
	BackpressureInterval time.Duration
}

// DefaultConfig returns the storage defaults.
func DefaultConfig() Config {
	return Config{
		Driver:               config.DefaultStorageDriver,
		DSN:                  config.DefaultStorageDSN,
		Table:                config.DefaultSpatialTable,
		Chunk:                config.DefaultUpsertChunk,
		PoolSize:             config.DefaultPoolSize,
		QueueCapacity:        config.DefaultQueueCapacity,
		Workers:              ingestion.DefaultConfig(),
		Backpressure:         backpressure.DefaultConfig(),
		BackpressureInterval: config.DefaultBackpressureCheckInterval,
	}
}

// Service is the storage facade.
type Service struct {
	cfg Config

	// Components
	queue        *queue.Queue[*types.Batch]
	backend      *sqlsink.Backend
	memory       *memsink.Store
	pool         *pool.Pool
	workers      *ingestion.Service
	archive      *archive.Archive
	backpressure *backpressure.Controller

	// State
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Statistics
	startTime      time.Time
	archiveSkipped atomic.Int64
}

// New opens the backend and builds every component. Connections that
// cannot be dialed yet do not fail New; see pool.New.
func New(ctx context.Context, cfg Config) (*Service, error) {
	def := DefaultConfig()
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = def.PoolSize
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.BackpressureInterval <= 0 {
		cfg.BackpressureInterval = def.BackpressureInterval
	}

	s := &Service{
		cfg:   cfg,
		queue: queue.New[*types.Batch](cfg.QueueCapacity),
	}

	var dial sink.Dialer
	switch cfg.Driver {
	case DriverMemory:
		s.memory = memsink.NewStore()
		dial = s.memory.Dialer()
	case sqlsink.DriverDuckDB, sqlsink.DriverPostgres:
		b, err := sqlsink.Open(sqlsink.Config{
			Driver:   cfg.Driver,
			DSN:      cfg.DSN,
			Table:    cfg.Table,
			Chunk:    cfg.Chunk,
			MaxConns: cfg.PoolSize,
		})
		if err != nil {
			return nil, fmt.Errorf("open backend: %w", err)
		}
		s.backend = b
		dial = b.Dialer()
	default:
		return nil, errors.NewInvalidValue("storage.driver", cfg.Driver, "unknown driver")
	}

	p, err := pool.New(ctx, cfg.PoolSize, dial)
	if err != nil {
		s.closeBackend()
		return nil, fmt.Errorf("create pool: %w", err)
	}
	s.pool = p

	w, err := ingestion.New(cfg.Workers, s.queue, p)
	if err != nil {
		s.closeAll()
		return nil, fmt.Errorf("create storage workers: %w", err)
	}
	s.workers = w

	if cfg.Archive != nil {
		a, err := archive.New(*cfg.Archive)
		if err != nil {
			s.closeAll()
			return nil, fmt.Errorf("create archive: %w", err)
		}
		s.archive = a
	}

	s.backpressure = backpressure.New(cfg.Backpressure, s.queue)

	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Queue returns the batch queue dispatchers push into.
func (s *Service) Queue() *queue.Queue[*types.Batch] {
	return s.queue
}

// Archive queues a raw blob for archiving. It returns false when archiving
// is disabled, paused by backpressure, or its queue is full.
func (s *Service) Archive(item *types.Item) bool {
	if s.archive == nil {
		return false
	}
	if s.backpressure.ShouldPauseArchive() {
		s.archiveSkipped.Add(1)
		return false
	}
	return s.archive.Append(item)
}

// ArchiveEnabled reports whether raw blobs are archived.
func (s *Service) ArchiveEnabled() bool {
	return s.archive != nil
}

// OnFlush registers a flush observer. Call before Start.
func (s *Service) OnFlush(fn ingestion.FlushObserver) {
	s.workers.OnFlush(fn)
}

// OnLevelChange registers a backpressure observer.
func (s *Service) OnLevelChange(fn func(old, new backpressure.Level)) {
	s.backpressure.SetOnLevelChange(fn)
}

// Memory returns the in-process store, or nil for SQL drivers.
func (s *Service) Memory() *memsink.Store {
	return s.memory
}

// Backend returns the SQL backend, or nil for the memory driver.
func (s *Service) Backend() *sqlsink.Backend {
	return s.backend
}

// Start starts all components.
func (s *Service) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("storage: %w", errors.ErrAlreadyRunning)
	}
	s.startTime = time.Now()

	if s.archive != nil {
		if err := s.archive.Start(); err != nil {
			s.running.Store(false)
			return fmt.Errorf("start archive: %w", err)
		}
	}

	if err := s.workers.Start(); err != nil {
		if s.archive != nil {
			s.archive.Stop()
		}
		s.running.Store(false)
		return fmt.Errorf("start storage workers: %w", err)
	}

	s.wg.Add(1)
	go s.backpressureWorker()

	log.Info("storage started",
		"driver", s.cfg.Driver,
		"pool_size", s.cfg.PoolSize,
		"queue_capacity", s.cfg.QueueCapacity,
		"archive", s.archive != nil)
	return nil
}

// Stop drains the batch queue, closes the archive and the pool.
// Dispatchers must have stopped pushing before Stop is called.
func (s *Service) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()
	s.wg.Wait()

	var errs []error
	if err := s.workers.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop storage workers: %w", err))
	}
	if s.archive != nil {
		if err := s.archive.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop archive: %w", err))
		}
	}
	if err := s.closeAll(); err != nil {
		errs = append(errs, err)
	}

	log.Info("storage stopped", "uptime", time.Since(s.startTime).Round(time.Second))
	return errors.Join(errs...)
}

func (s *Service) closeAll() error {
	var errs []error
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pool: %w", err))
		}
	}
	if err := s.closeBackend(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Service) closeBackend() error {
	if s.backend == nil {
		return nil
	}
	if err := s.backend.Close(); err != nil {
		return fmt.Errorf("close backend: %w", err)
	}
	return nil
}

// backpressureWorker periodically samples the batch queue.
func (s *Service) backpressureWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.BackpressureInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.backpressure.Check()
		}
	}
}

// IsRunning returns whether the service is running.
func (s *Service) IsRunning() bool {
	return s.running.Load()
}

// BackpressureLevel returns the current backpressure level.
func (s *Service) BackpressureLevel() backpressure.Level {
	return s.backpressure.CurrentLevel()
}

// Stats returns combined statistics.
func (s *Service) Stats() ServiceStats {
	var uptime time.Duration
	if s.running.Load() {
		uptime = time.Since(s.startTime)
	}

	st := ServiceStats{
		Running:        s.running.Load(),
		Uptime:         uptime,
		Queue:          s.queue.Stats(),
		Pool:           s.pool.Stats(),
		Workers:        s.workers.Stats(),
		Backpressure:   s.backpressure.Stats(),
		ArchiveSkipped: s.archiveSkipped.Load(),
	}
	if s.archive != nil {
		st.Archive = s.archive.Stats()
	}
	return st
}

// ServiceStats holds combined statistics.
type ServiceStats struct {
	Running        bool
	Uptime         time.Duration
	Queue          queue.Stats
	Pool           pool.Stats
	Workers        ingestion.ServiceStats
	Backpressure   backpressure.ControllerStats
	Archive        archive.Stats
	ArchiveSkipped int64
}
