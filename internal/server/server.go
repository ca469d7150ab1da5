// Package server runs the UDP read loop and the datagram worker pool.
//
// One goroutine owns the socket. It copies every datagram into a job and
// hands it to a bounded job channel without blocking; a full channel drops
// the datagram. A fixed number of workers pass jobs to the Handler. A
// sweeper evicts stale reassembly buffers on an interval, and an optional
// HTTP listener serves metrics.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/voxeld/config"
	"github.com/xtxerr/voxeld/internal/errors"
	"github.com/xtxerr/voxeld/internal/logging"
)

var log = logging.Component("server")

// Handler processes datagrams. It must be safe for concurrent use.
type Handler interface {
	Handle(source string, data []byte) error
	Sweep() int
}

// Config holds server configuration.
type Config struct {
	// Listen is the UDP address to read from (e.g., "0.0.0.0:9000").
	Listen string

	// MaxDatagram is the read buffer size; longer datagrams are truncated.
	MaxDatagram int

	// Workers is the number of datagram workers.
	Workers int

	// JobQueueSize is the job channel capacity.
	JobQueueSize int

	// SweepInterval is how often stale buffers are evicted.
	SweepInterval time.Duration

	// ReadBuffer sets the socket receive buffer when positive.
	ReadBuffer int

	// MetricsListen serves Metrics over HTTP when both are set.
	MetricsListen string
	Metrics       http.Handler
}

type job struct {
	source string
	data   []byte
}

// Server is the UDP ingest server.
type Server struct {
	cfg     Config
	handler Handler

	conn    net.PacketConn
	httpLn  net.Listener
	httpSrv *http.Server
	jobs    chan job

	running atomic.Bool

	// Statistics
	received   atomic.Int64
	bytes      atomic.Int64
	jobDrops   atomic.Int64
	handled    atomic.Int64
	failed     atomic.Int64
	panics     atomic.Int64
	readErrors atomic.Int64
	sweeps     atomic.Int64
	evicted    atomic.Int64
}

// New creates a server. Nothing is bound until Listen.
func New(cfg Config, h Handler) (*Server, error) {
	if h == nil {
		return nil, fmt.Errorf("handler is required: %w", errors.ErrInvalidConfig)
	}
	if cfg.Listen == "" {
		cfg.Listen = config.DefaultListenAddress
	}
	if cfg.MaxDatagram <= 0 {
		cfg.MaxDatagram = config.DefaultMaxDatagramSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = config.DefaultIngestWorkers
	}
	if cfg.JobQueueSize <= 0 {
		cfg.JobQueueSize = config.DefaultJobQueueSize
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = config.DefaultSweepInterval
	}

	return &Server{
		cfg:     cfg,
		handler: h,
		jobs:    make(chan job, cfg.JobQueueSize),
	}, nil
}

// Listen binds the UDP socket and the metrics listener.
func (s *Server) Listen() error {
	conn, err := net.ListenPacket("udp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen udp %s: %w", s.cfg.Listen, err)
	}
	if s.cfg.ReadBuffer > 0 {
		if uc, ok := conn.(*net.UDPConn); ok {
			if err := uc.SetReadBuffer(s.cfg.ReadBuffer); err != nil {
				log.Warn("could not set socket read buffer", "size", s.cfg.ReadBuffer, "error", err)
			}
		}
	}
	s.conn = conn

	if s.cfg.MetricsListen != "" && s.cfg.Metrics != nil {
		ln, err := net.Listen("tcp", s.cfg.MetricsListen)
		if err != nil {
			conn.Close()
			return fmt.Errorf("listen metrics %s: %w", s.cfg.MetricsListen, err)
		}
		s.httpLn = ln
		s.httpSrv = &http.Server{
			Handler:      s.cfg.Metrics,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
	}

	log.Info("listening", "address", conn.LocalAddr().String(), "metrics", s.MetricsAddr())
	return nil
}

// Addr returns the bound UDP address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// MetricsAddr returns the bound metrics address, or "" when disabled.
func (s *Server) MetricsAddr() string {
	if s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

// Serve runs until ctx is done, then stops reading, lets the workers
// finish the queued jobs and returns. Listen must have succeeded.
func (s *Server) Serve(ctx context.Context) error {
	if s.conn == nil {
		return fmt.Errorf("serve before listen: %w", errors.ErrClosed)
	}
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("server: %w", errors.ErrAlreadyRunning)
	}
	defer s.running.Store(false)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		s.conn.Close()
		if s.httpSrv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.httpSrv.Shutdown(sctx)
		}
		return nil
	})

	g.Go(func() error { return s.readLoop(gctx) })

	for i := 0; i < s.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			s.worker(id)
			return nil
		})
	}

	g.Go(func() error {
		s.sweepLoop(gctx)
		return nil
	})

	if s.httpSrv != nil {
		g.Go(func() error {
			if err := s.httpSrv.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	log.Info("server started", "workers", s.cfg.Workers, "job_queue", s.cfg.JobQueueSize)
	err := g.Wait()
	log.Info("server stopped",
		"received", s.received.Load(),
		"handled", s.handled.Load(),
		"dropped", s.jobDrops.Load())
	return err
}

// readLoop owns the socket. It closes the job channel when it returns.
func (s *Server) readLoop(ctx context.Context) error {
	defer close(s.jobs)

	buf := make([]byte, s.cfg.MaxDatagram)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.readErrors.Add(1)
			log.Warn("read error", "error", err)
			continue
		}
		s.received.Add(1)
		s.bytes.Add(int64(n))

		j := job{source: addr.String(), data: append([]byte(nil), buf[:n]...)}
		select {
		case s.jobs <- j:
		default:
			s.jobDrops.Add(1)
			log.Debug("job queue full, datagram dropped", "source", j.source, "bytes", n)
		}
	}
}

func (s *Server) worker(id int) {
	for j := range s.jobs {
		s.execute(id, j)
	}
}

// execute runs one job, converting a handler panic into a dropped datagram.
func (s *Server) execute(id int, j job) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			log.Error("panic in datagram handler", "worker", id, "source", j.source, "panic", r)
		}
	}()

	if err := s.handler.Handle(j.source, j.data); err != nil {
		s.failed.Add(1)
		return
	}
	s.handled.Add(1)
}

func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweeps.Add(1)
			s.evicted.Add(int64(s.handler.Sweep()))
		}
	}
}

// JobQueueLen returns the number of datagrams waiting for a worker.
func (s *Server) JobQueueLen() int {
	return len(s.jobs)
}

// Stats returns server statistics.
func (s *Server) Stats() Stats {
	return Stats{
		Running:    s.running.Load(),
		Received:   s.received.Load(),
		Bytes:      s.bytes.Load(),
		JobDrops:   s.jobDrops.Load(),
		Handled:    s.handled.Load(),
		Failed:     s.failed.Load(),
		Panics:     s.panics.Load(),
		ReadErrors: s.readErrors.Load(),
		Sweeps:     s.sweeps.Load(),
		Evicted:    s.evicted.Load(),
	}
}

// Stats holds server statistics.
type Stats struct {
	Running    bool
	Received   int64
	Bytes      int64
	JobDrops   int64
	Handled    int64
	Failed     int64
	Panics     int64
	ReadErrors int64
	Sweeps     int64
	Evicted    int64
}
