// voxeld receives fragmented voxel updates over UDP and stores them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/xtxerr/voxeld/internal/codec"
	"github.com/xtxerr/voxeld/internal/config"
	"github.com/xtxerr/voxeld/internal/ingest"
	"github.com/xtxerr/voxeld/internal/logging"
	"github.com/xtxerr/voxeld/internal/metrics"
	"github.com/xtxerr/voxeld/internal/reassembly"
	"github.com/xtxerr/voxeld/internal/server"
	"github.com/xtxerr/voxeld/internal/storage"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "voxeld: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("voxeld", pflag.ExitOnError)
	cfgPath := flags.StringP("config", "c", "voxeld.yaml", "config file path")
	listen := flags.String("listen", "", "UDP listen address (overrides config)")
	metricsListen := flags.String("metrics-listen", "", "metrics HTTP address (overrides config)")
	driver := flags.String("driver", "", "storage driver: duckdb, postgres or memory (overrides config)")
	dsn := flags.String("dsn", "", "storage DSN (overrides config)")
	logLevel := flags.String("log-level", "", "log level (overrides config)")
	logFormat := flags.String("log-format", "", "log format: text or json (overrides config)")
	showVersion := flags.BoolP("version", "v", false, "print version and exit")
	flags.Parse(os.Args[1:])

	if *showVersion {
		fmt.Println("voxeld", Version)
		return nil
	}

	cfg, found, err := config.LoadOrDefault(*cfgPath)
	if err != nil {
		return err
	}

	// CLI overrides
	if *listen != "" {
		cfg.Listen = *listen
	}
	if flags.Changed("metrics-listen") {
		cfg.MetricsListen = *metricsListen
	}
	if *driver != "" {
		cfg.Storage.Driver = *driver
	}
	if *dsn != "" {
		cfg.Storage.DSN = *dsn
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logging.Init(cfg.LogLevel(), cfg.LogJSON())
	log := logging.Component("main")
	log.Info("voxeld starting", "version", Version, "config", *cfgPath, "config_found", found)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	// =========================================================================
	// Storage (queue, pool, workers, archive, backpressure)
	// =========================================================================

	store, err := storage.New(ctx, cfg.StorageConfig())
	if err != nil {
		return fmt.Errorf("create storage: %w", err)
	}
	store.OnFlush(m.ObserveFlush)
	store.OnLevelChange(m.SetLevel)
	if err := store.Start(); err != nil {
		return fmt.Errorf("start storage: %w", err)
	}
	defer func() {
		if err := stopStorage(store, cfg.ShutdownTimeout); err != nil {
			log.Error("storage stop", "error", err)
		}
	}()

	// =========================================================================
	// Ingest (reassembly, decompression, dispatch)
	// =========================================================================

	decomp, err := codec.NewDecompressor(cfg.Algorithm(), cfg.Ingest.MaxBlobSize)
	if err != nil {
		return fmt.Errorf("create decompressor: %w", err)
	}
	defer decomp.Close()

	table := reassembly.New(cfg.ReassemblyConfig())

	var archiver ingest.Archiver
	if store.ArchiveEnabled() {
		archiver = store
	}
	dispatcher, err := ingest.New(cfg.DispatcherConfig(), table, decomp, store.Queue(), archiver)
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}
	dispatcher.SetObserver(m)

	m.GaugeFunc("queue", "depth", "Batches waiting for storage workers.", func() float64 {
		return float64(store.Queue().Len())
	})
	m.GaugeFunc("reassembly", "pending_blobs", "Blobs with fragments still missing.", func() float64 {
		return float64(table.Len())
	})

	// =========================================================================
	// Server
	// =========================================================================

	srvCfg := cfg.ServerConfig()
	if srvCfg.MetricsListen != "" {
		srvCfg.Metrics = m.Handler()
	}
	srv, err := server.New(srvCfg, dispatcher)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	if err := srv.Listen(); err != nil {
		return err
	}
	m.GaugeFunc("server", "job_queue_depth", "Datagrams waiting for a worker.", func() float64 {
		return float64(srv.JobQueueLen())
	})

	log.Info("listening",
		"udp", srv.Addr().String(),
		"metrics", srv.MetricsAddr(),
		"driver", cfg.Storage.Driver,
		"archive", store.ArchiveEnabled())

	// Serve returns once ctx is done and the datagram workers have drained.
	// The deferred storage stop then flushes the batch queue.
	if err := srv.Serve(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	log.Info("shutting down", "dispatcher", dispatcher.Stats())
	return nil
}

// stopStorage bounds the final flush by timeout.
func stopStorage(s *storage.Service, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- s.Stop() }()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("storage did not stop within %s", timeout)
	}
}
