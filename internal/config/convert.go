package config

import (
	"log/slog"

	"github.com/xtxerr/voxeld/internal/codec"
	"github.com/xtxerr/voxeld/internal/ingest"
	"github.com/xtxerr/voxeld/internal/logging"
	"github.com/xtxerr/voxeld/internal/reassembly"
	"github.com/xtxerr/voxeld/internal/server"
	"github.com/xtxerr/voxeld/internal/storage"
	"github.com/xtxerr/voxeld/internal/storage/archive"
	"github.com/xtxerr/voxeld/internal/storage/backpressure"
	"github.com/xtxerr/voxeld/internal/storage/ingestion"
)

// LogLevel returns the parsed log level. Validate has already rejected
// unknown names.
func (c *Config) LogLevel() slog.Level {
	level, _ := logging.ParseLevel(c.Log.Level)
	return level
}

// LogJSON reports whether logs are written as JSON.
func (c *Config) LogJSON() bool {
	return c.Log.Format == "json"
}

// Algorithm returns the decompression algorithm for compressed blobs.
func (c *Config) Algorithm() codec.Algorithm {
	alg, _ := codec.ParseAlgorithm(c.Ingest.Compression)
	return alg
}

// ReassemblyConfig returns the fragment table settings.
func (c *Config) ReassemblyConfig() reassembly.Config {
	return reassembly.Config{
		Shards:      c.Ingest.Shards,
		MaxBlobSize: c.Ingest.MaxBlobSize,
		MaxPending:  c.Ingest.MaxPendingBlobs,
		TTL:         c.Ingest.BlobTTL,
	}
}

// DispatcherConfig returns the dispatcher settings.
func (c *Config) DispatcherConfig() ingest.Config {
	return ingest.Config{
		PointColor: c.Ingest.PointColor,
		MaxPoints:  c.Ingest.MaxPointsPerBlob,
	}
}

// ServerConfig returns the UDP server settings. The metrics handler is
// attached by the caller.
func (c *Config) ServerConfig() server.Config {
	return server.Config{
		Listen:        c.Listen,
		MaxDatagram:   c.Ingest.MaxDatagramSize,
		Workers:       c.Ingest.Workers,
		JobQueueSize:  c.Ingest.JobQueueSize,
		SweepInterval: c.Ingest.SweepInterval,
		ReadBuffer:    c.Ingest.ReadBuffer,
		MetricsListen: c.MetricsListen,
	}
}

// StorageConfig returns the storage facade settings.
func (c *Config) StorageConfig() storage.Config {
	s := c.Storage
	cfg := storage.Config{
		Driver:        s.Driver,
		DSN:           s.DSN,
		Table:         s.Table,
		Chunk:         s.UpsertChunk,
		PoolSize:      s.PoolSize,
		QueueCapacity: c.Queue.Capacity,
		Workers: ingestion.Config{
			Workers:       s.Workers,
			BatchSize:     s.BatchSize,
			FlushInterval: s.FlushInterval,
			FlushTimeout:  s.FlushTimeout,
			IdleSleep:     s.IdleSleep,
		},
		Backpressure: backpressure.Config{
			Warning:    c.Backpressure.Thresholds.Warning,
			Critical:   c.Backpressure.Thresholds.Critical,
			Emergency:  c.Backpressure.Thresholds.Emergency,
			Hysteresis: c.Backpressure.Hysteresis,
			Cooldown:   c.Backpressure.Cooldown,
		},
		BackpressureInterval: c.Backpressure.CheckInterval,
	}

	if c.Archive.Enabled {
		a := archive.DefaultConfig()
		a.Dir = c.Archive.Dir
		a.QueueSize = c.Archive.QueueSize
		a.MaxRows = c.Archive.MaxRows
		a.FlushInterval = c.Archive.FlushInterval
		a.Compression = archive.ParseCompression(c.Archive.Compression)
		cfg.Archive = &a
	}
	return cfg
}
