package config

import (
	"fmt"
	"net"

	"github.com/xtxerr/voxeld/internal/codec"
	"github.com/xtxerr/voxeld/internal/errors"
	"github.com/xtxerr/voxeld/internal/logging"
	"github.com/xtxerr/voxeld/internal/storage"
	"github.com/xtxerr/voxeld/internal/storage/sqlsink"
	"github.com/xtxerr/voxeld/internal/wire"
)

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	v := errors.NewValidationErrors()

	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		v.AddField("listen", err.Error())
	}
	if c.MetricsListen != "" {
		if _, _, err := net.SplitHostPort(c.MetricsListen); err != nil {
			v.AddField("metrics_listen", err.Error())
		}
	}
	if c.ShutdownTimeout <= 0 {
		v.AddField("shutdown_timeout", "must be positive")
	}

	c.Log.validate(v)
	c.Ingest.validate(v)
	if c.Queue.Capacity <= 0 {
		v.AddField("queue.capacity", "must be positive")
	}
	c.Storage.validate(v)
	c.Archive.validate(v)
	c.Backpressure.validate(v)

	return v.Err()
}

func (c *LogConfig) validate(v *errors.ValidationErrors) {
	if _, err := logging.ParseLevel(c.Level); err != nil {
		v.Add(errors.NewInvalidValue("log.level", c.Level, "expected debug, info, warn or error"))
	}
	if c.Format != "text" && c.Format != "json" {
		v.Add(errors.NewInvalidValue("log.format", c.Format, "expected text or json"))
	}
}

func (c *IngestConfig) validate(v *errors.ValidationErrors) {
	if c.Workers <= 0 {
		v.AddField("ingest.workers", "must be positive")
	}
	if c.JobQueueSize <= 0 {
		v.AddField("ingest.job_queue_size", "must be positive")
	}
	if c.MaxDatagramSize <= wire.FragmentHeaderSize || c.MaxDatagramSize > wire.MaxDatagramSize {
		v.Add(errors.NewInvalidValue("ingest.max_datagram_size", c.MaxDatagramSize,
			fmt.Sprintf("must be in (%d, %d]", wire.FragmentHeaderSize, wire.MaxDatagramSize)))
	}
	if _, err := codec.ParseAlgorithm(c.Compression); err != nil {
		v.Add(errors.NewInvalidValue("ingest.compression", c.Compression, "expected zlib, zstd or lz4"))
	}
	if c.PointColor > 0xFFFFFF {
		v.Add(errors.NewInvalidValue("ingest.point_color", c.PointColor, "must fit 0xRRGGBB"))
	}
	if c.Shards <= 0 {
		v.AddField("ingest.shards", "must be positive")
	}
	if c.MaxBlobSize == 0 {
		v.AddField("ingest.max_blob_size", "must be positive")
	}
	if c.MaxPointsPerBlob <= 0 {
		v.AddField("ingest.max_points_per_blob", "must be positive")
	}
	if c.MaxPendingBlobs <= 0 {
		v.AddField("ingest.max_pending_blobs", "must be positive")
	}
	if c.BlobTTL <= 0 {
		v.AddField("ingest.blob_ttl", "must be positive")
	}
	if c.SweepInterval <= 0 {
		v.AddField("ingest.sweep_interval", "must be positive")
	}
}

func (c *StorageConfig) validate(v *errors.ValidationErrors) {
	switch c.Driver {
	case sqlsink.DriverDuckDB:
	case sqlsink.DriverPostgres:
		if c.DSN == "" {
			v.AddMissing("storage.dsn")
		}
	case storage.DriverMemory:
	default:
		v.Add(errors.NewInvalidValue("storage.driver", c.Driver, "expected duckdb, postgres or memory"))
	}
	if !sqlsink.ValidIdentifier(c.Table) {
		v.Add(errors.NewInvalidValue("storage.table", c.Table, "not an identifier"))
	}
	if c.PoolSize <= 0 {
		v.AddField("storage.pool_size", "must be positive")
	}
	if c.Workers <= 0 {
		v.AddField("storage.workers", "must be positive")
	} else if c.PoolSize > 0 && c.Workers > c.PoolSize {
		v.Add(errors.NewInvalidValue("storage.workers", c.Workers,
			fmt.Sprintf("exceeds pool_size %d; every worker holds one connection", c.PoolSize)))
	}
	if c.BatchSize <= 0 {
		v.AddField("storage.batch_size", "must be positive")
	}
	if c.FlushInterval <= 0 {
		v.AddField("storage.flush_interval", "must be positive")
	}
	if c.FlushTimeout < 0 {
		v.AddField("storage.flush_timeout", "must not be negative")
	}
	if c.IdleSleep <= 0 {
		v.AddField("storage.idle_sleep", "must be positive")
	}
	if c.UpsertChunk <= 0 {
		v.AddField("storage.upsert_chunk", "must be positive")
	} else if c.Driver == sqlsink.DriverPostgres && c.UpsertChunk > sqlsink.MaxPostgresChunk {
		v.Add(errors.NewInvalidValue("storage.upsert_chunk", c.UpsertChunk,
			fmt.Sprintf("postgres allows at most %d rows per statement", sqlsink.MaxPostgresChunk)))
	}
}

func (c *ArchiveConfig) validate(v *errors.ValidationErrors) {
	if !c.Enabled {
		return
	}
	if c.Dir == "" {
		v.AddMissing("archive.dir")
	}
	if c.QueueSize <= 0 {
		v.AddField("archive.queue_size", "must be positive")
	}
	if c.MaxRows <= 0 {
		v.AddField("archive.max_rows_per_file", "must be positive")
	}
	if c.FlushInterval <= 0 {
		v.AddField("archive.flush_interval", "must be positive")
	}
	switch c.Compression {
	case "", "none", "snappy", "zstd", "lz4", "gzip":
	default:
		v.Add(errors.NewInvalidValue("archive.compression", c.Compression, "expected none, snappy, zstd, lz4 or gzip"))
	}
}

func (c *BackpressureConfig) validate(v *errors.ValidationErrors) {
	t := c.Thresholds
	if c.CheckInterval <= 0 {
		v.AddField("backpressure.check_interval", "must be positive")
	}
	if t.Warning <= 0 || t.Warning >= t.Critical || t.Critical >= t.Emergency || t.Emergency > 1 {
		v.AddField("backpressure.thresholds", "must satisfy 0 < warning < critical < emergency <= 1")
	}
	if c.Hysteresis < 0 || c.Hysteresis >= t.Warning {
		v.AddField("backpressure.hysteresis", "must be in [0, warning)")
	}
	if c.Cooldown < 0 {
		v.AddField("backpressure.cooldown", "must not be negative")
	}
}
