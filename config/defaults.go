// Package config provides configuration defaults for voxeld.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or command-line flags.
package config

import "time"

// =============================================================================
// Network Defaults
// =============================================================================

const (
	// DefaultListenAddress is the UDP address sensing units send to.
	// Override via config: listen
	DefaultListenAddress = "0.0.0.0:9000"

	// DefaultMetricsAddress serves /metrics and /health. Empty disables it.
	// Override via config: metrics_listen
	DefaultMetricsAddress = "127.0.0.1:9100"

	// DefaultMaxDatagramSize is the read buffer size per datagram.
	// The largest IPv4 UDP payload is 65507 bytes.
	// Override via config: ingest.max_datagram_size
	DefaultMaxDatagramSize = 65507
)

// =============================================================================
// Ingest Defaults
// =============================================================================

const (
	// DefaultIngestWorkers is the number of dispatcher workers handling
	// datagrams off the read loop.
	// Override via config: ingest.workers
	DefaultIngestWorkers = 4

	// DefaultJobQueueSize is the capacity of the read loop to worker hand-off.
	// Datagrams arriving while it is full are dropped.
	// Override via config: ingest.job_queue_size
	DefaultJobQueueSize = 4096

	// DefaultCompression is the algorithm for blobs flagged compressed.
	// One of: zlib, zstd, lz4
	// Override via config: ingest.compression
	DefaultCompression = "zlib"

	// DefaultPointColor is assigned to octree cells, which carry no color.
	// Override via config: ingest.default_color
	DefaultPointColor = 0xFFFFFF
)

// =============================================================================
// Reassembly Defaults
// =============================================================================

const (
	// DefaultReassemblyShards is the number of lock partitions in the
	// reassembly table.
	// Override via config: ingest.shards
	DefaultReassemblyShards = 16

	// DefaultMaxBlobSize caps the declared total of a fragmented blob and
	// the decompressed size of a compressed one.
	// Override via config: ingest.max_blob_size
	DefaultMaxBlobSize = 16 * 1024 * 1024

	// DefaultMaxPointsPerBlob caps the points decoded from one blob. A full
	// depth tree stream yields 8 cells per 2 bytes.
	// Override via config: ingest.max_points_per_blob
	DefaultMaxPointsPerBlob = 1 << 20

	// DefaultMaxPendingBlobs caps in-flight reassembly buffers.
	// Override via config: ingest.max_pending_blobs
	DefaultMaxPendingBlobs = 4096

	// DefaultBlobTTL evicts buffers that received no fragment for this long.
	// Override via config: ingest.blob_ttl
	DefaultBlobTTL = 30 * time.Second

	// DefaultSweepInterval is how often stale buffers are looked for.
	// Override via config: ingest.sweep_interval
	DefaultSweepInterval = 5 * time.Second
)

// =============================================================================
// Queue Defaults
// =============================================================================

const (
	// DefaultQueueCapacity is the capacity of the batch queue between
	// dispatcher and storage workers.
	// Override via config: queue.capacity
	DefaultQueueCapacity = 32768
)

// =============================================================================
// Storage Defaults
// =============================================================================

const (
	// DefaultStorageDriver selects the backend: duckdb, postgres or memory.
	// Override via config: storage.driver
	DefaultStorageDriver = "duckdb"

	// DefaultStorageDSN is the data source for the default driver.
	// Override via config: storage.dsn
	DefaultStorageDSN = "voxeld.duckdb"

	// DefaultSpatialTable receives the upserted cells.
	// Override via config: storage.table
	DefaultSpatialTable = "spatial_point"

	// DefaultPoolSize is the number of storage connections.
	// Override via config: storage.pool_size
	DefaultPoolSize = 4

	// DefaultStorageWorkers is the number of workers draining the queue.
	// Each holds one pooled connection, so it must not exceed pool_size.
	// Override via config: storage.workers
	DefaultStorageWorkers = 2

	// DefaultBatchSize is the point count that triggers a flush.
	// Override via config: storage.batch_size
	DefaultBatchSize = 5000

	// DefaultFlushInterval flushes partially filled batches.
	// Override via config: storage.flush_interval
	DefaultFlushInterval = time.Second

	// DefaultFlushTimeout bounds one upsert round trip.
	// Override via config: storage.flush_timeout
	DefaultFlushTimeout = 10 * time.Second

	// DefaultIdleSleep is the backoff of a storage worker on an empty queue.
	// Override via config: storage.idle_sleep
	DefaultIdleSleep = 2 * time.Millisecond

	// DefaultUpsertChunk is the number of rows per INSERT statement.
	DefaultUpsertChunk = 100
)

// =============================================================================
// Archive Defaults
// =============================================================================

const (
	// DefaultArchiveDir receives raw blob Parquet files.
	// Override via config: archive.dir
	DefaultArchiveDir = "./archive"

	// DefaultArchiveQueueSize is the capacity of the archive hand-off.
	// Override via config: archive.queue_size
	DefaultArchiveQueueSize = 1024

	// DefaultArchiveMaxRows rotates the archive file after this many blobs.
	// Override via config: archive.max_rows_per_file
	DefaultArchiveMaxRows = 10000

	// DefaultArchiveFlushInterval flushes the open archive file.
	// Override via config: archive.flush_interval
	DefaultArchiveFlushInterval = 10 * time.Second

	// DefaultArchiveCompression is the Parquet page compression.
	// One of: none, snappy, gzip, zstd, lz4
	// Override via config: archive.compression
	DefaultArchiveCompression = "zstd"
)

// =============================================================================
// Backpressure Defaults
// =============================================================================

const (
	// DefaultBackpressureCheckInterval is how often queue usage is sampled.
	DefaultBackpressureCheckInterval = time.Second

	// Queue usage thresholds (0.0 - 1.0)
	DefaultBackpressureWarning   = 0.70
	DefaultBackpressureCritical  = 0.85
	DefaultBackpressureEmergency = 0.95

	// DefaultBackpressureHysteresis must be crossed below a threshold before
	// the level drops.
	DefaultBackpressureHysteresis = 0.05

	// DefaultBackpressureCooldown is the minimum time before a level is lowered.
	DefaultBackpressureCooldown = 5 * time.Second
)

// =============================================================================
// Shutdown Defaults
// =============================================================================

const (
	// DefaultShutdownTimeout bounds draining workers on stop.
	// Override via config: shutdown_timeout
	DefaultShutdownTimeout = 15 * time.Second
)

// =============================================================================
// Logging Defaults
// =============================================================================

const (
	// DefaultLogLevel is one of debug, info, warn, error.
	// Override via config: log.level
	DefaultLogLevel = "info"

	// DefaultLogFormat is text or json.
	// Override via config: log.format
	DefaultLogFormat = "text"
)
