// Package config loads the voxeld YAML configuration.
//
// Load reads the file, expands ${VAR} references from the environment and
// unmarshals over DefaultConfig, so a file only needs the keys it changes.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	defaults "github.com/xtxerr/voxeld/config"
	"github.com/xtxerr/voxeld/internal/errors"
)

// Config is the root of the configuration file.
type Config struct {
	Listen          string        `yaml:"listen"`
	MetricsListen   string        `yaml:"metrics_listen"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Log          LogConfig          `yaml:"log"`
	Ingest       IngestConfig       `yaml:"ingest"`
	Queue        QueueConfig        `yaml:"queue"`
	Storage      StorageConfig      `yaml:"storage"`
	Archive      ArchiveConfig      `yaml:"archive"`
	Backpressure BackpressureConfig `yaml:"backpressure"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// IngestConfig configures the read loop, reassembly and decoding.
type IngestConfig struct {
	Workers          int           `yaml:"workers"`
	JobQueueSize     int           `yaml:"job_queue_size"`
	MaxDatagramSize  int           `yaml:"max_datagram_size"`
	ReadBuffer       int           `yaml:"read_buffer"`
	Compression      string        `yaml:"compression"`
	PointColor       uint32        `yaml:"point_color"`
	Shards           int           `yaml:"shards"`
	MaxBlobSize      uint32        `yaml:"max_blob_size"`
	MaxPointsPerBlob int           `yaml:"max_points_per_blob"`
	MaxPendingBlobs  int           `yaml:"max_pending_blobs"`
	BlobTTL          time.Duration `yaml:"blob_ttl"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

// QueueConfig configures the batch queue.
type QueueConfig struct {
	Capacity int `yaml:"capacity"`
}

// StorageConfig configures the backend, pool and storage workers.
type StorageConfig struct {
	Driver        string        `yaml:"driver"`
	DSN           string        `yaml:"dsn"`
	Table         string        `yaml:"table"`
	PoolSize      int           `yaml:"pool_size"`
	Workers       int           `yaml:"workers"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	FlushTimeout  time.Duration `yaml:"flush_timeout"`
	IdleSleep     time.Duration `yaml:"idle_sleep"`
	UpsertChunk   int           `yaml:"upsert_chunk"`
}

// ArchiveConfig configures the raw blob archive.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Dir           string        `yaml:"dir"`
	QueueSize     int           `yaml:"queue_size"`
	MaxRows       int64         `yaml:"max_rows_per_file"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Compression   string        `yaml:"compression"`
}

// BackpressureConfig configures queue pressure levels.
type BackpressureConfig struct {
	CheckInterval time.Duration          `yaml:"check_interval"`
	Thresholds    BackpressureThresholds `yaml:"thresholds"`
	Hysteresis    float64                `yaml:"hysteresis"`
	Cooldown      time.Duration          `yaml:"cooldown"`
}

// BackpressureThresholds are queue usage ratios (0.0-1.0).
type BackpressureThresholds struct {
	Warning   float64 `yaml:"warning"`
	Critical  float64 `yaml:"critical"`
	Emergency float64 `yaml:"emergency"`
}

// DefaultConfig returns a configuration built from the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:          defaults.DefaultListenAddress,
		MetricsListen:   defaults.DefaultMetricsAddress,
		ShutdownTimeout: defaults.DefaultShutdownTimeout,
		Log: LogConfig{
			Level:  defaults.DefaultLogLevel,
			Format: defaults.DefaultLogFormat,
		},
		Ingest: IngestConfig{
			Workers:          defaults.DefaultIngestWorkers,
			JobQueueSize:     defaults.DefaultJobQueueSize,
			MaxDatagramSize:  defaults.DefaultMaxDatagramSize,
			Compression:      defaults.DefaultCompression,
			PointColor:       defaults.DefaultPointColor,
			Shards:           defaults.DefaultReassemblyShards,
			MaxBlobSize:      defaults.DefaultMaxBlobSize,
			MaxPointsPerBlob: defaults.DefaultMaxPointsPerBlob,
			MaxPendingBlobs:  defaults.DefaultMaxPendingBlobs,
			BlobTTL:          defaults.DefaultBlobTTL,
			SweepInterval:    defaults.DefaultSweepInterval,
		},
		Queue: QueueConfig{
			Capacity: defaults.DefaultQueueCapacity,
		},
		Storage: StorageConfig{
			Driver:        defaults.DefaultStorageDriver,
			DSN:           defaults.DefaultStorageDSN,
			Table:         defaults.DefaultSpatialTable,
			PoolSize:      defaults.DefaultPoolSize,
			Workers:       defaults.DefaultStorageWorkers,
			BatchSize:     defaults.DefaultBatchSize,
			FlushInterval: defaults.DefaultFlushInterval,
			FlushTimeout:  defaults.DefaultFlushTimeout,
			IdleSleep:     defaults.DefaultIdleSleep,
			UpsertChunk:   defaults.DefaultUpsertChunk,
		},
		Archive: ArchiveConfig{
			Dir:           defaults.DefaultArchiveDir,
			QueueSize:     defaults.DefaultArchiveQueueSize,
			MaxRows:       defaults.DefaultArchiveMaxRows,
			FlushInterval: defaults.DefaultArchiveFlushInterval,
			Compression:   defaults.DefaultArchiveCompression,
		},
		Backpressure: BackpressureConfig{
			CheckInterval: defaults.DefaultBackpressureCheckInterval,
			Thresholds: BackpressureThresholds{
				Warning:   defaults.DefaultBackpressureWarning,
				Critical:  defaults.DefaultBackpressureCritical,
				Emergency: defaults.DefaultBackpressureEmergency,
			},
			Hysteresis: defaults.DefaultBackpressureHysteresis,
			Cooldown:   defaults.DefaultBackpressureCooldown,
		},
	}
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, bool, error) {
	if path == "" {
		return DefaultConfig(), false, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), false, nil
	}
	cfg, err := Load(path)
	return cfg, err == nil, err
}

// Parse expands environment variables in data and unmarshals it over the
// defaults.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
