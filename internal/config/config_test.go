package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	defaults "github.com/xtxerr/voxeld/config"
	"github.com/xtxerr/voxeld/internal/codec"
	"github.com/xtxerr/voxeld/internal/errors"
	"github.com/xtxerr/voxeld/internal/storage/archive"
	"github.com/xtxerr/voxeld/internal/storage/sqlsink"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Storage.Driver != defaults.DefaultStorageDriver {
		t.Errorf("expected driver %q, got %q", defaults.DefaultStorageDriver, cfg.Storage.Driver)
	}
	if cfg.Archive.Enabled {
		t.Error("expected archive disabled by default")
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	data := []byte(`
listen: "127.0.0.1:9100"
log:
  level: debug
  format: json
ingest:
  compression: lz4
  blob_ttl: 500ms
storage:
  driver: memory
  pool_size: 2
  workers: 2
archive:
  enabled: true
  dir: /tmp/blobs
  compression: snappy
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Listen != "127.0.0.1:9100" {
		t.Errorf("expected listen override, got %q", cfg.Listen)
	}
	if !cfg.LogJSON() || cfg.LogLevel().String() != "DEBUG" {
		t.Errorf("unexpected log config %+v", cfg.Log)
	}
	if cfg.Algorithm() != codec.LZ4 {
		t.Errorf("expected lz4, got %q", cfg.Algorithm())
	}
	if cfg.Ingest.BlobTTL != 500*time.Millisecond {
		t.Errorf("expected 500ms ttl, got %v", cfg.Ingest.BlobTTL)
	}
	// untouched keys keep their defaults
	if cfg.Queue.Capacity != defaults.DefaultQueueCapacity {
		t.Errorf("expected default queue capacity, got %d", cfg.Queue.Capacity)
	}
	if cfg.Storage.BatchSize != defaults.DefaultBatchSize {
		t.Errorf("expected default batch size, got %d", cfg.Storage.BatchSize)
	}

	sc := cfg.StorageConfig()
	if sc.Archive == nil {
		t.Fatal("expected archive config")
	}
	if sc.Archive.Dir != "/tmp/blobs" || sc.Archive.Compression != archive.CompressionSnappy {
		t.Errorf("unexpected archive config %+v", sc.Archive)
	}
	if sc.Workers.Workers != 2 || sc.PoolSize != 2 {
		t.Errorf("unexpected worker config %+v", sc.Workers)
	}
}

func TestParseExpandsEnv(t *testing.T) {
	t.Setenv("VOXELD_TEST_DSN", "postgres://u:p@db/voxels")

	cfg, err := Parse([]byte("storage:\n  driver: postgres\n  dsn: ${VOXELD_TEST_DSN}\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Storage.DSN != "postgres://u:p@db/voxels" {
		t.Errorf("expected expanded dsn, got %q", cfg.Storage.DSN)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Listen = "nope"
	cfg.Log.Format = "xml"
	cfg.Ingest.Compression = "brotli"
	cfg.Storage.Driver = "postgres"
	cfg.Storage.DSN = ""
	cfg.Storage.Table = "drop table"
	cfg.Storage.Workers = cfg.Storage.PoolSize + 1
	cfg.Archive.Enabled = true
	cfg.Archive.Dir = ""
	cfg.Backpressure.Thresholds.Warning = 0.99

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !errors.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
	if !errors.Is(err, errors.ErrMissingField) {
		t.Errorf("expected missing field in %v", err)
	}

	var v *errors.ValidationErrors
	if !errors.As(err, &v) {
		t.Fatalf("expected *ValidationErrors, got %T", err)
	}
	if len(v.Errors) < 8 {
		t.Errorf("expected at least 8 errors, got %d:\n%v", len(v.Errors), err)
	}
	for _, field := range []string{"listen", "log.format", "ingest.compression", "storage.dsn", "storage.table", "storage.workers", "archive.dir", "backpressure.thresholds"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("expected %s in %v", field, err)
		}
	}
}

func TestValidatePostgresChunkLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Driver = "postgres"
	cfg.Storage.DSN = "postgres://localhost/voxels"
	cfg.Storage.UpsertChunk = sqlsink.MaxPostgresChunk
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected chunk at limit to be valid, got %v", err)
	}

	cfg.Storage.UpsertChunk = sqlsink.MaxPostgresChunk + 1
	err := cfg.Validate()
	if !errors.IsValidation(err) || !strings.Contains(fmt.Sprint(err), "storage.upsert_chunk") {
		t.Errorf("expected upsert_chunk error, got %v", err)
	}

	// duckdb has no bind parameter limit
	cfg.Storage.Driver = "duckdb"
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected large duckdb chunk to be valid, got %v", err)
	}

	cfg.Ingest.MaxPointsPerBlob = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero max_points_per_blob")
	}
}

func TestValidateMemoryDriverNeedsNoDSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Driver = "memory"
	cfg.Storage.DSN = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected memory driver without dsn to be valid, got %v", err)
	}
}

func TestLoadOrDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, found, err := LoadOrDefault(filepath.Join(dir, "missing.yaml"))
	if err != nil || found {
		t.Fatalf("expected defaults for missing file, got found=%v err=%v", found, err)
	}
	if cfg.Listen != defaults.DefaultListenAddress {
		t.Errorf("expected default listen, got %q", cfg.Listen)
	}

	path := filepath.Join(dir, "voxeld.yaml")
	if err := os.WriteFile(path, []byte("queue:\n  capacity: 64\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, found, err = LoadOrDefault(path)
	if err != nil || !found {
		t.Fatalf("LoadOrDefault: found=%v err=%v", found, err)
	}
	if cfg.Queue.Capacity != 64 {
		t.Errorf("expected capacity 64, got %d", cfg.Queue.Capacity)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("queue: [1, 2"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); err == nil {
		t.Error("expected parse error")
	}
}

func TestConverters(t *testing.T) {
	cfg := DefaultConfig()

	rc := cfg.ReassemblyConfig()
	if rc.Shards != cfg.Ingest.Shards || rc.TTL != cfg.Ingest.BlobTTL || rc.MaxPending != cfg.Ingest.MaxPendingBlobs {
		t.Errorf("unexpected reassembly config %+v", rc)
	}
	sc := cfg.ServerConfig()
	if sc.Listen != cfg.Listen || sc.MaxDatagram != cfg.Ingest.MaxDatagramSize || sc.Workers != cfg.Ingest.Workers {
		t.Errorf("unexpected server config %+v", sc)
	}
	if dc := cfg.DispatcherConfig(); dc.PointColor != defaults.DefaultPointColor || dc.MaxPoints != defaults.DefaultMaxPointsPerBlob {
		t.Errorf("unexpected dispatcher config %+v", dc)
	}
	if st := cfg.StorageConfig(); st.Archive != nil {
		t.Error("expected nil archive when disabled")
	}
}
