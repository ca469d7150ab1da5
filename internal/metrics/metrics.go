// Package metrics exposes voxeld counters to Prometheus.
//
// Metrics uses its own registry so tests and multiple instances never
// collide on the default one.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtxerr/voxeld/internal/errors"
	"github.com/xtxerr/voxeld/internal/reassembly"
	"github.com/xtxerr/voxeld/internal/storage/aggregate"
	"github.com/xtxerr/voxeld/internal/storage/backpressure"
	"github.com/xtxerr/voxeld/internal/wire"
)

const namespace = "voxeld"

// Metrics holds every collector.
type Metrics struct {
	registry *prometheus.Registry

	// Ingest
	DatagramsTotal   *prometheus.CounterVec
	DroppedTotal     *prometheus.CounterVec
	BlobsTotal       prometheus.Counter
	BlobBytes        prometheus.Histogram
	BlobFragments    prometheus.Histogram
	ReassemblyTime   prometheus.Histogram
	BatchesTotal     *prometheus.CounterVec
	PointsDecoded    prometheus.Counter

	// Storage
	FlushesTotal      *prometheus.CounterVec
	FlushDuration     prometheus.Histogram
	RowsWritten       prometheus.Counter
	PointsFused       prometheus.Counter
	PointsDiscarded   prometheus.Counter
	ReconnectsTotal   *prometheus.CounterVec
	BackpressureLevel prometheus.Gauge
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		DatagramsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "datagrams_total",
			Help:      "Datagrams received, by framing",
		}, []string{"kind"}),
		DroppedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "dropped_total",
			Help:      "Datagrams and blobs dropped, by stage and error kind",
		}, []string{"stage", "reason"}),
		BlobsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "blobs_decoded_total",
			Help:      "Reassembled blobs decoded successfully",
		}),
		BlobBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "blob_bytes",
			Help:      "Size of reassembled blobs before decompression",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 10), // 256B to 64MB
		}),
		BlobFragments: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "blob_fragments",
			Help:      "Fragments received per reassembled blob, duplicates included",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		ReassemblyTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "reassembly_duration_seconds",
			Help:      "Time from first fragment to completion",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}),
		BatchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "batches_total",
			Help:      "Batches offered to the batch queue, by outcome",
		}, []string{"outcome"}),
		PointsDecoded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "points_decoded_total",
			Help:      "Points decoded from reassembled blobs",
		}),

		FlushesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "flushes_total",
			Help:      "Flushes, by outcome",
		}, []string{"outcome"}),
		FlushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "flush_duration_seconds",
			Help:      "Duration of one bulk upsert",
			Buckets:   prometheus.DefBuckets,
		}),
		RowsWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "rows_written_total",
			Help:      "Fused rows upserted",
		}),
		PointsFused: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "points_fused_total",
			Help:      "Points merged into another point of the same cell",
		}),
		PointsDiscarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "points_discarded_total",
			Help:      "Points lost to failed flushes",
		}),
		ReconnectsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "reconnects_total",
			Help:      "Connection resets after a failed flush, by outcome",
		}, []string{"outcome"}),
		BackpressureLevel: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "backpressure_level",
			Help:      "Backpressure level: 0 normal, 1 warning, 2 critical, 3 emergency",
		}),
	}
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// GaugeFunc registers a gauge read from fn at scrape time.
func (m *Metrics) GaugeFunc(subsystem, name, help string, fn func() float64) {
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn)
}

// Datagram counts one received datagram.
func (m *Metrics) Datagram(kind wire.Kind) {
	m.DatagramsTotal.WithLabelValues(kind.String()).Inc()
}

// Dropped counts one dropped datagram or blob.
func (m *Metrics) Dropped(stage string, err error) {
	m.DroppedTotal.WithLabelValues(stage, errors.Kind(err)).Inc()
}

// BlobCompleted records one decoded blob.
func (m *Metrics) BlobCompleted(c *reassembly.Completed, points int) {
	m.BlobsTotal.Inc()
	m.BlobBytes.Observe(float64(len(c.Data)))
	m.BlobFragments.Observe(float64(c.Fragments))
	m.ReassemblyTime.Observe(time.Since(c.Started).Seconds())
	m.PointsDecoded.Add(float64(points))
}

// BatchEnqueued counts one batch offered to the queue.
func (m *Metrics) BatchEnqueued(ok bool) {
	if ok {
		m.BatchesTotal.WithLabelValues("enqueued").Inc()
	} else {
		m.BatchesTotal.WithLabelValues("dropped").Inc()
	}
}

// ObserveFlush records one flush of a storage worker.
func (m *Metrics) ObserveFlush(_ int, res aggregate.FlushResult) {
	m.FlushDuration.Observe(res.Duration.Seconds())
	m.PointsFused.Add(float64(res.Points - res.Rows))

	if res.Err == nil {
		m.FlushesTotal.WithLabelValues("ok").Inc()
		m.RowsWritten.Add(float64(res.Rows))
		return
	}

	m.FlushesTotal.WithLabelValues("failed").Inc()
	m.PointsDiscarded.Add(float64(res.Points))
	if res.Reconnect {
		if res.ResetError != nil {
			m.ReconnectsTotal.WithLabelValues("failed").Inc()
		} else {
			m.ReconnectsTotal.WithLabelValues("ok").Inc()
		}
	}
}

// SetLevel records a backpressure level change.
func (m *Metrics) SetLevel(_, level backpressure.Level) {
	m.BackpressureLevel.Set(float64(level))
}

// Handler serves /metrics from the registry and a /health check.
func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry}))
	mux.HandleFunc("/health", healthHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}
