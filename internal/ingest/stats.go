package ingest

import (
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// sketches tracks reassembly latency and blob size quantiles.
type sketches struct {
	mu      sync.Mutex
	latency *ddsketch.DDSketch // milliseconds
	size    *ddsketch.DDSketch // bytes
}

func newSketches() *sketches {
	s := &sketches{}
	if sk, err := ddsketch.NewDefaultDDSketch(0.01); err == nil {
		s.latency = sk
	}
	if sk, err := ddsketch.NewDefaultDDSketch(0.01); err == nil {
		s.size = sk
	}
	return s
}

func (s *sketches) observe(latency time.Duration, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latency != nil {
		s.latency.Add(float64(latency.Microseconds()) / 1000)
	}
	if s.size != nil && size > 0 {
		s.size.Add(float64(size))
	}
}

func quantile(sk *ddsketch.DDSketch, q float64) float64 {
	if sk == nil || sk.IsEmpty() {
		return 0
	}
	v, err := sk.GetValueAtQuantile(q)
	if err != nil {
		return 0
	}
	return v
}

// Stats holds dispatcher statistics.
type Stats struct {
	Datagrams        int64
	HeaderDrops      int64
	ReassemblyErrors int64
	CodecErrors      int64
	BatchErrors      int64
	Blobs            int64
	BatchesEnqueued  int64
	PointsEnqueued   int64
	QueueDrops       int64
	Archived         int64

	// Quantiles over completed blobs.
	ReassemblyP50Ms float64
	ReassemblyP99Ms float64
	BlobSizeP50     float64
	BlobSizeP99     float64
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	st := Stats{
		Datagrams:        d.datagrams.Load(),
		HeaderDrops:      d.headerDrops.Load(),
		ReassemblyErrors: d.reassemblyErrs.Load(),
		CodecErrors:      d.codecErrs.Load(),
		BatchErrors:      d.batchErrs.Load(),
		Blobs:            d.blobs.Load(),
		BatchesEnqueued:  d.enqueued.Load(),
		PointsEnqueued:   d.points.Load(),
		QueueDrops:       d.queueDrops.Load(),
		Archived:         d.archived.Load(),
	}

	s := d.sketches
	s.mu.Lock()
	st.ReassemblyP50Ms = quantile(s.latency, 0.5)
	st.ReassemblyP99Ms = quantile(s.latency, 0.99)
	st.BlobSizeP50 = quantile(s.size, 0.5)
	st.BlobSizeP99 = quantile(s.size, 0.99)
	s.mu.Unlock()

	return st
}
