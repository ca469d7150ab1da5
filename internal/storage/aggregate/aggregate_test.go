package aggregate

import (
	"context"
	"errors"
	"testing"

	"github.com/xtxerr/voxeld/internal/storage/memsink"
	"github.com/xtxerr/voxeld/internal/storage/pool"
	"github.com/xtxerr/voxeld/internal/storage/sink"
	"github.com/xtxerr/voxeld/internal/storage/types"
)

// testLease is a single connection that redials the store on Reset.
type testLease struct {
	store  *memsink.Store
	conn   sink.Conn
	resets int
}

func newTestLease(t *testing.T, store *memsink.Store) *testLease {
	t.Helper()
	c, err := store.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return &testLease{store: store, conn: c}
}

func (l *testLease) Conn() sink.Conn { return l.conn }

func (l *testLease) Reset(ctx context.Context) error {
	l.resets++
	l.conn.Close()
	c, err := l.store.Dial(ctx)
	if err != nil {
		l.conn = &sink.Unavailable{Cause: err}
		return err
	}
	l.conn = c
	return nil
}

func pt(x, y, z int32, rgb uint32, ts, count int64) types.Point {
	p := types.Point{X: x, Y: y, Z: z, TimestampMs: ts, Count: count}
	p.SetRGB(rgb)
	return p
}

func TestFuse(t *testing.T) {
	in := []types.Point{
		pt(1, 2, 3, 0xFF0000, 10, 1),
		pt(4, 5, 6, 0x00FF00, 11, 1),
		pt(1, 2, 3, 0x0000FF, 12, 1),
		pt(1, 2, 3, 0x00FFFF, 13, 1),
		pt(4, 5, 6, 0x000000, 14, 0),
	}

	out := Fuse(in)
	if len(out) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(out))
	}
	if out[0].Key() != (types.CellKey{X: 1, Y: 2, Z: 3}) || out[0].Count != 3 {
		t.Errorf("expected (1,2,3,c=3), got %+v", out[0])
	}
	if out[0].R != 0xFF || out[0].B != 0 || out[0].TimestampMs != 10 {
		t.Errorf("expected first color and timestamp, got %+v", out[0])
	}
	// zero counts are treated as one record
	if out[1].Count != 2 {
		t.Errorf("expected (4,5,6,c=2), got %+v", out[1])
	}
	if Fuse(nil) != nil {
		t.Error("expected nil for empty input")
	}
}

func TestFlushFusesDuplicates(t *testing.T) {
	ctx := context.Background()
	store := memsink.NewStore()
	p := New(newTestLease(t, store), Config{BatchSize: 100})

	for i := 0; i < 3; i++ {
		if err := p.Push(ctx, pt(1, 2, 3, 0xFFFFFF, 1, 1)); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	if p.Pending() != 3 {
		t.Fatalf("expected 3 pending, got %d", p.Pending())
	}
	if err := p.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if store.Len() != 1 {
		t.Fatalf("expected 1 row, got %d", store.Len())
	}
	got, _ := store.Get(types.CellKey{X: 1, Y: 2, Z: 3})
	if got.Count != 3 {
		t.Errorf("expected count 3, got %d", got.Count)
	}

	st := p.Stats()
	if st.Flushes != 1 || st.Rows != 1 || st.Fused != 2 || st.Pending != 0 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestFlushAddsToStoredCount(t *testing.T) {
	ctx := context.Background()
	store := memsink.NewStore()
	store.Put(pt(1, 2, 3, 0, 1, 5))

	p := New(newTestLease(t, store), Config{BatchSize: 100})
	p.Push(ctx, pt(1, 2, 3, 0, 2, 2))
	if err := p.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got, _ := store.Get(types.CellKey{X: 1, Y: 2, Z: 3})
	if got.Count != 7 {
		t.Errorf("expected count 7, got %d", got.Count)
	}
}

func TestThresholdFlush(t *testing.T) {
	ctx := context.Background()
	store := memsink.NewStore()
	p := New(newTestLease(t, store), Config{BatchSize: 3})

	p.Push(ctx, pt(1, 0, 0, 0, 1, 1))
	p.Push(ctx, pt(2, 0, 0, 0, 1, 1))
	if store.Len() != 0 {
		t.Fatal("flushed before threshold")
	}
	p.Push(ctx, pt(3, 0, 0, 0, 1, 1))
	if store.Len() != 3 || p.Pending() != 0 {
		t.Errorf("expected flush at threshold, got %d rows, %d pending", store.Len(), p.Pending())
	}

	if err := p.PushBatch(ctx, []types.Point{pt(4, 0, 0, 0, 1, 1), pt(5, 0, 0, 0, 1, 1), pt(6, 0, 0, 0, 1, 1), pt(7, 0, 0, 0, 1, 1)}); err != nil {
		t.Fatalf("PushBatch: %v", err)
	}
	if store.Len() != 7 {
		t.Errorf("expected 7 rows, got %d", store.Len())
	}
	if err := p.Flush(ctx); err != nil {
		t.Errorf("empty Flush: %v", err)
	}
	if p.State() != Accumulating {
		t.Errorf("expected accumulating, got %v", p.State())
	}
}

func TestStatementFailureDiscardsWithoutReset(t *testing.T) {
	ctx := context.Background()
	store := memsink.NewStore()
	lease := newTestLease(t, store)
	p := New(lease, Config{BatchSize: 100})

	boom := errors.New("constraint violated")
	store.FailNext(boom)

	p.Push(ctx, pt(1, 1, 1, 0, 1, 1))
	err := p.Flush(ctx)
	if !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if lease.resets != 0 {
		t.Errorf("expected no reset on healthy connection, got %d", lease.resets)
	}
	if p.Pending() != 0 {
		t.Errorf("expected pending cleared, got %d", p.Pending())
	}
	if store.Len() != 0 {
		t.Errorf("expected nothing stored, got %d", store.Len())
	}

	p.Push(ctx, pt(2, 2, 2, 0, 1, 1))
	if err := p.Flush(ctx); err != nil {
		t.Fatalf("Flush after failure: %v", err)
	}
	if store.Len() != 1 {
		t.Errorf("expected 1 row, got %d", store.Len())
	}

	st := p.Stats()
	if st.Failures != 1 || st.Discarded != 1 || st.Reconnects != 0 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestBrokenConnectionResetOnce(t *testing.T) {
	ctx := context.Background()
	store := memsink.NewStore()
	lease := newTestLease(t, store)

	var results []FlushResult
	p := New(lease, Config{BatchSize: 100})
	p.OnFlush(func(r FlushResult) { results = append(results, r) })

	// backend restart breaks the open connection
	store.SetDown(true)
	store.SetDown(false)

	p.Push(ctx, pt(1, 1, 1, 0, 1, 1))
	if err := p.Flush(ctx); err == nil {
		t.Fatal("expected flush on broken connection to fail")
	}
	if lease.resets != 1 {
		t.Fatalf("expected exactly one reset, got %d", lease.resets)
	}
	if p.Pending() != 0 {
		t.Errorf("expected batch discarded, got %d pending", p.Pending())
	}

	p.Push(ctx, pt(1, 1, 1, 0, 1, 1))
	if err := p.Flush(ctx); err != nil {
		t.Fatalf("Flush after reset: %v", err)
	}
	got, _ := store.Get(types.CellKey{X: 1, Y: 1, Z: 1})
	if got.Count != 1 {
		t.Errorf("expected only the second batch stored, got count %d", got.Count)
	}

	if len(results) != 2 || !results[0].Reconnect || results[0].ResetError != nil || results[1].Err != nil {
		t.Errorf("unexpected flush results %+v", results)
	}
}

func TestResetFailureStillClears(t *testing.T) {
	ctx := context.Background()
	store := memsink.NewStore()
	lease := newTestLease(t, store)
	p := New(lease, Config{BatchSize: 100})

	store.SetDown(true)

	p.Push(ctx, pt(1, 1, 1, 0, 1, 1))
	if err := p.Flush(ctx); err == nil {
		t.Fatal("expected failure")
	}
	if lease.resets != 1 || p.Pending() != 0 {
		t.Fatalf("expected one reset and cleared batch, got %d resets, %d pending", lease.resets, p.Pending())
	}
	if p.Stats().ReconnectFailures != 1 {
		t.Errorf("expected 1 reconnect failure, got %d", p.Stats().ReconnectFailures)
	}

	// backend returns: the placeholder fails once more, then the reset heals
	store.SetDown(false)
	p.Push(ctx, pt(2, 2, 2, 0, 1, 1))
	if err := p.Flush(ctx); err == nil {
		t.Fatal("expected placeholder flush to fail")
	}
	p.Push(ctx, pt(3, 3, 3, 0, 1, 1))
	if err := p.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if lease.resets != 2 {
		t.Errorf("expected 2 resets, got %d", lease.resets)
	}
	if store.Len() != 1 {
		t.Errorf("expected 1 row, got %d", store.Len())
	}
}

func TestPipelineWithPoolGuard(t *testing.T) {
	ctx := context.Background()
	store := memsink.NewStore()
	pl, err := pool.New(ctx, 1, store.Dialer())
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	defer pl.Close()

	g, err := pl.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer g.Release()

	p := New(g, DefaultConfig())
	store.SetDown(true)
	store.SetDown(false)

	p.Push(ctx, pt(1, 1, 1, 0, 1, 1))
	if err := p.Flush(ctx); err == nil {
		t.Fatal("expected failure on restarted backend")
	}
	p.Push(ctx, pt(1, 1, 1, 0, 1, 4))
	if err := p.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if pl.Stats().Resets != 1 {
		t.Errorf("expected 1 pool reset, got %d", pl.Stats().Resets)
	}
	got, _ := store.Get(types.CellKey{X: 1, Y: 1, Z: 1})
	if got.Count != 4 {
		t.Errorf("expected count 4, got %d", got.Count)
	}
}
