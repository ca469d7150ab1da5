package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	verrors "github.com/xtxerr/voxeld/internal/errors"
	"github.com/xtxerr/voxeld/internal/storage/memsink"
	"github.com/xtxerr/voxeld/internal/storage/sink"
)

func expectPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s: expected panic", name)
		}
	}()
	fn()
}

func TestNewRejectsZeroSize(t *testing.T) {
	store := memsink.NewStore()
	for _, size := range []int{0, -1} {
		if _, err := New(context.Background(), size, store.Dialer()); !errors.Is(err, verrors.ErrPoolSize) {
			t.Errorf("size %d: expected ErrPoolSize, got %v", size, err)
		}
	}
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	ctx := context.Background()
	store := memsink.NewStore()
	p, err := New(ctx, 1, store.Dialer())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	first, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	conn := first.Conn()

	got := make(chan *Guard, 1)
	go func() {
		g, err := p.Acquire(ctx)
		if err != nil {
			t.Errorf("second Acquire: %v", err)
			close(got)
			return
		}
		got <- g
	}()

	select {
	case <-got:
		t.Fatal("second acquire did not block")
	case <-time.After(50 * time.Millisecond):
	}

	first.Release()

	select {
	case second := <-got:
		if second == nil {
			t.Fatal("second acquire failed")
		}
		if second.Conn() != conn {
			t.Error("expected the same connection")
		}
		second.Release()
	case <-time.After(time.Second):
		t.Fatal("second acquire never returned")
	}

	if st := p.Stats(); st.Waits != 1 || st.Acquires != 2 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestAcquireContextCanceled(t *testing.T) {
	ctx := context.Background()
	p, _ := New(ctx, 1, memsink.NewStore().Dialer())
	defer p.Close()

	g, _ := p.Acquire(ctx)
	defer g.Release()

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(cctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestAcquireAfterClose(t *testing.T) {
	ctx := context.Background()
	p, _ := New(ctx, 2, memsink.NewStore().Dialer())
	p.Close()

	if _, err := p.Acquire(ctx); !errors.Is(err, verrors.ErrPoolClosed) {
		t.Errorf("expected ErrPoolClosed, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestReleaseMisuse(t *testing.T) {
	ctx := context.Background()
	store := memsink.NewStore()
	a, _ := New(ctx, 1, store.Dialer())
	b, _ := New(ctx, 1, store.Dialer())
	defer a.Close()
	defer b.Close()

	g, _ := a.Acquire(ctx)

	expectPanic(t, "foreign release", func() { b.Release(g) })
	expectPanic(t, "nil release", func() { a.Release(nil) })

	g.Release()
	expectPanic(t, "double release", func() { g.Release() })
	expectPanic(t, "use after release", func() { g.Conn() })
	expectPanic(t, "reset after release", func() { g.Reset(ctx) })

	if a.InUse() != 0 {
		t.Errorf("expected 0 in use, got %d", a.InUse())
	}
}

func TestStartupDialFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	store := memsink.NewStore()
	store.SetDown(true)

	p, err := New(ctx, 2, store.Dialer())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	if p.Stats().DialFailures != 2 {
		t.Errorf("expected 2 dial failures, got %d", p.Stats().DialFailures)
	}

	g, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer g.Release()

	if err := g.Conn().Ping(ctx); !sink.IsBroken(err) {
		t.Fatalf("expected placeholder to report broken, got %v", err)
	}

	// reset while still down keeps a placeholder
	if err := g.Reset(ctx); err == nil {
		t.Error("expected reset to fail while store is down")
	}
	if err := g.Conn().Ping(ctx); !sink.IsBroken(err) {
		t.Error("expected placeholder after failed reset")
	}

	store.SetDown(false)
	if err := g.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := g.Conn().Ping(ctx); err != nil {
		t.Errorf("expected healthy connection after reset, got %v", err)
	}
	if st := p.Stats(); st.Resets != 2 || st.ResetFailures != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestConcurrentLeases(t *testing.T) {
	ctx := context.Background()
	p, _ := New(ctx, 3, memsink.NewStore().Dialer())
	defer p.Close()

	var inUse, peak atomic.Int64
	done := make(chan struct{})
	for w := 0; w < 10; w++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 50; i++ {
				g, err := p.Acquire(ctx)
				if err != nil {
					t.Errorf("Acquire: %v", err)
					return
				}
				n := inUse.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				inUse.Add(-1)
				g.Release()
			}
		}()
	}
	for w := 0; w < 10; w++ {
		<-done
	}

	if peak.Load() > 3 {
		t.Errorf("expected at most 3 concurrent leases, got %d", peak.Load())
	}
	if p.InUse() != 0 {
		t.Errorf("expected 0 in use, got %d", p.InUse())
	}
}

func TestLeaseSlotsAreDistinct(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, 3, memsink.NewStore().Dialer())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	seen := map[int]bool{}
	var guards []*Guard
	for i := 0; i < 3; i++ {
		g, err := p.Acquire(ctx)
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		if g.Slot() < 0 || g.Slot() >= 3 || seen[g.Slot()] {
			t.Errorf("unexpected slot %d, seen %v", g.Slot(), seen)
		}
		seen[g.Slot()] = true
		guards = append(guards, g)
	}
	for _, g := range guards {
		g.Release()
	}
}
