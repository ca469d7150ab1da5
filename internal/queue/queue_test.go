package queue

import (
	"sync"
	"testing"
	"time"
)

func TestQueue_Basic(t *testing.T) {
	q := New[int](10)

	if q.Cap() != 10 {
		t.Errorf("expected capacity=10, got %d", q.Cap())
	}
	if q.Len() != 0 {
		t.Error("new queue should be empty")
	}
	if _, ok := q.TryPop(); ok {
		t.Error("pop from empty queue should fail")
	}

	if New[int](0).Cap() != 1024 {
		t.Error("expected default capacity for zero")
	}
}

func TestQueue_PushPop(t *testing.T) {
	q := New[int](5)

	for i := 0; i < 5; i++ {
		if !q.Push(i) {
			t.Errorf("push %d should succeed", i)
		}
	}

	// Push to full queue fails without blocking and keeps queued items
	done := make(chan bool)
	go func() { done <- q.Push(999) }()
	select {
	case ok := <-done:
		if ok {
			t.Error("push to full queue should fail")
		}
	case <-time.After(time.Second):
		t.Fatal("push to full queue blocked")
	}

	if q.Len() != 5 {
		t.Errorf("expected len=5, got %d", q.Len())
	}

	// FIFO order
	for i := 0; i < 5; i++ {
		v, ok := q.TryPop()
		if !ok {
			t.Fatalf("pop %d should succeed", i)
		}
		if v != i {
			t.Errorf("expected value=%d, got %d", i, v)
		}
	}

	st := q.Stats()
	if st.PushCount != 5 || st.PopCount != 5 || st.DropCount != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestQueue_Wraparound(t *testing.T) {
	q := New[int](3)

	for round := 0; round < 10; round++ {
		q.Push(round * 2)
		q.Push(round*2 + 1)
		a, _ := q.TryPop()
		b, _ := q.TryPop()
		if a != round*2 || b != round*2+1 {
			t.Fatalf("round %d: expected %d,%d got %d,%d", round, round*2, round*2+1, a, b)
		}
	}
}

func TestQueue_PopN(t *testing.T) {
	q := New[string](4)
	q.Push("a")
	q.Push("b")
	q.Push("c")

	got := q.PopN(2)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("expected [a b], got %v", got)
	}
	got = q.PopN(10)
	if len(got) != 1 || got[0] != "c" {
		t.Errorf("expected [c], got %v", got)
	}
	if q.PopN(1) != nil {
		t.Error("expected nil from empty queue")
	}
}

func TestQueue_UsageRatio(t *testing.T) {
	q := New[int](4)
	q.Push(1)
	if q.UsageRatio() != 0.25 {
		t.Errorf("expected 0.25, got %f", q.UsageRatio())
	}
}

func TestQueue_Concurrent(t *testing.T) {
	q := New[int](100000)
	const producers = 8
	const perProducer = 1000

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(p*perProducer + i)
			}
		}(p)
	}

	// consume concurrently, checking per-producer order
	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}
	received := 0
	deadline := time.Now().Add(5 * time.Second)
	for received < producers*perProducer && time.Now().Before(deadline) {
		v, ok := q.TryPop()
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		p, i := v/perProducer, v%perProducer
		if i <= last[p] {
			t.Fatalf("producer %d: %d after %d", p, i, last[p])
		}
		last[p] = i
		received++
	}
	wg.Wait()

	if received != producers*perProducer {
		t.Errorf("expected %d items, got %d", producers*perProducer, received)
	}
}
