package run

import (
	"sync"
	"testing"
	"time"
)

func TestFIFOOrder(t *testing.T) {
	q := newFIFO[int]()
	for i := 1; i <= 5; i++ {
		q.push(i)
	}
	if q.len() != 5 {
		t.Fatalf("len = %d", q.len())
	}
	for i := 1; i <= 5; i++ {
		v, ok := q.popWait(time.Second)
		if !ok || v != i {
			t.Fatalf("pop %d = (%d, %v)", i, v, ok)
		}
	}
}

func TestFIFOPopWaitTimeout(t *testing.T) {
	q := newFIFO[int]()
	start := time.Now()
	_, ok := q.popWait(50 * time.Millisecond)
	if ok {
		t.Fatal("empty queue should time out")
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("returned too early: %v", elapsed)
	}
}

func TestFIFOPopWaitWakesOnPush(t *testing.T) {
	q := newFIFO[string]()
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.push("hello")
	}()
	v, ok := q.popWait(2 * time.Second)
	if !ok || v != "hello" {
		t.Fatalf("popWait = (%q, %v)", v, ok)
	}
}

func TestFIFODrain(t *testing.T) {
	q := newFIFO[int]()
	q.push(1)
	q.push(2)
	q.push(3)
	if n := q.drain(); n != 3 {
		t.Fatalf("drain = %d", n)
	}
	if q.len() != 0 {
		t.Fatalf("len after drain = %d", q.len())
	}
	if n := q.drain(); n != 0 {
		t.Fatalf("second drain = %d", n)
	}
}

// A single push signal must eventually serve every parked consumer.
func TestFIFOManyConsumers(t *testing.T) {
	q := newFIFO[int]()
	const n = 8

	var wg sync.WaitGroup
	got := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if v, ok := q.popWait(5 * time.Second); ok {
				got <- v
			}
		}()
	}

	for i := 0; i < n; i++ {
		q.push(i)
	}
	wg.Wait()
	close(got)

	seen := map[int]bool{}
	for v := range got {
		seen[v] = true
	}
	if len(seen) != n {
		t.Fatalf("consumers received %d distinct items, want %d", len(seen), n)
	}
}
