package stt

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeEngine struct {
	delay    time.Duration
	gate     chan struct{}
	failSeq  map[int]bool
	calls    atomic.Int32
	inflight atomic.Int32
	maxSeen  atomic.Int32
}

func (f *fakeEngine) Transcribe(ctx context.Context, samples []float32, _ Params) (Result, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		prev := f.maxSeen.Load()
		if n <= prev || f.maxSeen.CompareAndSwap(prev, n) {
			break
		}
	}
	call := int(f.calls.Add(1))
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.failSeq[call] {
		return Result{}, &EngineError{Kind: KindOutOfMemory, Err: errors.New("boom")}
	}
	return Result{Text: "ok"}, nil
}

func (f *fakeEngine) SystemInfo() string { return "fake" }

type collector struct {
	mu    sync.Mutex
	done  []Completion
	drops []uint64
	ch    chan struct{}
}

func newCollector() *collector {
	return &collector{ch: make(chan struct{}, 64)}
}

func (c *collector) complete(comp Completion) {
	c.mu.Lock()
	c.done = append(c.done, comp)
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func (c *collector) drop(seq uint64, _ string, _ string) {
	c.mu.Lock()
	c.drops = append(c.drops, seq)
	c.mu.Unlock()
}

func (c *collector) wait(t *testing.T, n int) []Completion {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.ch:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for completion %d of %d", i+1, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Completion(nil), c.done...)
}

func (c *collector) dropped() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.drops...)
}

func newTestQueue(t *testing.T, engine Engine, capacity int, c *collector) *Queue {
	t.Helper()
	q := NewQueue(context.Background(), engine, QueueOptions{
		Capacity:   capacity,
		OnComplete: c.complete,
		OnDrop:     c.drop,
		Logger:     newLogger(),
	})
	q.Start()
	t.Cleanup(q.Close)
	return q
}

func waitBusy(t *testing.T, q *Queue) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !q.Busy() {
		if time.Now().After(deadline) {
			t.Fatalf("worker never started")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestQueueDeliversInSequenceOrder(t *testing.T) {
	c := newCollector()
	q := newTestQueue(t, &fakeEngine{}, 16, c)

	seqs := make([]uint64, 5)
	for i := range seqs {
		seqs[i] = q.Reserve()
	}
	for _, i := range []int{2, 0, 4, 1, 3} {
		if err := q.Submit(Segment{Sequence: seqs[i], Samples: make([]float32, 160)}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	done := c.wait(t, 5)
	for i, comp := range done {
		if comp.Sequence != seqs[i] {
			t.Fatalf("completion %d: expected sequence %d, got %d", i, seqs[i], comp.Sequence)
		}
	}
}

func TestQueueNeverOverlapsInference(t *testing.T) {
	c := newCollector()
	engine := &fakeEngine{delay: 2 * time.Millisecond}
	q := newTestQueue(t, engine, 32, c)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if _, err := q.Enqueue("s", make([]float32, 16)); err != nil {
					t.Errorf("enqueue: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	done := c.wait(t, 20)
	if got := engine.maxSeen.Load(); got != 1 {
		t.Fatalf("expected at most one concurrent inference, saw %d", got)
	}
	for i := 1; i < len(done); i++ {
		if done[i].Sequence <= done[i-1].Sequence {
			t.Fatalf("completions out of order at %d: %d after %d", i, done[i].Sequence, done[i-1].Sequence)
		}
	}
}

func TestQueueDropsOldestWhenFull(t *testing.T) {
	c := newCollector()
	engine := &fakeEngine{gate: make(chan struct{})}
	q := newTestQueue(t, engine, 2, c)

	first, _ := q.Enqueue("s", nil)
	waitBusy(t, q)
	second, _ := q.Enqueue("s", nil)
	third, _ := q.Enqueue("s", nil)
	fourth, _ := q.Enqueue("s", nil)

	if q.Depth() != 2 {
		t.Fatalf("expected depth 2, got %d", q.Depth())
	}
	drops := c.dropped()
	if len(drops) != 1 || drops[0] != second {
		t.Fatalf("expected sequence %d dropped, got %v", second, drops)
	}

	close(engine.gate)
	done := c.wait(t, 3)
	want := []uint64{first, third, fourth}
	for i := range want {
		if done[i].Sequence != want[i] {
			t.Fatalf("completion %d: expected %d, got %d", i, want[i], done[i].Sequence)
		}
	}
}

func TestQueueContinuesAfterEngineError(t *testing.T) {
	c := newCollector()
	engine := &fakeEngine{failSeq: map[int]bool{2: true}}
	q := newTestQueue(t, engine, 8, c)
	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue("s", make([]float32, 16)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	done := c.wait(t, 3)
	if done[0].Err != nil || done[2].Err != nil {
		t.Fatalf("expected neighbours of the failure to succeed")
	}
	if !errors.Is(done[1].Err, ErrOutOfMemory) {
		t.Fatalf("expected out of memory error, got %v", done[1].Err)
	}
}

func TestQueueCloseFinishesInFlightAndDiscardsPending(t *testing.T) {
	c := newCollector()
	engine := &fakeEngine{gate: make(chan struct{})}
	q := NewQueue(context.Background(), engine, QueueOptions{
		Capacity:   8,
		OnComplete: c.complete,
		OnDrop:     c.drop,
		Logger:     newLogger(),
	})
	q.Start()

	first, _ := q.Enqueue("s", nil)
	waitBusy(t, q)
	_, _ = q.Enqueue("s", nil)
	_, _ = q.Enqueue("s", nil)

	closed := make(chan struct{})
	go func() {
		q.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatalf("close returned while inference was in flight")
	case <-time.After(20 * time.Millisecond):
	}
	close(engine.gate)
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatalf("close did not return")
	}

	done := c.wait(t, 1)
	if len(done) != 1 || done[0].Sequence != first || done[0].Err != nil {
		t.Fatalf("expected only the in-flight segment to complete, got %+v", done)
	}
	if drops := c.dropped(); len(drops) != 2 {
		t.Fatalf("expected two pending segments discarded, got %v", drops)
	}
	if _, err := q.Enqueue("s", nil); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}

func TestQueueAbandonedReservationDoesNotStall(t *testing.T) {
	c := newCollector()
	q := newTestQueue(t, &fakeEngine{}, 4, c)
	held := q.Reserve()
	next := q.Reserve()
	if err := q.Submit(Segment{Sequence: next}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	q.Abandon(held)
	done := c.wait(t, 1)
	if done[0].Sequence != next {
		t.Fatalf("expected sequence %d, got %d", next, done[0].Sequence)
	}
}
