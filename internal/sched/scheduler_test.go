package sched_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	enginemock "github.com/MrWong99/whisperwire/internal/engine/mock"
	"github.com/MrWong99/whisperwire/internal/sched"
)

func newScheduler(t *testing.T, eng *enginemock.Engine, cfg sched.Config) *sched.Scheduler {
	t.Helper()
	s := sched.New(eng, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Stop(ctx); err != nil {
			t.Errorf("Stop() error: %v", err)
		}
	})
	return s
}

func waveOf(n int) []float32 { return make([]float32, n) }

func TestSubmitAndAwait(t *testing.T) {
	t.Parallel()

	eng := &enginemock.Engine{}
	s := newScheduler(t, eng, sched.Config{MaxBatch: 4, Window: 5 * time.Millisecond, QueueMaxFactor: 8})
	s.Start()

	fut, err := s.Submit(waveOf(100), 16000, sched.PriorityPartial)
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := fut.Await(ctx)
	if err != nil {
		t.Fatalf("Await() error: %v", err)
	}
	if res.Text != "transcript-100" {
		t.Errorf("Text = %q, want %q", res.Text, "transcript-100")
	}
	if res.QueueWait < 0 {
		t.Errorf("QueueWait = %v, want >= 0", res.QueueWait)
	}
}

func TestAggregatesSamePriorityWithinWindow(t *testing.T) {
	t.Parallel()

	eng := &enginemock.Engine{}
	s := newScheduler(t, eng, sched.Config{MaxBatch: 8, Window: 100 * time.Millisecond, QueueMaxFactor: 8})

	// Enqueue before Start so the aggregator sees all three in one window.
	var futs []*sched.Future
	for i := range 3 {
		fut, err := s.Submit(waveOf(10+i), 16000, sched.PriorityPartial)
		if err != nil {
			t.Fatalf("Submit(%d) error: %v", i, err)
		}
		futs = append(futs, fut)
	}
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i, fut := range futs {
		if _, err := fut.Await(ctx); err != nil {
			t.Fatalf("Await(%d) error: %v", i, err)
		}
	}

	calls := eng.Calls()
	if len(calls) != 1 {
		t.Fatalf("engine calls = %d, want 1 batched call", len(calls))
	}
	if len(calls[0].Sizes) != 3 {
		t.Errorf("batch size = %d, want 3", len(calls[0].Sizes))
	}
}

func TestZeroWindowYieldsSingleItemBatches(t *testing.T) {
	t.Parallel()

	eng := &enginemock.Engine{}
	s := newScheduler(t, eng, sched.Config{MaxBatch: 8, Window: 0, QueueMaxFactor: 8})

	var futs []*sched.Future
	for i := range 3 {
		fut, err := s.Submit(waveOf(10+i), 16000, sched.PriorityPartial)
		if err != nil {
			t.Fatalf("Submit(%d) error: %v", i, err)
		}
		futs = append(futs, fut)
	}
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, fut := range futs {
		if _, err := fut.Await(ctx); err != nil {
			t.Fatalf("Await() error: %v", err)
		}
	}

	calls := eng.Calls()
	if len(calls) != 3 {
		t.Fatalf("engine calls = %d, want 3 single-item batches", len(calls))
	}
	for i, c := range calls {
		if len(c.Sizes) != 1 {
			t.Errorf("call %d batch size = %d, want 1", i, len(c.Sizes))
		}
	}
}

func TestQueueFull(t *testing.T) {
	t.Parallel()

	eng := &enginemock.Engine{}
	// Capacity = MaxBatch * QueueMaxFactor = 2. Not started, so nothing drains.
	s := sched.New(eng, sched.Config{MaxBatch: 1, Window: 0, QueueMaxFactor: 2})

	for i := range 2 {
		if _, err := s.Submit(waveOf(1), 16000, sched.PriorityPartial); err != nil {
			t.Fatalf("Submit(%d) error: %v", i, err)
		}
	}
	if _, err := s.Submit(waveOf(1), 16000, sched.PriorityPartial); !errors.Is(err, sched.ErrQueueFull) {
		t.Fatalf("Submit() error = %v, want ErrQueueFull", err)
	}
	if got, want := s.QueueLen(), 2; got != want {
		t.Errorf("QueueLen() = %d, want %d", got, want)
	}
	if got, want := s.QueueCap(), 2; got != want {
		t.Errorf("QueueCap() = %d, want %d", got, want)
	}
}

func TestFinalsRunBeforeQueuedPartials(t *testing.T) {
	t.Parallel()

	eng := &enginemock.Engine{}
	s := newScheduler(t, eng, sched.Config{MaxBatch: 1, Window: 0, QueueMaxFactor: 8})

	// Partial enqueued first, final second. The heap must still hand the
	// final to the aggregator first.
	pf, err := s.Submit(waveOf(111), 16000, sched.PriorityPartial)
	if err != nil {
		t.Fatalf("Submit(partial) error: %v", err)
	}
	ff, err := s.Submit(waveOf(222), 16000, sched.PriorityFinal)
	if err != nil {
		t.Fatalf("Submit(final) error: %v", err)
	}
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := ff.Await(ctx); err != nil {
		t.Fatalf("Await(final) error: %v", err)
	}
	if _, err := pf.Await(ctx); err != nil {
		t.Fatalf("Await(partial) error: %v", err)
	}

	calls := eng.Calls()
	if len(calls) != 2 {
		t.Fatalf("engine calls = %d, want 2", len(calls))
	}
	if calls[0].Sizes[0] != 222 {
		t.Errorf("first batch waveform size = %d, want the final (222)", calls[0].Sizes[0])
	}
}

func TestFinalPreemptsBatchUnderAssembly(t *testing.T) {
	t.Parallel()

	eng := &enginemock.Engine{}
	// Long window, batch of 2: the anchor partial waits in assembly long
	// enough for the final to arrive and preempt.
	s := newScheduler(t, eng, sched.Config{MaxBatch: 2, Window: 500 * time.Millisecond, QueueMaxFactor: 8})
	s.Start()

	pf, err := s.Submit(waveOf(111), 16000, sched.PriorityPartial)
	if err != nil {
		t.Fatalf("Submit(partial) error: %v", err)
	}
	time.Sleep(50 * time.Millisecond) // let the aggregator anchor the partial
	ff, err := s.Submit(waveOf(222), 16000, sched.PriorityFinal)
	if err != nil {
		t.Fatalf("Submit(final) error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := ff.Await(ctx); err != nil {
		t.Fatalf("Await(final) error: %v", err)
	}
	if _, err := pf.Await(ctx); err != nil {
		t.Fatalf("Await(partial) error: %v", err)
	}

	calls := eng.Calls()
	if len(calls) < 1 {
		t.Fatal("no engine calls recorded")
	}
	if calls[0].Sizes[0] != 222 {
		t.Errorf("first computed waveform size = %d, want the preempting final (222)", calls[0].Sizes[0])
	}
}

func TestInferenceErrorFailsWholeBatchAndRecovers(t *testing.T) {
	t.Parallel()

	eng := &enginemock.Engine{FailOnce: errors.New("cuda out of memory")}
	s := newScheduler(t, eng, sched.Config{MaxBatch: 4, Window: 100 * time.Millisecond, QueueMaxFactor: 8})

	f1, _ := s.Submit(waveOf(1), 16000, sched.PriorityPartial)
	f2, _ := s.Submit(waveOf(2), 16000, sched.PriorityPartial)
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i, fut := range []*sched.Future{f1, f2} {
		if _, err := fut.Await(ctx); err == nil {
			t.Fatalf("future %d resolved without error, want batch failure", i)
		}
	}

	// The scheduler must survive the failed batch.
	f3, err := s.Submit(waveOf(3), 16000, sched.PriorityPartial)
	if err != nil {
		t.Fatalf("Submit() after failure: %v", err)
	}
	res, err := f3.Await(ctx)
	if err != nil {
		t.Fatalf("Await() after failure: %v", err)
	}
	if res.Text == "" {
		t.Error("empty transcript after recovery")
	}
}

func TestStopFailsQueuedItems(t *testing.T) {
	t.Parallel()

	eng := &enginemock.Engine{Delay: 200 * time.Millisecond}
	s := sched.New(eng, sched.Config{MaxBatch: 1, Window: 0, QueueMaxFactor: 8})
	s.Start()

	// First item occupies the engine; the second sits in the queue.
	f1, _ := s.Submit(waveOf(1), 16000, sched.PriorityPartial)
	time.Sleep(50 * time.Millisecond)
	f2, _ := s.Submit(waveOf(2), 16000, sched.PriorityPartial)

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	ctx, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()

	// The in-flight batch ran to completion.
	if _, err := f1.Await(ctx); err != nil {
		t.Errorf("in-flight future error = %v, want success", err)
	}
	if _, err := f2.Await(ctx); !errors.Is(err, sched.ErrStopped) {
		t.Errorf("queued future error = %v, want ErrStopped", err)
	}
}

func TestPeek(t *testing.T) {
	t.Parallel()

	eng := &enginemock.Engine{}
	s := sched.New(eng, sched.Config{MaxBatch: 1, Window: 0, QueueMaxFactor: 4})

	fut, err := s.Submit(waveOf(5), 16000, sched.PriorityPartial)
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if _, _, ready := fut.Peek(); ready {
		t.Fatal("Peek() ready before Start")
	}

	s.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if res, perr, ready := fut.Peek(); ready {
			if perr != nil {
				t.Fatalf("Peek() error: %v", perr)
			}
			if res.Text != "transcript-5" {
				t.Errorf("Text = %q, want %q", res.Text, "transcript-5")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("future never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAbandonedFuturesDoNotBlockTheAggregator(t *testing.T) {
	t.Parallel()

	eng := &enginemock.Engine{}
	s := newScheduler(t, eng, sched.Config{MaxBatch: 2, Window: time.Millisecond, QueueMaxFactor: 16})
	s.Start()

	// Nobody awaits any of these.
	for i := range 10 {
		if _, err := s.Submit(waveOf(i+1), 16000, sched.PriorityPartial); err != nil {
			t.Fatalf("Submit(%d) error: %v", i, err)
		}
	}

	// A freshly submitted, awaited item must still complete promptly.
	fut, err := s.Submit(waveOf(999), 16000, sched.PriorityFinal)
	if err != nil {
		t.Fatalf("Submit(final) error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := fut.Await(ctx); err != nil {
		t.Fatalf("Await() error: %v", err)
	}
}

func TestFIFOWithinPriorityClass(t *testing.T) {
	t.Parallel()

	eng := &enginemock.Engine{}
	s := newScheduler(t, eng, sched.Config{MaxBatch: 1, Window: 0, QueueMaxFactor: 16})

	var futs []*sched.Future
	for i := range 5 {
		fut, err := s.Submit(waveOf(100+i), 16000, sched.PriorityPartial)
		if err != nil {
			t.Fatalf("Submit(%d) error: %v", i, err)
		}
		futs = append(futs, fut)
	}
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i, fut := range futs {
		res, err := fut.Await(ctx)
		if err != nil {
			t.Fatalf("Await(%d) error: %v", i, err)
		}
		want := fmt.Sprintf("transcript-%d", 100+i)
		if res.Text != want {
			t.Errorf("future %d text = %q, want %q", i, res.Text, want)
		}
	}

	calls := eng.Calls()
	for i, c := range calls {
		if c.Sizes[0] != 100+i {
			t.Errorf("call %d computed size %d, want %d (FIFO order)", i, c.Sizes[0], 100+i)
		}
	}
}
