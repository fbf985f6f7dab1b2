// Package sched serializes all inference onto a single engine lane through a
// priority micro-batching scheduler.
//
// Sessions submit work items tagged final (priority 0) or partial
// (priority 1). A single aggregator goroutine pulls items off a bounded
// priority queue, collects same-priority items within a short aggregation
// window, and runs the batch through the engine. A higher-priority arrival
// during assembly preempts the batch being formed: the collected items go
// back on the queue and assembly restarts around the preempting item. Once a
// batch reaches the engine it runs to completion.
package sched

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/whisperwire/internal/engine"
	"github.com/MrWong99/whisperwire/internal/observe"
)

// Work priorities. Lower values win.
const (
	PriorityFinal   = 0
	PriorityPartial = 1
)

var (
	// ErrQueueFull is returned by Submit when the queue is at capacity.
	// Adapters translate it to a wire-level "busy" signal.
	ErrQueueFull = errors.New("sched: queue full")

	// ErrStopped is returned on items that were still queued when the
	// scheduler shut down. A batch under assembly at shutdown is still run.
	ErrStopped = errors.New("sched: scheduler stopped")
)

// Result is the successful outcome of one work item.
type Result struct {
	Text              string
	InferenceDuration time.Duration
	QueueWait         time.Duration
}

type outcome struct {
	res Result
	err error
}

// Future is a single-shot handle to a work item's outcome. It is completed
// exactly once by the aggregator; abandoning a Future (not awaiting it) is
// legal and never blocks the scheduler.
type Future struct {
	done chan outcome

	mu     sync.Mutex
	ready  bool
	cached outcome
}

func newFuture() *Future {
	return &Future{done: make(chan outcome, 1)}
}

// complete resolves the future. The aggregator is the single writer and
// calls it exactly once per item.
func (f *Future) complete(o outcome) {
	f.done <- o
}

// Await blocks until the item completes or ctx is done.
func (f *Future) Await(ctx context.Context) (Result, error) {
	f.mu.Lock()
	if f.ready {
		defer f.mu.Unlock()
		return f.cached.res, f.cached.err
	}
	f.mu.Unlock()

	select {
	case o := <-f.done:
		f.mu.Lock()
		f.ready, f.cached = true, o
		f.mu.Unlock()
		return o.res, o.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Peek reports the outcome without blocking. The bool result is false while
// the item is still pending.
func (f *Future) Peek() (Result, error, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready {
		select {
		case o := <-f.done:
			f.ready, f.cached = true, o
		default:
			return Result{}, nil, false
		}
	}
	return f.cached.res, f.cached.err, true
}

// item is one queued inference request.
type item struct {
	priority   int
	seq        uint64
	enqueued   time.Time // monotonic, ordering + queue-wait measurement
	waveform   []float32
	sampleRate int
	fut        *Future
}

// Config holds scheduler tuning knobs.
type Config struct {
	// MaxBatch caps the number of items per engine call. Minimum 1.
	MaxBatch int

	// Window is the aggregation window after the anchor item is dequeued.
	// Zero is legal and yields single-item batches.
	Window time.Duration

	// QueueMaxFactor scales queue capacity: cap = QueueMaxFactor * MaxBatch.
	// Minimum 1.
	QueueMaxFactor int

	// Metrics, when non-nil, records batch and queue telemetry.
	Metrics *observe.Metrics
}

// Scheduler owns the queue and the aggregator goroutine. Construct with New,
// then Start; Stop tears the aggregator down and fails leftover items with
// ErrStopped.
type Scheduler struct {
	eng      engine.Engine
	q        *queue
	window   time.Duration
	maxBatch int
	met      *observe.Metrics

	seq atomic.Uint64

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	finished  chan struct{}
}

// New creates a stopped scheduler around eng.
func New(eng engine.Engine, cfg Config) *Scheduler {
	if cfg.MaxBatch < 1 {
		cfg.MaxBatch = 1
	}
	if cfg.QueueMaxFactor < 1 {
		cfg.QueueMaxFactor = 1
	}
	if cfg.Window < 0 {
		cfg.Window = 0
	}
	return &Scheduler{
		eng:      eng,
		q:        newQueue(cfg.QueueMaxFactor * cfg.MaxBatch),
		window:   cfg.Window,
		maxBatch: cfg.MaxBatch,
		met:      cfg.Metrics,
		finished: make(chan struct{}),
	}
}

// Start launches the aggregator goroutine. Safe to call once.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		go s.aggregate(ctx)
	})
}

// Stop shuts the aggregator down. A batch already handed to the engine runs
// to completion; queued items fail with ErrStopped. Stop returns when the
// aggregator has exited or ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
	if s.cancel == nil {
		return nil // never started
	}
	select {
	case <-s.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit enqueues one waveform for inference. It never blocks: at capacity
// it fails immediately with ErrQueueFull.
func (s *Scheduler) Submit(waveform []float32, sampleRate, priority int) (*Future, error) {
	it := &item{
		priority:   priority,
		seq:        s.seq.Add(1),
		enqueued:   time.Now(),
		waveform:   waveform,
		sampleRate: sampleRate,
		fut:        newFuture(),
	}
	if err := s.q.push(it); err != nil {
		if s.met != nil {
			s.met.RecordQueueRejection(context.Background())
		}
		return nil, err
	}
	if s.met != nil {
		s.met.QueueDepth.Add(context.Background(), 1)
	}
	return it.fut, nil
}

// QueueLen returns the current number of queued items.
func (s *Scheduler) QueueLen() int { return s.q.len() }

// QueueCap returns the queue capacity.
func (s *Scheduler) QueueCap() int { return s.q.max }

// aggregate is the scheduler's single consumer loop.
func (s *Scheduler) aggregate(ctx context.Context) {
	defer close(s.finished)
	defer s.failLeftovers()

	for {
		first, err := s.q.pop(ctx)
		if err != nil {
			return
		}

		batch, stopped := s.assemble(ctx, first)
		s.runBatch(ctx, batch)
		if stopped {
			return
		}
	}
}

// assemble collects a batch anchored on first. It returns the batch and
// whether shutdown interrupted assembly (the batch is still run so its items
// resolve normally).
func (s *Scheduler) assemble(ctx context.Context, first *item) (batch []*item, stopped bool) {
	batch = append(batch, first)
	if s.window <= 0 {
		return batch, false // zero window: single-item batches
	}
	prio := first.priority
	deadline := time.Now().Add(s.window)

	// Items of a lower class seen while collecting; returned to the queue
	// after assembly so they are not re-dequeued within this window.
	var deferred []*item

	for len(batch) < s.maxBatch {
		it, ok, err := s.q.popBefore(ctx, deadline)
		if err != nil {
			stopped = true
			break
		}
		if !ok {
			break // window expired
		}

		switch {
		case it.priority == prio:
			batch = append(batch, it)

		case it.priority < prio:
			// Preempt: the batch being formed yields to the higher class.
			// One-shot by construction — priority 0 cannot itself be
			// preempted.
			for _, b := range batch {
				s.q.requeue(b)
			}
			if s.met != nil {
				s.met.RecordPreemption(ctx)
			}
			batch = batch[:0]
			batch = append(batch, it)
			prio = it.priority
			deadline = time.Now().Add(s.window)

		default:
			deferred = append(deferred, it)
		}
	}

	for _, it := range deferred {
		s.q.requeue(it)
	}
	return batch, stopped
}

// runBatch executes one engine call and resolves every item's future.
func (s *Scheduler) runBatch(ctx context.Context, batch []*item) {
	if len(batch) == 0 {
		return
	}

	waveforms := make([][]float32, len(batch))
	rates := make([]int, len(batch))
	for i, it := range batch {
		waveforms[i] = it.waveform
		rates[i] = it.sampleRate
	}

	started := time.Now()
	texts, err := s.eng.RunBatch(waveforms, rates)
	inferDur := time.Since(started)

	if s.met != nil {
		s.met.QueueDepth.Add(ctx, -int64(len(batch)))
		s.met.RecordBatch(ctx, len(batch), batch[0].priority, inferDur, err == nil)
		for _, it := range batch {
			s.met.QueueWait.Record(ctx, started.Sub(it.enqueued).Seconds())
		}
	}

	if err != nil {
		slog.Warn("batch inference failed", "batch", len(batch), "priority", batch[0].priority, "err", err)
		for _, it := range batch {
			it.fut.complete(outcome{err: err})
		}
		return
	}
	if len(texts) != len(batch) {
		err := &engine.InferenceError{Err: errors.New("engine returned wrong result count")}
		for _, it := range batch {
			it.fut.complete(outcome{err: err})
		}
		return
	}

	for i, it := range batch {
		it.fut.complete(outcome{res: Result{
			Text:              texts[i],
			InferenceDuration: inferDur,
			QueueWait:         started.Sub(it.enqueued),
		}})
	}
}

// failLeftovers resolves everything still queued at shutdown.
func (s *Scheduler) failLeftovers() {
	for _, it := range s.q.drain() {
		it.fut.complete(outcome{err: ErrStopped})
	}
}
