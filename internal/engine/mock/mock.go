// Package mock provides a scripted engine.Engine for tests.
package mock

import (
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/whisperwire/internal/engine"
)

// Compile-time assertion that Engine satisfies engine.Engine.
var _ engine.Engine = (*Engine)(nil)

// Call records one RunBatch invocation.
type Call struct {
	Sizes []int // sample count of each waveform in the batch
	Rates []int
}

// Engine is a configurable fake. The zero value transcribes every waveform
// to a deterministic string derived from its sample count.
type Engine struct {
	// TranscribeFn, when set, produces the transcript for a single waveform.
	TranscribeFn func(waveform []float32, sampleRate int) string

	// Delay is slept once per RunBatch call before producing results,
	// simulating inference time (or a stall).
	Delay time.Duration

	// Err, when non-nil, fails every RunBatch with an InferenceError.
	Err error

	// FailOnce, when set, fails only the next RunBatch call.
	FailOnce error

	mu     sync.Mutex
	calls  []Call
	closed bool
}

// RunBatch implements engine.Engine.
func (e *Engine) RunBatch(waveforms [][]float32, sampleRates []int) ([]string, error) {
	e.mu.Lock()
	call := Call{Sizes: make([]int, len(waveforms)), Rates: append([]int(nil), sampleRates...)}
	for i, wf := range waveforms {
		call.Sizes[i] = len(wf)
	}
	e.calls = append(e.calls, call)
	failOnce := e.FailOnce
	e.FailOnce = nil
	delay := e.Delay
	err := e.Err
	fn := e.TranscribeFn
	e.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, &engine.InferenceError{Err: err}
	}
	if failOnce != nil {
		return nil, &engine.InferenceError{Err: failOnce}
	}

	texts := make([]string, len(waveforms))
	for i, wf := range waveforms {
		if fn != nil {
			texts[i] = fn(wf, sampleRates[i])
		} else {
			texts[i] = fmt.Sprintf("transcript-%d", len(wf))
		}
	}
	return texts, nil
}

// Close implements engine.Engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// SetDelay changes the per-call delay; safe while the engine is in use.
func (e *Engine) SetDelay(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Delay = d
}

// SetErr changes the persistent failure; safe while the engine is in use.
func (e *Engine) SetErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Err = err
}

// Calls returns a copy of all recorded RunBatch invocations.
func (e *Engine) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

// Closed reports whether Close was called.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
