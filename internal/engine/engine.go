// Package engine defines the acoustic inference contract the scheduler
// drives. Exactly one batched call may be active at a time; the scheduler's
// aggregator goroutine is the single owner and serializes all calls.
package engine

import (
	"errors"
	"fmt"
)

// Engine transcribes batches of audio. Implementations are not required to
// be safe for concurrent RunBatch calls — callers must serialize.
type Engine interface {
	// RunBatch transcribes the given waveforms and returns one transcript per
	// input, in input order. Waveforms are float32 samples in [-1, 1];
	// sampleRates carries the rate of each waveform. A returned error applies
	// to the whole batch.
	RunBatch(waveforms [][]float32, sampleRates []int) ([]string, error)

	// Close releases model resources. RunBatch must not be called afterwards.
	Close() error
}

// InferenceError wraps a fault inside the acoustic model. The scheduler
// surfaces it on every item of the failed batch; it never terminates the
// aggregator.
type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("engine: inference failed: %v", e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// IsInferenceError reports whether err is (or wraps) an InferenceError.
func IsInferenceError(err error) bool {
	var ie *InferenceError
	return errors.As(err, &ie)
}
