// Package whisper implements engine.Engine on top of the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
//
// The model is loaded once at startup and owned by this engine; each batch
// item runs through a fresh whisper context because contexts are not
// reusable across inferences. Batch items are processed sequentially on the
// caller's goroutine — whisper.cpp saturates the device with a single
// inference, so intra-batch parallelism buys nothing.
package whisper

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/whisperwire/internal/engine"
	"github.com/MrWong99/whisperwire/pkg/audio"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// Compile-time assertion that Engine satisfies engine.Engine.
var _ engine.Engine = (*Engine)(nil)

const (
	defaultLanguage = "en"

	// modelSampleRate is the only rate whisper.cpp accepts. Adapters are
	// responsible for delivering 16 kHz audio.
	modelSampleRate = 16000
)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithLanguage sets the BCP-47 language code for transcription (e.g. "en",
// "de"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(e *Engine) { e.language = lang }
}

// Engine is a whisper.cpp-backed acoustic engine.
type Engine struct {
	model    whisperlib.Model
	language string
}

// New loads the whisper.cpp model from the given file path. The caller must
// call Close when the engine is no longer needed.
func New(modelPath string, opts ...Option) (*Engine, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	e := &Engine{
		model:    model,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Warmup runs the given duration of silence through the model so the first
// real request does not pay graph-compilation and cache-population costs.
func (e *Engine) Warmup(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	samples := make([]float32, int(d.Seconds()*float64(modelSampleRate)))
	start := time.Now()
	if _, err := e.RunBatch([][]float32{samples}, []int{modelSampleRate}); err != nil {
		return fmt.Errorf("whisper: warmup: %w", err)
	}
	slog.Info("model warmed up", "audio", d, "took", time.Since(start))
	return nil
}

// RunBatch transcribes each waveform through its own whisper context and
// returns the transcripts in input order. Any context or decode failure
// aborts the whole batch with an engine.InferenceError.
func (e *Engine) RunBatch(waveforms [][]float32, sampleRates []int) ([]string, error) {
	if len(waveforms) != len(sampleRates) {
		return nil, &engine.InferenceError{Err: fmt.Errorf("waveforms/sampleRates length mismatch: %d != %d", len(waveforms), len(sampleRates))}
	}

	texts := make([]string, len(waveforms))
	for i, wf := range waveforms {
		if sampleRates[i] != modelSampleRate {
			wf = resampleF32(wf, sampleRates[i])
		}
		text, err := e.transcribe(wf)
		if err != nil {
			return nil, &engine.InferenceError{Err: err}
		}
		texts[i] = text
	}
	return texts, nil
}

// transcribe runs one waveform through a fresh whisper context.
func (e *Engine) transcribe(samples []float32) (string, error) {
	wctx, err := e.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("create context: %w", err)
	}

	if err := wctx.SetLanguage(e.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", e.language, "error", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

// Close releases the whisper model.
func (e *Engine) Close() error {
	if e.model != nil {
		return e.model.Close()
	}
	return nil
}

// resampleF32 converts a waveform at an arbitrary rate to the model rate by
// round-tripping through the PCM16 resampler. Adapters normally deliver
// 16 kHz already; this is a safety net for the unary gRPC path.
func resampleF32(samples []float32, srcRate int) []float32 {
	pcm := audio.Float32ToPCM16(samples)
	return audio.PCM16ToFloat32(audio.ResampleMono16(pcm, srcRate, modelSampleRate))
}
