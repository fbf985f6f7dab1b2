package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/whisperwire/internal/observe"
	"github.com/MrWong99/whisperwire/internal/sched"
	"github.com/MrWong99/whisperwire/pkg/audio"
)

// pcmContentTypes are the accepted Content-Type values for raw PCM uploads.
var pcmContentTypes = map[string]bool{
	"audio/pcm": true,
	"audio/l16": true,
}

// TranscribeConfig tunes the one-shot HTTP endpoint.
type TranscribeConfig struct {
	// MaxUploadMB caps the request body. Default 64.
	MaxUploadMB int

	// MaxAudio caps the audio duration per request. Default 10 minutes.
	MaxAudio time.Duration

	// MaxQueueWait bounds time spent queued + in the engine before a 503.
	// Also advertised in the Retry-After header on 429. Default 30 s.
	MaxQueueWait time.Duration
}

func (c TranscribeConfig) withDefaults() TranscribeConfig {
	if c.MaxUploadMB <= 0 {
		c.MaxUploadMB = 64
	}
	if c.MaxAudio <= 0 {
		c.MaxAudio = 10 * time.Minute
	}
	if c.MaxQueueWait <= 0 {
		c.MaxQueueWait = 30 * time.Second
	}
	return c
}

// TranscribeHandler returns the POST /v1/transcribe handler: a raw PCM16
// body (audio/pcm or audio/l16, 16 kHz mono) transcribed at final priority.
// Queue-full maps to 429 with Retry-After; queue-wait timeout to 503.
func (g *Gateway) TranscribeHandler(cfg TranscribeConfig) http.Handler {
	cfg = cfg.withDefaults()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.serveTranscribe(w, r, cfg)
	})
}

// transcribeResponse is the success body of /v1/transcribe.
type transcribeResponse struct {
	Text       string  `json:"text"`
	Duration   float64 `json:"duration"`
	SampleRate int     `json:"sample_rate"`
}

type httpError struct {
	Error string `json:"error"`
}

func (g *Gateway) serveTranscribe(w http.ResponseWriter, r *http.Request, cfg TranscribeConfig) {
	ct, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !pcmContentTypes[ct] {
		writeHTTPJSON(w, http.StatusUnsupportedMediaType, httpError{Error: "content type must be audio/pcm or audio/l16"})
		return
	}

	maxBytes := int64(cfg.MaxUploadMB) << 20
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeHTTPJSON(w, http.StatusRequestEntityTooLarge, httpError{Error: "upload too large"})
			return
		}
		writeHTTPJSON(w, http.StatusBadRequest, httpError{Error: "read body: " + err.Error()})
		return
	}
	if len(body) == 0 || len(body)%audio.BytesPerSample != 0 {
		writeHTTPJSON(w, http.StatusBadRequest, httpError{Error: "body must be non-empty pcm16"})
		return
	}

	dur := audio.Duration(len(body), wireRatePrimary)
	if dur > cfg.MaxAudio {
		writeHTTPJSON(w, http.StatusRequestEntityTooLarge, httpError{Error: "audio too long"})
		return
	}

	waveform := audio.PCM16ToFloat32(body)
	fut, err := g.Sched.Submit(waveform, wireRatePrimary, sched.PriorityFinal)
	if err != nil {
		w.Header().Set("Retry-After", strconv.Itoa(int(cfg.MaxQueueWait.Seconds())))
		writeHTTPJSON(w, http.StatusTooManyRequests, httpError{Error: "busy, try again later"})
		return
	}

	waitCtx, cancel := context.WithTimeout(r.Context(), cfg.MaxQueueWait)
	defer cancel()
	res, err := fut.Await(waitCtx)
	if err != nil {
		g.logHTTP(dur, sched.Result{}, err)
		if errors.Is(err, context.DeadlineExceeded) {
			writeHTTPJSON(w, http.StatusServiceUnavailable, httpError{Error: "queue wait timeout"})
			return
		}
		writeHTTPJSON(w, http.StatusInternalServerError, httpError{Error: "inference failed"})
		return
	}
	g.logHTTP(dur, res, nil)

	writeHTTPJSON(w, http.StatusOK, transcribeResponse{
		Text:       res.Text,
		Duration:   dur.Seconds(),
		SampleRate: wireRatePrimary,
	})
}

func (g *Gateway) logHTTP(dur time.Duration, res sched.Result, err error) {
	if g.RequestLog == nil {
		return
	}
	rec := observe.RequestRecord{
		Wire:       "http",
		Kind:       "oneshot",
		SampleRate: wireRatePrimary,
		AudioSec:   dur.Seconds(),
		InferSec:   res.InferenceDuration.Seconds(),
		QueueSec:   res.QueueWait.Seconds(),
		Status:     "ok",
	}
	if err != nil {
		rec.Status = "error"
		rec.Error = err.Error()
	}
	g.RequestLog.Log(rec)
}

func writeHTTPJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "err", err)
	}
}
