package server_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	enginemock "github.com/MrWong99/whisperwire/internal/engine/mock"
	"github.com/MrWong99/whisperwire/internal/sched"
	"github.com/MrWong99/whisperwire/internal/server"
)

func postPCM(t *testing.T, h http.Handler, contentType string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/transcribe", bytes.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestTranscribeOK(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, &enginemock.Engine{}, 0)
	h := gw.TranscribeHandler(server.TranscribeConfig{})

	rec := postPCM(t, h, "audio/l16; rate=16000", speech(300*time.Millisecond))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body)
	}

	var resp struct {
		Text       string  `json:"text"`
		Duration   float64 `json:"duration"`
		SampleRate int     `json:"sample_rate"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Text == "" {
		t.Error("empty transcript")
	}
	if resp.SampleRate != 16000 {
		t.Errorf("sample_rate = %d, want 16000", resp.SampleRate)
	}
	if resp.Duration < 0.29 || resp.Duration > 0.31 {
		t.Errorf("duration = %v, want ~0.3", resp.Duration)
	}
}

func TestTranscribeRejectsWrongContentType(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, &enginemock.Engine{}, 0)
	h := gw.TranscribeHandler(server.TranscribeConfig{})

	rec := postPCM(t, h, "audio/wav", speech(100*time.Millisecond))
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415", rec.Code)
	}
}

func TestTranscribeRejectsMisalignedBody(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, &enginemock.Engine{}, 0)
	h := gw.TranscribeHandler(server.TranscribeConfig{})

	rec := postPCM(t, h, "audio/pcm", []byte{0x01, 0x02, 0x03})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestTranscribeRejectsOverlongAudio(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, &enginemock.Engine{}, 0)
	h := gw.TranscribeHandler(server.TranscribeConfig{MaxAudio: 100 * time.Millisecond})

	rec := postPCM(t, h, "audio/pcm", speech(300*time.Millisecond))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestTranscribeBusyReturns429WithRetryAfter(t *testing.T) {
	t.Parallel()

	// Unstarted scheduler with a tiny queue, prefilled to capacity.
	s := sched.New(&enginemock.Engine{}, sched.Config{MaxBatch: 1, Window: 0, QueueMaxFactor: 1})
	if _, err := s.Submit(nil, 16000, sched.PriorityPartial); err != nil {
		t.Fatalf("prefill Submit() error: %v", err)
	}
	gw := &server.Gateway{Sched: s, Stream: testStreamConfig(), Admission: server.NewAdmission(0)}
	h := gw.TranscribeHandler(server.TranscribeConfig{MaxQueueWait: 7 * time.Second})

	rec := postPCM(t, h, "audio/pcm", speech(100*time.Millisecond))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "7" {
		t.Errorf("Retry-After = %q, want %q", got, "7")
	}
}

func TestTranscribeQueueWaitTimeoutReturns503(t *testing.T) {
	t.Parallel()

	eng := &enginemock.Engine{Delay: 500 * time.Millisecond}
	gw := newTestGateway(t, eng, 0)
	h := gw.TranscribeHandler(server.TranscribeConfig{MaxQueueWait: 30 * time.Millisecond})

	rec := postPCM(t, h, "audio/pcm", speech(100*time.Millisecond))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}
