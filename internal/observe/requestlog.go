package observe

import (
	"encoding/json"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// RequestRecord is one JSONL line in the request log. Every inference
// request — partial tick, segment final (the terminal flush is logged as a
// final), one-shot HTTP or gRPC — appends one record, successful or not.
type RequestRecord struct {
	TS         float64 `json:"ts"`
	TSISO      string  `json:"ts_iso"`
	Wire       string  `json:"wire"` // "ws", "grpc", "http"
	Kind       string  `json:"kind"` // "partial", "final", "oneshot"
	SessionID  string  `json:"sid,omitempty"`
	AudioSec   float64 `json:"audio_len_s"`
	SampleRate int     `json:"sample_rate"`
	InferSec   float64 `json:"duration_inference_s"`
	QueueSec   float64 `json:"queue_wait_s"`
	Status     string  `json:"status"` // "ok" or "error"
	Error      string  `json:"error,omitempty"`
}

// RequestLog appends RequestRecords as JSON lines to a size-rotated file.
// Safe for concurrent use. A nil *RequestLog is a valid no-op sink so
// callers never need to guard their Log calls.
type RequestLog struct {
	mu  sync.Mutex
	out *lumberjack.Logger
	enc *json.Encoder
}

// RequestLogConfig configures the rotated request log file.
type RequestLogConfig struct {
	// Path of the active log file. Empty disables the log.
	Path string

	// MaxSizeMB rotates the file when it exceeds this size. Default 64.
	MaxSizeMB int

	// MaxBackups caps retained rotated files. Default 7.
	MaxBackups int
}

// NewRequestLog opens (lazily — lumberjack creates on first write) the
// rotated log file. Returns nil when cfg.Path is empty.
func NewRequestLog(cfg RequestLogConfig) *RequestLog {
	if cfg.Path == "" {
		return nil
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 64
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 7
	}
	out := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	}
	l := &RequestLog{out: out}
	l.enc = json.NewEncoder(out)
	return l
}

// Log appends one record, stamping TS/TSISO if unset. Write errors are
// swallowed — the request log must never fail a request.
func (l *RequestLog) Log(rec RequestRecord) {
	if l == nil {
		return
	}
	if rec.TS == 0 {
		now := time.Now()
		rec.TS = float64(now.UnixNano()) / float64(time.Second)
		rec.TSISO = now.UTC().Format(time.RFC3339)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.enc.Encode(rec)
}

// Close flushes and closes the underlying file.
func (l *RequestLog) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Close()
}
