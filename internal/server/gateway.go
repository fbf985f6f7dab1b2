// Package server holds the wire adapters: the WebSocket and gRPC streaming
// surfaces, the one-shot HTTP transcription endpoint, and shared admission
// control. Adapters translate protocol frames into stream.Session operations
// and session events back into frames; they never touch the scheduler except
// through a Session (streaming) or a single priority-0 submit (one-shot).
package server

import (
	"context"
	"time"

	"github.com/MrWong99/whisperwire/internal/observe"
	"github.com/MrWong99/whisperwire/internal/sched"
	"github.com/MrWong99/whisperwire/internal/stream"
	"github.com/MrWong99/whisperwire/internal/transcript"
)

// writeTimeout bounds a single wire write so one slow client cannot wedge
// its session goroutine.
const writeTimeout = 5 * time.Second

// Gateway bundles the collaborators every adapter needs.
type Gateway struct {
	// Sched is the shared micro-batch scheduler.
	Sched *sched.Scheduler

	// Stream is the base per-session configuration; adapters copy it and
	// apply per-connection negotiation (interim results, wire rate).
	Stream stream.Config

	// Admission caps active sessions across all streaming wires.
	Admission *Admission

	// Metrics is optional; nil disables instrument recording.
	Metrics *observe.Metrics

	// RequestLog is the optional JSONL request log.
	RequestLog *observe.RequestLog

	// Archive is the optional final-transcript archive.
	Archive *transcript.Recorder
}

// newSession builds a stream.Session wired with the gateway's optional
// collaborators.
func (g *Gateway) newSession(id, wire string, emit stream.Emitter, cfg stream.Config) *stream.Session {
	var opts []stream.Option
	if g.Metrics != nil {
		opts = append(opts, stream.WithMetrics(g.Metrics))
	}
	if g.RequestLog != nil {
		opts = append(opts, stream.WithRequestLog(g.RequestLog))
	}
	return stream.New(id, wire, g.Sched, emit, cfg, opts...)
}

// sessionOpened/sessionClosed maintain the active-session gauge.
func (g *Gateway) sessionOpened(ctx context.Context) {
	if g.Metrics != nil {
		g.Metrics.ActiveSessions.Add(ctx, 1)
	}
}

func (g *Gateway) sessionClosed(ctx context.Context) {
	if g.Metrics != nil {
		g.Metrics.ActiveSessions.Add(ctx, -1)
	}
}
