// Package stream holds the per-connection streaming state machine: rolling
// context for partial ticks, cadence gating, load-aware decimation,
// segmentation cuts, ordered final delivery, and the terminal flush. The
// settle gate (EOSDecider) that drives eager finalization lives here too.
//
// A Session is owned by a single wire-reader goroutine: adapters call
// PushAudio and Finish from one goroutine only, so the session keeps no
// internal locking.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/whisperwire/internal/observe"
	"github.com/MrWong99/whisperwire/internal/sched"
	"github.com/MrWong99/whisperwire/pkg/audio"
)

var (
	// ErrSessionCap is returned by PushAudio once the session's audio
	// duration cap is reached. The adapter must run the terminal flush and
	// close the connection.
	ErrSessionCap = errors.New("stream: max audio duration reached")

	// ErrFinalized is returned when audio arrives after the terminal flush.
	ErrFinalized = errors.New("stream: session already finalized")
)

// Emitter is the session's view of the wire. Adapters translate these calls
// into protocol frames. Emitter methods are invoked from the session's
// owning goroutine only.
type Emitter interface {
	// Partial delivers an interim transcript.
	Partial(ctx context.Context, text string) error

	// Final delivers an authoritative transcript for one segment.
	Final(ctx context.Context, text string) error

	// SegmentError reports a failed segment. The session continues unless
	// the emitter returns a non-nil error (gRPC turns this into a stream
	// abort; WebSocket sends an error frame and keeps the session).
	SegmentError(ctx context.Context, segErr error) error
}

// Config carries the per-session streaming knobs. All durations refer to
// audio time at SampleRate unless stated otherwise.
type Config struct {
	// SampleRate of PCM arriving at the session. Adapters resample the
	// alternative 24 kHz wire before PushAudio, so this is normally 16000.
	SampleRate int

	// Step is the minimum new audio since the last emit before a partial
	// tick is considered.
	Step time.Duration

	// MaxCtx bounds the rolling context supplied to partial ticks.
	MaxCtx time.Duration

	// MaxAudio caps total session audio; beyond it the session flushes and
	// closes.
	MaxAudio time.Duration

	// DecimationWhenHot enables load-aware tick skipping.
	DecimationWhenHot bool

	// DecimationMinInterval is the minimum wall-clock gap between partial
	// emits while the queue is hot.
	DecimationMinInterval time.Duration

	// HotQueueFraction is the queue fill fraction that defines "hot".
	HotQueueFraction float64

	// TickTimeout bounds each partial tick; a late tick is dropped.
	TickTimeout time.Duration

	// SegmentLen forces a cut once a segment reaches this length.
	SegmentLen time.Duration

	// SegmentMin is the minimum segment length before a silence cut.
	SegmentMin time.Duration

	// SegmentOverlap is re-prepended to the next segment after a cut.
	SegmentOverlap time.Duration

	// VADTail is the trailing window inspected for silence cuts.
	VADTail time.Duration

	// VADEnergyThreshold is the mean-square energy (normalised) below which
	// the tail counts as silence.
	VADEnergyThreshold float64

	// FinalsTimeout bounds the terminal flush.
	FinalsTimeout time.Duration

	// Interim enables partial frames on the wire. Ticks still run when
	// false so segmentation and the settle gate stay fed.
	Interim bool

	// Settle configures the end-of-utterance gate.
	Settle SettleConfig
}

// Defaults applied by New for zero fields.
const (
	defaultSampleRate    = 16000
	defaultStep          = 320 * time.Millisecond
	defaultMaxCtx        = 10 * time.Second
	defaultMaxAudio      = 10 * time.Minute
	defaultTickTimeout   = 2 * time.Second
	defaultSegmentLen    = 15 * time.Second
	defaultSegmentMin    = 2 * time.Second
	defaultVADTail       = 300 * time.Millisecond
	defaultVADThreshold  = 1e-4
	defaultFinalsTimeout = 10 * time.Second
	defaultHotFraction   = 0.5
	defaultDecimationGap = 150 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = defaultSampleRate
	}
	if c.Step <= 0 {
		c.Step = defaultStep
	}
	if c.MaxCtx <= 0 {
		c.MaxCtx = defaultMaxCtx
	}
	if c.MaxAudio <= 0 {
		c.MaxAudio = defaultMaxAudio
	}
	if c.DecimationMinInterval <= 0 {
		c.DecimationMinInterval = defaultDecimationGap
	}
	if c.HotQueueFraction <= 0 || c.HotQueueFraction > 1 {
		c.HotQueueFraction = defaultHotFraction
	}
	if c.TickTimeout <= 0 {
		c.TickTimeout = defaultTickTimeout
	}
	if c.SegmentLen <= 0 {
		c.SegmentLen = defaultSegmentLen
	}
	if c.SegmentMin <= 0 {
		c.SegmentMin = defaultSegmentMin
	}
	if c.VADTail <= 0 {
		c.VADTail = defaultVADTail
	}
	if c.VADEnergyThreshold <= 0 {
		c.VADEnergyThreshold = defaultVADThreshold
	}
	if c.FinalsTimeout <= 0 {
		c.FinalsTimeout = defaultFinalsTimeout
	}
	return c
}

// pendingSegment is one cut segment awaiting its transcript.
type pendingSegment struct {
	fut *sched.Future
	idx int
}

// Session converts a chunked PCM ingress stream into partial-tick and
// final-segment submissions against the scheduler.
type Session struct {
	ID   string
	Wire string // "ws" or "grpc", used in logs and the request log

	cfg  Config
	sch  *sched.Scheduler
	emit Emitter
	eos  *EOSDecider
	met  *observe.Metrics
	rlog *observe.RequestLog

	// Derived byte counts at cfg.SampleRate.
	stepBytes     int
	maxCtxBytes   int
	maxAudioBytes int
	segLenBytes   int
	segMinBytes   int
	overlapBytes  int
	vadTailBytes  int

	ctxBuf         []byte // rolling context, capped at maxCtxBytes
	fullBuf        []byte // audio since the last segment cut (plus overlap)
	bytesSinceEmit int
	lastEmit       time.Time
	totalBytes     int

	pending   []pendingSegment
	segIdx    int
	lastText  string
	vadActive bool
	finalized bool
}

// Option configures optional session collaborators.
type Option func(*Session)

// WithMetrics wires OTel instruments into the session.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.met = m }
}

// WithRequestLog wires the JSONL request log into the session.
func WithRequestLog(l *observe.RequestLog) Option {
	return func(s *Session) { s.rlog = l }
}

// New creates a session bound to a scheduler and an emitter. wire labels the
// transport in logs ("ws", "grpc").
func New(id, wire string, sch *sched.Scheduler, emit Emitter, cfg Config, opts ...Option) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		ID:   id,
		Wire: wire,
		cfg:  cfg,
		sch:  sch,
		emit: emit,
		eos:  NewEOSDecider(cfg.Settle),

		stepBytes:     audio.BytesForDuration(cfg.Step, cfg.SampleRate),
		maxCtxBytes:   audio.BytesForDuration(cfg.MaxCtx, cfg.SampleRate),
		maxAudioBytes: audio.BytesForDuration(cfg.MaxAudio, cfg.SampleRate),
		segLenBytes:   audio.BytesForDuration(cfg.SegmentLen, cfg.SampleRate),
		segMinBytes:   audio.BytesForDuration(cfg.SegmentMin, cfg.SampleRate),
		overlapBytes:  audio.BytesForDuration(cfg.SegmentOverlap, cfg.SampleRate),
		vadTailBytes:  audio.BytesForDuration(cfg.VADTail, cfg.SampleRate),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Settle exposes the session's end-of-utterance gate.
func (s *Session) Settle() *EOSDecider { return s.eos }

// Finalized reports whether the terminal flush has run.
func (s *Session) Finalized() bool { return s.finalized }

// PushAudio ingests one PCM16 chunk. It appends to the rolling context and
// the segment buffer, considers a partial tick, evaluates the segmentation
// cut policy, and delivers any completed segment finals in order.
//
// Returns ErrSessionCap once the audio cap is reached (the caller must then
// Finish), ErrFinalized after the terminal flush, or a wire error from the
// emitter.
func (s *Session) PushAudio(ctx context.Context, chunk []byte) error {
	if s.finalized {
		return ErrFinalized
	}
	if len(chunk) == 0 {
		return nil
	}
	if s.totalBytes+len(chunk) > s.maxAudioBytes {
		return ErrSessionCap
	}
	s.totalBytes += len(chunk)

	// Ingest.
	s.fullBuf = append(s.fullBuf, chunk...)
	s.ctxBuf = append(s.ctxBuf, chunk...)
	if excess := len(s.ctxBuf) - s.maxCtxBytes; excess > 0 {
		s.ctxBuf = s.ctxBuf[excess:]
	}
	s.bytesSinceEmit += len(chunk)

	// Feed the settle gate from chunk energy.
	s.vadActive = audio.MeanSquareEnergy(chunk) >= s.cfg.VADEnergyThreshold
	s.eos.UpdateVAD(s.vadActive)

	if s.bytesSinceEmit < s.stepBytes {
		return nil
	}

	ticked, err := s.partialTick(ctx)
	if err != nil {
		return err
	}
	if err := s.maybeCut(ctx, ticked); err != nil {
		return err
	}
	return s.drainPending(ctx, false)
}

// partialTick runs one cadence tick: decimation check, rolling-context
// submission at partial priority, bounded await, wire emission. The bool
// result reports whether a result actually came back this tick — the settle
// gate is only trustworthy right after a live tick.
func (s *Session) partialTick(ctx context.Context) (bool, error) {
	now := time.Now()

	if s.cfg.DecimationWhenHot && s.queueHot() &&
		now.Sub(s.lastEmit) < s.cfg.DecimationMinInterval {
		// Dropped ticks still advance the since-last-emit clock so the
		// backlog cannot carry over unbounded.
		s.bytesSinceEmit = 0
		if s.met != nil {
			s.met.RecordDroppedTick(ctx, "decimated")
		}
		return false, nil
	}

	waveform := audio.PCM16ToFloat32(s.ctxBuf)
	fut, err := s.sch.Submit(waveform, s.cfg.SampleRate, sched.PriorityPartial)
	if err != nil {
		// Queue full: skip this tick; decimation pressure resolves it.
		s.bytesSinceEmit = 0
		if s.met != nil {
			s.met.RecordDroppedTick(ctx, "rejected")
		}
		return false, nil
	}

	tickCtx, cancel := context.WithTimeout(ctx, s.cfg.TickTimeout)
	res, err := fut.Await(tickCtx)
	cancel()

	// The counter resets on every outcome, as if the emit had happened —
	// otherwise a stall is followed by a storm of catch-up ticks.
	s.bytesSinceEmit = 0

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		if s.met != nil {
			s.met.RecordDroppedTick(ctx, "timeout")
		}
		s.logRequest("partial", 0, 0, len(waveform), err)
		return false, nil
	case err != nil:
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		// Inference errors are terminal for the tick, not the session.
		slog.Debug("partial tick failed", "sid", s.ID, "err", err)
		s.logRequest("partial", 0, 0, len(waveform), err)
		return false, nil
	}

	s.lastEmit = now
	// Decoder quiet means "no new words": only a changed transcript counts
	// as partial activity for the settle gate.
	if res.Text != s.lastText {
		s.lastText = res.Text
		s.eos.UpdatePartial()
	}
	s.logRequest("partial", res.InferenceDuration, res.QueueWait, len(waveform), nil)
	if s.met != nil {
		s.met.TickDuration.Record(ctx, time.Since(now).Seconds())
	}

	if !s.cfg.Interim {
		return true, nil
	}
	if s.met != nil {
		s.met.Partials.Add(ctx, 1)
	}
	return true, s.emit.Partial(ctx, res.Text)
}

// queueHot reports whether the scheduler queue is at or past the hot
// fraction.
func (s *Session) queueHot() bool {
	qcap := s.sch.QueueCap()
	if qcap <= 0 {
		return false
	}
	return float64(s.sch.QueueLen())/float64(qcap) >= s.cfg.HotQueueFraction
}

// maybeCut applies the segmentation policy to the segment buffer: a hard cut
// at SegmentLen, or after SegmentMin a silence cut when the tail energy is
// below threshold. The settle gate adds an eager cut, consulted only right
// after a live tick (allowSettle) when its quiet signals are fresh.
func (s *Session) maybeCut(ctx context.Context, allowSettle bool) error {
	sinceSeg := len(s.fullBuf)

	cut := false
	switch {
	case sinceSeg >= s.segLenBytes:
		cut = true
	case sinceSeg >= s.segMinBytes:
		tail := s.vadTailBytes
		if tail > sinceSeg {
			tail = sinceSeg
		}
		window := s.fullBuf[sinceSeg-tail:]
		if audio.MeanSquareEnergy(window) < s.cfg.VADEnergyThreshold {
			cut = true
		} else if allowSettle && !s.vadActive && s.eos.ShouldFlush() {
			// Eager cut: the current chunk is silent and the settle gate
			// has accumulated enough quiet, even though the full tail
			// window is not silent yet.
			cut = true
		}
	}
	if !cut {
		return nil
	}

	waveform := audio.PCM16ToFloat32(s.fullBuf)
	fut, err := s.sch.Submit(waveform, s.cfg.SampleRate, sched.PriorityFinal)
	if err != nil {
		// Queue full: leave the buffer intact and retry on a later tick.
		// The audio is not lost; only the cut is deferred.
		slog.Warn("segment cut deferred, queue full", "sid", s.ID, "segment", s.segIdx)
		return nil
	}

	s.pending = append(s.pending, pendingSegment{fut: fut, idx: s.segIdx})
	s.segIdx++

	// Retain the overlap as the next segment's prefix.
	if s.overlapBytes > 0 && s.overlapBytes < len(s.fullBuf) {
		overlap := s.fullBuf[len(s.fullBuf)-s.overlapBytes:]
		s.fullBuf = append(s.fullBuf[:0:0], overlap...)
	} else {
		s.fullBuf = nil
	}
	return nil
}

// drainPending emits completed segment finals in cut order. When block is
// false it stops at the first not-yet-complete future; when true it awaits
// each future, sharing the terminal-flush deadline carried by ctx.
func (s *Session) drainPending(ctx context.Context, block bool) error {
	for len(s.pending) > 0 {
		seg := s.pending[0]

		var (
			res   sched.Result
			err   error
			ready bool
		)
		if block {
			res, err = seg.fut.Await(ctx)
			ready = true
		} else {
			res, err, ready = seg.fut.Peek()
			if !ready {
				return nil
			}
		}
		s.pending = s.pending[1:]

		if err != nil {
			s.logRequest("final", 0, 0, 0, err)
			if s.met != nil {
				s.met.RecordDroppedTick(ctx, "final_error")
			}
			if emitErr := s.emit.SegmentError(ctx, fmt.Errorf("segment %d: %w", seg.idx, err)); emitErr != nil {
				return emitErr
			}
			continue
		}

		s.logRequest("final", res.InferenceDuration, res.QueueWait, 0, nil)
		if s.met != nil {
			s.met.Finals.Add(ctx, 1)
			s.met.FinalDuration.Record(ctx, res.QueueWait.Seconds()+res.InferenceDuration.Seconds())
		}
		if emitErr := s.emit.Final(ctx, res.Text); emitErr != nil {
			return emitErr
		}
	}
	return nil
}

// Finish runs the terminal flush: the residual segment buffer is submitted
// at final priority, then all pending finals are delivered in cut order
// within the finals timeout. Safe to call more than once.
func (s *Session) Finish(ctx context.Context) error {
	if s.finalized {
		return nil
	}
	s.finalized = true

	if len(s.fullBuf) > 0 {
		waveform := audio.PCM16ToFloat32(s.fullBuf)
		fut, err := s.sch.Submit(waveform, s.cfg.SampleRate, sched.PriorityFinal)
		if err != nil {
			if emitErr := s.emit.SegmentError(ctx, fmt.Errorf("flush: %w", err)); emitErr != nil {
				return emitErr
			}
		} else {
			s.pending = append(s.pending, pendingSegment{fut: fut, idx: s.segIdx})
			s.segIdx++
		}
		s.fullBuf = nil
	}

	flushCtx, cancel := context.WithTimeout(ctx, s.cfg.FinalsTimeout)
	defer cancel()
	return s.drainPending(flushCtx, true)
}

// logRequest appends one request-log record. samples is the waveform length
// for audio-duration accounting (0 when unknown at this call site).
func (s *Session) logRequest(kind string, infer, wait time.Duration, samples int, err error) {
	if s.rlog == nil {
		return
	}
	rec := observe.RequestRecord{
		Wire:       s.Wire,
		Kind:       kind,
		SessionID:  s.ID,
		SampleRate: s.cfg.SampleRate,
		AudioSec:   float64(samples) / float64(s.cfg.SampleRate),
		InferSec:   infer.Seconds(),
		QueueSec:   wait.Seconds(),
		Status:     "ok",
	}
	if err != nil {
		rec.Status = "error"
		rec.Error = err.Error()
	}
	s.rlog.Log(rec)
}
