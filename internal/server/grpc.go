package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/MrWong99/whisperwire/internal/observe"
	"github.com/MrWong99/whisperwire/internal/sched"
	"github.com/MrWong99/whisperwire/internal/stream"
	"github.com/MrWong99/whisperwire/internal/transcript"
	"github.com/MrWong99/whisperwire/pkg/audio"
)

// partialStability is the fixed stability reported on interim results. The
// rolling-context decoder re-reads its whole window each tick, so interim
// text can still change; 0.5 signals that honestly.
const partialStability = 0.5

// SpeechService implements the Cloud-Speech-compatible gRPC surface:
// streaming recognition multiplexed onto the shared scheduler, and a unary
// Recognize for one-shot PCM. Only LINEAR16 mono at 16 kHz is accepted.
type SpeechService struct {
	speechpb.UnimplementedSpeechServer

	gw *Gateway

	// RecognizeWait bounds the unary path's time in the queue + engine.
	RecognizeWait time.Duration
}

// NewSpeechService creates the gRPC servicer around the gateway.
func NewSpeechService(gw *Gateway) *SpeechService {
	return &SpeechService{gw: gw, RecognizeWait: 30 * time.Second}
}

// StreamingRecognize implements bidirectional streaming recognition. The
// first request must carry streaming_config; subsequent requests carry
// audio_content. Partials are sent with is_final=false while finals close
// each segment with is_final=true.
func (s *SpeechService) StreamingRecognize(srv speechpb.Speech_StreamingRecognizeServer) error {
	ctx := srv.Context()

	if !s.gw.Admission.TryAcquire() {
		if s.gw.Metrics != nil {
			s.gw.Metrics.RecordAdmissionRejection(ctx, "grpc")
		}
		return status.Error(codes.ResourceExhausted, "server busy")
	}
	defer s.gw.Admission.Release()

	first, err := srv.Recv()
	if err != nil {
		return err
	}
	scfg := first.GetStreamingConfig()
	if scfg == nil {
		return status.Error(codes.InvalidArgument, "first message must include streaming_config")
	}
	if err := validateRecognitionConfig(scfg.GetConfig()); err != nil {
		return err
	}

	sid := uuid.NewString()
	cfg := s.gw.Stream
	cfg.Interim = scfg.GetInterimResults()

	emit := &grpcEmitter{srv: srv, sid: sid, archive: s.gw.Archive}
	sess := s.gw.newSession(sid, "grpc", emit, cfg)

	s.gw.sessionOpened(ctx)
	defer s.gw.sessionClosed(context.WithoutCancel(ctx))
	slog.Info("grpc session opened", "sid", sid, "interim", cfg.Interim)

	for {
		req, err := srv.Recv()
		if errors.Is(err, io.EOF) {
			// Client half-closed: terminal flush, then the stream ends.
			if ferr := sess.Finish(ctx); ferr != nil {
				return ferr
			}
			slog.Info("grpc session closed", "sid", sid, "reason", "eos")
			return nil
		}
		if err != nil {
			// Transport failure: flush for the archive, nothing to send.
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.gw.Stream.FinalsTimeout)
			_ = sess.Finish(flushCtx)
			cancel()
			slog.Info("grpc session closed", "sid", sid, "reason", "transport error")
			return err
		}

		content := req.GetAudioContent()
		if len(content) == 0 {
			continue
		}
		if len(content)%audio.BytesPerSample != 0 {
			return status.Error(codes.InvalidArgument, "misaligned pcm payload")
		}

		perr := sess.PushAudio(ctx, content)
		switch {
		case perr == nil:
		case errors.Is(perr, stream.ErrSessionCap):
			if ferr := sess.Finish(ctx); ferr != nil {
				return ferr
			}
			slog.Info("grpc session closed", "sid", sid, "reason", "max audio duration")
			return nil
		default:
			return perr
		}
	}
}

// Recognize implements the unary one-shot path at final priority.
func (s *SpeechService) Recognize(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
	if err := validateRecognitionConfig(req.GetConfig()); err != nil {
		return nil, err
	}
	content := req.GetAudio().GetContent()
	if len(content) == 0 {
		return nil, status.Error(codes.InvalidArgument, "audio content is required")
	}
	if len(content)%audio.BytesPerSample != 0 {
		return nil, status.Error(codes.InvalidArgument, "misaligned pcm payload")
	}

	waveform := audio.PCM16ToFloat32(content)
	fut, err := s.gw.Sched.Submit(waveform, wireRatePrimary, sched.PriorityFinal)
	if err != nil {
		return nil, status.Error(codes.ResourceExhausted, "server busy")
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.RecognizeWait)
	defer cancel()
	res, err := fut.Await(waitCtx)
	if err != nil {
		s.logOneshot(content, sched.Result{}, err)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, status.Error(codes.Unavailable, "queue wait timeout")
		}
		return nil, status.Errorf(codes.Internal, "inference failed: %v", err)
	}
	s.logOneshot(content, res, nil)

	return &speechpb.RecognizeResponse{
		Results: []*speechpb.SpeechRecognitionResult{{
			Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: res.Text}},
		}},
	}, nil
}

func (s *SpeechService) logOneshot(pcm []byte, res sched.Result, err error) {
	if s.gw.RequestLog == nil {
		return
	}
	rec := observe.RequestRecord{
		Wire:       "grpc",
		Kind:       "oneshot",
		SampleRate: wireRatePrimary,
		AudioSec:   audio.Duration(len(pcm), wireRatePrimary).Seconds(),
		InferSec:   res.InferenceDuration.Seconds(),
		QueueSec:   res.QueueWait.Seconds(),
		Status:     "ok",
	}
	if err != nil {
		rec.Status = "error"
		rec.Error = err.Error()
	}
	s.gw.RequestLog.Log(rec)
}

// validateRecognitionConfig enforces the LINEAR16 / 16 kHz contract.
func validateRecognitionConfig(cfg *speechpb.RecognitionConfig) error {
	if cfg == nil {
		return status.Error(codes.InvalidArgument, "recognition config is required")
	}
	if cfg.GetEncoding() != speechpb.RecognitionConfig_LINEAR16 {
		return status.Error(codes.InvalidArgument, "only LINEAR16 encoding is supported")
	}
	if sr := cfg.GetSampleRateHertz(); sr != 0 && sr != wireRatePrimary {
		return status.Error(codes.InvalidArgument, "expected 16000 Hz sample rate")
	}
	return nil
}

// grpcEmitter translates session events into streaming responses.
type grpcEmitter struct {
	srv     speechpb.Speech_StreamingRecognizeServer
	sid     string
	archive *transcript.Recorder
	seg     int
}

var _ stream.Emitter = (*grpcEmitter)(nil)

func (e *grpcEmitter) Partial(_ context.Context, text string) error {
	return e.srv.Send(&speechpb.StreamingRecognizeResponse{
		Results: []*speechpb.StreamingRecognitionResult{{
			Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: text}},
			IsFinal:      false,
			Stability:    partialStability,
		}},
	})
}

func (e *grpcEmitter) Final(_ context.Context, text string) error {
	e.archive.Record(transcript.Entry{
		SessionID: e.sid,
		Wire:      "grpc",
		Segment:   e.seg,
		Text:      text,
	})
	e.seg++
	return e.srv.Send(&speechpb.StreamingRecognizeResponse{
		Results: []*speechpb.StreamingRecognitionResult{{
			Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: text}},
			IsFinal:      true,
		}},
	})
}

// SegmentError aborts the stream with INTERNAL — gRPC has no per-segment
// error channel the way the WebSocket wire does.
func (e *grpcEmitter) SegmentError(_ context.Context, segErr error) error {
	e.seg++
	return status.Errorf(codes.Internal, "segment inference failed: %v", segErr)
}
