// Package app wires all WhisperWire subsystems into a running gateway.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems (model, scheduler, wire adapters, observability, optional
// archive), Run serves the HTTP and gRPC listeners until the context is
// cancelled, and Shutdown tears everything down in order.
//
// For testing, inject a fake engine via [WithEngine]; New then skips the
// whisper.cpp model load entirely.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/MrWong99/whisperwire/internal/config"
	"github.com/MrWong99/whisperwire/internal/engine"
	"github.com/MrWong99/whisperwire/internal/engine/whisper"
	"github.com/MrWong99/whisperwire/internal/health"
	"github.com/MrWong99/whisperwire/internal/observe"
	"github.com/MrWong99/whisperwire/internal/sched"
	"github.com/MrWong99/whisperwire/internal/server"
	"github.com/MrWong99/whisperwire/internal/stream"
	"github.com/MrWong99/whisperwire/internal/transcript"
)

// grpcMaxRecvBytes bounds a single streaming message. Clients send audio in
// small chunks; 64 MiB leaves generous headroom for the unary path.
const grpcMaxRecvBytes = 64 << 20

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	eng     engine.Engine
	sch     *sched.Scheduler
	met     *observe.Metrics
	rlog    *observe.RequestLog
	archive *transcript.Recorder
	gateway *server.Gateway
	healthH *health.Handler

	httpSrv *http.Server
	grpcSrv *grpc.Server

	obsShutdown func(context.Context) error

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithEngine injects an inference engine instead of loading the whisper.cpp
// model from config.
func WithEngine(e engine.Engine) Option {
	return func(a *App) { a.eng = e }
}

// New creates an App by wiring all subsystems together. Initialisation is
// synchronous: observability providers, model load + warmup, scheduler
// start, optional transcript archive, and both wire surfaces.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Observability ─────────────────────────────────────────────────
	obsShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		Attributes: []attribute.KeyValue{
			attribute.String("model.path", cfg.Model.Path),
			attribute.String("server.listen_addr", cfg.Server.ListenAddr),
			attribute.String("server.grpc_addr", cfg.Server.GRPCAddr),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("app: init observability: %w", err)
	}
	a.obsShutdown = obsShutdown

	a.met, err = observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, fmt.Errorf("app: create metrics: %w", err)
	}

	a.rlog = observe.NewRequestLog(observe.RequestLogConfig{
		Path:       cfg.RequestLog.Path,
		MaxSizeMB:  cfg.RequestLog.MaxSizeMB,
		MaxBackups: cfg.RequestLog.MaxBackups,
	})
	if a.rlog != nil {
		a.closers = append(a.closers, a.rlog.Close)
	}

	// ── 2. Engine ────────────────────────────────────────────────────────
	if err := a.initEngine(); err != nil {
		return nil, fmt.Errorf("app: init engine: %w", err)
	}

	// ── 3. Scheduler ─────────────────────────────────────────────────────
	a.sch = sched.New(a.eng, sched.Config{
		MaxBatch:       cfg.Scheduler.MaxBatch,
		Window:         msToDuration(cfg.Scheduler.WindowMs),
		QueueMaxFactor: cfg.Scheduler.QueueMaxFactor,
		Metrics:        a.met,
	})
	a.sch.Start()
	slog.Info("scheduler started",
		"max_batch", cfg.Scheduler.MaxBatch,
		"window_ms", cfg.Scheduler.WindowMs,
		"queue_cap", a.sch.QueueCap(),
	)

	// ── 4. Transcript archive ────────────────────────────────────────────
	var checkers []health.Checker
	if dsn := cfg.Transcripts.PostgresDSN; dsn != "" {
		store, err := transcript.NewPGStore(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("app: init transcript archive: %w", err)
		}
		a.archive = transcript.NewRecorder(store)
		a.closers = append(a.closers, func() error { a.archive.Close(); return nil })
		checkers = append(checkers, health.Checker{Name: "transcripts", Check: store.Ping})
		slog.Info("transcript archive enabled")
	}

	// ── 5. Wire surfaces ─────────────────────────────────────────────────
	a.gateway = &server.Gateway{
		Sched:      a.sch,
		Stream:     streamConfig(cfg),
		Admission:  server.NewAdmission(cfg.Server.MaxActive),
		Metrics:    a.met,
		RequestLog: a.rlog,
		Archive:    a.archive,
	}

	a.healthH = health.New(checkers...)
	a.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.buildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcOpts := []grpc.ServerOption{grpc.MaxRecvMsgSize(grpcMaxRecvBytes)}
	if cfg.Server.TLSCert != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.Server.TLSCert, cfg.Server.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("app: load tls credentials: %w", err)
		}
		grpcOpts = append(grpcOpts, grpc.Creds(creds))
	}
	a.grpcSrv = grpc.NewServer(grpcOpts...)
	speechpb.RegisterSpeechServer(a.grpcSrv, server.NewSpeechService(a.gateway))

	a.healthH.SetReady(true)
	return a, nil
}

// initEngine loads the whisper.cpp model unless a test double was injected.
func (a *App) initEngine() error {
	if a.eng == nil {
		slog.Info("loading model", "path", a.cfg.Model.Path, "language", a.cfg.Model.Language)
		eng, err := whisper.New(a.cfg.Model.Path, whisper.WithLanguage(a.cfg.Model.Language))
		if err != nil {
			return err
		}
		if w := a.cfg.Model.WarmupSeconds; w > 0 {
			if err := eng.Warmup(time.Duration(w * float64(time.Second))); err != nil {
				eng.Close()
				return err
			}
		}
		a.eng = eng
	}
	a.closers = append(a.closers, a.eng.Close)
	return nil
}

// buildMux assembles the HTTP surface: WebSocket streaming, one-shot
// transcription, health probes, and the Prometheus scrape endpoint.
func (a *App) buildMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /ws", a.gateway.WSHandler())
	mux.Handle("POST /v1/transcribe", a.gateway.TranscribeHandler(server.TranscribeConfig{
		MaxUploadMB:  a.cfg.HTTP.MaxUploadMB,
		MaxAudio:     sToDuration(a.cfg.Stream.MaxAudioSeconds),
		MaxQueueWait: sToDuration(a.cfg.HTTP.MaxQueueWaitS),
	}))
	mux.Handle("GET /metrics", promhttp.Handler())
	a.healthH.Register(mux)
	return observe.Middleware(a.met)(mux)
}

// Run serves the HTTP and gRPC listeners until ctx is cancelled or a
// listener fails. Bind failures surface as startup errors.
func (a *App) Run(ctx context.Context) error {
	httpLis, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: bind http %s: %w", a.cfg.Server.ListenAddr, err)
	}
	grpcLis, err := net.Listen("tcp", a.cfg.Server.GRPCAddr)
	if err != nil {
		httpLis.Close()
		return fmt.Errorf("app: bind grpc %s: %w", a.cfg.Server.GRPCAddr, err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if a.cfg.Server.TLSCert != "" {
			err = a.httpSrv.ServeTLS(httpLis, a.cfg.Server.TLSCert, a.cfg.Server.TLSKey)
		} else {
			err = a.httpSrv.Serve(httpLis)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		return a.grpcSrv.Serve(grpcLis)
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
		a.grpcSrv.GracefulStop()
		return ctx.Err()
	})

	slog.Info("gateway serving",
		"http_addr", a.cfg.Server.ListenAddr,
		"grpc_addr", a.cfg.Server.GRPCAddr,
		"tls", a.cfg.Server.TLSCert != "",
	)
	return g.Wait()
}

// Shutdown tears down subsystems in order: scheduler first (drains the
// queue), then closers (request log, engine, archive), then observability.
// It respects the context deadline.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.healthH.SetReady(false)

		if err := a.sch.Stop(ctx); err != nil {
			slog.Warn("scheduler stop error", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		if a.obsShutdown != nil {
			if err := a.obsShutdown(ctx); err != nil {
				slog.Warn("observability shutdown error", "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// streamConfig converts the YAML knobs into the session configuration.
func streamConfig(cfg *config.Config) stream.Config {
	return stream.Config{
		SampleRate:            16000,
		Step:                  msToDuration(cfg.Stream.StepMs),
		MaxCtx:                sToDuration(cfg.Stream.MaxCtxSeconds),
		MaxAudio:              sToDuration(cfg.Stream.MaxAudioSeconds),
		DecimationWhenHot:     cfg.Stream.DecimationWhenHot == nil || *cfg.Stream.DecimationWhenHot,
		DecimationMinInterval: msToDuration(cfg.Stream.DecimationMinIntervalMs),
		HotQueueFraction:      cfg.Stream.HotQueueFraction,
		TickTimeout:           sToDuration(cfg.Stream.TickTimeoutS),
		SegmentLen:            msToDuration(cfg.Stream.SegmentLenMs),
		SegmentMin:            msToDuration(cfg.Stream.SegmentMinMs),
		SegmentOverlap:        msToDuration(cfg.Stream.SegmentOverlapMs),
		VADTail:               msToDuration(cfg.Stream.VadTailMs),
		VADEnergyThreshold:    cfg.Stream.VadEnergyThreshold,
		FinalsTimeout:         sToDuration(cfg.Stream.FinalsTimeoutS),
		Settle: stream.SettleConfig{
			TargetEOS:   time.Duration(cfg.EOS.TargetMs) * time.Millisecond,
			Quiet:       time.Duration(cfg.EOS.QuietMs) * time.Millisecond,
			VADHangover: time.Duration(cfg.EOS.VadHangoverMs) * time.Millisecond,
		},
	}
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

func sToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
