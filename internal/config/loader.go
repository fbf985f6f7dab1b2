package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a [Config]
// with defaults applied. Validation is a separate step ([Validate]) so that
// CLI flag overrides can be applied between loading and validating.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and applies defaults. Useful
// in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	return cfg, nil
}

// ApplyDefaults fills zero fields with production defaults. Decimation
// defaults on because a gateway without load shedding falls over under the
// first traffic spike; set decimation_when_hot: false to opt out.
func ApplyDefaults(cfg *Config) {
	srv := &cfg.Server
	if srv.ListenAddr == "" {
		srv.ListenAddr = ":8080"
	}
	if srv.GRPCAddr == "" {
		srv.GRPCAddr = ":50051"
	}
	if srv.LogLevel == "" {
		srv.LogLevel = LogInfo
	}

	if cfg.Model.Language == "" {
		cfg.Model.Language = "en"
	}
	if cfg.Model.WarmupSeconds == 0 {
		cfg.Model.WarmupSeconds = 0.5
	}

	sch := &cfg.Scheduler
	if sch.MaxBatch <= 0 {
		sch.MaxBatch = 8
	}
	if sch.WindowMs == 0 {
		sch.WindowMs = 15
	}
	if sch.QueueMaxFactor <= 0 {
		sch.QueueMaxFactor = 32
	}

	st := &cfg.Stream
	if st.StepMs <= 0 {
		st.StepMs = 320
	}
	if st.MaxCtxSeconds <= 0 {
		st.MaxCtxSeconds = 10
	}
	if st.MaxAudioSeconds <= 0 {
		st.MaxAudioSeconds = 600
	}
	if st.DecimationMinIntervalMs <= 0 {
		st.DecimationMinIntervalMs = 150
	}
	if st.DecimationWhenHot == nil {
		on := true
		st.DecimationWhenHot = &on
	}
	if st.HotQueueFraction <= 0 {
		st.HotQueueFraction = 0.5
	}
	if st.TickTimeoutS <= 0 {
		st.TickTimeoutS = 2
	}
	if st.SegmentLenMs <= 0 {
		st.SegmentLenMs = 15000
	}
	if st.SegmentMinMs <= 0 {
		st.SegmentMinMs = 2000
	}
	if st.SegmentOverlapMs <= 0 {
		st.SegmentOverlapMs = 200
	}
	if st.VadTailMs <= 0 {
		st.VadTailMs = 300
	}
	if st.VadEnergyThreshold <= 0 {
		st.VadEnergyThreshold = 1e-4
	}
	if st.FinalsTimeoutS <= 0 {
		st.FinalsTimeoutS = 10
	}

	eos := &cfg.EOS
	if eos.TargetMs <= 0 {
		eos.TargetMs = 220
	}
	if eos.QuietMs <= 0 {
		eos.QuietMs = 140
	}
	if eos.VadHangoverMs <= 0 {
		eos.VadHangoverMs = 160
	}

	if cfg.HTTP.MaxUploadMB <= 0 {
		cfg.HTTP.MaxUploadMB = 64
	}
	if cfg.HTTP.MaxQueueWaitS <= 0 {
		cfg.HTTP.MaxQueueWaitS = 30
	}

	if cfg.RequestLog.Path != "" {
		if cfg.RequestLog.MaxSizeMB <= 0 {
			cfg.RequestLog.MaxSizeMB = 64
		}
		if cfg.RequestLog.MaxBackups <= 0 {
			cfg.RequestLog.MaxBackups = 7
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if (cfg.Server.TLSCert == "") != (cfg.Server.TLSKey == "") {
		errs = append(errs, errors.New("server.tls_cert and server.tls_key must be set together"))
	}
	if cfg.Server.MaxActive < 0 {
		errs = append(errs, fmt.Errorf("server.max_active %d must not be negative", cfg.Server.MaxActive))
	}

	if cfg.Model.Path == "" {
		errs = append(errs, errors.New("model.path is required"))
	}

	if cfg.Scheduler.MaxBatch < 1 {
		errs = append(errs, fmt.Errorf("scheduler.max_batch %d must be at least 1", cfg.Scheduler.MaxBatch))
	}
	if cfg.Scheduler.WindowMs < 0 {
		errs = append(errs, fmt.Errorf("scheduler.window_ms %.1f must not be negative", cfg.Scheduler.WindowMs))
	}
	if cfg.Scheduler.QueueMaxFactor < 1 {
		errs = append(errs, fmt.Errorf("scheduler.queue_max_factor %d must be at least 1", cfg.Scheduler.QueueMaxFactor))
	}

	st := cfg.Stream
	if st.HotQueueFraction <= 0 || st.HotQueueFraction > 1 {
		errs = append(errs, fmt.Errorf("stream.hot_queue_fraction %.2f is out of range (0, 1]", st.HotQueueFraction))
	}
	if st.SegmentMinMs > st.SegmentLenMs {
		errs = append(errs, fmt.Errorf("stream.segment_min_ms %.0f must not exceed stream.segment_len_ms %.0f", st.SegmentMinMs, st.SegmentLenMs))
	}
	if st.SegmentOverlapMs >= st.SegmentMinMs {
		errs = append(errs, fmt.Errorf("stream.segment_overlap_ms %.0f must be below stream.segment_min_ms %.0f", st.SegmentOverlapMs, st.SegmentMinMs))
	}
	if st.MaxCtxSeconds*1000 < st.StepMs {
		errs = append(errs, fmt.Errorf("stream.max_ctx_seconds %.1f must cover at least one step (%.0f ms)", st.MaxCtxSeconds, st.StepMs))
	}

	return errors.Join(errs...)
}
