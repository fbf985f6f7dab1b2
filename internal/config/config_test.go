package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/whisperwire/internal/config"
)

const minimalYAML = `
model:
  path: /models/ggml-base.en.bin
`

func TestLoadMinimalAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader() error: %v", err)
	}
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Server.GRPCAddr != ":50051" {
		t.Errorf("GRPCAddr = %q, want :50051", cfg.Server.GRPCAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("LogLevel = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Scheduler.MaxBatch != 8 || cfg.Scheduler.QueueMaxFactor != 32 {
		t.Errorf("scheduler defaults = %+v", cfg.Scheduler)
	}
	if cfg.Stream.StepMs != 320 {
		t.Errorf("StepMs = %v, want 320", cfg.Stream.StepMs)
	}
	if cfg.Stream.DecimationWhenHot == nil || !*cfg.Stream.DecimationWhenHot {
		t.Error("DecimationWhenHot should default on")
	}
	if cfg.EOS.TargetMs != 220 || cfg.EOS.QuietMs != 140 || cfg.EOS.VadHangoverMs != 160 {
		t.Errorf("EOS defaults = %+v, want 220/140/160", cfg.EOS)
	}
}

func TestLoadFullConfig(t *testing.T) {
	t.Parallel()

	const yaml = `
server:
  listen_addr: ":9000"
  grpc_addr: ":9001"
  log_level: "debug"
  max_active: 40
model:
  path: /models/x.bin
  language: de
scheduler:
  max_batch: 16
  window_ms: 10
  queue_max_factor: 8
stream:
  step_ms: 240
  max_ctx_seconds: 4
  segment_len_ms: 8000
  segment_min_ms: 2000
  vad_tail_ms: 300
transcripts:
  postgres_dsn: "postgres://localhost/ww"
request_log:
  path: logs/requests.log
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader() error: %v", err)
	}
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}

	if cfg.Server.MaxActive != 40 {
		t.Errorf("MaxActive = %d, want 40", cfg.Server.MaxActive)
	}
	if cfg.Model.Language != "de" {
		t.Errorf("Language = %q, want de", cfg.Model.Language)
	}
	if cfg.Stream.StepMs != 240 {
		t.Errorf("StepMs = %v, want 240", cfg.Stream.StepMs)
	}
	if cfg.RequestLog.MaxSizeMB != 64 || cfg.RequestLog.MaxBackups != 7 {
		t.Errorf("request log defaults = %+v", cfg.RequestLog)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	const yaml = `
model:
  path: /m.bin
  gpu_layers: 32
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("LoadFromReader() accepted an unknown field")
	}
}

func TestValidateFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing model path",
			yaml: `server: {listen_addr: ":1"}`,
			want: "model.path is required",
		},
		{
			name: "bad log level",
			yaml: "model: {path: /m.bin}\nserver: {log_level: loud}",
			want: "log_level",
		},
		{
			name: "tls cert without key",
			yaml: "model: {path: /m.bin}\nserver: {tls_cert: /a.crt}",
			want: "tls_cert and server.tls_key",
		},
		{
			name: "segment min above len",
			yaml: "model: {path: /m.bin}\nstream: {segment_len_ms: 1000, segment_min_ms: 2000}",
			want: "segment_min_ms",
		},
		{
			name: "overlap at or above min",
			yaml: "model: {path: /m.bin}\nstream: {segment_min_ms: 2000, segment_overlap_ms: 2000}",
			want: "segment_overlap_ms",
		},
		{
			name: "hot fraction above one",
			yaml: "model: {path: /m.bin}\nstream: {hot_queue_fraction: 1.5}",
			want: "hot_queue_fraction",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err != nil {
				t.Fatalf("LoadFromReader() error: %v", err)
			}
			err = config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() accepted an invalid config")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLogLevelIsValid(t *testing.T) {
	t.Parallel()

	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("IsValid(%q) = false", l)
		}
	}
	if config.LogLevel("verbose").IsValid() {
		t.Error(`IsValid("verbose") = true`)
	}
}
