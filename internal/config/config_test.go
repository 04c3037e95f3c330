package config_test

import (
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/crosstalkhq/crosstalk/internal/config"
	"github.com/crosstalkhq/crosstalk/pkg/provider/llm"
	llmmock "github.com/crosstalkhq/crosstalk/pkg/provider/llm/mock"
	"github.com/crosstalkhq/crosstalk/pkg/provider/stt"
	sttmock "github.com/crosstalkhq/crosstalk/pkg/provider/stt/mock"
	"github.com/crosstalkhq/crosstalk/pkg/provider/vad"
	vadmock "github.com/crosstalkhq/crosstalk/pkg/provider/vad/mock"
)

// ── YAML loading ──────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  log_level: info
  tls:
    cert_file: /etc/crosstalk/cert.pem
    key_file: /etc/crosstalk/key.pem

signaling:
  listen_addr: ":8001"
  relay_url: wss://relay.internal:8002
  transcriber_url: wss://transcriber.internal:8003
  reject_busy: true

relay:
  listen_addr: ":8002"
  buffer_frames: 50

transcriber:
  listen_addr: ":8003"
  insight_url: wss://insight.internal:8004
  sample_rate: 48000
  window_ms: 200
  queue_capacity: 50
  silence_rms: 0.0025
  stt:
    engine: vosk
    servers:
      en: ws://localhost:2700
      ja: ws://localhost:2701
  vad:
    engine: energy
    frame_ms: 20
    speech_threshold: 0.01
    silence_threshold: 0.005
  filter:
    max_gap_seconds: 0.5
    min_confidence: 0.7
    min_words: 1
    junk_words:
      en: ["the", "uh um", "the uh"]
      ja: ["えっと", "あの", "うーん"]
    keywords: ["crosstalk", "premium plan"]
    min_similarity: 0.9

insight:
  listen_addr: ":8004"
  providers:
    - name: openai
      api_key: sk-test
      model: gpt-4o-mini
    - name: ollama
      base_url: http://localhost:11434
      model: llama3
  temperature: 0.4
  max_tokens: 100

web:
  listen_addr: ":8080"
  root: ./web
`

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if cfg.Server.TLS == nil || cfg.Server.TLS.CertFile != "/etc/crosstalk/cert.pem" {
		t.Errorf("server.tls.cert_file: got %+v", cfg.Server.TLS)
	}
	if !cfg.Signaling.RejectBusy {
		t.Error("signaling.reject_busy: got false, want true")
	}
	if cfg.Signaling.RelayURL != "wss://relay.internal:8002" {
		t.Errorf("signaling.relay_url: got %q", cfg.Signaling.RelayURL)
	}
	if cfg.Relay.BufferFrames != 50 {
		t.Errorf("relay.buffer_frames: got %d, want 50", cfg.Relay.BufferFrames)
	}
	if cfg.Transcriber.STT.Engine != config.STTVosk {
		t.Errorf("transcriber.stt.engine: got %q, want vosk", cfg.Transcriber.STT.Engine)
	}
	if got := cfg.Transcriber.STT.Servers["ja"]; got != "ws://localhost:2701" {
		t.Errorf("transcriber.stt.servers[ja]: got %q", got)
	}
	if cfg.Transcriber.VAD == nil || cfg.Transcriber.VAD.FrameMS != 20 {
		t.Errorf("transcriber.vad: got %+v", cfg.Transcriber.VAD)
	}
	if got := len(cfg.Transcriber.Filter.JunkWords["en"]); got != 3 {
		t.Errorf("transcriber.filter.junk_words[en]: got %d entries, want 3", got)
	}
	if got := len(cfg.Insight.Providers); got != 2 {
		t.Fatalf("insight.providers: got %d, want 2", got)
	}
	if cfg.Insight.Providers[1].Name != "ollama" {
		t.Errorf("insight.providers[1].name: got %q", cfg.Insight.Providers[1].Name)
	}
	if cfg.Web.Root != "./web" {
		t.Errorf("web.root: got %q", cfg.Web.Root)
	}
}

func TestLoadFromReader_EmptyAppliesDefaults(t *testing.T) {
	// An empty config should succeed; defaults cover every role except the
	// transcriber's recognition backend, which stays unset.
	cfg, err := config.LoadFromReader(strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("unexpected error for empty config: %v", err)
	}

	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level default: got %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Signaling.ListenAddr != ":8001" {
		t.Errorf("signaling.listen_addr default: got %q", cfg.Signaling.ListenAddr)
	}
	if cfg.Signaling.RelayURL != "ws://localhost:8002" {
		t.Errorf("signaling.relay_url default: got %q", cfg.Signaling.RelayURL)
	}
	if cfg.Relay.BufferFrames != config.DefaultBufferFrames {
		t.Errorf("relay.buffer_frames default: got %d", cfg.Relay.BufferFrames)
	}
	if cfg.Transcriber.SampleRate != 48000 || cfg.Transcriber.WindowMS != 200 {
		t.Errorf("transcriber window defaults: got %d Hz / %d ms", cfg.Transcriber.SampleRate, cfg.Transcriber.WindowMS)
	}
	if got := cfg.Transcriber.ChunkBytes(); got != 19200 {
		t.Errorf("ChunkBytes: got %d, want 19200", got)
	}
	if cfg.Transcriber.SilenceRMS != config.DefaultSilenceRMS {
		t.Errorf("transcriber.silence_rms default: got %v", cfg.Transcriber.SilenceRMS)
	}
	if cfg.Transcriber.STT.Engine != "" {
		t.Errorf("transcriber.stt.engine should stay unset, got %q", cfg.Transcriber.STT.Engine)
	}
	if cfg.Transcriber.Filter.MinConfidence != config.DefaultMinConfidence {
		t.Errorf("filter.min_confidence default: got %v", cfg.Transcriber.Filter.MinConfidence)
	}
	if got := cfg.Transcriber.Filter.JunkWords["en"]; len(got) == 0 {
		t.Error("filter.junk_words[en] default should not be empty")
	}
	if cfg.Insight.Temperature != config.DefaultTemperature {
		t.Errorf("insight.temperature default: got %v", cfg.Insight.Temperature)
	}
	if cfg.Insight.MaxTokens != config.DefaultMaxTokens {
		t.Errorf("insight.max_tokens default: got %d", cfg.Insight.MaxTokens)
	}
	if cfg.Web.ListenAddr != ":8080" {
		t.Errorf("web.listen_addr default: got %q", cfg.Web.ListenAddr)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	yaml := `
server:
  log_level: info
  max_connections: 100
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestApplyDefaults_TLSSelectsSecureScheme(t *testing.T) {
	cfg := &config.Config{
		Server: config.ServerConfig{
			TLS: &config.TLSConfig{CertFile: "c.pem", KeyFile: "k.pem"},
		},
	}
	config.ApplyDefaults(cfg)

	if cfg.Signaling.RelayURL != "wss://localhost:8002" {
		t.Errorf("relay_url: got %q, want wss scheme", cfg.Signaling.RelayURL)
	}
	if cfg.Transcriber.InsightURL != "wss://localhost:8004" {
		t.Errorf("insight_url: got %q, want wss scheme", cfg.Transcriber.InsightURL)
	}
}

func TestChunkBytes(t *testing.T) {
	tests := []struct {
		sampleRate int
		windowMS   int
		want       int
	}{
		{48000, 200, 19200},
		{16000, 20, 640},
		{8000, 100, 1600},
	}
	for _, tt := range tests {
		tc := config.TranscriberConfig{SampleRate: tt.sampleRate, WindowMS: tt.windowMS}
		if got := tc.ChunkBytes(); got != tt.want {
			t.Errorf("ChunkBytes(%d Hz, %d ms): got %d, want %d", tt.sampleRate, tt.windowMS, got, tt.want)
		}
	}
}

func TestLogLevel_Slog(t *testing.T) {
	tests := []struct {
		level config.LogLevel
		want  slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{config.LogLevel("bogus"), slog.LevelInfo},
		{config.LogLevel(""), slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := tt.level.Slog(); got != tt.want {
			t.Errorf("Slog(%q): got %v, want %v", tt.level, got, tt.want)
		}
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_UnknownLLM(t *testing.T) {
	reg := config.NewRegistry()
	_, err := reg.CreateLLM(config.ProviderEntry{Name: "nonexistent"})
	if err == nil {
		t.Fatal("expected error for unknown completion provider")
	}
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got: %v", err)
	}
}

func TestRegistry_UnknownSTT(t *testing.T) {
	reg := config.NewRegistry()
	_, err := reg.CreateSTT(config.STTConfig{Engine: "nonexistent"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got: %v", err)
	}
}

func TestRegistry_UnknownVAD(t *testing.T) {
	reg := config.NewRegistry()
	_, err := reg.CreateVAD(config.VADConfig{Engine: "nonexistent"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got: %v", err)
	}
}

func TestRegistry_RegisteredLLM(t *testing.T) {
	reg := config.NewRegistry()
	want := &llmmock.Provider{}
	var gotEntry config.ProviderEntry
	reg.RegisterLLM("stub", func(e config.ProviderEntry) (llm.Provider, error) {
		gotEntry = e
		return want, nil
	})

	got, err := reg.CreateLLM(config.ProviderEntry{Name: "stub", Model: "m1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != llm.Provider(want) {
		t.Error("returned provider is not the expected instance")
	}
	if gotEntry.Model != "m1" {
		t.Errorf("factory entry.Model: got %q, want %q", gotEntry.Model, "m1")
	}
}

func TestRegistry_RegisteredSTT(t *testing.T) {
	reg := config.NewRegistry()
	want := &sttmock.Engine{}
	reg.RegisterSTT("stub", func(c config.STTConfig) (stt.Engine, error) {
		return want, nil
	})

	got, err := reg.CreateSTT(config.STTConfig{Engine: "stub"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != stt.Engine(want) {
		t.Error("returned engine is not the expected instance")
	}
}

func TestRegistry_RegisteredVAD(t *testing.T) {
	reg := config.NewRegistry()
	want := &vadmock.Engine{}
	reg.RegisterVAD("stub", func(c config.VADConfig) (vad.Engine, error) {
		return want, nil
	})

	got, err := reg.CreateVAD(config.VADConfig{Engine: "stub"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != vad.Engine(want) {
		t.Error("returned engine is not the expected instance")
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	reg := config.NewRegistry()
	wantErr := errors.New("factory boom")
	reg.RegisterLLM("broken", func(e config.ProviderEntry) (llm.Provider, error) {
		return nil, wantErr
	})
	_, err := reg.CreateLLM(config.ProviderEntry{Name: "broken"})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected factory error %v, got %v", wantErr, err)
	}
}
