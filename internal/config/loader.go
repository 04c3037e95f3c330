package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Default values applied by [ApplyDefaults] when a field is unset.
const (
	DefaultSampleRate    = 48000
	DefaultWindowMS      = 200
	DefaultQueueCapacity = 50
	DefaultBufferFrames  = 50
	DefaultSilenceRMS    = 0.0025
	DefaultMaxGapSeconds = 0.5
	DefaultMinConfidence = 0.7
	DefaultMinWords      = 1
	DefaultMinSimilarity = 0.9
	DefaultTemperature   = 0.4
	DefaultMaxTokens     = 100
)

// ValidInsightProviders lists the provider names the standard registry wiring
// knows how to construct. Used by [Validate] to warn about unrecognised names.
var ValidInsightProviders = []string{
	"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq",
	"llamacpp", "llamafile", "template",
}

// DefaultJunkWords returns the built-in junk phrase sets applied when
// filter.junk_words is absent.
func DefaultJunkWords() map[string][]string {
	return map[string][]string{
		"en": {"the", "uh um", "the uh"},
		"ja": {"えっと", "あの", "うーん"},
	}
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults, and validates
// the result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields of cfg with their documented defaults.
// [LoadFromReader] calls it before validation; code that builds a [Config]
// directly can call it too.
func ApplyDefaults(cfg *Config) {
	// Outbound URLs follow the TLS setting of the listeners they point at.
	scheme := "ws"
	if cfg.Server.TLS != nil {
		scheme = "wss"
	}

	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Signaling.ListenAddr == "" {
		cfg.Signaling.ListenAddr = ":8001"
	}
	if cfg.Signaling.RelayURL == "" {
		cfg.Signaling.RelayURL = scheme + "://localhost:8002"
	}
	if cfg.Signaling.TranscriberURL == "" {
		cfg.Signaling.TranscriberURL = scheme + "://localhost:8003"
	}

	if cfg.Relay.ListenAddr == "" {
		cfg.Relay.ListenAddr = ":8002"
	}
	if cfg.Relay.BufferFrames == 0 {
		cfg.Relay.BufferFrames = DefaultBufferFrames
	}

	t := &cfg.Transcriber
	if t.ListenAddr == "" {
		t.ListenAddr = ":8003"
	}
	if t.InsightURL == "" {
		t.InsightURL = scheme + "://localhost:8004"
	}
	if t.SampleRate == 0 {
		t.SampleRate = DefaultSampleRate
	}
	if t.WindowMS == 0 {
		t.WindowMS = DefaultWindowMS
	}
	if t.QueueCapacity == 0 {
		t.QueueCapacity = DefaultQueueCapacity
	}
	if t.SilenceRMS == 0 {
		t.SilenceRMS = DefaultSilenceRMS
	}
	if t.VAD != nil {
		if t.VAD.Engine == "" {
			t.VAD.Engine = "energy"
		}
		if t.VAD.FrameMS == 0 {
			t.VAD.FrameMS = 20
		}
		if t.VAD.SpeechThreshold == 0 {
			t.VAD.SpeechThreshold = 0.01
		}
		if t.VAD.SilenceThreshold == 0 {
			t.VAD.SilenceThreshold = 0.005
		}
	}
	if t.Filter.MaxGapSeconds == 0 {
		t.Filter.MaxGapSeconds = DefaultMaxGapSeconds
	}
	if t.Filter.MinConfidence == 0 {
		t.Filter.MinConfidence = DefaultMinConfidence
	}
	if t.Filter.MinWords == 0 {
		t.Filter.MinWords = DefaultMinWords
	}
	if t.Filter.JunkWords == nil {
		t.Filter.JunkWords = DefaultJunkWords()
	}
	if t.Filter.MinSimilarity == 0 {
		t.Filter.MinSimilarity = DefaultMinSimilarity
	}

	if cfg.Insight.ListenAddr == "" {
		cfg.Insight.ListenAddr = ":8004"
	}
	if cfg.Insight.Temperature == 0 {
		cfg.Insight.Temperature = DefaultTemperature
	}
	if cfg.Insight.MaxTokens == 0 {
		cfg.Insight.MaxTokens = DefaultMaxTokens
	}

	if cfg.Web.ListenAddr == "" {
		cfg.Web.ListenAddr = ":8080"
	}
	if cfg.Web.Root == "" {
		cfg.Web.Root = "./web"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tc := cfg.Server.TLS; tc != nil {
		if tc.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if tc.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Signaling
	if err := wsURLError("signaling.relay_url", cfg.Signaling.RelayURL); err != nil {
		errs = append(errs, err)
	}
	if err := wsURLError("signaling.transcriber_url", cfg.Signaling.TranscriberURL); err != nil {
		errs = append(errs, err)
	}

	// Relay
	if cfg.Relay.BufferFrames < 0 {
		errs = append(errs, fmt.Errorf("relay.buffer_frames %d is negative", cfg.Relay.BufferFrames))
	}

	// Transcriber
	t := cfg.Transcriber
	if err := wsURLError("transcriber.insight_url", t.InsightURL); err != nil {
		errs = append(errs, err)
	}
	if t.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("transcriber.sample_rate %d is negative", t.SampleRate))
	}
	if t.WindowMS < 0 {
		errs = append(errs, fmt.Errorf("transcriber.window_ms %d is negative", t.WindowMS))
	}
	if t.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("transcriber.queue_capacity %d is negative", t.QueueCapacity))
	}
	if t.QueueCapacity > 0 && t.QueueCapacity < 50 {
		slog.Warn("transcriber.queue_capacity below 50 may drop media under load", "capacity", t.QueueCapacity)
	}
	if t.SilenceRMS < 0 || t.SilenceRMS > 1 {
		errs = append(errs, fmt.Errorf("transcriber.silence_rms %.4f is out of range [0, 1]", t.SilenceRMS))
	}

	switch {
	case t.STT.Engine == "":
		// Tolerated; only the transcriber role needs a recognition backend,
		// and it fails at startup when none is configured.
	case !t.STT.Engine.IsValid():
		errs = append(errs, fmt.Errorf("transcriber.stt.engine %q is invalid; valid values: whisper, vosk", t.STT.Engine))
	case t.STT.Engine == STTWhisper && t.STT.ModelPath == "":
		errs = append(errs, errors.New("transcriber.stt.model_path is required for the whisper engine"))
	case t.STT.Engine == STTVosk && len(t.STT.Servers) == 0:
		errs = append(errs, errors.New("transcriber.stt.servers must list at least one language server for the vosk engine"))
	}
	for lang, raw := range t.STT.Servers {
		if err := wsURLError(fmt.Sprintf("transcriber.stt.servers[%s]", lang), raw); err != nil {
			errs = append(errs, err)
		}
	}

	if v := t.VAD; v != nil {
		if v.FrameMS < 0 {
			errs = append(errs, fmt.Errorf("transcriber.vad.frame_ms %d is negative", v.FrameMS))
		}
		if v.SpeechThreshold < 0 || v.SpeechThreshold > 1 {
			errs = append(errs, fmt.Errorf("transcriber.vad.speech_threshold %.4f is out of range [0, 1]", v.SpeechThreshold))
		}
		if v.SilenceThreshold < 0 || v.SilenceThreshold > 1 {
			errs = append(errs, fmt.Errorf("transcriber.vad.silence_threshold %.4f is out of range [0, 1]", v.SilenceThreshold))
		}
		if v.SilenceThreshold > v.SpeechThreshold {
			errs = append(errs, fmt.Errorf("transcriber.vad.silence_threshold %.4f exceeds speech_threshold %.4f", v.SilenceThreshold, v.SpeechThreshold))
		}
	}

	f := t.Filter
	if f.MaxGapSeconds < 0 {
		errs = append(errs, fmt.Errorf("transcriber.filter.max_gap_seconds %.2f is negative", f.MaxGapSeconds))
	}
	if f.MinConfidence < 0 || f.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("transcriber.filter.min_confidence %.2f is out of range [0, 1]", f.MinConfidence))
	}
	if f.MinWords < 0 {
		errs = append(errs, fmt.Errorf("transcriber.filter.min_words %d is negative", f.MinWords))
	}
	if f.MinSimilarity < 0 || f.MinSimilarity > 1 {
		errs = append(errs, fmt.Errorf("transcriber.filter.min_similarity %.2f is out of range [0, 1]", f.MinSimilarity))
	}

	// Insight
	for i, p := range cfg.Insight.Providers {
		prefix := fmt.Sprintf("insight.providers[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProviderName(p.Name)
	}
	if cfg.Insight.Temperature < 0 || cfg.Insight.Temperature > 2 {
		errs = append(errs, fmt.Errorf("insight.temperature %.2f is out of range [0, 2]", cfg.Insight.Temperature))
	}
	if cfg.Insight.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("insight.max_tokens %d is negative", cfg.Insight.MaxTokens))
	}

	return errors.Join(errs...)
}

// wsURLError reports why raw cannot serve as a WebSocket URL, or nil.
// Empty values are tolerated; ApplyDefaults fills them on the Load path.
func wsURLError(field, raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s %q is not a valid URL: %w", field, raw, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%s %q must use the ws or wss scheme", field, raw)
	}
	return nil
}

// validateProviderName logs a warning if name is non-empty and not found in
// [ValidInsightProviders].
func validateProviderName(name string) {
	if slices.Contains(ValidInsightProviders, name) {
		return
	}
	slog.Warn("unknown insight provider name, may be a typo or a custom registration",
		"name", name,
		"known", ValidInsightProviders,
	)
}
