// Package config provides the configuration schema, loader, file watcher, and
// provider registry for the crosstalk call plane.
package config

import "log/slog"

// LogLevel controls log verbosity across all crosstalk roles.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l onto the corresponding slog level. Unrecognised values map to
// Info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// STTEngine selects the speech recognition backend used by the transcriber.
type STTEngine string

const (
	// STTWhisper runs whisper.cpp in process from a shared model file.
	STTWhisper STTEngine = "whisper"

	// STTVosk streams chunks to external vosk-server instances over WebSocket,
	// one server per language.
	STTVosk STTEngine = "vosk"
)

// IsValid reports whether e is a recognised recognition backend.
func (e STTEngine) IsValid() bool {
	return e == STTWhisper || e == STTVosk
}

// Config is the root configuration structure for crosstalk.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Signaling   SignalingConfig   `yaml:"signaling"`
	Relay       RelayConfig       `yaml:"relay"`
	Transcriber TranscriberConfig `yaml:"transcriber"`
	Insight     InsightConfig     `yaml:"insight"`
	Web         WebConfig         `yaml:"web"`
}

// ServerConfig holds settings shared by every role in the process.
type ServerConfig struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures the certificate/key pair shared by all listeners.
	// When nil, listeners run unencrypted; that mode is intended for local
	// development and tests only.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds the TLS certificate paths shared by every listener.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// SignalingConfig holds settings for the signaling role.
type SignalingConfig struct {
	// ListenAddr is the TCP address of the signaling listener (e.g., ":8001").
	ListenAddr string `yaml:"listen_addr"`

	// RelayURL is the WebSocket URL of the relay service. Control events are
	// fanned out to it over a persistent outbound channel.
	RelayURL string `yaml:"relay_url"`

	// TranscriberURL is the WebSocket URL of the transcriber service, the
	// second fan-out target.
	TranscriberURL string `yaml:"transcriber_url"`

	// RejectBusy refuses call_user requests targeting a user who already has
	// an active call. When false, users may hold concurrent calls.
	RejectBusy bool `yaml:"reject_busy"`
}

// RelayConfig holds settings for the media relay role.
type RelayConfig struct {
	// ListenAddr is the TCP address of the relay listener (e.g., ":8002").
	ListenAddr string `yaml:"listen_addr"`

	// BufferFrames is the number of media frames held per sender while the
	// peer's channel is absent. Frames beyond the cap are dropped.
	BufferFrames int `yaml:"buffer_frames"`
}

// TranscriberConfig holds settings for the transcriber role.
type TranscriberConfig struct {
	// ListenAddr is the TCP address of the transcriber listener (e.g., ":8003").
	ListenAddr string `yaml:"listen_addr"`

	// InsightURL is the WebSocket URL of the insight service. Customer finals
	// are submitted to it over a persistent outbound channel.
	InsightURL string `yaml:"insight_url"`

	// SampleRate is the PCM sample rate in Hz that clients send.
	SampleRate int `yaml:"sample_rate"`

	// WindowMS is the recognition window in milliseconds. Audio accumulates
	// per speaker until one full window is buffered, then exactly that much
	// is fed to the recognizer.
	WindowMS int `yaml:"window_ms"`

	// QueueCapacity bounds the per-call PCM and insight queues. When a queue
	// is full the producing side drops with a log line instead of blocking.
	QueueCapacity int `yaml:"queue_capacity"`

	// SilenceRMS is the normalized RMS threshold below which a chunk is
	// replaced with silence before recognition.
	SilenceRMS float64 `yaml:"silence_rms"`

	// STT selects and configures the recognition backend.
	STT STTConfig `yaml:"stt"`

	// VAD optionally gates chunks with a voice activity detector instead of
	// the plain RMS test. When nil only the RMS test runs.
	VAD *VADConfig `yaml:"vad"`

	// Filter tunes the post-processing applied to final transcripts.
	Filter FilterConfig `yaml:"filter"`
}

// ChunkBytes returns the recognition window size in bytes of 16-bit mono PCM.
func (c TranscriberConfig) ChunkBytes() int {
	return c.SampleRate * 2 * c.WindowMS / 1000
}

// STTConfig selects the recognition backend and its engine-specific settings.
type STTConfig struct {
	// Engine selects the recognition backend.
	Engine STTEngine `yaml:"engine"`

	// ModelPath is the whisper.cpp model file, loaded once and shared by all
	// recognizers. Whisper only.
	ModelPath string `yaml:"model_path"`

	// Servers maps a language code to the vosk-server WebSocket URL holding
	// that language's model (e.g., en: "ws://localhost:2700"). Vosk only.
	Servers map[string]string `yaml:"servers"`
}

// VADConfig configures the optional voice activity detector.
type VADConfig struct {
	// Engine selects the detector implementation. Currently only "energy".
	Engine string `yaml:"engine"`

	// FrameMS is the analysis frame length in milliseconds.
	FrameMS int `yaml:"frame_ms"`

	// SpeechThreshold is the normalized energy at or above which a frame
	// opens or extends a speech segment.
	SpeechThreshold float64 `yaml:"speech_threshold"`

	// SilenceThreshold is the normalized energy below which an open segment
	// may close. Must not exceed SpeechThreshold.
	SilenceThreshold float64 `yaml:"silence_threshold"`
}

// FilterConfig tunes the post-processing applied to final transcripts.
// All fields hot-reload through the [Watcher]; partial transcripts are
// never filtered.
type FilterConfig struct {
	// MaxGapSeconds splits a final into phrases at inter-word gaps longer
	// than this many seconds.
	MaxGapSeconds float64 `yaml:"max_gap_seconds"`

	// MinConfidence drops phrases whose average word confidence falls below
	// this value.
	MinConfidence float64 `yaml:"min_confidence"`

	// MinWords drops phrases with fewer words.
	MinWords int `yaml:"min_words"`

	// JunkWords maps a language code to phrases discarded outright.
	// When nil, built-in filler sets for "en" and "ja" apply.
	JunkWords map[string][]string `yaml:"junk_words"`

	// Keywords lists domain vocabulary that finals are corrected towards.
	// A word that sounds like a keyword and is close enough in spelling is
	// replaced by it. Empty disables correction.
	Keywords []string `yaml:"keywords"`

	// MinSimilarity is the string-similarity floor for keyword correction,
	// in (0, 1].
	MinSimilarity float64 `yaml:"min_similarity"`
}

// InsightConfig holds settings for the insight role.
type InsightConfig struct {
	// ListenAddr is the TCP address of the insight listener (e.g., ":8004").
	ListenAddr string `yaml:"listen_addr"`

	// Providers is the completion fallback chain, tried in order. A built-in
	// deterministic provider terminates the chain so inference never fails
	// outright.
	Providers []ProviderEntry `yaml:"providers"`

	// Temperature is passed to each completion. Zero selects the default.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps each completion. Zero selects the default.
	MaxTokens int `yaml:"max_tokens"`
}

// ProviderEntry is the configuration block for one completion provider in the
// insight fallback chain. The Name field is used to look up the constructor
// in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation
	// (e.g., "openai", "ollama", "template").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`
}

// WebConfig holds settings for the static asset role.
type WebConfig struct {
	// ListenAddr is the TCP address of the web listener (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// Root is the directory served as the site root.
	Root string `yaml:"root"`
}
