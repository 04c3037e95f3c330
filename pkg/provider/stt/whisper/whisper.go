// Package whisper provides an stt.Engine backed by the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
//
// The model is loaded once and shared read-only across all recognizers. Each
// inference runs in a fresh whisper context; contexts are not thread-safe but
// the model is.
//
// Because whisper.cpp is a batch (non-streaming) engine, a recognizer buffers
// incoming PCM, applies an energy-based silence detector to segment
// utterances, and re-decodes the accumulated utterance at a fixed cadence to
// produce partials. Trailing silence or an oversized buffer commits the
// utterance as a final.
package whisper

import (
	"context"
	"errors"
	"fmt"

	"github.com/crosstalkhq/crosstalk/pkg/audio"
	"github.com/crosstalkhq/crosstalk/pkg/provider/stt"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

const (
	// modelSampleRate is what whisper.cpp expects; recognizers convert
	// whatever the call plane delivers down to 16 kHz mono.
	modelSampleRate = 16000

	defaultLanguage = "en"

	// defaultSampleRate is assumed for recognizer input when the config does
	// not say otherwise.
	defaultSampleRate = 16000

	// defaultSilenceRMS is the normalized RMS level below which a chunk
	// counts as silence for utterance endpointing (~300 on the int16 scale).
	defaultSilenceRMS = 0.009

	// defaultSilenceThresholdMs is the consecutive-silence duration that
	// commits the accumulated utterance as a final.
	defaultSilenceThresholdMs = 500

	// defaultMaxBufferDurationMs caps a single utterance; longer speech is
	// force-committed.
	defaultMaxBufferDurationMs = 10_000

	// defaultDecodeIntervalMs is how much new speech accumulates between
	// partial decodes. Whisper decodes the whole utterance each time, so
	// shorter intervals trade CPU for partial latency.
	defaultDecodeIntervalMs = 600
)

// Compile-time assertion that Engine satisfies stt.Engine.
var _ stt.Engine = (*Engine)(nil)

// Engine creates whisper-backed recognizers from one shared model.
type Engine struct {
	model whisperlib.Model

	silenceRMS          float64
	silenceThresholdMs  int
	maxBufferDurationMs int
	decodeIntervalMs    int
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithSilenceRMS sets the normalized RMS level below which a chunk counts as
// silence for endpointing. Defaults to 0.009.
func WithSilenceRMS(level float64) Option {
	return func(e *Engine) { e.silenceRMS = level }
}

// WithSilenceThresholdMs sets the consecutive-silence duration (ms) that
// commits the accumulated utterance as a final. Defaults to 500 ms.
func WithSilenceThresholdMs(ms int) Option {
	return func(e *Engine) { e.silenceThresholdMs = ms }
}

// WithMaxBufferDurationMs sets the maximum buffered utterance duration (ms)
// before a forced commit. Defaults to 10 000 ms (10 s).
func WithMaxBufferDurationMs(ms int) Option {
	return func(e *Engine) { e.maxBufferDurationMs = ms }
}

// WithDecodeIntervalMs sets how much new speech (ms) accumulates between
// partial decodes. Defaults to 600 ms.
func WithDecodeIntervalMs(ms int) Option {
	return func(e *Engine) { e.decodeIntervalMs = ms }
}

// New creates an Engine that loads the whisper.cpp model from the given file
// path. The model is loaded once and shared across all recognizers. The
// caller must call Close when the engine is no longer needed.
func New(modelPath string, opts ...Option) (*Engine, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	e := &Engine{
		model:               model,
		silenceRMS:          defaultSilenceRMS,
		silenceThresholdMs:  defaultSilenceThresholdMs,
		maxBufferDurationMs: defaultMaxBufferDurationMs,
		decodeIntervalMs:    defaultDecodeIntervalMs,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Close releases the whisper model. Must be called when the engine is no
// longer needed; recognizers created from it become unusable.
func (e *Engine) Close() error {
	if e.model != nil {
		return e.model.Close()
	}
	return nil
}

// NewRecognizer opens a recognizer for one speaker. The multilingual model
// serves every language whisper.cpp knows; an unrecognized tag falls back to
// the model default at decode time. cfg.SampleRate and cfg.Channels describe
// the input format; zero values mean 16000 Hz mono.
func (e *Engine) NewRecognizer(ctx context.Context, cfg stt.Config) (stt.Recognizer, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}

	lang := cfg.Language
	if lang == "" {
		lang = defaultLanguage
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = defaultSampleRate
	}
	ch := cfg.Channels
	if ch <= 0 {
		ch = 1
	}

	return &recognizer{
		model:               e.model,
		language:            lang,
		src:                 audio.Format{SampleRate: sr, Channels: ch},
		conv:                audio.FormatConverter{Target: audio.Format{SampleRate: modelSampleRate, Channels: 1}},
		silenceRMS:          e.silenceRMS,
		silenceThresholdMs:  e.silenceThresholdMs,
		maxBufferDurationMs: e.maxBufferDurationMs,
		decodeIntervalMs:    e.decodeIntervalMs,
	}, nil
}
