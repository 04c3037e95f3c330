// Package energy implements vad.Engine with a normalized-RMS detector.
//
// It classifies each frame by its root-mean-square level with hysteresis: a
// frame at or above Config.SpeechThreshold opens a speech segment, and the
// segment stays open until the level sits below Config.SilenceThreshold for a
// hangover run of consecutive frames. The hangover keeps short intra-word
// pauses from splitting an utterance.
//
// There is no model behind this engine, so the reported Probability carries
// the frame's normalized RMS rather than a learned score.
package energy

import (
	"errors"
	"fmt"

	"github.com/crosstalkhq/crosstalk/pkg/audio"
	"github.com/crosstalkhq/crosstalk/pkg/provider/vad"
	"github.com/crosstalkhq/crosstalk/pkg/types"
)

const defaultHangoverFrames = 5

// Compile-time assertion that Engine satisfies vad.Engine.
var _ vad.Engine = (*Engine)(nil)

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithHangoverFrames sets how many consecutive sub-silence frames end an open
// speech segment. Default: 5.
func WithHangoverFrames(n int) Option {
	return func(e *Engine) {
		e.hangoverFrames = n
	}
}

// Engine creates energy-based VAD sessions.
type Engine struct {
	hangoverFrames int
}

// New creates an Engine with the given options.
func New(opts ...Option) *Engine {
	e := &Engine{hangoverFrames: defaultHangoverFrames}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: frame size must be positive, got %d ms", cfg.FrameSizeMs)
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("energy: speech threshold %f out of range [0, 1]", cfg.SpeechThreshold)
	}
	if cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold %f out of range [0, %f]", cfg.SilenceThreshold, cfg.SpeechThreshold)
	}
	return &session{
		cfg:        cfg,
		frameBytes: cfg.SampleRate * 2 * cfg.FrameSizeMs / 1000,
		hangover:   e.hangoverFrames,
	}, nil
}

// ---- session ----------------------------------------------------------------

var errClosed = errors.New("energy: session is closed")

// Compile-time assertion that session satisfies vad.SessionHandle.
var _ vad.SessionHandle = (*session)(nil)

type session struct {
	cfg        vad.Config
	frameBytes int
	hangover   int

	inSpeech  bool
	silentRun int
	closed    bool
}

func (s *session) ProcessFrame(frame []byte) (types.VADEvent, error) {
	if s.closed {
		return types.VADEvent{}, errClosed
	}
	if len(frame) != s.frameBytes {
		return types.VADEvent{}, fmt.Errorf("energy: frame is %d bytes, want %d for %d ms at %d Hz",
			len(frame), s.frameBytes, s.cfg.FrameSizeMs, s.cfg.SampleRate)
	}

	rms := audio.RMS(frame)
	ev := types.VADEvent{Probability: rms}

	switch {
	case rms >= s.cfg.SpeechThreshold:
		if s.inSpeech {
			ev.Type = types.VADSpeechContinue
		} else {
			ev.Type = types.VADSpeechStart
			s.inSpeech = true
		}
		s.silentRun = 0

	case s.inSpeech && rms >= s.cfg.SilenceThreshold:
		// Between the thresholds an open segment stays open.
		ev.Type = types.VADSpeechContinue
		s.silentRun = 0

	case s.inSpeech:
		s.silentRun++
		if s.silentRun >= s.hangover {
			ev.Type = types.VADSpeechEnd
			s.inSpeech = false
			s.silentRun = 0
		} else {
			ev.Type = types.VADSpeechContinue
		}

	default:
		ev.Type = types.VADSilence
	}

	return ev, nil
}

func (s *session) Reset() {
	if s.closed {
		return
	}
	s.inSpeech = false
	s.silentRun = 0
}

func (s *session) Close() error {
	s.closed = true
	return nil
}
