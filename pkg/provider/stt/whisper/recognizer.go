package whisper

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/crosstalkhq/crosstalk/pkg/audio"
	"github.com/crosstalkhq/crosstalk/pkg/provider/stt"
	"github.com/crosstalkhq/crosstalk/pkg/types"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// Compile-time assertion that recognizer satisfies stt.Recognizer.
var _ stt.Recognizer = (*recognizer)(nil)

var errClosed = errors.New("whisper: recognizer is closed")

// recognizer is a live whisper recognizer for one speaker. All mutable state
// that drives silence detection and buffering belongs to the single goroutine
// that calls Accept and Flush.
type recognizer struct {
	// immutable configuration (set once in NewRecognizer)
	model               whisperlib.Model
	language            string
	src                 audio.Format
	silenceRMS          float64
	silenceThresholdMs  int
	maxBufferDurationMs int
	decodeIntervalMs    int

	conv audio.FormatConverter

	// utterance state, 16 kHz mono PCM
	buffer        []byte
	hadSpeech     bool
	silenceMs     int
	sinceDecodeMs int
	closed        bool
}

// Accept feeds one PCM chunk. Silent chunks extend the trailing-silence run;
// once that run passes the threshold the buffered utterance is committed as a
// final. Speech chunks accumulate and trigger a partial decode every
// decodeIntervalMs of new speech.
func (r *recognizer) Accept(pcm []byte) (types.Transcript, error) {
	if r.closed {
		return types.Transcript{}, errClosed
	}

	chunkMs := chunkDurationMs(pcm, r.src.SampleRate, r.src.Channels)
	level := audio.RMS(pcm)
	mono := r.conv.Convert(pcm, r.src)

	if level < r.silenceRMS {
		if !r.hadSpeech {
			// Leading silence carries no utterance; skip it.
			return types.Transcript{}, nil
		}
		r.buffer = append(r.buffer, mono...)
		r.silenceMs += chunkMs
		if r.silenceMs >= r.silenceThresholdMs {
			return r.commit()
		}
		return types.Transcript{}, nil
	}

	r.hadSpeech = true
	r.silenceMs = 0
	r.buffer = append(r.buffer, mono...)

	maxBufferBytes := r.maxBufferDurationMs * bytesPerMs(modelSampleRate, 1)
	if maxBufferBytes > 0 && len(r.buffer) >= maxBufferBytes {
		return r.commit()
	}

	r.sinceDecodeMs += chunkMs
	if r.decodeIntervalMs > 0 && r.sinceDecodeMs >= r.decodeIntervalMs {
		r.sinceDecodeMs = 0
		text, err := r.infer(r.buffer)
		if err != nil {
			return types.Transcript{}, err
		}
		return types.Transcript{Text: text, IsFinal: false}, nil
	}
	return types.Transcript{}, nil
}

// Flush commits whatever the recognizer has buffered as a final. Used at end
// of call so trailing speech is not lost.
func (r *recognizer) Flush() (types.Transcript, error) {
	if r.closed {
		return types.Transcript{}, errClosed
	}
	return r.commit()
}

// Close releases the recognizer. The shared model stays open; it belongs to
// the engine.
func (r *recognizer) Close() error {
	r.closed = true
	r.buffer = nil
	return nil
}

// commit decodes the buffered utterance and resets the utterance state.
func (r *recognizer) commit() (types.Transcript, error) {
	pcm := r.buffer
	hadSpeech := r.hadSpeech
	r.buffer = nil
	r.hadSpeech = false
	r.silenceMs = 0
	r.sinceDecodeMs = 0

	if len(pcm) == 0 || !hadSpeech {
		return types.Transcript{}, nil
	}
	text, err := r.infer(pcm)
	if err != nil {
		return types.Transcript{}, err
	}
	return types.Transcript{Text: text, IsFinal: true}, nil
}

// infer converts the buffered PCM to float32, runs whisper.cpp inference in
// a fresh context, and returns the concatenated segment text.
func (r *recognizer) infer(pcm []byte) (string, error) {
	samples := pcmToFloat32(pcm)

	wctx, err := r.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}

	if err := wctx.SetLanguage(r.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", r.language, "error", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}

	return strings.Join(parts, " "), nil
}

// chunkDurationMs returns the playback duration of a 16-bit PCM chunk.
func chunkDurationMs(chunk []byte, sampleRate, channels int) int {
	perMs := bytesPerMs(sampleRate, channels)
	if perMs <= 0 {
		return 0
	}
	return len(chunk) / perMs
}

// bytesPerMs returns the byte rate of 16-bit PCM per millisecond.
func bytesPerMs(sampleRate, channels int) int {
	return sampleRate * channels * 2 / 1000
}
