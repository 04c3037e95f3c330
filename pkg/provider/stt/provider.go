// Package stt defines the Engine interface for speech-to-text backends.
//
// An engine owns the shared, read-only recognition models and hands out
// Recognizer instances, one per speaker. A recognizer is incremental: callers
// feed it fixed-size PCM chunks and receive the recognizer's current best
// guess after each chunk, either a partial (interim, superseded by later
// results) or a final (committed, never retracted).
//
// Engines must be safe for concurrent use. Recognizers are NOT: each one is
// owned by a single goroutine for its whole life. This matches how the
// per-call drain task consumes audio, and it lets backends keep per-utterance
// decode state without locking.
package stt

import (
	"context"
	"errors"

	"github.com/crosstalkhq/crosstalk/pkg/types"
)

// ErrLanguageNotSupported is returned by NewRecognizer when the engine has no
// model for the requested language.
var ErrLanguageNotSupported = errors.New("stt: language not supported")

// Config describes the audio format and recognition settings for one
// recognizer. Chunks fed to Accept must match SampleRate and Channels.
type Config struct {
	// SampleRate is the input sample rate in Hz. The call plane delivers
	// 48000 Hz capture audio; engines resample internally as needed.
	SampleRate int

	// Channels is the number of interleaved channels in the input. 1 = mono.
	Channels int

	// Language is the recognition language tag (e.g. "en", "ja"). It is fixed
	// for the recognizer's lifetime; one speaker, one language.
	Language string
}

// Recognizer is an incremental speech recognizer bound to one speaker.
//
// Accept and Flush must be called from a single goroutine. The zero
// Transcript (empty Text) means "nothing to report yet" and is a normal
// result, not an error.
type Recognizer interface {
	// Accept feeds one PCM chunk and returns the recognizer's current result.
	// IsFinal reports whether the text is committed; a non-final result is a
	// partial that later calls may supersede.
	Accept(pcm []byte) (types.Transcript, error)

	// Flush forces the recognizer to commit whatever audio it has buffered
	// and return it as a final. Used at end of call so trailing speech is not
	// lost.
	Flush() (types.Transcript, error)

	// Close releases recognizer resources. After Close, Accept and Flush
	// return errors. Calling Close more than once is safe.
	Close() error
}

// Engine creates recognizers from shared models.
type Engine interface {
	// NewRecognizer opens a recognizer for one speaker. ctx bounds any
	// connection setup the backend performs; network-backed engines may also
	// bind the recognizer's later I/O to it, so cancelling the call context
	// aborts in-flight recognition.
	NewRecognizer(ctx context.Context, cfg Config) (Recognizer, error)
}
