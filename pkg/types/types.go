// Package types defines the shared types used across crosstalk packages.
//
// These are the cross-cutting data structures exchanged between the speech
// providers, the transcriber pipeline, and the insight generator. Each package
// defines its own domain types; only data that would otherwise cause circular
// imports lives here.
package types

import "time"

// Transcript represents a speech-to-text result from a recognizer.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (committed) or partial
	// (interim) transcript. Finals cannot be retracted.
	IsFinal bool

	// Confidence is the overall confidence score (0.0-1.0). Zero when the
	// recognizer does not report confidence.
	Confidence float64

	// Words contains per-word detail when the recognizer supports it.
	// Nil otherwise; the phrase filter only applies when this is populated.
	Words []WordDetail

	// Timestamp marks when the utterance started, relative to session start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// WordDetail holds per-word metadata from recognizers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// Message represents a single message in an LLM conversation.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// VADEvent represents a voice activity detection result for a single audio frame.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Probability is the speech probability score (0.0-1.0).
	Probability float64
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart VADEventType = iota

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd indicates speech has just ended.
	VADSpeechEnd

	// VADSilence indicates no speech detected.
	VADSilence
)
