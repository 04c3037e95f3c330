package transcriber

import (
	"log/slog"

	"github.com/crosstalkhq/crosstalk/pkg/audio"
	"github.com/crosstalkhq/crosstalk/pkg/types"
)

// gateChunk decides whether a PCM chunk carries speech and replaces
// non-speech with zero bytes of the same length, so the recognizer sees a
// continuous stream but never hallucinates on line noise.
//
// With a VAD session the chunk is judged in fixed frames and counts as
// speech when any frame lands in an open speech segment. Without one, or
// when the detector fails mid-chunk, the plain RMS threshold decides.
func gateChunk(sp *speaker, pcm []byte, frameBytes int, threshold float64, log *slog.Logger) []byte {
	if sp.vadSess != nil && frameBytes > 0 && len(pcm) >= frameBytes {
		speech, ok := judgeFrames(sp, pcm, frameBytes, log)
		if ok {
			if speech {
				return pcm
			}
			return audio.Silence(len(pcm))
		}
	}

	if audio.RMS(pcm) < threshold {
		return audio.Silence(len(pcm))
	}
	return pcm
}

// judgeFrames feeds every whole frame of the chunk to the speaker's VAD
// session. All frames are processed even after speech is found, so the
// detector's segment state stays aligned with the audio. ok is false when
// the detector errored and the caller should fall back to the RMS rule.
func judgeFrames(sp *speaker, pcm []byte, frameBytes int, log *slog.Logger) (speech, ok bool) {
	for off := 0; off+frameBytes <= len(pcm); off += frameBytes {
		ev, err := sp.vadSess.ProcessFrame(pcm[off : off+frameBytes])
		if err != nil {
			log.Warn("vad frame failed, falling back to rms gate",
				"speaker", sp.username, "error", err)
			return false, false
		}
		if ev.Type == types.VADSpeechStart || ev.Type == types.VADSpeechContinue {
			speech = true
		}
	}
	return speech, true
}
