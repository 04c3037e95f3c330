package transcript

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/crosstalkhq/crosstalk/internal/config"
	"github.com/crosstalkhq/crosstalk/pkg/types"
)

// Filter post-processes final transcripts: it splits a final into phrases at
// long inter-word silences, drops low-confidence, too-short, and junk
// phrases, and corrects the survivors against the configured vocabulary.
//
// Phrase filtering needs per-word timing and confidence detail; finals
// without it skip straight to vocabulary correction. Settings hot-reload
// through [Filter.Update], so one Filter is shared by every live call.
type Filter struct {
	mu        sync.RWMutex
	cfg       config.FilterConfig
	corrector *Corrector
}

// NewFilter builds a Filter from the given settings.
func NewFilter(cfg config.FilterConfig) *Filter {
	f := &Filter{}
	f.Update(cfg)
	return f
}

// Update swaps the filter settings. Safe to call while calls are live; each
// final sees a consistent snapshot.
func (f *Filter) Update(cfg config.FilterConfig) {
	if cfg.JunkWords == nil {
		cfg.JunkWords = config.DefaultJunkWords()
	}
	var corr *Corrector
	if len(cfg.Keywords) > 0 {
		corr = NewCorrector(cfg.Keywords, cfg.MinSimilarity)
	}

	f.mu.Lock()
	f.cfg = cfg
	f.corrector = corr
	f.mu.Unlock()
}

// Apply filters one final transcript and returns the text to deliver.
// An empty result means the final was filtered away entirely.
func (f *Filter) Apply(t types.Transcript, language string) string {
	f.mu.RLock()
	cfg := f.cfg
	corr := f.corrector
	f.mu.RUnlock()

	text := strings.TrimSpace(t.Text)
	if len(t.Words) > 0 {
		text = filterPhrases(t.Words, cfg, language)
	}
	if text == "" {
		return ""
	}
	if corr != nil {
		text = corr.Correct(text)
	}
	return text
}

// filterPhrases splits the word sequence into phrases at inter-word gaps
// longer than MaxGapSeconds, applies the confidence, length, and junk rules
// to each phrase, and rejoins what survives.
func filterPhrases(words []types.WordDetail, cfg config.FilterConfig, language string) string {
	maxGap := time.Duration(cfg.MaxGapSeconds * float64(time.Second))

	var phrases [][]types.WordDetail
	cur := []types.WordDetail{words[0]}
	for _, w := range words[1:] {
		if w.Start-cur[len(cur)-1].End > maxGap {
			phrases = append(phrases, cur)
			cur = []types.WordDetail{w}
		} else {
			cur = append(cur, w)
		}
	}
	phrases = append(phrases, cur)

	sep := separator(language)
	junk := cfg.JunkWords[language]

	var kept []string
	for _, ph := range phrases {
		if len(ph) < cfg.MinWords {
			continue
		}
		if avg, reported := avgConfidence(ph); reported && avg < cfg.MinConfidence {
			continue
		}
		tokens := make([]string, len(ph))
		for i, w := range ph {
			tokens[i] = w.Word
		}
		text := strings.Join(tokens, sep)
		if isJunk(text, junk) {
			continue
		}
		kept = append(kept, text)
	}
	return strings.Join(kept, sep)
}

// avgConfidence averages the reported word confidences of a phrase. Words
// with zero confidence are treated as unreported; reported is false when no
// word in the phrase carries a score, in which case the confidence rule
// cannot apply.
func avgConfidence(ph []types.WordDetail) (avg float64, reported bool) {
	var sum float64
	n := 0
	for _, w := range ph {
		if w.Confidence > 0 {
			sum += w.Confidence
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// isJunk reports whether a phrase is a recognized filler. The phrase is
// lowercased and adjacent duplicate words are collapsed first, so a stutter
// like "the the the" reduces to "the" before the set test.
func isJunk(phrase string, junk []string) bool {
	norm := collapseRepeats(strings.ToLower(strings.TrimSpace(phrase)))
	if norm == "" {
		return true
	}
	return slices.Contains(junk, norm)
}

// collapseRepeats removes adjacent duplicate words.
func collapseRepeats(s string) string {
	words := strings.Fields(s)
	if len(words) == 0 {
		return s
	}
	out := words[:1]
	for _, w := range words[1:] {
		if w != out[len(out)-1] {
			out = append(out, w)
		}
	}
	return strings.Join(out, " ")
}

// separator returns the join string between words and phrases for a
// language. Japanese text carries no spaces.
func separator(language string) string {
	if language == "ja" {
		return ""
	}
	return " "
}
