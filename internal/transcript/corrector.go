// Package transcript post-processes recognizer output before delivery:
// phrase filtering of final transcripts and optional vocabulary correction
// against a configured keyword list. Partial transcripts are delivered as
// they come and never pass through this package.
package transcript

import (
	"strings"

	"github.com/crosstalkhq/crosstalk/internal/transcript/phonetic"
)

// punctCutset holds the edge punctuation stripped before matching a span
// against the vocabulary and re-attached afterwards.
const punctCutset = ".,!?;:"

// Corrector replaces misrecognized spans of a transcript with configured
// keywords. It slides an n-gram window over the text, longest window first,
// so a multi-word keyword wins over its individual words. A Corrector is
// read-only after construction; rebuild it to change the vocabulary.
type Corrector struct {
	matcher  *phonetic.Matcher
	keywords []string
	maxWords int
}

// NewCorrector builds a Corrector for the given vocabulary. minSimilarity
// is the Jaro-Winkler floor a keyword must reach to replace a span; zero
// selects the matcher default.
func NewCorrector(keywords []string, minSimilarity float64) *Corrector {
	c := &Corrector{keywords: keywords, maxWords: 1}
	for _, kw := range keywords {
		if n := len(strings.Fields(kw)); n > c.maxWords {
			c.maxWords = n
		}
	}
	var opts []phonetic.Option
	if minSimilarity > 0 {
		opts = append(opts, phonetic.WithMinSimilarity(minSimilarity))
	}
	c.matcher = phonetic.New(opts...)
	return c
}

// Correct returns text with every matching span replaced by its keyword.
// Spans are consumed greedily left to right; edge punctuation survives the
// replacement.
func (c *Corrector) Correct(text string) string {
	if len(c.keywords) == 0 || strings.TrimSpace(text) == "" {
		return text
	}

	words := strings.Fields(text)
	out := make([]string, 0, len(words))

	i := 0
	for i < len(words) {
		replacement, consumed := c.matchAt(words, i)
		if consumed == 0 {
			out = append(out, words[i])
			i++
			continue
		}
		out = append(out, replacement)
		i += consumed
	}
	return strings.Join(out, " ")
}

// matchAt tries windows starting at words[i], longest first, and returns
// the replacement span plus how many words it consumed. consumed is 0 when
// no window matched.
func (c *Corrector) matchAt(words []string, i int) (replacement string, consumed int) {
	limit := min(c.maxWords, len(words)-i)
	for n := limit; n >= 1; n-- {
		gram := strings.Join(words[i:i+n], " ")
		core := strings.Trim(gram, punctCutset)
		if core == "" {
			continue
		}
		corrected, _, ok := c.matcher.Match(core, c.keywords)
		if !ok {
			continue
		}
		prefix := gram[:len(gram)-len(strings.TrimLeft(gram, punctCutset))]
		suffix := gram[len(strings.TrimRight(gram, punctCutset)):]
		return prefix + corrected + suffix, n
	}
	return "", 0
}
