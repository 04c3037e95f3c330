// Package phonetic matches misrecognized words against a known vocabulary
// using Double Metaphone encoding combined with Jaro-Winkler string
// similarity for ranked candidate selection.
//
// The algorithm proceeds in two stages:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     each token of the input and for each keyword. If any code from the
//     input overlaps with any code from a keyword, the keyword becomes a
//     phonetic candidate.
//
//  2. Jaro-Winkler ranking: among phonetic candidates, the keyword with the
//     highest Jaro-Winkler similarity (computed on the original strings,
//     case-insensitive) is selected, provided its score reaches the
//     similarity floor. When no phonetic candidate qualifies, a secondary
//     pass tests pure string similarity against all keywords at the same
//     floor; phonetic candidates always win over purely fuzzy ones.
//
// Multi-word keywords (e.g. "churn rate") are supported: the matcher
// computes phonetic codes per word for the candidate stage and compares the
// full phrase (with and without spaces) when ranking.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const defaultMinSimilarity = 0.9

// Option configures a [Matcher].
type Option func(*Matcher)

// WithMinSimilarity sets the Jaro-Winkler floor a candidate must reach to
// replace the input. Default: 0.9.
func WithMinSimilarity(threshold float64) Option {
	return func(m *Matcher) {
		m.minSimilarity = threshold
	}
}

// Matcher matches spoken words against a vocabulary. All methods are safe
// for concurrent use; the Matcher is read-only after construction.
type Matcher struct {
	minSimilarity float64
}

// New returns a [Matcher] configured with the supplied options.
func New(opts ...Option) *Matcher {
	m := &Matcher{minSimilarity: defaultMinSimilarity}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match finds the keyword most phonetically similar to word.
//
// word may be a single word or a space-separated phrase (n-gram). When word
// contains multiple tokens, the matcher checks whether any token
// phonetically aligns with any token of a multi-word keyword, then ranks by
// Jaro-Winkler on the full strings.
//
// When matched is false, corrected equals word unchanged and confidence
// is 0.
func (m *Matcher) Match(word string, keywords []string) (corrected string, confidence float64, matched bool) {
	if len(keywords) == 0 || strings.TrimSpace(word) == "" {
		return word, 0, false
	}

	wordLower := strings.ToLower(strings.TrimSpace(word))
	wordTokens := strings.Fields(wordLower)
	inputCodes := codesForTokens(wordTokens)

	type candidate struct {
		keyword  string
		score    float64
		phonetic bool
	}

	var best candidate

	for _, kw := range keywords {
		kwLower := strings.ToLower(strings.TrimSpace(kw))
		if kwLower == "" {
			continue
		}
		kwTokens := strings.Fields(kwLower)

		kwCodes := codesForTokens(kwTokens)
		phoneticMatch := codesOverlap(inputCodes, kwCodes)
		score := bestJWScore(wordTokens, kwTokens, wordLower, kwLower)
		if score < m.minSimilarity {
			continue
		}

		if phoneticMatch {
			if !best.phonetic || score > best.score {
				best = candidate{keyword: kw, score: score, phonetic: true}
			}
		} else if !best.phonetic && score > best.score {
			best = candidate{keyword: kw, score: score, phonetic: false}
		}
	}

	if best.keyword != "" {
		return best.keyword, best.score, true
	}
	return word, 0, false
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes (produced when a word is too short or has no
// consonants) are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap reports whether the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore computes the highest Jaro-Winkler similarity between the
// input and the keyword, comparing the full strings and, for multi-word
// phrases, their space-stripped forms ("churnrade" vs "churnrate"). Scoring
// whole phrases keeps a shared token from matching two otherwise unrelated
// spans.
func bestJWScore(inputTokens, kwTokens []string, inputFull, kwFull string) float64 {
	score := matchr.JaroWinkler(inputFull, kwFull, false)

	if len(inputTokens) > 1 || len(kwTokens) > 1 {
		concat1 := strings.Join(inputTokens, "")
		concat2 := strings.Join(kwTokens, "")
		if s := matchr.JaroWinkler(concat1, concat2, false); s > score {
			score = s
		}
	}

	return score
}
