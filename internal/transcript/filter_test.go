package transcript_test

import (
	"testing"
	"time"

	"github.com/crosstalkhq/crosstalk/internal/config"
	"github.com/crosstalkhq/crosstalk/internal/transcript"
	"github.com/crosstalkhq/crosstalk/pkg/types"
)

func baseFilterConfig() config.FilterConfig {
	return config.FilterConfig{
		MaxGapSeconds: 0.5,
		MinConfidence: 0.7,
		MinWords:      1,
		MinSimilarity: 0.9,
	}
}

// word builds one WordDetail with timings in milliseconds.
func word(text string, startMS, endMS int, conf float64) types.WordDetail {
	return types.WordDetail{
		Word:       text,
		Start:      time.Duration(startMS) * time.Millisecond,
		End:        time.Duration(endMS) * time.Millisecond,
		Confidence: conf,
	}
}

func final(words ...types.WordDetail) types.Transcript {
	return types.Transcript{IsFinal: true, Words: words}
}

func TestFilter_SplitsAtGapAndDropsLowConfidence(t *testing.T) {
	t.Parallel()

	f := transcript.NewFilter(baseFilterConfig())

	// "good morning" is one phrase; after a 700 ms silence "um" starts a new
	// phrase that fails the confidence floor.
	got := f.Apply(final(
		word("good", 0, 300, 0.95),
		word("morning", 350, 700, 0.9),
		word("um", 1400, 1500, 0.3),
	), "en")
	if got != "good morning" {
		t.Errorf("Apply = %q, want %q", got, "good morning")
	}
}

func TestFilter_KeepsPhrasesWithinGap(t *testing.T) {
	t.Parallel()

	f := transcript.NewFilter(baseFilterConfig())

	got := f.Apply(final(
		word("how", 0, 200, 0.9),
		word("are", 300, 500, 0.9),
		word("you", 600, 800, 0.9),
	), "en")
	if got != "how are you" {
		t.Errorf("Apply = %q, want %q", got, "how are you")
	}
}

func TestFilter_DropsJunkPhrases(t *testing.T) {
	t.Parallel()

	f := transcript.NewFilter(baseFilterConfig())

	tests := []struct {
		name  string
		words []types.WordDetail
	}{
		{"stutter collapses to junk", []types.WordDetail{
			word("the", 0, 100, 0.9),
			word("the", 150, 250, 0.9),
			word("the", 300, 400, 0.9),
		}},
		{"exact junk phrase", []types.WordDetail{
			word("uh", 0, 100, 0.9),
			word("um", 150, 250, 0.9),
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := f.Apply(final(tc.words...), "en"); got != "" {
				t.Errorf("Apply = %q, want empty", got)
			}
		})
	}
}

func TestFilter_StutterOfRealWordSurvives(t *testing.T) {
	t.Parallel()

	f := transcript.NewFilter(baseFilterConfig())

	// Collapsing "yes yes" gives "yes", which is not in the junk set, so the
	// phrase is kept with its original words.
	got := f.Apply(final(
		word("yes", 0, 100, 0.9),
		word("yes", 150, 250, 0.9),
	), "en")
	if got != "yes yes" {
		t.Errorf("Apply = %q, want %q", got, "yes yes")
	}
}

func TestFilter_MinWords(t *testing.T) {
	t.Parallel()

	cfg := baseFilterConfig()
	cfg.MinWords = 2
	f := transcript.NewFilter(cfg)

	got := f.Apply(final(
		word("hello", 0, 300, 0.9),
		word("yes", 1200, 1400, 0.9),
		word("please", 1450, 1700, 0.9),
	), "en")
	if got != "yes please" {
		t.Errorf("Apply = %q, want %q", got, "yes please")
	}
}

func TestFilter_JapaneseJoinsWithoutSpaces(t *testing.T) {
	t.Parallel()

	f := transcript.NewFilter(baseFilterConfig())

	got := f.Apply(final(
		word("えっと", 0, 300, 0.9),
		word("こんにちは", 1200, 1600, 0.9),
		word("世界", 1650, 1900, 0.9),
	), "ja")
	if got != "こんにちは世界" {
		t.Errorf("Apply = %q, want %q", got, "こんにちは世界")
	}
}

func TestFilter_UnreportedConfidenceSkipsRule(t *testing.T) {
	t.Parallel()

	f := transcript.NewFilter(baseFilterConfig())

	// The engine reported no confidence at all; the floor cannot apply.
	got := f.Apply(final(
		word("hello", 0, 300, 0),
		word("there", 350, 600, 0),
	), "en")
	if got != "hello there" {
		t.Errorf("Apply = %q, want %q", got, "hello there")
	}
}

func TestFilter_NoWordDetailPassesThrough(t *testing.T) {
	t.Parallel()

	f := transcript.NewFilter(baseFilterConfig())

	got := f.Apply(types.Transcript{Text: "  plain final text ", IsFinal: true}, "en")
	if got != "plain final text" {
		t.Errorf("Apply = %q, want trimmed text", got)
	}
}

func TestFilter_CorrectsKeptText(t *testing.T) {
	t.Parallel()

	cfg := baseFilterConfig()
	cfg.Keywords = []string{"Crosstalk"}
	f := transcript.NewFilter(cfg)

	got := f.Apply(final(
		word("crosstock", 0, 400, 0.95),
		word("rocks", 450, 700, 0.95),
	), "en")
	if got != "Crosstalk rocks" {
		t.Errorf("Apply = %q, want %q", got, "Crosstalk rocks")
	}
}

func TestFilter_UpdateSwapsSettings(t *testing.T) {
	t.Parallel()

	f := transcript.NewFilter(baseFilterConfig())

	junkOnly := final(word("the", 0, 100, 0.9))
	if got := f.Apply(junkOnly, "en"); got != "" {
		t.Fatalf("Apply before update = %q, want empty", got)
	}

	cfg := baseFilterConfig()
	cfg.JunkWords = map[string][]string{"en": {}}
	f.Update(cfg)

	if got := f.Apply(junkOnly, "en"); got != "the" {
		t.Errorf("Apply after update = %q, want %q", got, "the")
	}
}
