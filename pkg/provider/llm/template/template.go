// Package template implements llm.Provider with a deterministic, model-free
// analyzer. It serves as the last link of an insight fallback chain so the
// service keeps answering when no model backend is reachable, and it gives
// tests a provider with fully predictable output.
//
// The provider reads the transcript from the last user message and renders
// the same three-line shape the model-backed providers are prompted for:
// a sentiment label, a key point, and a suggested reply.
package template

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/crosstalkhq/crosstalk/pkg/provider/llm"
)

const (
	maxKeyPointWords = 12
	maxKeyPointRunes = 40
)

var positiveWords = map[string]bool{
	"great": true, "good": true, "love": true, "perfect": true,
	"thanks": true, "thank": true, "excellent": true, "happy": true,
	"interested": true, "yes": true,
}

var negativeWords = map[string]bool{
	"problem": true, "issue": true, "expensive": true, "cancel": true,
	"bad": true, "unhappy": true, "wrong": true, "slow": true,
	"broken": true, "frustrating": true,
}

// Japanese has no word boundaries to split on, so these are matched as
// substrings.
var positiveTerms = []string{"ありがとう", "いいですね", "素晴らしい", "助かります"}
var negativeTerms = []string{"問題", "高い", "困って", "解約", "不満"}

var suggestedReplies = map[string]string{
	"positive": "Momentum is good. Confirm the next step while they are engaged.",
	"negative": "Acknowledge the concern directly and offer one concrete fix.",
	"neutral":  "Ask an open question to surface what matters most to them.",
}

// Compile-time assertion that Provider satisfies llm.Provider.
var _ llm.Provider = (*Provider)(nil)

// Provider is a deterministic llm.Provider. The zero value is ready to use.
type Provider struct{}

// New creates a Provider.
func New() *Provider {
	return &Provider{}
}

// Complete implements llm.Provider. The transcript is taken from the last
// user message; Temperature, MaxTokens, and SystemPrompt are ignored and
// Usage is always zero since no tokens are consumed.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var transcript string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			transcript = strings.TrimSpace(req.Messages[i].Content)
			break
		}
	}
	if transcript == "" {
		return nil, fmt.Errorf("template: no user message in request")
	}

	sentiment := classify(transcript)
	content := fmt.Sprintf("Sentiment: %s\nKey point: %s\nSuggested reply: %s",
		sentiment, keyPoint(transcript), suggestedReplies[sentiment])

	return &llm.CompletionResponse{Content: content}, nil
}

// classify labels the transcript positive, negative, or neutral by counting
// cue words.
func classify(text string) string {
	lower := strings.ToLower(text)
	var pos, neg int
	for _, w := range strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		if positiveWords[w] {
			pos++
		}
		if negativeWords[w] {
			neg++
		}
	}
	for _, term := range positiveTerms {
		if strings.Contains(text, term) {
			pos++
		}
	}
	for _, term := range negativeTerms {
		if strings.Contains(text, term) {
			neg++
		}
	}

	switch {
	case pos > neg:
		return "positive"
	case neg > pos:
		return "negative"
	default:
		return "neutral"
	}
}

// keyPoint truncates the transcript to its leading words, or leading runes
// when the text has no spaces to split on.
func keyPoint(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	if len(fields) == 1 {
		runes := []rune(fields[0])
		if len(runes) > maxKeyPointRunes {
			return string(runes[:maxKeyPointRunes]) + "..."
		}
		return fields[0]
	}
	if len(fields) > maxKeyPointWords {
		return strings.Join(fields[:maxKeyPointWords], " ") + "..."
	}
	return strings.Join(fields, " ")
}
