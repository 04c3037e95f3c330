package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only settings that can be applied without restarting a role are tracked:
// the transcript filter, the silence gate threshold, and the log level.
type ConfigDiff struct {
	FilterChanged bool
	NewFilter     FilterConfig

	SilenceRMSChanged bool
	NewSilenceRMS     float64

	LogLevelChanged bool
	NewLogLevel     LogLevel
}

// Any reports whether the diff carries at least one change.
func (d ConfigDiff) Any() bool {
	return d.FilterChanged || d.SilenceRMSChanged || d.LogLevelChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Silence gate
	if old.Transcriber.SilenceRMS != new.Transcriber.SilenceRMS {
		d.SilenceRMSChanged = true
		d.NewSilenceRMS = new.Transcriber.SilenceRMS
	}

	// Transcript filter
	if !filterEqual(old.Transcriber.Filter, new.Transcriber.Filter) {
		d.FilterChanged = true
		d.NewFilter = new.Transcriber.Filter
	}

	return d
}

// filterEqual reports whether two filter configurations are identical,
// including their junk-word sets and keyword lists.
func filterEqual(a, b FilterConfig) bool {
	if a.MaxGapSeconds != b.MaxGapSeconds ||
		a.MinConfidence != b.MinConfidence ||
		a.MinWords != b.MinWords ||
		a.MinSimilarity != b.MinSimilarity {
		return false
	}
	if !slices.Equal(a.Keywords, b.Keywords) {
		return false
	}
	return junkEqual(a.JunkWords, b.JunkWords)
}

// junkEqual compares per-language junk sets. Word order matters; junk entries
// are matched literally, so reordering is treated as a change.
func junkEqual(a, b map[string][]string) bool {
	if len(a) != len(b) {
		return false
	}
	for lang, words := range a {
		other, ok := b[lang]
		if !ok || !slices.Equal(words, other) {
			return false
		}
	}
	return true
}
