package synth

import "strings"

// Detector flags a synthesized scene whose content contradicts the severity of
// the source narration, the signature of the remote service silently
// sanitizing disturbing material. Implementations are swappable; the keyword
// heuristic below is the default, not a contract.
type Detector interface {
	Sanitized(sourceText, background, actionSummary string) bool
}

// KeywordDetector is a best-effort heuristic: it fires only when the narration
// contains distress/violence vocabulary AND the synthesized scene reads as
// incongruously mundane.
type KeywordDetector struct {
	severe  []string
	mundane []string
}

// NewKeywordDetector builds a detector from word lists. Lists are lowercased
// once; matching is case-insensitive substring matching.
func NewKeywordDetector(severe, mundane []string) *KeywordDetector {
	return &KeywordDetector{
		severe:  lowerAll(severe),
		mundane: lowerAll(mundane),
	}
}

// Sanitized reports whether the scene looks sanitized.
func (d *KeywordDetector) Sanitized(sourceText, background, actionSummary string) bool {
	src := strings.ToLower(sourceText)
	out := strings.ToLower(background + " " + actionSummary)
	return containsAny(src, d.severe) && containsAny(out, d.mundane)
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if w != "" && strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func lowerAll(words []string) []string {
	out := make([]string, len(words))
	for i, w := range words {
		out[i] = strings.ToLower(w)
	}
	return out
}
