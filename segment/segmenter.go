package segment

import (
	"strings"

	"github.com/hermesdev0131/scene-weaver/types"
)

// Segmenter splits a script into time-boxed fragments using a fixed narration
// rate. Purely arithmetic: the same script and parameters always yield the
// same fragments, independent of any remote service.
type Segmenter struct {
	rate    float64 // words per second
	target  float64 // target scene duration, seconds
	minFrag float64 // duration floor for a fragment, seconds
}

// New creates a Segmenter. rate must be > 0; target must be > 0.
func New(rate, targetSec, minFragSec float64) *Segmenter {
	return &Segmenter{rate: rate, target: targetSec, minFrag: minFragSec}
}

// Run splits the script on sentence boundaries and accumulates a running time
// buffer, flushing a fragment whenever the buffer reaches the target duration.
// Fragment durations come from the actual accumulated word count, not the
// nominal target, so total video length tracks total narration length. Any
// remainder becomes a final, possibly short, fragment floored at minFragSec.
func (s *Segmenter) Run(script string) []types.TextFragment {
	sentences := SplitSentences(script)
	if len(sentences) == 0 {
		return nil
	}

	var fragments []types.TextFragment
	var buf []string
	bufWords := 0
	wordCursor := 0

	flush := func() {
		if len(buf) == 0 {
			return
		}
		dur := float64(bufWords) / s.rate
		if dur < s.minFrag {
			dur = s.minFrag
		}
		fragments = append(fragments, types.TextFragment{
			Text:        strings.Join(buf, " "),
			WordCount:   bufWords,
			DurationSec: dur,
			StartWord:   wordCursor,
			EndWord:     wordCursor + bufWords,
		})
		wordCursor += bufWords
		buf = nil
		bufWords = 0
	}

	for _, sentence := range sentences {
		buf = append(buf, sentence)
		bufWords += len(strings.Fields(sentence))
		if float64(bufWords)/s.rate >= s.target {
			flush()
		}
	}
	flush()

	return fragments
}

// SplitSentences splits text into sentences on terminal punctuation (.!?),
// keeping the punctuation and any closing quote with its sentence. Whitespace
// runs are collapsed so the output sentences re-join losslessly with single
// spaces.
func SplitSentences(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	var sentences []string
	var current []string
	for _, w := range words {
		current = append(current, w)
		if endsSentence(w) {
			sentences = append(sentences, strings.Join(current, " "))
			current = nil
		}
	}
	if len(current) > 0 {
		sentences = append(sentences, strings.Join(current, " "))
	}
	return sentences
}

// endsSentence reports whether a word terminates a sentence, tolerating
// trailing quotes and brackets after the punctuation mark.
func endsSentence(word string) bool {
	trimmed := strings.TrimRight(word, `"')]`+"”’")
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?':
	default:
		return false
	}
	// Common abbreviations and initials do not end a sentence.
	if strings.HasSuffix(trimmed, ".") {
		bare := strings.TrimSuffix(trimmed, ".")
		if len(bare) == 1 && bare == strings.ToUpper(bare) {
			return false
		}
		switch strings.ToLower(bare) {
		case "mr", "mrs", "ms", "dr", "st", "gen", "col", "lt", "vs", "etc":
			return false
		}
	}
	return true
}
