// Package phonetic provides speech-tolerant string matching built on Double
// Metaphone phonetic encoding and Jaro-Winkler similarity.
//
// Transcribed speech rarely arrives clean: a wake word comes through as
// "hay orack", a location as "living rum". The matcher resolves such
// near-misses against a known vocabulary in two stages:
//
//  1. Phonetic acceptance threshold: Double Metaphone codes are computed for
//     each word (and for the concatenation of all words, so a split
//     transcription like "bed rum" still aligns with "bedroom"). A label
//     sharing at least one code with the input is held to the lower phonetic
//     threshold (default 0.70); a label with no shared code is held to the
//     stricter fuzzy threshold (default 0.85).
//
//  2. Jaro-Winkler ranking: every label that clears its threshold competes
//     on its Jaro-Winkler similarity (computed on the original strings,
//     case-insensitive); the highest score wins. Code overlap never
//     outranks a better-scoring label, it only relaxes the bar.
//
// Multi-word labels (e.g., "living room") are supported: similarity is the
// better of the full-string and space-stripped comparisons.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched label to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found and the matcher falls back to pure string
// similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher resolves transcribed words against a known vocabulary. All methods
// are safe for concurrent use — the Matcher is read-only after construction.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a new [Matcher] configured with the supplied options.
// Default thresholds are 0.70 for phonetic matches and 0.85 for fuzzy
// fallback matches.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match attempts to find the label from labels that is most phonetically
// similar to word.
//
// word may be a single word or a space-separated phrase. All labels compete
// on Jaro-Winkler score; a shared Double Metaphone code only lowers the
// acceptance threshold for that label, so a cleanly-better match is never
// displaced by a phonetically-overlapping worse one.
//
// When matched is false, corrected equals word unchanged and confidence is 0.
func (m *Matcher) Match(word string, labels []string) (corrected string, confidence float64, matched bool) {
	if len(labels) == 0 || strings.TrimSpace(word) == "" {
		return word, 0, false
	}

	wordLower := strings.ToLower(strings.TrimSpace(word))
	wordTokens := strings.Fields(wordLower)

	// Build phonetic code set for the input.
	inputCodes := codesForTokens(wordTokens)

	type candidate struct {
		label    string
		score    float64
		phonetic bool
	}

	var best candidate

	for _, label := range labels {
		labelLower := strings.ToLower(strings.TrimSpace(label))
		if labelLower == "" {
			continue
		}
		labelTokens := strings.Fields(labelLower)

		labelCodes := codesForTokens(labelTokens)
		phoneticMatch := codesOverlap(inputCodes, labelCodes)

		jwScore := bestJWScore(wordTokens, labelTokens, wordLower, labelLower)

		// Code overlap selects the threshold; ranking is by score alone,
		// with overlap breaking exact ties.
		threshold := m.fuzzyThreshold
		if phoneticMatch {
			threshold = m.phoneticThreshold
		}
		if jwScore < threshold {
			continue
		}
		if jwScore > best.score || (jwScore == best.score && phoneticMatch && !best.phonetic) {
			best = candidate{label: label, score: jwScore, phonetic: phoneticMatch}
		}
	}

	if best.label != "" {
		return best.label, best.score, true
	}
	return word, 0, false
}

// MatchPrefix reports whether text begins with a phonetic rendering of
// phrase. On a match it returns the remainder of text after the matched
// tokens, with leading separator characters (spaces, commas, periods)
// trimmed.
//
// Each phrase token must align with the corresponding leading token of text,
// either by sharing a Double Metaphone code or by Jaro-Winkler similarity at
// the phonetic threshold. Wake-word stripping and correction-phrase detection
// both go through here so that "hay orack, turn on the lights" still loses
// its wake word.
func (m *Matcher) MatchPrefix(text, phrase string) (rest string, ok bool) {
	phraseTokens := strings.Fields(strings.ToLower(strings.TrimSpace(phrase)))
	if len(phraseTokens) == 0 {
		return text, false
	}

	// Tokenize text preserving offsets so the remainder can be cut from the
	// original string.
	type span struct {
		word       string
		start, end int
	}
	var spans []span
	i := 0
	for i < len(text) && len(spans) < len(phraseTokens) {
		for i < len(text) && isSeparator(text[i]) {
			i++
		}
		start := i
		for i < len(text) && !isSeparator(text[i]) {
			i++
		}
		if start == i {
			break
		}
		spans = append(spans, span{word: strings.ToLower(text[start:i]), start: start, end: i})
	}
	if len(spans) < len(phraseTokens) {
		return text, false
	}

	for n, pt := range phraseTokens {
		if !m.tokensAlign(spans[n].word, pt) {
			return text, false
		}
	}

	rest = text[spans[len(phraseTokens)-1].end:]
	rest = strings.TrimLeft(rest, " \t,.!?:;")
	return rest, true
}

// tokensAlign reports whether two single words match phonetically: exact
// equality, a shared Double Metaphone code, or Jaro-Winkler at the phonetic
// threshold.
func (m *Matcher) tokensAlign(a, b string) bool {
	if a == b {
		return true
	}
	ap, as := matchr.DoubleMetaphone(a)
	bp, bs := matchr.DoubleMetaphone(b)
	if ap != "" && (ap == bp || ap == bs) {
		return true
	}
	if as != "" && (as == bp || as == bs) {
		return true
	}
	return matchr.JaroWinkler(a, b, false) >= m.phoneticThreshold
}

func isSeparator(c byte) bool {
	switch c {
	case ' ', '\t', ',', '.', '!', '?', ':', ';':
		return true
	}
	return false
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens, plus the codes of the tokens run together so a split
// transcription still aligns with a compound label. Empty codes (produced
// when the word is too short or contains no consonants) are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	add := func(word string) {
		p, s := matchr.DoubleMetaphone(word)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	for _, t := range tokens {
		add(t)
	}
	if len(tokens) > 1 {
		add(strings.Join(tokens, ""))
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	// Iterate over the smaller set for efficiency.
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

// bestJWScore computes the Jaro-Winkler similarity between the input and the
// label, taking the better of the full-string comparison ("living rum" vs
// "living room") and the space-stripped comparison ("bedrum" vs "bedroom").
// A per-token maximum is deliberately not used: one identical token would
// score a multi-word label 1.0 no matter how badly the rest diverges.
//
// longTolerance is passed as false to use standard Jaro-Winkler scoring.
func bestJWScore(inputTokens, labelTokens []string, inputFull, labelFull string) float64 {
	score := matchr.JaroWinkler(inputFull, labelFull, false)

	if len(inputTokens) > 1 || len(labelTokens) > 1 {
		concat1 := strings.Join(inputTokens, "")
		concat2 := strings.Join(labelTokens, "")
		if s := matchr.JaroWinkler(concat1, concat2, false); s > score {
			score = s
		}
	}

	return score
}
