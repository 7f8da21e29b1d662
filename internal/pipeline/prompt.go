package pipeline

import (
	"fmt"
	"slices"
	"strings"

	"github.com/2oby/orac-core/internal/backend"
)

// envelopePrime is the opening of the required JSON envelope, appended to
// the grammar-constrained prompt so generation starts inside the object.
const envelopePrime = `{"device":"`

// jsonOnlySystemPrompt replaces the topic's system prompt when force_json is
// set.
const jsonOnlySystemPrompt = "You are a command interpreter. Respond with a single JSON object and nothing else: no prose, no explanations, no code fences."

// stripWakeWord removes a leading wake word from text. Longer phrases are
// tried first so "hey computer" wins over "computer". Matching is phonetic:
// STT renderings like "hay orack" still count.
func (p *Pipeline) stripWakeWord(text string) string {
	p.phraseMu.RLock()
	words := p.wakeWords
	p.phraseMu.RUnlock()
	for _, w := range words {
		if rest, ok := p.match.MatchPrefix(text, w); ok {
			return rest
		}
	}
	return strings.TrimSpace(text)
}

// isErrorCorrection reports whether text equals or begins with one of the
// configured correction phrases, with the same phonetic tolerance as
// wake-word stripping.
func (p *Pipeline) isErrorCorrection(text string) bool {
	p.phraseMu.RLock()
	phrases := p.corrections
	p.phraseMu.RUnlock()
	for _, phrase := range phrases {
		if _, ok := p.match.MatchPrefix(text, phrase); ok {
			return true
		}
	}
	return false
}

// sortByTokensDesc orders phrases so multi-word ones are matched before
// their single-word prefixes.
func sortByTokensDesc(phrases []string) []string {
	out := slices.Clone(phrases)
	slices.SortStableFunc(out, func(a, b string) int {
		return len(strings.Fields(b)) - len(strings.Fields(a))
	})
	return out
}

// grammarPrompt composes the constrained-generation prompt: a hint listing
// the allowed vocabularies, the user's utterance, and the primed envelope
// opening.
func grammarPrompt(grammarText, userText string) string {
	devices := alternatives(grammarText, "device")
	locations := alternatives(grammarText, "location")

	var b strings.Builder
	b.WriteString("Interpret the voice command as a home automation action and answer with one JSON object.")
	if len(devices) > 0 {
		fmt.Fprintf(&b, " Devices: %s.", strings.Join(devices, ", "))
	}
	if len(locations) > 0 {
		fmt.Fprintf(&b, " Locations: %s.", strings.Join(locations, ", "))
	}
	b.WriteString(` Use "UNKNOWN" for anything the command does not name.`)
	b.WriteString("\n\nUser: ")
	b.WriteString(userText)
	b.WriteString("\nAssistant: ")
	b.WriteString(envelopePrime)
	return b.String()
}

// alternatives extracts the quoted literals of a single-line GBNF rule like
// `device ::= "lights" | "heating" | "UNKNOWN"`. The UNKNOWN sentinel is
// dropped: the hint explains it separately.
func alternatives(grammarText, rule string) []string {
	for line := range strings.Lines(grammarText) {
		rest, ok := strings.CutPrefix(strings.TrimSpace(line), rule+" ::=")
		if !ok {
			continue
		}
		var out []string
		for part := range strings.SplitSeq(rest, "|") {
			v := strings.TrimSpace(part)
			v, ok := strings.CutPrefix(v, `"`)
			if !ok {
				continue
			}
			v, ok = strings.CutSuffix(v, `"`)
			if !ok || v == backend.UnknownToken {
				continue
			}
			out = append(out, v)
		}
		return out
	}
	return nil
}
