// Package grammar turns a backend's device mappings into the GBNF grammar
// that constrains model output to dispatchable commands.
//
// The generated text is a pure function of the enabled, complete mappings:
// vocabularies are lowercased, deduplicated and sorted, and the template is
// fixed, so regenerating without mapping changes is byte-identical. That
// property is what lets inference sessions key on the grammar file path.
package grammar

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/2oby/orac-core/internal/backend"
	"github.com/2oby/orac-core/internal/fault"
)

// ErrNoMappings is returned by Generate when a backend has no enabled,
// complete mappings. Constraining a model to an empty vocabulary would
// force UNKNOWN-only output, so the pipeline must run without grammar
// instead.
var ErrNoMappings = errors.New("no enabled complete device mappings")

// EnvelopeSchema describes the JSON shape the root rule fixes. Surfaces
// return it alongside generated grammars.
const EnvelopeSchema = `{"device": string, "action": string, "location": string}`

// envelopeRule is the root rule: literal keys in fixed order and no
// whitespace flexibility. Only the action sub-rules tolerate spacing, and
// only between "set" and its value.
const envelopeRule = `root ::= "{\"device\":\"" device "\",\"action\":\"" action "\",\"location\":\"" location "\"}"`

// actionPalette is the fixed set of simple spoken actions. The parameterised
// set-pct and set-temp alternatives are appended to the rule after these.
var actionPalette = []string{
	"on", "off", "toggle", "open", "close", "up", "down",
	"high", "low", "medium", "warm", "cold", "hot", "loud", "quiet",
	backend.UnknownToken,
}

// Pair is one dispatchable (device_type, location) combination.
type Pair struct {
	DeviceType string `json:"device_type"`
	Location   string `json:"location"`
}

// Stats describes what a generated grammar covers. Vocabularies hold the
// real mapping-derived values; the UNKNOWN sentinel the grammar text adds is
// not counted.
type Stats struct {
	DeviceTypes   []string `json:"device_types"`
	Locations     []string `json:"locations"`
	Pairs         []Pair   `json:"pairs"`
	DeviceCount   int      `json:"device_count"`
	LocationCount int      `json:"location_count"`
	PairCount     int      `json:"pair_count"`
}

// Artifact is a generated grammar plus its statistics.
type Artifact struct {
	Text  string `json:"grammar_text"`
	Stats Stats  `json:"stats"`
}

// Generate produces the grammar for rec's enabled, complete mappings.
// Returns [ErrNoMappings] (classified as a validation fault) when nothing
// is eligible.
func Generate(rec *backend.Record) (Artifact, error) {
	devices, locations, pairs := vocabulary(rec)
	if len(pairs) == 0 {
		return Artifact{}, fault.Wrap(fault.KindValidation, ErrNoMappings, "backend %s", rec.ID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Device grammar for backend %s.\n", rec.ID)
	fmt.Fprintf(&b, "# %d device types, %d locations, %d valid pairs.\n\n",
		len(devices), len(locations), len(pairs))

	b.WriteString(envelopeRule)
	b.WriteByte('\n')
	writeAlternation(&b, "device", append(slices.Clone(devices), backend.UnknownToken))
	writeAlternation(&b, "location", append(slices.Clone(locations), backend.UnknownToken))

	b.WriteString("action ::= ")
	for i, a := range actionPalette {
		if i > 0 {
			b.WriteString(" | ")
		}
		b.WriteString(quote(a))
	}
	b.WriteString(" | set-pct | set-temp\n")

	b.WriteString(`set-pct ::= "set" ws pct "%"` + "\n")
	b.WriteString(`set-temp ::= "set" ws temp "C"` + "\n")
	writeAlternation(&b, "pct", steps(0, 100, 10))
	writeAlternation(&b, "temp", steps(5, 30, 1))
	b.WriteString("ws ::= [ ]+\n")

	return Artifact{
		Text: b.String(),
		Stats: Stats{
			DeviceTypes:   devices,
			Locations:     locations,
			Pairs:         pairs,
			DeviceCount:   len(devices),
			LocationCount: len(locations),
			PairCount:     len(pairs),
		},
	}, nil
}

// vocabulary collects the lowercased, deduplicated, sorted device types,
// locations and pairs from rec's enabled complete mappings.
func vocabulary(rec *backend.Record) (devices, locations []string, pairs []Pair) {
	deviceSet := make(map[string]struct{})
	locationSet := make(map[string]struct{})
	pairSet := make(map[Pair]struct{})
	for _, m := range rec.DeviceMappings {
		if !m.GrammarEligible() {
			continue
		}
		d := strings.ToLower(m.DeviceType)
		l := strings.ToLower(m.Location)
		deviceSet[d] = struct{}{}
		locationSet[l] = struct{}{}
		pairSet[Pair{DeviceType: d, Location: l}] = struct{}{}
	}

	devices = sortedKeys(deviceSet)
	locations = sortedKeys(locationSet)
	for p := range pairSet {
		pairs = append(pairs, p)
	}
	slices.SortFunc(pairs, func(a, b Pair) int {
		if c := strings.Compare(a.DeviceType, b.DeviceType); c != 0 {
			return c
		}
		return strings.Compare(a.Location, b.Location)
	})
	return devices, locations, pairs
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// writeAlternation emits `name ::= "v1" | "v2" | ...` on one line.
func writeAlternation(b *strings.Builder, name string, values []string) {
	b.WriteString(name)
	b.WriteString(" ::= ")
	for i, v := range values {
		if i > 0 {
			b.WriteString(" | ")
		}
		b.WriteString(quote(v))
	}
	b.WriteByte('\n')
}

// quote renders a GBNF string literal, escaping backslashes and quotes.
func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// steps renders the integers from lo to hi inclusive, stepping by step.
func steps(lo, hi, step int) []string {
	var out []string
	for n := lo; n <= hi; n += step {
		out = append(out, fmt.Sprintf("%d", n))
	}
	return out
}
