package grammar

import (
	"strings"
)

// Lists are the alternation vocabularies recovered from a grammar file.
type Lists struct {
	Devices   []string `json:"devices"`
	Actions   []string `json:"actions"`
	Locations []string `json:"locations"`
}

// ParseLists recovers the device, action and location vocabularies from
// generated grammar text. Only quoted literals are collected, so rule
// references like set-pct drop out of the action list. The pipeline uses
// this to build the hint prompt when running without grammar constraint.
func ParseLists(text string) Lists {
	var out Lists
	for line := range strings.Lines(text) {
		name, rest, found := strings.Cut(line, "::=")
		if !found {
			continue
		}
		switch strings.TrimSpace(name) {
		case "device":
			out.Devices = quotedLiterals(rest)
		case "action":
			out.Actions = quotedLiterals(rest)
		case "location":
			out.Locations = quotedLiterals(rest)
		}
	}
	return out
}

// quotedLiterals extracts every "..." literal from a rule body, undoing the
// \" and \\ escapes of [quote].
func quotedLiterals(s string) []string {
	var out []string
	for i := 0; i < len(s); i++ {
		if s[i] != '"' {
			continue
		}
		var sb strings.Builder
		j := i + 1
		for ; j < len(s); j++ {
			c := s[j]
			if c == '\\' && j+1 < len(s) {
				j++
				sb.WriteByte(s[j])
				continue
			}
			if c == '"' {
				break
			}
			sb.WriteByte(c)
		}
		out = append(out, sb.String())
		i = j
	}
	return out
}
