package pipeline

import (
	"encoding/json"
	"errors"
	"strings"
)

// repairJSON validates constrained model output as a JSON object, repairing
// truncation and nothing else. A hit token limit cuts generation mid-object;
// trimming to the first balanced object or appending the missing closers
// recovers those. Anything needing semantic guesses is an error.
func repairJSON(text string) (string, error) {
	s := strings.TrimSpace(text)
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", errors.New("no JSON object in output")
	}
	s = s[start:]

	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				candidate := s[:i+1]
				if json.Valid([]byte(candidate)) {
					return candidate, nil
				}
				return "", errors.New("output is not valid JSON")
			}
		}
	}

	// Truncated: close the open string and any unbalanced braces.
	var b strings.Builder
	b.WriteString(s)
	if inString {
		b.WriteByte('"')
	}
	for range depth {
		b.WriteByte('}')
	}
	repaired := b.String()
	if !json.Valid([]byte(repaired)) {
		return "", errors.New("truncated output could not be repaired")
	}
	return repaired, nil
}
