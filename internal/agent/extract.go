package agent

import (
	"encoding/json"
	"strings"
)

// ExtractLastJSON returns the last valid JSON object or array embedded in
// text. Agents are asked to answer with a JSON document but routinely wrap
// it in prose or markdown fences, and sometimes emit several candidate
// documents while thinking out loud; the final one is the answer.
//
// The scan is string-literal aware: braces inside quoted strings, including
// escaped quotes, do not affect nesting. Openers are tried from the end of
// the text backwards, and a valid document that encloses the current best
// supersedes it, so a nested fragment never shadows the document around it.
func ExtractLastJSON(text string) (string, bool) {
	bestStart, bestEnd := -1, -1
	for end := len(text); end > 0; {
		open := strings.LastIndexAny(text[:end], "{[")
		if open < 0 {
			break
		}
		if candidate, ok := balancedFrom(text, open); ok {
			stop := open + len(candidate)
			if (bestStart < 0 || stop >= bestEnd) && json.Valid([]byte(candidate)) {
				bestStart, bestEnd = open, stop
			}
		}
		end = open
	}
	if bestStart < 0 {
		return "", false
	}
	return text[bestStart:bestEnd], true
}

// balancedFrom scans forward from an opening bracket and returns the
// balanced slice when nesting returns to zero.
func balancedFrom(text string, start int) (string, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
			if depth < 0 {
				return "", false
			}
		}
	}
	return "", false
}
