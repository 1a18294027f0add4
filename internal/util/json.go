package util

import (
	"regexp"
	"strings"
)

var codeBlockRegex = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")

// ExtractJSON pulls the JSON payload out of a model reply that may wrap it in
// markdown code fences or surround it with prose. Truncated arrays are closed
// so a response cut off mid-stream still parses where possible.
func ExtractJSON(s string) string {
	if matches := codeBlockRegex.FindStringSubmatch(s); len(matches) > 1 {
		s = strings.TrimSpace(matches[1])
	} else {
		s = strings.TrimSpace(s)
	}

	if start := strings.IndexAny(s, "[{"); start != -1 {
		open := rune(s[start])
		closing := ']'
		if open == '{' {
			closing = '}'
		}
		if end := matchingBracket(s, start, open, closing); end != -1 {
			return s[start : end+1]
		}
		if open == '[' {
			// Truncated array: close what we have.
			if strings.LastIndex(s, "\"") > start {
				return strings.TrimRight(s[start:], " \n\t,") + "]"
			}
		}
	}
	return s
}

// matchingBracket finds the closing bracket for the opener at startPos,
// ignoring brackets inside strings. Returns -1 when unbalanced.
func matchingBracket(s string, startPos int, openChar, closeChar rune) int {
	depth := 0
	inString := false
	escaped := false

	for i := startPos; i < len(s); i++ {
		ch := rune(s[i])
		if escaped {
			escaped = false
			continue
		}
		switch {
		case ch == '\\':
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == openChar:
			depth++
		case ch == closeChar:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// SanitizeJSON escapes literal newlines inside string values, the most common
// way model replies break strict JSON parsing.
func SanitizeJSON(s string) string {
	var out strings.Builder
	out.Grow(len(s))
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			out.WriteByte(ch)
			escaped = false
			continue
		}
		switch {
		case ch == '\\':
			out.WriteByte(ch)
			escaped = true
		case ch == '"':
			out.WriteByte(ch)
			inString = !inString
		case inString && (ch == '\n' || ch == '\r'):
			out.WriteString("\\n")
			if ch == '\r' && i+1 < len(s) && s[i+1] == '\n' {
				i++
			}
		default:
			out.WriteByte(ch)
		}
	}
	return out.String()
}
