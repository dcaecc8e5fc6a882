package boundary

import "strings"

// normalizeLine canonicalizes a raw text line for marker matching: the BOM is
// dropped, letters are uppercased, anything that is not a word character,
// whitespace or an asterisk becomes a space, and runs of whitespace collapse
// to one space with the ends trimmed. Matching always happens on this form;
// byte offsets always come from the original line.
func normalizeLine(line string) string {
	line = strings.TrimPrefix(line, "\uFEFF")

	var b strings.Builder
	b.Grow(len(line))

	lastSpace := true // leading whitespace is dropped
	for _, r := range line {
		switch {
		case r == '*':
			b.WriteRune('*')
			lastSpace = false
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 32)
			lastSpace = false
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_':
			b.WriteRune(r)
			lastSpace = false
		default:
			// Whitespace and punctuation both collapse to a single space.
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		}
	}

	return strings.TrimRight(b.String(), " ")
}

// line pairs a raw line with its absolute byte offset in the file.
type line struct {
	raw    string // original bytes, trailing \r included, \n excluded
	norm   string
	offset int64
}

// splitLines cuts a byte window into lines. Each line contributes its raw
// length plus one terminator byte; a trailing \r stays with the line so CRLF
// files count correctly.
func splitLines(data []byte, base int64) []line {
	var out []line
	off := base
	start := 0

	for i := 0; i < len(data); i++ {
		if data[i] != '\n' {
			continue
		}
		raw := string(data[start:i])
		out = append(out, line{raw: raw, norm: normalizeLine(raw), offset: off})
		off += int64(i-start) + 1
		start = i + 1
	}
	if start < len(data) {
		raw := string(data[start:])
		out = append(out, line{raw: raw, norm: normalizeLine(raw), offset: off})
	}

	return out
}

// contentLen is the line's length without a trailing carriage return, used to
// decide whether a line carries any content.
func contentLen(raw string) int {
	return len(strings.TrimRight(raw, "\r"))
}
