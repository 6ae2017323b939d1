package parser

import (
	"regexp"
	"strings"
)

var (
	fenceRe    = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")
	boundaryRe = regexp.MustCompile(`(?s)\{.*\}`)
)

const schemaMarker = `"schemaVersion"`

// stripFences returns the body of the first markdown code fence, or s
// trimmed when there is none.
func stripFences(s string) string {
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(s)
}

// candidates lists the JSON texts to try, in order: the content as-is (after
// fence stripping), the widest {...} span, and the object enclosing the
// schema marker. Duplicates and empties are dropped.
func candidates(content string) []string {
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		for _, c := range out {
			if c == s {
				return
			}
		}
		out = append(out, s)
	}

	stripped := stripFences(content)
	add(stripped)
	add(boundaryRe.FindString(stripped))
	add(markerObject(stripped))
	return out
}

// markerObject returns the object that contains the first schema marker,
// found by scanning back to the nearest '{' and forward to its matching
// close. An unclosed object runs to the end of s.
func markerObject(s string) string {
	idx := strings.Index(s, schemaMarker)
	if idx < 0 {
		return ""
	}
	start := strings.LastIndex(s[:idx], "{")
	if start < 0 {
		return ""
	}
	if end := matchingClose(s, start); end >= 0 {
		return s[start : end+1]
	}
	return s[start:]
}

// matchingClose returns the index of the bracket closing the one at open,
// ignoring brackets inside string literals, or -1.
func matchingClose(s string, open int) int {
	var sc scanner
	for i := open; i < len(s); i++ {
		sc.feed(s[i])
		if sc.depth == 0 && sc.opened {
			return i
		}
	}
	return -1
}

// scanner tracks JSON structure one byte at a time. Brackets are counted only
// outside string literals.
type scanner struct {
	depth    int
	inString bool
	escape   bool
	opened   bool
	stack    []byte
}

func (sc *scanner) feed(c byte) {
	if sc.inString {
		switch {
		case sc.escape:
			sc.escape = false
		case c == '\\':
			sc.escape = true
		case c == '"':
			sc.inString = false
		}
		return
	}
	switch c {
	case '"':
		sc.inString = true
	case '{':
		sc.depth++
		sc.opened = true
		sc.stack = append(sc.stack, '}')
	case '[':
		sc.depth++
		sc.opened = true
		sc.stack = append(sc.stack, ']')
	case '}', ']':
		if sc.depth > 0 {
			sc.depth--
			sc.stack = sc.stack[:len(sc.stack)-1]
		}
	}
}

// complete reports structural completeness: something was opened, every
// bracket is closed and no string is open.
func (sc *scanner) complete() bool {
	return sc.opened && sc.depth == 0 && !sc.inString
}
