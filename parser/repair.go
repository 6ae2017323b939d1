package parser

import (
	"encoding/json"
	"regexp"
	"strings"
)

// MaxRepairPasses is the number of cumulative repair passes tried after the
// first parse fails on syntax.
const MaxRepairPasses = 3

// Repairs are heuristics: they fix the common damage models produce, not
// every possible malformation. Fallback extraction bounds the rest.

var (
	trailingCommaRe = regexp.MustCompile(`,(\s*[}\]])`)
	unquotedKeyRe   = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)(\s*:)`)
	danglingKeyRe   = regexp.MustCompile(`,?\s*"(?:[^"\\]|\\.)*"\s*:\s*$`)
	bareKeyRe       = regexp.MustCompile(`([{,])\s*"(?:[^"\\]|\\.)*"$`)
	contentFieldRe  = regexp.MustCompile(`"content"\s*:\s*"((?:[^"\\]|\\.)*)"`)
)

// repairRegion is the text repairs operate on: fence-stripped, starting at
// the first '{' when there is one.
func repairRegion(content string) string {
	s := stripFences(content)
	if i := strings.Index(s, "{"); i >= 0 {
		s = s[i:]
	}
	if j := strings.LastIndexAny(s, "}]"); j >= 0 && strings.TrimSpace(s[j+1:]) != "" && !looksTruncated(s[j+1:]) {
		// drop trailing prose after the last close
		s = s[:j+1]
	}
	return s
}

// looksTruncated reports whether the text after the last bracket is still
// JSON (a value cut mid-way) rather than prose.
func looksTruncated(tail string) bool {
	t := strings.TrimSpace(tail)
	return strings.HasPrefix(t, ",") || strings.HasPrefix(t, `"`) || strings.HasPrefix(t, ":")
}

// repairPass applies pass n (1-based) to prev, the output of the previous
// pass. ok is false when the pass has nothing to work with.
func repairPass(n int, prev, original string) (string, bool) {
	switch n {
	case 1:
		return fixSyntax(prev), true
	case 2:
		return balance(prev), true
	case 3:
		if s, ok := reconstruct(prev); ok {
			return s, true
		}
		return reconstruct(original)
	}
	return "", false
}

// fixSyntax closes string literals left open at the end of a line, then
// removes trailing commas and quotes bare keys outside string literals.
func fixSyntax(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if unescapedQuotes(line)%2 == 0 {
			continue
		}
		trimmed := strings.TrimRight(line, " \t\r")
		if strings.HasSuffix(trimmed, ",") {
			lines[i] = trimmed[:len(trimmed)-1] + `",`
		} else {
			lines[i] = trimmed + `"`
		}
	}
	s = strings.Join(lines, "\n")

	return outsideStrings(s, func(seg string) string {
		seg = unquotedKeyRe.ReplaceAllString(seg, `$1"$2"$3`)
		return trailingCommaRe.ReplaceAllString(seg, "$1")
	})
}

// outsideStrings applies fn to every run of s that is not inside a string
// literal. A trailing comma split from its bracket by a string boundary is
// not possible, since both sit outside strings.
func outsideStrings(s string, fn func(string) string) string {
	var b strings.Builder
	start := 0
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
				b.WriteString(s[start : i+1])
				start = i + 1
			}
			continue
		}
		if c == '"' {
			b.WriteString(fn(s[start:i]))
			start = i
			inString = true
		}
	}
	if inString {
		b.WriteString(s[start:])
	} else {
		b.WriteString(fn(s[start:]))
	}
	return b.String()
}

func unescapedQuotes(line string) int {
	n := 0
	escaped := false
	for i := 0; i < len(line); i++ {
		switch {
		case escaped:
			escaped = false
		case line[i] == '\\':
			escaped = true
		case line[i] == '"':
			n++
		}
	}
	return n
}

// balance closes an open string, drops a dangling comma or key and appends
// the missing closing brackets. Unmatched closers are removed.
func balance(s string) string {
	var sc scanner
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !sc.inString && (c == '}' || c == ']') {
			if len(sc.stack) == 0 || sc.stack[len(sc.stack)-1] != c {
				continue
			}
		}
		sc.feed(c)
		b.WriteByte(c)
	}

	out := b.String()
	if sc.inString {
		if sc.escape {
			out = out[:len(out)-1]
		}
		out += `"`
	}
	out = strings.TrimRight(out, " \t\r\n")
	out = strings.TrimSuffix(out, ",")
	out = danglingKeyRe.ReplaceAllString(out, "")
	if n := len(sc.stack); n > 0 && sc.stack[n-1] == '}' {
		// a string right after '{' or ',' in an object is a key without a value
		out = bareKeyRe.ReplaceAllString(out, "$1")
	}
	out = strings.TrimRight(out, " \t\r\n,")

	for i := len(sc.stack) - 1; i >= 0; i-- {
		out += string(sc.stack[i])
	}
	return trailingCommaRe.ReplaceAllString(out, "$1")
}

// reconstruct builds a minimal one-memory document from the first content
// fragment it can find.
func reconstruct(original string) (string, bool) {
	m := contentFieldRe.FindStringSubmatch(original)
	if m == nil {
		return "", false
	}
	var text string
	if err := json.Unmarshal([]byte(`"`+m[1]+`"`), &text); err != nil || strings.TrimSpace(text) == "" {
		return "", false
	}
	doc := MemoryLLMResponse{
		SchemaVersion: SchemaVersion,
		Memories: []MemoryItem{{
			Content:      text,
			Significance: Significance{Overall: reconstructedOverall},
			Rationale:    "reconstructed from a malformed response",
			Confidence:   reconstructedConfidence,
		}},
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", false
	}
	return string(b), true
}

const (
	reconstructedConfidence = 0.5
	reconstructedOverall    = 5.0
)

// basicRepair is the single repair the stream assembler tries on stop.
func basicRepair(s string) string {
	return balance(trailingCommaRe.ReplaceAllString(repairRegion(s), "$1"))
}
