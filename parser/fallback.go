package parser

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	minFallbackSentence = 10
	fallbackConfidence  = 0.3
	fallbackOverall     = 3.0
)

var (
	jsonKeyRe    = regexp.MustCompile(`"[A-Za-z_][A-Za-z0-9_]*"\s*:`)
	sentenceRe   = regexp.MustCompile(`[^.!?\n]+[.!?]*`)
	jsonNoise    = strings.NewReplacer("{", " ", "}", " ", "[", " ", "]", " ", `"`, " ", "`", " ")
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// fallback keeps the longest sentence of at least ten characters as a single
// low-confidence memory.
func fallback(content string) (*MemoryLLMResponse, bool) {
	text := jsonKeyRe.ReplaceAllString(stripFences(content), " ")
	text = jsonNoise.Replace(text)

	var best string
	for _, s := range sentenceRe.FindAllString(text, -1) {
		s = strings.Trim(whitespaceRe.ReplaceAllString(s, " "), " ,;:")
		if utf8.RuneCountInString(s) >= minFallbackSentence && utf8.RuneCountInString(s) > utf8.RuneCountInString(best) {
			best = s
		}
	}
	if best == "" {
		return nil, false
	}

	doc := &MemoryLLMResponse{
		SchemaVersion: SchemaVersion,
		Memories: []MemoryItem{{
			Content:      best,
			Significance: Significance{Overall: fallbackOverall},
			Rationale:    "extracted from unstructured text",
			Confidence:   fallbackConfidence,
		}},
	}
	if Validate(doc) != nil {
		return nil, false
	}
	return doc, true
}
