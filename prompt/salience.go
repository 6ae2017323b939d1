package prompt

import (
	"math"
	"strings"
	"unicode"
)

// MaxSalience caps every salience score.
const MaxSalience = 10.0

var emotionalKeywords = map[string]bool{
	"love": true, "loved": true, "hate": true, "hated": true,
	"happy": true, "sad": true, "angry": true, "afraid": true,
	"scared": true, "anxious": true, "anxiety": true, "excited": true,
	"worried": true, "lonely": true, "grateful": true, "proud": true,
	"ashamed": true, "hurt": true, "miss": true, "cried": true,
	"crying": true, "upset": true, "stressed": true, "overwhelmed": true,
	"hope": true, "fear": true, "joy": true, "grief": true,
	"depressed": true, "frustrated": true, "nervous": true, "thrilled": true,
	"heartbroken": true, "relieved": true, "furious": true, "guilty": true,
}

const (
	keywordWeight     = 1.0
	exclamationWeight = 0.5
	exclamationCap    = 2.0
	questionWeight    = 0.25
	questionCap       = 1.0
	capsWeight        = 0.5
	feelingWeight     = 1.0
	factorWeight      = 1.5
	descriptorWeight  = 1.0
	lengthUnit        = 200.0
)

// Salience scores how emotionally significant content is, from 0 to
// MaxSalience. Words that match the mood's delta factors or descriptors
// count extra.
func Salience(content string, mood *MoodAnalysisResult) float64 {
	lower := strings.ToLower(content)
	score := 0.0

	for _, w := range words(content) {
		if emotionalKeywords[strings.ToLower(w)] {
			score += keywordWeight
		}
		if shouting(w) {
			score += capsWeight
		}
	}
	score += math.Min(float64(strings.Count(content, "!"))*exclamationWeight, exclamationCap)
	score += math.Min(float64(strings.Count(content, "?"))*questionWeight, questionCap)
	if strings.Contains(lower, "i feel") {
		score += feelingWeight
	}

	if mood != nil {
		if mood.Delta != nil {
			for _, f := range mood.Delta.Factors {
				if f = strings.ToLower(strings.TrimSpace(f)); f != "" && strings.Contains(lower, f) {
					score += factorWeight
				}
			}
		}
		for _, d := range mood.Descriptors {
			if d = strings.ToLower(strings.TrimSpace(d)); d != "" && strings.Contains(lower, d) {
				score += descriptorWeight
			}
		}
	}

	score += math.Min(float64(len(content))/lengthUnit, 1)
	return math.Min(score, MaxSalience)
}

func words(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
}

// shouting reports an all-caps word of at least two letters.
func shouting(w string) bool {
	letters := 0
	for _, r := range w {
		if !unicode.IsLetter(r) {
			continue
		}
		if !unicode.IsUpper(r) {
			return false
		}
		letters++
	}
	return letters >= 2
}
