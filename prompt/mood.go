// Package prompt selects which conversation messages to send for memory
// extraction and renders them into a prompt that fits the provider's
// context window.
package prompt

import (
	"fmt"
	"strings"
	"time"
)

// MoodAnalysisResult is the mood signal computed upstream for a
// conversation. It is consumed as is.
type MoodAnalysisResult struct {
	// Score is the overall mood on a 0-10 scale.
	Score       float64    `json:"score" yaml:"score"`
	Descriptors []string   `json:"descriptors,omitempty" yaml:"descriptors,omitempty"`
	Confidence  float64    `json:"confidence" yaml:"confidence"`
	Delta       *MoodDelta `json:"delta,omitempty" yaml:"delta,omitempty"`
}

// MoodDelta describes a change in mood and what drove it.
type MoodDelta struct {
	Magnitude float64  `json:"magnitude" yaml:"magnitude"`
	Direction string   `json:"direction" yaml:"direction"`
	Factors   []string `json:"factors,omitempty" yaml:"factors,omitempty"`
}

// Summary renders the mood for the prompt's mood section.
func (m *MoodAnalysisResult) Summary() string {
	if m == nil {
		return "No mood analysis available."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Mood score %.1f/10 (confidence %.0f%%)", m.Score, m.Confidence*100)
	if len(m.Descriptors) > 0 {
		fmt.Fprintf(&sb, ", described as %s", strings.Join(m.Descriptors, ", "))
	}
	sb.WriteString(".")
	if m.Delta != nil && m.Delta.Magnitude > 0 {
		fmt.Fprintf(&sb, " Mood shifted %s by %.1f", m.Delta.Direction, m.Delta.Magnitude)
		if len(m.Delta.Factors) > 0 {
			fmt.Fprintf(&sb, " driven by %s", strings.Join(m.Delta.Factors, ", "))
		}
		sb.WriteString(".")
	}
	return sb.String()
}

// Message is one conversation turn.
type Message struct {
	Role      string    `json:"role" yaml:"role"`
	Author    string    `json:"author,omitempty" yaml:"author,omitempty"`
	Content   string    `json:"content" yaml:"content"`
	Timestamp time.Time `json:"timestamp,omitzero" yaml:"timestamp,omitempty"`
}
