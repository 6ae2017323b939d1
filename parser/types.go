// Package parser turns model output into validated memory sets. It extracts
// JSON from surrounding prose, repairs common syntax damage, validates the
// result against the memory schema and falls back to a heuristic extraction
// when nothing structured can be recovered. A streaming state machine
// assembles chunked output with the same validation.
package parser

import "fmt"

// SchemaVersion tags the response format.
const SchemaVersion = "memory_llm_response_v1"

const (
	MinMemories               = 1
	MaxMemories               = 10
	MaxSignificanceComponents = 10
	MaxRelationshipKeys       = 5
)

// SignificanceKeys are the only keys allowed in Significance.Components.
var SignificanceKeys = []string{
	"emotionalIntensity",
	"personalRelevance",
	"relationshipImpact",
	"novelty",
	"lifeTransition",
	"vulnerability",
	"growth",
	"conflict",
	"recurrence",
	"futureRelevance",
}

// RelationshipKeys are the only keys allowed in RelationshipDynamics.
var RelationshipKeys = []string{
	"closeness",
	"trust",
	"tension",
	"support",
	"reciprocity",
}

// MemoryLLMResponse is the plural response document.
type MemoryLLMResponse struct {
	SchemaVersion string       `json:"schemaVersion" validate:"eq=memory_llm_response_v1" jsonschema:"enum=memory_llm_response_v1"`
	Memories      []MemoryItem `json:"memories" validate:"required,min=1,max=10,dive" jsonschema:"minItems=1,maxItems=10"`
}

// legacyResponse is the older single-memory document.
type legacyResponse struct {
	SchemaVersion string      `json:"schemaVersion"`
	Memory        *MemoryItem `json:"memory"`
}

type MemoryItem struct {
	Content              string             `json:"content" validate:"required" jsonschema:"minLength=1,description=The memory in one or two sentences"`
	EmotionalContext     EmotionalContext   `json:"emotionalContext"`
	Significance         Significance       `json:"significance"`
	RelationshipDynamics map[string]float64 `json:"relationshipDynamics,omitempty" validate:"omitempty,max=5,dive,keys,relationshipkey,endkeys,gte=0,lte=1"`
	Rationale            string             `json:"rationale,omitempty"`
	Confidence           float64            `json:"confidence" validate:"gte=0,lte=1" jsonschema:"minimum=0,maximum=1"`
}

type EmotionalContext struct {
	PrimaryEmotion string   `json:"primaryEmotion,omitempty"`
	Intensity      float64  `json:"intensity" validate:"gte=0,lte=1" jsonschema:"minimum=0,maximum=1"`
	Valence        float64  `json:"valence" validate:"gte=-1,lte=1" jsonschema:"minimum=-1,maximum=1"`
	Themes         []string `json:"themes,omitempty"`
}

type Significance struct {
	Overall    float64            `json:"overall" validate:"gte=0,lte=10" jsonschema:"minimum=0,maximum=10"`
	Components map[string]float64 `json:"components,omitempty" validate:"omitempty,max=10,dive,keys,significancekey,endkeys,gte=0,lte=10"`
}

// Kind classifies a ParseError.
type Kind string

const (
	// KindParsing means no well-formed JSON could be recovered.
	KindParsing Kind = "parsing"
	// KindValidation means the JSON was well formed but had the wrong shape.
	KindValidation Kind = "validation"
	// KindStream means the streaming assembly itself failed.
	KindStream Kind = "stream"
)

type ParseError struct {
	Kind        Kind
	Message     string
	Recoverable bool
	Err         error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ParseResult reports what happened to one response, successful or not.
type ParseResult struct {
	Success bool
	Data    *MemoryLLMResponse
	Error   *ParseError

	OriginalContent string
	// RepairedContent is the text that finally parsed (or the last repair
	// tried) when any repair ran.
	RepairedContent string

	// Attempts counts calls to the single-shot parser.
	Attempts            int
	RepairPasses        int
	UsedLegacySchema    bool
	UsedCorrectiveRetry bool
	UsedFallback        bool
	Warnings            []string
}
