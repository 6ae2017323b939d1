package parser

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

var reflector = &jsonschema.Reflector{
	DoNotReference: true,
	ExpandedStruct: true,
}

// Schema returns the JSON schema of MemoryLLMResponse as models are asked to
// produce it.
func Schema() *jsonschema.Schema {
	return reflector.Reflect(&MemoryLLMResponse{})
}

// GenerateJSONSchema reflects v into an indented JSON schema document.
//
// Example:
//
//	type Summary struct {
//	    Text string `json:"text" jsonschema:"minLength=1"`
//	}
//
//	schema, err := GenerateJSONSchema(&Summary{})
func GenerateJSONSchema(v any) ([]byte, error) {
	b, err := json.MarshalIndent(reflector.Reflect(v), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return b, nil
}

// SchemaJSON is the indented memory schema, ready to embed in a prompt.
func SchemaJSON() (string, error) {
	b, err := GenerateJSONSchema(&MemoryLLMResponse{})
	if err != nil {
		return "", err
	}
	return string(b), nil
}
