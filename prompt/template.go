package prompt

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/teilomillet/memgate/parser"
	"github.com/teilomillet/memgate/providers"
)

// SystemPrompt is sent as the system message of every extraction request.
const SystemPrompt = "You extract emotionally significant memories from conversations. " +
	"You answer with JSON only."

const defaultTemplate = `## Mood context
{{.Mood}}

## Salience guidance
Each message carries a salience score from 0 to 10; higher scores carried a stronger emotional signal.
Prefer memories grounded in high-salience messages.
{{- if .Omitted}} {{.Omitted}} lower-salience messages were left out of this transcript.{{end}}
Significance components may only use these keys: {{join .SignificanceKeys ", "}}.
Relationship dynamics may only use these keys: {{join .RelationshipKeys ", "}}.

## Response schema
{{.Schema}}

## Conversation
{{range .Messages -}}
[{{.Index}}] {{.Speaker}}{{if not .Timestamp.IsZero}} at {{.Timestamp.Format "2006-01-02 15:04"}}{{end}} (salience {{printf "%.1f" .Salience}}): {{.Content}}
{{end}}
## Instructions
{{.Instructions}}
`

var funcs = template.FuncMap{
	"join": strings.Join,
}

// templateData is what prompt templates are executed with.
type templateData struct {
	Mood             string
	Schema           string
	Messages         []ScoredMessage
	Omitted          int
	SignificanceKeys []string
	RelationshipKeys []string
	Instructions     string
}

func parseTemplate(text string) (*template.Template, error) {
	tmpl, err := template.New("prompt").Funcs(funcs).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	return tmpl, nil
}

// instructions is the closing block, worded for the provider that will
// receive the prompt.
func instructions(provider string, caps providers.Capabilities) string {
	base := fmt.Sprintf("Extract between %d and %d memories from the conversation. "+
		"Respond with a single JSON object that matches the schema above, with schemaVersion %q. "+
		"Scores must stay inside their ranges and confidence must be between 0 and 1.",
		parser.MinMemories, parser.MaxMemories, parser.SchemaVersion)

	switch {
	case provider == "anthropic":
		return base + " Do not wrap the JSON in prose or code fences."
	case caps.JSONMode:
		return base + " JSON mode is enabled, so return the object and nothing else."
	default:
		return base + " Return only the JSON object, without markdown formatting."
	}
}
