package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrInvalidExtraction is returned when the relationship JSON cannot be
// located or does not match the extraction schema.
var ErrInvalidExtraction = errors.New("analysis: invalid entity extraction")

const extractionSchemaURL = "extraction.json"

// extractionSchema accepts the id/name and source/from, target/to aliases
// that the graph builder understands.
const extractionSchema = `{
	"type": "object",
	"required": ["entities", "relationships"],
	"properties": {
		"entities": {
			"type": "array",
			"items": {
				"type": "object",
				"anyOf": [{"required": ["id"]}, {"required": ["name"]}]
			}
		},
		"relationships": {
			"type": "array",
			"items": {
				"type": "object",
				"allOf": [
					{"anyOf": [{"required": ["source"]}, {"required": ["from"]}]},
					{"anyOf": [{"required": ["target"]}, {"required": ["to"]}]}
				]
			}
		}
	}
}`

func compileExtractionSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(extractionSchemaURL, strings.NewReader(extractionSchema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile(extractionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func (a *Analyzer) validate(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidExtraction, err)
	}
	if err := a.schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidExtraction, err)
	}
	return nil
}

// codeBlockRe strips markdown code fences from LLM output.
var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// extractJSON finds the JSON object in an LLM response, tolerating code
// fences and text before or after it.
func extractJSON(raw string) (string, error) {
	if m := codeBlockRe.FindStringSubmatch(raw); len(m) > 1 {
		raw = m[1]
	}

	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") && json.Valid([]byte(raw)) {
		return raw, nil
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1], nil
	}

	return "", fmt.Errorf("no JSON object found in response")
}

// stripFence removes a single wrapping ```lang fence, if present.
func stripFence(s, lang string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "```"), "```")
	s = strings.TrimPrefix(s, lang)
	return strings.TrimSpace(s)
}
