package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var qualificationSchema = map[string]any{
	"type":     "object",
	"required": []string{"qualification_score", "qualification_label", "key_reason", "personalization_points"},
	"properties": map[string]any{
		"qualification_score":    map[string]any{"type": "integer", "minimum": 0, "maximum": 100},
		"qualification_label":    map[string]any{"type": "string", "enum": []string{"qualified", "review", "disqualified"}},
		"key_reason":             map[string]any{"type": "string", "maxLength": 500},
		"personalization_points": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "maxItems": 5},
		"company_fit_score":      map[string]any{"type": "integer", "minimum": 0, "maximum": 40},
		"intent_score":           map[string]any{"type": "integer", "minimum": 0, "maximum": 30},
		"engagement_score":       map[string]any{"type": "integer", "minimum": 0, "maximum": 20},
		"timing_score":           map[string]any{"type": "integer", "minimum": 0, "maximum": 10},
	},
}

// Subjects are truncated rather than rejected, so only the body is bounded.
var emailSchema = map[string]any{
	"type":     "object",
	"required": []string{"email_subject", "email_body"},
	"properties": map[string]any{
		"email_subject":  map[string]any{"type": "string", "minLength": 1},
		"email_body":     map[string]any{"type": "string", "minLength": 1, "maxLength": 2000},
		"follow_up_task": map[string]any{"type": "string", "maxLength": 200},
	},
}

func compileSchema(name string, schemaMap map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	return compiler.Compile(name)
}

func mustCompile(name string, schemaMap map[string]any) *jsonschema.Schema {
	s, err := compileSchema(name, schemaMap)
	if err != nil {
		panic(err)
	}
	return s
}

// decodeValidated strips a markdown fence, validates the JSON against schema
// and unmarshals it into out.
func decodeValidated(schema *jsonschema.Schema, content string, out any) error {
	data := []byte(stripFence(content))
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: json does not match schema: %v", ErrMalformedOutput, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) < 2 {
		return ""
	}
	lines = lines[1:]
	if strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}
