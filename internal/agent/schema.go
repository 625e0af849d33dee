package agent

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Output schemas are diagnostics: a response that fails them is still used as far as it parses.

func spanItemSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"text", "label"},
		"properties": map[string]any{
			"text":      map[string]any{"type": "string", "minLength": 1},
			"start":     map[string]any{"type": "integer", "minimum": 0},
			"end":       map[string]any{"type": "integer", "minimum": 0},
			"label":     map[string]any{"type": "string"},
			"reasoning": map[string]any{"type": "string"},
		},
	}
}

func stageSchema() map[string]any {
	return map[string]any{
		"enum": []any{"setting", "perception", "invitation", "knowledge", "empathy", "strategy", nil},
	}
}

func annotationsSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"annotations"},
		"properties": map[string]any{
			"annotations": map[string]any{"type": "array", "items": spanItemSchema()},
		},
	}
}

func reactSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"annotations"},
		"properties": map[string]any{
			"reasoning_steps": map[string]any{"type": "array"},
			"spikes_stage":    stageSchema(),
			"annotations":     map[string]any{"type": "array", "items": spanItemSchema()},
		},
	}
}

func spikesSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"spikes_stage"},
		"properties": map[string]any{
			"spikes_stage": stageSchema(),
			"reasoning":    map[string]any{"type": "string"},
		},
	}
}

func relationsSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"relations"},
		"properties": map[string]any{
			"relations": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":     "object",
					"required": []string{"from_span_id", "to_span_id"},
					"properties": map[string]any{
						"from_span_id":  map[string]any{"type": "string"},
						"to_span_id":    map[string]any{"type": "string"},
						"relation_type": map[string]any{"enum": []any{"response_to", "elicitation_of"}},
						"reasoning":     map[string]any{"type": "string"},
					},
				},
			},
		},
	}
}

func mustSchema(doc map[string]any) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	if err != nil {
		panic(fmt.Sprintf("compile output schema: %v", err))
	}
	return schema
}

// validateOutput returns the schema violations of parsed, joined with "; ".
func validateOutput(schema *gojsonschema.Schema, parsed map[string]any) (bool, string) {
	result, err := schema.Validate(gojsonschema.NewGoLoader(parsed))
	if err != nil {
		return false, err.Error()
	}
	if result.Valid() {
		return true, ""
	}
	messages := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		messages = append(messages, desc.String())
	}
	return false, strings.Join(messages, "; ")
}
