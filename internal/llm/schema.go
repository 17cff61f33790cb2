package llm

import (
	"sort"

	"github.com/switchboardhq/switchboard/pkg/models"
)

// JSONSchema renders a tool's parameters as a JSON Schema object.
func JSONSchema(p models.ParamSchema) map[string]any {
	props := make(map[string]any, len(p.Properties))
	for name, spec := range p.Properties {
		s := map[string]any{"type": spec.Type}
		if spec.Description != "" {
			s["description"] = spec.Description
		}
		if spec.Format != "" {
			s["format"] = spec.Format
		}
		if len(spec.Enum) > 0 {
			s["enum"] = spec.Enum
		}
		if spec.Minimum != nil {
			s["minimum"] = *spec.Minimum
		}
		if spec.Maximum != nil {
			s["maximum"] = *spec.Maximum
		}
		if spec.Type == "array" {
			s["items"] = map[string]any{"type": "string"}
		}
		props[name] = s
	}
	required := append([]string{}, p.Required...)
	sort.Strings(required)
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}
