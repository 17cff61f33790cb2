package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/switchboardhq/switchboard/pkg/models"
)

// ArgumentError lists every schema violation in a tool call.
type ArgumentError struct {
	Tool     string
	Problems []string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, strings.Join(e.Problems, "; "))
}

func (e *ArgumentError) Unwrap() error { return ErrInvalidArguments }

// ValidateArguments checks args against the tool's parameter schema.
func ValidateArguments(tool models.ToolDefinition, args map[string]any) error {
	var problems []string
	schema := tool.Parameters

	for _, name := range schema.Required {
		v, ok := args[name]
		if !ok || v == nil {
			problems = append(problems, fmt.Sprintf("missing required parameter %q", name))
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			problems = append(problems, fmt.Sprintf("parameter %q is empty", name))
		}
	}

	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec, ok := schema.Properties[name]
		if !ok {
			problems = append(problems, fmt.Sprintf("unexpected parameter %q", name))
			continue
		}
		if args[name] == nil {
			continue
		}
		if msg := checkValue(spec, args[name]); msg != "" {
			problems = append(problems, fmt.Sprintf("parameter %q %s", name, msg))
		}
	}

	if len(problems) > 0 {
		return &ArgumentError{Tool: tool.Name, Problems: problems}
	}
	return nil
}

func checkValue(spec models.ParamSpec, v any) string {
	switch spec.Type {
	case "string":
		s, ok := v.(string)
		if !ok {
			return "must be a string"
		}
		if len(spec.Enum) > 0 && !contains(spec.Enum, s) {
			return fmt.Sprintf("must be one of %s", strings.Join(spec.Enum, ", "))
		}
		switch spec.Format {
		case "date":
			if _, err := time.Parse("2006-01-02", s); err != nil {
				return "must be a date (YYYY-MM-DD)"
			}
		case "time":
			if _, err := time.Parse("15:04", s); err != nil {
				return "must be a time (HH:MM)"
			}
		}
	case "integer":
		f, ok := toFloat(v)
		if !ok || f != math.Trunc(f) {
			return "must be an integer"
		}
		return checkRange(spec, f)
	case "number":
		f, ok := toFloat(v)
		if !ok {
			return "must be a number"
		}
		return checkRange(spec, f)
	case "boolean":
		if _, ok := v.(bool); !ok {
			return "must be a boolean"
		}
	case "array":
		if _, ok := v.([]any); !ok {
			return "must be an array"
		}
	case "object":
		if _, ok := v.(map[string]any); !ok {
			return "must be an object"
		}
	}
	return ""
}

func checkRange(spec models.ParamSpec, f float64) string {
	if spec.Minimum != nil && f < *spec.Minimum {
		return fmt.Sprintf("must be >= %g", *spec.Minimum)
	}
	if spec.Maximum != nil && f > *spec.Maximum {
		return fmt.Sprintf("must be <= %g", *spec.Maximum)
	}
	return ""
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
