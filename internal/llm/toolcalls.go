package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/switchboardhq/switchboard/pkg/models"
)

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(.+?)```")

// ParseToolCalls extracts tool calls a model wrote as JSON in its text,
// for backends without native function calling. Accepted shapes are
// {"tool_calls": [...]}, a bare array of calls, and either one inside a
// fenced code block.
func ParseToolCalls(content string) []models.ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if calls := parseCallJSON(content); len(calls) > 0 {
		return calls
	}
	for _, m := range fencedJSON.FindAllStringSubmatch(content, -1) {
		if calls := parseCallJSON(strings.TrimSpace(m[1])); len(calls) > 0 {
			return calls
		}
	}
	return nil
}

func parseCallJSON(s string) []models.ToolCall {
	var wrapper struct {
		ToolCalls []models.ToolCall `json:"tool_calls"`
	}
	if err := json.Unmarshal([]byte(s), &wrapper); err == nil && len(wrapper.ToolCalls) > 0 {
		return withIDs(wrapper.ToolCalls)
	}

	var calls []models.ToolCall
	if err := json.Unmarshal([]byte(s), &calls); err == nil && len(calls) > 0 {
		return withIDs(calls)
	}
	return nil
}

func withIDs(calls []models.ToolCall) []models.ToolCall {
	out := calls[:0]
	for i, c := range calls {
		if c.Name == "" {
			continue
		}
		if c.ID == "" {
			c.ID = fmt.Sprintf("call_%d", i)
		}
		if c.Arguments == nil {
			c.Arguments = map[string]any{}
		}
		out = append(out, c)
	}
	return out
}

// decodeArguments parses a JSON-encoded argument string. Malformed input
// yields an empty map so schema validation reports the missing fields.
func decodeArguments(raw string) map[string]any {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args
	}
	_ = json.Unmarshal([]byte(raw), &args)
	return args
}
