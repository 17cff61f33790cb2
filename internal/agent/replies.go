package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/switchboardhq/switchboard/pkg/models"
)

func businessName(t *models.TenantConfig) string {
	if t.Name != "" {
		return t.Name
	}
	return "the business"
}

func handoffText(t *models.TenantConfig) string {
	return fmt.Sprintf("Of course. I'm connecting you with a member of the %s team now. They'll reply here shortly.", businessName(t))
}

func troubleHandoffText(t *models.TenantConfig) string {
	return fmt.Sprintf("I'm having trouble completing that right now, so I'm bringing in a member of the %s team to help. They'll reply here shortly.", businessName(t))
}

func unavailableText(t *models.TenantConfig, what string) string {
	if what == "" {
		what = "that"
	}
	return fmt.Sprintf("I'm sorry, I'm not able to help with %s here. I can connect you with the team at %s if you'd like.", what, businessName(t))
}

func declineText() string {
	return "No problem, I won't go ahead with that. Is there anything else I can help with?"
}

func redirectText(t *models.TenantConfig) string {
	return fmt.Sprintf("I can help with questions about %s, like opening hours, bookings or orders. What would you like to do?", businessName(t))
}

const noContextNote = "No business knowledge matched this message. Do not invent facts; answer only from tool results, or offer to connect the customer with the team."

// humanize turns "party_size" into "party size".
func humanize(s string) string { return strings.ReplaceAll(s, "_", " ") }

// summarize renders a tool call for a confirmation prompt.
func summarize(call models.ToolCall) string {
	keys := make([]string, 0, len(call.Arguments))
	for k := range call.Arguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", humanize(k), formatValue(call.Arguments[k])))
	}
	if len(parts) == 0 {
		return humanize(call.Name)
	}
	return fmt.Sprintf("%s (%s)", humanize(call.Name), strings.Join(parts, ", "))
}

func formatValue(v any) string {
	switch x := v.(type) {
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%g", x)
	case []any:
		items := make([]string, len(x))
		for i, it := range x {
			items[i] = formatValue(it)
		}
		return strings.Join(items, "; ")
	default:
		return fmt.Sprint(v)
	}
}

func confirmPrompt(summary string) string {
	return fmt.Sprintf("Just to confirm: %s. Shall I go ahead?", summary)
}

// gathered renders the last successful tool payload when the iteration
// budget runs out before the model produced an answer.
func gathered(res *models.ToolResult) string {
	if res == nil {
		return ""
	}
	keys := make([]string, 0, len(res.Payload))
	for k := range res.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var lines []string
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %v", humanize(k), formatValue(res.Payload[k])))
	}
	if res.Confirmation != "" {
		lines = append(lines, "confirmation number: "+res.Confirmation)
	}
	if len(lines) == 0 {
		return ""
	}
	return "Here's what I found. " + strings.Join(lines, ", ") + "."
}

func withConfirmation(text, code string) string {
	if code == "" || strings.Contains(text, code) {
		return text
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "Done! Your confirmation number is " + code + "."
	}
	return text + " Your confirmation number is " + code + "."
}
