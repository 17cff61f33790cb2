package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboardhq/switchboard/pkg/models"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		text string
		want models.Intent
	}{
		{"", models.IntentGeneral},
		{"   ", models.IntentGeneral},
		{"what's the weather like", models.IntentGeneral},
		{"Can I talk to a real person please", models.IntentHumanHandoff},
		{"I want to speak with a manager about my reservation", models.IntentHumanHandoff},
		{"yes", models.IntentConfirm},
		{"Yes please!", models.IntentConfirm},
		{"ok book a table for two", models.IntentReservation},
		{"no thanks", models.IntentDecline},
		{"Do you take Delta Dental insurance?", models.IntentInsurance},
		{"I need to book a cleaning next week", models.IntentAppointment},
		{"book a table for 4 tomorrow at 7pm", models.IntentReservation},
		{"I'd like to place an order for pickup", models.IntentOrder},
		{"do you have vegan dishes", models.IntentMenu},
		{"what time do you close on Sunday", models.IntentBusinessInfo},
		{"hello there", models.IntentGreeting},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := Classify(tt.text); got != tt.want {
				t.Errorf("Classify(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestFirstMatchWins(t *testing.T) {
	// Mentions both insurance and an appointment; insurance is earlier.
	assert.Equal(t, models.IntentInsurance, Classify("is my cleaning appointment covered by insurance"))
}

func TestLoadRules(t *testing.T) {
	rules, err := LoadRules([]byte(`
rules:
  - intent: loyalty
    pattern: '(?i)\bpoints\b'
  - intent: reservation
    pattern: '(?i)\btable\b'
`))
	require.NoError(t, err)
	s := New(rules)
	assert.Equal(t, models.Intent("loyalty"), s.Classify("how many points for a table"))
	assert.Equal(t, models.IntentGeneral, s.Classify("hello"))
	assert.Len(t, s.Rules(), 2)

	_, err = LoadRules([]byte("rules:\n  - intent: x\n    pattern: '('\n"))
	assert.Error(t, err)
}
