// Package intent classifies inbound text into a coarse intent with an
// ordered list of regular expressions. The first matching rule wins and
// anything unmatched is "general". Classification is a pure function.
package intent

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/switchboardhq/switchboard/pkg/models"
	"gopkg.in/yaml.v3"
)

// Rule maps a pattern to an intent.
type Rule struct {
	Intent  models.Intent
	Pattern *regexp.Regexp
}

// DefaultRules is the built-in rule order. Order matters: a request for a
// person beats everything, bare confirmations are checked before topical
// keywords, and appointment beats reservation so "book a cleaning" is not
// read as a table booking.
var DefaultRules = []Rule{
	{models.IntentHumanHandoff, regexp.MustCompile(`(?i)\b(speak|talk|transfer|connect|put me through)\b.*\b(human|person|someone|representative|manager|staff|receptionist)\b|\b(real person|human agent|live agent|operator)\b`)},
	{models.IntentConfirm, regexp.MustCompile(`(?i)^\s*(yes|yeah|yep|yup|confirm|confirmed|sure|ok|okay|go ahead|please do|correct|sounds good|do it|that's right)(\s+please)?[\s.!]*$`)},
	{models.IntentDecline, regexp.MustCompile(`(?i)^\s*(no|nope|nah|don't|do not|never ?mind|cancel that|not now)(\s+thanks?| thank you)?[\s.!]*$`)},
	{models.IntentInsurance, regexp.MustCompile(`(?i)\b(insurance|insured|coverage|covered|insurer|copay|co-pay|deductible)\b`)},
	{models.IntentAppointment, regexp.MustCompile(`(?i)\b(appointment|cleaning|check-?up|consultation|haircut|hair cut|color|manicure|pedicure)\b`)},
	{models.IntentReservation, regexp.MustCompile(`(?i)\b(reserve|reservation|book a table|table for|booking)\b`)},
	{models.IntentOrder, regexp.MustCompile(`(?i)\b(order|delivery|deliver|takeout|take-out|pick ?up)\b`)},
	{models.IntentMenu, regexp.MustCompile(`(?i)\b(menu|dish|dishes|vegan|vegetarian|gluten|allerg(y|ies|en)|specials?)\b`)},
	{models.IntentBusinessInfo, regexp.MustCompile(`(?i)\b(hours|open|opening|close|closing|address|located|location|where are you|parking|directions)\b`)},
	{models.IntentGreeting, regexp.MustCompile(`(?i)^\s*(hi|hello|hey|hiya|good (morning|afternoon|evening))\b`)},
}

// Supervisor classifies text against an ordered rule list.
type Supervisor struct {
	rules []Rule
}

// New creates a supervisor. A nil rule list uses DefaultRules.
func New(rules []Rule) *Supervisor {
	if rules == nil {
		rules = DefaultRules
	}
	return &Supervisor{rules: rules}
}

// Classify returns the intent of the first rule matching text.
func (s *Supervisor) Classify(text string) models.Intent {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.IntentGeneral
	}
	for _, r := range s.rules {
		if r.Pattern.MatchString(text) {
			return r.Intent
		}
	}
	return models.IntentGeneral
}

// Rules returns the rule list in evaluation order.
func (s *Supervisor) Rules() []Rule {
	return append([]Rule(nil), s.rules...)
}

var defaultSupervisor = New(nil)

// Classify uses the built-in rules.
func Classify(text string) models.Intent {
	return defaultSupervisor.Classify(text)
}

type ruleDoc struct {
	Rules []struct {
		Intent  string `yaml:"intent"`
		Pattern string `yaml:"pattern"`
	} `yaml:"rules"`
}

// LoadRules parses an ordered rule list from YAML:
//
//	rules:
//	  - intent: reservation
//	    pattern: '(?i)\btable\b'
func LoadRules(data []byte) ([]Rule, error) {
	var doc ruleDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse intent rules: %w", err)
	}
	rules := make([]Rule, 0, len(doc.Rules))
	for i, r := range doc.Rules {
		if r.Intent == "" {
			return nil, fmt.Errorf("rule %d: intent is required", i)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Intent, err)
		}
		rules = append(rules, Rule{Intent: models.Intent(r.Intent), Pattern: re})
	}
	return rules, nil
}
