// Package guardrails screens customer text before it reaches the agent and
// agent text before it reaches the customer.
//
// Input screening strips injection directives sentence by sentence and
// flags them; the legitimate remainder of the message is still served.
// Output screening catches replies that echo the compiled instructions.
package guardrails

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxCharacters caps a single inbound message.
const DefaultMaxCharacters = 2000

// Flag names something the sanitizer found.
type Flag string

const (
	FlagInjection Flag = "prompt_injection"
	FlagTruncated Flag = "max_length"
	FlagControl   Flag = "control_characters"
)

// Result is the sanitized text and what was removed from it.
type Result struct {
	Text     string
	Flags    []Flag
	Stripped []string
}

// Flagged reports whether f was raised.
func (r Result) Flagged(f Flag) bool {
	for _, have := range r.Flags {
		if have == f {
			return true
		}
	}
	return false
}

// Empty reports whether nothing usable is left.
func (r Result) Empty() bool { return strings.TrimSpace(r.Text) == "" }

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above|your)\s+(instructions?|prompts?|rules?|directions?)`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above|your)\s+(instructions?|prompts?|rules?)`),
	regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|prior|above|your)\s+(instructions?|prompts?|rules?|context)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|my)\s+`),
	regexp.MustCompile(`(?i)new\s+instructions?:`),
	regexp.MustCompile(`(?i)system\s*:\s*you\s+are`),
	regexp.MustCompile(`(?i)\bdo\s+anything\s+now\b`),
	regexp.MustCompile(`(?i)\bjailbreak\b`),
	regexp.MustCompile(`(?i)pretend\s+you\s+(are|have)\s+no\s+(restrictions?|rules?|guidelines?)`),
	regexp.MustCompile(`(?i)act\s+as\s+if\s+you\s+have\s+no\s+(restrictions?|rules?|filters?)`),
}

var strictPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)override\s+(your|the|all)\s+`),
	regexp.MustCompile(`(?i)bypass\s+(your|the|all)\s+`),
	regexp.MustCompile(`(?i)reveal\s+(your|the)\s+(system\s+)?(prompt|instructions?)`),
	regexp.MustCompile(`(?i)what\s+(is|are)\s+your\s+(system\s+)?(prompt|instructions?|rules?)`),
	regexp.MustCompile(`(?i)repeat\s+(your|the)\s+(system\s+)?(prompt|instructions?)`),
}

var sentenceRE = regexp.MustCompile(`[^.!?\n]+[.!?]*`)

var piiPatterns = map[string]*regexp.Regexp{
	"email":       regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
	"credit_card": regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`),
	"ssn":         regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	"phone":       regexp.MustCompile(`(\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}`),
}

// piiOrder keeps redaction deterministic; card numbers before phones.
var piiOrder = []string{"email", "credit_card", "ssn", "phone"}

// Sanitizer screens inbound text.
type Sanitizer struct {
	maxChars int
	strict   bool
}

// Option configures a Sanitizer.
type Option func(*Sanitizer)

func WithMaxCharacters(n int) Option {
	return func(s *Sanitizer) {
		if n > 0 {
			s.maxChars = n
		}
	}
}

// WithStrict also strips attempts to read or override the instructions.
func WithStrict() Option {
	return func(s *Sanitizer) { s.strict = true }
}

func New(opts ...Option) *Sanitizer {
	s := &Sanitizer{maxChars: DefaultMaxCharacters}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Sanitize removes control characters and injection directives and caps
// the length.
func (s *Sanitizer) Sanitize(text string) Result {
	var res Result

	cleaned := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) || r == utf8.RuneError {
			return -1
		}
		return r
	}, text)
	if cleaned != text {
		res.Flags = append(res.Flags, FlagControl)
	}

	var kept []string
	for _, sentence := range sentenceRE.FindAllString(cleaned, -1) {
		trimmed := strings.TrimSpace(sentence)
		if trimmed == "" {
			continue
		}
		if s.isDirective(trimmed) {
			res.Stripped = append(res.Stripped, trimmed)
			continue
		}
		kept = append(kept, trimmed)
	}
	if len(res.Stripped) > 0 {
		res.Flags = append(res.Flags, FlagInjection)
	}

	// Untouched messages keep their original punctuation and spacing.
	out := strings.TrimSpace(cleaned)
	if len(res.Stripped) > 0 {
		out = strings.Join(kept, " ")
	}
	if utf8.RuneCountInString(out) > s.maxChars {
		out = string([]rune(out)[:s.maxChars])
		res.Flags = append(res.Flags, FlagTruncated)
	}
	res.Text = out
	return res
}

func (s *Sanitizer) isDirective(sentence string) bool {
	for _, re := range injectionPatterns {
		if re.MatchString(sentence) {
			return true
		}
	}
	if s.strict {
		for _, re := range strictPatterns {
			if re.MatchString(sentence) {
				return true
			}
		}
	}
	return false
}

// RedactPII masks emails, card numbers, SSNs and phone numbers. Used for
// log previews, never for the text sent to the agent.
func RedactPII(text string) string {
	for _, name := range piiOrder {
		text = piiPatterns[name].ReplaceAllString(text, "["+name+"]")
	}
	return text
}

// minLeakLine is the shortest instruction line treated as a leak when it
// appears verbatim in a reply.
const minLeakLine = 40

// LeaksInstructions reports whether reply repeats a line of instructions.
func LeaksInstructions(reply, instructions string) bool {
	lowerReply := strings.ToLower(reply)
	for _, line := range strings.Split(instructions, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-#0123456789. "))
		if len(line) < minLeakLine {
			continue
		}
		if strings.Contains(lowerReply, strings.ToLower(line)) {
			return true
		}
	}
	return false
}
