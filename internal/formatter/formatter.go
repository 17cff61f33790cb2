// Package formatter shapes a channel-agnostic reply for the channel it is
// delivered on. It never changes what the reply says, only how it looks
// (or sounds).
package formatter

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/switchboardhq/switchboard/pkg/models"
)

const (
	DefaultSMSSegment     = 160
	DefaultSMSMax         = 320
	DefaultWhatsAppMax    = 4096
	DefaultVoiceSentences = 2
)

var (
	boldRE       = regexp.MustCompile(`\*\*(.+?)\*\*|__(.+?)__`)
	italicRE     = regexp.MustCompile(`(^|[^*\w])\*([^*\n]+?)\*|(^|[^_\w])_([^_\n]+?)_`)
	headingRE    = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	linkRE       = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)
	codeRE       = regexp.MustCompile("`{1,3}([^`]*)`{1,3}")
	bulletRE     = regexp.MustCompile(`(?m)^\s*[-*+]\s+`)
	urlRE        = regexp.MustCompile(`https?://\S*[^\s.,!?;:)]`)
	spaceRE      = regexp.MustCompile(`[ \t]+`)
	blankLinesRE = regexp.MustCompile(`\n{3,}`)
	sentenceRE   = regexp.MustCompile(`[^.!?]+[.!?]*`)
	// confirmation codes such as BV-1042 or A7K9Q2, and long digit runs
	confirmationRE = regexp.MustCompile(`\b(?:[A-Z]{1,4}-?\d[A-Z0-9]*|[A-Z0-9]*\d[A-Z][A-Z0-9]*|\d{5,})\b`)
)

// Formatter applies per-channel rules.
type Formatter struct {
	smsSegment     int
	smsMax         int
	voiceSentences int
}

// Option configures a Formatter.
type Option func(*Formatter)

func WithSMSLimits(segment, max int) Option {
	return func(f *Formatter) {
		if segment > 0 {
			f.smsSegment = segment
		}
		if max > 0 {
			f.smsMax = max
		}
	}
}

func WithVoiceSentences(n int) Option {
	return func(f *Formatter) {
		if n > 0 {
			f.voiceSentences = n
		}
	}
}

func New(opts ...Option) *Formatter {
	f := &Formatter{
		smsSegment:     DefaultSMSSegment,
		smsMax:         DefaultSMSMax,
		voiceSentences: DefaultVoiceSentences,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Apply rewrites reply.Text and reply.Hints for reply.Channel.
func (f *Formatter) Apply(reply *models.Reply) {
	reply.Text, reply.Hints = f.Format(reply.Channel, reply.Text)
}

// Format returns the shaped text and the delivery hints for ch.
func (f *Formatter) Format(ch models.Channel, text string) (string, models.FormattingHints) {
	text = strings.TrimSpace(text)
	switch ch {
	case models.ChannelSMS:
		out := truncate(tidy(StripMarkdown(text)), f.smsMax)
		return out, models.FormattingHints{MaxLength: f.smsMax, Segments: Segment(out, f.smsSegment)}
	case models.ChannelWhatsApp:
		return truncate(whatsApp(text), DefaultWhatsAppMax), models.FormattingHints{MaxLength: DefaultWhatsAppMax}
	case models.ChannelVoice:
		return f.voice(text), models.FormattingHints{}
	default:
		return text, models.FormattingHints{Markdown: true}
	}
}

// StripMarkdown removes markdown syntax and keeps the words.
func StripMarkdown(text string) string {
	text = codeRE.ReplaceAllString(text, "$1")
	text = linkRE.ReplaceAllString(text, "$1 ($2)")
	text = headingRE.ReplaceAllString(text, "$1")
	text = boldRE.ReplaceAllString(text, "$1$2")
	text = italicRE.ReplaceAllString(text, "$1$2$3$4")
	text = bulletRE.ReplaceAllString(text, "- ")
	return text
}

func whatsApp(text string) string {
	text = codeRE.ReplaceAllString(text, "$1")
	text = linkRE.ReplaceAllString(text, "$1: $2")
	text = headingRE.ReplaceAllString(text, "*$1*")
	text = boldRE.ReplaceAllStringFunc(text, func(m string) string {
		return "*" + m[2:len(m)-2] + "*"
	})
	text = bulletRE.ReplaceAllString(text, "• ")
	return tidy(text)
}

func (f *Formatter) voice(text string) string {
	text = linkRE.ReplaceAllString(text, "$1")
	text = urlRE.ReplaceAllString(text, "")
	text = StripMarkdown(text)
	text = bulletRE.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "\n", " ")
	text = spaceRE.ReplaceAllString(text, " ")

	var kept []string
	for _, s := range sentenceRE.FindAllString(text, -1) {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		// sentences carrying a confirmation code are never dropped
		if len(kept) < f.voiceSentences || confirmationRE.MatchString(s) {
			kept = append(kept, s)
		}
	}
	out := strings.Join(kept, " ")
	out = strings.ReplaceAll(out, " (", ", ")
	out = strings.ReplaceAll(out, ")", "")
	return SpellCodes(out)
}

// SpellCodes spaces out confirmation codes so a speech engine reads them
// character by character.
func SpellCodes(text string) string {
	return confirmationRE.ReplaceAllStringFunc(text, func(code string) string {
		parts := strings.Split(code, "-")
		spelled := make([]string, len(parts))
		for i, p := range parts {
			chars := make([]string, 0, len(p))
			for _, r := range p {
				chars = append(chars, string(r))
			}
			spelled[i] = strings.Join(chars, " ")
		}
		return strings.Join(spelled, ", ")
	})
}

// Segment splits text into parts of at most size runes, breaking on
// whitespace where possible.
func Segment(text string, size int) []string {
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= size {
		return []string{text}
	}
	var out []string
	rest := []rune(text)
	for len(rest) > size {
		cut := size
		for i := size; i > size/2; i-- {
			if rest[i] == ' ' || rest[i] == '\n' {
				cut = i
				break
			}
		}
		out = append(out, strings.TrimSpace(string(rest[:cut])))
		rest = []rune(strings.TrimLeft(string(rest[cut:]), " \n"))
	}
	if len(rest) > 0 {
		out = append(out, string(rest))
	}
	return out
}

func truncate(text string, max int) string {
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text
	}
	r := []rune(text)
	cut := max - 1
	for i := cut; i > max/2; i-- {
		if r[i] == ' ' {
			cut = i
			break
		}
	}
	return strings.TrimRight(string(r[:cut]), " ,;:") + "…"
}

func tidy(text string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(spaceRE.ReplaceAllString(l, " "))
	}
	return strings.TrimSpace(blankLinesRE.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}
