package security

import (
	"fmt"
	"log/slog"
	"regexp"
)

// defaultRedactPatterns cover the credential shapes the gateway itself
// handles: bearer headers, Telegram bot tokens, Slack tokens, and long
// hex/base64-ish keys assigned to secret-looking fields.
var defaultRedactPatterns = []string{
	`(?i)(authorization:\s*bearer\s+)[A-Za-z0-9._~+/=-]+`,
	`\b\d{8,10}:[A-Za-z0-9_-]{35}\b`,
	`\bxox[abps]-[A-Za-z0-9-]+\b`,
	`(?i)((?:token|secret|password|api[_-]?key)["':=\s]+)[A-Za-z0-9._~+/=-]{8,}`,
}

// Redactor scrubs secrets out of text before it reaches logs, audit rows,
// or status replies.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor builds a redactor from the default patterns plus any extras
// from config. Invalid extras are rejected, matching config validation.
func NewRedactor(extra []string) (*Redactor, error) {
	patterns := make([]*regexp.Regexp, 0, len(defaultRedactPatterns)+len(extra))
	for _, p := range defaultRedactPatterns {
		patterns = append(patterns, regexp.MustCompile(p))
	}
	for _, p := range extra {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("redact pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}
	return &Redactor{patterns: patterns}, nil
}

// Apply replaces every secret match with a masked marker. Patterns with a
// capture group keep the group (the field name) and mask the rest.
func (r *Redactor) Apply(s string) string {
	for _, re := range r.patterns {
		if re.NumSubexp() > 0 {
			s = re.ReplaceAllString(s, "${1}***")
		} else {
			s = re.ReplaceAllString(s, "***")
		}
	}
	return s
}

// LogReplaceAttr adapts the redactor to slog's ReplaceAttr hook so string
// attributes are scrubbed before the handler writes them.
func (r *Redactor) LogReplaceAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString {
		a.Value = slog.StringValue(r.Apply(a.Value.String()))
	}
	return a
}
