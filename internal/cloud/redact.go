package cloud

import "strings"

// Redactor masks secrets before they reach a log line. It is passed into
// each component's constructor; there is no package-level instance.
type Redactor struct {
	// Reveal keeps this many leading characters of a token visible.
	Reveal int
}

// NewRedactor returns a Redactor that keeps the first reveal characters.
func NewRedactor(reveal int) *Redactor {
	return &Redactor{Reveal: max(reveal, 0)}
}

// Token masks a bearer-style token. Empty stays empty so logs still show
// whether a token was present.
func (r *Redactor) Token(s string) string {
	if s == "" {
		return ""
	}

	if r == nil || r.Reveal == 0 || len(s) <= 2*r.Reveal {
		return "[redacted]"
	}

	return s[:r.Reveal] + strings.Repeat("*", 8)
}

// Identifier masks the local part of an account identifier
// ("jane@example.com" -> "j***@example.com").
func (r *Redactor) Identifier(s string) string {
	at := strings.LastIndex(s, "@")
	if at <= 0 {
		return r.Token(s)
	}

	return s[:1] + "***" + s[at:]
}
