// Package srp derives password keys and computes the SRP-6a client proofs
// used by the account service's sign-in handshake.
package srp

import (
	"log/slog"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

var lowerCaser = cases.Lower(language.Und)

// NormalizeIdentifier canonicalizes an account identifier: surrounding
// whitespace trimmed, NFC-normalized and lower-cased. Stores and session
// files are keyed by the normalized form.
func NormalizeIdentifier(id string) string {
	return lowerCaser.String(norm.NFC.String(strings.TrimSpace(id)))
}

// Credential pairs an account identifier with its secret. The secret is
// never logged or serialized; call Wipe once it is no longer needed.
type Credential struct {
	Identifier string
	Secret     []byte
}

// NewCredential normalizes identifier and copies secret so the caller can
// wipe its own buffer independently.
func NewCredential(identifier string, secret []byte) Credential {
	return Credential{
		Identifier: NormalizeIdentifier(identifier),
		Secret:     append([]byte(nil), secret...),
	}
}

// Wipe zeroes the secret in place and drops it.
func (c *Credential) Wipe() {
	for i := range c.Secret {
		c.Secret[i] = 0
	}

	c.Secret = nil
}

// Empty reports whether there is no secret to authenticate with.
func (c Credential) Empty() bool {
	return len(c.Secret) == 0
}

// LogValue implements slog.LogValuer.
func (c Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("identifier", c.Identifier),
		slog.Bool("has_secret", len(c.Secret) > 0),
	)
}

// String never includes the secret.
func (c Credential) String() string {
	return "credential(" + c.Identifier + ")"
}
